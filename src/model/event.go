// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import "time"

// Event is the status envelope pushed to live sessions.
type Event struct {
	Timestamp    time.Time    `json:"timestamp"`
	TaskID       string       `json:"task_id"`
	Status       TaskStatus   `json:"status"`
	Progress     *int         `json:"progress,omitempty"`
	Error        string       `json:"error,omitempty"`
	AnalysisType AnalysisType `json:"analysis_type,omitempty"`
}

// EventFor builds the envelope describing t's current state.
func EventFor(t Task) Event {
	ev := Event{
		Timestamp:    time.Now().UTC(),
		TaskID:       t.ID,
		Status:       t.Status,
		AnalysisType: t.AnalysisType,
	}
	if t.Status == TaskRunning || t.Status == TaskCompleted {
		p := t.Progress
		ev.Progress = &p
	}
	if t.Error != nil {
		ev.Error = *t.Error
	}
	return ev
}
