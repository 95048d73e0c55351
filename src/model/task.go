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

import (
	"encoding/json"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

var transitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskRunning, TaskCancelled},
	TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled},
}

// ValidateTransition returns a ConflictError unless from -> to is an edge of
// the task lifecycle graph.
func ValidateTransition(from, to TaskStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	if from.Terminal() {
		return Conflictf("task is already %s", from)
	}
	return Conflictf("invalid transition %s -> %s", from, to)
}

type AnalysisType string

const (
	AnalysisDocument AnalysisType = "document"
	AnalysisMemory   AnalysisType = "memory"
	AnalysisNetwork  AnalysisType = "network"
)

// AnalysisTypes lists every known type in lane order.
var AnalysisTypes = []AnalysisType{AnalysisDocument, AnalysisMemory, AnalysisNetwork}

func ParseAnalysisType(s string) (AnalysisType, error) {
	for _, t := range AnalysisTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", Validationf("unknown analysis type %q", s)
}

type Task struct {
	ID              string          `json:"id"`
	ArtifactRef     string          `json:"artifact_ref"`
	ArtifactMIME    string          `json:"artifact_mime,omitempty"`
	ArtifactSize    int64           `json:"artifact_size"`
	AnalysisType    AnalysisType    `json:"analysis_type"`
	Requester       string          `json:"requester"`
	Status          TaskStatus      `json:"status"`
	Progress        int             `json:"progress"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *string         `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	WorkerID        string          `json:"worker_id,omitempty"`
	HeartbeatAt     *time.Time      `json:"-"`
}

// CheckInvariants verifies that result and error agree with the status.
func (t *Task) CheckInvariants() error {
	if !t.Status.Valid() {
		return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
	}
	if t.Result != nil && t.Status != TaskCompleted {
		return fmt.Errorf("task %s: result present in status %s", t.ID, t.Status)
	}
	if t.Error != nil && t.Status != TaskFailed {
		return fmt.Errorf("task %s: error present in status %s", t.ID, t.Status)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("task %s: progress %d out of range", t.ID, t.Progress)
	}
	return nil
}

// RecoveryPolicy selects what happens to tasks left RUNNING by a dead process.
type RecoveryPolicy string

const (
	RecoverRequeue RecoveryPolicy = "requeue"
	RecoverFail    RecoveryPolicy = "fail"
)

// InterruptedMessage is recorded on tasks failed by restart recovery.
const InterruptedMessage = "interrupted"
