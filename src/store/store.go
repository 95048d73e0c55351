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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"forensicworker/src/model"
)

// ErrNoTask is returned by Claim when no task is claimable.
var ErrNoTask = errors.New("no claimable task")

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Requester    string
	Status       model.TaskStatus
	AnalysisType model.AnalysisType
	Limit        int
}

func (f Filter) matches(t *model.Task) bool {
	if f.Requester != "" && t.Requester != f.Requester {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AnalysisType != "" && t.AnalysisType != f.AnalysisType {
		return false
	}
	return true
}

// GlobalStats represents system-wide metrics
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	PendingTasks    int     `json:"pending_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	CancelledTasks  int     `json:"cancelled_tasks"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

// Store persists task records. The PENDING row is the queue entry: Claim
// moves the oldest claimable row of a lane to RUNNING atomically, so a task
// is never handed to two workers.
type Store interface {
	Create(ctx context.Context, t *model.Task) error
	Get(ctx context.Context, id string) (model.Task, error)
	// List returns matching tasks, newest first.
	List(ctx context.Context, f Filter) ([]model.Task, error)
	// FindActive returns the oldest PENDING or RUNNING task for the triple.
	FindActive(ctx context.Context, ref string, t model.AnalysisType, requester string) (model.Task, error)
	CountPending(ctx context.Context, t model.AnalysisType) (int, error)
	// Claim skips requesters that already have maxRunning RUNNING tasks.
	// maxRunning <= 0 disables the cap.
	Claim(ctx context.Context, t model.AnalysisType, workerID string, maxRunning int) (model.Task, error)
	// UpdateProgress raises the progress of a RUNNING task and refreshes its
	// heartbeat. Lower values are ignored.
	UpdateProgress(ctx context.Context, id string, progress int) error
	Heartbeat(ctx context.Context, id string) error
	// Finish moves a task to a terminal status. It fails with a conflict
	// error when the lifecycle does not allow the transition.
	Finish(ctx context.Context, id string, status model.TaskStatus, result json.RawMessage, errMsg *string) (model.Task, error)
	// Cancel moves a PENDING task to CANCELLED or flags a RUNNING one.
	Cancel(ctx context.Context, id string) (model.Task, error)
	// Recover sweeps RUNNING tasks whose heartbeat is older than staleAfter
	// (all of them when staleAfter is 0).
	Recover(ctx context.Context, policy model.RecoveryPolicy, staleAfter time.Duration) (int64, error)
	Stats(ctx context.Context) (GlobalStats, error)
	Close() error
}

// finishTask applies a terminal transition to t in place.
func finishTask(t *model.Task, status model.TaskStatus, result json.RawMessage, errMsg *string, now time.Time) error {
	if err := model.ValidateTransition(t.Status, status); err != nil {
		return err
	}
	t.Status = status
	t.CompletedAt = &now
	t.HeartbeatAt = nil
	switch status {
	case model.TaskCompleted:
		t.Progress = 100
		t.Result = append(json.RawMessage(nil), result...)
	case model.TaskFailed:
		msg := "internal error"
		if errMsg != nil {
			msg = *errMsg
		}
		t.Error = &msg
	}
	return nil
}

func cancelTask(t *model.Task, now time.Time) error {
	switch t.Status {
	case model.TaskPending:
		t.Status = model.TaskCancelled
		t.CompletedAt = &now
	case model.TaskRunning:
		t.CancelRequested = true
	default:
		return model.ValidateTransition(t.Status, model.TaskCancelled)
	}
	return nil
}

func recoverTask(t *model.Task, policy model.RecoveryPolicy, now time.Time) {
	switch {
	case t.CancelRequested:
		t.Status = model.TaskCancelled
		t.CompletedAt = &now
	case policy == model.RecoverRequeue:
		t.Status = model.TaskPending
		t.Progress = 0
		t.StartedAt = nil
		t.WorkerID = ""
	default:
		msg := model.InterruptedMessage
		t.Status = model.TaskFailed
		t.Error = &msg
		t.CompletedAt = &now
	}
	t.HeartbeatAt = nil
}

func isStale(t *model.Task, staleAfter time.Duration, now time.Time) bool {
	if t.Status != model.TaskRunning {
		return false
	}
	if staleAfter <= 0 || t.HeartbeatAt == nil {
		return true
	}
	return t.HeartbeatAt.Before(now.Add(-staleAfter))
}
