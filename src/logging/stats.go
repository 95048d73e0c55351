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

package logging

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"forensicworker/src/model"
)

const (
	MetricTasksTotal       = "worker_tasks_total"
	MetricTasksSucceeded   = "worker_tasks_succeeded"
	MetricTasksFailed      = "worker_tasks_failed"
	MetricTasksCancelled   = "worker_tasks_cancelled"
	MetricDatabaseFailures = "worker_database_update_failures"
)

// InitializeWorkerMetrics registers the counters WorkerStats feeds.
func InitializeWorkerMetrics() {
	InitializeFloatCounter(MetricTasksTotal, "Total number of tasks claimed by the worker", "Task")
	InitializeFloatCounter(MetricTasksSucceeded, "Number of tasks completed by the worker", "Task")
	InitializeFloatCounter(MetricTasksFailed, "Number of failed tasks on the worker", "Task")
	InitializeFloatCounter(MetricTasksCancelled, "Number of tasks cancelled while running", "Task")
	InitializeFloatCounter(MetricDatabaseFailures, "Number of task store write failures on the worker", "Task")
}

// StatusResponse for JSON output
type StatusResponse struct {
	ID               string    `json:"id"`
	StartTime        time.Time `json:"start_time"`
	Uptime           string    `json:"uptime"`
	TasksProcessed   uint64    `json:"tasks_processed"`
	TasksSuccessful  uint64    `json:"tasks_successful"`
	TasksFailed      uint64    `json:"tasks_failed"`
	TasksCancelled   uint64    `json:"tasks_cancelled"`
	DatabaseFailures uint64    `json:"database_failures"`
	CurrentTasks     []string  `json:"current_tasks"`
}

// WorkerStats tracks the internal state of the worker
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
	current        map[string]struct{}
}

func NewWorkerStats(id string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
		current: map[string]struct{}{},
	}
}

func (s *WorkerStats) TaskStarted(t model.Task) {
	s.mu.Lock()
	s.statusResponse.TasksProcessed++
	s.current[t.ID] = struct{}{}
	s.mu.Unlock()
	AddCounter(context.Background(), MetricTasksTotal, 1, attribute.String("analysis_type", string(t.AnalysisType)))
}

func (s *WorkerStats) TaskFinished(t model.Task) {
	s.mu.Lock()
	delete(s.current, t.ID)
	var metricName string
	switch t.Status {
	case model.TaskCompleted:
		s.statusResponse.TasksSuccessful++
		metricName = MetricTasksSucceeded
	case model.TaskFailed:
		s.statusResponse.TasksFailed++
		metricName = MetricTasksFailed
	case model.TaskCancelled:
		s.statusResponse.TasksCancelled++
		metricName = MetricTasksCancelled
	}
	s.mu.Unlock()
	if metricName != "" {
		AddCounter(context.Background(), metricName, 1, attribute.String("analysis_type", string(t.AnalysisType)))
	}
}

func (s *WorkerStats) DatabaseFailure() {
	s.mu.Lock()
	s.statusResponse.DatabaseFailures++
	s.mu.Unlock()
	AddCounter(context.Background(), MetricDatabaseFailures, 1)
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	resp.CurrentTasks = make([]string, 0, len(s.current))
	for id := range s.current {
		resp.CurrentTasks = append(resp.CurrentTasks, id)
	}
	sort.Strings(resp.CurrentTasks)
	return resp
}
