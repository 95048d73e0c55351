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
	"sort"
	"sync"
	"time"

	"forensicworker/src/model"
)

// MemoryStore keeps tasks in process memory. Used for single-node
// deployments and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
	seq   map[string]int64 // insertion order, breaks created_at ties
	next  int64
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*model.Task),
		seq:   make(map[string]int64),
		now:   time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return model.Conflictf("task %s already exists", t.ID)
	}
	cp := copyTask(t)
	m.tasks[t.ID] = &cp
	m.next++
	m.seq[t.ID] = m.next
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, model.NotFoundf("task %s not found", id)
	}
	return copyTask(t), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Task, 0)
	for _, t := range m.tasks {
		if f.matches(t) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return m.seq[out[i].ID] > m.seq[out[j].ID]
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) FindActive(_ context.Context, ref string, typ model.AnalysisType, requester string) (model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *model.Task
	for _, t := range m.tasks {
		if t.ArtifactRef != ref || t.AnalysisType != typ || t.Requester != requester {
			continue
		}
		if t.Status != model.TaskPending && t.Status != model.TaskRunning {
			continue
		}
		if found == nil || m.before(t, found) {
			found = t
		}
	}
	if found == nil {
		return model.Task{}, model.NotFoundf("no active task for %s", ref)
	}
	return copyTask(found), nil
}

func (m *MemoryStore) CountPending(_ context.Context, typ model.AnalysisType) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == model.TaskPending && t.AnalysisType == typ {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Claim(_ context.Context, typ model.AnalysisType, workerID string, maxRunning int) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	running := map[string]int{}
	for _, t := range m.tasks {
		if t.Status == model.TaskRunning {
			running[t.Requester]++
		}
	}

	var next *model.Task
	for _, t := range m.tasks {
		if t.Status != model.TaskPending || t.AnalysisType != typ {
			continue
		}
		if maxRunning > 0 && running[t.Requester] >= maxRunning {
			continue
		}
		if next == nil || m.before(t, next) {
			next = t
		}
	}
	if next == nil {
		return model.Task{}, ErrNoTask
	}

	now := m.now().UTC()
	next.Status = model.TaskRunning
	next.StartedAt = &now
	next.HeartbeatAt = &now
	next.WorkerID = workerID
	next.Progress = 0
	return copyTask(next), nil
}

func (m *MemoryStore) UpdateProgress(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.NotFoundf("task %s not found", id)
	}
	if t.Status != model.TaskRunning {
		return model.Conflictf("task %s is %s", id, t.Status)
	}
	if progress > 100 {
		progress = 100
	}
	if progress > t.Progress {
		t.Progress = progress
	}
	now := m.now().UTC()
	t.HeartbeatAt = &now
	return nil
}

func (m *MemoryStore) Heartbeat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.NotFoundf("task %s not found", id)
	}
	if t.Status == model.TaskRunning {
		now := m.now().UTC()
		t.HeartbeatAt = &now
	}
	return nil
}

func (m *MemoryStore) Finish(_ context.Context, id string, status model.TaskStatus, result json.RawMessage, errMsg *string) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, model.NotFoundf("task %s not found", id)
	}
	if err := finishTask(t, status, result, errMsg, m.now().UTC()); err != nil {
		return model.Task{}, err
	}
	return copyTask(t), nil
}

func (m *MemoryStore) Cancel(_ context.Context, id string) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, model.NotFoundf("task %s not found", id)
	}
	if err := cancelTask(t, m.now().UTC()); err != nil {
		return model.Task{}, err
	}
	return copyTask(t), nil
}

func (m *MemoryStore) Recover(_ context.Context, policy model.RecoveryPolicy, staleAfter time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	var n int64
	for _, t := range m.tasks {
		if isStale(t, staleAfter, now) {
			recoverTask(t, policy, now)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Stats(_ context.Context) (GlobalStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var gs GlobalStats
	var execTotal float64
	for _, t := range m.tasks {
		gs.TotalTasks++
		switch t.Status {
		case model.TaskPending:
			gs.PendingTasks++
		case model.TaskRunning:
			gs.RunningTasks++
		case model.TaskCompleted:
			gs.CompletedTasks++
			if t.StartedAt != nil && t.CompletedAt != nil {
				execTotal += t.CompletedAt.Sub(*t.StartedAt).Seconds()
				if t.CompletedAt.After(now.Add(-time.Hour)) {
					gs.ThroughputTasks++
				}
			}
		case model.TaskFailed:
			gs.FailedTasks++
		case model.TaskCancelled:
			gs.CancelledTasks++
		}
	}
	if gs.CompletedTasks > 0 {
		gs.AvgExecutionSec = execTotal / float64(gs.CompletedTasks)
	}
	return gs, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) before(a, b *model.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return m.seq[a.ID] < m.seq[b.ID]
}

func copyTask(t *model.Task) model.Task {
	cp := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.HeartbeatAt != nil {
		v := *t.HeartbeatAt
		cp.HeartbeatAt = &v
	}
	if t.Error != nil {
		v := *t.Error
		cp.Error = &v
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	return cp
}
