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
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forensicworker/src/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTask(requester string, typ model.AnalysisType, offset int) *model.Task {
	return &model.Task{
		ID:           uuid.NewString(),
		ArtifactRef:  "case/" + requester + ".bin",
		AnalysisType: typ,
		Requester:    requester,
		Status:       model.TaskPending,
		CreatedAt:    base.Add(time.Duration(offset) * time.Second),
	}
}

func mustCreate(t *testing.T, s Store, tasks ...*model.Task) {
	t.Helper()
	for _, task := range tasks {
		require.NoError(t, s.Create(context.Background(), task))
	}
}

func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		task := newTask("alice", model.AnalysisDocument, 0)
		mustCreate(t, s, task)

		got, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskPending, got.Status)
		assert.Equal(t, task.ArtifactRef, got.ArtifactRef)
		assert.True(t, task.CreatedAt.Equal(got.CreatedAt))

		require.ErrorIs(t, s.Create(ctx, task), model.ErrConflict)
		_, err = s.Get(ctx, uuid.NewString())
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("claim is FIFO per lane", func(t *testing.T) {
		s := open(t)
		first := newTask("alice", model.AnalysisNetwork, 1)
		second := newTask("bob", model.AnalysisNetwork, 2)
		other := newTask("carol", model.AnalysisMemory, 0)
		mustCreate(t, s, second, first, other)

		got, err := s.Claim(ctx, model.AnalysisNetwork, "w1", 0)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
		assert.Equal(t, model.TaskRunning, got.Status)
		assert.Equal(t, "w1", got.WorkerID)
		assert.NotNil(t, got.StartedAt)

		got, err = s.Claim(ctx, model.AnalysisNetwork, "w1", 0)
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)

		_, err = s.Claim(ctx, model.AnalysisNetwork, "w1", 0)
		require.ErrorIs(t, err, ErrNoTask)
		_, err = s.Claim(ctx, model.AnalysisDocument, "w1", 0)
		require.ErrorIs(t, err, ErrNoTask)
	})

	t.Run("claim respects per-requester cap", func(t *testing.T) {
		s := open(t)
		a1 := newTask("alice", model.AnalysisDocument, 1)
		a2 := newTask("alice", model.AnalysisDocument, 2)
		a3 := newTask("alice", model.AnalysisDocument, 3)
		b1 := newTask("bob", model.AnalysisDocument, 4)
		mustCreate(t, s, a1, a2, a3, b1)

		var claimed []string
		for i := 0; i < 3; i++ {
			got, err := s.Claim(ctx, model.AnalysisDocument, "w", 2)
			require.NoError(t, err)
			claimed = append(claimed, got.ID)
		}
		assert.Equal(t, []string{a1.ID, a2.ID, b1.ID}, claimed)

		_, err := s.Claim(ctx, model.AnalysisDocument, "w", 2)
		require.ErrorIs(t, err, ErrNoTask)

		_, err = s.Finish(ctx, a1.ID, model.TaskCompleted, json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		got, err := s.Claim(ctx, model.AnalysisDocument, "w", 2)
		require.NoError(t, err)
		assert.Equal(t, a3.ID, got.ID)
	})

	t.Run("finish enforces lifecycle", func(t *testing.T) {
		s := open(t)
		task := newTask("alice", model.AnalysisDocument, 0)
		mustCreate(t, s, task)

		_, err := s.Finish(ctx, task.ID, model.TaskCompleted, json.RawMessage(`{}`), nil)
		require.ErrorIs(t, err, model.ErrConflict)

		_, err = s.Claim(ctx, model.AnalysisDocument, "w", 0)
		require.NoError(t, err)
		done, err := s.Finish(ctx, task.ID, model.TaskCompleted, json.RawMessage(`{"size": 3}`), nil)
		require.NoError(t, err)
		assert.Equal(t, model.TaskCompleted, done.Status)
		assert.Equal(t, 100, done.Progress)
		assert.NotNil(t, done.CompletedAt)
		require.NoError(t, done.CheckInvariants())

		stored, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"size": 3}`, string(stored.Result))

		msg := "late"
		_, err = s.Finish(ctx, task.ID, model.TaskFailed, nil, &msg)
		require.ErrorIs(t, err, model.ErrConflict)

		_, err = s.Finish(ctx, uuid.NewString(), model.TaskFailed, nil, &msg)
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("cancel", func(t *testing.T) {
		s := open(t)
		pending := newTask("alice", model.AnalysisDocument, 0)
		running := newTask("alice", model.AnalysisMemory, 1)
		mustCreate(t, s, pending, running)
		_, err := s.Claim(ctx, model.AnalysisMemory, "w", 0)
		require.NoError(t, err)

		got, err := s.Cancel(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskCancelled, got.Status)

		got, err = s.Cancel(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskRunning, got.Status)
		assert.True(t, got.CancelRequested)

		_, err = s.Cancel(ctx, pending.ID)
		require.ErrorIs(t, err, model.ErrConflict)
		_, err = s.Cancel(ctx, uuid.NewString())
		require.ErrorIs(t, err, model.ErrNotFound)

		_, err = s.Finish(ctx, running.ID, model.TaskCancelled, nil, nil)
		require.NoError(t, err)
	})

	t.Run("progress never decreases", func(t *testing.T) {
		s := open(t)
		task := newTask("alice", model.AnalysisNetwork, 0)
		mustCreate(t, s, task)
		require.ErrorIs(t, s.UpdateProgress(ctx, task.ID, 10), model.ErrConflict)

		_, err := s.Claim(ctx, model.AnalysisNetwork, "w", 0)
		require.NoError(t, err)
		require.NoError(t, s.UpdateProgress(ctx, task.ID, 40))
		require.NoError(t, s.UpdateProgress(ctx, task.ID, 20))
		got, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, 40, got.Progress)
	})

	t.Run("recover", func(t *testing.T) {
		s := open(t)
		r1 := newTask("alice", model.AnalysisDocument, 0)
		r2 := newTask("bob", model.AnalysisDocument, 1)
		mustCreate(t, s, r1, r2)
		for i := 0; i < 2; i++ {
			_, err := s.Claim(ctx, model.AnalysisDocument, "dead", 0)
			require.NoError(t, err)
		}
		_, err := s.Cancel(ctx, r2.ID)
		require.NoError(t, err)

		n, err := s.Recover(ctx, model.RecoverRequeue, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		got, err := s.Get(ctx, r1.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskPending, got.Status)
		assert.Nil(t, got.StartedAt)
		got, err = s.Get(ctx, r2.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskCancelled, got.Status)

		_, err = s.Claim(ctx, model.AnalysisDocument, "w2", 0)
		require.NoError(t, err)
		n, err = s.Recover(ctx, model.RecoverFail, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		got, err = s.Get(ctx, r1.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, model.InterruptedMessage, *got.Error)
	})

	t.Run("list, find and stats", func(t *testing.T) {
		s := open(t)
		a := newTask("alice", model.AnalysisDocument, 0)
		b := newTask("alice", model.AnalysisNetwork, 1)
		c := newTask("bob", model.AnalysisDocument, 2)
		mustCreate(t, s, a, b, c)

		list, err := s.List(ctx, Filter{Requester: "alice"})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, b.ID, list[0].ID)

		list, err = s.List(ctx, Filter{AnalysisType: model.AnalysisDocument, Limit: 1})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, c.ID, list[0].ID)

		n, err := s.CountPending(ctx, model.AnalysisDocument)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		found, err := s.FindActive(ctx, a.ArtifactRef, model.AnalysisDocument, "alice")
		require.NoError(t, err)
		assert.Equal(t, a.ID, found.ID)
		_, err = s.FindActive(ctx, a.ArtifactRef, model.AnalysisMemory, "alice")
		require.ErrorIs(t, err, model.ErrNotFound)

		_, err = s.Claim(ctx, model.AnalysisDocument, "w", 0)
		require.NoError(t, err)
		_, err = s.Finish(ctx, a.ID, model.TaskCompleted, json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		_, err = s.Cancel(ctx, c.ID)
		require.NoError(t, err)

		gs, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, gs.TotalTasks)
		assert.Equal(t, 1, gs.PendingTasks)
		assert.Equal(t, 1, gs.CompletedTasks)
		assert.Equal(t, 1, gs.CancelledTasks)
		assert.Equal(t, float64(1), gs.ThroughputTasks)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreRecoverHonoursStaleness(t *testing.T) {
	s := NewMemoryStore()
	now := base
	s.now = func() time.Time { return now }
	ctx := context.Background()

	task := newTask("alice", model.AnalysisDocument, 0)
	mustCreate(t, s, task)
	_, err := s.Claim(ctx, model.AnalysisDocument, "w", 0)
	require.NoError(t, err)

	now = base.Add(30 * time.Second)
	n, err := s.Recover(ctx, model.RecoverFail, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = base.Add(2 * time.Minute)
	n, err = s.Recover(ctx, model.RecoverFail, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	task := newTask("alice", model.AnalysisDocument, 0)
	mustCreate(t, s, task)
	task.Status = model.TaskFailed

	got, err := s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		s, err := OpenPostgres(context.Background(), dsn)
		require.NoError(t, err)
		_, err = s.db.Exec("TRUNCATE forensic_tasks")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestGormStore(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		s, err := OpenMySQL(dsn)
		require.NoError(t, err)
		require.NoError(t, s.db.Exec("TRUNCATE TABLE forensic_tasks").Error)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
