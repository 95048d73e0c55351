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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransitionGraph(t *testing.T) {
	all := []TaskStatus{TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled}
	allowed := map[[2]TaskStatus]bool{
		{TaskPending, TaskRunning}:   true,
		{TaskPending, TaskCancelled}: true,
		{TaskRunning, TaskCompleted}: true,
		{TaskRunning, TaskFailed}:    true,
		{TaskRunning, TaskCancelled}: true,
	}

	for _, from := range all {
		for _, to := range all {
			err := ValidateTransition(from, to)
			if allowed[[2]TaskStatus{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
				continue
			}
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, errors.Is(err, ErrConflict), "%s -> %s should be a conflict", from, to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
}

func TestParseAnalysisType(t *testing.T) {
	got, err := ParseAnalysisType("network")
	require.NoError(t, err)
	assert.Equal(t, AnalysisNetwork, got)

	_, err = ParseAnalysisType("registry")
	require.ErrorIs(t, err, ErrValidation)
}

func TestCheckInvariants(t *testing.T) {
	msg := "boom"
	task := Task{ID: "t1", Status: TaskFailed, Error: &msg}
	require.NoError(t, task.CheckInvariants())

	task = Task{ID: "t2", Status: TaskCompleted, Error: &msg}
	require.Error(t, task.CheckInvariants())

	task = Task{ID: "t3", Status: TaskRunning, Result: []byte(`{}`)}
	require.Error(t, task.CheckInvariants())
}

func TestPublicMessageHidesCauses(t *testing.T) {
	cause := errors.New("exec: /usr/bin/vol: segfault at 0x0")
	err := fmt.Errorf("run plugin: %w", AnalyzerError("memory image could not be parsed", cause))

	assert.True(t, errors.Is(err, ErrAnalyzer))
	assert.Equal(t, "memory image could not be parsed", PublicMessage(err, false))
	assert.Contains(t, PublicMessage(err, true), "segfault")
	assert.Equal(t, "internal error", PublicMessage(errors.New("nil map write"), false))
	assert.Equal(t, "ANALYSIS_ERROR", ErrorCode(err))
	assert.Equal(t, "RATE_LIMIT", ErrorCode(RateLimitf("queue full")))
}

func TestEventForIncludesProgressWhileRunning(t *testing.T) {
	ev := EventFor(Task{ID: "t1", Status: TaskRunning, Progress: 40, AnalysisType: AnalysisMemory})
	require.NotNil(t, ev.Progress)
	assert.Equal(t, 40, *ev.Progress)
	assert.Equal(t, AnalysisMemory, ev.AnalysisType)

	ev = EventFor(Task{ID: "t1", Status: TaskPending})
	assert.Nil(t, ev.Progress)
}
