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

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"forensicworker/src/analyzer"
	"forensicworker/src/logging"
	"forensicworker/src/model"
)

const storeWriteTimeout = 10 * time.Second

type outcome struct {
	result   model.Result
	err      error
	panicked bool
}

// execute runs one claimed task to a terminal state. The analyzer runs in
// its own goroutine so a timeout can fail the task without waiting for it.
func (p *Pool) execute(parent context.Context, task model.Task) {
	ctx, span := logging.StartSpan(parent, "task.execute",
		attribute.String("task.id", task.ID),
		attribute.String("task.analysis_type", string(task.AnalysisType)))
	defer span.End()

	// A panic outside the analyzer goroutine (publishing, progress, the
	// completion path) fails the task and keeps this worker alive.
	defer func() {
		if r := recover(); r != nil {
			logging.LogAttrs(ctx, slog.LevelError, "Worker panic while processing task",
				slog.String("task.id", task.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			span.SetStatus(codes.Error, "internal error")
			p.abandon(task, "internal error")
		}
	}()

	logging.LogAttrs(ctx, slog.LevelInfo, "Processing task",
		slog.String("task.id", task.ID),
		slog.String("task.analysis_type", string(task.AnalysisType)),
		slog.String("task.requester", task.Requester))
	p.stats.TaskStarted(task)
	p.publish(task)

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p.track(task.ID, cancel)
	defer p.untrack(task.ID)
	if task.CancelRequested {
		cancel(model.ErrCancelled)
	}
	go p.watch(taskCtx, task.ID, cancel)

	an, ok := p.registry.Get(task.AnalysisType)
	if !ok {
		p.fail(task, span, fmt.Sprintf("analysis type %s is not enabled", task.AnalysisType))
		return
	}
	art, err := p.resolver.Resolve(task.ArtifactRef)
	if err != nil {
		p.fail(task, span, model.PublicMessage(err, p.opts.Debug))
		return
	}

	progress := analyzer.MonotonicProgress(p.progressReporter(taskCtx, task))
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Log(fmt.Sprintf("Analyzer panic on task %s: %v\n%s", task.ID, r, debug.Stack()), slog.LevelError)
				done <- outcome{err: fmt.Errorf("analyzer panic: %v", r), panicked: true}
			}
		}()
		res, err := an.Run(taskCtx, art, progress)
		done <- outcome{result: res, err: err}
	}()

	var deadline <-chan time.Time
	if budget := p.opts.Timeouts[task.AnalysisType]; budget > 0 {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case out := <-done:
		p.complete(ctx, taskCtx, task, span, out)
	case <-deadline:
		// The analyzer goroutine is abandoned; whatever it returns later is
		// dropped with the buffered channel.
		cancel(model.ErrTimeout)
		logging.Log(fmt.Sprintf("Task %s exceeded its time budget", task.ID), slog.LevelWarn)
		p.fail(task, span, "timeout")
	case <-taskCtx.Done():
		p.interrupted(ctx, taskCtx, task, span)
	}
}

func (p *Pool) complete(ctx, taskCtx context.Context, task model.Task, span trace.Span, out outcome) {
	switch {
	case out.panicked:
		p.fail(task, span, "internal error")
	case out.err != nil && (errors.Is(out.err, model.ErrCancelled) || errors.Is(context.Cause(taskCtx), model.ErrCancelled)):
		p.finish(task, model.TaskCancelled, nil, nil)
	case out.err != nil && errors.Is(out.err, model.ErrTimeout):
		p.fail(task, span, "timeout")
	case out.err != nil && ctx.Err() != nil:
		p.interrupted(ctx, taskCtx, task, span)
	case out.err != nil:
		logging.Log(fmt.Sprintf("Task %s failed: %v", task.ID, out.err), slog.LevelWarn)
		span.RecordError(out.err)
		p.fail(task, span, model.PublicMessage(out.err, p.opts.Debug))
	default:
		payload, err := json.Marshal(out.result)
		if err != nil {
			logging.Log(fmt.Sprintf("Encoding result of task %s: %v", task.ID, err), slog.LevelError)
			p.fail(task, span, "internal error")
			return
		}
		p.finish(task, model.TaskCompleted, payload, nil)
	}
}

// interrupted handles a task whose context ended before the analyzer did.
func (p *Pool) interrupted(ctx, taskCtx context.Context, task model.Task, span trace.Span) {
	if errors.Is(context.Cause(taskCtx), model.ErrCancelled) {
		p.finish(task, model.TaskCancelled, nil, nil)
		return
	}
	if ctx.Err() != nil {
		// Shutdown. The row stays RUNNING for restart recovery.
		logging.Log(fmt.Sprintf("Task %s interrupted by shutdown", task.ID), slog.LevelWarn)
		p.stats.TaskFinished(task)
		return
	}
	p.fail(task, span, "internal error")
}

func (p *Pool) fail(task model.Task, span trace.Span, msg string) {
	span.SetStatus(codes.Error, msg)
	p.finish(task, model.TaskFailed, nil, &msg)
}

// finish records the terminal state, then publishes it.
func (p *Pool) finish(task model.Task, status model.TaskStatus, result json.RawMessage, errMsg *string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	updated, err := p.store.Finish(ctx, task.ID, status, result, errMsg)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			logging.Log(fmt.Sprintf("Task %s already finished elsewhere: %v", task.ID, err), slog.LevelWarn)
		} else {
			logging.Log(fmt.Sprintf("Error marking task %s as %s: %v", task.ID, status, err), slog.LevelError)
			p.stats.DatabaseFailure()
		}
		task.Status = status
		p.stats.TaskFinished(task)
		return
	}

	logging.LogAttrs(ctx, slog.LevelInfo, "Task finished",
		slog.String("task.id", task.ID),
		slog.String("task.status", string(status)))
	p.stats.TaskFinished(updated)
	p.publish(updated)
	p.Wake()
}

// abandon fails a task after a panic without publishing, since publishing
// may be what panicked. A task that already reached a terminal state is left
// as it is.
func (p *Pool) abandon(task model.Task, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	updated, err := p.store.Finish(ctx, task.ID, model.TaskFailed, nil, &msg)
	switch {
	case errors.Is(err, model.ErrConflict):
	case err != nil:
		logging.Log(fmt.Sprintf("Error failing task %s after panic: %v", task.ID, err), slog.LevelError)
		p.stats.DatabaseFailure()
	default:
		p.stats.TaskFinished(updated)
	}
	p.Wake()
}

func (p *Pool) publish(task model.Task) {
	if p.notifier != nil {
		p.notifier.Notify(task.Requester, model.EventFor(task))
	}
}

// progressReporter persists progress and emits at most one progress event
// per ProgressEventInterval.
func (p *Pool) progressReporter(taskCtx context.Context, task model.Task) analyzer.ProgressFunc {
	limiter := rate.NewLimiter(rate.Every(p.opts.ProgressEventInterval), 1)
	return func(percent int) {
		if taskCtx.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		defer cancel()
		if err := p.store.UpdateProgress(ctx, task.ID, percent); err != nil {
			if !errors.Is(err, model.ErrConflict) {
				logging.Log(fmt.Sprintf("Error updating progress of task %s: %v", task.ID, err), slog.LevelError)
				p.stats.DatabaseFailure()
			}
			return
		}
		if limiter.Allow() {
			ev := task
			ev.Progress = percent
			p.publish(ev)
		}
	}
}

// watch refreshes the heartbeat and polls the cancel flag so a cancel
// accepted by another process reaches this worker.
func (p *Pool) watch(taskCtx context.Context, taskID string, cancel context.CancelCauseFunc) {
	if p.opts.CancelPollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.opts.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-taskCtx.Done():
			return
		case <-ticker.C:
			t, err := p.store.Get(taskCtx, taskID)
			if err != nil {
				continue
			}
			if t.CancelRequested {
				cancel(model.ErrCancelled)
				return
			}
			_ = p.store.Heartbeat(taskCtx, taskID)
		}
	}
}

// Recover sweeps tasks left RUNNING by a dead process.
func (p *Pool) Recover(ctx context.Context, policy model.RecoveryPolicy, staleAfter time.Duration) (int64, error) {
	count, err := p.store.Recover(ctx, policy, staleAfter)
	if err != nil {
		logging.Log(fmt.Sprintf("Error recovering tasks: %v", err), slog.LevelError)
		p.stats.DatabaseFailure()
		return 0, err
	}
	if count > 0 {
		logging.Log(fmt.Sprintf("Recovered %d stale tasks (policy %s)", count, policy), slog.LevelInfo)
		p.Wake()
	}
	return count, nil
}
