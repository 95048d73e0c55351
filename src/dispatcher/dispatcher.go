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

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"forensicworker/src/artifact"
	"forensicworker/src/config"
	"forensicworker/src/logging"
	"forensicworker/src/model"
	"forensicworker/src/store"
)

const (
	DuplicateAllow    = "allow"
	DuplicateCoalesce = "coalesce"

	defaultListLimit = 100
	maxListLimit     = 1000
)

// Scheduler is the part of the worker pool the dispatcher drives.
type Scheduler interface {
	Wake()
	RequestCancel(taskID string) bool
}

type Notifier interface {
	Notify(userID string, ev model.Event)
}

// Submission is what a caller declares about an artifact.
type Submission struct {
	ArtifactRef  string `json:"artifact_ref"`
	AnalysisType string `json:"analysis_type"`
	MIME         string `json:"mime_type"`
	Size         int64  `json:"size"`
}

type Options struct {
	Limits          map[model.AnalysisType]config.Limits
	QueueCapacity   int
	DuplicatePolicy string
}

// OptionsFromConfig picks the admission settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Limits:          cfg.Limits,
		QueueCapacity:   cfg.QueueCapacity,
		DuplicatePolicy: cfg.DuplicatePolicy,
	}
}

// Dispatcher admits submissions into the task store and routes cancels.
type Dispatcher struct {
	store     store.Store
	resolver  artifact.Resolver
	scheduler Scheduler
	notifier  Notifier
	opts      Options
	now       func() time.Time

	// serialises the find-then-create of the coalesce policy
	submitMu sync.Mutex
}

func New(st store.Store, resolver artifact.Resolver, scheduler Scheduler, notifier Notifier, opts Options) *Dispatcher {
	if opts.DuplicatePolicy == "" {
		opts.DuplicatePolicy = DuplicateAllow
	}
	return &Dispatcher{
		store:     st,
		resolver:  resolver,
		scheduler: scheduler,
		notifier:  notifier,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates sub and records it as a PENDING task owned by requester.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission, requester string) (string, error) {
	ctx, span := logging.StartSpan(ctx, "dispatcher.submit",
		attribute.String("task.analysis_type", sub.AnalysisType),
		attribute.String("task.requester", requester))
	defer span.End()

	typ, err := d.validate(sub)
	if err != nil {
		return "", err
	}
	if _, err := d.resolver.Resolve(sub.ArtifactRef); err != nil {
		if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrNotFound) {
			return "", model.NotFoundf("artifact %s not found", sub.ArtifactRef)
		}
		return "", fmt.Errorf("resolve artifact %s: %w", sub.ArtifactRef, err)
	}

	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	if d.opts.DuplicatePolicy == DuplicateCoalesce {
		existing, err := d.store.FindActive(ctx, sub.ArtifactRef, typ, requester)
		if err == nil {
			logging.Log(fmt.Sprintf("Coalesced submission of %s onto task %s", sub.ArtifactRef, existing.ID), slog.LevelInfo)
			return existing.ID, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return "", err
		}
	}

	if d.opts.QueueCapacity > 0 {
		depth, err := d.store.CountPending(ctx, typ)
		if err != nil {
			return "", err
		}
		if depth >= d.opts.QueueCapacity {
			return "", model.RateLimitf("%s queue is full (%d pending)", typ, depth)
		}
	}

	task := &model.Task{
		ID:           uuid.NewString(),
		ArtifactRef:  sub.ArtifactRef,
		ArtifactMIME: normaliseMIME(sub.MIME),
		ArtifactSize: sub.Size,
		AnalysisType: typ,
		Requester:    requester,
		Status:       model.TaskPending,
		CreatedAt:    d.now(),
	}
	if err := d.store.Create(ctx, task); err != nil {
		return "", err
	}

	logging.Log(fmt.Sprintf("Task %s queued (%s) for %s", task.ID, typ, requester), slog.LevelInfo)
	d.publish(*task)
	if d.scheduler != nil {
		d.scheduler.Wake()
	}
	return task.ID, nil
}

func (d *Dispatcher) validate(sub Submission) (model.AnalysisType, error) {
	if strings.TrimSpace(sub.ArtifactRef) == "" {
		return "", model.Validationf("artifact_ref is required")
	}
	typ, err := model.ParseAnalysisType(strings.ToLower(strings.TrimSpace(sub.AnalysisType)))
	if err != nil {
		return "", err
	}
	limits, ok := d.opts.Limits[typ]
	if !ok || !limits.Enabled {
		return "", model.Validationf("analysis type %s is not enabled", typ)
	}
	if sub.Size < 0 {
		return "", model.Validationf("size must not be negative")
	}
	if limits.MaxSize > 0 && sub.Size > limits.MaxSize {
		return "", model.Validationf("artifact size %d exceeds the %s limit of %d bytes", sub.Size, typ, limits.MaxSize)
	}
	if !limits.AllowsMIME(normaliseMIME(sub.MIME)) {
		return "", model.Validationf("mime type %q is not accepted for %s analysis", sub.MIME, typ)
	}
	return typ, nil
}

// Cancel cancels a PENDING task outright or flags a RUNNING one for its
// worker. It returns the status the task has after the call.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, requester string) (model.TaskStatus, error) {
	task, err := d.GetOwned(ctx, taskID, requester)
	if err != nil {
		return "", err
	}
	if task.Status.Terminal() {
		return task.Status, model.Conflictf("task is already %s", task.Status)
	}

	updated, err := d.store.Cancel(ctx, taskID)
	if err != nil {
		return "", err
	}
	switch updated.Status {
	case model.TaskCancelled:
		logging.Log(fmt.Sprintf("Task %s cancelled before it started", taskID), slog.LevelInfo)
		d.publish(updated)
	case model.TaskRunning:
		local := d.scheduler != nil && d.scheduler.RequestCancel(taskID)
		logging.Log(fmt.Sprintf("Cancellation requested for running task %s (local worker: %t)", taskID, local), slog.LevelInfo)
	}
	return updated.Status, nil
}

func (d *Dispatcher) GetStatus(ctx context.Context, taskID string) (model.Task, error) {
	return d.store.Get(ctx, taskID)
}

// GetOwned is GetStatus restricted to tasks owned by requester. Tasks of
// other users are reported as missing.
func (d *Dispatcher) GetOwned(ctx context.Context, taskID, requester string) (model.Task, error) {
	task, err := d.store.Get(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if task.Requester != requester {
		return model.Task{}, model.NotFoundf("task %s not found", taskID)
	}
	return task, nil
}

// ListTasks returns requester's tasks, newest first.
func (d *Dispatcher) ListTasks(ctx context.Context, requester string, f store.Filter) ([]model.Task, error) {
	f.Requester = requester
	if f.Status != "" && !f.Status.Valid() {
		return nil, model.Validationf("unknown status %q", f.Status)
	}
	if f.AnalysisType != "" {
		if _, err := model.ParseAnalysisType(string(f.AnalysisType)); err != nil {
			return nil, err
		}
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultListLimit
	case f.Limit > maxListLimit:
		f.Limit = maxListLimit
	}
	return d.store.List(ctx, f)
}

func (d *Dispatcher) publish(task model.Task) {
	if d.notifier != nil {
		d.notifier.Notify(task.Requester, model.EventFor(task))
	}
}

func normaliseMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	if mime == "" {
		return "application/octet-stream"
	}
	return mime
}
