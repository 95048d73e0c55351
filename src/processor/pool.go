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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forensicworker/src/analyzer"
	"forensicworker/src/artifact"
	"forensicworker/src/logging"
	"forensicworker/src/model"
	"forensicworker/src/store"
)

// Notifier receives every task event for the task's requester.
type Notifier interface {
	Notify(userID string, ev model.Event)
}

type Options struct {
	WorkerID               string
	Workers                int
	MaxRunningPerRequester int
	PollInterval           time.Duration
	CancelPollInterval     time.Duration
	ProgressEventInterval  time.Duration
	Timeouts               map[model.AnalysisType]time.Duration
	Debug                  bool
}

// Pool runs Workers goroutines that claim tasks from the store lane by lane.
type Pool struct {
	store    store.Store
	registry *analyzer.Registry
	resolver artifact.Resolver
	notifier Notifier
	stats    *logging.WorkerStats
	opts     Options

	wake chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

func NewPool(st store.Store, registry *analyzer.Registry, resolver artifact.Resolver, notifier Notifier, stats *logging.WorkerStats, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Pool{
		store:    st,
		registry: registry,
		resolver: resolver,
		notifier: notifier,
		stats:    stats,
		opts:     opts,
		wake:     make(chan struct{}, opts.Workers),
		running:  map[string]context.CancelCauseFunc{},
	}
}

// Start launches the workers. They stop when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	logging.Log(fmt.Sprintf("Worker pool %s started with %d workers", p.opts.WorkerID, p.opts.Workers), slog.LevelInfo)
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Wake nudges idle workers to look for work.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// RequestCancel signals the task's worker if it runs in this process.
func (p *Pool) RequestCancel(taskID string) bool {
	p.mu.Lock()
	cancel, ok := p.running[taskID]
	p.mu.Unlock()
	if ok {
		cancel(model.ErrCancelled)
	}
	return ok
}

func (p *Pool) track(taskID string, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	p.running[taskID] = cancel
	p.mu.Unlock()
}

func (p *Pool) untrack(taskID string) {
	p.mu.Lock()
	delete(p.running, taskID)
	p.mu.Unlock()
}

func (p *Pool) worker(ctx context.Context, n int) {
	defer p.wg.Done()

	lanes := p.registry.Types()
	if len(lanes) == 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	// Each worker starts on a different lane and rotates so no analysis
	// type is starved by a busy one.
	offset := n % len(lanes)
	for {
		if ctx.Err() != nil {
			return
		}
		claimed := p.claimNext(ctx, lanes, offset)
		offset = (offset + 1) % len(lanes)
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// claimNext tries each lane once starting at offset and executes the first
// task it claims.
func (p *Pool) claimNext(ctx context.Context, lanes []model.AnalysisType, offset int) bool {
	for i := range lanes {
		lane := lanes[(offset+i)%len(lanes)]
		task, err := p.store.Claim(ctx, lane, p.opts.WorkerID, p.opts.MaxRunningPerRequester)
		if errors.Is(err, store.ErrNoTask) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				logging.Log(fmt.Sprintf("Error claiming %s task: %v", lane, err), slog.LevelError)
				p.stats.DatabaseFailure()
			}
			return false
		}
		p.execute(ctx, task)
		return true
	}
	return false
}
