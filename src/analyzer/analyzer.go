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

package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"forensicworker/src/artifact"
	"forensicworker/src/config"
	"forensicworker/src/containerization"
	"forensicworker/src/model"
)

// ProgressFunc receives completion percentages in [0, 100].
type ProgressFunc func(percent int)

// Analyzer turns one artifact into a result. Implementations return
// context.Cause(ctx) as soon as they observe ctx is done.
type Analyzer interface {
	Type() model.AnalysisType
	Run(ctx context.Context, art artifact.Accessor, progress ProgressFunc) (model.Result, error)
}

// Registry maps analysis types to analyzers. It is read-only once built.
type Registry struct {
	analyzers map[model.AnalysisType]Analyzer
}

func NewRegistry(analyzers ...Analyzer) *Registry {
	r := &Registry{analyzers: make(map[model.AnalysisType]Analyzer, len(analyzers))}
	for _, a := range analyzers {
		r.analyzers[a.Type()] = a
	}
	return r
}

// NewDefaultRegistry registers the built-in analyzers for every type enabled
// in cfg. Engine-backed analyzers run through runner.
func NewDefaultRegistry(cfg *config.Config, runner containerization.Runner) *Registry {
	var list []Analyzer
	if cfg.Limits[model.AnalysisDocument].Enabled {
		list = append(list, DocumentAnalyzer{})
	}
	if cfg.Limits[model.AnalysisMemory].Enabled {
		list = append(list, &MemoryAnalyzer{Runner: runner, Image: cfg.VolatilityImage, Command: cfg.VolatilityCommand})
	}
	if cfg.Limits[model.AnalysisNetwork].Enabled {
		list = append(list, &NetworkAnalyzer{Runner: runner, Image: cfg.TsharkImage, Command: cfg.TsharkCommand})
	}
	return NewRegistry(list...)
}

func (r *Registry) Get(t model.AnalysisType) (Analyzer, bool) {
	a, ok := r.analyzers[t]
	return a, ok
}

// Types returns the registered types in lane order.
func (r *Registry) Types() []model.AnalysisType {
	var out []model.AnalysisType
	for _, t := range model.AnalysisTypes {
		if _, ok := r.analyzers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// MonotonicProgress wraps fn so that reported values are clamped to
// [0, 100] and never go backwards. Repeated values are dropped.
func MonotonicProgress(fn ProgressFunc) ProgressFunc {
	var mu sync.Mutex
	last := -1
	return func(percent int) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		mu.Lock()
		if percent <= last {
			mu.Unlock()
			return
		}
		last = percent
		mu.Unlock()
		fn(percent)
	}
}

func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// skipReason is the stored explanation for a member or plugin that was
// skipped. It never carries the raw error, which may hold host paths or
// engine stderr; callers log that instead.
func skipReason(err error, fallback string) string {
	var exitErr *containerization.ExitError
	var modelErr *model.Error
	switch {
	case errors.Is(err, fs.ErrPermission):
		return "permission denied"
	case errors.Is(err, fs.ErrNotExist):
		return "not found"
	case errors.As(err, &exitErr):
		return fmt.Sprintf("engine exited with status %d", exitErr.Code)
	case errors.As(err, &modelErr) && !errors.Is(modelErr.Kind, model.ErrInternal):
		return modelErr.Message
	}
	return fallback
}
