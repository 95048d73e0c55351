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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"forensicworker/src/artifact"
	"forensicworker/src/containerization"
	"forensicworker/src/logging"
	"forensicworker/src/model"
)

const (
	pluginPsList  = "windows.pslist.PsList"
	pluginNetScan = "windows.netscan.NetScan"
	pluginModules = "windows.modules.Modules"
)

// memoryPlugins run in order. The first one is required; the rest may fail
// without failing the task.
var memoryPlugins = []string{pluginPsList, pluginNetScan, pluginModules}

// MemoryAnalyzer runs volatility3 plugins against a memory image.
type MemoryAnalyzer struct {
	Runner  containerization.Runner
	Image   string
	Command string
}

func (m *MemoryAnalyzer) Type() model.AnalysisType { return model.AnalysisMemory }

func (m *MemoryAnalyzer) Run(ctx context.Context, art artifact.Accessor, progress ProgressFunc) (model.Result, error) {
	if art.IsContainer() {
		return nil, model.AnalyzerError("memory analysis needs a single image file", nil)
	}
	path, cleanup, err := art.LocalPath(ctx)
	if err != nil {
		if cerr := checkpoint(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, model.AnalyzerError("failed to read memory image", err)
	}
	defer cleanup()

	info, err := os.Stat(path)
	if err != nil {
		return nil, model.AnalyzerError("failed to read memory image", err)
	}
	if info.Size() == 0 {
		return nil, model.AnalyzerError("memory image is empty", nil)
	}

	res := &model.MemoryResult{
		Processes:   []model.Process{},
		Connections: []model.Connection{},
		Modules:     []model.Module{},
	}
	for i, plugin := range memoryPlugins {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}

		rows, err := m.runPlugin(ctx, plugin, path)
		if err != nil {
			if cerr := checkpoint(ctx); cerr != nil {
				return nil, cerr
			}
			if i == 0 {
				return nil, model.AnalyzerError(fmt.Sprintf("%s failed", plugin), err)
			}
			logging.Log(fmt.Sprintf("Plugin %s failed on %s: %v", plugin, art.Ref(), err), slog.LevelWarn)
			res.PluginErrors = append(res.PluginErrors, model.SkipReason{Ref: plugin, Reason: skipReason(err, "plugin failed")})
		} else {
			applyPlugin(res, plugin, rows)
		}
		progress((i + 1) * 100 / len(memoryPlugins))
	}
	return res, nil
}

func (m *MemoryAnalyzer) runPlugin(ctx context.Context, plugin, path string) ([]map[string]any, error) {
	out, err := m.Runner.Run(ctx, containerization.Invocation{
		Image:        m.Image,
		Command:      []string{m.Command, "-q", "-r", "json", "-f", containerization.ArtifactPlaceholder, plugin},
		ArtifactPath: path,
	})
	if err != nil {
		return nil, err
	}
	return parseVolatilityJSON(out)
}

// parseVolatilityJSON decodes the JSON renderer output and flattens the
// __children trees into a single list of rows.
func parseVolatilityJSON(out []byte) ([]map[string]any, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, errors.New("plugin produced no output")
	}
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("parse plugin output: %w", err)
	}

	var flat []map[string]any
	var walk func([]map[string]any)
	walk = func(level []map[string]any) {
		for _, row := range level {
			children := row["__children"]
			delete(row, "__children")
			flat = append(flat, row)
			if list, ok := children.([]any); ok {
				var next []map[string]any
				for _, c := range list {
					if child, ok := c.(map[string]any); ok {
						next = append(next, child)
					}
				}
				walk(next)
			}
		}
	}
	walk(rows)
	return flat, nil
}

func applyPlugin(res *model.MemoryResult, plugin string, rows []map[string]any) {
	for _, row := range rows {
		switch plugin {
		case pluginPsList:
			res.Processes = append(res.Processes, model.Process{
				PID:        asInt(row["PID"]),
				PPID:       asInt(row["PPID"]),
				Name:       asString(row["ImageFileName"]),
				Offset:     asHex(row["Offset(V)"]),
				Threads:    asInt(row["Threads"]),
				Handles:    asInt(row["Handles"]),
				CreateTime: asString(row["CreateTime"]),
				ExitTime:   asString(row["ExitTime"]),
			})
		case pluginNetScan:
			res.Connections = append(res.Connections, model.Connection{
				Protocol:    asString(row["Proto"]),
				LocalAddr:   asString(row["LocalAddr"]),
				LocalPort:   asInt(row["LocalPort"]),
				ForeignAddr: asString(row["ForeignAddr"]),
				ForeignPort: asInt(row["ForeignPort"]),
				State:       asString(row["State"]),
				PID:         asInt(row["PID"]),
				Owner:       asString(row["Owner"]),
			})
		case pluginModules:
			res.Modules = append(res.Modules, model.Module{
				Name:   asString(row["Name"]),
				Path:   asString(row["Path"]),
				Base:   asHex(row["Base"]),
				Size:   asInt(row["Size"]),
				Offset: asHex(row["Offset"]),
			})
		}
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if n, err := strconv.ParseInt(x, 0, 64); err == nil {
			return n
		}
	}
	return 0
}

// asHex renders addresses the way volatility prints them.
func asHex(v any) string {
	switch x := v.(type) {
	case json.Number:
		if n, err := strconv.ParseUint(x.String(), 10, 64); err == nil {
			return fmt.Sprintf("0x%x", n)
		}
		return x.String()
	default:
		return asString(v)
	}
}
