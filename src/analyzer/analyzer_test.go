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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forensicworker/src/artifact"
	"forensicworker/src/config"
	"forensicworker/src/containerization"
	"forensicworker/src/model"
)

type runnerFunc func(ctx context.Context, inv containerization.Invocation) ([]byte, error)

func (f runnerFunc) Run(ctx context.Context, inv containerization.Invocation) ([]byte, error) {
	return f(ctx, inv)
}

func recordProgress() (ProgressFunc, *[]int) {
	var got []int
	return func(p int) { got = append(got, p) }, &got
}

func TestMonotonicProgress(t *testing.T) {
	fn, got := recordProgress()
	p := MonotonicProgress(fn)
	for _, v := range []int{-5, 10, 5, 10, 50, 200, 90} {
		p(v)
	}
	assert.Equal(t, []int{0, 10, 50, 100}, *got)
}

func TestDefaultRegistryHonoursEnabledTypes(t *testing.T) {
	cfg := &config.Config{Limits: map[model.AnalysisType]config.Limits{
		model.AnalysisDocument: {Enabled: true},
		model.AnalysisMemory:   {Enabled: false},
		model.AnalysisNetwork:  {Enabled: true},
	}}
	r := NewDefaultRegistry(cfg, containerization.LocalRunner{})
	assert.Equal(t, []model.AnalysisType{model.AnalysisDocument, model.AnalysisNetwork}, r.Types())

	_, ok := r.Get(model.AnalysisMemory)
	assert.False(t, ok)
	a, ok := r.Get(model.AnalysisNetwork)
	require.True(t, ok)
	assert.Equal(t, model.AnalysisNetwork, a.Type())
}

func TestDocumentSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("incident notes"), 0o644))

	progress, got := recordProgress()
	res, err := DocumentAnalyzer{}.Run(context.Background(), artifact.NewLocalFile("notes.txt", path), progress)
	require.NoError(t, err)

	fr, ok := res.(*model.FileResult)
	require.True(t, ok)
	assert.Equal(t, "notes.txt", fr.Name)
	assert.Equal(t, int64(14), fr.Size)
	assert.Equal(t, "incident notes", fr.Preview)
	assert.True(t, strings.HasPrefix(fr.MIME, "text/plain"))
	assert.Len(t, fr.SHA256, 64)
	assert.Len(t, fr.MD5, 32)
	assert.NotNil(t, fr.ModifiedAt)
	assert.Equal(t, []int{100}, *got)
}

func TestDocumentContainerSkipsBrokenMembers(t *testing.T) {
	var members []artifact.Accessor
	for i := 0; i < 12; i++ {
		members = append(members, artifact.NewBytes(fmt.Sprintf("case/f%02d", i), []byte{byte(i)}))
	}
	members = append(members, artifact.NewBroken("case/locked", os.ErrPermission))

	progress, got := recordProgress()
	res, err := DocumentAnalyzer{}.Run(context.Background(), artifact.NewContainer("case", members...), progress)
	require.NoError(t, err)

	dr, ok := res.(*model.DirectoryResult)
	require.True(t, ok)
	assert.Len(t, dr.Files, 12)
	assert.Equal(t, 1, dr.Skipped)
	require.Len(t, dr.SkipReasons, 1)
	assert.Equal(t, "case/locked", dr.SkipReasons[0].Ref)
	assert.Equal(t, []int{76, 100}, *got)
}

func TestSkipReasonsHideHostDetails(t *testing.T) {
	members := []artifact.Accessor{
		artifact.NewBytes("case/ok", []byte("ok")),
		artifact.NewBroken("case/locked", &fs.PathError{Op: "open", Path: "/srv/cases/secret/locked", Err: fs.ErrPermission}),
		artifact.NewBroken("case/gone", &fs.PathError{Op: "lstat", Path: "/srv/cases/secret/gone", Err: fs.ErrNotExist}),
		artifact.NewBroken("case/eio", errors.New("read /srv/cases/secret/eio: input/output error")),
	}
	res, err := DocumentAnalyzer{}.Run(context.Background(), artifact.NewContainer("case", members...), func(int) {})
	require.NoError(t, err)

	dr := res.(*model.DirectoryResult)
	require.Len(t, dr.SkipReasons, 3)
	want := map[string]string{
		"case/locked": "permission denied",
		"case/gone":   "not found",
		"case/eio":    "unreadable member",
	}
	for _, sr := range dr.SkipReasons {
		assert.Equal(t, want[sr.Ref], sr.Reason, sr.Ref)
		assert.NotContains(t, sr.Reason, "/srv")
	}
}

func TestSkipReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"permission", &fs.PathError{Op: "open", Path: "/var/lib/x", Err: fs.ErrPermission}, "permission denied"},
		{"missing", fmt.Errorf("stat /var/lib/x: %w", fs.ErrNotExist), "not found"},
		{"engine exit", &containerization.ExitError{Code: 2, Stderr: "Traceback: /usr/lib/volatility3/framework.py"}, "engine exited with status 2"},
		{"analyzer error", model.AnalyzerError("unsupported profile", errors.New("/tmp/artifact-123")), "unsupported profile"},
		{"raw error", errors.New("dial unix /var/run/docker.sock: connect refused"), "fallback"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, skipReason(tc.err, "fallback"))
		})
	}
}

func TestDocumentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(model.ErrCancelled)
	members := []artifact.Accessor{artifact.NewBytes("a", []byte("a"))}
	_, err := DocumentAnalyzer{}.Run(ctx, artifact.NewContainer("c", members...), func(int) {})
	require.ErrorIs(t, err, model.ErrCancelled)
}

const pslistJSON = `[
 {"PID": 4, "PPID": 0, "ImageFileName": "System", "Offset(V)": 255, "Threads": 120, "Handles": null, "CreateTime": "2024-01-01T00:00:00", "ExitTime": null,
  "__children": [{"PID": 88, "PPID": 4, "ImageFileName": "Registry", "Offset(V)": 4096, "Threads": 4, "__children": []}]}
]`

const netscanJSON = `[{"Proto": "TCPv4", "LocalAddr": "10.0.0.5", "LocalPort": 49700, "ForeignAddr": "93.184.216.34", "ForeignPort": 443, "State": "ESTABLISHED", "PID": 88, "Owner": "Registry", "__children": []}]`

func memoryFixture(t *testing.T, content string) artifact.Accessor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mem.raw")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return artifact.NewLocalFile("mem.raw", path)
}

func TestMemoryAnalyzerPartialPluginFailure(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, inv containerization.Invocation) ([]byte, error) {
		assert.Equal(t, "vol", inv.Command[0])
		assert.Contains(t, inv.Command, containerization.ArtifactPlaceholder)
		switch inv.Command[len(inv.Command)-1] {
		case pluginPsList:
			return []byte(pslistJSON), nil
		case pluginNetScan:
			return []byte(netscanJSON), nil
		default:
			return nil, &containerization.ExitError{Code: 1, Stderr: "unsupported layer"}
		}
	})
	m := &MemoryAnalyzer{Runner: runner, Image: "vol3", Command: "vol"}

	progress, got := recordProgress()
	res, err := m.Run(context.Background(), memoryFixture(t, "MZ..."), progress)
	require.NoError(t, err)

	mr := res.(*model.MemoryResult)
	require.Len(t, mr.Processes, 2)
	assert.Equal(t, "System", mr.Processes[0].Name)
	assert.Equal(t, "0xff", mr.Processes[0].Offset)
	assert.Equal(t, int64(4), mr.Processes[1].PPID)
	require.Len(t, mr.Connections, 1)
	assert.Equal(t, int64(443), mr.Connections[0].ForeignPort)
	assert.Empty(t, mr.Modules)
	require.Len(t, mr.PluginErrors, 1)
	assert.Equal(t, pluginModules, mr.PluginErrors[0].Ref)
	assert.Equal(t, "engine exited with status 1", mr.PluginErrors[0].Reason)
	assert.NotContains(t, mr.PluginErrors[0].Reason, "unsupported layer")
	assert.Equal(t, []int{33, 66, 100}, *got)
}

func TestMemoryAnalyzerFatalCases(t *testing.T) {
	never := runnerFunc(func(context.Context, containerization.Invocation) ([]byte, error) {
		t.Fatal("engine must not run")
		return nil, nil
	})
	_, err := (&MemoryAnalyzer{Runner: never}).Run(context.Background(), memoryFixture(t, ""), func(int) {})
	require.ErrorIs(t, err, model.ErrAnalyzer)
	assert.Contains(t, err.Error(), "empty")

	garbage := runnerFunc(func(context.Context, containerization.Invocation) ([]byte, error) {
		return []byte("Volatility 3 Framework: unsatisfied requirement"), nil
	})
	_, err = (&MemoryAnalyzer{Runner: garbage}).Run(context.Background(), memoryFixture(t, "x"), func(int) {})
	require.ErrorIs(t, err, model.ErrAnalyzer)
}

func packetLine(ts float64, src, dst string, sport, dport int, proto string, length int) string {
	cols := make([]string, len(tsharkFields))
	cols[colTime] = fmt.Sprintf("%.6f", ts)
	cols[colIPSrc] = src
	cols[colIPDst] = dst
	cols[colTCPSrc] = fmt.Sprint(sport)
	cols[colTCPDst] = fmt.Sprint(dport)
	cols[colProto] = proto
	cols[colLen] = fmt.Sprint(length)
	return strings.Join(cols, "\t")
}

func TestNetworkAnalyzerSkipsMalformedRecords(t *testing.T) {
	var lines []string
	for i := 0; i < 100; i++ {
		src := fmt.Sprintf("10.0.0.%d", i%7)
		lines = append(lines, packetLine(1700000000+float64(i), src, "10.0.1.1", 40000+i%7, 443, "TLSv1.3", 100))
		if i == 10 || i == 50 || i == 90 {
			lines = append(lines, "garbage\tline")
		}
	}
	runner := runnerFunc(func(_ context.Context, inv containerization.Invocation) ([]byte, error) {
		assert.Equal(t, "tshark", inv.Command[0])
		return []byte(strings.Join(lines, "\n") + "\n"), nil
	})
	n := &NetworkAnalyzer{Runner: runner, Command: "tshark"}

	res, err := n.Run(context.Background(), memoryFixture(t, "pcap"), func(int) {})
	require.NoError(t, err)

	nr := res.(*model.NetworkResult)
	assert.Equal(t, int64(100), nr.Summary.PacketCount)
	assert.Equal(t, int64(10000), nr.Summary.TotalBytes)
	assert.Equal(t, 3, nr.Summary.SkippedRecords)
	assert.Equal(t, int64(100), nr.Summary.Protocols["TLSv1.3"])
	assert.Len(t, nr.Summary.TopTalkers, topTalkers)
	assert.Len(t, nr.Flows, 7)
	require.NotNil(t, nr.Summary.FirstSeen)
	assert.Equal(t, int64(1700000000), nr.Summary.FirstSeen.Unix())
}

func TestTopTalkersTieBreakByFirstSeen(t *testing.T) {
	agg := newCaptureAggregate()
	for _, src := range []string{"b", "a", "c", "d", "e", "f"} {
		rec, err := parsePacketRecord(packetLine(1, src, "z", 1, 2, "UDP", 10))
		require.NoError(t, err)
		agg.add(rec)
	}
	rec, err := parsePacketRecord(packetLine(2, "f", "z", 1, 2, "UDP", 10))
	require.NoError(t, err)
	agg.add(rec)

	res := agg.result()
	var order []string
	for _, tk := range res.Summary.TopTalkers {
		order = append(order, tk.Address)
	}
	assert.Equal(t, []string{"f", "b", "a", "c", "d"}, order)
}

func TestNetworkAnalyzerEngineFailure(t *testing.T) {
	runner := runnerFunc(func(context.Context, containerization.Invocation) ([]byte, error) {
		return nil, &containerization.ExitError{Code: 2, Stderr: "not a capture file"}
	})
	_, err := (&NetworkAnalyzer{Runner: runner}).Run(context.Background(), memoryFixture(t, "x"), func(int) {})
	require.ErrorIs(t, err, model.ErrAnalyzer)
}
