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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"forensicworker/src/artifact"
	"forensicworker/src/containerization"
	"forensicworker/src/logging"
	"forensicworker/src/model"
)

const (
	checkpointEvery = 500
	topTalkers      = 5
)

// tsharkFields is the column order of every output record.
var tsharkFields = []string{
	"frame.time_epoch",
	"ip.src",
	"ip.dst",
	"ipv6.src",
	"ipv6.dst",
	"tcp.srcport",
	"tcp.dstport",
	"udp.srcport",
	"udp.dstport",
	"_ws.col.Protocol",
	"frame.len",
	"http.request.method",
	"dns.qry.name",
}

const (
	colTime = iota
	colIPSrc
	colIPDst
	colIP6Src
	colIP6Dst
	colTCPSrc
	colTCPDst
	colUDPSrc
	colUDPDst
	colProto
	colLen
	colHTTPMethod
	colDNSName
)

// NetworkAnalyzer summarises packet captures using tshark field extraction.
type NetworkAnalyzer struct {
	Runner  containerization.Runner
	Image   string
	Command string
}

func (n *NetworkAnalyzer) Type() model.AnalysisType { return model.AnalysisNetwork }

func (n *NetworkAnalyzer) command() []string {
	cmd := []string{n.Command, "-r", containerization.ArtifactPlaceholder, "-n",
		"-T", "fields", "-E", "separator=/t", "-E", "occurrence=f"}
	for _, f := range tsharkFields {
		cmd = append(cmd, "-e", f)
	}
	return cmd
}

func (n *NetworkAnalyzer) Run(ctx context.Context, art artifact.Accessor, progress ProgressFunc) (model.Result, error) {
	if art.IsContainer() {
		return nil, model.AnalyzerError("network analysis needs a single capture file", nil)
	}
	path, cleanup, err := art.LocalPath(ctx)
	if err != nil {
		if cerr := checkpoint(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, model.AnalyzerError("failed to read capture", err)
	}
	defer cleanup()

	out, err := n.Runner.Run(ctx, containerization.Invocation{
		Image:        n.Image,
		Command:      n.command(),
		ArtifactPath: path,
	})
	if cerr := checkpoint(ctx); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		// tshark exits non-zero on truncated captures but still prints the
		// packets it could read.
		var exitErr *containerization.ExitError
		if !errors.As(err, &exitErr) || len(bytes.TrimSpace(out)) == 0 {
			return nil, model.AnalyzerError("failed to read capture", err)
		}
		logging.Log(fmt.Sprintf("Capture %s read partially: %v", art.Ref(), err), slog.LevelWarn)
	}
	progress(50)

	total := bytes.Count(out, []byte{'\n'}) + 1
	agg := newCaptureAggregate()
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	records := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		records++
		if records%checkpointEvery == 0 {
			if err := checkpoint(ctx); err != nil {
				return nil, err
			}
			progress(50 + records*50/total)
		}

		rec, err := parsePacketRecord(line)
		if err != nil {
			agg.skipped++
			logging.Log(fmt.Sprintf("Skipping malformed record %d in %s: %v", records, art.Ref(), err), slog.LevelWarn)
			continue
		}
		agg.add(rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, model.AnalyzerError("failed to parse capture summary", err)
	}

	progress(100)
	return agg.result(), nil
}

type packetRecord struct {
	ts       time.Time
	src, dst string
	srcPort  int
	dstPort  int
	proto    string
	length   int64
	method   string
	dnsName  string
}

func parsePacketRecord(line string) (packetRecord, error) {
	cols := strings.Split(line, "\t")
	if len(cols) != len(tsharkFields) {
		return packetRecord{}, fmt.Errorf("expected %d fields, got %d", len(tsharkFields), len(cols))
	}

	var rec packetRecord
	epoch, err := strconv.ParseFloat(cols[colTime], 64)
	if err != nil {
		return packetRecord{}, fmt.Errorf("bad timestamp %q", cols[colTime])
	}
	sec, frac := math.Modf(epoch)
	rec.ts = time.Unix(int64(sec), int64(frac*1e9)).UTC()

	rec.length, err = strconv.ParseInt(cols[colLen], 10, 64)
	if err != nil || rec.length < 0 {
		return packetRecord{}, fmt.Errorf("bad frame length %q", cols[colLen])
	}

	rec.src, rec.dst = cols[colIPSrc], cols[colIPDst]
	if rec.src == "" && rec.dst == "" {
		rec.src, rec.dst = cols[colIP6Src], cols[colIP6Dst]
	}

	srcPort, dstPort := cols[colTCPSrc], cols[colTCPDst]
	if srcPort == "" && dstPort == "" {
		srcPort, dstPort = cols[colUDPSrc], cols[colUDPDst]
	}
	if rec.srcPort, err = parsePort(srcPort); err != nil {
		return packetRecord{}, err
	}
	if rec.dstPort, err = parsePort(dstPort); err != nil {
		return packetRecord{}, err
	}

	rec.proto = cols[colProto]
	if rec.proto == "" {
		rec.proto = "UNKNOWN"
	}
	rec.method = cols[colHTTPMethod]
	rec.dnsName = cols[colDNSName]
	return rec, nil
}

func parsePort(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 65535 {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return p, nil
}

type flowKey struct {
	src, dst string
	srcPort  int
	dstPort  int
	proto    string
}

type talkerStats struct {
	model.Talker
	order int
}

type flowStats struct {
	model.Flow
	order int
}

type captureAggregate struct {
	summary model.NetworkSummary
	skipped int
	talkers map[string]*talkerStats
	flows   map[flowKey]*flowStats
}

func newCaptureAggregate() *captureAggregate {
	return &captureAggregate{
		summary: model.NetworkSummary{
			Protocols: map[string]int64{},
			AppHints:  map[string]int64{},
		},
		talkers: map[string]*talkerStats{},
		flows:   map[flowKey]*flowStats{},
	}
}

func (a *captureAggregate) add(rec packetRecord) {
	s := &a.summary
	s.PacketCount++
	s.TotalBytes += rec.length
	s.Protocols[rec.proto]++
	if s.FirstSeen == nil || rec.ts.Before(*s.FirstSeen) {
		ts := rec.ts
		s.FirstSeen = &ts
	}
	if s.LastSeen == nil || rec.ts.After(*s.LastSeen) {
		ts := rec.ts
		s.LastSeen = &ts
	}
	if rec.method != "" {
		s.AppHints["http:"+rec.method]++
	}
	if rec.dnsName != "" {
		s.AppHints["dns:"+rec.dnsName]++
	}

	if rec.src == "" {
		return
	}
	t, ok := a.talkers[rec.src]
	if !ok {
		t = &talkerStats{Talker: model.Talker{Address: rec.src}, order: len(a.talkers)}
		a.talkers[rec.src] = t
	}
	t.Bytes += rec.length
	t.Packets++

	key := flowKey{src: rec.src, dst: rec.dst, srcPort: rec.srcPort, dstPort: rec.dstPort, proto: rec.proto}
	f, ok := a.flows[key]
	if !ok {
		f = &flowStats{
			Flow: model.Flow{
				SrcAddr:  rec.src,
				DstAddr:  rec.dst,
				SrcPort:  rec.srcPort,
				DstPort:  rec.dstPort,
				Protocol: rec.proto,
			},
			order: len(a.flows),
		}
		a.flows[key] = f
	}
	f.Bytes += rec.length
	f.Packets++
}

func (a *captureAggregate) result() *model.NetworkResult {
	a.summary.SkippedRecords = a.skipped
	if len(a.summary.AppHints) == 0 {
		a.summary.AppHints = nil
	}

	talkers := make([]*talkerStats, 0, len(a.talkers))
	for _, t := range a.talkers {
		talkers = append(talkers, t)
	}
	sort.Slice(talkers, func(i, j int) bool {
		if talkers[i].Bytes != talkers[j].Bytes {
			return talkers[i].Bytes > talkers[j].Bytes
		}
		return talkers[i].order < talkers[j].order
	})
	a.summary.TopTalkers = []model.Talker{}
	for i := 0; i < len(talkers) && i < topTalkers; i++ {
		a.summary.TopTalkers = append(a.summary.TopTalkers, talkers[i].Talker)
	}

	flows := make([]*flowStats, 0, len(a.flows))
	for _, f := range a.flows {
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].order < flows[j].order })
	res := &model.NetworkResult{Summary: a.summary, Flows: make([]model.Flow, 0, len(flows))}
	for _, f := range flows {
		res.Flows = append(res.Flows, f.Flow)
	}
	return res
}
