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

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

// GlobalStats matches the /global-status payload
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	PendingTasks    int     `json:"pending_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	CancelledTasks  int     `json:"cancelled_tasks"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

type submission struct {
	ArtifactRef  string `json:"artifact_ref"`
	AnalysisType string `json:"analysis_type"`
	MIME         string `json:"mime_type,omitempty"`
	Size         int64  `json:"size"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// suites maps a suite name to the analysis types it cycles through.
var suites = map[string][]string{
	"document": {"document"},
	"memory":   {"memory"},
	"network":  {"network"},
	"mixed":    {"document", "document", "document", "network", "memory"},
}

func main() {
	suite := flag.String("suite", "", "Benchmark suite to run (document, memory, network, mixed)")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	apiPort := flag.String("api_port", "8080", "Worker API port")
	count := flag.Int("n", 50, "Number of tasks to submit")
	users := flag.Int("users", 4, "Number of distinct requesters")
	docRef := flag.String("document", "samples/report.pdf", "Artifact ref for document tasks")
	memRef := flag.String("memory", "samples/host.raw", "Artifact ref for memory tasks")
	pcapRef := flag.String("pcap", "samples/traffic.pcap", "Artifact ref for network tasks")
	flag.Parse()

	types, ok := suites[*suite]
	if !ok {
		fmt.Printf("%sPlease specify a suite using --suite=[document|memory|network|mixed]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	// Load the signing secret from .env or the environment
	_ = godotenv.Load("../../.env")
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Printf("%sJWT_SECRET must be set to the worker's signing secret%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	refs := map[string]submission{
		"document": {ArtifactRef: *docRef, AnalysisType: "document"},
		"memory":   {ArtifactRef: *memRef, AnalysisType: "memory", MIME: "application/octet-stream"},
		"network":  {ArtifactRef: *pcapRef, AnalysisType: "network", MIME: "application/vnd.tcpdump.pcap"},
	}

	base := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)
	fmt.Printf("\n%s%s %s FORENSIC WORKER BENCHMARK %s %s%s\n", colorCyan, colorBold, ">>", "SUITE: "+*suite, "<<", colorReset)

	// Get Baseline Stats
	initialStats, err := getGlobalStats(base)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	tokens := make([]string, *users)
	for i := range tokens {
		tokens[i], err = signToken(secret, fmt.Sprintf("bench-user-%d", i))
		if err != nil {
			fmt.Printf("%s[ERR]%s Failed to sign token: %v\n", colorRed, colorReset, err)
			os.Exit(1)
		}
	}

	accepted, rejected := 0, map[string]int{}
	for i := 0; i < *count; i++ {
		sub := refs[types[i%len(types)]]
		code, errCode, err := submit(base, tokens[i%len(tokens)], sub)
		switch {
		case err != nil:
			fmt.Printf("%s[ERR]%s Submit failed: %v\n", colorRed, colorReset, err)
			os.Exit(1)
		case code == http.StatusAccepted:
			accepted++
		default:
			rejected[errCode]++
		}
	}
	fmt.Printf("%s[OK]%s %d tasks accepted", colorGreen, colorReset, accepted)
	if len(rejected) > 0 {
		fmt.Printf(", %srejected %v%s", colorYellow, rejected, colorReset)
	}
	fmt.Print("\n\n")
	if accepted == 0 {
		os.Exit(1)
	}

	// Monitor Progress
	startTime := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "COMPLETED", "FAILED", "RUNNING", "PENDING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := getGlobalStats(base)
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		deltaCompleted := stats.CompletedTasks - initialStats.CompletedTasks
		deltaFailed := stats.FailedTasks - initialStats.FailedTasks

		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}

		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaCompleted, colorReset,
			statusColor, deltaFailed, colorReset,
			colorYellow, stats.RunningTasks, colorReset,
			stats.PendingTasks,
		)

		if stats.RunningTasks == 0 && stats.PendingTasks == 0 && deltaCompleted+deltaFailed >= accepted {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Benchmark Completed Successfully! %s%s\n", colorGreen, colorBold, "✓", colorReset)
			printReport(stats, initialStats, time.Since(startTime))
			break
		}
	}
}

func signToken(secret, user string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   user,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func submit(base, token string, sub submission) (int, string, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequest(http.MethodPost, base+"/api/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	var out struct {
		ErrorCode string `json:"error_code"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, strings.ToLower(out.ErrorCode), nil
}

func getGlobalStats(base string) (GlobalStats, error) {
	resp, err := http.Get(base + "/global-status")
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func printReport(final, initial GlobalStats, duration time.Duration) {
	totalProcessed := (final.CompletedTasks - initial.CompletedTasks) + (final.FailedTasks - initial.FailedTasks)
	tps := float64(totalProcessed) / duration.Seconds()

	successRate := 100.0
	if totalProcessed > 0 {
		successRate = (float64(final.CompletedTasks-initial.CompletedTasks) / float64(totalProcessed)) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Total Tasks:", fmt.Sprintf("%d", totalProcessed))

	completedStr := fmt.Sprintf("%d", final.CompletedTasks-initial.CompletedTasks)
	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorGreen+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Completed:", completedStr)

	failedVal := final.FailedTasks - initial.FailedTasks
	failedColor := colorGreen
	if failedVal > 0 {
		failedColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Failed:", fmt.Sprintf("%d", failedVal))

	fmt.Printf(lineFmt+"\n", "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt+"\n", "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))
	fmt.Printf(lineFmt+"\n", "Avg Latency:", fmt.Sprintf("%.2f ms", final.AvgExecutionSec*1000))
	fmt.Printf(lineFmt+"\n", "Hourly Capacity:", fmt.Sprintf("%.1f tasks/hr", final.ThroughputTasks))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
