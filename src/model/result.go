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

import "time"

// Result is the payload an analyzer produces for one task.
type Result interface {
	ResultKind() string
}

// FileResult is the fingerprint of one file.
type FileResult struct {
	Name       string     `json:"name,omitempty"`
	Size       int64      `json:"size"`
	MD5        string     `json:"md5"`
	SHA256     string     `json:"sha256"`
	BLAKE3     string     `json:"blake3"`
	Entropy    float64    `json:"entropy"`
	MIME       string     `json:"mime"`
	Preview    string     `json:"preview,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

func (*FileResult) ResultKind() string { return "file" }

// SkipReason records why one member of a batch was left out.
type SkipReason struct {
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

// DirectoryResult holds the per-member results of a container artifact.
type DirectoryResult struct {
	Files       []FileResult `json:"files"`
	Skipped     int          `json:"skipped"`
	SkipReasons []SkipReason `json:"skip_reasons,omitempty"`
}

func (*DirectoryResult) ResultKind() string { return "directory" }

type Process struct {
	PID        int64  `json:"pid"`
	PPID       int64  `json:"ppid"`
	Name       string `json:"name"`
	Offset     string `json:"offset,omitempty"`
	Threads    int64  `json:"threads,omitempty"`
	Handles    int64  `json:"handles,omitempty"`
	CreateTime string `json:"create_time,omitempty"`
	ExitTime   string `json:"exit_time,omitempty"`
}

type Connection struct {
	Protocol    string `json:"protocol"`
	LocalAddr   string `json:"local_addr"`
	LocalPort   int64  `json:"local_port"`
	ForeignAddr string `json:"foreign_addr"`
	ForeignPort int64  `json:"foreign_port"`
	State       string `json:"state,omitempty"`
	PID         int64  `json:"pid,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

type Module struct {
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	Base   string `json:"base,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Offset string `json:"offset,omitempty"`
}

// MemoryResult is the normalised output of the memory-forensics plugins.
type MemoryResult struct {
	Processes    []Process    `json:"processes"`
	Connections  []Connection `json:"connections"`
	Modules      []Module     `json:"modules"`
	PluginErrors []SkipReason `json:"plugin_errors,omitempty"`
}

func (*MemoryResult) ResultKind() string { return "memory" }

type Talker struct {
	Address string `json:"address"`
	Bytes   int64  `json:"bytes"`
	Packets int64  `json:"packets"`
}

type Flow struct {
	SrcAddr  string `json:"src_addr"`
	DstAddr  string `json:"dst_addr"`
	SrcPort  int    `json:"src_port,omitempty"`
	DstPort  int    `json:"dst_port,omitempty"`
	Protocol string `json:"protocol"`
	Packets  int64  `json:"packets"`
	Bytes    int64  `json:"bytes"`
}

type NetworkSummary struct {
	PacketCount    int64            `json:"packet_count"`
	TotalBytes     int64            `json:"total_bytes"`
	SkippedRecords int              `json:"skipped_records"`
	Protocols      map[string]int64 `json:"protocols"`
	TopTalkers     []Talker         `json:"top_talkers"`
	FirstSeen      *time.Time       `json:"first_seen,omitempty"`
	LastSeen       *time.Time       `json:"last_seen,omitempty"`
	AppHints       map[string]int64 `json:"app_hints,omitempty"`
}

// NetworkResult summarises a packet capture.
type NetworkResult struct {
	Summary NetworkSummary `json:"summary"`
	Flows   []Flow         `json:"flows"`
}

func (*NetworkResult) ResultKind() string { return "network" }
