// Copyright 2019-present PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"time"

	"github.com/pingcap/badger/options"
	"github.com/pingcap/log"
)

// Config contains configuration options.
type Config struct {
	Server    Server    `toml:"server"`
	RaftStore RaftStore `toml:"raftstore"`
	Engine    Engine    `toml:"engine"`
}

// Server is the config for the server frontend.
type Server struct {
	PDAddr        string            `toml:"pd-addr"`
	StoreAddr     string            `toml:"store-addr"`
	AdvertiseAddr string            `toml:"advertise-addr"`
	StatusAddr    string            `toml:"status-addr"`
	LogLevel      string            `toml:"log-level"`
	LogfilePath   string            `toml:"log-file"`
	MaxProcs      int               `toml:"max-procs"`
	Labels        map[string]string `toml:"labels"`
}

// RaftStore is the config for raft store.
type RaftStore struct {
	PdHeartbeatTickInterval  string `toml:"pd-heartbeat-tick-interval"`  // pd-heartbeat-tick-interval in seconds
	RaftStoreMaxLeaderLease  string `toml:"raft-store-max-leader-lease"` // raft-store-max-leader-lease in milliseconds
	RaftBaseTickInterval     string `toml:"raft-base-tick-interval"`     // raft-base-tick-interval in milliseconds
	RaftHeartbeatTicks       int    `toml:"raft-heartbeat-ticks"`        // raft-heartbeat-ticks times
	RaftElectionTimeoutTicks int    `toml:"raft-election-timeout-ticks"` // raft-election-timeout-ticks times
	RaftLogGCCountLimit      uint64 `toml:"raft-log-gc-count-limit"`
	MergeCheckTickInterval   string `toml:"merge-check-tick-interval"`
	MergeMaxLogGap           uint64 `toml:"merge-max-log-gap"`
	RegionMaxSizeMB          uint64 `toml:"region-max-size-mb"`
	RegionSplitSizeMB        uint64 `toml:"region-split-size-mb"`
	ApplyWorkerCount         int    `toml:"apply-worker-count"`
	Capacity                 uint64 `toml:"capacity"`
}

// Engine is the config for the badger engines.
type Engine struct {
	DBPath           string   `toml:"db-path"`            // Directory to store the data in. Should exist and be writable.
	ValueThreshold   int      `toml:"value-threshold"`    // If value size >= this threshold, only store value offsets in tree.
	MaxMemTableSize  int64    `toml:"max-mem-table-size"` // Each mem table is at most this size.
	MaxTableSize     int64    `toml:"max-table-size"`     // Each table file is at most this size.
	NumMemTables     int      `toml:"num-mem-tables"`     // Maximum number of tables to keep in memory, before stalling.
	NumL0Tables      int      `toml:"num-L0-tables"`      // Maximum number of Level 0 tables before we start compacting.
	NumL0TablesStall int      `toml:"num-L0-tables-stall"`
	VlogFileSize     int64    `toml:"vlog-file-size"`
	NumCompactors    int      `toml:"num-compactors"`
	SyncWrite        bool     `toml:"sync-write"`
	Compression      []string `toml:"compression"` // Compression type for each level.
	BlockCacheSize   int64    `toml:"block-cache-size"`
}

// ParseCompression parses the string s and returns a compression type.
func ParseCompression(s string) options.CompressionType {
	switch s {
	case "snappy":
		return options.Snappy
	case "zstd":
		return options.ZSTD
	default:
		return options.None
	}
}

// MB represents the MB size.
const MB = 1024 * 1024

// DefaultConf returns the default configuration.
var DefaultConf = Config{
	Server: Server{
		PDAddr:     "127.0.0.1:2379",
		StoreAddr:  "127.0.0.1:9191",
		StatusAddr: "127.0.0.1:9291",
		LogLevel:   "info",
		MaxProcs:   0,
	},
	RaftStore: RaftStore{
		PdHeartbeatTickInterval:  "20s",
		RaftStoreMaxLeaderLease:  "9s",
		RaftBaseTickInterval:     "1s",
		RaftHeartbeatTicks:       2,
		RaftElectionTimeoutTicks: 10,
		RaftLogGCCountLimit:      72 * 1024,
		MergeCheckTickInterval:   "10s",
		MergeMaxLogGap:           10,
		RegionMaxSizeMB:          144,
		RegionSplitSizeMB:        96,
		ApplyWorkerCount:         2,
	},
	Engine: Engine{
		DBPath:           "/tmp/badger",
		ValueThreshold:   256,
		MaxMemTableSize:  64 * MB,
		MaxTableSize:     8 * MB,
		NumMemTables:     3,
		NumL0Tables:      4,
		NumL0TablesStall: 8,
		VlogFileSize:     256 * MB,
		NumCompactors:    1,
		SyncWrite:        true,
		Compression:      make([]string, 7),
		BlockCacheSize:   1 << 30,
	},
}

// ParseDuration parses duration argument string.
func ParseDuration(durationStr string) time.Duration {
	dur, err := time.ParseDuration(durationStr)
	if err != nil {
		dur, err = time.ParseDuration(durationStr + "s")
	}
	if err != nil || dur < 0 {
		log.S().Fatalf("invalid duration=%v", durationStr)
	}
	return dur
}
