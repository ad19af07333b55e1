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

package raftstore

import (
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

// Config is the raft store configuration.
type Config struct {
	// store capacity. 0 means no limit.
	Capacity uint64

	// raft_base_tick_interval is a base tick interval (ms).
	RaftBaseTickInterval     time.Duration
	RaftHeartbeatTicks       int
	RaftElectionTimeoutTicks int
	RaftMinElectionTimeoutTicks int
	RaftMaxElectionTimeoutTicks int
	RaftMaxSizePerMsg        uint64
	RaftMaxInflightMsgs      int

	// When the entry exceed the max size, reject to propose it.
	RaftEntryMaxSize uint64

	// Interval to gc unnecessary raft log (ms).
	RaftLogGCTickInterval time.Duration
	// A threshold to gc stale raft log, must >= 1.
	RaftLogGcThreshold uint64
	// When entry count exceed this value, gc will be forced trigger.
	RaftLogGcCountLimit uint64
	// When the approximate size of raft log entries exceed this value,
	// gc will be forced trigger.
	RaftLogGcSizeLimit uint64
	// When a peer is not responding for this time, leader will not keep
	// entry cache for it.
	RaftEntryCacheLifeTime time.Duration

	SplitRegionCheckTickInterval time.Duration
	RegionSplitCheckDiff         uint64
	RegionMaxSize                uint64
	RegionSplitSize              uint64

	PdHeartbeatTickInterval      time.Duration
	PdStoreHeartbeatTickInterval time.Duration

	NotifyCapacity  uint64
	MessagesPerTick uint64

	// When a peer is newly added, reject transferring leader to the peer for
	// a while.
	RaftRejectTransferLeaderDuration time.Duration

	// Peers down for longer than this are reported to pd.
	MaxPeerDownDuration time.Duration

	// If the leader of a peer is missing for longer than max_leader_missing_duration,
	// the peer would ask pd to confirm whether it is valid in any region.
	// If the peer is stale and is not valid in any region, it will destroy itself.
	MaxLeaderMissingDuration time.Duration
	// Similar to the max_leader_missing_duration, instead of using a fixed value,
	// an abnormal node is detected asap.
	AbnormalLeaderMissingDuration time.Duration
	PeerStaleStateCheckInterval   time.Duration

	LeaderTransferMaxLogLag uint64

	// Interval to check whether an in-flight merge should be driven forward
	// or rolled back.
	MergeCheckTickInterval time.Duration
	// Maximum log gap allowed between the slowest source replica and the
	// leader when proposing PrepareMerge. Also bounds how far CompactLog may
	// advance once a merge is pending.
	MergeMaxLogGap uint64

	SnapApplyBatchSize    uint64
	SnapGCTimeout         time.Duration
	SnapMgrGcTickInterval time.Duration
	CleanStalePeerDelay   time.Duration

	ReportRegionFlowInterval time.Duration

	// The lease provided by a successfully proposed and applied entry.
	RaftStoreMaxLeaderLease time.Duration

	// Right region derive origin region id when split.
	RightDeriveWhenSplit bool

	AllowRemoveLeader bool

	ApplyPoolSize int
	RaftPoolSize  int

	Addr          string
	AdvertiseAddr string
	Labels        []StoreLabel

	GrpcRaftConnNum       uint64
	GrpcInitialWindowSize uint64
	GrpcKeepAliveTime     time.Duration
	GrpcKeepAliveTimeout  time.Duration
}

type StoreLabel struct {
	LabelKey, LabelValue string
}

// NewDefaultConfig returns the canonical raft store configuration.
func NewDefaultConfig() *Config {
	return &Config{
		RaftBaseTickInterval:             time.Second,
		RaftHeartbeatTicks:               2,
		RaftElectionTimeoutTicks:         10,
		RaftMinElectionTimeoutTicks:      0,
		RaftMaxElectionTimeoutTicks:      0,
		RaftMaxSizePerMsg:                1024 * 1024,
		RaftMaxInflightMsgs:              256,
		RaftEntryMaxSize:                 8 * 1024 * 1024,
		RaftLogGCTickInterval:            time.Second * 10,
		RaftLogGcThreshold:               50,
		RaftLogGcCountLimit:              72 * 1024,
		RaftLogGcSizeLimit:               72 * 1024 * 1024,
		RaftEntryCacheLifeTime:           time.Second * 30,
		SplitRegionCheckTickInterval:     time.Second * 10,
		RegionSplitCheckDiff:             8 * 1024 * 1024,
		RegionMaxSize:                    144 * 1024 * 1024,
		RegionSplitSize:                  96 * 1024 * 1024,
		PdHeartbeatTickInterval:          time.Minute,
		PdStoreHeartbeatTickInterval:     time.Second * 10,
		NotifyCapacity:                   40960,
		MessagesPerTick:                  4096,
		RaftRejectTransferLeaderDuration: time.Second * 3,
		MaxPeerDownDuration:              time.Minute * 5,
		MaxLeaderMissingDuration:         time.Hour * 2,
		AbnormalLeaderMissingDuration:    time.Minute * 10,
		PeerStaleStateCheckInterval:      time.Minute * 5,
		LeaderTransferMaxLogLag:          10,
		MergeCheckTickInterval:           time.Second * 10,
		MergeMaxLogGap:                   10,
		SnapApplyBatchSize:               10 * 1024 * 1024,
		SnapGCTimeout:                    time.Hour * 4,
		SnapMgrGcTickInterval:            time.Minute,
		CleanStalePeerDelay:              time.Minute * 10,
		ReportRegionFlowInterval:         time.Minute,
		RaftStoreMaxLeaderLease:          time.Second * 9,
		RightDeriveWhenSplit:             true,
		AllowRemoveLeader:                false,
		ApplyPoolSize:                    2,
		RaftPoolSize:                     2,
		GrpcRaftConnNum:                  1,
		GrpcInitialWindowSize:            2 * 1024 * 1024,
		GrpcKeepAliveTime:                time.Second * 10,
		GrpcKeepAliveTimeout:             time.Second * 3,
	}
}

// Validate rejects configurations that would break protocol assumptions.
func (c *Config) Validate() error {
	if c.RaftHeartbeatTicks == 0 {
		return errors.New("heartbeat tick must be greater than 0")
	}
	if c.RaftElectionTimeoutTicks != 10 {
		log.S().Warn("election timeout ticks needs to be same across all the cluster, otherwise it may lead to inconsistency.")
	}
	if c.RaftElectionTimeoutTicks <= c.RaftHeartbeatTicks {
		return errors.New("election tick must be greater than heartbeat tick.")
	}
	if c.RaftMinElectionTimeoutTicks == 0 {
		c.RaftMinElectionTimeoutTicks = c.RaftElectionTimeoutTicks
	}
	if c.RaftMaxElectionTimeoutTicks == 0 {
		c.RaftMaxElectionTimeoutTicks = c.RaftElectionTimeoutTicks * 2
	}
	if c.RaftMinElectionTimeoutTicks < c.RaftElectionTimeoutTicks ||
		c.RaftMinElectionTimeoutTicks >= c.RaftMaxElectionTimeoutTicks {
		return errors.Errorf("invalid timeout range [%v, %v) for election timeout %v",
			c.RaftMinElectionTimeoutTicks, c.RaftMaxElectionTimeoutTicks, c.RaftElectionTimeoutTicks)
	}
	if c.RaftLogGcThreshold < 1 {
		return errors.Errorf("raft log gc threshold must >= 1, not %v", c.RaftLogGcThreshold)
	}
	if c.RaftLogGcSizeLimit == 0 {
		return errors.New("raft log gc size limit should large than 0")
	}
	if c.MergeMaxLogGap >= c.RaftLogGcCountLimit {
		return errors.Errorf("merge log gap %v should be less than log gc limit %v",
			c.MergeMaxLogGap, c.RaftLogGcCountLimit)
	}
	if c.MergeCheckTickInterval == 0 {
		return errors.New("raftstore.merge-check-tick-interval can't be 0")
	}
	stateCnt := c.RaftElectionTimeoutTicks * 2
	if c.PeerStaleStateCheckInterval < c.RaftBaseTickInterval*time.Duration(stateCnt) {
		return errors.Errorf("peer stale state check interval %v is less than election timeout x 2 %v",
			c.PeerStaleStateCheckInterval, c.RaftBaseTickInterval*time.Duration(stateCnt))
	}
	if c.LeaderTransferMaxLogLag < 10 {
		return errors.New("raftstore.leader-transfer-max-log-lag should be >= 10")
	}
	return nil
}
