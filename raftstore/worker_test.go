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
	"testing"

	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeSplitChecker(t *testing.T) {
	checker := newSizeSplitChecker(10, 6)

	// Over split size but under max size, no split yet.
	assert.False(t, checker.onKv([]byte("a"), 4))
	assert.False(t, checker.onKv([]byte("b"), 4))
	assert.Equal(t, []byte("b"), checker.splitKey)
	assert.Nil(t, checker.getSplitKeys())

	checker.reset()
	assert.Equal(t, uint64(0), checker.currentSize)

	assert.False(t, checker.onKv([]byte("a"), 4))
	assert.False(t, checker.onKv([]byte("b"), 4))
	// Reaching max size stops the scan.
	assert.True(t, checker.onKv([]byte("c"), 4))
	keys := checker.getSplitKeys()
	require.Len(t, keys, 1)
	// The split key is the first key past the split size, not the last one
	// scanned, so the left half stays close to splitSize.
	assert.Equal(t, []byte("b"), keys[0])
	// Consumed.
	assert.Nil(t, checker.getSplitKeys())
}

func TestGCRaftLog(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	wb := new(WriteBatch)
	for idx := uint64(3); idx <= 10; idx++ {
		e := newTestEntry(idx, 1)
		val, err := e.Marshal()
		require.Nil(t, err)
		wb.Set(RaftLogKey(1, idx), val)
	}
	require.Nil(t, engines.WriteRaft(wb))

	handler := new(raftLogGCTaskHandler)
	// A zero start index means the first index has to be discovered by seek.
	collected, err := handler.gcRaftLog(engines.raft, 1, 0, 6)
	require.Nil(t, err)
	assert.Equal(t, uint64(3), collected)
	_, err = getValue(engines.raft, RaftLogKey(1, 5))
	assert.NotNil(t, err)
	_, err = getValue(engines.raft, RaftLogKey(1, 6))
	assert.Nil(t, err)

	collected, err = handler.gcRaftLog(engines.raft, 1, 6, 10)
	require.Nil(t, err)
	assert.Equal(t, uint64(4), collected)
	_, err = getValue(engines.raft, RaftLogKey(1, 9))
	assert.NotNil(t, err)
	_, err = getValue(engines.raft, RaftLogKey(1, 10))
	assert.Nil(t, err)

	// Nothing left to collect.
	collected, err = handler.gcRaftLog(engines.raft, 1, 10, 10)
	require.Nil(t, err)
	assert.Equal(t, uint64(0), collected)
}

func TestSnapshotGenApply(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)
	require.Nil(t, BootstrapStore(engines, 1, 1))
	region, err := PrepareBootstrap(engines, 1, 1, 1)
	require.Nil(t, err)

	wb := new(WriteBatch)
	wb.Set(DataKey([]byte("k1")), []byte("v1"))
	wb.Set(DataKey([]byte("k2")), []byte("v2"))
	require.Nil(t, engines.WriteKV(wb))

	snap, err := doSnapshot(engines, region.Id)
	require.Nil(t, err)
	assert.Equal(t, uint64(RaftInitLogIndex), snap.Metadata.Index)
	assert.Equal(t, uint64(RaftInitLogTerm), snap.Metadata.Term)
	assert.Equal(t, []uint64{1}, snap.Metadata.ConfState.Voters)

	snapData := new(rspb.RaftSnapshotData)
	require.Nil(t, snapData.Unmarshal(snap.Data))
	assert.Len(t, snapData.Data, 2)
	assert.Equal(t, region.Id, snapData.Region.Id)

	// Overwrite the data, then apply the snapshot on top. The stale key must
	// be gone afterwards.
	wb = new(WriteBatch)
	wb.Set(DataKey([]byte("k3")), []byte("v3"))
	WritePeerState(wb, region, rspb.PeerState_Applying, nil)
	require.Nil(t, engines.WriteKV(wb))

	status := JobStatusPending
	snapCtx := &snapContext{engines: engines}
	snapCtx.handleApply(region.Id, &status, snapData)
	assert.Equal(t, JobStatusFinished, status)

	val, err := getValue(engines.kv, DataKey([]byte("k1")))
	require.Nil(t, err)
	assert.Equal(t, []byte("v1"), val)
	_, err = getValue(engines.kv, DataKey([]byte("k3")))
	assert.NotNil(t, err)

	state, err := getRegionLocalState(engines.kv, region.Id)
	require.Nil(t, err)
	assert.Equal(t, rspb.PeerState_Normal, state.State)
}

func TestSnapshotStaleJob(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)
	require.Nil(t, BootstrapStore(engines, 1, 1))
	region, err := PrepareBootstrap(engines, 1, 1, 1)
	require.Nil(t, err)

	// A tombstoned region must not produce a snapshot.
	wb := new(WriteBatch)
	WritePeerState(wb, region, rspb.PeerState_Tombstone, nil)
	require.Nil(t, engines.WriteKV(wb))
	_, err = doSnapshot(engines, region.Id)
	assert.NotNil(t, err)

	// A merging region still serves snapshots, the receiver decides how to
	// interpret it.
	wb = new(WriteBatch)
	WritePeerState(wb, region, rspb.PeerState_Merging, &rspb.MergeState{
		MinIndex: RaftInitLogIndex,
		Commit:   RaftInitLogIndex,
	})
	require.Nil(t, engines.WriteKV(wb))
	snap, err := doSnapshot(engines, region.Id)
	require.Nil(t, err)
	assert.NotNil(t, snap.Metadata)
}

func TestCheckAbort(t *testing.T) {
	status := JobStatusRunning
	assert.Nil(t, checkAbort(&status))
	status = JobStatusCancelling
	assert.Equal(t, errApplySnapAborted, checkAbort(&status))
}
