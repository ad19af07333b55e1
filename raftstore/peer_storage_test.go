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

	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhangjinpeng1987/raft"
)

func TestPeerStorageTerm(t *testing.T) {
	ents := []eraftpb.Entry{
		newTestEntry(3, 3), newTestEntry(4, 4), newTestEntry(5, 5),
	}
	peerStore := newTestPeerStorageFromEnts(t, ents)
	defer cleanUpTestData(peerStore)

	_, err := peerStore.Term(2)
	assert.Equal(t, raft.ErrCompacted, err)

	term, err := peerStore.Term(3)
	require.Nil(t, err)
	assert.Equal(t, uint64(3), term)

	term, err = peerStore.Term(4)
	require.Nil(t, err)
	assert.Equal(t, uint64(4), term)

	term, err = peerStore.Term(5)
	require.Nil(t, err)
	assert.Equal(t, uint64(5), term)

	_, err = peerStore.Term(6)
	assert.NotNil(t, err)
}

func TestPeerStorageEntries(t *testing.T) {
	ents := []eraftpb.Entry{
		newTestEntry(3, 3), newTestEntry(4, 4), newTestEntry(5, 5), newTestEntry(6, 6),
	}
	peerStore := newTestPeerStorageFromEnts(t, ents)
	defer cleanUpTestData(peerStore)

	lastIndex, err := peerStore.LastIndex()
	require.Nil(t, err)
	assert.Equal(t, uint64(6), lastIndex)
	firstIndex, err := peerStore.FirstIndex()
	require.Nil(t, err)
	assert.Equal(t, uint64(4), firstIndex)

	_, err = peerStore.Entries(2, 5, ^uint64(0))
	assert.Equal(t, raft.ErrCompacted, err)

	fetched, err := peerStore.Entries(4, 7, ^uint64(0))
	require.Nil(t, err)
	require.Len(t, fetched, 3)
	assert.Equal(t, uint64(4), fetched[0].Index)
	assert.Equal(t, uint64(6), fetched[2].Index)

	_, err = peerStore.Entries(4, 8, ^uint64(0))
	assert.NotNil(t, err)
}

func TestPeerStorageAppendTruncates(t *testing.T) {
	ents := []eraftpb.Entry{
		newTestEntry(3, 3), newTestEntry(4, 4), newTestEntry(5, 5), newTestEntry(6, 6),
	}
	peerStore := newTestPeerStorageFromEnts(t, ents)
	defer cleanUpTestData(peerStore)

	// A new leader overwrites the tail of the log, entries past the new last
	// index must disappear.
	ctx := NewInvokeContext(peerStore)
	raftWB := new(WriteBatch)
	require.Nil(t, peerStore.Append(ctx, []eraftpb.Entry{newTestEntry(4, 7), newTestEntry(5, 7)}, raftWB))
	ctx.saveRaftStateTo(raftWB)
	require.Nil(t, peerStore.Engines.WriteRaft(raftWB))
	peerStore.raftState = ctx.RaftState
	peerStore.lastTerm = ctx.lastTerm

	assert.Equal(t, uint64(5), peerStore.raftState.lastIndex)
	_, err := getValue(peerStore.Engines.raft, RaftLogKey(1, 6))
	assert.NotNil(t, err)

	term, err := peerStore.Term(5)
	require.Nil(t, err)
	assert.Equal(t, uint64(7), term)
}

func TestPeerStorageClearMeta(t *testing.T) {
	ents := []eraftpb.Entry{
		newTestEntry(3, 3), newTestEntry(4, 4), newTestEntry(5, 5),
	}
	peerStore := newTestPeerStorageFromEnts(t, ents)
	defer cleanUpTestData(peerStore)

	kvWB := new(WriteBatch)
	raftWB := new(WriteBatch)
	require.Nil(t, peerStore.clearMeta(kvWB, raftWB))
	require.Nil(t, peerStore.Engines.WriteKV(kvWB))
	require.Nil(t, peerStore.Engines.WriteRaft(raftWB))

	_, err := getValue(peerStore.Engines.kv, RegionStateKey(1))
	assert.NotNil(t, err)
	_, err = getValue(peerStore.Engines.kv, ApplyStateKey(1))
	assert.NotNil(t, err)
	_, err = getValue(peerStore.Engines.raft, RaftStateKey(1))
	assert.NotNil(t, err)
	_, err = getValue(peerStore.Engines.raft, RaftLogKey(1, 4))
	assert.NotNil(t, err)
}

func TestRecoverFromApplyingState(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)
	require.Nil(t, BootstrapStore(engines, 1, 1))
	_, err := PrepareBootstrap(engines, 1, 1, 1)
	require.Nil(t, err)

	// Simulate a crash between the kv write and the raft write of a snapshot
	// apply: the snapshot raft state in the kv engine is ahead of the raft
	// engine.
	snapRaftState := raftState{lastIndex: 10, term: 6, commit: 10}
	require.Nil(t, putValue(engines.kv, SnapshotRaftStateKey(1), snapRaftState.Marshal()))

	raftWB := new(WriteBatch)
	require.Nil(t, recoverFromApplyingState(engines, raftWB, 1))
	require.Nil(t, engines.WriteRaft(raftWB))

	val, err := getValue(engines.raft, RaftStateKey(1))
	require.Nil(t, err)
	var recovered raftState
	recovered.Unmarshal(val)
	assert.Equal(t, uint64(10), recovered.lastIndex)
	assert.Equal(t, uint64(6), recovered.term)
}
