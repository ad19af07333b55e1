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
	"sync"
	"testing"

	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhangjinpeng1987/raft"
)

func newTestRegion(id uint64, startKey, endKey string) *metapb.Region {
	return &metapb.Region{
		Id:          id,
		StartKey:    []byte(startKey),
		EndKey:      []byte(endKey),
		RegionEpoch: &metapb.RegionEpoch{Version: 1, ConfVer: 1},
	}
}

func TestRegionTreePutDelete(t *testing.T) {
	tree := newRegionTree()
	assert.True(t, tree.Put(newTestRegion(1, "a", "b")))
	assert.True(t, tree.Put(newTestRegion(2, "b", "c")))
	// Same end key is a conflict.
	assert.False(t, tree.Put(newTestRegion(3, "a", "c")))

	// Delete requires a matching region id.
	assert.False(t, tree.Delete(newTestRegion(3, "b", "c")))
	assert.True(t, tree.Delete(newTestRegion(2, "b", "c")))
	assert.True(t, tree.Put(newTestRegion(3, "a", "c")))
}

func TestRegionTreeGetByKey(t *testing.T) {
	tree := newRegionTree()
	tree.Put(newTestRegion(1, "a", "b"))
	tree.Put(newTestRegion(2, "b", "c"))
	// The last region extends to the end of the key space.
	tree.Put(newTestRegion(3, "c", ""))

	region := tree.GetRegionByKey([]byte("a"))
	require.NotNil(t, region)
	assert.Equal(t, uint64(1), region.Id)

	// A key equal to a region end key belongs to the next region.
	region = tree.GetRegionByKey([]byte("b"))
	require.NotNil(t, region)
	assert.Equal(t, uint64(2), region.Id)

	region = tree.GetRegionByKey([]byte("zzz"))
	require.NotNil(t, region)
	assert.Equal(t, uint64(3), region.Id)

	// An empty key is the minimum, only a region starting at the very
	// beginning of the key space covers it.
	assert.Nil(t, tree.GetRegionByKey(nil))
	tree.Put(newTestRegion(5, "", "a"))
	region = tree.GetRegionByKey(nil)
	require.NotNil(t, region)
	assert.Equal(t, uint64(5), region.Id)

	tree = newRegionTree()
	tree.Put(newTestRegion(4, "b", "c"))
	assert.Nil(t, tree.GetRegionByKey([]byte("a")))
}

func TestRegionTreeIterate(t *testing.T) {
	tree := newRegionTree()
	tree.Put(newTestRegion(1, "a", "b"))
	tree.Put(newTestRegion(2, "b", "c"))
	tree.Put(newTestRegion(3, "c", "d"))
	tree.Put(newTestRegion(4, "d", ""))

	collect := func(startKey, endKey string) []uint64 {
		var ids []uint64
		tree.Iterate([]byte(startKey), []byte(endKey), func(region *metapb.Region) bool {
			ids = append(ids, region.Id)
			return true
		})
		return ids
	}

	assert.Equal(t, []uint64{1, 2, 3, 4}, collect("", ""))
	assert.Equal(t, []uint64{2, 3}, collect("b", "d"))
	// Regions are end key exclusive, region 1 does not overlap [b, d).
	assert.Equal(t, []uint64{2}, collect("b", "c"))
	assert.Equal(t, []uint64{4}, collect("x", ""))

	// Early termination.
	var ids []uint64
	tree.Iterate(nil, nil, func(region *metapb.Region) bool {
		ids = append(ids, region.Id)
		return len(ids) < 2
	})
	assert.Equal(t, []uint64{1, 2}, ids)
}

func TestLoadPeersRestartRecovery(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	normal := mergeTestRegion(2, "a", "b", 2)
	tombstone := mergeTestRegion(3, "b", "c", 2)
	merging := mergeTestRegion(4, "c", "d", 3)
	target := mergeTestRegion(5, "d", "e", 3)
	applying := mergeTestRegion(6, "e", "f", 2)

	mergeState := &rspb.MergeState{
		MinIndex: 5,
		Commit:   7,
		Target:   target,
	}
	wb := new(WriteBatch)
	WritePeerState(wb, normal, rspb.PeerState_Normal, nil)
	WritePeerState(wb, tombstone, rspb.PeerState_Tombstone, nil)
	WritePeerState(wb, merging, rspb.PeerState_Merging, mergeState)
	WritePeerState(wb, applying, rspb.PeerState_Applying, nil)
	require.Nil(t, engines.WriteKV(wb))

	// The crash happened after the new raft state was staged in the kv engine
	// but before the raft engine caught up.
	snapRaftState := raftState{term: 6, lastIndex: 10, commit: 10}
	require.Nil(t, putValue(engines.kv, SnapshotRaftStateKey(applying.Id), snapRaftState.Marshal()))
	staleRaftState := raftState{term: 5, lastIndex: 8, commit: 8}
	require.Nil(t, putValue(engines.raft, RaftStateKey(applying.Id), staleRaftState.Marshal()))
	snapApplyState := applyState{appliedIndex: 10, truncatedIndex: 10, truncatedTerm: 6}
	require.Nil(t, putValue(engines.kv, ApplyStateKey(applying.Id), snapApplyState.Marshal()))

	bs := &raftBatchSystem{ctx: &GlobalContext{
		cfg:             NewDefaultConfig(),
		engines:         engines,
		store:           &metapb.Store{Id: 1},
		storeMeta:       newStoreMeta(),
		storeMetaLock:   new(sync.Mutex),
		regionScheduler: make(chan task, 16),
	}}
	peers, err := bs.loadPeers()
	require.Nil(t, err)

	byRegion := make(map[uint64]*peerFsm, len(peers))
	for _, p := range peers {
		byRegion[p.regionID()] = p
	}
	require.Len(t, byRegion, 3)
	assert.NotContains(t, byRegion, tombstone.Id)
	assert.Nil(t, byRegion[normal.Id].peer.PendingMergeState)

	// The peer that crashed mid-merge carries its merge intent again.
	restored := byRegion[merging.Id].peer.PendingMergeState
	require.NotNil(t, restored)
	assert.Equal(t, uint64(7), restored.Commit)
	assert.Equal(t, uint64(5), restored.MinIndex)
	assert.Equal(t, target.Id, restored.Target.Id)

	// The interrupted snapshot apply finished before the peer came back.
	val, err := getValue(engines.raft, RaftStateKey(applying.Id))
	require.Nil(t, err)
	var rs raftState
	rs.Unmarshal(val)
	assert.Equal(t, uint64(10), rs.lastIndex)
	assert.Equal(t, uint64(6), rs.term)
	assert.Equal(t, uint64(10), byRegion[applying.Id].peer.Store().truncatedIndex())

	meta := bs.ctx.storeMeta
	assert.Len(t, meta.regions, 3)
	region := meta.regionTree.GetRegionByKey([]byte("c"))
	require.NotNil(t, region)
	assert.Equal(t, merging.Id, region.Id)
}

type nopPeerEventObserver struct{}

func (nopPeerEventObserver) OnPeerCreate(ctx *PeerEventContext, region *metapb.Region)    {}
func (nopPeerEventObserver) OnPeerApplySnap(ctx *PeerEventContext, region *metapb.Region) {}
func (nopPeerEventObserver) OnPeerDestroy(ctx *PeerEventContext)                          {}
func (nopPeerEventObserver) OnSplitRegion(derived *metapb.Region, regions []*metapb.Region, peers []*PeerEventContext) {
}
func (nopPeerEventObserver) OnRegionConfChange(ctx *PeerEventContext, epoch *metapb.RegionEpoch) {}
func (nopPeerEventObserver) OnRoleChange(regionId uint64, newState raft.StateType)               {}

func TestMaybeCreatePeerSnapshotDedup(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	meta := newStoreMeta()
	existing := mergeTestRegion(1, "a", "c", 2)
	meta.regionTree.Put(existing)
	meta.regions[existing.Id] = existing

	ctx := &PollContext{GlobalContext: &GlobalContext{
		cfg:               NewDefaultConfig(),
		engines:           engines,
		store:             &metapb.Store{Id: 1},
		storeMeta:         meta,
		storeMetaLock:     new(sync.Mutex),
		router:            newRouter(make(chan Msg, 16), nil),
		regionScheduler:   make(chan task, 16),
		peerEventObserver: nopPeerEventObserver{},
	}}
	d := newStoreFsmDelegate(&storeFsm{id: 1}, ctx)

	msg := &rspb.RaftMessage{
		RegionId:    2,
		StartKey:    []byte("a"),
		EndKey:      []byte("b"),
		RegionEpoch: &metapb.RegionEpoch{Version: 2, ConfVer: 1},
		ToPeer:      &metapb.Peer{Id: 20, StoreId: 1},
		Message:     &eraftpb.Message{MsgType: eraftpb.MessageType_MsgRequestVote, Term: RaftInitLogTerm + 1},
	}
	created, err := d.maybeCreatePeer(2, msg)
	require.Nil(t, err)
	assert.False(t, created)
	require.NotNil(t, meta.pendingCrossSnap[2])
	assert.Equal(t, uint64(2), meta.pendingCrossSnap[2].Version)

	// A stale epoch never replaces the recorded one, regardless of order.
	older := *msg
	older.RegionEpoch = &metapb.RegionEpoch{Version: 1, ConfVer: 1}
	created, err = d.maybeCreatePeer(2, &older)
	require.Nil(t, err)
	assert.False(t, created)
	assert.Equal(t, uint64(2), meta.pendingCrossSnap[2].Version)

	newer := *msg
	newer.RegionEpoch = &metapb.RegionEpoch{Version: 3, ConfVer: 1}
	created, err = d.maybeCreatePeer(2, &newer)
	require.Nil(t, err)
	assert.False(t, created)
	assert.Equal(t, uint64(3), meta.pendingCrossSnap[2].Version)

	// A non conflicting range creates an uninitialized peer right away.
	free := &rspb.RaftMessage{
		RegionId:    3,
		StartKey:    []byte("x"),
		EndKey:      []byte("y"),
		RegionEpoch: &metapb.RegionEpoch{Version: 1, ConfVer: 1},
		ToPeer:      &metapb.Peer{Id: 30, StoreId: 1},
		Message:     &eraftpb.Message{MsgType: eraftpb.MessageType_MsgRequestVote, Term: RaftInitLogTerm + 1},
	}
	created, err = d.maybeCreatePeer(3, free)
	require.Nil(t, err)
	assert.True(t, created)
	assert.NotNil(t, meta.regions[3])
}
