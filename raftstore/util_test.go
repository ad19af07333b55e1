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

	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsEpochStale(t *testing.T) {
	epoch := &metapb.RegionEpoch{Version: 10, ConfVer: 10}
	assert.False(t, isEpochStale(epoch, &metapb.RegionEpoch{Version: 10, ConfVer: 10}))
	assert.True(t, isEpochStale(epoch, &metapb.RegionEpoch{Version: 11, ConfVer: 10}))
	assert.True(t, isEpochStale(epoch, &metapb.RegionEpoch{Version: 10, ConfVer: 11}))
	assert.False(t, isEpochStale(epoch, &metapb.RegionEpoch{Version: 9, ConfVer: 10}))
}

func TestFindAndRemovePeer(t *testing.T) {
	region := &metapb.Region{
		Peers: []*metapb.Peer{
			{Id: 1, StoreId: 10},
			{Id: 2, StoreId: 20},
		},
	}
	peer := findPeer(region, 20)
	require.NotNil(t, peer)
	assert.Equal(t, uint64(2), peer.Id)
	assert.Nil(t, findPeer(region, 30))

	removed := removePeer(region, 10)
	require.NotNil(t, removed)
	assert.Equal(t, uint64(1), removed.Id)
	assert.Len(t, region.Peers, 1)
	assert.Nil(t, removePeer(region, 10))
}

func TestCheckKeyInRegion(t *testing.T) {
	region := &metapb.Region{StartKey: []byte("b"), EndKey: []byte("d")}

	assert.Nil(t, checkKeyInRegion([]byte("b"), region))
	assert.Nil(t, checkKeyInRegion([]byte("c"), region))
	assert.NotNil(t, checkKeyInRegion([]byte("d"), region))
	assert.NotNil(t, checkKeyInRegion([]byte("a"), region))

	assert.NotNil(t, checkKeyInRegionExclusive([]byte("b"), region))
	assert.Nil(t, checkKeyInRegionExclusive([]byte("c"), region))

	assert.Nil(t, checkKeyInRegionInclusive([]byte("d"), region))
	assert.NotNil(t, checkKeyInRegionInclusive([]byte("e"), region))

	// An empty end key covers everything after the start key.
	unbounded := &metapb.Region{StartKey: []byte("b")}
	assert.Nil(t, checkKeyInRegion([]byte("zzzz"), unbounded))
}

func TestCheckRegionEpoch(t *testing.T) {
	region := &metapb.Region{
		Id:          1,
		RegionEpoch: &metapb.RegionEpoch{Version: 5, ConfVer: 5},
	}

	// Merge commands are fenced by version.
	for _, tp := range []raft_cmdpb.AdminCmdType{
		raft_cmdpb.AdminCmdType_PrepareMerge,
		raft_cmdpb.AdminCmdType_CommitMerge,
		raft_cmdpb.AdminCmdType_RollbackMerge,
		raft_cmdpb.AdminCmdType_BatchSplit,
	} {
		req := new(raft_cmdpb.RaftCmdRequest)
		req.AdminRequest = &raft_cmdpb.AdminRequest{CmdType: tp}
		req.Header = &raft_cmdpb.RaftRequestHeader{
			RegionEpoch: &metapb.RegionEpoch{Version: 4, ConfVer: 5},
		}
		assert.NotNil(t, checkRegionEpoch(req, region, false), "%v", tp)

		req.Header.RegionEpoch.Version = 5
		assert.Nil(t, checkRegionEpoch(req, region, false), "%v", tp)
	}

	// CompactLog is epoch agnostic.
	req := new(raft_cmdpb.RaftCmdRequest)
	req.AdminRequest = &raft_cmdpb.AdminRequest{CmdType: raft_cmdpb.AdminCmdType_CompactLog}
	assert.Nil(t, checkRegionEpoch(req, region, false))

	// Normal writes check version only.
	req = new(raft_cmdpb.RaftCmdRequest)
	req.Header = &raft_cmdpb.RaftRequestHeader{
		RegionEpoch: &metapb.RegionEpoch{Version: 5, ConfVer: 1},
	}
	assert.Nil(t, checkRegionEpoch(req, region, false))
	req.Header.RegionEpoch.Version = 4
	err := checkRegionEpoch(req, region, true)
	require.NotNil(t, err)
	epochNotMatch, ok := err.(*ErrEpochNotMatch)
	require.True(t, ok)
	assert.Len(t, epochNotMatch.Regions, 1)
}

func TestRegionEqual(t *testing.T) {
	a := &metapb.Region{
		Id:          1,
		StartKey:    []byte("a"),
		EndKey:      []byte("b"),
		RegionEpoch: &metapb.RegionEpoch{Version: 2, ConfVer: 3},
	}
	b := &metapb.Region{
		Id:          1,
		StartKey:    []byte("a"),
		EndKey:      []byte("b"),
		RegionEpoch: &metapb.RegionEpoch{Version: 2, ConfVer: 3},
	}
	assert.True(t, RegionEqual(a, b))
	b.RegionEpoch.Version = 3
	assert.False(t, RegionEqual(a, b))
	assert.False(t, RegionEqual(a, nil))
}

func TestRegionsAdjacent(t *testing.T) {
	left := &metapb.Region{StartKey: []byte("a"), EndKey: []byte("b")}
	right := &metapb.Region{StartKey: []byte("b"), EndKey: []byte("c")}
	assert.True(t, regionsAdjacent(left, right))
	assert.True(t, regionsAdjacent(right, left))
	far := &metapb.Region{StartKey: []byte("x"), EndKey: []byte("y")}
	assert.False(t, regionsAdjacent(left, far))
}
