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

	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeerMsgHandler(t *testing.T, engines *Engines, region *metapb.Region) *peerMsgHandler {
	cfg := NewDefaultConfig()
	fsm, err := createPeerFsm(1, cfg, make(chan task, 16), engines, region)
	require.Nil(t, err)
	ctx := &PollContext{GlobalContext: &GlobalContext{
		cfg:           cfg,
		engines:       engines,
		store:         &metapb.Store{Id: 1},
		storeMeta:     newStoreMeta(),
		storeMetaLock: new(sync.Mutex),
	}}
	return newPeerMsgHandler(fsm, ctx)
}

func prepareMergeCmd(source, target *metapb.Region) *raft_cmdpb.RaftCmdRequest {
	return &raft_cmdpb.RaftCmdRequest{
		Header: &raft_cmdpb.RaftRequestHeader{
			RegionId:    source.Id,
			RegionEpoch: source.RegionEpoch,
		},
		AdminRequest: &raft_cmdpb.AdminRequest{
			CmdType:      raft_cmdpb.AdminCmdType_PrepareMerge,
			PrepareMerge: &raft_cmdpb.PrepareMergeRequest{Target: target},
		},
	}
}

func TestCheckMergeProposal(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	source := mergeTestRegion(1, "a", "b", 2)
	target := mergeTestRegion(2, "b", "c", 2)
	d := newTestPeerMsgHandler(t, engines, source)

	// The target is unknown to this store.
	err := d.checkMergeProposal(prepareMergeCmd(source, target))
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "doesn't exist")

	d.ctx.storeMeta.regions[target.Id] = target
	require.Nil(t, d.checkMergeProposal(prepareMergeCmd(source, target)))

	// A stale view of the target is rejected.
	staleTarget := mergeTestRegion(2, "b", "c", 1)
	err = d.checkMergeProposal(prepareMergeCmd(source, staleTarget))
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "not matched")

	// Non sibling ranges cannot merge.
	farTarget := mergeTestRegion(3, "x", "y", 2)
	d.ctx.storeMeta.regions[farTarget.Id] = farTarget
	err = d.checkMergeProposal(prepareMergeCmd(source, farTarget))
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "sibling")

	// Peer sets must line up store by store.
	lopsided := mergeTestRegion(2, "b", "c", 2)
	lopsided.Peers = append(lopsided.Peers, &metapb.Peer{Id: 21, StoreId: 2})
	err = d.checkMergeProposal(prepareMergeCmd(source, lopsided))
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "peers")
}
