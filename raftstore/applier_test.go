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
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/atomic"
)

func newTestApplier(region *metapb.Region) *applier {
	return newApplier(&registration{
		id:     region.Peers[0].Id,
		region: region,
	})
}

func newTestApplyContext(engines *Engines) *applyContext {
	router := newRouter(make(chan Msg, 16), nil)
	return newApplyContext("test", nil, engines, make(chan Msg, 16), router)
}

func mergeTestRegion(id uint64, startKey, endKey string, version uint64) *metapb.Region {
	return &metapb.Region{
		Id:          id,
		StartKey:    []byte(startKey),
		EndKey:      []byte(endKey),
		RegionEpoch: &metapb.RegionEpoch{Version: version, ConfVer: 1},
		Peers:       []*metapb.Peer{{Id: id * 10, StoreId: 1}},
	}
}

func TestExecPrepareMerge(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	source := mergeTestRegion(1, "b", "c", 2)
	target := mergeTestRegion(2, "a", "b", 2)
	a := newTestApplier(source)
	aCtx := newTestApplyContext(engines)
	aCtx.execCtx = &applyExecContext{
		index:      11,
		term:       6,
		applyState: applyState{appliedIndex: 10, truncatedIndex: 5, truncatedTerm: 5},
	}

	req := &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_PrepareMerge,
		PrepareMerge: &raft_cmdpb.PrepareMergeRequest{
			MinIndex: 8,
			Target:   target,
		},
	}
	resp, result, err := a.execPrepareMerge(aCtx, req)
	require.Nil(t, err)
	require.NotNil(t, resp.PrepareMerge)
	require.Equal(t, applyResultTypeExecResult, result.tp)

	prepareMerge := result.data.(*execResultPrepareMerge)
	// The epoch moves forward so any command proposed before the merge is
	// fenced out.
	assert.Equal(t, uint64(3), prepareMerge.region.RegionEpoch.Version)
	assert.Equal(t, uint64(11), prepareMerge.state.Commit)
	assert.Equal(t, uint64(8), prepareMerge.state.MinIndex)
	assert.Equal(t, target.Id, prepareMerge.state.Target.Id)
	// The applier's own descriptor is untouched until the result is consumed.
	assert.Equal(t, uint64(2), a.region.RegionEpoch.Version)

	require.Nil(t, aCtx.wb.WriteToDB(engines.kv))
	state, err := getRegionLocalState(engines.kv, source.Id)
	require.Nil(t, err)
	assert.Equal(t, rspb.PeerState_Merging, state.State)
	require.NotNil(t, state.MergeState)
	assert.Equal(t, uint64(11), state.MergeState.Commit)
}

func TestExecPrepareMergeCompactedLogs(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	source := mergeTestRegion(1, "b", "c", 2)
	a := newTestApplier(source)
	aCtx := newTestApplyContext(engines)
	// min_index points below the first kept log entry, the precondition was
	// violated and the applier must not continue.
	aCtx.execCtx = &applyExecContext{
		index:      11,
		term:       6,
		applyState: applyState{appliedIndex: 10, truncatedIndex: 9, truncatedTerm: 5},
	}
	req := &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_PrepareMerge,
		PrepareMerge: &raft_cmdpb.PrepareMergeRequest{
			MinIndex: 8,
			Target:   mergeTestRegion(2, "a", "b", 2),
		},
	}
	assert.Panics(t, func() {
		a.execPrepareMerge(aCtx, req)
	})
}

func TestExecCommitMergeWaitsForSource(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	target := mergeTestRegion(1, "b", "c", 2)
	source := mergeTestRegion(2, "a", "b", 3)
	// The source peer lags behind the frozen commit index.
	sourceApply := applyState{appliedIndex: 5, truncatedIndex: 5, truncatedTerm: 5}
	require.Nil(t, putValue(engines.kv, ApplyStateKey(source.Id), sourceApply.Marshal()))

	a := newTestApplier(target)
	aCtx := newTestApplyContext(engines)
	aCtx.execCtx = &applyExecContext{index: 20, term: 6}

	req := &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_CommitMerge,
		CommitMerge: &raft_cmdpb.CommitMergeRequest{
			Source: source,
			Commit: 10,
		},
	}
	resp, result, err := a.execCommitMerge(aCtx, req)
	require.Nil(t, err)
	assert.Nil(t, resp)
	require.Equal(t, applyResultTypeWaitMergeResource, result.tp)
	readyToMerge := result.data.(*atomic.Uint64)
	assert.Equal(t, uint64(0), readyToMerge.Load())
}

func TestExecCommitMerge(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	target := mergeTestRegion(1, "b", "c", 2)
	source := mergeTestRegion(2, "a", "b", 3)
	sourceApply := applyState{appliedIndex: 10, truncatedIndex: 5, truncatedTerm: 5}
	require.Nil(t, putValue(engines.kv, ApplyStateKey(source.Id), sourceApply.Marshal()))
	wb := new(WriteBatch)
	WritePeerState(wb, source, rspb.PeerState_Merging, &rspb.MergeState{
		MinIndex: 8,
		Target:   target,
		Commit:   10,
	})
	require.Nil(t, engines.WriteKV(wb))

	a := newTestApplier(target)
	aCtx := newTestApplyContext(engines)
	aCtx.execCtx = &applyExecContext{index: 20, term: 6}

	req := &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_CommitMerge,
		CommitMerge: &raft_cmdpb.CommitMergeRequest{
			Source: source,
			Commit: 10,
		},
	}
	resp, result, err := a.execCommitMerge(aCtx, req)
	require.Nil(t, err)
	require.NotNil(t, resp.CommitMerge)
	require.Equal(t, applyResultTypeExecResult, result.tp)

	commitMerge := result.data.(*execResultCommitMerge)
	merged := commitMerge.region
	// The target swallows the source range.
	assert.Equal(t, []byte("a"), merged.StartKey)
	assert.Equal(t, []byte("c"), merged.EndKey)
	// New version is the max of both plus one, so it dominates every epoch
	// either region ever advertised.
	assert.Equal(t, uint64(4), merged.RegionEpoch.Version)

	require.Nil(t, aCtx.wb.WriteToDB(engines.kv))
	targetState, err := getRegionLocalState(engines.kv, target.Id)
	require.Nil(t, err)
	assert.Equal(t, rspb.PeerState_Normal, targetState.State)
	assert.Equal(t, uint64(4), targetState.Region.RegionEpoch.Version)
	sourceState, err := getRegionLocalState(engines.kv, source.Id)
	require.Nil(t, err)
	assert.Equal(t, rspb.PeerState_Tombstone, sourceState.State)
}

func TestExecRollbackMerge(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	region := mergeTestRegion(1, "b", "c", 3)
	wb := new(WriteBatch)
	WritePeerState(wb, region, rspb.PeerState_Merging, &rspb.MergeState{
		MinIndex: 8,
		Target:   mergeTestRegion(2, "a", "b", 2),
		Commit:   7,
	})
	require.Nil(t, engines.WriteKV(wb))

	a := newTestApplier(region)
	aCtx := newTestApplyContext(engines)
	aCtx.execCtx = &applyExecContext{index: 15, term: 6}

	req := &raft_cmdpb.AdminRequest{
		CmdType:       raft_cmdpb.AdminCmdType_RollbackMerge,
		RollbackMerge: &raft_cmdpb.RollbackMergeRequest{Commit: 7},
	}
	resp, result, err := a.execRollbackMerge(aCtx, req)
	require.Nil(t, err)
	require.NotNil(t, resp.RollbackMerge)
	require.Equal(t, applyResultTypeExecResult, result.tp)

	rollback := result.data.(*execResultRollbackMerge)
	assert.Equal(t, uint64(7), rollback.commit)
	assert.Equal(t, uint64(4), rollback.region.RegionEpoch.Version)

	require.Nil(t, aCtx.wb.WriteToDB(engines.kv))
	state, err := getRegionLocalState(engines.kv, region.Id)
	require.Nil(t, err)
	assert.Equal(t, rspb.PeerState_Normal, state.State)
	assert.Nil(t, state.MergeState)

	// A rollback for a different prepare must not be applied.
	assert.Panics(t, func() {
		a.execRollbackMerge(aCtx, &raft_cmdpb.AdminRequest{
			CmdType:       raft_cmdpb.AdminCmdType_RollbackMerge,
			RollbackMerge: &raft_cmdpb.RollbackMergeRequest{Commit: 9},
		})
	})
}

func TestExecCompactLog(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	region := mergeTestRegion(1, "b", "c", 2)
	a := newTestApplier(region)
	aCtx := newTestApplyContext(engines)
	aCtx.execCtx = &applyExecContext{
		index:      12,
		term:       6,
		applyState: applyState{appliedIndex: 10, truncatedIndex: 5, truncatedTerm: 5},
	}

	req := &raft_cmdpb.AdminRequest{
		CmdType:    raft_cmdpb.AdminCmdType_CompactLog,
		CompactLog: &raft_cmdpb.CompactLogRequest{CompactIndex: 8, CompactTerm: 6},
	}
	_, result, err := a.execCompactLog(aCtx, req)
	require.Nil(t, err)
	require.Equal(t, applyResultTypeExecResult, result.tp)
	compact := result.data.(*execResultCompactLog)
	assert.Equal(t, uint64(8), compact.truncatedIndex)
	assert.Equal(t, uint64(6), compact.firstIndex)
	assert.Equal(t, uint64(8), aCtx.execCtx.applyState.truncatedIndex)
	assert.Equal(t, uint64(6), aCtx.execCtx.applyState.truncatedTerm)

	// Already covered by the truncated state.
	aCtx.execCtx.applyState = applyState{appliedIndex: 10, truncatedIndex: 5, truncatedTerm: 5}
	req.CompactLog.CompactIndex = 3
	_, result, err = a.execCompactLog(aCtx, req)
	require.Nil(t, err)
	assert.Equal(t, applyResultTypeNone, result.tp)
}

func TestExecCompactLogDuringMerge(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	region := mergeTestRegion(1, "b", "c", 2)
	a := newTestApplier(region)
	// Log truncation is frozen while a merge is pending, the source peers of
	// the merge may still need to fetch these entries.
	a.isMerging = true
	aCtx := newTestApplyContext(engines)
	aCtx.execCtx = &applyExecContext{
		index:      12,
		term:       6,
		applyState: applyState{appliedIndex: 10, truncatedIndex: 5, truncatedTerm: 5},
	}

	req := &raft_cmdpb.AdminRequest{
		CmdType:    raft_cmdpb.AdminCmdType_CompactLog,
		CompactLog: &raft_cmdpb.CompactLogRequest{CompactIndex: 8, CompactTerm: 6},
	}
	_, result, err := a.execCompactLog(aCtx, req)
	require.Nil(t, err)
	assert.Equal(t, applyResultTypeNone, result.tp)
	assert.Equal(t, uint64(5), aCtx.execCtx.applyState.truncatedIndex)
}

func TestSplitGenNewRegionMetas(t *testing.T) {
	region := mergeTestRegion(1, "a", "d", 2)
	a := newTestApplier(region)

	splits := &raft_cmdpb.BatchSplitRequest{
		RightDerive: true,
		Requests: []*raft_cmdpb.SplitRequest{
			{SplitKey: []byte("b"), NewRegionId: 2, NewPeerIds: []uint64{20}},
			{SplitKey: []byte("c"), NewRegionId: 3, NewPeerIds: []uint64{30}},
		},
	}
	derived, regions, err := a.splitGenNewRegionMetas(splits)
	require.Nil(t, err)
	require.Len(t, regions, 3)
	// Each split bumps the version once.
	assert.Equal(t, uint64(4), derived.RegionEpoch.Version)
	assert.Equal(t, region.Id, derived.Id)
	assert.Equal(t, []byte("c"), derived.StartKey)
	assert.Equal(t, []byte("b"), regions[0].EndKey)
	assert.Equal(t, uint64(2), regions[0].Id)
	assert.Equal(t, uint64(20), regions[0].Peers[0].Id)

	// Split keys must ascend.
	splits.Requests = []*raft_cmdpb.SplitRequest{
		{SplitKey: []byte("c"), NewRegionId: 4, NewPeerIds: []uint64{40}},
		{SplitKey: []byte("b"), NewRegionId: 5, NewPeerIds: []uint64{50}},
	}
	_, _, err = a.splitGenNewRegionMetas(splits)
	assert.NotNil(t, err)

	// A split key outside of the region is rejected.
	splits.Requests = []*raft_cmdpb.SplitRequest{
		{SplitKey: []byte("x"), NewRegionId: 6, NewPeerIds: []uint64{60}},
	}
	_, _, err = a.splitGenNewRegionMetas(splits)
	assert.NotNil(t, err)
}

// The epoch version accumulates one step per split, prepare and rollback, so
// a split, an aborted merge and a second merge attempt read 3, 4 and 6.
func TestMergeVersionArithmetic(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	target := mergeTestRegion(9, "x", "", 1)
	a := newTestApplier(mergeTestRegion(1, "", "x", 1))
	aCtx := newTestApplyContext(engines)

	split := func(key string, newRegionID uint64) {
		req := &raft_cmdpb.AdminRequest{
			CmdType: raft_cmdpb.AdminCmdType_BatchSplit,
			Splits: &raft_cmdpb.BatchSplitRequest{
				RightDerive: true,
				Requests: []*raft_cmdpb.SplitRequest{{
					SplitKey:    []byte(key),
					NewRegionId: newRegionID,
					NewPeerIds:  []uint64{newRegionID * 10},
				}},
			},
		}
		_, result, err := a.execBatchSplit(aCtx, req)
		require.Nil(t, err)
		a.region = result.data.(*execResultSplitRegion).derived
	}
	prepare := func(index uint64) {
		aCtx.execCtx = &applyExecContext{
			index:      index,
			term:       6,
			applyState: applyState{appliedIndex: index - 1, truncatedIndex: 5, truncatedTerm: 5},
		}
		req := &raft_cmdpb.AdminRequest{
			CmdType: raft_cmdpb.AdminCmdType_PrepareMerge,
			PrepareMerge: &raft_cmdpb.PrepareMergeRequest{
				MinIndex: index - 2,
				Target:   target,
			},
		}
		_, result, err := a.execPrepareMerge(aCtx, req)
		require.Nil(t, err)
		require.Nil(t, aCtx.wb.WriteToDB(engines.kv))
		aCtx.wb = new(WriteBatch)
		a.region = result.data.(*execResultPrepareMerge).region
	}
	rollback := func(commit uint64) {
		req := &raft_cmdpb.AdminRequest{
			CmdType: raft_cmdpb.AdminCmdType_RollbackMerge,
			RollbackMerge: &raft_cmdpb.RollbackMergeRequest{Commit: commit},
		}
		_, result, err := a.execRollbackMerge(aCtx, req)
		require.Nil(t, err)
		require.Nil(t, aCtx.wb.WriteToDB(engines.kv))
		aCtx.wb = new(WriteBatch)
		a.region = result.data.(*execResultRollbackMerge).region
	}

	split("f", 2)
	prepare(11)
	assert.Equal(t, uint64(3), a.region.RegionEpoch.Version)

	rollback(11)
	assert.Equal(t, uint64(4), a.region.RegionEpoch.Version)

	split("p", 3)
	prepare(21)
	assert.Equal(t, uint64(6), a.region.RegionEpoch.Version)
}
