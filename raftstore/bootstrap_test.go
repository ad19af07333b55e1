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
	"github.com/stretchr/testify/require"
)

func TestBootstrapStore(t *testing.T) {
	engines := newTestEngines(t)
	defer cleanUpTestEngineData(engines)

	require.Nil(t, BootstrapStore(engines, 1, 1))
	// A store must not be bootstrapped twice.
	require.NotNil(t, BootstrapStore(engines, 1, 1))

	ident := new(rspb.StoreIdent)
	require.Nil(t, getMsg(engines.kv, storeIdentKey, ident))
	require.Equal(t, uint64(1), ident.ClusterId)
	require.Equal(t, uint64(1), ident.StoreId)

	region, err := PrepareBootstrap(engines, 1, 1, 1)
	require.Nil(t, err)
	require.Len(t, region.Peers, 1)
	require.Equal(t, InitEpochVer, region.RegionEpoch.Version)
	require.Equal(t, InitEpochConfVer, region.RegionEpoch.ConfVer)

	staged := new(rspb.RegionLocalState)
	require.Nil(t, getMsg(engines.kv, prepareBootstrapKey, staged))
	regionLocalState := new(rspb.RegionLocalState)
	require.Nil(t, getMsg(engines.kv, RegionStateKey(1), regionLocalState))
	require.Equal(t, rspb.PeerState_Normal, regionLocalState.State)

	val, err := getValue(engines.kv, ApplyStateKey(1))
	require.Nil(t, err)
	var raftApplyState applyState
	raftApplyState.Unmarshal(val)
	require.Equal(t, uint64(RaftInitLogIndex), raftApplyState.appliedIndex)
	require.Equal(t, uint64(RaftInitLogTerm), raftApplyState.truncatedTerm)

	val, err = getValue(engines.raft, RaftStateKey(1))
	require.Nil(t, err)
	var raftLocalState raftState
	raftLocalState.Unmarshal(val)
	require.Equal(t, uint64(RaftInitLogIndex), raftLocalState.lastIndex)

	require.Nil(t, ClearPrepareBootstrapState(engines))
	_, err = getValue(engines.kv, prepareBootstrapKey)
	require.NotNil(t, err)

	require.Nil(t, ClearPrepareBootstrap(engines, 1))
	_, err = getValue(engines.kv, RegionStateKey(1))
	require.NotNil(t, err)
	_, err = getValue(engines.raft, RaftStateKey(1))
	require.NotNil(t, err)
}
