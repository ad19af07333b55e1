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

	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	"github.com/stretchr/testify/assert"
)

func TestGetSyncLogFromRequest(t *testing.T) {
	allTypes := map[raft_cmdpb.AdminCmdType]bool{
		raft_cmdpb.AdminCmdType_InvalidAdmin:   false,
		raft_cmdpb.AdminCmdType_ChangePeer:     true,
		raft_cmdpb.AdminCmdType_Split:          true,
		raft_cmdpb.AdminCmdType_CompactLog:     false,
		raft_cmdpb.AdminCmdType_TransferLeader: false,
		raft_cmdpb.AdminCmdType_ComputeHash:    false,
		raft_cmdpb.AdminCmdType_VerifyHash:     false,
		raft_cmdpb.AdminCmdType_PrepareMerge:   true,
		raft_cmdpb.AdminCmdType_CommitMerge:    true,
		raft_cmdpb.AdminCmdType_RollbackMerge:  true,
		raft_cmdpb.AdminCmdType_BatchSplit:     true,
	}

	for tp, sync := range allTypes {
		req := new(raft_cmdpb.RaftCmdRequest)
		req.Header = new(raft_cmdpb.RaftRequestHeader)
		req.AdminRequest = new(raft_cmdpb.AdminRequest)
		req.AdminRequest.CmdType = tp

		assert.Equal(t, getSyncLogFromRequest(req), sync)
	}
}

func TestIsUrgentRequest(t *testing.T) {
	allTypes := map[raft_cmdpb.AdminCmdType]bool{
		raft_cmdpb.AdminCmdType_InvalidAdmin:   false,
		raft_cmdpb.AdminCmdType_ChangePeer:     true,
		raft_cmdpb.AdminCmdType_Split:          true,
		raft_cmdpb.AdminCmdType_CompactLog:     false,
		raft_cmdpb.AdminCmdType_TransferLeader: false,
		raft_cmdpb.AdminCmdType_ComputeHash:    true,
		raft_cmdpb.AdminCmdType_VerifyHash:     true,
		raft_cmdpb.AdminCmdType_PrepareMerge:   true,
		raft_cmdpb.AdminCmdType_CommitMerge:    true,
		raft_cmdpb.AdminCmdType_RollbackMerge:  true,
		raft_cmdpb.AdminCmdType_BatchSplit:     true,
	}
	for tp, isUrgent := range allTypes {
		req := new(raft_cmdpb.RaftCmdRequest)
		req.AdminRequest = new(raft_cmdpb.AdminRequest)
		req.AdminRequest.CmdType = tp

		assert.Equal(t, IsUrgentRequest(req), isUrgent)
	}
	assert.Equal(t, IsUrgentRequest(new(raft_cmdpb.RaftCmdRequest)), false)
}

func TestEntryCtx(t *testing.T) {
	tbl := [][]ProposalContext{
		{ProposalContextSplit},
		{ProposalContextSyncLog},
		{ProposalContextPrepareMerge},
		{ProposalContextSplit, ProposalContextSyncLog},
		{ProposalContextPrepareMerge, ProposalContextSyncLog},
	}
	for _, flags := range tbl {
		var ctx ProposalContext
		for _, f := range flags {
			ctx.insert(f)
		}

		ser := ctx.ToBytes()
		de := NewProposalContextFromBytes(ser)

		for _, f := range flags {
			assert.True(t, de.contains(f))
		}
	}
	assert.Nil(t, NewProposalContextFromBytes(nil))
}

func TestRequestInspector(t *testing.T) {
	p := new(Peer)

	req := new(raft_cmdpb.RaftCmdRequest)
	req.AdminRequest = new(raft_cmdpb.AdminRequest)
	policy, err := p.inspect(req)
	assert.Nil(t, err)
	assert.Equal(t, RequestPolicyProposeNormal, policy)

	req = new(raft_cmdpb.RaftCmdRequest)
	req.AdminRequest = &raft_cmdpb.AdminRequest{ChangePeer: new(raft_cmdpb.ChangePeerRequest)}
	policy, err = p.inspect(req)
	assert.Nil(t, err)
	assert.Equal(t, RequestPolicyProposeConfChange, policy)

	req = new(raft_cmdpb.RaftCmdRequest)
	req.AdminRequest = &raft_cmdpb.AdminRequest{TransferLeader: new(raft_cmdpb.TransferLeaderRequest)}
	policy, err = p.inspect(req)
	assert.Nil(t, err)
	assert.Equal(t, RequestPolicyProposeTransferLeader, policy)

	for _, tp := range []raft_cmdpb.CmdType{raft_cmdpb.CmdType_Get, raft_cmdpb.CmdType_Snap,
		raft_cmdpb.CmdType_Put, raft_cmdpb.CmdType_Delete, raft_cmdpb.CmdType_DeleteRange} {
		req = new(raft_cmdpb.RaftCmdRequest)
		req.Requests = []*raft_cmdpb.Request{{CmdType: tp}}
		policy, err = p.inspect(req)
		assert.Nil(t, err)
		assert.Equal(t, RequestPolicyProposeNormal, policy)
	}

	for _, tp := range []raft_cmdpb.CmdType{raft_cmdpb.CmdType_Prewrite, raft_cmdpb.CmdType_Invalid,
		raft_cmdpb.CmdType_IngestSST} {
		req = new(raft_cmdpb.RaftCmdRequest)
		req.Requests = []*raft_cmdpb.Request{{CmdType: tp}}
		_, err = p.inspect(req)
		assert.NotNil(t, err)
	}
}
