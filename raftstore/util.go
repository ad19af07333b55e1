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
	"bytes"
	"fmt"

	"github.com/golang/protobuf/proto"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
)

const InvalidID uint64 = 0

// RaftInvalidIndex is the placeholder index in messages that carry no index.
const RaftInvalidIndex uint64 = 0

func findPeer(region *metapb.Region, storeID uint64) *metapb.Peer {
	for _, peer := range region.Peers {
		if peer.StoreId == storeID {
			return peer
		}
	}
	return nil
}

func removePeer(region *metapb.Region, storeID uint64) *metapb.Peer {
	for i, peer := range region.Peers {
		if peer.StoreId == storeID {
			region.Peers = append(region.Peers[:i], region.Peers[i+1:]...)
			return peer
		}
	}
	return nil
}

func isVoteMessage(msg *eraftpb.Message) bool {
	tp := msg.GetMsgType()
	return tp == eraftpb.MessageType_MsgRequestVote || tp == eraftpb.MessageType_MsgRequestPreVote
}

// isFirstVoteMessage checks if the message is the first vote message of a
// newly split peer. The peer's initial vote happens one tick after the
// randomized election timeout elapses, so the term equals the minimum
// possible campaign term.
func isFirstVoteMessage(msg *eraftpb.Message) bool {
	return isVoteMessage(msg) && msg.Term == RaftInitLogTerm+1
}

func regionIDToBytes(id uint64) []byte {
	return []byte(fmt.Sprintf("%d", id))
}

// isEpochStale returns true when epoch lags behind checkEpoch.
func isEpochStale(epoch *metapb.RegionEpoch, checkEpoch *metapb.RegionEpoch) bool {
	return epoch.Version < checkEpoch.Version || epoch.ConfVer < checkEpoch.ConfVer
}

// IsEpochStale is the exported form used by tests and the pd runner.
func IsEpochStale(epoch *metapb.RegionEpoch, checkEpoch *metapb.RegionEpoch) bool {
	return isEpochStale(epoch, checkEpoch)
}

func checkKeyInRegion(key []byte, region *metapb.Region) error {
	if bytes.Compare(key, region.StartKey) >= 0 &&
		(len(region.EndKey) == 0 || bytes.Compare(key, region.EndKey) < 0) {
		return nil
	}
	return &ErrKeyNotInRegion{Key: key, Region: region}
}

func checkKeyInRegionExclusive(key []byte, region *metapb.Region) error {
	if bytes.Compare(region.StartKey, key) < 0 &&
		(len(region.EndKey) == 0 || bytes.Compare(key, region.EndKey) < 0) {
		return nil
	}
	return &ErrKeyNotInRegion{Key: key, Region: region}
}

func checkKeyInRegionInclusive(key []byte, region *metapb.Region) error {
	if bytes.Compare(key, region.StartKey) >= 0 &&
		(len(region.EndKey) == 0 || bytes.Compare(key, region.EndKey) <= 0) {
		return nil
	}
	return &ErrKeyNotInRegion{Key: key, Region: region}
}

// An admin command that changes neither version nor conf version is safe to
// apply with a slightly stale epoch, everything else is fenced.
type requestEpochChecker struct {
	checkVer     bool
	checkConfVer bool
}

var epochCheckers = map[raft_cmdpb.AdminCmdType]requestEpochChecker{
	raft_cmdpb.AdminCmdType_CompactLog:     {},
	raft_cmdpb.AdminCmdType_InvalidAdmin:   {},
	raft_cmdpb.AdminCmdType_ComputeHash:    {},
	raft_cmdpb.AdminCmdType_VerifyHash:     {},
	raft_cmdpb.AdminCmdType_ChangePeer:     {checkConfVer: true},
	raft_cmdpb.AdminCmdType_Split:          {checkVer: true},
	raft_cmdpb.AdminCmdType_BatchSplit:     {checkVer: true},
	raft_cmdpb.AdminCmdType_PrepareMerge:   {checkVer: true, checkConfVer: true},
	raft_cmdpb.AdminCmdType_CommitMerge:    {checkVer: true},
	raft_cmdpb.AdminCmdType_RollbackMerge:  {checkVer: true},
	raft_cmdpb.AdminCmdType_TransferLeader: {checkVer: true, checkConfVer: true},
}

// checkRegionEpoch rejects requests whose epoch lags the current region
// epoch. This fence, applied again at apply time, is what arbitrates
// conflicting admin commands racing in the log.
func checkRegionEpoch(req *raft_cmdpb.RaftCmdRequest, region *metapb.Region, includeRegion bool) error {
	checkVer, checkConfVer := false, false
	if req.AdminRequest == nil {
		// for normal write requests.
		checkVer = true
	} else {
		checker, ok := epochCheckers[req.AdminRequest.CmdType]
		if !ok {
			return errors.Errorf("unknown admin cmd type %v", req.AdminRequest.CmdType)
		}
		checkVer = checker.checkVer
		checkConfVer = checker.checkConfVer
	}
	if !checkVer && !checkConfVer {
		return nil
	}
	if req.Header == nil {
		return errors.Errorf("missing header!")
	}
	if req.Header.RegionEpoch == nil {
		return errors.Errorf("missing epoch!")
	}
	fromEpoch := req.Header.RegionEpoch
	currentEpoch := region.RegionEpoch
	if (checkConfVer && fromEpoch.ConfVer < currentEpoch.ConfVer) ||
		(checkVer && fromEpoch.Version < currentEpoch.Version) {
		err := &ErrEpochNotMatch{}
		err.Message = fmt.Sprintf("current epoch of region %d is %s, but you sent %s",
			region.Id, currentEpoch, fromEpoch)
		if includeRegion {
			err.Regions = []*metapb.Region{region}
		}
		return err
	}
	return nil
}

func checkStoreID(req *raft_cmdpb.RaftCmdRequest, storeID uint64) error {
	peer := req.Header.Peer
	if peer.StoreId == storeID {
		return nil
	}
	return &ErrStoreNotMatch{RequestStoreID: peer.StoreId, ActualStoreID: storeID}
}

func checkTerm(req *raft_cmdpb.RaftCmdRequest, term uint64) error {
	header := req.Header
	if header.Term == 0 || term <= header.Term+1 {
		return nil
	}
	// If header's term is 2 verions behind current term,
	// leadership may have been changed away.
	return &ErrStaleCommand{}
}

func checkPeerID(req *raft_cmdpb.RaftCmdRequest, peerID uint64) error {
	peer := req.Header.Peer
	if peer.Id == peerID {
		return nil
	}
	return errors.Errorf("mismatch peer id %d != %d", peer.Id, peerID)
}

func cloneMsg(origin, cloned proto.Message) error {
	data, err := proto.Marshal(origin)
	if err != nil {
		return errors.WithStack(err)
	}
	return proto.Unmarshal(data, cloned)
}

// PeerEqual returns true when id, store id and role all match.
func PeerEqual(l, r *metapb.Peer) bool {
	return l.Id == r.Id && l.StoreId == r.StoreId && l.Role == r.Role
}

// RegionEqual returns true when id, epoch and boundaries all match.
func RegionEqual(l, r *metapb.Region) bool {
	if l == nil || r == nil {
		return false
	}
	return l.Id == r.Id && l.RegionEpoch.Version == r.RegionEpoch.Version &&
		l.RegionEpoch.ConfVer == r.RegionEpoch.ConfVer &&
		bytes.Equal(l.StartKey, r.StartKey) && bytes.Equal(l.EndKey, r.EndKey)
}

// regionsAdjacent returns whether the two regions share one boundary.
func regionsAdjacent(left, right *metapb.Region) bool {
	return bytes.Equal(left.EndKey, right.StartKey) || bytes.Equal(right.EndKey, left.StartKey)
}

func newAdminRequest(regionID uint64, peer *metapb.Peer) *raft_cmdpb.RaftCmdRequest {
	return &raft_cmdpb.RaftCmdRequest{
		Header: &raft_cmdpb.RaftRequestHeader{
			RegionId: regionID,
			Peer:     peer,
		},
	}
}
