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
	"math"
	"time"

	"github.com/pingcap/badger"
	"github.com/pingcap/badger/y"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"github.com/zhangjinpeng1987/raft"
)

type peerFsm struct {
	peer     *Peer
	stopped  bool
	hasReady bool
	ticker   *ticker
}

type PeerEventContext struct {
	PeerId   uint64
	RegionId uint64
}

type PeerEventObserver interface {
	// OnPeerCreate will be invoked when there is a new peer created.
	OnPeerCreate(ctx *PeerEventContext, region *metapb.Region)
	// OnPeerApplySnap will be invoked when there is a replicate peer's snapshot applied.
	OnPeerApplySnap(ctx *PeerEventContext, region *metapb.Region)
	// OnPeerDestroy will be invoked when a peer is destroyed.
	OnPeerDestroy(ctx *PeerEventContext)
	// OnSplitRegion will be invoked when region split into new regions with corresponding peers.
	OnSplitRegion(derived *metapb.Region, regions []*metapb.Region, peers []*PeerEventContext)
	// OnRegionConfChange will be invoked after conf change updated region's epoch.
	OnRegionConfChange(ctx *PeerEventContext, epoch *metapb.RegionEpoch)
	// OnRoleChange will be invoked after peer state has changed
	OnRoleChange(regionId uint64, newState raft.StateType)
}

// If we create the peer actively, like bootstrap/split/merge region, we should
// use this function to create the peer. The region must contain the peer info
// for this store.
func createPeerFsm(storeID uint64, cfg *Config, sched chan<- task,
	engines *Engines, region *metapb.Region) (*peerFsm, error) {
	metaPeer := findPeer(region, storeID)
	if metaPeer == nil {
		return nil, errors.Errorf("find no peer for store %d in region %v", storeID, region)
	}
	log.S().Infof("region %d:%d create peer with ID %d", region.Id, region.RegionEpoch.Version, metaPeer.Id)
	peer, err := NewPeer(storeID, cfg, engines, region, sched, metaPeer)
	if err != nil {
		return nil, err
	}
	return &peerFsm{
		peer:   peer,
		ticker: newTicker(region.GetId(), cfg),
	}, nil
}

// The peer can be created from another node with raft membership changes, and we only
// know the region_id and peer_id when creating this replicated peer, the region info
// will be retrieved later after applying snapshot.
func replicatePeerFsm(storeID uint64, cfg *Config, sched chan<- task,
	engines *Engines, regionID uint64, metaPeer *metapb.Peer) (*peerFsm, error) {
	// We will remove tombstone key when apply snapshot
	log.S().Infof("[region %v] replicates peer with ID %d", regionID, metaPeer.GetId())
	region := &metapb.Region{
		Id:          regionID,
		RegionEpoch: &metapb.RegionEpoch{},
	}
	peer, err := NewPeer(storeID, cfg, engines, region, sched, metaPeer)
	if err != nil {
		return nil, err
	}
	return &peerFsm{
		peer:   peer,
		ticker: newTicker(regionID, cfg),
	}, nil
}

func (pf *peerFsm) regionID() uint64 {
	return pf.peer.regionId
}

func (pf *peerFsm) region() *metapb.Region {
	return pf.peer.Store().Region()
}

func (pf *peerFsm) getPeer() *Peer {
	return pf.peer
}

func (pf *peerFsm) storeID() uint64 {
	return pf.peer.Meta.StoreId
}

func (pf *peerFsm) peerID() uint64 {
	return pf.peer.Meta.Id
}

func (pf *peerFsm) stop() {
	pf.stopped = true
}

func (pf *peerFsm) tag() string {
	return pf.peer.Tag
}

type peerMsgHandler struct {
	*peerFsm
	ctx *PollContext
}

func newPeerMsgHandler(fsm *peerFsm, ctx *PollContext) *peerMsgHandler {
	return &peerMsgHandler{
		peerFsm: fsm,
		ctx:     ctx,
	}
}

func (d *peerMsgHandler) HandleMsgs(msgs ...Msg) {
	for _, msg := range msgs {
		switch msg.Type {
		case MsgTypeRaftMessage:
			raftMsg := msg.Data.(*rspb.RaftMessage)
			if err := d.onRaftMsg(raftMsg); err != nil {
				log.S().Errorf("%s handle raft message error %v", d.peer.Tag, err)
			}
		case MsgTypeRaftCmd:
			raftCMD := msg.Data.(*MsgRaftCmd)
			d.proposeRaftCommand(raftCMD.Request, raftCMD.Callback)
		case MsgTypeTick:
			d.onTick()
		case MsgTypeApplyRes:
			d.onApplyResult(msg.Data.(*applyTaskRes))
		case MsgTypeSignificantMsg:
			d.onSignificantMsg(msg.Data.(*MsgSignificant))
		case MsgTypeSplitRegion:
			split := msg.Data.(*MsgSplitRegion)
			log.S().Infof("%s on split with %v", d.peer.Tag, split.SplitKeys)
			d.onPrepareSplitRegion(split.RegionEpoch, split.SplitKeys, split.Callback)
		case MsgTypeRegionApproximateSize:
			d.onApproximateRegionSize(msg.Data.(uint64))
		case MsgTypeHalfSplitRegion:
			half := msg.Data.(*MsgHalfSplitRegion)
			d.onScheduleHalfSplitRegion(half.RegionEpoch)
		case MsgTypeMergeResult:
			result := msg.Data.(*MsgMergeResult)
			d.onMergeResult(result.TargetPeer, result.Stale)
		case MsgTypeClearRegionSize:
			d.onClearRegionSize()
		case MsgTypeStart:
			d.startTicker()
		case MsgTypeApplyCatchUpLogs:
			d.onCatchUpLogs(msg.Data.(*catchUpLogs))
		case MsgTypeApplyLogsUpToDate:
			// Forward the resume signal from a merge source applier to ours.
			d.ctx.applyMsgs.appendMsg(d.regionID(), msg)
		case MsgTypeNoop:
		}
	}
}

func (d *peerMsgHandler) onTick() {
	if d.stopped {
		return
	}
	d.ticker.tickClock()
	if d.ticker.isOnTick(PeerTickRaft) {
		d.onRaftBaseTick()
	}
	if d.ticker.isOnTick(PeerTickRaftLogGC) {
		d.onRaftGCLogTick()
	}
	if d.ticker.isOnTick(PeerTickPdHeartbeat) {
		d.onPDHeartbeatTick()
	}
	if d.ticker.isOnTick(PeerTickSplitRegionCheck) {
		d.onSplitRegionCheckTick()
	}
	if d.ticker.isOnTick(PeerTickCheckMerge) {
		d.onCheckMerge()
	}
	if d.ticker.isOnTick(PeerTickPeerStaleState) {
		d.onCheckPeerStaleStateTick()
	}
}

func (d *peerMsgHandler) startTicker() {
	d.ticker = newTicker(d.regionID(), d.ctx.cfg)
	d.ticker.schedule(PeerTickRaft)
	d.ticker.schedule(PeerTickRaftLogGC)
	d.ticker.schedule(PeerTickSplitRegionCheck)
	d.ticker.schedule(PeerTickPdHeartbeat)
	d.ticker.schedule(PeerTickPeerStaleState)
	if d.peer.PendingMergeState != nil {
		// This peer was restarted in the middle of a merge, re-validate the
		// recorded intent before moving on.
		d.notifyPrepareMerge()
		d.ticker.schedule(PeerTickCheckMerge)
		d.onCheckMerge()
	}
}

// notifyPrepareMerge re-registers a persisted merge intent into the in-memory
// store meta after restart, so snapshot overlap checks keep working.
func (d *peerMsgHandler) notifyPrepareMerge() {
	state := d.peer.PendingMergeState
	d.ctx.storeMetaLock.Lock()
	defer d.ctx.storeMetaLock.Unlock()
	d.ctx.storeMeta.registerMergeSource(state.Target.Id, d.regionID(), d.region().RegionEpoch)
}

func (d *peerMsgHandler) handleRaftReadyAppend() {
	if !d.hasReady || d.stopped {
		return
	}
	d.hasReady = false
	if p := d.peer.TakeApplyProposals(); p != nil {
		d.ctx.applyMsgs.appendMsg(p.RegionId, Msg{Type: MsgTypeApplyProposal, Data: p})
	}
	res := d.peer.HandleRaftReadyAppend(d.ctx)
	if res != nil {
		d.ctx.ReadyRes = append(d.ctx.ReadyRes, res)
	}
}

func (d *peerMsgHandler) postRaftReadyPersistent(ready *raft.Ready, invokeCtx *InvokeContext) {
	res := d.peer.PostRaftReadyPersistent(d.ctx, ready, invokeCtx)
	d.peer.HandleRaftReadyApply(d.ctx.applyMsgs, ready)
	if res != nil {
		d.onReadyApplySnapshot(res)
		if d.peer.PendingMergeState != nil {
			// A newer snapshot supersedes the merge, roll it back implicitly.
			d.onReadyRollbackMerge(0, nil)
		}
	}
}

func (d *peerMsgHandler) onRaftBaseTick() {
	if d.peer.PendingRemove {
		return
	}
	// When having pending snapshot, if election timeout is met, it can't pass
	// the pending conf change check because first index has been updated to
	// a value that is larger than last index.
	if d.peer.IsApplyingSnapshot() || d.peer.HasPendingSnapshot() {
		// need to check if snapshot is applied.
		d.hasReady = true
		d.ticker.schedule(PeerTickRaft)
		return
	}
	d.peer.RaftGroup.Tick()
	d.hasReady = d.peer.RaftGroup.HasReady()
	d.ticker.schedule(PeerTickRaft)
}

func (d *peerMsgHandler) onSignificantMsg(msg *MsgSignificant) {
	switch msg.Type {
	case MsgSignificantTypeStatus:
		d.peer.RaftGroup.ReportSnapshot(msg.ToPeerID, msg.SnapshotStatus)
	case MsgSignificantTypeUnreachable:
		d.peer.RaftGroup.ReportUnreachable(msg.ToPeerID)
	}
	d.hasReady = true
}

func (d *peerMsgHandler) onApplyResult(res *applyTaskRes) {
	if res.destroyPeerID != 0 {
		y.AssertTruef(res.destroyPeerID == d.peerID(), "region %d:%d peer %d, destroy wrong peer %d",
			d.regionID(), d.region().RegionEpoch.Version, d.peerID(), res.destroyPeerID)
		d.destroyPeer(res.merged)
		return
	}
	d.onReadyResult(res.merged, res.execResults)
	if d.stopped {
		return
	}
	if d.peer.PostApply(res.applyState, res.appliedIndexTerm, res.merged, res.metrics) {
		d.hasReady = true
	}
}

func (d *peerMsgHandler) onRaftMsg(msg *rspb.RaftMessage) error {
	if !d.validateRaftMessage(msg) {
		return nil
	}
	if d.peer.PendingRemove || d.stopped {
		return nil
	}
	if msg.GetIsTombstone() {
		// we receive a message tells us to remove self.
		d.handleGCPeerMsg(msg)
		return nil
	}
	if msg.MergeTarget != nil {
		need, err := d.needGCMerge(msg)
		if err != nil {
			return err
		}
		if need {
			d.onStaleMerge()
		}
		return nil
	}
	if d.checkMessage(msg) {
		return nil
	}
	ok, err := d.checkSnapshot(msg)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	d.peer.insertPeerCache(msg.GetFromPeer())
	err = d.peer.Step(msg.GetMessage())
	if err != nil {
		return err
	}
	if d.peer.AnyNewPeerCatchUp(msg.FromPeer.Id) {
		d.peer.HeartbeatPd(d.ctx)
	}
	d.hasReady = true
	return nil
}

// return false means the message is invalid, and can be ignored.
func (d *peerMsgHandler) validateRaftMessage(msg *rspb.RaftMessage) bool {
	regionID := msg.GetRegionId()
	to := msg.GetToPeer()
	if to.GetStoreId() != d.storeID() {
		log.S().Warnf("[region %d] store not match, to store id %d, mine %d, ignore it",
			regionID, to.GetStoreId(), d.storeID())
		return false
	}
	if msg.RegionEpoch == nil {
		log.S().Errorf("[region %d] missing epoch in raft message, ignore it", regionID)
		return false
	}
	return true
}

/// Checks if the message is sent to the correct peer.
///
/// Returns true means that the message can be dropped silently.
func (d *peerMsgHandler) checkMessage(msg *rspb.RaftMessage) bool {
	fromEpoch := msg.GetRegionEpoch()
	isVoteMsg := isVoteMessage(msg.Message)
	fromStoreID := msg.FromPeer.GetStoreId()

	// Let's consider following cases with three nodes [1, 2, 3] and 1 is leader:
	// a. 1 removes 2, 2 may still send MsgAppendResponse to 1.
	//  We should ignore this stale message and let 2 remove itself after
	//  applying the ConfChange log.
	// b. 2 is isolated, 1 removes 2. When 2 rejoins the cluster, 2 will
	//  send stale MsgRequestVote to 1 and 3, at this time, we should tell 2 to gc itself.
	// c. 2 is isolated but can communicate with 3. 1 removes 3.
	//  2 will send stale MsgRequestVote to 3, 3 should ignore this message.
	// d. 2 is isolated but can communicate with 3. 1 removes 2, then adds 4, remove 3.
	//  2 will send stale MsgRequestVote to 3, 3 should tell 2 to gc itself.
	// e. 2 is isolated. 1 adds 4, 5, 6, removes 3, 1. Now assume 4 is leader.
	//  After 2 rejoins the cluster, 2 may send stale MsgRequestVote to 1 and 3,
	//  1 and 3 will ignore this message. Later 4 will send messages to 2 and 2 will
	//  rejoin the raft group again.
	// f. 2 is isolated. 1 adds 4, 5, 6, removes 3, 1. Now assume 4 is leader, and 4 removes 2.
	//  unlike case e, 2 will be stale forever.
	region := d.peer.Region()
	if IsEpochStale(fromEpoch, region.RegionEpoch) && findPeer(region, fromStoreID) == nil {
		// The message is stale and not in current region.
		handleStaleMsg(d.ctx.trans, msg, region.RegionEpoch, isVoteMsg, nil)
		return true
	}
	target := msg.GetToPeer()
	if target.Id < d.peerID() {
		log.S().Infof("%s target peer ID %d is less than %d, msg maybe stale", d.tag(), target.Id, d.peerID())
		return true
	} else if target.Id > d.peerID() {
		if job := d.peer.MaybeDestroy(); job != nil {
			log.S().Infof("%s is stale as received a larger peer %s, destroying", d.tag(), target)
			if d.handleDestroyPeer(job) {
				storeMsg := NewMsg(MsgTypeStoreRaftMessage, msg)
				d.ctx.router.sendStore(storeMsg)
			}
		}
		return true
	}
	return false
}

func handleStaleMsg(trans Transport, msg *rspb.RaftMessage, curEpoch *metapb.RegionEpoch,
	needGC bool, targetRegion *metapb.Region) {
	regionID := msg.RegionId
	fromPeer := msg.FromPeer
	toPeer := msg.ToPeer
	msgType := msg.Message.GetMsgType()

	if !needGC {
		log.S().Infof("[region %d] raft message %s is stale, current %v ignore it",
			regionID, msgType, curEpoch)
		return
	}
	gcMsg := &rspb.RaftMessage{
		RegionId:    regionID,
		FromPeer:    fromPeer,
		ToPeer:      toPeer,
		RegionEpoch: curEpoch,
	}
	if targetRegion != nil {
		gcMsg.MergeTarget = targetRegion
	} else {
		gcMsg.IsTombstone = true
	}
	if err := trans.Send(gcMsg); err != nil {
		log.S().Errorf("[region %d] send gc message failed %v", regionID, err)
	}
}

// needGCMerge handles a message carrying a merge target. It indicates that the
// peers of this region on other stores are already merged into the target, so
// the local peer is stale. The target epoch is recorded and the peer can be
// removed once the local target peer has moved past the merge.
func (d *peerMsgHandler) needGCMerge(msg *rspb.RaftMessage) (bool, error) {
	mergeTarget := msg.MergeTarget
	targetRegionID := mergeTarget.Id
	log.S().Infof("%s checking target %d epoch %s in merge gc message",
		d.tag(), targetRegionID, mergeTarget.RegionEpoch)

	d.ctx.storeMetaLock.Lock()
	defer d.ctx.storeMetaLock.Unlock()
	meta := d.ctx.storeMeta
	meta.registerMergeSource(targetRegionID, d.regionID(), mergeTarget.RegionEpoch)
	if exist := meta.regions[targetRegionID]; exist != nil &&
		!isEpochStale(exist.RegionEpoch, mergeTarget.RegionEpoch) {
		// The local target peer has finished or surpassed the merge.
		return true, nil
	}
	return false, nil
}

func (d *peerMsgHandler) handleGCPeerMsg(msg *rspb.RaftMessage) {
	fromEpoch := msg.RegionEpoch
	if !IsEpochStale(d.peer.Region().RegionEpoch, fromEpoch) {
		return
	}
	if !PeerEqual(d.peer.Meta, msg.ToPeer) {
		log.S().Infof("%s receive stale gc msg, ignore", d.tag())
		return
	}
	log.S().Infof("%s peer %s receives gc message, trying to remove", d.tag(), msg.ToPeer)
	if job := d.peer.MaybeDestroy(); job != nil {
		d.handleDestroyPeer(job)
	}
}

func u64SliceContains(slice []uint64, v uint64) bool {
	for _, e := range slice {
		if e == v {
			return true
		}
	}
	return false
}

// checkSnapshot decides whether a snapshot message can be stepped into the
// raft group. Snapshots covering ranges that conflict with other regions on
// this store are dropped; for the same region only the snapshot with the
// highest epoch survives.
func (d *peerMsgHandler) checkSnapshot(msg *rspb.RaftMessage) (bool, error) {
	if msg.Message.Snapshot == nil {
		return true, nil
	}
	regionID := msg.RegionId
	snap := msg.Message.Snapshot
	snapData := new(rspb.RaftSnapshotData)
	if err := snapData.Unmarshal(snap.Data); err != nil {
		return false, err
	}
	snapRegion := snapData.Region
	peerID := msg.ToPeer.Id
	confState := snap.Metadata.ConfState
	if !u64SliceContains(confState.Voters, peerID) && !u64SliceContains(confState.Learners, peerID) {
		log.S().Infof("%s snapshot of %d doesn't contain peer %d, skip", d.tag(), regionID, peerID)
		return false, nil
	}
	var regionsToDestroy []uint64
	keep := false
	d.ctx.storeMetaLock.Lock()
	defer func() {
		d.ctx.storeMetaLock.Unlock()
		// destroy regions out of lock to avoid dead lock.
		destroyRegions(d.ctx.router, regionsToDestroy, d.getPeer().Meta)
	}()
	meta := d.ctx.storeMeta
	if !RegionEqual(meta.regions[d.regionID()], d.region()) {
		if !d.peer.isInitialized() {
			log.S().Infof("%s stale delegate detected, skip", d.tag())
			return false, nil
		}
		panic(fmt.Sprintf("%s meta corrupted %s != %s", d.tag(), meta.regions[d.regionID()], d.region()))
	}
	for _, region := range meta.pendingSnapshotRegions {
		if bytes.Compare(RawStartKey(region), RawEndKey(snapRegion)) < 0 &&
			bytes.Compare(RawStartKey(snapRegion), RawEndKey(region)) < 0 &&
			region.Id != regionID {
			log.S().Infof("%s pending snapshot of %d overlaps with %d, drop", d.tag(), region.Id, regionID)
			return false, nil
		}
	}

	// In some extreme cases, it may cause source peer destroyed improperly so that a later
	// CommitMerge may panic because source is already destroyed, so just drop the message:
	// 1. A new snapshot is received whereas a snapshot is still in applying, and the snapshot
	// under applying is generated before merge and the new snapshot is generated after merge.
	// After the applying snapshot is finished, the log may able to catch up and so a
	// CommitMerge will be applied.
	// 2. There is a CommitMerge pending in apply thread.
	ready := !d.peer.IsApplyingSnapshot() && !d.peer.HasPendingSnapshot() && d.peer.ReadyToHandlePendingSnap()

	existRegions := d.findOverlapRegions(meta, regionID, RawStartKey(snapRegion), RawEndKey(snapRegion))
	for _, existRegion := range existRegions {
		log.S().Infof("%s region overlapped %s %d", d.tag(), existRegion, regionID)
		if ready && maybeDestroySource(meta, d.regionID(), existRegion.Id, snapRegion.RegionEpoch) {
			// The snapshot that we decide to whether destroy peer based on must can be applied.
			// So here not to destroy peer immediately, or the snapshot maybe dropped in later
			// check but the peer is already destroyed.
			regionsToDestroy = append(regionsToDestroy, existRegion.Id)
			continue
		}
		return false, nil
	}
	if prev, ok := meta.pendingCrossSnap[regionID]; ok && isEpochStale(snapRegion.RegionEpoch, prev) {
		log.S().Infof("%s snapshot epoch %s is stale, a newer one %s was accepted before, drop",
			d.tag(), snapRegion.RegionEpoch, prev)
		return false, nil
	}
	meta.pendingCrossSnap[regionID] = snapRegion.RegionEpoch
	meta.pendingSnapshotRegions = append(meta.pendingSnapshotRegions, snapRegion)
	keep = true
	return keep, nil
}

func (d *peerMsgHandler) findOverlapRegions(storeMeta *storeMeta, id uint64, startKey, endKey []byte) (result []*metapb.Region) {
	storeMeta.regionTree.Iterate(startKey, endKey, func(region *metapb.Region) bool {
		if region.Id != id {
			result = append(result, region)
		}
		return true
	})
	return
}

func destroyRegions(router *router, regionIDs []uint64, targetPeer *metapb.Peer) {
	for _, id := range regionIDs {
		// The target has moved past the merge via snapshot, the source peer
		// is destroyed as if merged by target.
		_ = router.send(id, NewPeerMsg(MsgTypeMergeResult, id, &MsgMergeResult{
			TargetPeer: targetPeer,
			Stale:      false,
		}))
	}
}

func (d *peerMsgHandler) handleDestroyPeer(job *DestroyPeerJob) bool {
	if job.Initialized {
		d.ctx.applyMsgs.appendMsg(job.RegionId, NewPeerMsg(MsgTypeApplyDestroy, job.RegionId, nil))
	}
	if job.AsyncRemove {
		log.S().Infof("[region %d] %d is destroyed asynchronously", job.RegionId, job.Peer.Id)
		return false
	}
	d.destroyPeer(false)
	return true
}

func (d *peerMsgHandler) destroyPeer(mergeByTarget bool) {
	if mergeByTarget {
		skip := false
		failpoint.Inject("skipMergeSourceDestroy", func() {
			skip = true
		})
		if skip {
			return
		}
	}
	log.S().Infof("%s starts destroy [merged_by_target: %v]", d.tag(), mergeByTarget)
	regionID := d.regionID()
	// We can't destroy a peer which is applying snapshot.
	y.Assert(!d.peer.IsApplyingSnapshot())
	d.ctx.storeMetaLock.Lock()
	defer func() {
		d.ctx.storeMetaLock.Unlock()
		// send messages out of store meta lock.
		d.ctx.applyMsgs.appendMsg(regionID, NewPeerMsg(MsgTypeApplyDestroy, regionID, nil))
		d.ctx.pdScheduler <- task{
			tp: taskTypePDDestroyPeer,
			data: &pdDestroyPeerTask{
				regionID: regionID,
			},
		}
	}()
	meta := d.ctx.storeMeta
	delete(meta.pendingMergeTargets, regionID)
	if targetID, ok := meta.targetsMap[regionID]; ok {
		delete(meta.targetsMap, regionID)
		if target, ok1 := meta.pendingMergeTargets[targetID]; ok1 {
			delete(target, regionID)
			// When the target doesn't exist(add peer but the store is isolated), source peer decide to destroy by itself.
			// Without target, the `pendingMergeTargets` for target won't be removed, so here source peer help target to clear.
			if meta.regions[targetID] == nil && len(meta.pendingMergeTargets[targetID]) == 0 {
				delete(meta.pendingMergeTargets, targetID)
			}
		}
	}
	delete(meta.pendingCrossSnap, regionID)
	delete(meta.mergeLocks, regionID)
	isInitialized := d.peer.isInitialized()
	if err := d.peer.Destroy(d.ctx.engines, mergeByTarget); err != nil {
		// If not panic here, the peer will be recreated in the next restart,
		// then it will be gc again. But if some overlap region is created
		// before restarting, the gc action will delete the overlap region's
		// data too.
		panic(fmt.Sprintf("%s destroy peer %v", d.tag(), err))
	}
	d.ctx.router.close(regionID)
	d.stop()
	if isInitialized && !mergeByTarget && !meta.regionTree.Delete(d.region()) {
		panic(d.tag() + " meta corruption detected")
	}
	if _, ok := meta.regions[regionID]; !ok && !mergeByTarget {
		panic(d.tag() + " meta corruption detected")
	}
	delete(meta.regions, regionID)
	d.ctx.peerEventObserver.OnPeerDestroy(d.peer.getEventContext())
}

func (d *peerMsgHandler) onReadyChangePeer(cp changePeer) {
	if cp.confChange == nil {
		log.S().Warnf("%s conf change is aborted", d.tag())
		return
	}
	changeType := cp.confChange.ChangeType
	d.peer.RaftGroup.ApplyConfChange(*cp.confChange)
	if cp.confChange.NodeId == 0 {
		// Apply failed, skip.
		return
	}
	d.ctx.storeMetaLock.Lock()
	d.ctx.storeMeta.setRegion(cp.region, d.peer)
	d.ctx.storeMetaLock.Unlock()
	d.ctx.peerEventObserver.OnRegionConfChange(d.peer.getEventContext(), &metapb.RegionEpoch{
		ConfVer: cp.region.RegionEpoch.ConfVer,
		Version: cp.region.RegionEpoch.Version,
	})
	peerID := cp.peer.Id
	switch changeType {
	case eraftpb.ConfChangeType_AddNode, eraftpb.ConfChangeType_AddLearnerNode:
		if d.peerID() == peerID && d.peer.Meta.Role == metapb.PeerRole_Learner {
			d.peer.Meta = cp.peer
		}

		// Add this peer to cache and heartbeats.
		now := time.Now()
		d.peer.PeerHeartbeats[peerID] = now
		if d.peer.IsLeader() {
			d.peer.PeersStartPendingTime[peerID] = now
		}
		d.peer.RecentAddedPeer.Update(peerID, now)
		d.peer.insertPeerCache(cp.peer)
	case eraftpb.ConfChangeType_RemoveNode:
		// Remove this peer from cache.
		delete(d.peer.PeerHeartbeats, peerID)
		if d.peer.IsLeader() {
			delete(d.peer.PeersStartPendingTime, peerID)
		}
		d.peer.removePeerCache(peerID)
		log.S().Infof("region %d:%d remove node [store %d peer %d] from node [store %d peer %d]",
			d.regionID(), d.region().RegionEpoch.Version, cp.peer.StoreId, cp.peer.Id, d.storeID(), d.peerID())
	}

	// In pattern matching above, if the peer is the leader,
	// it will push the change peer into `peers_start_pending_time`
	// without checking if it is duplicated. We move `heartbeat_pd` here
	// to utilize `collect_pending_peers` in `heartbeat_pd` to avoid
	// adding the redundant peer.
	if d.peer.IsLeader() {
		// Notify pd immediately.
		log.S().Infof("%s notify pd with change peer region %s", d.tag(), d.region())
		d.peer.HeartbeatPd(d.ctx)
	}
	myPeerID := d.peerID()

	// We only care remove itself now.
	if changeType == eraftpb.ConfChangeType_RemoveNode && cp.peer.StoreId == d.storeID() {
		if myPeerID == peerID {
			d.destroyPeer(false)
		} else {
			panic(fmt.Sprintf("%s trying to remove unknown peer %s", d.tag(), cp.peer))
		}
	}
}

func (d *peerMsgHandler) onReadyCompactLog(firstIdx uint64, truncatedIdx uint64) {
	raftLogGC := &raftLogGCTask{
		raftEngine: d.ctx.engines.raft,
		regionID:   d.regionID(),
		startIdx:   d.peer.LastCompactedIdx,
		endIdx:     truncatedIdx + 1,
	}
	d.peer.LastCompactedIdx = raftLogGC.endIdx
	d.peer.Store().CompactTo(raftLogGC.endIdx)
	d.ctx.raftLogGCScheduler <- task{
		tp:   taskTypeRaftLogGC,
		data: raftLogGC,
	}
}

func (d *peerMsgHandler) onReadySplitRegion(derived *metapb.Region, regions []*metapb.Region) {
	d.ctx.storeMetaLock.Lock()
	defer d.ctx.storeMetaLock.Unlock()
	meta := d.ctx.storeMeta
	regionID := derived.Id
	meta.setRegion(derived, d.getPeer())
	d.peer.SizeDiffHint = 0
	isLeader := d.peer.IsLeader()
	if isLeader {
		d.peer.HeartbeatPd(d.ctx)
		// Notify pd immediately to let it update the region meta.
		log.S().Infof("%s notify pd with split count %d", d.tag(), len(regions))
		d.ctx.pdScheduler <- task{
			tp:   taskTypePDReportBatchSplit,
			data: &pdReportBatchSplitTask{regions: regions},
		}
	}

	lastRegion := regions[len(regions)-1]
	if !meta.regionTree.Delete(lastRegion) {
		panic(d.tag() + " original region should exist")
	}

	newPeers := make([]*PeerEventContext, 0, len(regions))
	for _, newRegion := range regions {
		newRegionID := newRegion.Id
		notExist := meta.regionTree.Put(newRegion)
		y.Assert(notExist)
		if newRegionID == regionID {
			newPeers = append(newPeers, d.peer.getEventContext())
			continue
		}

		// Insert new regions and validation
		log.S().Infof("[region %d:%d] inserts new region %d:%d",
			derived.Id, d.region().RegionEpoch.Version, newRegion.Id, newRegion.RegionEpoch.Version)
		if r, ok := meta.regions[newRegionID]; ok {
			// Suppose a new node is added by conf change and the snapshot comes slowly.
			// Then, the region splits and the first vote message comes to the new node
			// before the old snapshot, which will create an uninitialized peer on the
			// store. After that, the old snapshot comes, followed with the last split
			// proposal. After it's applied, the uninitialized peer will be met.
			// We can remove this uninitialized peer directly.
			if len(r.Peers) > 0 {
				panic(fmt.Sprintf("[region %d] duplicated region %s for split region %s",
					newRegionID, r, newRegion))
			}
			d.ctx.router.close(newRegionID)
		}

		newPeer, err := createPeerFsm(d.ctx.store.Id, d.ctx.cfg, d.ctx.regionScheduler, d.ctx.engines, newRegion)
		if err != nil {
			// peer information is already written into db, can't recover.
			// there is probably a bug.
			panic(fmt.Sprintf("create new split region %s error %v", newRegion, err))
		}
		metaPeer := newPeer.peer.Meta
		newPeers = append(newPeers, newPeer.peer.getEventContext())

		for _, p := range newRegion.GetPeers() {
			newPeer.peer.insertPeerCache(p)
		}

		// New peer derive write flow from parent region,
		// this will be used by balance write flow.
		newPeer.peer.PeerStat = d.peer.PeerStat
		campaigned := newPeer.peer.MaybeCampaign(isLeader)
		newPeer.hasReady = newPeer.hasReady || campaigned

		if isLeader {
			// The new peer is likely to become leader, send a heartbeat immediately to reduce
			// client query miss.
			newPeer.peer.HeartbeatPd(d.ctx)
		}

		newPeer.peer.Activate(d.ctx.applyMsgs)
		meta.regions[newRegionID] = newRegion
		d.ctx.router.register(newPeer)
		_ = d.ctx.router.send(newRegionID, NewPeerMsg(MsgTypeStart, newRegionID, nil))
		if !campaigned {
			for i, msg := range meta.pendingVotes {
				if PeerEqual(msg.ToPeer, metaPeer) {
					meta.pendingVotes = append(meta.pendingVotes[:i], meta.pendingVotes[i+1:]...)
					_ = d.ctx.router.send(newRegionID, NewPeerMsg(MsgTypeRaftMessage, newRegionID, msg))
					break
				}
			}
		}
	}
	d.ctx.peerEventObserver.OnSplitRegion(derived, regions, newPeers)
}

// validateMergePeer checks whether the local target peer is ready to absorb
// this region. Returns false to wait, an error to roll the merge back.
func (d *peerMsgHandler) validateMergePeer(targetRegion *metapb.Region) (bool, error) {
	d.ctx.storeMetaLock.Lock()
	region := d.ctx.storeMeta.regions[targetRegion.Id]
	d.ctx.storeMetaLock.Unlock()
	if region == nil {
		// The target peer may be destroyed already, check the tombstone.
		state, err := getRegionLocalState(d.ctx.engines.kv, targetRegion.Id)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				log.S().Infof("%s target region %d doesn't exist yet, wait", d.tag(), targetRegion.Id)
				return false, nil
			}
			return false, err
		}
		if state.State == rspb.PeerState_Tombstone &&
			state.Region.RegionEpoch.ConfVer >= targetRegion.RegionEpoch.ConfVer {
			return false, errors.Errorf("target region %d is destroyed", targetRegion.Id)
		}
		return false, nil
	}
	if isEpochStale(targetRegion.RegionEpoch, region.RegionEpoch) {
		return false, errors.Errorf("target region changed %s -> %s", targetRegion, region)
	}
	if isEpochStale(region.RegionEpoch, targetRegion.RegionEpoch) {
		log.S().Infof("%s target region %d still not catch up, wait. exist %s, expect %s",
			d.tag(), targetRegion.Id, region, targetRegion)
		return false, nil
	}
	return true, nil
}

// scheduleMerge proposes a CommitMerge to the local target peer, carrying the
// tail of this region's log so a lagging target replica can still catch up
// after the source group is frozen.
func (d *peerMsgHandler) scheduleMerge() error {
	failpoint.Inject("onScheduleMerge", func() {})
	state := d.peer.PendingMergeState
	targetRegion := state.Target
	ok, err := d.validateMergePeer(targetRegion)
	if err != nil {
		return err
	}
	if !ok || !d.peer.IsLeader() {
		// The merge is driven by the source leader, other peers just wait for
		// the result.
		return nil
	}
	low := d.peer.GetMinProgress() + 1
	if low < state.MinIndex {
		low = state.MinIndex
	}
	var entries []*eraftpb.Entry
	if low <= state.Commit {
		ents, err1 := d.peer.Store().Entries(low, state.Commit+1, math.MaxUint64)
		if err1 != nil {
			panic(fmt.Sprintf("%s failed to get merge entries [%d, %d]: %v", d.tag(), low, state.Commit, err1))
		}
		entries = make([]*eraftpb.Entry, 0, len(ents))
		for i := range ents {
			entries = append(entries, &ents[i])
		}
	}
	targetPeer := findPeer(targetRegion, d.storeID())
	request := &raft_cmdpb.RaftCmdRequest{
		Header: &raft_cmdpb.RaftRequestHeader{
			RegionId:    targetRegion.Id,
			RegionEpoch: targetRegion.RegionEpoch,
			Peer:        targetPeer,
		},
		AdminRequest: &raft_cmdpb.AdminRequest{
			CmdType: raft_cmdpb.AdminCmdType_CommitMerge,
			CommitMerge: &raft_cmdpb.CommitMergeRequest{
				Source:  d.region(),
				Commit:  state.Commit,
				Entries: entries,
			},
		},
	}
	return d.ctx.router.send(targetRegion.Id, NewPeerMsg(MsgTypeRaftCmd, targetRegion.Id, &MsgRaftCmd{
		SendTime: time.Now(),
		Request:  request,
	}))
}

func (d *peerMsgHandler) rollbackMerge() {
	state := d.peer.PendingMergeState
	req := newAdminRequest(d.regionID(), d.peer.Meta)
	req.Header.RegionEpoch = d.region().RegionEpoch
	req.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_RollbackMerge,
		RollbackMerge: &raft_cmdpb.RollbackMergeRequest{
			Commit: state.Commit,
		},
	}
	d.proposeRaftCommand(req, nil)
}

func (d *peerMsgHandler) onCheckMerge() {
	if d.stopped || d.peer.PendingMergeState == nil {
		return
	}
	d.ticker.schedule(PeerTickCheckMerge)
	if err := d.scheduleMerge(); err != nil {
		if d.peer.IsLeader() {
			log.S().Warnf("%s failed to schedule merge, rollback. err %v", d.tag(), err)
			d.rollbackMerge()
		}
	}
}

func (d *peerMsgHandler) onReadyPrepareMerge(region *metapb.Region, state *rspb.MergeState, merged bool) {
	d.ctx.storeMetaLock.Lock()
	meta := d.ctx.storeMeta
	meta.setRegion(region, d.peer)
	meta.registerMergeSource(state.Target.Id, region.Id, region.RegionEpoch)
	d.ctx.storeMetaLock.Unlock()

	d.peer.PendingMergeState = state
	if merged {
		// The source peer has caught up via CommitMerge entries, the target
		// already moved on, no need to schedule the merge again.
		return
	}
	d.onCheckMerge()
}

func (d *peerMsgHandler) onReadyCommitMerge(region, source *metapb.Region) {
	d.ctx.storeMetaLock.Lock()
	meta := d.ctx.storeMeta
	if !meta.regionTree.Delete(source) {
		panic(fmt.Sprintf("%s source region %s should exist", d.tag(), source))
	}
	delete(meta.regions, source.Id)
	if mergeTargets, ok := meta.pendingMergeTargets[region.Id]; ok {
		delete(mergeTargets, source.Id)
		if len(mergeTargets) == 0 {
			delete(meta.pendingMergeTargets, region.Id)
		}
	}
	delete(meta.targetsMap, source.Id)
	// The target range extended, replace the old entry.
	meta.regionTree.Delete(d.region())
	if !meta.regionTree.Put(region) {
		panic(fmt.Sprintf("%s unexpected region overlapped with merged %s", d.tag(), region))
	}
	meta.setRegion(region, d.peer)
	d.ctx.storeMetaLock.Unlock()

	log.S().Infof("%s merged source region %d, epoch %s", d.tag(), source.Id, region.RegionEpoch)
	_ = d.ctx.router.send(source.Id, NewPeerMsg(MsgTypeMergeResult, source.Id, &MsgMergeResult{
		TargetPeer: d.peer.Meta,
		Stale:      false,
	}))
	if d.peer.IsLeader() {
		d.peer.HeartbeatPd(d.ctx)
	}
	d.ticker.schedule(PeerTickSplitRegionCheck)
}

func (d *peerMsgHandler) onReadyRollbackMerge(commit uint64, region *metapb.Region) {
	state := d.peer.PendingMergeState
	if state == nil {
		return
	}
	if commit != 0 && state.Commit != commit {
		panic(fmt.Sprintf("%s rollback merge commit mismatch %d != %d", d.tag(), commit, state.Commit))
	}
	d.ctx.storeMetaLock.Lock()
	meta := d.ctx.storeMeta
	if region != nil {
		meta.setRegion(region, d.peer)
	}
	if mergeTargets, ok := meta.pendingMergeTargets[state.Target.Id]; ok {
		delete(mergeTargets, d.regionID())
		if len(mergeTargets) == 0 {
			delete(meta.pendingMergeTargets, state.Target.Id)
		}
	}
	delete(meta.targetsMap, d.regionID())
	d.ctx.storeMetaLock.Unlock()

	d.peer.PendingMergeState = nil
	if d.peer.IsLeader() && commit != 0 {
		log.S().Infof("%s merge rollbacked at commit %d, epoch %s", d.tag(), commit, d.region().RegionEpoch)
		d.peer.HeartbeatPd(d.ctx)
	}
}

func (d *peerMsgHandler) onMergeResult(target *metapb.Peer, stale bool) {
	if state := d.peer.PendingMergeState; state != nil {
		exists := false
		for _, p := range state.Target.Peers {
			if p.StoreId == target.StoreId && p.Id <= target.Id {
				exists = true
				break
			}
		}
		if !exists {
			panic(fmt.Sprintf("%s unexpected merge result target peer %s, merge state %s",
				d.tag(), target, state))
		}
	}
	if stale {
		d.onStaleMerge()
		return
	}
	log.S().Infof("%s merge finished, merged by target peer %s", d.tag(), target)
	d.destroyPeer(true)
}

func (d *peerMsgHandler) onStaleMerge() {
	log.S().Warnf("%s successful merge can't be continued, try to gc stale peer", d.tag())
	if job := d.peer.MaybeDestroy(); job != nil {
		d.handleDestroyPeer(job)
	}
}

// onCatchUpLogs handles the request from a local merge target: the source peer
// has to apply all logs up to the frozen commit index. The entries came along
// with the CommitMerge command, so they are first persisted into the local log
// in case this lagging replica never received them.
func (d *peerMsgHandler) onCatchUpLogs(logs *catchUpLogs) {
	d.maybeAppendMergeEntries(logs.merge)
	d.ctx.applyMsgs.appendMsg(d.regionID(), NewPeerMsg(MsgTypeApplyCatchUpLogs, d.regionID(), logs))
}

func (d *peerMsgHandler) maybeAppendMergeEntries(merge *raft_cmdpb.CommitMergeRequest) {
	store := d.peer.Store()
	rs := &store.raftState
	if rs.lastIndex >= merge.Commit && rs.commit >= merge.Commit {
		return
	}
	log.S().Infof("%s appending merge entries, last index %d, commit %d -> %d",
		d.tag(), rs.lastIndex, rs.commit, merge.Commit)
	for _, e := range merge.Entries {
		if e.Index <= rs.lastIndex {
			continue
		}
		data, err := e.Marshal()
		if err != nil {
			panic(err)
		}
		d.ctx.raftWB.Set(RaftLogKey(d.regionID(), e.Index), data)
		rs.lastIndex = e.Index
		if e.Term > rs.term {
			rs.term = e.Term
		}
	}
	if rs.commit < merge.Commit {
		rs.commit = merge.Commit
	}
	d.ctx.raftWB.Set(RaftStateKey(d.regionID()), rs.Marshal())
}

func (d *peerMsgHandler) onReadyApplySnapshot(applyResult *ApplySnapResult) {
	prevRegion := applyResult.PrevRegion
	region := applyResult.Region

	log.S().Infof("%s snapshot for region %s is applied", d.tag(), region)
	d.ctx.storeMetaLock.Lock()
	defer d.ctx.storeMetaLock.Unlock()
	meta := d.ctx.storeMeta
	initialized := len(prevRegion.Peers) > 0
	if initialized {
		log.S().Infof("%s region changed from %s -> %s after applying snapshot", d.tag(), prevRegion, region)
		meta.regionTree.Delete(prevRegion)
	}
	if !meta.regionTree.Put(region) {
		oldRegion := meta.regionTree.GetRegionByKey(RawStartKey(region))
		panic(fmt.Sprintf("%s unexpected old region %d", d.tag(), oldRegion.Id))
	}
	meta.regions[region.Id] = region
	delete(meta.pendingCrossSnap, region.Id)
	for i, pending := range meta.pendingSnapshotRegions {
		if pending.Id == region.Id {
			meta.pendingSnapshotRegions = append(meta.pendingSnapshotRegions[:i], meta.pendingSnapshotRegions[i+1:]...)
			break
		}
	}
	d.ctx.peerEventObserver.OnPeerApplySnap(d.peer.getEventContext(), region)
}

func (d *peerMsgHandler) onReadyResult(merged bool, execResults []execResult) {
	// handle executing committed log results
	for _, result := range execResults {
		switch x := result.(type) {
		case *execResultChangePeer:
			d.onReadyChangePeer(x.cp)
		case *execResultCompactLog:
			if !merged {
				d.onReadyCompactLog(x.firstIndex, x.truncatedIndex)
			}
		case *execResultSplitRegion:
			d.onReadySplitRegion(x.derived, x.regions)
		case *execResultPrepareMerge:
			d.onReadyPrepareMerge(x.region, x.state, merged)
		case *execResultCommitMerge:
			d.onReadyCommitMerge(x.region, x.source)
		case *execResultRollbackMerge:
			d.onReadyRollbackMerge(x.commit, x.region)
		case *execResultVerifyHash:
			log.S().Infof("%s verify hash at index %d, len %d", d.tag(), x.index, len(x.hash))
		case *execResultDeleteRange:
		}
	}
}

// checkMergeProposal rejects a PrepareMerge proposal when the target is not a
// sibling living on the same set of stores.
func (d *peerMsgHandler) checkMergeProposal(msg *raft_cmdpb.RaftCmdRequest) error {
	adminReq := msg.GetAdminRequest()
	if adminReq == nil || adminReq.CmdType != raft_cmdpb.AdminCmdType_PrepareMerge {
		return nil
	}
	targetRegion := adminReq.PrepareMerge.Target
	region := d.region()
	d.ctx.storeMetaLock.Lock()
	existRegion := d.ctx.storeMeta.regions[targetRegion.Id]
	d.ctx.storeMetaLock.Unlock()
	if existRegion == nil {
		return errors.Errorf("target region %d doesn't exist", targetRegion.Id)
	}
	if !RegionEqual(existRegion, targetRegion) {
		return errors.Errorf("target region not matched, skip proposing: %s != %s",
			existRegion, targetRegion)
	}
	if !regionsAdjacent(targetRegion, region) && !regionsAdjacent(region, targetRegion) {
		return errors.New("regions are not sibling")
	}
	if !regionOnSameStores(targetRegion, region) {
		return errors.Errorf("peers doesn't match %s != %s", region.Peers, targetRegion.Peers)
	}
	return nil
}

func regionOnSameStores(left, right *metapb.Region) bool {
	if len(left.Peers) != len(right.Peers) {
		return false
	}
	for _, p := range left.Peers {
		found := findPeer(right, p.StoreId)
		if found == nil || found.Role != p.Role {
			return false
		}
	}
	return true
}

func (d *peerMsgHandler) preProposeRaftCommand(req *raft_cmdpb.RaftCmdRequest) (*raft_cmdpb.RaftCmdResponse, error) {
	// Check store_id, make sure that the msg is dispatched to the right place.
	if err := checkStoreID(req, d.storeID()); err != nil {
		return nil, err
	}
	if req.GetStatusRequest() != nil {
		// For status commands, we handle it here directly.
		return d.executeStatusCommand(req)
	}

	// Check whether the store has the right peer to handle the request.
	regionID := d.regionID()
	leaderID := d.peer.LeaderId()
	if !d.peer.IsLeader() {
		leader := d.peer.getPeerFromCache(leaderID)
		return nil, &ErrNotLeader{RegionID: regionID, Leader: leader}
	}
	// peer_id must be the same as peer's.
	if err := checkPeerID(req, d.peerID()); err != nil {
		return nil, err
	}
	// Check whether the term is stale.
	if err := checkTerm(req, d.peer.Term()); err != nil {
		return nil, err
	}
	return nil, checkRegionEpoch(req, d.region(), true)
}

func (d *peerMsgHandler) proposeRaftCommand(req *raft_cmdpb.RaftCmdRequest, cb *Callback) {
	resp, err := d.preProposeRaftCommand(req)
	if err != nil {
		cb.Done(ErrResp(err))
		return
	}
	if resp != nil {
		cb.Done(resp)
		return
	}

	if d.peer.PendingRemove {
		NotifyReqRegionRemoved(d.regionID(), cb)
		return
	}
	if err := d.checkMergeProposal(req); err != nil {
		log.S().Warnf("%s failed to propose merge, message %s, err %v", d.tag(), req, err)
		cb.Done(ErrResp(err))
		return
	}

	// Note:
	// The peer that is being checked is a leader. It might step down to be a follower later. It
	// doesn't matter whether the peer is a leader or not. If it's not a leader, the proposing
	// command log entry can't be committed.

	resp = &raft_cmdpb.RaftCmdResponse{}
	BindRespTerm(resp, d.peer.Term())
	if d.peer.Propose(d.ctx.cfg, cb, req, resp) {
		d.hasReady = true
	}
}

func (d *peerMsgHandler) onRaftGCLogTick() {
	d.ticker.schedule(PeerTickRaftLogGC)
	if !d.peer.IsLeader() {
		return
	}
	failpoint.Inject("onRaftGCLogTick", func() {})
	// During merge the log tail after min_index must stay available for the
	// target to fetch, so log compaction is put on hold.
	if d.peer.PendingMergeState != nil {
		return
	}

	store := d.peer.Store()
	appliedIdx := store.AppliedIndex()
	firstIdx := firstIndex(store.applyState)
	var compactIdx uint64
	if appliedIdx > firstIdx && appliedIdx-firstIdx >= d.ctx.cfg.RaftLogGcCountLimit {
		compactIdx = appliedIdx
	} else if d.peer.RaftLogSizeHint >= d.ctx.cfg.RaftLogGcSizeLimit {
		compactIdx = appliedIdx
	} else {
		replicatedIdx := d.peer.GetMinProgress()
		if replicatedIdx < firstIdx || replicatedIdx-firstIdx <= d.ctx.cfg.RaftLogGcThreshold {
			return
		}
		compactIdx = replicatedIdx
	}
	y.Assert(compactIdx > 0)
	compactIdx--
	if compactIdx < firstIdx {
		// In case compactIdx == firstIdx before subtraction.
		return
	}
	term, err := d.peer.RaftGroup.Raft.RaftLog.Term(compactIdx)
	if err != nil {
		panic(err)
	}

	// Create a compact log request and notify directly.
	request := newCompactLogRequest(d.regionID(), d.peer.Meta, compactIdx, term)
	d.proposeRaftCommand(request, nil)
}

func (d *peerMsgHandler) onSplitRegionCheckTick() {
	d.ticker.schedule(PeerTickSplitRegionCheck)
	// To avoid frequent scan, we only add new scan tasks if all previous tasks
	// have finished.
	if len(d.ctx.splitCheckScheduler) > 0 {
		return
	}
	if !d.peer.IsLeader() {
		return
	}
	if d.peer.SizeDiffHint < d.ctx.cfg.RegionSplitCheckDiff {
		return
	}
	d.ctx.splitCheckScheduler <- task{
		tp: taskTypeSplitCheck,
		data: &splitCheckTask{
			region: d.region(),
		},
	}
	d.peer.SizeDiffHint = 0
}

func (d *peerMsgHandler) onPrepareSplitRegion(regionEpoch *metapb.RegionEpoch, splitKeys [][]byte, cb *Callback) {
	if err := d.validateSplitRegion(regionEpoch, splitKeys); err != nil {
		cb.Done(ErrResp(err))
		return
	}
	region := d.region()
	d.ctx.pdScheduler <- task{
		tp: taskTypePDAskBatchSplit,
		data: &pdAskBatchSplitTask{
			region:      region,
			splitKeys:   splitKeys,
			peer:        d.peer.Meta,
			rightDerive: d.ctx.cfg.RightDeriveWhenSplit,
			callback:    cb,
		},
	}
}

func (d *peerMsgHandler) validateSplitRegion(epoch *metapb.RegionEpoch, splitKeys [][]byte) error {
	if len(splitKeys) == 0 {
		err := errors.Errorf("%s no split key is specified", d.tag())
		log.S().Error(err)
		return err
	}
	for _, key := range splitKeys {
		if len(key) == 0 {
			err := errors.Errorf("%s split key should not be empty", d.tag())
			log.S().Error(err)
			return err
		}
	}
	if !d.peer.IsLeader() {
		// region on this store is no longer leader, skipped.
		log.S().Infof("%s not leader, skip", d.tag())
		return &ErrNotLeader{
			RegionID: d.regionID(),
			Leader:   d.peer.getPeerFromCache(d.peer.LeaderId()),
		}
	}

	region := d.region()
	latestEpoch := region.GetRegionEpoch()

	// This is a little difference for `check_region_epoch` in region split case.
	// Here we just need to check `version` because `conf_ver` will be update
	// to the latest value of the peer, and then send to PD.
	if latestEpoch.Version != epoch.Version {
		log.S().Infof("%s epoch changed, retry later, prev_epoch: %s, epoch %s",
			d.tag(), latestEpoch, epoch)
		return &ErrEpochNotMatch{
			Message: fmt.Sprintf("%s epoch changed %s != %s, retry later", d.tag(), latestEpoch, epoch),
			Regions: []*metapb.Region{region},
		}
	}
	return nil
}

func (d *peerMsgHandler) onApproximateRegionSize(size uint64) {
	d.peer.ApproximateSize = &size
}

func (d *peerMsgHandler) onClearRegionSize() {
	d.peer.ApproximateSize = nil
}

func (d *peerMsgHandler) onScheduleHalfSplitRegion(regionEpoch *metapb.RegionEpoch) {
	if !d.peer.IsLeader() {
		return
	}
	region := d.region()
	if IsEpochStale(regionEpoch, region.RegionEpoch) {
		log.S().Warnf("%s receive a stale halfsplit message", d.tag())
		return
	}
	d.ctx.splitCheckScheduler <- task{
		tp: taskTypeHalfSplitCheck,
		data: &splitCheckTask{
			region: region,
		},
	}
}

func (d *peerMsgHandler) onPDHeartbeatTick() {
	d.ticker.schedule(PeerTickPdHeartbeat)
	d.peer.CheckPeers()

	if !d.peer.IsLeader() {
		return
	}
	d.peer.HeartbeatPd(d.ctx)
}

func (d *peerMsgHandler) onCheckPeerStaleStateTick() {
	if d.peer.PendingRemove {
		return
	}
	d.ticker.schedule(PeerTickPeerStaleState)

	if d.peer.IsApplyingSnapshot() || d.peer.HasPendingSnapshot() {
		return
	}

	// If this peer detects the leader is missing for a long long time,
	// it should consider itself as a stale peer which is removed from
	// the original cluster.
	// This most likely happens in the following scenario:
	// At first, there are three peer A, B, C in the cluster, and A is leader.
	// Peer B gets down. And then A adds D, E, F into the cluster.
	// Peer D becomes leader of the new cluster, and then removes peer A, B, C.
	// After all these peer in and out, now the cluster has peer D, E, F.
	// If peer B goes up at this moment, it still thinks it is one of the cluster
	// and has peers A, C. However, it could not reach A, C since they are removed
	// from the cluster or probably destroyed.
	// Meantime, D, E, F would not reach B, since it's not in the cluster anymore.
	// In this case, peer B would notice that the leader is missing for a long time,
	// and it would check with pd to confirm whether it's still a member of the cluster.
	// If not, it destroys itself as a stale peer which is removed out already.
	state := d.peer.CheckStaleState(d.ctx.cfg)
	switch state {
	case StaleStateValid:
	case StaleStateLeaderMissing:
		log.S().Warnf("%s leader missing longer than abnormal_leader_missing_duration %v",
			d.tag(), d.ctx.cfg.AbnormalLeaderMissingDuration)
	case StaleStateToValidate:
		// for peer B in case 1 above
		log.S().Warnf("%s leader missing longer than max_leader_missing_duration %v, check with pd whether it's still valid",
			d.tag(), d.ctx.cfg.MaxLeaderMissingDuration)
		d.ctx.pdScheduler <- task{
			tp: taskTypePDValidatePeer,
			data: &pdValidatePeerTask{
				region: d.region(),
				peer:   d.peer.Meta,
			},
		}
	}
}

func maybeDestroySource(meta *storeMeta, targetID, sourceID uint64, epoch *metapb.RegionEpoch) bool {
	if mergeTargets, ok := meta.pendingMergeTargets[targetID]; ok {
		if targetEpoch, ok1 := mergeTargets[sourceID]; ok1 {
			log.S().Infof("[region %d] checking source %d epoch: %s, merge target epoch: %s",
				targetID, sourceID, epoch, targetEpoch)
			// The target peer will move on, namely, it will apply a snapshot generated after merge,
			// so destroy source peer.
			if epoch.Version > targetEpoch.Version {
				return true
			}
			// Wait till the target peer has caught up logs and source peer will be destroyed at that time.
			return false
		}
	}
	return false
}

func newCompactLogRequest(regionID uint64, peer *metapb.Peer, compactIndex, compactTerm uint64) *raft_cmdpb.RaftCmdRequest {
	req := newAdminRequest(regionID, peer)
	req.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_CompactLog,
		CompactLog: &raft_cmdpb.CompactLogRequest{
			CompactIndex: compactIndex,
			CompactTerm:  compactTerm,
		},
	}
	return req
}

// Handle status commands here, separate the logic, maybe we can move it
// to another file later.
// Unlike other commands (write or admin), status commands only show current
// store status, so no need to handle it in raft group.
func (d *peerMsgHandler) executeStatusCommand(request *raft_cmdpb.RaftCmdRequest) (*raft_cmdpb.RaftCmdResponse, error) {
	cmdType := request.StatusRequest.CmdType
	var response *raft_cmdpb.StatusResponse
	switch cmdType {
	case raft_cmdpb.StatusCmdType_RegionLeader:
		response = d.executeRegionLeader()
	case raft_cmdpb.StatusCmdType_RegionDetail:
		var err error
		response, err = d.executeRegionDetail(request)
		if err != nil {
			return nil, err
		}
	case raft_cmdpb.StatusCmdType_InvalidStatus:
		return nil, errors.New("invalid status command")
	}
	response.CmdType = cmdType

	resp := &raft_cmdpb.RaftCmdResponse{
		StatusResponse: response,
	}
	BindRespTerm(resp, d.peer.Term())
	return resp, nil
}

func (d *peerMsgHandler) executeRegionLeader() *raft_cmdpb.StatusResponse {
	resp := &raft_cmdpb.StatusResponse{}
	if leader := d.peer.getPeerFromCache(d.peer.LeaderId()); leader != nil {
		resp.RegionLeader = &raft_cmdpb.RegionLeaderResponse{
			Leader: leader,
		}
	}
	return resp
}

func (d *peerMsgHandler) executeRegionDetail(request *raft_cmdpb.RaftCmdRequest) (*raft_cmdpb.StatusResponse, error) {
	if !d.peer.isInitialized() {
		regionID := request.Header.RegionId
		return nil, errors.Errorf("region %d not initialized", regionID)
	}
	resp := &raft_cmdpb.StatusResponse{
		RegionDetail: &raft_cmdpb.RegionDetailResponse{
			Region: d.region(),
		},
	}
	if leader := d.peer.getPeerFromCache(d.peer.LeaderId()); leader != nil {
		resp.RegionDetail.Leader = leader
	}
	return resp, nil
}
