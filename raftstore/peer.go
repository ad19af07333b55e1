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
	"fmt"
	"math"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"github.com/zhangjinpeng1987/raft"
)

// ProposalContext is a bitset carried in the raft entry context so the ready
// loop can recognize split and prepare-merge entries before they are applied.
type ProposalContext byte

const (
	ProposalContextSyncLog      ProposalContext = 1
	ProposalContextSplit        ProposalContext = 1 << 1
	ProposalContextPrepareMerge ProposalContext = 1 << 2
)

func (c ProposalContext) ToBytes() []byte {
	return []byte{byte(c)}
}

func NewProposalContextFromBytes(ctx []byte) *ProposalContext {
	var res ProposalContext
	l := len(ctx)
	if l == 0 {
		return nil
	} else if l == 1 {
		res = ProposalContext(ctx[0])
	} else {
		panic(fmt.Sprintf("invalid proposal context %v", ctx))
	}
	return &res
}

func (c *ProposalContext) contains(flag ProposalContext) bool {
	return byte(*c)&byte(flag) != 0
}

func (c *ProposalContext) insert(flag ProposalContext) {
	*c |= flag
}

// StaleState is the peer's judgement about its own liveness when the leader
// has been missing.
type StaleState int

const (
	StaleStateValid StaleState = iota
	StaleStateToValidate
	StaleStateLeaderMissing
)

type recentAddedPeer struct {
	rejectDurationAsSecs uint64
	id                   uint64
	addedTime            time.Time
}

func newRecentAddedPeer(rejectDurationAsSecs uint64) *recentAddedPeer {
	return &recentAddedPeer{
		rejectDurationAsSecs: rejectDurationAsSecs,
		id:                   0,
		addedTime:            time.Now(),
	}
}

func (r *recentAddedPeer) Update(id uint64, now time.Time) {
	r.id = id
	r.addedTime = now
}

func (r *recentAddedPeer) contains(id uint64) bool {
	if r.id == id {
		now := time.Now()
		elapsedSecs := now.Sub(r.addedTime).Seconds()
		return uint64(elapsedSecs) < r.rejectDurationAsSecs
	}
	return false
}

// PeerStat accumulates write flow for pd heartbeats.
type PeerStat struct {
	WrittenBytes uint64
	WrittenKeys  uint64
}

// DestroyPeerJob tells the store how to retire a peer.
type DestroyPeerJob struct {
	Initialized bool
	AsyncRemove bool
	RegionId    uint64
	Peer        *metapb.Peer
}

// Proposal tracks an in-flight proposal so the apply pipeline can answer the
// original caller.
type Proposal struct {
	isConfChange bool
	index        uint64
	term         uint64
	cb           *Callback
}

type RegionProposal struct {
	Id       uint64
	RegionId uint64
	Props    []*Proposal
}

func newRegionProposal(id uint64, regionId uint64, props []*Proposal) *RegionProposal {
	return &RegionProposal{
		Id:       id,
		RegionId: regionId,
		Props:    props,
	}
}

type proposalMeta struct {
	Index          uint64
	Term           uint64
	RenewLeaseTime *time.Time
}

type ProposalQueue struct {
	queue []*proposalMeta
}

func (q *ProposalQueue) PopFront(term uint64) *proposalMeta {
	if len(q.queue) == 0 || q.queue[0].Term > term {
		return nil
	}
	meta := q.queue[0]
	q.queue = q.queue[1:]
	return meta
}

func (q *ProposalQueue) Push(meta *proposalMeta) {
	q.queue = append(q.queue, meta)
}

func (q *ProposalQueue) Clear() {
	q.queue = q.queue[:0]
}

// ReadyICPair couples a raft ready with the invoke context of its writes.
type ReadyICPair struct {
	Ready raft.Ready
	IC    *InvokeContext
}

// Peer is one replica of one region on this store.
type Peer struct {
	Meta        *metapb.Peer
	regionId    uint64
	RaftGroup   *raft.RawNode
	peerStorage *PeerStorage
	proposals   *ProposalQueue
	applyProposals []*Proposal

	// Record the last instant of each peer's heartbeat response.
	PeerHeartbeats map[uint64]time.Time

	// Record the instants of peers being added into the configuration.
	// Remove them after they are not pending any more.
	PeersStartPendingTime map[uint64]time.Time
	RecentAddedPeer       *recentAddedPeer

	// an inaccurate difference in region size since last reset.
	SizeDiffHint uint64
	// approximate size of the region.
	ApproximateSize *uint64
	// delete keys' count since last reset.
	deleteKeysHint uint64

	// Cache the peers information from other stores, updated by received raft
	// messages. Note that it may not include all the peers of the region.
	peerCache map[uint64]*metapb.Peer

	PendingRemove bool

	// The index of the latest committed split command.
	lastCommittedSplitIdx uint64
	// The index of the latest committed prepare merge command.
	lastCommittedPrepareMergeIdx uint64
	PendingMergeState            *rspb.MergeState

	leaderMissingTime *time.Time

	// If a snapshot is being applied asynchronously, messages should not be
	// sent.
	pendingMessages []eraftpb.Message

	PeerStat PeerStat

	Tag string

	// Index of last scheduled committed raft log.
	LastApplyingIdx  uint64
	LastCompactedIdx uint64
	// Index of a received snapshot that has not been applied yet.
	pendingSnapshotIdx uint64
	// Approximate size of logs that is applied but not compacted yet.
	RaftLogSizeHint uint64
	// The index of the latest urgent proposal index.
	lastUrgentProposalIdx uint64
}

func NewPeer(storeID uint64, cfg *Config, engines *Engines, region *metapb.Region, regionSched chan<- task,
	meta *metapb.Peer) (*Peer, error) {
	if meta.GetId() == InvalidID {
		return nil, errors.New("invalid peer id")
	}
	tag := fmt.Sprintf("[region %v] %v", region.GetId(), meta.GetId())

	ps, err := NewPeerStorage(engines, region, regionSched, tag)
	if err != nil {
		return nil, err
	}

	appliedIndex := ps.AppliedIndex()

	raftCfg := &raft.Config{
		ID:              meta.GetId(),
		ElectionTick:    cfg.RaftElectionTimeoutTicks,
		HeartbeatTick:   cfg.RaftHeartbeatTicks,
		MaxSizePerMsg:   cfg.RaftMaxSizePerMsg,
		MaxInflightMsgs: cfg.RaftMaxInflightMsgs,
		Applied:         appliedIndex,
		CheckQuorum:     true,
		PreVote:         true,
		Storage:         ps,
	}

	raftGroup, err := raft.NewRawNode(raftCfg, nil)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p := &Peer{
		Meta:                  meta,
		regionId:              region.GetId(),
		RaftGroup:             raftGroup,
		peerStorage:           ps,
		proposals:             new(ProposalQueue),
		PeerHeartbeats:        make(map[uint64]time.Time),
		PeersStartPendingTime: make(map[uint64]time.Time),
		RecentAddedPeer:       newRecentAddedPeer(uint64(cfg.RaftRejectTransferLeaderDuration.Seconds())),
		peerCache:             make(map[uint64]*metapb.Peer),
		leaderMissingTime:     &now,
		Tag:                   tag,
		LastApplyingIdx:       appliedIndex,
		lastUrgentProposalIdx: math.MaxUint64,
	}

	// If this region has only one peer and I am the one, campaign directly.
	if len(region.GetPeers()) == 1 && region.GetPeers()[0].GetStoreId() == storeID {
		err = raftGroup.Campaign()
		if err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Peer) getEventContext() *PeerEventContext {
	return &PeerEventContext{
		PeerId:   p.PeerId(),
		RegionId: p.regionId,
	}
}

func (p *Peer) insertPeerCache(peer *metapb.Peer) {
	p.peerCache[peer.GetId()] = peer
}

func (p *Peer) removePeerCache(peerID uint64) {
	delete(p.peerCache, peerID)
}

func (p *Peer) getPeerFromCache(peerID uint64) *metapb.Peer {
	if peer, ok := p.peerCache[peerID]; ok {
		return peer
	}
	for _, peer := range p.peerStorage.Region().GetPeers() {
		if peer.GetId() == peerID {
			p.insertPeerCache(peer)
			return peer
		}
	}
	return nil
}

func (p *Peer) nextProposalIndex() uint64 {
	return p.RaftGroup.Raft.RaftLog.LastIndex() + 1
}

// MaybeDestroy tries to destroy itself. Returns a job (if needed) to do more
// cleaning tasks.
func (p *Peer) MaybeDestroy() *DestroyPeerJob {
	if p.PendingRemove {
		log.S().Infof("%v is being destroyed, skip", p.Tag)
		return nil
	}
	initialized := p.peerStorage.isInitialized()
	asyncRemove := false
	if p.IsApplyingSnapshot() {
		if !p.Store().CancelApplyingSnap() {
			log.S().Infof("%v stale peer %v is applying snapshot", p.Tag, p.Meta.Id)
			return nil
		}
		// There is no tasks in apply/local read worker.
		asyncRemove = false
	} else {
		asyncRemove = initialized
	}
	p.PendingRemove = true

	return &DestroyPeerJob{
		AsyncRemove: asyncRemove,
		Initialized: initialized,
		RegionId:    p.regionId,
		Peer:        p.Meta,
	}
}

// Destroy a peer. The peer is permanently unusable afterwards.
func (p *Peer) Destroy(engines *Engines, keepData bool) error {
	start := time.Now()
	region := p.Region()
	log.S().Infof("%v begin to destroy", p.Tag)

	// Set Tombstone state explicitly.
	kvWB := new(WriteBatch)
	raftWB := new(WriteBatch)
	if err := p.Store().clearMeta(kvWB, raftWB); err != nil {
		return err
	}
	var mergeState *rspb.MergeState
	if p.PendingMergeState != nil {
		mergeState = p.PendingMergeState
	}
	WritePeerState(kvWB, region, rspb.PeerState_Tombstone, mergeState)
	// write kv badger first in case of restart happen between two write
	if err := kvWB.WriteToDB(engines.kv); err != nil {
		return err
	}
	if err := raftWB.WriteToDB(engines.raft); err != nil {
		return err
	}

	if p.Store().isInitialized() && !keepData {
		// If we meet panic when deleting data and raft log, the dirty data
		// will be cleared by a newer snapshot applying or restart.
		p.Store().clearExtraData(&metapb.Region{
			Id:       region.Id,
			StartKey: region.EndKey,
			EndKey:   region.EndKey,
		})
		p.Store().regionSched <- task{
			tp: taskTypeRegionDestroy,
			data: &regionTask{
				regionID: region.Id,
				startKey: RawStartKey(region),
				endKey:   RawEndKey(region),
			},
		}
	}

	for _, proposal := range p.applyProposals {
		NotifyReqRegionRemoved(region.Id, proposal.cb)
	}
	p.applyProposals = nil

	log.S().Infof("%v destroy itself, takes %v", p.Tag, time.Since(start))
	return nil
}

func (p *Peer) isInitialized() bool {
	return p.peerStorage.isInitialized()
}

func (p *Peer) Region() *metapb.Region {
	return p.peerStorage.Region()
}

// SetRegion changes the descriptor. The caller must hold the store meta lock
// and keep the store-wide region maps in sync.
func (p *Peer) SetRegion(region *metapb.Region) {
	p.peerStorage.SetRegion(region)
}

func (p *Peer) PeerId() uint64 {
	return p.Meta.GetId()
}

func (p *Peer) GetRaftStatus() *raft.Status {
	return p.RaftGroup.Status()
}

func (p *Peer) LeaderId() uint64 {
	return p.RaftGroup.Raft.Lead
}

func (p *Peer) IsLeader() bool {
	return p.RaftGroup.Raft.State == raft.StateLeader
}

func (p *Peer) Store() *PeerStorage {
	return p.peerStorage
}

func (p *Peer) IsApplyingSnapshot() bool {
	return p.Store().IsApplyingSnapshot()
}

// HasPendingSnapshot returns whether the raft state machine received a
// snapshot that has not been applied to the storage yet.
func (p *Peer) HasPendingSnapshot() bool {
	return p.pendingSnapshotIdx > p.Store().AppliedIndex()
}

func (p *Peer) Send(trans Transport, msgs []eraftpb.Message) error {
	for i := range msgs {
		if err := p.sendRaftMessage(msgs[i], trans); err != nil {
			return err
		}
	}
	return nil
}

// Steps the raft message.
func (p *Peer) Step(m *eraftpb.Message) error {
	if p.IsLeader() && m.GetFrom() != InvalidID {
		p.PeerHeartbeats[m.GetFrom()] = time.Now()
		// As the leader we know we are not missing.
		p.leaderMissingTime = nil
	} else if m.GetFrom() == p.LeaderId() {
		// As another role know we're not missing.
		p.leaderMissingTime = nil
	}
	if m.GetMsgType() == eraftpb.MessageType_MsgSnapshot {
		if snap := m.GetSnapshot(); snap != nil && snap.Metadata != nil &&
			snap.Metadata.Index > p.Store().AppliedIndex() {
			p.pendingSnapshotIdx = snap.Metadata.Index
		}
	}
	return p.RaftGroup.Step(*m)
}

// CheckPeers removes stale heartbeat entries after a conf change.
func (p *Peer) CheckPeers() {
	if !p.IsLeader() {
		if len(p.PeerHeartbeats) > 0 {
			p.PeerHeartbeats = make(map[uint64]time.Time)
		}
		return
	}
	if len(p.PeerHeartbeats) == len(p.Region().GetPeers()) {
		return
	}
	region := p.Region()
	for _, peer := range region.GetPeers() {
		if _, ok := p.PeerHeartbeats[peer.GetId()]; !ok {
			p.PeerHeartbeats[peer.GetId()] = time.Now()
		}
	}
}

// CollectDownPeers returns peers that have not responded within maxDuration.
func (p *Peer) CollectDownPeers(maxDuration time.Duration) []*pdpb.PeerStats {
	downPeers := make([]*pdpb.PeerStats, 0)
	for _, peer := range p.Region().GetPeers() {
		if peer.GetId() == p.Meta.GetId() {
			continue
		}
		if hb, ok := p.PeerHeartbeats[peer.GetId()]; ok {
			elapsed := time.Since(hb)
			if elapsed > maxDuration {
				downPeers = append(downPeers, &pdpb.PeerStats{
					Peer:        peer,
					DownSeconds: uint64(elapsed.Seconds()),
				})
			}
		}
	}
	return downPeers
}

// CollectPendingPeers returns peers that are potentially still catching up.
func (p *Peer) CollectPendingPeers() []*metapb.Peer {
	pendingPeers := make([]*metapb.Peer, 0, len(p.Region().GetPeers()))
	status := p.RaftGroup.Status()
	truncatedIdx := p.Store().truncatedIndex()
	for id, progress := range status.Progress {
		if id == p.Meta.GetId() {
			continue
		}
		if progress.Match < truncatedIdx {
			if peer := p.getPeerFromCache(id); peer != nil {
				pendingPeers = append(pendingPeers, peer)
				if _, ok := p.PeersStartPendingTime[id]; !ok {
					now := time.Now()
					p.PeersStartPendingTime[id] = now
					log.S().Debugf("%v peer %v start pending", p.Tag, id)
				}
			}
		}
	}
	return pendingPeers
}

func (p *Peer) clearPeersStartPendingTime() {
	for id := range p.PeersStartPendingTime {
		delete(p.PeersStartPendingTime, id)
	}
}

// AnyNewPeerCatchUp returns true if any new peer catches up with the leader
// in replicating logs, and updates PeersStartPendingTime if needed.
func (p *Peer) AnyNewPeerCatchUp(peerId uint64) bool {
	if len(p.PeersStartPendingTime) == 0 {
		return false
	}
	if !p.IsLeader() {
		p.clearPeersStartPendingTime()
		return false
	}
	if startPendingTime, ok := p.PeersStartPendingTime[peerId]; ok {
		truncatedIdx := p.Store().truncatedIndex()
		if progress, ok := p.RaftGroup.Status().Progress[peerId]; ok {
			if progress.Match >= truncatedIdx {
				delete(p.PeersStartPendingTime, peerId)
				elapsed := time.Since(startPendingTime)
				log.S().Debugf("%v peer %v has caught up logs, elapsed: %v", p.Tag, peerId, elapsed)
				return true
			}
		}
	}
	return false
}

func (p *Peer) MaybeCampaign(parentIsLeader bool) bool {
	// The peer campaigned when it was created, no need to do it again.
	if len(p.Region().GetPeers()) <= 1 || !parentIsLeader {
		return false
	}

	// If last peer is the leader of the region before split, it's intuitional
	// for it to become the leader of new split region.
	if err := p.RaftGroup.Campaign(); err != nil {
		return false
	}

	return true
}

func (p *Peer) Term() uint64 {
	return p.RaftGroup.Raft.Term
}

func (p *Peer) HeartbeatPd(ctx *PollContext) {
	ctx.pdScheduler <- task{
		tp: taskTypePDHeartbeat,
		data: &pdRegionHeartbeatTask{
			region:          p.Region(),
			peer:            p.Meta,
			downPeers:       p.CollectDownPeers(ctx.cfg.MaxPeerDownDuration),
			pendingPeers:    p.CollectPendingPeers(),
			writtenBytes:    p.PeerStat.WrittenBytes,
			writtenKeys:     p.PeerStat.WrittenKeys,
			approximateSize: p.ApproximateSize,
		},
	}
}

func (p *Peer) sendRaftMessage(msg eraftpb.Message, trans Transport) error {
	sendMsg := new(rspb.RaftMessage)
	sendMsg.RegionId = p.regionId
	// set current epoch
	sendMsg.RegionEpoch = &metapb.RegionEpoch{
		ConfVer: p.Region().RegionEpoch.ConfVer,
		Version: p.Region().RegionEpoch.Version,
	}

	fromPeer := *p.Meta
	toPeer := p.getPeerFromCache(msg.To)
	if toPeer == nil {
		return errors.Errorf("failed to lookup recipient peer %v in region %v", msg.To, p.regionId)
	}

	sendMsg.FromPeer = &fromPeer
	sendMsg.ToPeer = toPeer

	// There could be two cases:
	// 1. Target peer already exists but has not established communication with leader yet
	// 2. Target peer is added newly due to member change or region split, but it's not
	//    created yet
	// For both cases the region start key and end key are attached in RequestVote and
	// Heartbeat message for the store of that peer to check whether to create a new peer
	// when receiving these messages, or just to wait for a pending region split to perform
	// later.
	if p.Store().isInitialized() && isInitialMsg(&msg) {
		sendMsg.StartKey = append([]byte{}, p.Region().StartKey...)
		sendMsg.EndKey = append([]byte{}, p.Region().EndKey...)
	}
	sendMsg.Message = &msg
	return trans.Send(sendMsg)
}

func isInitialMsg(msg *eraftpb.Message) bool {
	return msg.MsgType == eraftpb.MessageType_MsgRequestVote ||
		msg.MsgType == eraftpb.MessageType_MsgRequestPreVote ||
		// the peer has not been known to this leader, it may exist or not.
		(msg.MsgType == eraftpb.MessageType_MsgHeartbeat && msg.Commit == RaftInvalidIndex)
}

// CheckStaleState inspects how long the leader has been missing and decides
// whether to ask pd if this peer is still valid.
func (p *Peer) CheckStaleState(cfg *Config) StaleState {
	if p.IsLeader() {
		// Leaders always have valid state.
		// We update the leader_missing_time in the `func Step`. However one
		// peer region does not send any raft messages, so we have to check
		// and update it before reporting stale states.
		p.leaderMissingTime = nil
		return StaleStateValid
	}
	naivePeer := !p.isInitialized() || p.RaftGroup.Raft.IsLearner
	// Updates the `leader_missing_time` according to the current state.
	if p.leaderMissingTime == nil {
		now := time.Now()
		p.leaderMissingTime = &now
	} else if p.LeaderId() != InvalidID {
		p.leaderMissingTime = nil
		return StaleStateValid
	}
	elapsed := time.Since(*p.leaderMissingTime)
	if elapsed >= cfg.MaxLeaderMissingDuration {
		// Resets the `leader_missing_time` to avoid sending the same tasks to
		// PD worker continuously during the leader missing timeout.
		p.leaderMissingTime = nil
		return StaleStateToValidate
	} else if elapsed >= cfg.AbnormalLeaderMissingDuration && !naivePeer {
		// A peer is considered as in the leader missing state if it's
		// uninitialized or if it's initialized but is isolated from its
		// leader.
		return StaleStateLeaderMissing
	}
	return StaleStateValid
}

func (p *Peer) OnRoleChanged(ctx *PollContext, ready *raft.Ready) {
	ss := ready.SoftState
	if ss != nil {
		if ss.RaftState == raft.StateFollower {
			p.HeartbeatPd(ctx)
		}
		ctx.peerEventObserver.OnRoleChange(p.regionId, ss.RaftState)
	}
}

// ReadyToHandlePendingSnap returns whether it is safe to replace the storage
// with a pending snapshot. All applied entries must be flushed first, or the
// kv data would run ahead of what the snapshot covers.
func (p *Peer) ReadyToHandlePendingSnap() bool {
	// If apply worker is still working, written apply state may be overwritten
	// by apply worker. So we have to wait here.
	// Please note that committed_index can't be used here. When applying a snapshot,
	// a stale heartbeat can make the leader think follower has already applied
	// the snapshot, and send remaining log entries, which may increase committed_index.
	return p.LastApplyingIdx == p.Store().AppliedIndex()
}

func (p *Peer) TakeApplyProposals() *RegionProposal {
	if len(p.applyProposals) == 0 {
		return nil
	}
	props := p.applyProposals
	p.applyProposals = nil
	return newRegionProposal(p.PeerId(), p.regionId, props)
}

func (p *Peer) HandleRaftReadyAppend(ctx *PollContext) *ReadyICPair {
	if p.PendingRemove {
		return nil
	}
	if p.Store().CheckApplyingSnap() {
		// If we continue to handle all the messages, it may cause too many
		// messages because leader will send all the remaining messages to
		// this follower, which can lead to full message queue under high load.
		log.S().Debugf("%v still applying snapshot, skip further handling", p.Tag)
		return nil
	}

	if len(p.pendingMessages) > 0 {
		messages := p.pendingMessages
		p.pendingMessages = nil
		if err := p.Send(ctx.trans, messages); err != nil {
			log.S().Warnf("%v clear snapshot pengding messages err: %v", p.Tag, err)
		}
	}

	if p.HasPendingSnapshot() && !p.ReadyToHandlePendingSnap() {
		log.S().Debugf("%v [apply_id: %v, last_applying_idx: %v] is not ready to apply snapshot.",
			p.Tag, p.Store().AppliedIndex(), p.LastApplyingIdx)
		return nil
	}

	if !p.RaftGroup.HasReadySince(&p.LastApplyingIdx) {
		return nil
	}

	ready := p.RaftGroup.ReadySince(p.LastApplyingIdx)

	p.OnRoleChanged(ctx, &ready)

	// The leader can write to disk and replicate to the followers concurrently
	// For more details, check raft thesis 10.2.1.
	if p.IsLeader() {
		if err := p.Send(ctx.trans, ready.Messages); err != nil {
			log.S().Warnf("%v leader send message err: %v", p.Tag, err)
		}
		ready.Messages = ready.Messages[:0]
	}

	invokeCtx, err := p.Store().SaveReadyState(ctx.kvWB, ctx.raftWB, &ready)
	if err != nil {
		panic(fmt.Sprintf("failed to handle raft ready, error: %v", err))
	}
	return &ReadyICPair{Ready: ready, IC: invokeCtx}
}

// PostRaftReadyPersistent updates the memory state after the ready's writes
// reached the engines.
func (p *Peer) PostRaftReadyPersistent(ctx *PollContext, ready *raft.Ready, invokeCtx *InvokeContext) *ApplySnapResult {
	if invokeCtx.hasSnapshot() {
		// When apply snapshot, there is no log applied and not compacted yet.
		p.RaftLogSizeHint = 0
	}

	applySnapResult := p.Store().PostReadyPersistent(invokeCtx)
	if applySnapResult != nil && p.Meta.GetRole() == metapb.PeerRole_Learner {
		// The peer may change from learner to voter after snapshot applied.
		for _, peer := range p.Region().GetPeers() {
			if peer.GetId() == p.Meta.GetId() && !PeerEqual(peer, p.Meta) {
				p.Meta = &metapb.Peer{
					Id:      peer.Id,
					StoreId: peer.StoreId,
					Role:    peer.Role,
				}
			}
		}
	}

	if !p.IsLeader() {
		if p.IsApplyingSnapshot() {
			p.pendingMessages = ready.Messages
			ready.Messages = nil
		} else {
			if err := p.Send(ctx.trans, ready.Messages); err != nil {
				log.S().Warnf("%v follower send messages err: %v", p.Tag, err)
			}
		}
	}

	if applySnapResult != nil {
		p.Activate(ctx.applyMsgs)
	}

	return applySnapResult
}

// Activate (re)registers the peer in the apply pipeline, used after a
// snapshot replaced the storage.
func (p *Peer) Activate(applyMsgs *applyMsgs) {
	applyMsgs.appendMsg(p.regionId, NewPeerMsg(MsgTypeApplyRegistration, p.regionId, newRegistration(p)))
}

// HandleRaftReadyApply hands the committed entries to the apply pipeline,
// recording the indexes of committed split / prepare-merge entries so the
// propose path can fence conflicting commands before they are applied.
func (p *Peer) HandleRaftReadyApply(applyMsgs *applyMsgs, ready *raft.Ready) {
	// Call `HandleRaftCommittedEntries` directly here may lead to inconsistency.
	// In some cases, there will be some pending committed entries when applying a
	// snapshot. If we call `HandleRaftCommittedEntries` directly, these updates
	// will be written to disk. Because we apply snapshot asynchronously, so these
	// updates will soon be removed. But the soft state of raft is still be updated
	// in memory. Hence when handle ready next time, these updates won't be included
	// in `ready.committed_entries` again, which will lead to inconsistency.
	if p.IsApplyingSnapshot() {
		// Snapshot's metadata has been applied.
		p.LastApplyingIdx = p.Store().truncatedIndex()
	} else {
		committedEntries := ready.CommittedEntries
		ready.CommittedEntries = nil
		// leader needs to update lease and last committed split index.
		var hasMergeEntry bool
		for i := range committedEntries {
			entry := &committedEntries[i]
			// raft meta is very small, can be ignored.
			p.RaftLogSizeHint += uint64(len(entry.Data))
			proposalCtx := NewProposalContextFromBytes(entry.Context)
			if proposalCtx != nil {
				if proposalCtx.contains(ProposalContextSplit) {
					p.lastCommittedSplitIdx = entry.Index
				}
				if proposalCtx.contains(ProposalContextPrepareMerge) {
					p.lastCommittedPrepareMergeIdx = entry.Index
					hasMergeEntry = true
				}
			}
		}
		if hasMergeEntry {
			// Once a prepare merge entry commits, the source region must not
			// let the commit index drift ahead silently on followers, the
			// target relies on every source replica observing the same
			// frozen log.
			p.RaftGroup.SkipBcastCommit(false)
		}
		if len(committedEntries) > 0 {
			p.lastUrgentProposalIdx = math.MaxUint64
			lastEntry := committedEntries[len(committedEntries)-1]
			p.LastApplyingIdx = lastEntry.Index
			apply := &apply{
				regionId: p.regionId,
				term:     p.Term(),
				entries:  committedEntries,
			}
			applyMsgs.appendMsg(p.regionId, newApplyMsg(apply))
		}
	}

	p.RaftGroup.AdvanceAppend(*ready)
	if p.IsApplyingSnapshot() {
		// Because we only handle raft ready when not applying snapshot, so following
		// line won't be called twice for the same snapshot.
		p.RaftGroup.AdvanceApply(p.LastApplyingIdx)
	}
}

func (p *Peer) PostApply(applyState applyState, appliedIndexTerm uint64, merged bool, metrics applyMetrics) bool {
	hasReady := false
	if p.IsApplyingSnapshot() {
		panic("should not applying snapshot")
	}

	if !merged {
		p.RaftGroup.AdvanceApply(applyState.appliedIndex)
	}

	progressToBeUpdated := p.Store().appliedIndexTerm != appliedIndexTerm
	p.Store().applyState = applyState
	p.Store().appliedIndexTerm = appliedIndexTerm

	p.PeerStat.WrittenBytes += metrics.writtenBytes
	p.PeerStat.WrittenKeys += metrics.writtenKeys
	p.deleteKeysHint += metrics.deleteKeysHint
	p.SizeDiffHint = uint64(int64(p.SizeDiffHint) + metrics.sizeDiffHint)

	if p.HasPendingSnapshot() && p.ReadyToHandlePendingSnap() {
		hasReady = true
	}
	_ = progressToBeUpdated

	return hasReady
}

// Propose a request.
//
// Return true means the request has been proposed successfully.
func (p *Peer) Propose(cfg *Config, cb *Callback, req *raft_cmdpb.RaftCmdRequest, errResp *raft_cmdpb.RaftCmdResponse) bool {
	if p.PendingRemove {
		return false
	}

	isConfChange := false
	policy, err := p.inspect(req)
	if err != nil {
		BindRespError(errResp, err)
		cb.Done(errResp)
		return false
	}
	var idx uint64
	switch policy {
	case RequestPolicyProposeNormal:
		idx, err = p.ProposeNormal(cfg, req)
	case RequestPolicyProposeTransferLeader:
		return p.ProposeTransferLeader(cfg, req, cb)
	case RequestPolicyProposeConfChange:
		isConfChange = true
		idx, err = p.ProposeConfChange(cfg, req)
	}

	if err != nil {
		BindRespError(errResp, err)
		cb.Done(errResp)
		return false
	}

	p.PostPropose(idx, p.Term(), isConfChange, cb)
	return true
}

func (p *Peer) PostPropose(index, term uint64, isConfChange bool, cb *Callback) {
	proposal := &Proposal{
		isConfChange: isConfChange,
		index:        index,
		term:         term,
		cb:           cb,
	}
	p.applyProposals = append(p.applyProposals, proposal)
}

// countHealthyNode counts the number of healthy nodes. A node is healthy when
// it's in the current term, which means it could be the leader or a
// replicating follower.
func (p *Peer) countHealthyNode(progress map[uint64]raft.Progress) int {
	healthy := 0
	for _, pr := range progress {
		if pr.Match >= p.Store().truncatedIndex() {
			healthy++
		}
	}
	return healthy
}

// checkConfChange checks whether it's safe to propose the specified conf
// change request.
//
// It's safe iff at least the quorum of the Raft group is still healthy right
// after that conf change is applied. Define the total number of nodes in
// current Raft cluster to be `total`. To ensure the above safety, if the cmd
// is:
//   1. A `AddNode` request: then at most one node can be offline.
//   2. A `RemoveNode` request: then at most one node can be offline after
//      removing.
func (p *Peer) checkConfChange(cfg *Config, cmd *raft_cmdpb.RaftCmdRequest) error {
	changePeer := getChangePeerCmd(cmd)
	changeType := changePeer.GetChangeType()
	peer := changePeer.GetPeer()

	// Check the request itself is valid or not.
	if (changeType == eraftpb.ConfChangeType_AddNode && peer.Role == metapb.PeerRole_Learner) ||
		(changeType == eraftpb.ConfChangeType_AddLearnerNode && peer.Role != metapb.PeerRole_Learner) {
		log.S().Warnf("%s conf change type: %v, but got peer %v", p.Tag, changeType, peer)
		return fmt.Errorf("invalid conf change request")
	}

	if changeType == eraftpb.ConfChangeType_RemoveNode && !cfg.AllowRemoveLeader && peer.Id == p.PeerId() {
		log.S().Warnf("%s rejects remove leader request %v", p.Tag, changePeer)
		return fmt.Errorf("ignore remove leader")
	}

	status := p.RaftGroup.Status()
	total := len(status.Progress)
	if total == 1 {
		// It's always safe if there is only one node in the cluster.
		return nil
	}

	switch changeType {
	case eraftpb.ConfChangeType_AddNode:
		if pr, ok := status.LearnerProgress[peer.Id]; ok {
			pr.IsLearner = false
			status.Progress[peer.Id] = pr
			delete(status.LearnerProgress, peer.Id)
		} else {
			status.Progress[peer.Id] = raft.Progress{}
		}
	case eraftpb.ConfChangeType_RemoveNode:
		if peer.GetRole() == metapb.PeerRole_Learner {
			return nil
		}
		delete(status.Progress, peer.Id)
	case eraftpb.ConfChangeType_AddLearnerNode:
		return nil
	}

	healthy := p.countHealthyNode(status.Progress)
	quorumAfterChange := Quorum(len(status.Progress))
	if healthy >= quorumAfterChange {
		return nil
	}

	log.S().Infof("%v rejects unsafe conf change request %v, total %v, healthy %v, quorum after change %v",
		p.Tag, changePeer, total, healthy, quorumAfterChange)

	return fmt.Errorf("unsafe to perform conf change %v, total %v, healthy %v, quorum after change %v",
		changePeer, total, healthy, quorumAfterChange)
}

func Quorum(total int) int {
	return total/2 + 1
}

func (p *Peer) transferLeader(peer *metapb.Peer) {
	log.S().Infof("%v transfer leader to %v", p.Tag, peer)
	p.RaftGroup.TransferLeader(peer.GetId())
}

func (p *Peer) readyToTransferLeader(cfg *Config, peer *metapb.Peer) bool {
	peerId := peer.GetId()
	status := p.RaftGroup.Status()

	if _, ok := status.Progress[peerId]; !ok {
		return false
	}

	for _, pr := range status.Progress {
		if pr.State == raft.ProgressStateSnapshot {
			return false
		}
	}

	if p.RecentAddedPeer.contains(peerId) {
		log.S().Debugf("%v reject transfer leader to %v due to the peer was added recently", p.Tag, peer)
		return false
	}

	lastIndex, _ := p.Store().LastIndex()

	return lastIndex <= status.Progress[peerId].Match+cfg.LeaderTransferMaxLogLag
}

// GetMinProgress is the lowest matched log index among all the replicas of
// this region, i.e. the highest index guaranteed present everywhere.
func (p *Peer) GetMinProgress() uint64 {
	var minMatch uint64 = math.MaxUint64
	hasProgress := false
	for _, pr := range p.RaftGroup.Status().Progress {
		hasProgress = true
		if pr.Match < minMatch {
			minMatch = pr.Match
		}
	}
	if !hasProgress {
		return 0
	}
	return minMatch
}

// preProposePrepareMerge checks that every source replica is close enough to
// the log head that the merge can complete with bounded catch-up, and that
// the not-yet-everywhere log suffix carries nothing that would conflict with
// the merge. On success PrepareMerge.MinIndex is frozen into the request.
func (p *Peer) preProposePrepareMerge(cfg *Config, req *raft_cmdpb.RaftCmdRequest) error {
	lastIndex := p.RaftGroup.Raft.RaftLog.LastIndex()
	minProgress := p.GetMinProgress()
	minIndex := minProgress + 1
	if minProgress == 0 || lastIndex-minProgress > cfg.MergeMaxLogGap {
		return fmt.Errorf("log gap (%v, %v] is too large, skip merge", minProgress, lastIndex)
	}

	entrySize := 0
	ents, err := p.Store().Entries(minIndex, lastIndex+1, math.MaxUint64)
	if err != nil && err != raft.ErrUnavailable {
		return err
	}
	for i := range ents {
		entry := &ents[i]
		entrySize += len(entry.Data)
		if entry.EntryType == eraftpb.EntryType_EntryConfChange {
			return fmt.Errorf("log gap contains conf change, skip merging")
		}
		if len(entry.Data) == 0 {
			continue
		}
		cmd := new(raft_cmdpb.RaftCmdRequest)
		if err := cmd.Unmarshal(entry.Data); err != nil {
			panic(fmt.Sprintf("%v data is corrupted at %v, error: %v", p.Tag, entry.Index, err))
		}
		if cmd.AdminRequest == nil {
			continue
		}
		switch cmd.AdminRequest.GetCmdType() {
		case raft_cmdpb.AdminCmdType_TransferLeader, raft_cmdpb.AdminCmdType_ComputeHash,
			raft_cmdpb.AdminCmdType_VerifyHash, raft_cmdpb.AdminCmdType_InvalidAdmin:
			continue
		default:
			return fmt.Errorf("log gap contains admin request %v, skip merging", cmd.AdminRequest.GetCmdType())
		}
	}
	if p.RaftGroup.Raft.PendingConfIndex > minProgress {
		return fmt.Errorf("pending conf change in log gap, skip merging")
	}

	if float64(entrySize) > float64(cfg.RaftEntryMaxSize)*0.9 {
		return fmt.Errorf("log gap size exceed entry size limit, skip merging")
	}

	req.AdminRequest.PrepareMerge.MinIndex = minIndex
	return nil
}

func (p *Peer) PrePropose(cfg *Config, req *raft_cmdpb.RaftCmdRequest) (*ProposalContext, error) {
	ctx := new(ProposalContext)

	if getSyncLogFromRequest(req) {
		ctx.insert(ProposalContextSyncLog)
	}

	if req.AdminRequest == nil {
		return ctx, nil
	}

	switch req.AdminRequest.GetCmdType() {
	case raft_cmdpb.AdminCmdType_Split, raft_cmdpb.AdminCmdType_BatchSplit:
		ctx.insert(ProposalContextSplit)
	default:
	}

	if req.AdminRequest.PrepareMerge != nil {
		if err := p.preProposePrepareMerge(cfg, req); err != nil {
			return nil, err
		}
		ctx.insert(ProposalContextPrepareMerge)
	}

	return ctx, nil
}

func (p *Peer) ProposeNormal(cfg *Config, req *raft_cmdpb.RaftCmdRequest) (uint64, error) {
	// While a merge is prepared, only the rollback of that merge may enter
	// the log on the source region.
	if p.PendingMergeState != nil &&
		(req.AdminRequest == nil || req.AdminRequest.CmdType != raft_cmdpb.AdminCmdType_RollbackMerge) {
		return 0, fmt.Errorf("peer in merging mode, can't do proposal")
	}

	ctx, err := p.PrePropose(cfg, req)
	if err != nil {
		log.S().Warnf("%v skip proposal: %v", p.Tag, err)
		return 0, err
	}
	data, err := req.Marshal()
	if err != nil {
		return 0, err
	}
	if uint64(len(data)) > cfg.RaftEntryMaxSize {
		log.S().Errorf("entry is too large, entry size %v", len(data))
		return 0, &ErrRaftEntryTooLarge{RegionID: p.regionId, EntrySize: uint64(len(data))}
	}

	proposeIndex := p.nextProposalIndex()
	if err = p.RaftGroup.Propose(ctx.ToBytes(), data); err != nil {
		return 0, err
	}
	if proposeIndex == p.nextProposalIndex() {
		// The message is dropped silently, this usually due to leader absence
		// or transferring leader. Both cases can be considered as NotLeader
		// error.
		return 0, &ErrNotLeader{RegionID: p.regionId}
	}

	if ctx.contains(ProposalContextPrepareMerge) {
		p.lastUrgentProposalIdx = proposeIndex
	}

	return proposeIndex, nil
}

// ProposeTransferLeader returns true when the request has been handled, not
// whether the transfer succeeds. The real leader switch is observed through
// subsequent raft messages.
func (p *Peer) ProposeTransferLeader(cfg *Config, req *raft_cmdpb.RaftCmdRequest, cb *Callback) bool {
	transferLeader := getTransferLeaderCmd(req)
	peer := transferLeader.Peer

	if p.readyToTransferLeader(cfg, peer) {
		p.transferLeader(peer)
	} else {
		log.S().Infof("%v transfer leader message ignored directly, message: %v", p.Tag, req)
	}

	// transfer leader command doesn't need to replicate log and apply, so we
	// return immediately. Note that this command may fail, we can view it just
	// as an advice.
	cb.Done(makeTransferLeaderResponse())
	return true
}

func (p *Peer) ProposeConfChange(cfg *Config, req *raft_cmdpb.RaftCmdRequest) (uint64, error) {
	if p.PendingMergeState != nil {
		return 0, fmt.Errorf("peer in merging mode, can't do proposal")
	}
	if p.RaftGroup.Raft.PendingConfIndex > p.Store().AppliedIndex() {
		log.S().Infof("%v there is a pending conf change, try later", p.Tag)
		return 0, fmt.Errorf("%v there is a pending conf change, try later", p.Tag)
	}

	if err := p.checkConfChange(cfg, req); err != nil {
		return 0, err
	}

	data, err := req.Marshal()
	if err != nil {
		return 0, err
	}

	changePeer := getChangePeerCmd(req)
	var cc eraftpb.ConfChange
	cc.ChangeType = changePeer.ChangeType
	cc.NodeId = changePeer.Peer.Id
	cc.Context = data

	log.S().Infof("%v propose conf change %v peer %v", p.Tag, cc.ChangeType, cc.NodeId)

	proposeIndex := p.nextProposalIndex()
	var proposalCtx ProposalContext = ProposalContextSyncLog
	if err = p.RaftGroup.ProposeConfChange(proposalCtx.ToBytes(), cc); err != nil {
		return 0, err
	}
	if p.nextProposalIndex() == proposeIndex {
		// The message is dropped silently, this usually due to leader absence
		// or transferring leader. Both cases can be considered as NotLeader
		// error.
		return 0, &ErrNotLeader{RegionID: p.regionId}
	}

	return proposeIndex, nil
}

type RequestPolicy int

const (
	RequestPolicyProposeNormal RequestPolicy = iota
	RequestPolicyProposeTransferLeader
	RequestPolicyProposeConfChange
	RequestPolicyInvalid
)

func (p *Peer) inspect(req *raft_cmdpb.RaftCmdRequest) (RequestPolicy, error) {
	if req.AdminRequest != nil {
		if getChangePeerCmd(req) != nil {
			return RequestPolicyProposeConfChange, nil
		}
		if getTransferLeaderCmd(req) != nil {
			return RequestPolicyProposeTransferLeader, nil
		}
		return RequestPolicyProposeNormal, nil
	}

	for _, r := range req.Requests {
		switch r.CmdType {
		case raft_cmdpb.CmdType_Get, raft_cmdpb.CmdType_Snap,
			raft_cmdpb.CmdType_Put, raft_cmdpb.CmdType_Delete, raft_cmdpb.CmdType_DeleteRange:
		default:
			return RequestPolicyInvalid, errors.Errorf("invalid cmd type %v in query", r.CmdType)
		}
	}
	return RequestPolicyProposeNormal, nil
}

// IsUrgentRequest checks whether the request should be proposed even when
// there are uncommitted entries of previous terms, merge related commands
// must not be starved by a transferring leadership.
func IsUrgentRequest(req *raft_cmdpb.RaftCmdRequest) bool {
	adminRequest := req.GetAdminRequest()
	if adminRequest == nil {
		return false
	}
	switch adminRequest.CmdType {
	case raft_cmdpb.AdminCmdType_Split,
		raft_cmdpb.AdminCmdType_BatchSplit,
		raft_cmdpb.AdminCmdType_ChangePeer,
		raft_cmdpb.AdminCmdType_ComputeHash,
		raft_cmdpb.AdminCmdType_VerifyHash,
		raft_cmdpb.AdminCmdType_PrepareMerge,
		raft_cmdpb.AdminCmdType_CommitMerge,
		raft_cmdpb.AdminCmdType_RollbackMerge:
		return true
	default:
		return false
	}
}

func getTransferLeaderCmd(req *raft_cmdpb.RaftCmdRequest) *raft_cmdpb.TransferLeaderRequest {
	if req.AdminRequest == nil {
		return nil
	}
	return req.AdminRequest.TransferLeader
}

func getChangePeerCmd(req *raft_cmdpb.RaftCmdRequest) *raft_cmdpb.ChangePeerRequest {
	if req.AdminRequest == nil {
		return nil
	}
	return req.AdminRequest.ChangePeer
}

func getSyncLogFromRequest(req *raft_cmdpb.RaftCmdRequest) bool {
	if req.AdminRequest != nil {
		switch req.AdminRequest.GetCmdType() {
		case raft_cmdpb.AdminCmdType_ChangePeer,
			raft_cmdpb.AdminCmdType_Split,
			raft_cmdpb.AdminCmdType_BatchSplit,
			raft_cmdpb.AdminCmdType_PrepareMerge,
			raft_cmdpb.AdminCmdType_CommitMerge,
			raft_cmdpb.AdminCmdType_RollbackMerge:
			return true
		default:
			return false
		}
	}
	return req.Header.GetSyncLog()
}

func makeTransferLeaderResponse() *raft_cmdpb.RaftCmdResponse {
	adminResp := &raft_cmdpb.AdminResponse{}
	adminResp.CmdType = raft_cmdpb.AdminCmdType_TransferLeader
	adminResp.TransferLeader = &raft_cmdpb.TransferLeaderResponse{}
	resp := &raft_cmdpb.RaftCmdResponse{Header: &raft_cmdpb.RaftResponseHeader{}}
	resp.AdminResponse = adminResp
	return resp
}

// NotifyReqRegionRemoved answers a pending callback after its region's peer
// was destroyed.
func NotifyReqRegionRemoved(regionId uint64, cb *Callback) {
	regionNotFound := &ErrRegionNotFound{RegionID: regionId}
	resp := ErrResp(regionNotFound)
	cb.Done(resp)
}

// NotifyStaleReq answers a pending callback that lost to a newer term.
func NotifyStaleReq(term uint64, cb *Callback) {
	cb.Done(ErrRespStaleCommand(term))
}
