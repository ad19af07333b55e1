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
	"github.com/uber-go/atomic"
)

type pendingCmd struct {
	index uint64
	term  uint64
	cb    *Callback
}

type pendingCmdQueue struct {
	normals    []pendingCmd
	confChange *pendingCmd
}

func (q *pendingCmdQueue) popNormal(term uint64) *pendingCmd {
	if len(q.normals) == 0 {
		return nil
	}
	cmd := &q.normals[0]
	if cmd.term > term {
		return nil
	}
	q.normals = q.normals[1:]
	return cmd
}

func (q *pendingCmdQueue) appendNormal(cmd pendingCmd) {
	q.normals = append(q.normals, cmd)
}

func (q *pendingCmdQueue) takeConfChange() *pendingCmd {
	// conf change will not be affected when changing between follower and leader,
	// so there is no need to check term.
	cmd := q.confChange
	q.confChange = nil
	return cmd
}

func (q *pendingCmdQueue) setConfChange(cmd *pendingCmd) {
	q.confChange = cmd
}

type changePeer struct {
	confChange *eraftpb.ConfChange
	peer       *metapb.Peer
	region     *metapb.Region
}

type keyRange struct {
	startKey []byte
	endKey   []byte
}

type apply struct {
	regionId uint64
	term     uint64
	entries  []eraftpb.Entry
}

type applyMetrics struct {
	writtenBytes   uint64
	writtenKeys    uint64
	sizeDiffHint   int64
	deleteKeysHint uint64
}

type applyTaskRes struct {
	regionID         uint64
	applyState       applyState
	appliedIndexTerm uint64
	execResults      []execResult
	metrics          applyMetrics
	merged           bool

	destroyPeerID uint64
}

type execResultChangePeer struct {
	cp changePeer
}

type execResultCompactLog struct {
	truncatedIndex uint64
	firstIndex     uint64
}

type execResultSplitRegion struct {
	regions []*metapb.Region
	derived *metapb.Region
}

type execResultPrepareMerge struct {
	region *metapb.Region
	state  *rspb.MergeState
}

type execResultCommitMerge struct {
	region *metapb.Region
	source *metapb.Region
}

type execResultRollbackMerge struct {
	region *metapb.Region
	commit uint64
}

type execResultVerifyHash struct {
	index uint64
	hash  []byte
}

type execResultDeleteRange struct {
	ranges []keyRange
}

type execResult = interface{}

type applyResultType int

const (
	applyResultTypeNone              applyResultType = 0
	applyResultTypeExecResult        applyResultType = 1
	applyResultTypeWaitMergeResource applyResultType = 2
)

type applyResult struct {
	tp   applyResultType
	data interface{}
}

type applyExecContext struct {
	index      uint64
	term       uint64
	applyState applyState
}

type registration struct {
	id               uint64
	term             uint64
	applyState       applyState
	appliedIndexTerm uint64
	region           *metapb.Region
}

func newRegistration(peer *Peer) *registration {
	return &registration{
		id:               peer.PeerId(),
		term:             peer.Term(),
		applyState:       peer.Store().applyState,
		appliedIndexTerm: peer.Store().appliedIndexTerm,
		region:           peer.Region(),
	}
}

type applyMsgs struct {
	msgs []Msg
}

func (r *applyMsgs) appendMsg(regionID uint64, msg Msg) {
	msg.RegionID = regionID
	r.msgs = append(r.msgs, msg)
}

type applyCallback struct {
	cb   *Callback
	resp *raft_cmdpb.RaftCmdResponse
}

type applyContext struct {
	tag             string
	timer           *time.Time
	regionScheduler chan<- task
	notifier        chan<- Msg
	router          *router
	engines         *Engines

	wb               *WriteBatch
	cbs              []applyCallback
	applyTaskResList []*applyTaskRes
	execCtx          *applyExecContext

	// Whether synchronize WAL before responding to the client.
	syncLogHint bool
}

func newApplyContext(tag string, regionScheduler chan<- task, engines *Engines,
	notifier chan<- Msg, router *router) *applyContext {
	return &applyContext{
		tag:             tag,
		regionScheduler: regionScheduler,
		engines:         engines,
		notifier:        notifier,
		router:          router,
		wb:              new(WriteBatch),
	}
}

// flush writes all the pending changes to the kv engine, then feeds the
// callbacks and apply results back. Callbacks must not be called before the
// data reached the engine, or a client could observe a write that a crash
// right after would lose.
func (ac *applyContext) flush() {
	if ac.timer == nil {
		return
	}
	if !ac.wb.IsEmpty() {
		ac.wb.MustWriteToDB(ac.engines.kv)
		if ac.syncLogHint {
			if err := ac.engines.SyncKVWAL(); err != nil {
				panic(err)
			}
			ac.syncLogHint = false
		}
		ac.wb.Reset()
	}
	for _, cb := range ac.cbs {
		cb.cb.Done(cb.resp)
	}
	ac.cbs = ac.cbs[:0]
	for _, res := range ac.applyTaskResList {
		ac.notifier <- NewPeerMsg(MsgTypeApplyRes, res.regionID, res)
	}
	ac.applyTaskResList = ac.applyTaskResList[:0]
	ac.timer = nil
}

// writeToDB flushes the pending writes without delivering callbacks, used
// when apply needs read-your-writes inside one batch.
func (ac *applyContext) writeToDB() {
	if !ac.wb.IsEmpty() {
		ac.wb.MustWriteToDB(ac.engines.kv)
		ac.wb.Reset()
	}
}

/// Finishes `Apply`s for the applier.
func (ac *applyContext) finishFor(a *applier, results []execResult) {
	a.writeApplyState(ac.wb)
	res := &applyTaskRes{
		regionID:         a.region.Id,
		applyState:       a.applyState,
		appliedIndexTerm: a.appliedIndexTerm,
		execResults:      results,
		metrics:          a.metrics,
		merged:           a.merged,
	}
	ac.applyTaskResList = append(ac.applyTaskResList, res)
}

/// Calls the callback of `cmd` when the Region is removed.
func notifyRegionRemoved(regionID, peerID uint64, cmd pendingCmd) {
	log.S().Debugf("region %d is removed, peerID %d, index %d, term %d", regionID, peerID, cmd.index, cmd.term)
	NotifyReqRegionRemoved(regionID, cmd.cb)
}

/// Calls the callback of `cmd` when it can not be processed further.
func notifyStaleCommand(regionID, peerID, term uint64, cmd pendingCmd) {
	log.S().Infof("command is stale, skip. regionID %d, peerID %d, index %d, term %d",
		regionID, peerID, cmd.index, cmd.term)
	NotifyStaleReq(term, cmd.cb)
}

/// A struct that stores the state related to Merge.
///
/// When executing a `CommitMerge`, the source peer may have not applied
/// to the required index, so the target peer has to abort current execution
/// and wait for it asynchronously.
///
/// When rolling the stack, all states required to recover are stored in
/// this struct.
type waitSourceMergeState struct {
	/// All of the entries that need to continue to be applied after
	/// the source peer has applied its logs.
	pendingEntries []eraftpb.Entry
	/// All of messages that need to continue to be handled after
	/// the source peer has applied its logs and pending entries
	/// are all handled.
	pendingMsgs []Msg
	/// A flag that indicates whether the source peer has applied to the required
	/// index. If the source peer is ready, this flag should be set to the region id
	/// of source peer.
	readyToMerge *atomic.Uint64
	/// When handling `CatchUpLogs` message, maybe there is a merge cascade, namely,
	/// a source peer to catch up logs whereas the logs contain a `CommitMerge`.
	/// In this case, the source peer needs to merge another source peer first, so storing the
	/// `CatchUpLogs` message in this field, and once the cascaded merge and all other pending
	/// msgs are handled, the source peer will check this field and then send `LogsUpToDate`
	/// message to its target peer.
	catchUpLogs *catchUpLogs
}

func (s *waitSourceMergeState) String() string {
	return fmt.Sprintf("waitSourceMergeState{pending_entries:%d, pending_msgs:%d, ready_to_merge:%d, catch_up_logs:%v}",
		len(s.pendingEntries), len(s.pendingMsgs), s.readyToMerge.Load(), s.catchUpLogs != nil)
}

type catchUpLogs struct {
	targetRegionID uint64
	merge          *raft_cmdpb.CommitMergeRequest
	readyToMerge   *atomic.Uint64
}

/// The applier of a Region which is responsible for handling committed
/// raft log entries of a Region.
///
/// `Apply` is a term of Raft, which means executing the actual commands.
/// In Raft, once some log entries are committed, for every peer of the Raft
/// group will apply the logs one by one. For write commands, it does write or
/// delete to local engine; for admin commands, it does some meta change of the
/// Raft group.
///
/// The raft worker receives all the apply tasks of different Regions
/// located at this store, and it will get the corresponding applier to
/// handle the apply task to make the code logic more clear.
type applier struct {
	id     uint64
	term   uint64
	region *metapb.Region
	tag    string

	/// If the applier should be stopped from polling.
	/// A applier can be stopped in conf change, merge or requested by destroy message.
	stopped bool
	/// Set to true when removing itself because of `ConfChangeType::RemoveNode`, and then
	/// any following committed logs in same Ready should be applied failed.
	pendingRemove bool

	/// The commands waiting to be committed and applied
	pendingCmds pendingCmdQueue

	/// Marks the applier as merged by CommitMerge.
	merged bool

	/// Indicates the peer is in merging, if that compact log won't be performed.
	isMerging bool
	/// Records the epoch version after the last merge.
	lastMergeVersion uint64
	/// A temporary state that keeps track of the progress of the source peer state when
	/// CommitMerge is unable to be executed.
	waitMergeState *waitSourceMergeState
	// ID of last region that reports ready.
	readySourceRegion uint64

	/// We write apply_state to the KV engine, in one write batch together with
	/// kv data. If we wrote it to the raft engine, apply_state and kv data
	/// would be in separate WAL files and a power failure between the two
	/// syncs could lose acknowledged writes.
	applyState       applyState
	appliedIndexTerm uint64

	/// The local metrics, and it will be flushed periodically.
	metrics applyMetrics
}

func newApplier(reg *registration) *applier {
	return &applier{
		id:               reg.id,
		tag:              makeTag(reg.region, reg.id),
		region:           reg.region,
		applyState:       reg.applyState,
		appliedIndexTerm: reg.appliedIndexTerm,
		term:             reg.term,
	}
}

func newApplierFromPeer(peer *peerFsm) *applier {
	reg := newRegistration(peer.peer)
	return newApplier(reg)
}

func makeTag(region *metapb.Region, peerID uint64) string {
	return fmt.Sprintf("[region %d:%d] %d", region.Id, region.RegionEpoch.Version, peerID)
}

func (a *applier) writeApplyState(wb *WriteBatch) {
	wb.Set(ApplyStateKey(a.region.Id), a.applyState.Marshal())
}

/// Handles all the committed_entries, namely, applies the committed entries.
func (a *applier) handleRaftCommittedEntries(aCtx *applyContext, committedEntries []eraftpb.Entry) {
	if len(committedEntries) == 0 {
		return
	}
	// If we send multiple ConfChange commands, only first one will be proposed correctly,
	// others will be saved as a normal entry with no data, so we must re-propose these
	// commands again.
	var results []execResult
	for i := range committedEntries {
		entry := &committedEntries[i]
		if a.pendingRemove {
			// This peer is about to be destroyed, skip everything.
			break
		}
		expectedIndex := a.applyState.appliedIndex + 1
		if expectedIndex != entry.Index {
			// Msg::CatchUpLogs may have arrived before Msg::Apply.
			if expectedIndex > entry.GetIndex() && a.isMerging {
				log.S().Infof("skip log as it's already applied. region_id %d, peer_id %d, index %d",
					a.region.Id, a.id, entry.Index)
				continue
			}
			panic(fmt.Sprintf("%s expect index %d, but got %d", a.tag, expectedIndex, entry.Index))
		}
		var res applyResult
		switch entry.EntryType {
		case eraftpb.EntryType_EntryNormal:
			res = a.handleRaftEntryNormal(aCtx, entry)
		case eraftpb.EntryType_EntryConfChange:
			res = a.handleRaftEntryConfChange(aCtx, entry)
		}
		switch res.tp {
		case applyResultTypeNone:
		case applyResultTypeExecResult:
			results = append(results, res.data)
		case applyResultTypeWaitMergeResource:
			readyToMerge := res.data.(*atomic.Uint64)
			pendingEntries := make([]eraftpb.Entry, 0, len(committedEntries)-i)
			// Note that CommitMerge is skipped when `WaitMergeSource` is returned.
			// So we need to enqueue it again and execute it again when resuming.
			pendingEntries = append(pendingEntries, committedEntries[i:]...)
			aCtx.finishFor(a, results)
			a.waitMergeState = &waitSourceMergeState{
				pendingEntries: pendingEntries,
				readyToMerge:   readyToMerge,
			}
			return
		}
	}
	aCtx.finishFor(a, results)
}

func (a *applier) handleRaftEntryNormal(aCtx *applyContext, entry *eraftpb.Entry) applyResult {
	index := entry.Index
	term := entry.Term
	if len(entry.Data) > 0 {
		cmd := new(raft_cmdpb.RaftCmdRequest)
		if err := cmd.Unmarshal(entry.Data); err != nil {
			panic(fmt.Sprintf("%s data is corrupted at %d, error: %v", a.tag, index, err))
		}
		if entry.SyncLog {
			aCtx.syncLogHint = true
		}
		return a.processRaftCmd(aCtx, index, term, cmd)
	}

	// when a peer become leader, it will send an empty entry.
	a.applyState.appliedIndex = index
	a.appliedIndexTerm = term
	y.Assert(term > 0)
	for {
		cmd := a.pendingCmds.popNormal(term - 1)
		if cmd == nil {
			break
		}
		// apparently, all the callbacks whose term is less than entry's term are stale.
		cmd.cb.Done(ErrRespStaleCommand(term))
	}
	return applyResult{}
}

func (a *applier) handleRaftEntryConfChange(aCtx *applyContext, entry *eraftpb.Entry) applyResult {
	index := entry.Index
	term := entry.Term
	confChange := new(eraftpb.ConfChange)
	if err := confChange.Unmarshal(entry.Data); err != nil {
		panic(err)
	}
	cmd := new(raft_cmdpb.RaftCmdRequest)
	if err := cmd.Unmarshal(confChange.Context); err != nil {
		panic(err)
	}
	result := a.processRaftCmd(aCtx, index, term, cmd)
	switch result.tp {
	case applyResultTypeNone:
		// If failed, tell Raft that the `ConfChange` was aborted.
		return applyResult{tp: applyResultTypeExecResult, data: &execResultChangePeer{}}
	case applyResultTypeExecResult:
		cp := result.data.(*execResultChangePeer)
		cp.cp.confChange = confChange
		return applyResult{tp: applyResultTypeExecResult, data: result.data}
	default:
		panic("unreachable")
	}
}

func (a *applier) findCallback(index, term uint64, isConfChange bool) *Callback {
	regionID := a.region.Id
	peerID := a.id
	if isConfChange {
		cmd := a.pendingCmds.takeConfChange()
		if cmd == nil {
			return nil
		}
		if cmd.index == index && cmd.term == term {
			return cmd.cb
		}
		notifyStaleCommand(regionID, peerID, term, *cmd)
		return nil
	}
	for {
		head := a.pendingCmds.popNormal(term)
		if head == nil {
			break
		}
		if head.index == index && head.term == term {
			return head.cb
		}
		notifyStaleCommand(regionID, peerID, term, *head)
	}
	return nil
}

func (a *applier) processRaftCmd(aCtx *applyContext, index, term uint64, cmd *raft_cmdpb.RaftCmdRequest) applyResult {
	if index == 0 {
		panic(fmt.Sprintf("%s process raft cmd need a none zero index", a.tag))
	}
	isConfChange := getChangePeerCmd(cmd) != nil
	resp, result := a.applyRaftCmd(aCtx, index, term, cmd)
	if result.tp == applyResultTypeWaitMergeResource {
		return result
	}
	log.S().Debugf("applied command. region_id %d, peer_id %d, index %d", a.region.Id, a.id, index)

	BindRespTerm(resp, term)
	if cmdCB := a.findCallback(index, term, isConfChange); cmdCB != nil {
		aCtx.cbs = append(aCtx.cbs, applyCallback{cb: cmdCB, resp: resp})
	}
	return result
}

/// Applies raft command.
///
/// An apply operation can fail in the following situations:
///   1. it encounters an error that will occur on all stores, it can continue
/// applying next entry safely, like epoch not match for example;
///   2. it encounters an error that may not occur on all stores, in this case
/// we should try to apply the entry again or panic. Considering that this
/// usually due to disk operation fail, which is rare, so just panic is ok.
func (a *applier) applyRaftCmd(aCtx *applyContext, index, term uint64,
	cmd *raft_cmdpb.RaftCmdRequest) (*raft_cmdpb.RaftCmdResponse, applyResult) {
	// if pending remove, apply should be aborted already.
	y.Assert(!a.pendingRemove)

	aCtx.execCtx = a.newCtx(index, term)
	aCtx.wb.SetSafePoint()
	resp, applyResult, err := a.execRaftCmd(aCtx, cmd)
	if err != nil {
		// clear dirty values.
		aCtx.wb.RollbackToSafePoint()
		if _, ok := err.(*ErrEpochNotMatch); ok {
			log.S().Debugf("epoch not match region_id %d, peer_id %d, err %v", a.region.Id, a.id, err)
		} else {
			log.S().Errorf("execute raft command region_id %d, peer_id %d, err %v", a.region.Id, a.id, err)
		}
		resp = ErrResp(err)
	}
	if applyResult.tp == applyResultTypeWaitMergeResource {
		return resp, applyResult
	}
	a.applyState = aCtx.execCtx.applyState
	aCtx.execCtx = nil
	a.applyState.appliedIndex = index
	a.appliedIndexTerm = term

	if applyResult.tp == applyResultTypeExecResult {
		switch x := applyResult.data.(type) {
		case *execResultChangePeer:
			if x.cp.region != nil {
				a.region = x.cp.region
			}
		case *execResultSplitRegion:
			a.region = x.derived
		case *execResultPrepareMerge:
			a.region = x.region
			a.isMerging = true
		case *execResultCommitMerge:
			a.region = x.region
			a.lastMergeVersion = x.region.RegionEpoch.Version
		case *execResultRollbackMerge:
			a.region = x.region
			a.isMerging = false
		default:
		}
		a.tag = makeTag(a.region, a.id)
	}
	return resp, applyResult
}

func (a *applier) clearAllCommandsAsStale() {
	for i, cmd := range a.pendingCmds.normals {
		notifyStaleCommand(a.region.Id, a.id, a.term, cmd)
		a.pendingCmds.normals[i] = pendingCmd{}
	}
	a.pendingCmds.normals = a.pendingCmds.normals[:0]
	if cmd := a.pendingCmds.takeConfChange(); cmd != nil {
		notifyStaleCommand(a.region.Id, a.id, a.term, *cmd)
	}
}

func (a *applier) newCtx(index, term uint64) *applyExecContext {
	return &applyExecContext{
		index:      index,
		term:       term,
		applyState: a.applyState,
	}
}

// Only errors that will also occur on all other stores should be returned.
func (a *applier) execRaftCmd(aCtx *applyContext, req *raft_cmdpb.RaftCmdRequest) (
	resp *raft_cmdpb.RaftCmdResponse, result applyResult, err error) {
	// Include region for epoch not match after merge may cause key not in range.
	includeRegion := req.GetHeader().GetRegionEpoch().GetVersion() >= a.lastMergeVersion
	err = checkRegionEpoch(req, a.region, includeRegion)
	if err != nil {
		return
	}
	if req.GetAdminRequest() != nil {
		return a.execAdminCmd(aCtx, req)
	}
	resp, result, err = a.execWriteCmd(aCtx, req)
	return
}

func (a *applier) execAdminCmd(aCtx *applyContext, req *raft_cmdpb.RaftCmdRequest) (
	resp *raft_cmdpb.RaftCmdResponse, result applyResult, err error) {
	adminReq := req.AdminRequest
	cmdType := adminReq.CmdType
	if cmdType != raft_cmdpb.AdminCmdType_CompactLog {
		log.S().Infof("%s execute admin command. term %d, index %d, command %s",
			a.tag, aCtx.execCtx.term, aCtx.execCtx.index, adminReq)
	}
	var adminResp *raft_cmdpb.AdminResponse
	switch cmdType {
	case raft_cmdpb.AdminCmdType_ChangePeer:
		adminResp, result, err = a.execChangePeer(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_BatchSplit:
		adminResp, result, err = a.execBatchSplit(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_CompactLog:
		adminResp, result, err = a.execCompactLog(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_TransferLeader:
		err = errors.New("transfer leader won't execute")
	case raft_cmdpb.AdminCmdType_ComputeHash:
		adminResp, result, err = a.execComputeHash(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_VerifyHash:
		adminResp, result, err = a.execVerifyHash(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_PrepareMerge:
		adminResp, result, err = a.execPrepareMerge(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_CommitMerge:
		adminResp, result, err = a.execCommitMerge(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_RollbackMerge:
		adminResp, result, err = a.execRollbackMerge(aCtx, adminReq)
	case raft_cmdpb.AdminCmdType_InvalidAdmin:
		err = errors.New("unsupported command type")
	}
	if err != nil {
		return
	}
	adminResp.CmdType = cmdType
	resp = newCmdRespForReq(req)
	resp.AdminResponse = adminResp
	return
}

func (a *applier) execWriteCmd(aCtx *applyContext, req *raft_cmdpb.RaftCmdRequest) (
	resp *raft_cmdpb.RaftCmdResponse, result applyResult, err error) {
	requests := req.GetRequests()
	resps := make([]*raft_cmdpb.Response, 0, len(requests))
	var ranges []keyRange
	for _, r := range requests {
		var cmdResp *raft_cmdpb.Response
		switch r.CmdType {
		case raft_cmdpb.CmdType_Put:
			cmdResp, err = a.execPut(aCtx, r.Put)
		case raft_cmdpb.CmdType_Delete:
			cmdResp, err = a.execDelete(aCtx, r.Delete)
		case raft_cmdpb.CmdType_DeleteRange:
			var rng keyRange
			cmdResp, rng, err = a.execDeleteRange(aCtx, r.DeleteRange)
			ranges = append(ranges, rng)
		case raft_cmdpb.CmdType_Get:
			cmdResp, err = a.execGet(aCtx, r.Get)
		case raft_cmdpb.CmdType_Snap:
			cmdResp = &raft_cmdpb.Response{
				CmdType: raft_cmdpb.CmdType_Snap,
				Snap:    &raft_cmdpb.SnapResponse{Region: a.region},
			}
		default:
			err = errors.Errorf("invalid cmd type %v", r.CmdType)
		}
		if err != nil {
			return
		}
		resps = append(resps, cmdResp)
	}
	resp = newCmdRespForReq(req)
	resp.Responses = resps
	if len(ranges) > 0 {
		result = applyResult{
			tp:   applyResultTypeExecResult,
			data: &execResultDeleteRange{ranges: ranges},
		}
	}
	return
}

func (a *applier) execPut(aCtx *applyContext, req *raft_cmdpb.PutRequest) (*raft_cmdpb.Response, error) {
	if err := checkKeyInRegion(req.Key, a.region); err != nil {
		return nil, err
	}
	aCtx.wb.Set(DataKey(req.Key), req.Value)
	a.metrics.writtenBytes += uint64(len(req.Key) + len(req.Value))
	a.metrics.writtenKeys++
	a.metrics.sizeDiffHint += int64(len(req.Key) + len(req.Value))
	return &raft_cmdpb.Response{CmdType: raft_cmdpb.CmdType_Put}, nil
}

func (a *applier) execDelete(aCtx *applyContext, req *raft_cmdpb.DeleteRequest) (*raft_cmdpb.Response, error) {
	if err := checkKeyInRegion(req.Key, a.region); err != nil {
		return nil, err
	}
	aCtx.wb.Delete(DataKey(req.Key))
	a.metrics.sizeDiffHint -= int64(len(req.Key))
	a.metrics.deleteKeysHint++
	return &raft_cmdpb.Response{CmdType: raft_cmdpb.CmdType_Delete}, nil
}

func (a *applier) execGet(aCtx *applyContext, req *raft_cmdpb.GetRequest) (*raft_cmdpb.Response, error) {
	if err := checkKeyInRegion(req.Key, a.region); err != nil {
		return nil, err
	}
	// Reads are ordered with pending writes in the same batch.
	aCtx.writeToDB()
	val, err := getValue(aCtx.engines.kv, DataKey(req.Key))
	if err != nil && err != badger.ErrKeyNotFound {
		return nil, err
	}
	return &raft_cmdpb.Response{
		CmdType: raft_cmdpb.CmdType_Get,
		Get:     &raft_cmdpb.GetResponse{Value: val},
	}, nil
}

func (a *applier) execDeleteRange(aCtx *applyContext, req *raft_cmdpb.DeleteRangeRequest) (
	*raft_cmdpb.Response, keyRange, error) {
	startKey, endKey := req.StartKey, req.EndKey
	if len(endKey) == 0 {
		endKey = RawEndKey(a.region)
	}
	if err := checkKeyInRegion(startKey, a.region); err != nil {
		return nil, keyRange{}, err
	}
	if err := checkKeyInRegionInclusive(endKey, a.region); err != nil {
		return nil, keyRange{}, err
	}
	aCtx.writeToDB()
	err := deleteRange(aCtx.engines.kv, DataKey(startKey), DataKey(endKey))
	if err != nil {
		panic(fmt.Sprintf("%s failed to delete range [%v, %v): %v", a.tag, startKey, endKey, err))
	}
	resp := &raft_cmdpb.Response{CmdType: raft_cmdpb.CmdType_DeleteRange}
	return resp, keyRange{startKey: startKey, endKey: endKey}, nil
}

func (a *applier) execChangePeer(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	request := req.ChangePeer
	peer := request.Peer
	storeID := peer.StoreId
	changeType := request.ChangeType
	region := new(metapb.Region)
	err = cloneMsg(a.region, region)
	if err != nil {
		return
	}
	log.S().Infof("%s exec ConfChange, peer_id %d, type %s, epoch %s",
		a.tag, peer.Id, changeType, region.RegionEpoch)

	region.RegionEpoch.ConfVer++

	switch changeType {
	case eraftpb.ConfChangeType_AddNode:
		var exist bool
		if p := findPeer(region, storeID); p != nil {
			exist = true
			if !(p.Role == metapb.PeerRole_Learner) || p.Id != peer.Id {
				errMsg := fmt.Sprintf("%s can't add duplicated peer, peer %s, region %s",
					a.tag, p, a.region)
				log.S().Error(errMsg)
				err = errors.New(errMsg)
				return
			}
			p.Role = metapb.PeerRole_Voter
		}
		if !exist {
			region.Peers = append(region.Peers, peer)
		}
		log.S().Infof("%s add peer successfully, peer %s, region %s", a.tag, peer, a.region)
	case eraftpb.ConfChangeType_RemoveNode:
		if p := removePeer(region, storeID); p != nil {
			if !PeerEqual(p, peer) {
				errMsg := fmt.Sprintf("%s ignore remove unmatched peer, expected_peer %s, got_peer %s",
					a.tag, peer, p)
				log.S().Error(errMsg)
				err = errors.New(errMsg)
				return
			}
			if a.id == peer.Id {
				// Remove ourself, we will destroy all region data later.
				// So we need not to apply following logs.
				a.stopped = true
				a.pendingRemove = true
			}
		} else {
			errMsg := fmt.Sprintf("%s removing missing peers, peer %s, region %s",
				a.tag, peer, a.region)
			log.S().Error(errMsg)
			err = errors.New(errMsg)
			return
		}
		log.S().Infof("%s remove peer successfully, peer %s, region %s", a.tag, peer, a.region)
	case eraftpb.ConfChangeType_AddLearnerNode:
		if findPeer(region, storeID) != nil {
			errMsg := fmt.Sprintf("%s can't add duplicated learner, peer %s, region %s",
				a.tag, peer, a.region)
			log.S().Error(errMsg)
			err = errors.New(errMsg)
			return
		}
		region.Peers = append(region.Peers, peer)
		log.S().Infof("%s add learner successfully, peer %s, region %s", a.tag, peer, a.region)
	}

	state := rspb.PeerState_Normal
	if a.pendingRemove {
		state = rspb.PeerState_Tombstone
	}
	WritePeerState(aCtx.wb, region, state, nil)
	resp = &raft_cmdpb.AdminResponse{
		ChangePeer: &raft_cmdpb.ChangePeerResponse{
			Region: region,
		},
	}
	result = applyResult{
		tp: applyResultTypeExecResult,
		data: &execResultChangePeer{
			cp: changePeer{
				confChange: new(eraftpb.ConfChange),
				region:     region,
				peer:       peer,
			},
		},
	}
	return
}

func (a *applier) execBatchSplit(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	var derived *metapb.Region
	var regions []*metapb.Region
	derived, regions, err = a.splitGenNewRegionMetas(req.Splits)
	if err != nil {
		return
	}
	for _, newRegion := range regions {
		if newRegion.Id == derived.Id {
			continue
		}
		WritePeerState(aCtx.wb, newRegion, rspb.PeerState_Normal, nil)
		writeInitialApplyState(aCtx.wb, newRegion.Id)
	}
	WritePeerState(aCtx.wb, derived, rspb.PeerState_Normal, nil)
	resp = &raft_cmdpb.AdminResponse{
		Splits: &raft_cmdpb.BatchSplitResponse{
			Regions: regions,
		},
	}
	result = applyResult{tp: applyResultTypeExecResult, data: &execResultSplitRegion{
		regions: regions,
		derived: derived,
	}}
	return
}

func (a *applier) splitGenNewRegionMetas(splitReqs *raft_cmdpb.BatchSplitRequest) (derived *metapb.Region, regions []*metapb.Region, err error) {
	if len(splitReqs.Requests) == 0 {
		return nil, nil, errors.New("missing split key")
	}
	derived = new(metapb.Region)
	if err := cloneMsg(a.region, derived); err != nil {
		panic(err)
	}
	rightDerive := splitReqs.RightDerive
	newRegionCnt := len(splitReqs.Requests)
	regions = make([]*metapb.Region, 0, newRegionCnt+1)
	keys := make([][]byte, 0, newRegionCnt+1)
	keys = append(keys, derived.StartKey)
	for _, request := range splitReqs.Requests {
		splitKey := request.SplitKey
		if len(splitKey) == 0 {
			return nil, nil, errors.New("missing split key")
		}
		if bytes.Compare(splitKey, keys[len(keys)-1]) <= 0 {
			return nil, nil, errors.Errorf("invalid split request: %s", splitReqs)
		}
		if len(request.NewPeerIds) != len(derived.Peers) {
			return nil, nil, errors.Errorf("invalid new peer id count, need %d but got %d",
				len(derived.Peers), len(request.NewPeerIds))
		}
		keys = append(keys, splitKey)
	}
	keys = append(keys, derived.EndKey)
	err = checkKeyInRegionInclusive(keys[len(keys)-2], a.region)
	if err != nil {
		return nil, nil, err
	}
	log.S().Infof("%s split region %s, keys %v", a.tag, a.region, keys)
	derived.RegionEpoch.Version += uint64(newRegionCnt)
	// Note that the split requests only contain ids for new regions, so we need
	// to handle new regions and old region separately.
	if !rightDerive {
		derived.EndKey = keys[1]
		keys = keys[1:]
		regions = append(regions, derived)
	}
	for i, request := range splitReqs.Requests {
		newRegion := &metapb.Region{
			Id:          request.NewRegionId,
			RegionEpoch: &metapb.RegionEpoch{ConfVer: derived.RegionEpoch.ConfVer, Version: derived.RegionEpoch.Version},
			StartKey:    keys[i],
			EndKey:      keys[i+1],
		}
		newRegion.Peers = make([]*metapb.Peer, len(derived.Peers))
		for j := range newRegion.Peers {
			newRegion.Peers[j] = &metapb.Peer{
				Id:      request.NewPeerIds[j],
				StoreId: derived.Peers[j].StoreId,
				Role:    derived.Peers[j].Role,
			}
		}
		regions = append(regions, newRegion)
	}
	if rightDerive {
		derived.StartKey = keys[len(keys)-2]
		regions = append(regions, derived)
	}
	return derived, regions, nil
}

func (a *applier) execPrepareMerge(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	prepareMerge := req.PrepareMerge
	minIndex := prepareMerge.MinIndex
	firstIdx := firstIndex(aCtx.execCtx.applyState)
	if minIndex < firstIdx {
		// CompactLog is filtered during merge, so the required logs must be present.
		panic(fmt.Sprintf("%s first index %d > min_index %d, some logs are already compacted",
			a.tag, firstIdx, minIndex))
	}
	region := new(metapb.Region)
	if err = cloneMsg(a.region, region); err != nil {
		return
	}
	region.RegionEpoch.Version++
	mergingState := &rspb.MergeState{
		MinIndex: minIndex,
		Target:   prepareMerge.Target,
		Commit:   aCtx.execCtx.index,
	}
	WritePeerState(aCtx.wb, region, rspb.PeerState_Merging, mergingState)
	log.S().Infof("%s execute PrepareMerge, epoch %s, min_index %d, target %s",
		a.tag, region.RegionEpoch, minIndex, prepareMerge.Target)

	resp = &raft_cmdpb.AdminResponse{PrepareMerge: &raft_cmdpb.PrepareMergeResponse{}}
	result = applyResult{
		tp: applyResultTypeExecResult,
		data: &execResultPrepareMerge{
			region: region,
			state:  mergingState,
		},
	}
	return
}

// execCommitMerge absorbs the source region into this one.
//
// The target peer may not have applied the source's logs up to the frozen
// commit index yet, in that case the whole apply loop of this region is
// suspended until the source peer reports that it has caught up.
func (a *applier) execCommitMerge(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	merge := req.CommitMerge
	sourceRegion := merge.Source
	sourceRegionID := sourceRegion.Id

	if a.readySourceRegion != sourceRegionID {
		// The source peer must have applied up to merge.Commit before the
		// source range can be taken over.
		var sourceApplyState applyState
		var stateBytes []byte
		stateBytes, err = getValue(aCtx.engines.kv, ApplyStateKey(sourceRegionID))
		if err != nil {
			panic(fmt.Sprintf("%s failed to get source %d apply state: %v", a.tag, sourceRegionID, err))
		}
		sourceApplyState.Unmarshal(stateBytes)
		if sourceApplyState.appliedIndex < merge.Commit {
			log.S().Infof("%s source region %d applied_index %d < commit %d, wait for catch up",
				a.tag, sourceRegionID, sourceApplyState.appliedIndex, merge.Commit)
			readyToMerge := atomic.NewUint64(0)
			catchUp := &catchUpLogs{
				targetRegionID: a.region.Id,
				merge:          merge,
				readyToMerge:   readyToMerge,
			}
			// Write out what has been applied so far before parking, the
			// source may be on the same worker queue behind us.
			aCtx.writeToDB()
			if err1 := aCtx.router.send(sourceRegionID, NewPeerMsg(MsgTypeApplyCatchUpLogs, sourceRegionID, catchUp)); err1 != nil {
				log.S().Warnf("%s failed to notify source region %d to catch up logs: %v",
					a.tag, sourceRegionID, err1)
			}
			result = applyResult{tp: applyResultTypeWaitMergeResource, data: readyToMerge}
			return
		}
	}

	var sourceState *rspb.RegionLocalState
	sourceState, err = getRegionLocalState(aCtx.engines.kv, sourceRegionID)
	if err != nil {
		panic(fmt.Sprintf("%s failed to get source %d region state: %v", a.tag, sourceRegionID, err))
	}
	switch sourceState.State {
	case rspb.PeerState_Normal, rspb.PeerState_Merging:
	default:
		panic(fmt.Sprintf("%s unexpected source %d state %s", a.tag, sourceRegionID, sourceState.State))
	}
	if !RegionEqual(sourceState.Region, sourceRegion) {
		panic(fmt.Sprintf("%s source region not match %s != %s", a.tag, sourceState.Region, sourceRegion))
	}

	region := new(metapb.Region)
	if err = cloneMsg(a.region, region); err != nil {
		return
	}
	// The two ranges must be adjacent, glue them back together.
	if bytes.Equal(region.EndKey, sourceRegion.StartKey) {
		region.EndKey = sourceRegion.EndKey
	} else {
		region.StartKey = sourceRegion.StartKey
	}
	version := region.RegionEpoch.Version
	if sourceRegion.RegionEpoch.Version > version {
		version = sourceRegion.RegionEpoch.Version
	}
	region.RegionEpoch.Version = version + 1
	WritePeerState(aCtx.wb, region, rspb.PeerState_Normal, nil)
	WritePeerState(aCtx.wb, sourceRegion, rspb.PeerState_Tombstone, nil)
	log.S().Infof("%s execute CommitMerge, source %d, epoch %s", a.tag, sourceRegionID, region.RegionEpoch)

	resp = &raft_cmdpb.AdminResponse{CommitMerge: &raft_cmdpb.CommitMergeResponse{}}
	result = applyResult{
		tp: applyResultTypeExecResult,
		data: &execResultCommitMerge{
			region: region,
			source: sourceRegion,
		},
	}
	return
}

func (a *applier) execRollbackMerge(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	rollback := req.RollbackMerge
	var localState *rspb.RegionLocalState
	localState, err = getRegionLocalState(aCtx.engines.kv, a.region.Id)
	if err != nil {
		panic(fmt.Sprintf("%s failed to get region state: %v", a.tag, err))
	}
	if localState.MergeState == nil || localState.MergeState.Commit != rollback.Commit {
		panic(fmt.Sprintf("%s unexpected merge state %s, rollback commit %d",
			a.tag, localState.MergeState, rollback.Commit))
	}
	region := new(metapb.Region)
	if err = cloneMsg(a.region, region); err != nil {
		return
	}
	region.RegionEpoch.Version++
	WritePeerState(aCtx.wb, region, rspb.PeerState_Normal, nil)
	log.S().Infof("%s execute RollbackMerge, commit %d, epoch %s", a.tag, rollback.Commit, region.RegionEpoch)

	resp = &raft_cmdpb.AdminResponse{RollbackMerge: &raft_cmdpb.RollbackMergeResponse{}}
	result = applyResult{
		tp: applyResultTypeExecResult,
		data: &execResultRollbackMerge{
			region: region,
			commit: rollback.Commit,
		},
	}
	return
}

func (a *applier) execCompactLog(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	compactIndex := req.CompactLog.CompactIndex
	resp = new(raft_cmdpb.AdminResponse)
	state := &aCtx.execCtx.applyState
	firstIdx := firstIndex(*state)
	if compactIndex <= firstIdx {
		log.S().Debugf("%s compact index <= first index, no need to compact", a.tag)
		return
	}
	if a.isMerging {
		log.S().Debugf("%s in merging mode, skip compact", a.tag)
		return
	}
	compactTerm := req.CompactLog.CompactTerm
	if compactTerm == 0 {
		log.S().Infof("%s compact term missing, skip", a.tag)
		// old format compact log command, safe to ignore.
		err = errors.New("command format is outdated, please upgrade leader")
		return
	}

	// compact failure is safe to be omitted, no need to assert.
	err = CompactRaftLog(a.tag, state, compactIndex, compactTerm)
	if err != nil {
		return
	}
	result = applyResult{tp: applyResultTypeExecResult, data: &execResultCompactLog{
		truncatedIndex: state.truncatedIndex,
		firstIndex:     firstIdx,
	}}
	return
}

func (a *applier) execComputeHash(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	resp = new(raft_cmdpb.AdminResponse)
	return
}

func (a *applier) execVerifyHash(aCtx *applyContext, req *raft_cmdpb.AdminRequest) (
	resp *raft_cmdpb.AdminResponse, result applyResult, err error) {
	verifyReq := req.VerifyHash
	resp = new(raft_cmdpb.AdminResponse)
	result = applyResult{tp: applyResultTypeExecResult, data: &execResultVerifyHash{
		index: verifyReq.Index,
		hash:  verifyReq.Hash,
	}}
	return
}

/// Handles peer registration. When a peer is created, it will register an applier.
func (a *applier) handleRegistration(reg *registration) {
	log.S().Infof("region %d:%d re-register to applier, term %d",
		reg.region.Id, reg.region.RegionEpoch.Version, reg.term)
	y.Assert(a.id == reg.id)
	a.clearAllCommandsAsStale()
	*a = *newApplier(reg)
}

/// Handles apply tasks, and uses the applier to handle the committed entries.
func (a *applier) handleApply(aCtx *applyContext, apply *apply) {
	if aCtx.timer == nil {
		now := time.Now()
		aCtx.timer = &now
	}
	if len(apply.entries) == 0 || a.pendingRemove || a.stopped {
		return
	}
	failpoint.Inject("onHandleApply", func() {})
	a.metrics = applyMetrics{}
	a.term = apply.term
	a.handleRaftCommittedEntries(aCtx, apply.entries)
	for i := range apply.entries {
		apply.entries[i] = eraftpb.Entry{}
	}
	apply.entries = apply.entries[:0]
	if a.waitMergeState != nil {
		return
	}
	if a.pendingRemove {
		a.destroy(aCtx)
	}
}

/// Handles proposals, and appends the commands to the applier.
func (a *applier) handleProposal(regionProposal *RegionProposal) {
	regionID, peerID := a.region.Id, a.id
	y.Assert(a.id == regionProposal.Id)
	if a.stopped {
		for _, p := range regionProposal.Props {
			cmd := pendingCmd{index: p.index, term: p.term, cb: p.cb}
			notifyStaleCommand(regionID, peerID, a.term, cmd)
		}
		return
	}
	for _, p := range regionProposal.Props {
		cmd := pendingCmd{index: p.index, term: p.term, cb: p.cb}
		if p.isConfChange {
			if confCmd := a.pendingCmds.takeConfChange(); confCmd != nil {
				// if it loses leadership before conf change is replicated, there may be
				// a stale pending conf change before next conf change is applied. If it
				// becomes leader again with the stale pending conf change, will enter
				// this block, so we notify leadership may have been changed.
				notifyStaleCommand(regionID, peerID, a.term, *confCmd)
			}
			a.pendingCmds.setConfChange(&cmd)
		} else {
			a.pendingCmds.appendNormal(cmd)
		}
	}
}

func (a *applier) destroy(aCtx *applyContext) {
	log.S().Infof("%s remove applier", a.tag)
	a.stopped = true
	for _, cmd := range a.pendingCmds.normals {
		notifyRegionRemoved(a.region.Id, a.id, cmd)
	}
	a.pendingCmds.normals = nil
	if cmd := a.pendingCmds.takeConfChange(); cmd != nil {
		notifyRegionRemoved(a.region.Id, a.id, *cmd)
	}
}

/// Handles peer destroy. When a peer is destroyed, the corresponding applier should be removed too.
func (a *applier) handleDestroy(aCtx *applyContext, regionID uint64) {
	if !a.stopped {
		if aCtx.timer == nil {
			now := time.Now()
			aCtx.timer = &now
		}
		a.destroy(aCtx)
		aCtx.applyTaskResList = append(aCtx.applyTaskResList, &applyTaskRes{
			regionID:      a.region.Id,
			merged:        a.merged,
			destroyPeerID: a.id,
		})
	}
}

// resumePendingMerge retries the suspended CommitMerge once the source peer
// has signalled that its logs are all applied. Returns false when the source
// is still not ready.
func (a *applier) resumePendingMerge(aCtx *applyContext) bool {
	if a.waitMergeState == nil {
		panic(fmt.Sprintf("%s resume pending merge without wait state", a.tag))
	}
	readySource := a.waitMergeState.readyToMerge.Load()
	if readySource == 0 {
		return false
	}
	state := a.waitMergeState
	a.waitMergeState = nil
	a.readySourceRegion = readySource

	if aCtx.timer == nil {
		now := time.Now()
		aCtx.timer = &now
	}
	a.metrics = applyMetrics{}
	a.handleRaftCommittedEntries(aCtx, state.pendingEntries)
	if a.waitMergeState != nil {
		// A cascaded merge showed up, keep the not yet handled messages for the
		// next resume.
		a.waitMergeState.pendingMsgs = append(state.pendingMsgs, a.waitMergeState.pendingMsgs...)
		return false
	}
	a.readySourceRegion = 0

	for _, msg := range state.pendingMsgs {
		a.handleMsg(aCtx, msg)
	}
	if cul := state.catchUpLogs; cul != nil {
		// This region is a merge source itself, report that its logs are all
		// applied now that the cascaded merge finished.
		a.finishCatchUpLogs(aCtx, cul)
	}
	return true
}

// catchUpLogsForMerge applies the log tail that the merge target observed but
// this source peer has not applied yet. The entries come embedded in the
// CommitMerge command, so a lagging source doesn't need the old leader to be
// alive.
func (a *applier) catchUpLogsForMerge(aCtx *applyContext, logs *catchUpLogs) {
	if a.stopped {
		return
	}
	if aCtx.timer == nil {
		now := time.Now()
		aCtx.timer = &now
	}
	appliedIndex := a.applyState.appliedIndex
	if appliedIndex < logs.merge.Commit {
		entries := make([]eraftpb.Entry, 0, len(logs.merge.Entries))
		for _, entry := range logs.merge.Entries {
			if entry.Index > appliedIndex && entry.Index <= logs.merge.Commit {
				entries = append(entries, *entry)
			}
		}
		if len(entries) == 0 || entries[0].Index > appliedIndex+1 {
			panic(fmt.Sprintf("%s merge entries gap, applied %d, commit %d, first %d",
				a.tag, appliedIndex, logs.merge.Commit, logs.merge.Entries[0].GetIndex()))
		}
		a.metrics = applyMetrics{}
		a.isMerging = true
		a.handleRaftCommittedEntries(aCtx, entries)
		if a.waitMergeState != nil {
			// A CommitMerge hides in the tail, this source must absorb another
			// region first. Remember the pending report.
			a.waitMergeState.catchUpLogs = logs
			return
		}
	}
	a.finishCatchUpLogs(aCtx, logs)
}

func (a *applier) finishCatchUpLogs(aCtx *applyContext, logs *catchUpLogs) {
	y.Assert(a.applyState.appliedIndex >= logs.merge.Commit)
	a.merged = true
	// The target reads this peer's apply state from the kv engine, it must be
	// durable before the signal is visible.
	a.writeApplyState(aCtx.wb)
	aCtx.writeToDB()
	logs.readyToMerge.Store(a.region.Id)
	log.S().Infof("%s logs up to date for merge, commit %d, target region %d",
		a.tag, logs.merge.Commit, logs.targetRegionID)
	if err := aCtx.router.send(logs.targetRegionID,
		NewPeerMsg(MsgTypeApplyLogsUpToDate, logs.targetRegionID, nil)); err != nil {
		log.S().Warnf("%s failed to notify target region %d: %v", a.tag, logs.targetRegionID, err)
	}
}

func (a *applier) handleMsg(aCtx *applyContext, msg Msg) {
	if a.waitMergeState != nil {
		if msg.Type == MsgTypeApplyLogsUpToDate {
			a.resumePendingMerge(aCtx)
		} else {
			a.waitMergeState.pendingMsgs = append(a.waitMergeState.pendingMsgs, msg)
		}
		return
	}
	switch msg.Type {
	case MsgTypeApply:
		a.handleApply(aCtx, msg.Data.(*apply))
	case MsgTypeApplyProposal:
		a.handleProposal(msg.Data.(*RegionProposal))
	case MsgTypeApplyRegistration:
		a.handleRegistration(msg.Data.(*registration))
	case MsgTypeApplyDestroy:
		a.handleDestroy(aCtx, msg.RegionID)
	case MsgTypeApplyCatchUpLogs:
		a.catchUpLogsForMerge(aCtx, msg.Data.(*catchUpLogs))
	case MsgTypeApplyLogsUpToDate:
	}
}
