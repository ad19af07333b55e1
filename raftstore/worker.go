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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ngaut/unikv/pd"
	"github.com/pingcap/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
)

type taskType int64

const (
	taskTypeStop           taskType = 0
	taskTypeRaftLogGC      taskType = 1
	taskTypeSplitCheck     taskType = 2
	taskTypeHalfSplitCheck taskType = 3

	taskTypePDAskBatchSplit    taskType = 102
	taskTypePDHeartbeat        taskType = 103
	taskTypePDStoreHeartbeat   taskType = 104
	taskTypePDReportBatchSplit taskType = 105
	taskTypePDValidatePeer     taskType = 106
	taskTypePDDestroyPeer      taskType = 108

	taskTypeRegionGen   taskType = 401
	taskTypeRegionApply taskType = 402
	// Destroy data between [startKey, endKey).
	taskTypeRegionDestroy taskType = 403
)

type task struct {
	tp   taskType
	data interface{}
}

type regionTask struct {
	regionID uint64
	notifier chan<- *eraftpb.Snapshot
	status   *JobStatus
	startKey []byte
	endKey   []byte
	snapData *rspb.RaftSnapshotData
}

type raftLogGCTask struct {
	raftEngine *badger.DB
	regionID   uint64
	startIdx   uint64
	endIdx     uint64
}

type splitCheckTask struct {
	region *metapb.Region
}

type pdAskBatchSplitTask struct {
	region    *metapb.Region
	splitKeys [][]byte
	peer      *metapb.Peer
	// If true, right Region derives origin region_id.
	rightDerive bool
	callback    *Callback
}

type pdRegionHeartbeatTask struct {
	region          *metapb.Region
	peer            *metapb.Peer
	downPeers       []*pdpb.PeerStats
	pendingPeers    []*metapb.Peer
	writtenBytes    uint64
	writtenKeys     uint64
	approximateSize *uint64
}

type pdStoreHeartbeatTask struct {
	store  *metapb.Store
	engine *badger.DB
	path   string
}

type pdReportBatchSplitTask struct {
	regions []*metapb.Region
}

type pdValidatePeerTask struct {
	region *metapb.Region
	peer   *metapb.Peer
}

type pdDestroyPeerTask struct {
	regionID uint64
}

type worker struct {
	name     string
	sender   chan<- task
	receiver <-chan task
	closeCh  chan struct{}
	wg       *sync.WaitGroup
}

type taskHandler interface {
	handle(t task)
}

type starter interface {
	start()
}

func (w *worker) start(handler taskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(starter); ok {
			s.start()
		}
		for {
			task := <-w.receiver
			if task.tp == taskTypeStop {
				return
			}
			handler.handle(task)
		}
	}()
}

func (w *worker) stop() {
	w.sender <- task{tp: taskTypeStop}
}

const defaultWorkerCapacity = 128

func newWorker(name string, wg *sync.WaitGroup) *worker {
	ch := make(chan task, defaultWorkerCapacity)
	return &worker{
		sender:   (chan<- task)(ch),
		receiver: (<-chan task)(ch),
		name:     name,
		wg:       wg,
	}
}

type splitCheckHandler struct {
	engine  *badger.DB
	router  *router
	checker *sizeSplitChecker
}

func newSplitCheckHandler(engine *badger.DB, router *router, cfg *Config) *splitCheckHandler {
	runner := &splitCheckHandler{
		engine:  engine,
		router:  router,
		checker: newSizeSplitChecker(cfg.RegionMaxSize, cfg.RegionSplitSize),
	}
	return runner
}

// handle runs a split check of a region and, when a split key is found,
// sends the split request back through the router.
func (r *splitCheckHandler) handle(t task) {
	spCheckTask := t.data.(*splitCheckTask)
	region := spCheckTask.region
	regionID := region.Id
	log.S().Debugf("executing split check task [region %d, start key %v, end key %v]",
		regionID, region.StartKey, region.EndKey)
	var keys [][]byte
	switch t.tp {
	case taskTypeSplitCheck:
		keys = r.splitCheck(region)
	case taskTypeHalfSplitCheck:
		keys = r.halfSplitCheck(region)
	}
	if len(keys) == 0 {
		log.S().Debugf("no need to split, split key not found. [region %d]", regionID)
		return
	}
	msg := Msg{
		Type:     MsgTypeSplitRegion,
		RegionID: regionID,
		Data: &MsgSplitRegion{
			RegionEpoch: region.GetRegionEpoch(),
			SplitKeys:   keys,
			Callback:    NewCallback(),
		},
	}
	if err := r.router.send(regionID, msg); err != nil {
		log.S().Warnf("failed to send check result of region %d, err %v", regionID, err)
	}
}

// splitCheck scans the region data and returns the split keys, stripped of
// the data key prefix.
func (r *splitCheckHandler) splitCheck(region *metapb.Region) [][]byte {
	r.checker.reset()
	startKey := DataKey(region.StartKey)
	endKey := DataEndKey(region.EndKey)
	err := r.engine.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(startKey); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if exceedEndKey(key, endKey) {
				break
			}
			if r.checker.onKv(key, uint64(len(key))+uint64(item.ValueSize())) {
				break
			}
		}
		return nil
	})
	if err != nil {
		log.S().Errorf("[region %d] split check failed, err %v", region.Id, err)
		return nil
	}
	keys := r.checker.getSplitKeys()
	for i, k := range keys {
		keys[i] = OriginKey(k)
	}
	return keys
}

func (r *splitCheckHandler) halfSplitCheck(region *metapb.Region) [][]byte {
	const rowsPerSample = 64
	var sampleKeys [][]byte
	startKey := DataKey(region.StartKey)
	endKey := DataEndKey(region.EndKey)
	cnt := 0
	err := r.engine.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(startKey); it.Valid(); it.Next() {
			key := it.Item().Key()
			if exceedEndKey(key, endKey) {
				break
			}
			cnt++
			if cnt%rowsPerSample == 0 {
				sampleKeys = append(sampleKeys, safeCopy(key))
			}
		}
		return nil
	})
	if err != nil {
		log.S().Errorf("[region %d] half split check failed, err %v", region.Id, err)
		return nil
	}
	mid := len(sampleKeys) / 2
	if len(sampleKeys) > mid {
		return [][]byte{OriginKey(sampleKeys[mid])}
	}
	return nil
}

func safeCopy(b []byte) []byte {
	return append([]byte{}, b...)
}

type sizeSplitChecker struct {
	maxSize     uint64
	splitSize   uint64
	currentSize uint64
	splitKey    []byte
}

func newSizeSplitChecker(maxSize, splitSize uint64) *sizeSplitChecker {
	return &sizeSplitChecker{
		maxSize:   maxSize,
		splitSize: splitSize,
	}
}

func (checker *sizeSplitChecker) reset() {
	checker.currentSize = 0
	checker.splitKey = nil
}

func (checker *sizeSplitChecker) onKv(key []byte, size uint64) bool {
	checker.currentSize += size
	if checker.currentSize > checker.splitSize && checker.splitKey == nil {
		checker.splitKey = safeCopy(key)
	}
	// Keep scanning so a region just over splitSize but far below maxSize is
	// not split too eagerly.
	return checker.currentSize >= checker.maxSize
}

func (checker *sizeSplitChecker) getSplitKeys() [][]byte {
	// Make sure not to split when the remainder is too small.
	if checker.currentSize < checker.maxSize {
		checker.splitKey = nil
	}
	if checker.splitKey == nil {
		return nil
	}
	key := checker.splitKey
	checker.splitKey = nil
	return [][]byte{key}
}

type applySnapAbortError string

func (e applySnapAbortError) Error() string {
	return string(e)
}

var errApplySnapAborted = applySnapAbortError("apply snapshot aborted")

func checkAbort(status *JobStatus) error {
	if atomic.LoadUint32(status) == JobStatusCancelling {
		return errApplySnapAborted
	}
	return nil
}

type snapContext struct {
	engines *Engines
}

// regionTaskHandler generates and applies region snapshots and destroys
// region data, off the raft worker goroutine.
type regionTaskHandler struct {
	ctx *snapContext
}

func newRegionTaskHandler(engines *Engines) *regionTaskHandler {
	return &regionTaskHandler{
		ctx: &snapContext{
			engines: engines,
		},
	}
}

func (r *regionTaskHandler) handle(t task) {
	switch t.tp {
	case taskTypeRegionGen:
		regionTask := t.data.(*regionTask)
		r.ctx.handleGen(regionTask.regionID, regionTask.notifier)
	case taskTypeRegionApply:
		regionTask := t.data.(*regionTask)
		r.ctx.handleApply(regionTask.regionID, regionTask.status, regionTask.snapData)
	case taskTypeRegionDestroy:
		regionTask := t.data.(*regionTask)
		r.ctx.cleanUpRange(regionTask.regionID, regionTask.startKey, regionTask.endKey)
	}
}

func (snapCtx *snapContext) handleGen(regionID uint64, notifier chan<- *eraftpb.Snapshot) {
	snap, err := doSnapshot(snapCtx.engines, regionID)
	if err != nil {
		log.S().Errorf("failed to generate snapshot for region %d, err %v", regionID, err)
		notifier <- nil
		return
	}
	notifier <- snap
}

// doSnapshot builds an in-memory snapshot of the region at its current
// applied index. The region state, apply state and data are read in one
// transaction so they are consistent with each other.
func doSnapshot(engines *Engines, regionID uint64) (*eraftpb.Snapshot, error) {
	log.S().Infof("[region %d] begin to generate a snapshot", regionID)

	txn := engines.kv.NewTransaction(false)
	defer txn.Discard()

	regionState, err := getRegionLocalStateTxn(txn, regionID)
	if err != nil {
		return nil, err
	}
	if regionState.State != rspb.PeerState_Normal && regionState.State != rspb.PeerState_Merging {
		return nil, errors.Errorf("snap job for %d seems stale, skip", regionID)
	}
	region := regionState.Region
	applyState, err := getApplyStateTxn(txn, regionID)
	if err != nil {
		return nil, err
	}
	index := applyState.appliedIndex
	term, err := applyTerm(engines.raft, regionID, applyState)
	if err != nil {
		return nil, err
	}

	confState := confStateFromRegion(region)
	snapData := &rspb.RaftSnapshotData{
		Region: region,
	}
	startKey, endKey := DataKey(region.StartKey), DataEndKey(region.EndKey)
	opts := badger.DefaultIteratorOptions
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(startKey); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if exceedEndKey(key, endKey) {
			break
		}
		val, err1 := item.ValueCopy(nil)
		if err1 != nil {
			return nil, errors.WithStack(err1)
		}
		snapData.Data = append(snapData.Data, &rspb.KeyValue{Key: key, Value: val})
		snapData.FileSize += uint64(len(key) + len(val))
	}
	data, err := snapData.Marshal()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	log.S().Infof("[region %d] generated snapshot at index %d with %d keys",
		regionID, index, len(snapData.Data))
	return &eraftpb.Snapshot{
		Data: data,
		Metadata: &eraftpb.SnapshotMetadata{
			ConfState: &confState,
			Index:     index,
			Term:      term,
		},
	}, nil
}

// applyTerm resolves the term of the applied index, either from the truncated
// state or by reading the log entry.
func applyTerm(raftDB *badger.DB, regionID uint64, state applyState) (uint64, error) {
	if state.appliedIndex == state.truncatedIndex {
		return state.truncatedTerm, nil
	}
	val, err := getValue(raftDB, RaftLogKey(regionID, state.appliedIndex))
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var entry eraftpb.Entry
	if err = entry.Unmarshal(val); err != nil {
		return 0, errors.WithStack(err)
	}
	return entry.Term, nil
}

func getRegionLocalStateTxn(txn *badger.Txn, regionID uint64) (*rspb.RegionLocalState, error) {
	item, err := txn.Get(RegionStateKey(regionID))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	val, err := item.Value()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	state := new(rspb.RegionLocalState)
	if err = state.Unmarshal(val); err != nil {
		return nil, errors.WithStack(err)
	}
	return state, nil
}

func getApplyStateTxn(txn *badger.Txn, regionID uint64) (applyState, error) {
	var state applyState
	item, err := txn.Get(ApplyStateKey(regionID))
	if err != nil {
		return state, errors.WithStack(err)
	}
	val, err := item.Value()
	if err != nil {
		return state, errors.WithStack(err)
	}
	state.Unmarshal(val)
	return state, nil
}

// handleApply replaces the region data with the snapshot payload and flips
// the region state from Applying back to Normal.
func (snapCtx *snapContext) handleApply(regionID uint64, status *JobStatus, snapData *rspb.RaftSnapshotData) {
	atomic.CompareAndSwapUint32(status, JobStatusPending, JobStatusRunning)
	err := snapCtx.applySnap(regionID, status, snapData)
	switch err.(type) {
	case nil:
		atomic.SwapUint32(status, JobStatusFinished)
	case applySnapAbortError:
		log.S().Warnf("[region %d] applying snapshot is aborted", regionID)
		atomic.SwapUint32(status, JobStatusCancelled)
	default:
		log.S().Errorf("[region %d] failed to apply snapshot, err %v", regionID, err)
		atomic.SwapUint32(status, JobStatusFailed)
	}
}

func (snapCtx *snapContext) applySnap(regionID uint64, status *JobStatus, snapData *rspb.RaftSnapshotData) error {
	log.S().Infof("[region %d] begin apply snap data", regionID)
	if err := checkAbort(status); err != nil {
		return err
	}
	regionState, err := getRegionLocalState(snapCtx.engines.kv, regionID)
	if err != nil {
		return err
	}
	if regionState.State != rspb.PeerState_Applying {
		return errors.Errorf("[region %d] unexpected state %s when applying snapshot",
			regionID, regionState.State)
	}
	region := regionState.Region
	if err = deleteRange(snapCtx.engines.kv, DataKey(region.StartKey), DataEndKey(region.EndKey)); err != nil {
		return err
	}
	if err = checkAbort(status); err != nil {
		return err
	}
	t := time.Now()
	wb := new(WriteBatch)
	for _, kv := range snapData.Data {
		wb.Set(kv.Key, kv.Value)
	}
	regionState.State = rspb.PeerState_Normal
	val, err := regionState.Marshal()
	if err != nil {
		return errors.WithStack(err)
	}
	wb.Set(RegionStateKey(regionID), val)
	wb.Delete(SnapshotRaftStateKey(regionID))
	if err = wb.WriteToDB(snapCtx.engines.kv); err != nil {
		return err
	}
	log.S().Infof("[region %d] applied %d keys from snapshot, takes %v",
		regionID, len(snapData.Data), time.Since(t))
	return nil
}

// cleanUpRange removes the stale data of a destroyed or shrunk region.
func (snapCtx *snapContext) cleanUpRange(regionID uint64, startKey, endKey []byte) {
	if err := deleteRange(snapCtx.engines.kv, DataKey(startKey), DataEndKey(endKey)); err != nil {
		log.S().Errorf("[region %d] failed to delete data in range [%v, %v), err %v",
			regionID, startKey, endKey, err)
	} else {
		log.S().Infof("[region %d] succeed in deleting data in range [%v, %v)",
			regionID, startKey, endKey)
	}
}

type raftLogGCTaskHandler struct {
	taskResCh chan<- uint64
}

// Large delete batches hurt the foreground write latency, bound them.
const maxDeleteBatchCount = 32 * 1024

// gcRaftLog does the GC job and returns the count of logs collected.
func (r *raftLogGCTaskHandler) gcRaftLog(raftDb *badger.DB, regionID, startIdx, endIdx uint64) (uint64, error) {
	// Find the raft log idx range needed to be gc.
	firstIdx := startIdx
	if firstIdx == 0 {
		firstIdx = endIdx
		err := raftDb.View(func(txn *badger.Txn) error {
			startKey := RaftLogKey(regionID, 0)
			opts := badger.DefaultIteratorOptions
			ite := txn.NewIterator(opts)
			defer ite.Close()
			if ite.Seek(startKey); ite.Valid() {
				var err error
				if firstIdx, err = RaftLogIndex(ite.Item().Key()); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	if firstIdx >= endIdx {
		log.S().Infof("[region %d] no need to gc", regionID)
		return 0, nil
	}
	raftWb := new(WriteBatch)
	for idx := firstIdx; idx < endIdx; idx++ {
		raftWb.Delete(RaftLogKey(regionID, idx))
		if raftWb.Len() >= maxDeleteBatchCount {
			if err := raftWb.WriteToDB(raftDb); err != nil {
				return 0, err
			}
			raftWb.Reset()
		}
	}
	if raftWb.Len() != 0 {
		if err := raftWb.WriteToDB(raftDb); err != nil {
			return 0, err
		}
	}
	return endIdx - firstIdx, nil
}

func (r *raftLogGCTaskHandler) reportCollected(collected uint64) {
	if r.taskResCh == nil {
		return
	}
	r.taskResCh <- collected
}

func (r *raftLogGCTaskHandler) handle(t task) {
	logGcTask := t.data.(*raftLogGCTask)
	collected, err := r.gcRaftLog(logGcTask.raftEngine, logGcTask.regionID, logGcTask.startIdx, logGcTask.endIdx)
	if err != nil {
		log.S().Errorf("[region %d] failed to gc, collected %d, err %v", logGcTask.regionID, collected, err)
	} else {
		log.S().Debugf("[region %d] collected %d log entries", logGcTask.regionID, collected)
	}
	r.reportCollected(collected)
}

// pdRunner drives the placement driver interaction: it pushes heartbeats and
// split/validate requests up, and turns the returned operators into raft
// admin commands.
type pdRunner struct {
	storeID   uint64
	capacity  uint64
	pdClient  pd.Client
	router    *router
	db        *badger.DB
	scheduler chan<- task
}

func newPDRunner(storeID, capacity uint64, pdClient pd.Client, router *router, db *badger.DB, scheduler chan<- task) *pdRunner {
	return &pdRunner{
		storeID:   storeID,
		capacity:  capacity,
		pdClient:  pdClient,
		router:    router,
		db:        db,
		scheduler: scheduler,
	}
}

func (r *pdRunner) handle(t task) {
	switch t.tp {
	case taskTypePDAskBatchSplit:
		r.onAskBatchSplit(t.data.(*pdAskBatchSplitTask))
	case taskTypePDHeartbeat:
		r.onHeartbeat(t.data.(*pdRegionHeartbeatTask))
	case taskTypePDStoreHeartbeat:
		r.onStoreHeartbeat(t.data.(*pdStoreHeartbeatTask))
	case taskTypePDReportBatchSplit:
		r.onReportBatchSplit(t.data.(*pdReportBatchSplitTask))
	case taskTypePDValidatePeer:
		r.onValidatePeer(t.data.(*pdValidatePeerTask))
	case taskTypePDDestroyPeer:
		r.onDestroyPeer(t.data.(*pdDestroyPeerTask))
	default:
		log.S().Errorf("unsupported task type %d", t.tp)
	}
}

func (r *pdRunner) start() {
	r.pdClient.SetRegionHeartbeatResponseHandler(r.onRegionHeartbeatResponse)
}

// onRegionHeartbeatResponse translates pd operators into raft admin commands
// proposed on the local leader peer.
func (r *pdRunner) onRegionHeartbeatResponse(resp *pdpb.RegionHeartbeatResponse) {
	if changePeer := resp.GetChangePeer(); changePeer != nil {
		req := newAdminRequest(resp.RegionId, resp.TargetPeer)
		req.Header.RegionEpoch = resp.RegionEpoch
		req.AdminRequest = &raft_cmdpb.AdminRequest{
			CmdType: raft_cmdpb.AdminCmdType_ChangePeer,
			ChangePeer: &raft_cmdpb.ChangePeerRequest{
				ChangeType: changePeer.ChangeType,
				Peer:       changePeer.Peer,
			},
		}
		r.sendAdminRequest(req)
		return
	}
	if transferLeader := resp.GetTransferLeader(); transferLeader != nil {
		req := newAdminRequest(resp.RegionId, resp.TargetPeer)
		req.Header.RegionEpoch = resp.RegionEpoch
		req.AdminRequest = &raft_cmdpb.AdminRequest{
			CmdType: raft_cmdpb.AdminCmdType_TransferLeader,
			TransferLeader: &raft_cmdpb.TransferLeaderRequest{
				Peer: transferLeader.Peer,
			},
		}
		r.sendAdminRequest(req)
		return
	}
	if merge := resp.GetMerge(); merge != nil {
		req := newAdminRequest(resp.RegionId, resp.TargetPeer)
		req.Header.RegionEpoch = resp.RegionEpoch
		req.AdminRequest = &raft_cmdpb.AdminRequest{
			CmdType: raft_cmdpb.AdminCmdType_PrepareMerge,
			PrepareMerge: &raft_cmdpb.PrepareMergeRequest{
				Target: merge.Target,
			},
		}
		r.sendAdminRequest(req)
		return
	}
	if splitRegion := resp.GetSplitRegion(); splitRegion != nil {
		_ = r.router.send(resp.RegionId, NewPeerMsg(MsgTypeHalfSplitRegion, resp.RegionId, &MsgHalfSplitRegion{
			RegionEpoch: resp.RegionEpoch,
		}))
	}
}

func (r *pdRunner) sendAdminRequest(req *raft_cmdpb.RaftCmdRequest) {
	cmd := &MsgRaftCmd{
		SendTime: time.Now(),
		Request:  req,
	}
	if err := r.router.sendRaftCommand(cmd); err != nil {
		log.S().Warnf("[region %d] failed to send admin request, err %v", req.Header.RegionId, err)
	}
}

func (r *pdRunner) onAskBatchSplit(t *pdAskBatchSplitTask) {
	resp, err := r.pdClient.AskBatchSplit(context.TODO(), t.region, len(t.splitKeys))
	if err != nil {
		log.S().Errorf("ask batch split failed, err %v", err)
		t.callback.Done(ErrResp(err))
		return
	}
	ids := resp.Ids
	if len(ids) != len(t.splitKeys) {
		t.callback.Done(ErrResp(errors.Errorf(
			"batch split ids count %d mismatch split keys count %d", len(ids), len(t.splitKeys))))
		return
	}
	requests := make([]*raft_cmdpb.SplitRequest, 0, len(ids))
	for i, id := range ids {
		requests = append(requests, &raft_cmdpb.SplitRequest{
			SplitKey:    t.splitKeys[i],
			NewRegionId: id.NewRegionId,
			NewPeerIds:  id.NewPeerIds,
			RightDerive: t.rightDerive,
		})
	}
	req := newAdminRequest(t.region.Id, t.peer)
	req.Header.RegionEpoch = t.region.RegionEpoch
	req.AdminRequest = &raft_cmdpb.AdminRequest{
		CmdType: raft_cmdpb.AdminCmdType_BatchSplit,
		Splits: &raft_cmdpb.BatchSplitRequest{
			Requests:    requests,
			RightDerive: t.rightDerive,
		},
	}
	cmd := &MsgRaftCmd{
		SendTime: time.Now(),
		Request:  req,
		Callback: t.callback,
	}
	if err = r.router.sendRaftCommand(cmd); err != nil {
		log.S().Warnf("[region %d] failed to propose batch split, err %v", t.region.Id, err)
	}
}

func (r *pdRunner) onHeartbeat(t *pdRegionHeartbeatTask) {
	var size uint64
	if t.approximateSize != nil {
		size = *t.approximateSize
	}
	req := &pdpb.RegionHeartbeatRequest{
		Region:          t.region,
		Leader:          t.peer,
		DownPeers:       t.downPeers,
		PendingPeers:    t.pendingPeers,
		BytesWritten:    t.writtenBytes,
		KeysWritten:     t.writtenKeys,
		ApproximateSize: size,
	}
	r.pdClient.ReportRegion(req)
}

// Reported when no capacity is configured, pd treats capacity 0 as a broken
// store.
const defaultStoreCapacity = 1024 * 1024 * 1024 * 1024

func (r *pdRunner) onStoreHeartbeat(t *pdStoreHeartbeatTask) {
	capacity := r.capacity
	if capacity == 0 {
		capacity = defaultStoreCapacity
	}
	stats := &pdpb.StoreStats{
		StoreId:   t.store.Id,
		Capacity:  capacity,
		UsedSize:  usedSize(t.engine),
		StartTime: uint32(time.Now().Unix()),
	}
	if stats.Capacity > stats.UsedSize {
		stats.Available = stats.Capacity - stats.UsedSize
	}
	if err := r.pdClient.StoreHeartbeat(context.TODO(), stats); err != nil {
		log.S().Errorf("store %d heartbeat to pd failed, err %v", t.store.Id, err)
	}
}

func usedSize(engine *badger.DB) uint64 {
	lsm, vlog := engine.Size()
	return uint64(lsm + vlog)
}

func (r *pdRunner) onReportBatchSplit(t *pdReportBatchSplitTask) {
	if err := r.pdClient.ReportBatchSplit(context.TODO(), t.regions); err != nil {
		log.S().Errorf("report batch split failed, err %v", err)
	}
}

// onValidatePeer asks pd whether this peer is still a member of the region.
// If not, a tombstone gc message is routed back to the peer so it destroys
// itself.
func (r *pdRunner) onValidatePeer(t *pdValidatePeerTask) {
	region, err := r.pdClient.GetRegionByID(context.TODO(), t.region.Id)
	if err != nil {
		log.S().Errorf("[region %d] get region failed, err %v", t.region.Id, err)
		return
	}
	if region == nil {
		// The region is removed from pd, the peer is certainly stale.
		r.sendDestroyPeer(t.region, t.peer)
		return
	}
	if isEpochStale(region.RegionEpoch, t.region.RegionEpoch) {
		// The local region is newer than the pd one, retry later.
		return
	}
	if findPeer(region, r.storeID) != nil {
		return
	}
	log.S().Infof("[region %d] peer %d is not valid any more, destroy", t.region.Id, t.peer.Id)
	r.sendDestroyPeer(&metapb.Region{
		Id:          t.region.Id,
		RegionEpoch: region.RegionEpoch,
	}, t.peer)
}

func (r *pdRunner) sendDestroyPeer(region *metapb.Region, peer *metapb.Peer) {
	gcMsg := &rspb.RaftMessage{
		RegionId:    region.Id,
		FromPeer:    peer,
		ToPeer:      peer,
		RegionEpoch: region.RegionEpoch,
		IsTombstone: true,
	}
	_ = r.router.send(region.Id, NewPeerMsg(MsgTypeRaftMessage, region.Id, gcMsg))
}

func (r *pdRunner) onDestroyPeer(t *pdDestroyPeerTask) {
	// pd will drop the region record once heartbeats stop, just log it here.
	log.S().Infof("[region %d] peer is destroyed", t.regionID)
}
