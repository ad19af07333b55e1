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
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/ngaut/unikv/pd"
	"github.com/pingcap/badger"
	"github.com/pingcap/badger/y"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
)

// regionItem orders regions by end key, an empty end key sorts last.
type regionItem struct {
	region *metapb.Region
}

func (r *regionItem) Less(other btree.Item) bool {
	left := r.region.EndKey
	right := other.(*regionItem).region.EndKey
	if len(left) == 0 {
		return false
	}
	if len(right) == 0 {
		return true
	}
	return bytes.Compare(left, right) < 0
}

// regionTree is the store wide index from key range to region, keyed by
// region end key.
type regionTree struct {
	tree *btree.BTree
}

func newRegionTree() *regionTree {
	return &regionTree{tree: btree.New(8)}
}

// Put inserts the region, returns false if a region with the same end key
// already exists.
func (t *regionTree) Put(region *metapb.Region) bool {
	item := &regionItem{region: region}
	old := t.tree.Get(item)
	if old != nil {
		return false
	}
	t.tree.ReplaceOrInsert(item)
	return true
}

func (t *regionTree) Delete(region *metapb.Region) bool {
	item := t.tree.Get(&regionItem{region: region})
	if item == nil || item.(*regionItem).region.Id != region.Id {
		return false
	}
	t.tree.Delete(item)
	return true
}

// seekPivot builds the seek item for the first region whose end key is
// strictly greater than key. Regions are end key exclusive, so that is the
// only candidate that can cover the key.
func seekPivot(key []byte) *regionItem {
	pivotKey := make([]byte, 0, len(key)+1)
	pivotKey = append(pivotKey, key...)
	pivotKey = append(pivotKey, 0)
	return &regionItem{region: &metapb.Region{EndKey: pivotKey}}
}

// GetRegionByKey returns the region whose range covers the key.
func (t *regionTree) GetRegionByKey(key []byte) *metapb.Region {
	var result *metapb.Region
	t.tree.AscendGreaterOrEqual(seekPivot(key), func(i btree.Item) bool {
		region := i.(*regionItem).region
		if bytes.Compare(region.StartKey, key) <= 0 &&
			(len(region.EndKey) == 0 || bytes.Compare(key, region.EndKey) < 0) {
			result = region
		}
		return false
	})
	return result
}

// Iterate calls fn on every region whose range overlaps [startKey, endKey),
// an empty endKey means unbounded. Returns early when fn returns false.
func (t *regionTree) Iterate(startKey, endKey []byte, fn func(region *metapb.Region) bool) {
	t.tree.AscendGreaterOrEqual(seekPivot(startKey), func(i btree.Item) bool {
		region := i.(*regionItem).region
		if len(endKey) > 0 && bytes.Compare(region.StartKey, endKey) >= 0 {
			return false
		}
		return fn(region)
	})
}

type mergeLock struct {
}

type storeMeta struct {
	regionTree *regionTree
	regions    map[uint64]*metapb.Region
	// A marker used to indicate the peer of a region is going to apply a
	// snapshot with a different range. It assumes that when a peer is going
	// to accept a snapshot, it can never catch up by normal log replication.
	pendingCrossSnap       map[uint64]*metapb.RegionEpoch
	pendingSnapshotRegions []*metapb.Region
	// target region id -> (source region id -> merge target epoch).
	// An entry means the source peers on this store are merging into the
	// target, the epoch records the target version up to which a snapshot
	// implies the merge has been committed elsewhere.
	pendingMergeTargets map[uint64]map[uint64]*metapb.RegionEpoch
	// source region id -> target region id
	targetsMap map[uint64]uint64
	mergeLocks map[uint64]*mergeLock
	// The first vote messages for peers that can not be created yet, replayed
	// once the region is split out or the snapshot arrives.
	pendingVotes []*rspb.RaftMessage
}

func newStoreMeta() *storeMeta {
	return &storeMeta{
		regionTree:          newRegionTree(),
		regions:             map[uint64]*metapb.Region{},
		pendingCrossSnap:    map[uint64]*metapb.RegionEpoch{},
		pendingMergeTargets: map[uint64]map[uint64]*metapb.RegionEpoch{},
		targetsMap:          map[uint64]uint64{},
		mergeLocks:          map[uint64]*mergeLock{},
	}
}

func (m *storeMeta) setRegion(region *metapb.Region, peer *Peer) {
	m.regions[region.Id] = region
	peer.SetRegion(region)
}

// registerMergeSource records that the source region is merging into the
// target with the given epoch, so overlapping snapshots can tell whether the
// merge has already been committed on the target side.
func (m *storeMeta) registerMergeSource(targetID, sourceID uint64, epoch *metapb.RegionEpoch) {
	m.targetsMap[sourceID] = targetID
	targets := m.pendingMergeTargets[targetID]
	if targets == nil {
		targets = map[uint64]*metapb.RegionEpoch{}
		m.pendingMergeTargets[targetID] = targets
	}
	targets[sourceID] = epoch
}

// Transport sends raft messages to other stores.
type Transport interface {
	Send(msg *rspb.RaftMessage) error
}

// GlobalContext carries the store wide states shared by all workers.
type GlobalContext struct {
	cfg                 *Config
	engines             *Engines
	store               *metapb.Store
	storeMeta           *storeMeta
	storeMetaLock       *sync.Mutex
	router              *router
	trans               Transport
	pdScheduler         chan<- task
	regionScheduler     chan<- task
	raftLogGCScheduler  chan<- task
	splitCheckScheduler chan task
	pdClient            pd.Client
	peerEventObserver   PeerEventObserver
}

// PollContext is the raft worker context, it carries the per round write
// batches and apply messages on top of the shared global context.
type PollContext struct {
	*GlobalContext
	applyMsgs    *applyMsgs
	kvWB         *WriteBatch
	raftWB       *WriteBatch
	ReadyRes     []*ReadyICPair
	pendingCount int
}

type storeFsm struct {
	id        uint64
	stopped   bool
	startTime *time.Time
	receiver  <-chan Msg
	ticker    *ticker
}

func newStoreFsm(cfg *Config) (chan<- Msg, *storeFsm) {
	ch := make(chan Msg, cfg.NotifyCapacity)
	fsm := &storeFsm{
		receiver: (<-chan Msg)(ch),
		ticker:   newStoreTicker(cfg),
	}
	return (chan<- Msg)(ch), fsm
}

type storeMsgHandler struct {
	*storeFsm
	ctx *PollContext
}

func newStoreFsmDelegate(store *storeFsm, ctx *PollContext) *storeMsgHandler {
	return &storeMsgHandler{storeFsm: store, ctx: ctx}
}

func (d *storeMsgHandler) handleMsg(msg Msg) {
	switch msg.Type {
	case MsgTypeStoreRaftMessage:
		if err := d.onRaftMessage(msg.Data.(*rspb.RaftMessage)); err != nil {
			log.S().Errorf("handle raft message failed storeID %d, %v", d.id, err)
		}
	case MsgTypeStoreTick:
		d.onTick(msg.Data.(StoreTick))
	case MsgTypeStoreClearRegionSizeInRange:
		data := msg.Data.(*MsgStoreClearRegionSizeInRange)
		d.clearRegionSizeInRange(data.StartKey, data.EndKey)
	case MsgTypeStoreStart:
		d.start(msg.Data.(*metapb.Store))
	}
}

func (d *storeMsgHandler) start(store *metapb.Store) {
	if d.startTime != nil {
		panic(fmt.Sprintf("store %d unable to start again", d.id))
	}
	d.id = store.Id
	now := time.Now()
	d.startTime = &now
	d.ticker.scheduleStore(StoreTickPdStoreHeartbeat)
	d.ticker.scheduleStore(StoreTickSnapGC)
}

func (d *storeMsgHandler) onTick(tick StoreTick) {
	switch tick {
	case StoreTickPdStoreHeartbeat:
		d.onPDStoreHeartbeatTick()
	case StoreTickSnapGC:
		d.onSnapMgrGC()
	}
}

func (d *storeMsgHandler) onPDStoreHeartbeatTick() {
	d.storeHeartbeatPD()
	d.ticker.scheduleStore(StoreTickPdStoreHeartbeat)
}

func (d *storeMsgHandler) storeHeartbeatPD() {
	d.ctx.pdScheduler <- task{
		tp: taskTypePDStoreHeartbeat,
		data: &pdStoreHeartbeatTask{
			store:  d.ctx.store,
			engine: d.ctx.engines.kv,
			path:   d.ctx.engines.kvPath,
		},
	}
}

// onSnapMgrGC prunes snapshot dedup entries whose region has been registered
// since, so a tombstoned-then-recreated region is not blocked forever.
func (d *storeMsgHandler) onSnapMgrGC() {
	d.ctx.storeMetaLock.Lock()
	meta := d.ctx.storeMeta
	retained := meta.pendingSnapshotRegions[:0]
	for _, region := range meta.pendingSnapshotRegions {
		if _, ok := meta.regions[region.Id]; !ok {
			retained = append(retained, region)
			continue
		}
		delete(meta.pendingCrossSnap, region.Id)
	}
	meta.pendingSnapshotRegions = retained
	d.ctx.storeMetaLock.Unlock()
	d.ticker.scheduleStore(StoreTickSnapGC)
}

func (d *storeMsgHandler) clearRegionSizeInRange(startKey, endKey []byte) {
	regionIDs := d.findRegionIDsInRange(startKey, endKey)
	for _, id := range regionIDs {
		if err := d.ctx.router.send(id, NewPeerMsg(MsgTypeClearRegionSize, id, nil)); err != nil {
			log.S().Warnf("failed to send clear region size message for region %d %v", id, err)
		}
	}
}

func (d *storeMsgHandler) findRegionIDsInRange(startKey, endKey []byte) []uint64 {
	d.ctx.storeMetaLock.Lock()
	defer d.ctx.storeMetaLock.Unlock()
	var regionIDs []uint64
	d.ctx.storeMeta.regionTree.Iterate(startKey, endKey, func(region *metapb.Region) bool {
		regionIDs = append(regionIDs, region.Id)
		return true
	})
	return regionIDs
}

func (d *storeMsgHandler) onRaftMessage(msg *rspb.RaftMessage) error {
	regionID := msg.RegionId
	if err := d.ctx.router.send(regionID, NewPeerMsg(MsgTypeRaftMessage, regionID, msg)); err == nil {
		return nil
	}
	log.S().Debugf("handle raft message. no peer exists on store %d for region %d, msg type %s",
		d.id, regionID, msg.Message.GetMsgType())
	if msg.ToPeer.StoreId != d.ctx.store.Id {
		log.S().Warnf("store not match, ignore it. store id %d, to store id %d, region %d",
			d.ctx.store.Id, msg.ToPeer.StoreId, regionID)
		return nil
	}
	if msg.RegionEpoch == nil {
		log.S().Errorf("missing region epoch in raft message, ignore it. region %d", regionID)
		return nil
	}
	if msg.IsTombstone || msg.MergeTarget != nil {
		// The message tells this peer to gc or merge, but the peer doesn't
		// exist, so it can be dropped silently.
		return nil
	}
	created, err := d.maybeCreatePeer(regionID, msg)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	_ = d.ctx.router.send(regionID, NewPeerMsg(MsgTypeRaftMessage, regionID, msg))
	return nil
}

// maybeCreatePeer creates an uninitialized replicated peer so the incoming
// raft message can be stepped, unless the message range conflicts with other
// regions on this store.
func (d *storeMsgHandler) maybeCreatePeer(regionID uint64, msg *rspb.RaftMessage) (bool, error) {
	// We may encounter a message with a larger peer id, which means current
	// peer is stale, then we should remove the current peer.
	d.ctx.storeMetaLock.Lock()
	defer d.ctx.storeMetaLock.Unlock()
	meta := d.ctx.storeMeta
	if _, ok := meta.regions[regionID]; ok {
		// The peer was created between router lookup and now, retry routing.
		return true, nil
	}
	if !isInitialMsg(msg.Message) {
		log.S().Debugf("target peer %s doesn't exist, storeID %d, region %d",
			msg.ToPeer, d.id, regionID)
		return false, nil
	}
	var conflict *metapb.Region
	meta.regionTree.Iterate(msg.StartKey, msg.EndKey, func(region *metapb.Region) bool {
		if region.Id == regionID {
			return true
		}
		conflict = region
		return false
	})
	if conflict != nil {
		log.S().Debugf("msg %s is overlapped with exist region %s", msg, conflict)
		if isFirstVoteMessage(msg.Message) {
			meta.pendingVotes = append(meta.pendingVotes, msg)
		}
		// A range conflict means the overlapping region has to either shrink
		// by split/merge catch-up, or be superseded by a snapshot. Record the
		// epoch so only a newer snapshot can win.
		if prev, ok := meta.pendingCrossSnap[regionID]; !ok || isEpochStale(prev, msg.RegionEpoch) {
			meta.pendingCrossSnap[regionID] = msg.RegionEpoch
		}
		return false, nil
	}
	peer, err := replicatePeerFsm(d.ctx.store.Id, d.ctx.cfg, d.ctx.regionScheduler,
		d.ctx.engines, regionID, msg.ToPeer)
	if err != nil {
		return false, err
	}
	// Following snapshot may overlap, should insert into regionRanges after
	// snapshot is applied.
	meta.regions[regionID] = peer.region()
	d.ctx.router.register(peer)
	_ = d.ctx.router.send(regionID, NewPeerMsg(MsgTypeStart, regionID, nil))
	d.ctx.peerEventObserver.OnPeerCreate(peer.peer.getEventContext(), peer.region())
	return true, nil
}

type workers struct {
	pdWorker         *worker
	raftLogGCWorker  *worker
	splitCheckWorker *worker
	regionWorker     *worker
	wg               *sync.WaitGroup
}

type raftBatchSystem struct {
	ctx     *GlobalContext
	router  *router
	workers *workers
	closeCh chan struct{}
	wg      *sync.WaitGroup
}

func createRaftBatchSystem(cfg *Config) (*router, *raftBatchSystem) {
	storeSender, storeFsm := newStoreFsm(cfg)
	router := newRouter(storeSender, storeFsm)
	system := &raftBatchSystem{
		router:  router,
		closeCh: make(chan struct{}),
		wg:      new(sync.WaitGroup),
	}
	return router, system
}

func (bs *raftBatchSystem) start(
	meta *metapb.Store,
	cfg *Config,
	engines *Engines,
	trans Transport,
	pdClient pd.Client,
	pdWorker *worker,
	observer PeerEventObserver) error {
	y.Assert(bs.workers == nil)
	if err := cfg.Validate(); err != nil {
		return err
	}
	workerWg := new(sync.WaitGroup)
	splitCheckCh := make(chan task, defaultWorkerCapacity)
	bs.workers = &workers{
		pdWorker:        pdWorker,
		raftLogGCWorker: newWorker("raft-gc-worker", workerWg),
		splitCheckWorker: &worker{
			name:     "split-check",
			sender:   (chan<- task)(splitCheckCh),
			receiver: (<-chan task)(splitCheckCh),
			wg:       workerWg,
		},
		regionWorker: newWorker("snapshot-worker", workerWg),
		wg:           workerWg,
	}
	bs.ctx = &GlobalContext{
		cfg:                 cfg,
		engines:             engines,
		store:               meta,
		storeMeta:           newStoreMeta(),
		storeMetaLock:       new(sync.Mutex),
		router:              bs.router,
		trans:               trans,
		pdScheduler:         bs.workers.pdWorker.sender,
		regionScheduler:     bs.workers.regionWorker.sender,
		raftLogGCScheduler:  bs.workers.raftLogGCWorker.sender,
		splitCheckScheduler: splitCheckCh,
		pdClient:            pdClient,
		peerEventObserver:   observer,
	}
	regionPeers, err := bs.loadPeers()
	if err != nil {
		return err
	}
	for _, peer := range regionPeers {
		bs.router.register(peer)
	}
	bs.startWorkers(regionPeers)
	return nil
}

// loadPeers rebuilds the in-memory peers from the persisted region states.
// A peer that crashed mid-merge is restored with its merge intent so the
// merge resumes or rolls back after restart. A peer that crashed while
// moving snapshot data finishes the move before it joins the store.
func (bs *raftBatchSystem) loadPeers() ([]*peerFsm, error) {
	startKey := regionMetaPrefixKey
	endKey := []byte{LocalPrefix, RegionMetaPrefix + 1}
	ctx := bs.ctx
	kvEngine := ctx.engines.kv
	storeID := ctx.store.Id

	var totalCount, tombStoneCount, applyingCount, mergingCount int
	var regionPeers []*peerFsm
	var applyingRegions []*metapb.Region

	t := time.Now()
	ctx.storeMetaLock.Lock()
	defer ctx.storeMetaLock.Unlock()
	meta := ctx.storeMeta
	err := kvEngine.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(startKey); it.Valid(); it.Next() {
			item := it.Item()
			if bytes.Compare(item.Key(), endKey) >= 0 {
				break
			}
			regionID, err := RegionIDFromRegionStateKey(item.Key())
			if err != nil {
				return err
			}
			val, err := item.Value()
			if err != nil {
				return errors.WithStack(err)
			}
			totalCount++
			localState := new(rspb.RegionLocalState)
			if err = localState.Unmarshal(val); err != nil {
				return errors.WithStack(err)
			}
			region := localState.Region
			if localState.State == rspb.PeerState_Tombstone {
				tombStoneCount++
				continue
			}
			if localState.State == rspb.PeerState_Applying {
				// in case of restart happens when we just write region state
				// to Applying, but not finished the apply.
				applyingCount++
				applyingRegions = append(applyingRegions, region)
				continue
			}

			peer, err := createPeerFsm(storeID, ctx.cfg, ctx.regionScheduler, ctx.engines, region)
			if err != nil {
				return err
			}
			if localState.State == rspb.PeerState_Merging {
				log.S().Infof("region %d is merging", regionID)
				mergingCount++
				peer.peer.PendingMergeState = localState.MergeState
			}
			meta.regionTree.Put(region)
			meta.regions[regionID] = region
			// No need to check duplicated here, because we use region id as
			// the key in DB.
			regionPeers = append(regionPeers, peer)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, region := range applyingRegions {
		log.S().Infof("region %d is applying snapshot", region.Id)
		raftWB := new(WriteBatch)
		if err := recoverFromApplyingState(ctx.engines, raftWB, region.Id); err != nil {
			return nil, err
		}
		raftWB.MustWriteToDB(ctx.engines.raft)
		peer, err := createPeerFsm(storeID, ctx.cfg, ctx.regionScheduler, ctx.engines, region)
		if err != nil {
			return nil, err
		}
		meta.regionTree.Put(region)
		meta.regions[region.Id] = region
		regionPeers = append(regionPeers, peer)
	}

	log.S().Infof("start store %d, region_count %d, tombstone_count %d, applying_count %d, merge_count %d, takes %v",
		storeID, totalCount, tombStoneCount, applyingCount, mergingCount, time.Since(t))
	return regionPeers, nil
}

func (bs *raftBatchSystem) startWorkers(peers []*peerFsm) {
	ctx := bs.ctx
	workers := bs.workers
	router := bs.router

	rw := newRaftWorker(ctx, router.peerSender, router, ctx.cfg.ApplyPoolSize)
	bs.wg.Add(1)
	go rw.run(bs.closeCh, bs.wg)
	for i := 0; i < ctx.cfg.ApplyPoolSize; i++ {
		aw := newApplyWorker(router, i, rw.applyChs[i], rw.applyCtxes[i])
		bs.wg.Add(1)
		go aw.run(bs.wg)
	}
	sw := newStoreWorker(ctx, router)
	bs.wg.Add(1)
	go sw.run(bs.closeCh, bs.wg)

	router.sendStore(NewMsg(MsgTypeStoreStart, ctx.store))
	for i := 0; i < len(peers); i++ {
		regionID := peers[i].regionID()
		_ = router.send(regionID, NewPeerMsg(MsgTypeStart, regionID, nil))
	}

	engines := ctx.engines
	workers.regionWorker.start(newRegionTaskHandler(engines))
	workers.raftLogGCWorker.start(&raftLogGCTaskHandler{})
	workers.splitCheckWorker.start(newSplitCheckHandler(engines.kv, router, ctx.cfg))
	workers.pdWorker.start(newPDRunner(ctx.store.Id, ctx.cfg.Capacity, ctx.pdClient, router, engines.kv, workers.pdWorker.sender))
}

func (bs *raftBatchSystem) shutDown() {
	if bs.workers == nil {
		return
	}
	close(bs.closeCh)
	bs.wg.Wait()
	workers := bs.workers
	bs.workers = nil
	stopTask := task{tp: taskTypeStop}
	workers.splitCheckWorker.sender <- stopTask
	workers.regionWorker.sender <- stopTask
	workers.raftLogGCWorker.sender <- stopTask
	workers.pdWorker.sender <- stopTask
	workers.wg.Wait()
	workers.pdWorker.wg.Wait()
}
