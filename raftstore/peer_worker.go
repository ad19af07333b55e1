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
	"encoding/binary"
	"sync"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/ngaut/unikv/metrics"
)

// peerState contains the peer states that needs to run raft command and apply command.
// It binds to a worker to make sure the commands are always executed on a same goroutine.
type peerState struct {
	closed uint32
	peer   *peerFsm
	apply  *applier
}

type peerInbox struct {
	peer *peerFsm
	msgs []Msg
}

func (pi *peerInbox) reset() {
	for i := range pi.msgs {
		pi.msgs[i] = Msg{}
	}
	pi.msgs = pi.msgs[:0]
}

func (pi *peerInbox) append(msg Msg) {
	pi.msgs = append(pi.msgs, msg)
}

type applyBatch struct {
	peers map[uint64]*peerApplyBatch
}

type peerApplyBatch struct {
	apply     *applier
	applyMsgs []Msg
}

func newApplyBatch() *applyBatch {
	return &applyBatch{peers: map[uint64]*peerApplyBatch{}}
}

func (ab *applyBatch) group(cnt int) [][]*peerApplyBatch {
	groups := make([][]*peerApplyBatch, cnt)
	for regionID, peerBatch := range ab.peers {
		idx := hashRegionID(regionID) % uint64(cnt)
		groups[idx] = append(groups[idx], peerBatch)
	}
	return groups
}

func hashRegionID(regionID uint64) uint64 {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, regionID)
	return farm.Fingerprint64(b)
}

// raftWorker is responsible for run raft commands and apply raft logs.
type raftWorker struct {
	pr *router

	inboxes map[uint64]*peerInbox
	ticker  *time.Ticker
	raftCh  chan Msg
	pollCtx *PollContext

	applyChs   []chan []*peerApplyBatch
	applyCtxes []*applyContext
	applyResCh chan Msg

	closeCh <-chan struct{}
}

func newRaftWorker(ctx *GlobalContext, ch chan Msg, pm *router, applyWorkerCnt int) *raftWorker {
	pollCtx := &PollContext{
		GlobalContext: ctx,
		applyMsgs:     new(applyMsgs),
		kvWB:          new(WriteBatch),
		raftWB:        new(WriteBatch),
	}
	applyResCh := make(chan Msg, cap(ch))
	applyChs := make([]chan []*peerApplyBatch, applyWorkerCnt)
	applyCtxes := make([]*applyContext, applyWorkerCnt)
	for i := 0; i < applyWorkerCnt; i++ {
		applyChs[i] = make(chan []*peerApplyBatch, 1)
		applyCtxes[i] = newApplyContext("", ctx.regionScheduler, ctx.engines, applyResCh, ctx.router)
	}
	return &raftWorker{
		raftCh:     ch,
		applyResCh: applyResCh,
		inboxes:    map[uint64]*peerInbox{},
		pollCtx:    pollCtx,
		pr:         pm,
		applyChs:   applyChs,
		applyCtxes: applyCtxes,
	}
}

// run runs raft commands.
// On each loop, raft commands are batched by channel buffer.
// After commands are handled, we collect apply messages by peers, make an
// applyBatch, send it to apply channel.
func (rw *raftWorker) run(closeCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	rw.ticker = time.NewTicker(rw.pollCtx.cfg.RaftBaseTickInterval)
	for {
		if quit := rw.receiveMsgs(closeCh); quit {
			return
		}
		rw.handleMsgs()
		rw.handleRaftReadyAppend()
		rw.writeWriteBatches()
		rw.handleRaftReady()
		rw.scheduleApply()
	}
}

func (rw *raftWorker) receiveMsgs(closeCh <-chan struct{}) (quit bool) {
	for regionID, inbox := range rw.inboxes {
		if len(inbox.msgs) == 0 {
			delete(rw.inboxes, regionID)
		} else {
			inbox.reset()
		}
	}
	select {
	case <-closeCh:
		for _, applyCh := range rw.applyChs {
			applyCh <- nil
		}
		return true
	case msg := <-rw.raftCh:
		rw.appendToInbox(msg)
	case msg := <-rw.applyResCh:
		rw.appendToInbox(msg)
	case <-rw.ticker.C:
		rw.pr.peers.Range(func(key, value interface{}) bool {
			regionID := key.(uint64)
			rw.appendToInbox(NewPeerMsg(MsgTypeTick, regionID, nil))
			return true
		})
	}
	pending := len(rw.raftCh)
	for i := 0; i < pending; i++ {
		rw.appendToInbox(<-rw.raftCh)
	}
	resLen := len(rw.applyResCh)
	for i := 0; i < resLen; i++ {
		rw.appendToInbox(<-rw.applyResCh)
	}
	metrics.RaftBatchSize.Observe(float64(len(rw.inboxes)))
	return false
}

func (rw *raftWorker) appendToInbox(msg Msg) {
	inbox, ok := rw.inboxes[msg.RegionID]
	if !ok {
		peerState := rw.pr.get(msg.RegionID)
		if peerState == nil {
			// The peer is already closed, late messages can be dropped.
			return
		}
		inbox = &peerInbox{peer: peerState.peer}
		rw.inboxes[msg.RegionID] = inbox
	}
	inbox.append(msg)
}

func (rw *raftWorker) handleMsgs() {
	for _, inbox := range rw.inboxes {
		h := newPeerMsgHandler(inbox.peer, rw.pollCtx)
		h.HandleMsgs(inbox.msgs...)
	}
}

func (rw *raftWorker) handleRaftReadyAppend() {
	for _, inbox := range rw.inboxes {
		h := newPeerMsgHandler(inbox.peer, rw.pollCtx)
		h.handleRaftReadyAppend()
	}
}

// writeWriteBatches persists this round's state changes. The kv batch carries
// apply states and region states, the raft batch carries logs and raft
// states, and both must hit disk before any ready is acted upon.
func (rw *raftWorker) writeWriteBatches() {
	kvWB := rw.pollCtx.kvWB
	if !kvWB.IsEmpty() {
		kvWB.MustWriteToDB(rw.pollCtx.engines.kv)
		kvWB.Reset()
	}
	raftWB := rw.pollCtx.raftWB
	if !raftWB.IsEmpty() {
		raftWB.MustWriteToDB(rw.pollCtx.engines.raft)
		raftWB.Reset()
	}
}

func (rw *raftWorker) handleRaftReady() {
	readyRes := rw.pollCtx.ReadyRes
	if len(readyRes) == 0 {
		return
	}
	rw.pollCtx.ReadyRes = nil
	for _, pair := range readyRes {
		regionID := pair.IC.RegionID
		inbox, ok := rw.inboxes[regionID]
		if !ok {
			continue
		}
		h := newPeerMsgHandler(inbox.peer, rw.pollCtx)
		h.postRaftReadyPersistent(&pair.Ready, pair.IC)
	}
	// Region states written by the post ready handlers must be durable before
	// appliers run, they read them for merge validation.
	rw.writeWriteBatches()
}

func (rw *raftWorker) scheduleApply() {
	applyMsgs := rw.pollCtx.applyMsgs
	batch := newApplyBatch()
	for i, msg := range applyMsgs.msgs {
		peerBatch := batch.peers[msg.RegionID]
		if peerBatch == nil {
			peerState := rw.pr.get(msg.RegionID)
			if peerState == nil {
				continue
			}
			peerBatch = &peerApplyBatch{
				apply: peerState.apply,
			}
			batch.peers[msg.RegionID] = peerBatch
		}
		peerBatch.applyMsgs = append(peerBatch.applyMsgs, msg)
		applyMsgs.msgs[i] = Msg{}
	}
	applyMsgs.msgs = applyMsgs.msgs[:0]
	groups := batch.group(len(rw.applyChs))
	for i, group := range groups {
		if len(group) > 0 {
			rw.applyChs[i] <- group
		}
	}
}

type applyWorker struct {
	idx int
	r   *router
	ch  chan []*peerApplyBatch
	ctx *applyContext
}

func newApplyWorker(r *router, idx int, ch chan []*peerApplyBatch, ctx *applyContext) *applyWorker {
	return &applyWorker{
		idx: idx,
		r:   r,
		ch:  ch,
		ctx: ctx,
	}
}

// run runs apply tasks, since it is already batched by raftCh, we don't need
// to batch it here.
func (aw *applyWorker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		batch := <-aw.ch
		if batch == nil {
			return
		}
		for _, peerBatch := range batch {
			for _, msg := range peerBatch.applyMsgs {
				peerBatch.apply.handleMsg(aw.ctx, msg)
			}
		}
		aw.ctx.flush()
	}
}

// storeWorker runs store commands.
type storeWorker struct {
	store *storeMsgHandler
}

func newStoreWorker(ctx *GlobalContext, r *router) *storeWorker {
	storeCtx := &PollContext{GlobalContext: ctx}
	return &storeWorker{
		store: newStoreFsmDelegate(r.storeFsm, storeCtx),
	}
}

func (sw *storeWorker) run(closeCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	timeTicker := time.NewTicker(sw.store.ctx.cfg.RaftBaseTickInterval)
	storeTicker := sw.store.ticker
	for {
		var msg Msg
		select {
		case <-closeCh:
			return
		case <-timeTicker.C:
			storeTicker.tickClock()
			for i := range storeTicker.schedules {
				if storeTicker.isOnStoreTick(StoreTick(i)) {
					sw.store.handleMsg(NewMsg(MsgTypeStoreTick, StoreTick(i)))
				}
			}
			continue
		case msg = <-sw.store.receiver:
		}
		sw.store.handleMsg(msg)
	}
}
