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
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/pingcap/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"github.com/zhangjinpeng1987/raft"
)

// When a peer is bootstrapped the raft log starts here, so a restarted peer
// can tell an empty log from a truncated one.
const (
	RaftInitLogTerm  = 5
	RaftInitLogIndex = 5

	MaxSnapRetryCnt = 5

	MaxCacheCapacity = 1024 - 1
)

// raftState is the persisted raft hard state plus the last log index.
type raftState struct {
	term      uint64
	vote      uint64
	commit    uint64
	lastIndex uint64
}

func (rs raftState) Marshal() []byte {
	data := make([]byte, 32)
	binary.LittleEndian.PutUint64(data, rs.term)
	binary.LittleEndian.PutUint64(data[8:], rs.vote)
	binary.LittleEndian.PutUint64(data[16:], rs.commit)
	binary.LittleEndian.PutUint64(data[24:], rs.lastIndex)
	return data
}

func (rs *raftState) Unmarshal(data []byte) {
	rs.term = binary.LittleEndian.Uint64(data)
	rs.vote = binary.LittleEndian.Uint64(data[8:])
	rs.commit = binary.LittleEndian.Uint64(data[16:])
	rs.lastIndex = binary.LittleEndian.Uint64(data[24:])
}

// applyState is the persisted apply progress of a peer.
type applyState struct {
	appliedIndex   uint64
	truncatedIndex uint64
	truncatedTerm  uint64
}

func (as applyState) Marshal() []byte {
	data := make([]byte, 24)
	binary.LittleEndian.PutUint64(data, as.appliedIndex)
	binary.LittleEndian.PutUint64(data[8:], as.truncatedIndex)
	binary.LittleEndian.PutUint64(data[16:], as.truncatedTerm)
	return data
}

func (as *applyState) Unmarshal(data []byte) {
	as.appliedIndex = binary.LittleEndian.Uint64(data)
	as.truncatedIndex = binary.LittleEndian.Uint64(data[8:])
	as.truncatedTerm = binary.LittleEndian.Uint64(data[16:])
}

// firstIndex returns the first raft log index that is still present, namely
// the one right after the truncated index.
func firstIndex(state applyState) uint64 {
	return state.truncatedIndex + 1
}

// JobStatus is the atomic status of a background snapshot job.
type JobStatus = uint32

const (
	JobStatusPending JobStatus = iota
	JobStatusRunning
	JobStatusCancelling
	JobStatusCancelled
	JobStatusFinished
	JobStatusFailed
)

type SnapStateType int

const (
	SnapStateRelax SnapStateType = iota
	SnapStateGenerating
	SnapStateApplying
	SnapStateApplyAborted
)

type SnapState struct {
	StateType SnapStateType
	Status    *JobStatus
	Receiver  chan *eraftpb.Snapshot
}

// EntryCache keeps the log tail in memory so followers close to the leader
// never hit the raft engine.
type EntryCache struct {
	cache []eraftpb.Entry
}

func (ec *EntryCache) length() int {
	return len(ec.cache)
}

func (ec *EntryCache) front() eraftpb.Entry {
	return ec.cache[0]
}

func (ec *EntryCache) back() eraftpb.Entry {
	return ec.cache[len(ec.cache)-1]
}

func (ec *EntryCache) fetchEntriesTo(begin, end, maxSize uint64, fetchSize *uint64, ents []eraftpb.Entry) []eraftpb.Entry {
	if begin >= end {
		return nil
	}
	cacheLow := ec.front().Index
	if begin < cacheLow {
		log.S().Panicf("cache low %d is greater than required %d", cacheLow, begin)
	}
	cacheStart := int(begin - cacheLow)
	cacheEnd := int(end - cacheLow)
	if cacheEnd > ec.length() {
		cacheEnd = ec.length()
	}
	for i := cacheStart; i < cacheEnd; i++ {
		entry := ec.cache[i]
		*fetchSize += uint64(entry.Size())
		if *fetchSize > maxSize && len(ents) > 0 {
			break
		}
		ents = append(ents, entry)
	}
	return ents
}

func (ec *EntryCache) append(tag string, entries []eraftpb.Entry) {
	if len(entries) == 0 {
		return
	}
	if ec.length() > 0 {
		firstIndex := entries[0].Index
		cacheLastIndex := ec.back().Index
		if cacheLastIndex >= firstIndex {
			if ec.front().Index >= firstIndex {
				ec.cache = ec.cache[:0]
			} else {
				left := ec.length() - int(cacheLastIndex-firstIndex+1)
				ec.cache = ec.cache[:left]
			}
		} else if cacheLastIndex+1 < firstIndex {
			log.S().Panicf("%s unexpected hole %d < %d", tag, cacheLastIndex, firstIndex)
		}
	}
	ec.cache = append(ec.cache, entries...)
	if ec.length() > MaxCacheCapacity*2 {
		newLen := MaxCacheCapacity
		newCache := make([]eraftpb.Entry, newLen)
		copy(newCache, ec.cache[ec.length()-newLen:])
		ec.cache = newCache
	}
}

func (ec *EntryCache) compactTo(idx uint64) {
	if ec.length() == 0 {
		return
	}
	firstIdx := ec.front().Index
	if idx > firstIdx {
		pos := idx - firstIdx
		if pos > uint64(ec.length()) {
			pos = uint64(ec.length())
		}
		ec.cache = ec.cache[pos:]
	}
}

// ApplySnapResult is created when a snapshot replaced the peer's region.
type ApplySnapResult struct {
	PrevRegion *metapb.Region
	Region     *metapb.Region
}

// InvokeContext batches the in-memory state mutations of one raft ready so
// they are published only after the corresponding writes are durable.
type InvokeContext struct {
	RegionID   uint64
	RaftState  raftState
	ApplyState applyState
	lastTerm   uint64
	SnapRegion *metapb.Region
	snapData   *rspb.RaftSnapshotData
}

func NewInvokeContext(ps *PeerStorage) *InvokeContext {
	return &InvokeContext{
		RegionID:   ps.region.GetId(),
		RaftState:  ps.raftState,
		ApplyState: ps.applyState,
		lastTerm:   ps.lastTerm,
	}
}

func (ic *InvokeContext) hasSnapshot() bool {
	return ic.SnapRegion != nil
}

func (ic *InvokeContext) saveRaftStateTo(wb *WriteBatch) {
	wb.Set(RaftStateKey(ic.RegionID), ic.RaftState.Marshal())
}

func (ic *InvokeContext) saveApplyStateTo(wb *WriteBatch) {
	wb.Set(ApplyStateKey(ic.RegionID), ic.ApplyState.Marshal())
}

func (ic *InvokeContext) saveSnapshotRaftStateTo(snapshotIdx uint64, wb *WriteBatch) {
	snapshotRaftState := ic.RaftState
	if snapshotRaftState.commit < snapshotIdx {
		snapshotRaftState.commit = snapshotIdx
	}
	snapshotRaftState.lastIndex = snapshotIdx
	wb.Set(SnapshotRaftStateKey(ic.RegionID), snapshotRaftState.Marshal())
}

// recoverFromApplyingState rescues a peer that crashed between the kv write
// and the raft write of a snapshot apply. The snapshot raft state in the kv
// engine is authoritative in that window.
func recoverFromApplyingState(engines *Engines, raftWB *WriteBatch, regionID uint64) error {
	snapVal, err := getValue(engines.kv, SnapshotRaftStateKey(regionID))
	if err != nil {
		return errors.Errorf("region %d failed to get raftstate from kv engine when recover from applying state: %v", regionID, err)
	}
	var snapshotRaftState raftState
	snapshotRaftState.Unmarshal(snapVal)
	var localRaftState raftState
	val, err := getValue(engines.raft, RaftStateKey(regionID))
	if err == nil {
		localRaftState.Unmarshal(val)
	} else if err != badger.ErrKeyNotFound {
		return errors.WithStack(err)
	}
	if snapshotRaftState.lastIndex > localRaftState.lastIndex {
		raftWB.Set(RaftStateKey(regionID), snapshotRaftState.Marshal())
	}
	return nil
}

// PeerStorage implements the raft.Storage interface over the two engines.
type PeerStorage struct {
	Engines *Engines

	region          *metapb.Region
	raftState       raftState
	applyState      applyState
	appliedIndexTerm uint64
	lastTerm        uint64

	snapState    SnapState
	regionSched  chan<- task
	snapTriedCnt int

	cache *EntryCache
	stats *CacheQueryStats

	Tag string
}

func NewPeerStorage(engines *Engines, region *metapb.Region, regionSched chan<- task, tag string) (*PeerStorage, error) {
	log.S().Debugf("%s creating storage for %s", tag, region.String())
	raftState, err := initRaftState(engines.raft, region)
	if err != nil {
		return nil, err
	}
	applyState, err := initApplyState(engines.kv, region)
	if err != nil {
		return nil, err
	}
	if raftState.lastIndex < applyState.appliedIndex {
		panic(errors.Errorf("%s unexpected raft log index: lastIndex %d < appliedIndex %d",
			tag, raftState.lastIndex, applyState.appliedIndex))
	}
	lastTerm, err := initLastTerm(engines.raft, region, raftState, applyState)
	if err != nil {
		return nil, err
	}
	return &PeerStorage{
		Engines:     engines,
		region:      region,
		Tag:         tag,
		raftState:   raftState,
		applyState:  applyState,
		lastTerm:    lastTerm,
		regionSched: regionSched,
		cache:       &EntryCache{},
		stats:       &CacheQueryStats{},
	}, nil
}

func getRegionLocalState(db *badger.DB, regionID uint64) (*rspb.RegionLocalState, error) {
	regionLocalState := new(rspb.RegionLocalState)
	if err := getMsg(db, RegionStateKey(regionID), regionLocalState); err != nil {
		return regionLocalState, err
	}
	return regionLocalState, nil
}

func initRaftState(raftEngine *badger.DB, region *metapb.Region) (raftState, error) {
	stateBytes, err := getValue(raftEngine, RaftStateKey(region.Id))
	var rs raftState
	if err == badger.ErrKeyNotFound {
		if len(region.Peers) > 0 {
			// new split region.
			rs.lastIndex = RaftInitLogIndex
			rs.term = RaftInitLogTerm
			rs.commit = RaftInitLogIndex
			err = putValue(raftEngine, RaftStateKey(region.Id), rs.Marshal())
			if err != nil {
				return rs, err
			}
		}
	} else if err != nil {
		return rs, err
	} else {
		rs.Unmarshal(stateBytes)
	}
	return rs, nil
}

func initApplyState(kvEngine *badger.DB, region *metapb.Region) (applyState, error) {
	stateBytes, err := getValue(kvEngine, ApplyStateKey(region.Id))
	var as applyState
	if err == badger.ErrKeyNotFound {
		if len(region.Peers) > 0 {
			as.appliedIndex = RaftInitLogIndex
			as.truncatedIndex = RaftInitLogIndex
			as.truncatedTerm = RaftInitLogTerm
		}
	} else if err != nil {
		return as, err
	} else {
		as.Unmarshal(stateBytes)
	}
	return as, nil
}

func initLastTerm(raftEngine *badger.DB, region *metapb.Region, raftState raftState, applyState applyState) (uint64, error) {
	lastIdx := raftState.lastIndex
	if lastIdx == 0 {
		return 0, nil
	} else if lastIdx == RaftInitLogIndex {
		return RaftInitLogTerm, nil
	} else if lastIdx == applyState.truncatedIndex {
		return applyState.truncatedTerm, nil
	}
	lastLogKey := RaftLogKey(region.Id, lastIdx)
	val, err := getValue(raftEngine, lastLogKey)
	if err != nil {
		return 0, errors.Errorf("entry at %d doesn't exist, may lose data", lastIdx)
	}
	var entry eraftpb.Entry
	if err = proto.Unmarshal(val, &entry); err != nil {
		return 0, errors.WithStack(err)
	}
	return entry.Term, nil
}

func (ps *PeerStorage) InitialState() (eraftpb.HardState, eraftpb.ConfState, error) {
	hardState := eraftpb.HardState{
		Term:   ps.raftState.term,
		Vote:   ps.raftState.vote,
		Commit: ps.raftState.commit,
	}
	if raft.IsEmptyHardState(hardState) {
		if ps.isInitialized() {
			panic(ps.Tag + " peer for region is initialized but local state has empty hard state")
		}
		return hardState, eraftpb.ConfState{}, nil
	}
	return hardState, confStateFromRegion(ps.region), nil
}

func confStateFromRegion(region *metapb.Region) (confState eraftpb.ConfState) {
	for _, p := range region.Peers {
		if p.Role == metapb.PeerRole_Learner {
			confState.Learners = append(confState.Learners, p.GetId())
		} else {
			confState.Voters = append(confState.Voters, p.GetId())
		}
	}
	return
}

func (ps *PeerStorage) Entries(low, high, maxSize uint64) ([]eraftpb.Entry, error) {
	if err := ps.checkRange(low, high); err != nil {
		return nil, err
	}
	ents := make([]eraftpb.Entry, 0, high-low)
	if low == high {
		return ents, nil
	}
	cacheLow := uint64(0)
	if ps.cache.length() > 0 {
		cacheLow = ps.cache.front().Index
	}
	regionID := ps.region.Id
	if high <= cacheLow {
		// not overlap
		ps.stats.miss++
		return fetchEntriesTo(ps.Engines.raft, regionID, low, high, maxSize, ents)
	}
	var fetchedSize, beginIdx uint64
	if low < cacheLow {
		ps.stats.miss++
		ents, err := fetchEntriesTo(ps.Engines.raft, regionID, low, cacheLow, maxSize, ents)
		if err != nil {
			return ents, err
		}
		fetchedSize = 0
		for i := range ents {
			fetchedSize += uint64(ents[i].Size())
		}
		if fetchedSize > maxSize {
			return ents, nil
		}
		beginIdx = cacheLow
		ents = ps.cache.fetchEntriesTo(beginIdx, high, maxSize, &fetchedSize, ents)
		return ents, nil
	}
	ps.stats.hit++
	beginIdx = low
	ents = ps.cache.fetchEntriesTo(beginIdx, high, maxSize, &fetchedSize, ents)
	return ents, nil
}

func fetchEntriesTo(engine *badger.DB, regionID, low, high, maxSize uint64, buf []eraftpb.Entry) ([]eraftpb.Entry, error) {
	var totalSize uint64
	nextIndex := low
	exceededMaxSize := false
	startKey := RaftLogKey(regionID, low)
	endKey := RaftLogKey(regionID, high)
	err := engine.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(startKey); it.Valid(); it.Next() {
			item := it.Item()
			if bytes.Compare(item.Key(), endKey) >= 0 {
				break
			}
			val, err := item.Value()
			if err != nil {
				return err
			}
			var entry eraftpb.Entry
			if err = proto.Unmarshal(val, &entry); err != nil {
				return errors.WithStack(err)
			}
			// May meet gaps or has been compacted.
			if entry.Index != nextIndex {
				break
			}
			nextIndex++
			totalSize += uint64(len(val))
			exceededMaxSize = totalSize > maxSize
			if !exceededMaxSize || len(buf) == 0 {
				buf = append(buf, entry)
			}
			if exceededMaxSize {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	// If we get the correct number of entries, returns.
	if uint64(len(buf)) == high-low || exceededMaxSize {
		return buf, nil
	}
	return nil, raft.ErrUnavailable
}

func (ps *PeerStorage) Term(idx uint64) (uint64, error) {
	if idx == ps.truncatedIndex() {
		return ps.truncatedTerm(), nil
	}
	if err := ps.checkRange(idx, idx+1); err != nil {
		return 0, err
	}
	if ps.truncatedTerm() == ps.lastTerm || idx == ps.raftState.lastIndex {
		return ps.lastTerm, nil
	}
	entries, err := ps.Entries(idx, idx+1, ^uint64(0))
	if err != nil {
		return 0, err
	}
	return entries[0].Term, nil
}

func (ps *PeerStorage) LastIndex() (uint64, error) {
	return ps.raftState.lastIndex, nil
}

func (ps *PeerStorage) FirstIndex() (uint64, error) {
	return ps.truncatedIndex() + 1, nil
}

func (ps *PeerStorage) truncatedIndex() uint64 {
	return ps.applyState.truncatedIndex
}

func (ps *PeerStorage) truncatedTerm() uint64 {
	return ps.applyState.truncatedTerm
}

func (ps *PeerStorage) AppliedIndex() uint64 {
	return ps.applyState.appliedIndex
}

func (ps *PeerStorage) Region() *metapb.Region {
	return ps.region
}

func (ps *PeerStorage) SetRegion(region *metapb.Region) {
	ps.region = region
}

func (ps *PeerStorage) isInitialized() bool {
	return len(ps.region.Peers) > 0
}

func (ps *PeerStorage) isApplyingSnapshot() bool {
	return ps.snapState.StateType == SnapStateApplying
}

// IsApplyingSnapshot returns whether a snapshot apply job is in flight.
func (ps *PeerStorage) IsApplyingSnapshot() bool {
	return ps.isApplyingSnapshot()
}

func (ps *PeerStorage) checkRange(low, high uint64) error {
	if low > high {
		return errors.Errorf("low %d is greater than high %d", low, high)
	} else if low <= ps.truncatedIndex() {
		return raft.ErrCompacted
	} else if high > ps.raftState.lastIndex+1 {
		return errors.Errorf("entries' high %d is out of bound, lastIndex %d",
			high, ps.raftState.lastIndex)
	}
	return nil
}

func (ps *PeerStorage) Snapshot() (eraftpb.Snapshot, error) {
	var snap eraftpb.Snapshot
	if ps.snapState.StateType == SnapStateGenerating {
		select {
		case s := <-ps.snapState.Receiver:
			if s != nil {
				snap = *s
			}
		default:
			return snap, raft.ErrSnapshotTemporarilyUnavailable
		}
		ps.snapState.StateType = SnapStateRelax
		if snap.GetMetadata() != nil {
			ps.snapTriedCnt = 0
			if ps.validateSnap(&snap) {
				return snap, nil
			}
		} else {
			log.S().Warnf("%s failed to try generating snapshot, times: %d", ps.Tag, ps.snapTriedCnt)
		}
	}

	if ps.snapTriedCnt >= MaxSnapRetryCnt {
		err := errors.Errorf("failed to get snapshot after %d times", ps.snapTriedCnt)
		ps.snapTriedCnt = 0
		return snap, err
	}

	log.S().Infof("%s requesting snapshot", ps.Tag)
	ps.snapTriedCnt++
	ps.scheduleGenerateSnapshot()
	return snap, raft.ErrSnapshotTemporarilyUnavailable
}

func (ps *PeerStorage) scheduleGenerateSnapshot() {
	ch := make(chan *eraftpb.Snapshot, 1)
	ps.snapState = SnapState{
		StateType: SnapStateGenerating,
		Receiver:  ch,
	}
	ps.regionSched <- task{
		tp: taskTypeRegionGen,
		data: &regionTask{
			regionID: ps.region.GetId(),
			notifier: ch,
		},
	}
}

// validateSnap drops snapshots that became stale while being generated.
func (ps *PeerStorage) validateSnap(snap *eraftpb.Snapshot) bool {
	idx := snap.GetMetadata().GetIndex()
	if idx < ps.truncatedIndex() {
		log.S().Infof("%s snapshot is stale, generate again, snapIndex: %d, truncatedIndex: %d", ps.Tag, idx, ps.truncatedIndex())
		return false
	}
	var snapData rspb.RaftSnapshotData
	if err := proto.Unmarshal(snap.GetData(), &snapData); err != nil {
		log.S().Errorf("%s failed to decode snapshot, it may be corrupted, err: %v", ps.Tag, err)
		return false
	}
	snapEpoch := snapData.GetRegion().GetRegionEpoch()
	latestEpoch := ps.region.GetRegionEpoch()
	if snapEpoch.GetConfVer() < latestEpoch.GetConfVer() {
		log.S().Infof("%s snapshot epoch is stale, snapEpoch: %s, latestEpoch: %s", ps.Tag, snapEpoch, latestEpoch)
		return false
	}
	return true
}

// Append the given entries to the raft log using previous last index or
// self.last_index. Return the new last index for later update. After we
// commit in engine, we can set last_index to the return one.
func (ps *PeerStorage) Append(invokeCtx *InvokeContext, entries []eraftpb.Entry, raftWB *WriteBatch) error {
	if len(entries) == 0 {
		return nil
	}
	prevLastIndex := invokeCtx.RaftState.lastIndex
	lastIndex := entries[len(entries)-1].Index
	lastTerm := entries[len(entries)-1].Term
	for _, entry := range entries {
		val, err := proto.Marshal(&entry)
		if err != nil {
			return errors.WithStack(err)
		}
		raftWB.Set(RaftLogKey(ps.region.Id, entry.Index), val)
	}
	// Delete any previously appended log entries which never committed.
	for i := lastIndex + 1; i <= prevLastIndex; i++ {
		raftWB.Delete(RaftLogKey(ps.region.Id, i))
	}
	invokeCtx.RaftState.lastIndex = lastIndex
	invokeCtx.lastTerm = lastTerm

	ps.cache.append(ps.Tag, entries)
	return nil
}

func (ps *PeerStorage) CompactTo(idx uint64) {
	ps.cache.compactTo(idx)
}

func (ps *PeerStorage) clearMeta(kvWB, raftWB *WriteBatch) error {
	return ClearMeta(ps.Engines, kvWB, raftWB, ps.region.Id, ps.raftState.lastIndex)
}

// ClearMeta removes a region's raft log and all three local states.
func ClearMeta(engines *Engines, kvWB, raftWB *WriteBatch, regionID uint64, lastIndex uint64) error {
	start := time.Now()
	kvWB.Delete(RegionStateKey(regionID))
	kvWB.Delete(ApplyStateKey(regionID))
	kvWB.Delete(SnapshotRaftStateKey(regionID))

	firstIndex := lastIndex + 1
	beginLogKey := RaftLogKey(regionID, 0)
	endLogKey := RaftLogKey(regionID, firstIndex)
	err := engines.raft.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(beginLogKey)
		if it.Valid() && bytes.Compare(it.Item().Key(), endLogKey) < 0 {
			logIdx, err1 := RaftLogIndex(it.Item().Key())
			if err1 != nil {
				return err1
			}
			firstIndex = logIdx
		}
		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}
	for i := firstIndex; i <= lastIndex; i++ {
		raftWB.Delete(RaftLogKey(regionID, i))
	}
	raftWB.Delete(RaftStateKey(regionID))
	log.S().Infof(
		"[region %d] clear peer 1 meta key, 1 apply key, 1 raft key and %d raft logs, takes %v",
		regionID, lastIndex+1-firstIndex, time.Since(start))
	return nil
}

// clearExtraData schedules removal of the data this peer holds outside of
// newRegion's boundaries.
func (ps *PeerStorage) clearExtraData(newRegion *metapb.Region) {
	oldStartKey, oldEndKey := RawStartKey(ps.region), RawEndKey(ps.region)
	newStartKey, newEndKey := RawStartKey(newRegion), RawEndKey(newRegion)
	regionID := newRegion.Id
	if bytes.Compare(oldStartKey, newStartKey) < 0 {
		ps.regionSched <- task{
			tp: taskTypeRegionDestroy,
			data: &regionTask{
				regionID: regionID,
				startKey: oldStartKey,
				endKey:   newStartKey,
			},
		}
	}
	if bytes.Compare(newEndKey, oldEndKey) < 0 {
		ps.regionSched <- task{
			tp: taskTypeRegionDestroy,
			data: &regionTask{
				regionID: regionID,
				startKey: newEndKey,
				endKey:   oldEndKey,
			},
		}
	}
}

// ApplySnapshot stages a snapshot: states go into the write batches, the
// heavy data move happens later in the region worker.
func (ps *PeerStorage) ApplySnapshot(ctx *InvokeContext, snap *eraftpb.Snapshot, kvWB *WriteBatch, raftWB *WriteBatch) error {
	log.S().Infof("%v begin to apply snapshot", ps.Tag)

	snapData := new(rspb.RaftSnapshotData)
	if err := proto.Unmarshal(snap.Data, snapData); err != nil {
		return errors.WithStack(err)
	}

	if snapData.Region.Id != ps.region.Id {
		return errors.Errorf("mismatch region id %v != %v", snapData.Region.Id, ps.region.Id)
	}

	if ps.isInitialized() {
		// we can only delete the old data when the peer is initialized.
		if err := ps.clearMeta(kvWB, raftWB); err != nil {
			return err
		}
	}

	ctx.RaftState.lastIndex = snap.Metadata.Index
	ctx.lastTerm = snap.Metadata.Term
	ctx.ApplyState.appliedIndex = snap.Metadata.Index

	// The snapshot only contains log which index > applied index, so
	// here the truncate state's (index, term) is in snapshot metadata.
	ctx.ApplyState.truncatedIndex = snap.Metadata.Index
	ctx.ApplyState.truncatedTerm = snap.Metadata.Term

	// The region is marked Applying until the region worker finishes moving
	// the snapshot data, restart recovery relies on this state.
	WritePeerState(kvWB, snapData.Region, rspb.PeerState_Applying, nil)

	log.S().Infof("%v apply snapshot for region %v with state %v ok", ps.Tag, snapData.Region, ctx.ApplyState)

	ctx.SnapRegion = snapData.Region
	ctx.snapData = snapData
	return nil
}

// SaveReadyState handles the raft ready's persistent mutations: appended
// entries, hard state change and, when present, a snapshot. The write
// batches are committed by the caller; in-memory state only moves in
// PostReadyPersistent afterwards.
func (ps *PeerStorage) SaveReadyState(kvWB, raftWB *WriteBatch, ready *raft.Ready) (*InvokeContext, error) {
	ctx := NewInvokeContext(ps)
	var snapshotIdx uint64
	if !raft.IsEmptySnap(&ready.Snapshot) {
		if err := ps.ApplySnapshot(ctx, &ready.Snapshot, kvWB, raftWB); err != nil {
			return nil, err
		}
		snapshotIdx = ctx.RaftState.lastIndex
	}

	if len(ready.Entries) != 0 {
		if err := ps.Append(ctx, ready.Entries, raftWB); err != nil {
			return nil, err
		}
	}

	// Last index is 0 means the peer is created from raft message
	// and has not applied snapshot yet, so skip persistent hard state.
	if ctx.RaftState.lastIndex > 0 {
		if !raft.IsEmptyHardState(ready.HardState) {
			ctx.RaftState.commit = ready.HardState.Commit
			ctx.RaftState.term = ready.HardState.Term
			ctx.RaftState.vote = ready.HardState.Vote
		}
		if ctx.RaftState != ps.raftState {
			ctx.saveRaftStateTo(raftWB)
			if snapshotIdx > 0 {
				// in case of restart happens when we just write region state
				// to Applying, but not write raft_local_state to raft db in
				// time. We write raft state to kv db, with last index set to
				// snap index, in case of recv raft log after snapshot.
				ctx.saveSnapshotRaftStateTo(snapshotIdx, kvWB)
			}
		}
	}

	if ctx.ApplyState != ps.applyState {
		ctx.saveApplyStateTo(kvWB)
	}

	return ctx, nil
}

// PostReadyPersistent updates the memory states after the ready's writes
// are persisted, and schedules the snapshot apply job when there is one.
func (ps *PeerStorage) PostReadyPersistent(ctx *InvokeContext) *ApplySnapResult {
	ps.raftState = ctx.RaftState
	ps.applyState = ctx.ApplyState
	ps.lastTerm = ctx.lastTerm

	if !ctx.hasSnapshot() {
		return nil
	}
	// cleanup data before scheduling apply task
	if ps.isInitialized() {
		ps.clearExtraData(ctx.SnapRegion)
	}

	prevRegion := ps.region
	ps.region = ctx.SnapRegion
	ctx.SnapRegion = nil

	status := JobStatusPending
	ps.snapState = SnapState{
		StateType: SnapStateApplying,
		Status:    &status,
	}
	ps.regionSched <- task{
		tp: taskTypeRegionApply,
		data: &regionTask{
			regionID: ps.region.Id,
			status:   &status,
			snapData: ctx.snapData,
		},
	}
	ctx.snapData = nil
	return &ApplySnapResult{PrevRegion: prevRegion, Region: ps.region}
}

func (ps *PeerStorage) CheckApplyingSnap() bool {
	switch ps.snapState.StateType {
	case SnapStateApplying:
		switch atomic.LoadUint32(ps.snapState.Status) {
		case JobStatusFinished:
			ps.snapState = SnapState{StateType: SnapStateRelax}
		case JobStatusCancelled:
			ps.snapState = SnapState{StateType: SnapStateApplyAborted}
		case JobStatusFailed:
			panic(ps.Tag + " applying snapshot failed")
		default:
			return true
		}
	}
	return false
}

// CancelApplyingSnap returns true when the in-flight job was cancelled or
// already done, false when the apply has gone too far to stop.
func (ps *PeerStorage) CancelApplyingSnap() bool {
	if ps.snapState.StateType != SnapStateApplying {
		return true
	}
	for {
		switch atomic.LoadUint32(ps.snapState.Status) {
		case JobStatusPending:
			if atomic.CompareAndSwapUint32(ps.snapState.Status, JobStatusPending, JobStatusCancelled) {
				ps.snapState = SnapState{StateType: SnapStateApplyAborted}
				return true
			}
		case JobStatusRunning:
			if atomic.CompareAndSwapUint32(ps.snapState.Status, JobStatusRunning, JobStatusCancelling) {
				return false
			}
		case JobStatusCancelled:
			ps.snapState = SnapState{StateType: SnapStateApplyAborted}
			return true
		case JobStatusFinished:
			return false
		default:
			panic(ps.Tag + " unexpected snapshot job status")
		}
	}
}

// CacheQueryStats counts entry cache hits for metrics.
type CacheQueryStats struct {
	hit  uint64
	miss uint64
}

// WritePeerState persists a peer's RegionLocalState. Every region state
// transition of the merge protocol funnels through here so the persisted
// PeerState, region descriptor and merge state always move together.
func WritePeerState(kvWB *WriteBatch, region *metapb.Region, state rspb.PeerState, mergeState *rspb.MergeState) {
	regionID := region.Id
	regionState := new(rspb.RegionLocalState)
	regionState.State = state
	regionState.Region = region
	if mergeState != nil {
		regionState.MergeState = mergeState
	}
	data, err := proto.Marshal(regionState)
	if err != nil {
		panic(err)
	}
	kvWB.Set(RegionStateKey(regionID), data)
}

// CompactRaftLog discards log entries up to (and excluding) compactIndex by
// advancing the truncated state. Physical deletion happens in the raft log
// gc worker.
func CompactRaftLog(tag string, state *applyState, compactIndex, compactTerm uint64) error {
	log.S().Debugf("%s compact log entries to index %d", tag, compactIndex)
	if compactIndex <= state.truncatedIndex {
		return errors.New("try to truncate compacted entries")
	} else if compactIndex > state.appliedIndex {
		return errors.Errorf("compact index %d > applied index %d", compactIndex, state.appliedIndex)
	}

	// we don't actually delete the logs now, we add an async task to do it.
	state.truncatedIndex = compactIndex
	state.truncatedTerm = compactTerm
	return nil
}
