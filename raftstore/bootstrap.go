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
	"github.com/pingcap/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
)

const (
	InitEpochVer     uint64 = 1
	InitEpochConfVer uint64 = 1
)

func isRangeEmpty(engine *badger.DB, startKey, endKey []byte) (bool, error) {
	var hasData bool
	err := engine.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(startKey)
		if it.Valid() && !exceedEndKey(it.Item().Key(), endKey) {
			hasData = true
		}
		return nil
	})
	if err != nil {
		return false, errors.WithStack(err)
	}
	return !hasData, nil
}

// BootstrapStore writes the store ident. Both engines must be empty.
func BootstrapStore(engines *Engines, clusterID, storeID uint64) error {
	empty, err := isRangeEmpty(engines.kv, MinKey, MaxKey)
	if err != nil {
		return err
	}
	if !empty {
		return errors.New("kv store is not empty and has already had data")
	}
	empty, err = isRangeEmpty(engines.raft, MinKey, MaxKey)
	if err != nil {
		return err
	}
	if !empty {
		return errors.New("raft store is not empty and has already had data")
	}
	ident := &rspb.StoreIdent{ClusterId: clusterID, StoreId: storeID}
	return putMsg(engines.kv, storeIdentKey, ident)
}

// PrepareBootstrap writes the first region covering the whole key space.
// The bootstrap is made visible to pd before it is committed locally, so the
// region is staged under prepareBootstrapKey until pd acknowledges.
func PrepareBootstrap(engines *Engines, storeID, regionID, peerID uint64) (*metapb.Region, error) {
	region := &metapb.Region{
		Id:       regionID,
		StartKey: []byte{},
		EndKey:   []byte{},
		RegionEpoch: &metapb.RegionEpoch{
			Version: InitEpochVer,
			ConfVer: InitEpochConfVer,
		},
		Peers: []*metapb.Peer{
			{
				Id:      peerID,
				StoreId: storeID,
			},
		},
	}
	if err := writePrepareBootstrap(engines, region); err != nil {
		return nil, err
	}
	return region, nil
}

func writePrepareBootstrap(engines *Engines, region *metapb.Region) error {
	state := new(rspb.RegionLocalState)
	state.Region = region
	kvWB := new(WriteBatch)
	if err := kvWB.SetMsg(prepareBootstrapKey, state); err != nil {
		return err
	}
	if err := kvWB.SetMsg(RegionStateKey(region.Id), state); err != nil {
		return err
	}
	writeInitialApplyState(kvWB, region.Id)
	if err := engines.WriteKV(kvWB); err != nil {
		return err
	}
	raftWB := new(WriteBatch)
	writeInitialRaftState(raftWB, region.Id)
	return engines.WriteRaft(raftWB)
}

func writeInitialApplyState(kvWB *WriteBatch, regionID uint64) {
	applyState := applyState{
		appliedIndex:   RaftInitLogIndex,
		truncatedIndex: RaftInitLogIndex,
		truncatedTerm:  RaftInitLogTerm,
	}
	kvWB.Set(ApplyStateKey(regionID), applyState.Marshal())
}

func writeInitialRaftState(raftWB *WriteBatch, regionID uint64) {
	raftState := raftState{
		lastIndex: RaftInitLogIndex,
		term:      RaftInitLogTerm,
		commit:    RaftInitLogIndex,
	}
	raftWB.Set(RaftStateKey(regionID), raftState.Marshal())
}

// ClearPrepareBootstrap removes a staged first region after pd reported the
// cluster was bootstrapped by another store.
func ClearPrepareBootstrap(engines *Engines, regionID uint64) error {
	if err := deleteValue(engines.raft, RaftStateKey(regionID)); err != nil {
		return errors.WithStack(err)
	}
	wb := new(WriteBatch)
	wb.Delete(prepareBootstrapKey)
	wb.Delete(RegionStateKey(regionID))
	wb.Delete(ApplyStateKey(regionID))
	return engines.WriteKV(wb)
}

// ClearPrepareBootstrapState keeps the first region but unstages it.
func ClearPrepareBootstrapState(engines *Engines) error {
	err := deleteValue(engines.kv, prepareBootstrapKey)
	return errors.WithStack(err)
}
