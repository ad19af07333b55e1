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
	"io/ioutil"
	"os"
	"testing"

	"github.com/pingcap/badger"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, path string) *badger.DB {
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.ValueThreshold = 256
	db, err := badger.Open(opts)
	require.Nil(t, err)
	return db
}

func newTestEngines(t *testing.T) *Engines {
	kvPath, err := ioutil.TempDir("", "unikv_kv")
	require.Nil(t, err)
	raftPath, err := ioutil.TempDir("", "unikv_raft")
	require.Nil(t, err)
	return NewEngines(openTestDB(t, kvPath), openTestDB(t, raftPath), kvPath, raftPath)
}

func cleanUpTestEngineData(engines *Engines) {
	os.RemoveAll(engines.kvPath)
	os.RemoveAll(engines.raftPath)
}

func newTestPeerStorage(t *testing.T) *PeerStorage {
	engines := newTestEngines(t)
	err := BootstrapStore(engines, 1, 1)
	require.Nil(t, err)
	region, err := PrepareBootstrap(engines, 1, 1, 1)
	require.Nil(t, err)
	peerStore, err := NewPeerStorage(engines, region, nil, "")
	require.Nil(t, err)
	return peerStore
}

func newTestPeerStorageFromEnts(t *testing.T, ents []eraftpb.Entry) *PeerStorage {
	peerStore := newTestPeerStorage(t)
	kvWB := new(WriteBatch)
	ctx := NewInvokeContext(peerStore)
	raftWB := new(WriteBatch)
	require.Nil(t, peerStore.Append(ctx, ents[1:], raftWB))
	ctx.ApplyState.truncatedIndex = ents[0].Index
	ctx.ApplyState.truncatedTerm = ents[0].Term
	ctx.ApplyState.appliedIndex = ents[len(ents)-1].Index
	ctx.saveApplyStateTo(kvWB)
	ctx.saveRaftStateTo(raftWB)
	require.Nil(t, peerStore.Engines.WriteRaft(raftWB))
	require.Nil(t, peerStore.Engines.WriteKV(kvWB))
	peerStore.raftState = ctx.RaftState
	peerStore.applyState = ctx.ApplyState
	peerStore.lastTerm = ctx.lastTerm
	return peerStore
}

func cleanUpTestData(peerStore *PeerStorage) {
	cleanUpTestEngineData(peerStore.Engines)
}

func newTestEntry(index, term uint64) eraftpb.Entry {
	return eraftpb.Entry{
		Index: index,
		Term:  term,
		Data:  []byte{0},
	}
}
