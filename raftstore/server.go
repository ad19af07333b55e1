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

	"github.com/ngaut/unikv/pd"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/tikvpb"
)

// InnerServer glues the raft store to the grpc raft service. It owns the
// batch system, the raft client and the node life cycle.
type InnerServer struct {
	engines       *Engines
	raftConfig    *Config
	storeMeta     metapb.Store
	eventObserver PeerEventObserver

	node        *Node
	router      *router
	batchSystem *raftBatchSystem
	pdWorker    *worker
	raftCli     *RaftClient
	workerWg    sync.WaitGroup
}

func NewRaftInnerServer(engines *Engines, raftConfig *Config) *InnerServer {
	return &InnerServer{
		engines:    engines,
		raftConfig: raftConfig,
	}
}

// Raft handles an incoming single-message raft stream.
func (ris *InnerServer) Raft(stream tikvpb.Tikv_RaftServer) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}
		_ = ris.router.sendRaftMessage(msg)
	}
}

// BatchRaft handles an incoming batched raft stream.
func (ris *InnerServer) BatchRaft(stream tikvpb.Tikv_BatchRaftServer) error {
	for {
		msgs, err := stream.Recv()
		if err != nil {
			return err
		}
		for _, msg := range msgs.GetMsgs() {
			_ = ris.router.sendRaftMessage(msg)
		}
	}
}

func (ris *InnerServer) Setup(pdClient pd.Client) {
	ris.pdWorker = newWorker("pd-worker", &ris.workerWg)
	router, batchSystem := createRaftBatchSystem(ris.raftConfig)
	ris.router = router
	ris.batchSystem = batchSystem
}

func (ris *InnerServer) GetRaftstoreRouter() *RaftstoreRouter {
	return &RaftstoreRouter{router: ris.router}
}

func (ris *InnerServer) GetStoreMeta() *metapb.Store {
	return &ris.storeMeta
}

func (ris *InnerServer) SetPeerEventObserver(ob PeerEventObserver) {
	ris.eventObserver = ob
}

func (ris *InnerServer) Start(pdClient pd.Client) error {
	ris.node = NewNode(ris.batchSystem, &ris.storeMeta, ris.raftConfig, pdClient, ris.eventObserver)

	raftClient := newRaftClient(ris.raftConfig, pdClient)
	trans := NewServerTransport(raftClient, ris.router)
	if err := ris.node.Start(context.TODO(), ris.engines, trans, ris.pdWorker); err != nil {
		return err
	}
	ris.raftCli = raftClient
	return nil
}

func (ris *InnerServer) Stop() error {
	ris.node.stop()
	ris.raftCli.Stop()
	if err := ris.engines.raft.Close(); err != nil {
		return err
	}
	return ris.engines.kv.Close()
}
