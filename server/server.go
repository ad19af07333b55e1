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

package server

import (
	"os"
	"path/filepath"

	"github.com/ngaut/unikv/config"
	"github.com/ngaut/unikv/pd"
	"github.com/ngaut/unikv/raftstore"
	"github.com/pingcap/badger"
	"github.com/pingcap/badger/options"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/log"
	"github.com/zhangjinpeng1987/raft"
)

const (
	subPathRaft = "raft"
	subPathKV   = "kv"
)

// Server bundles the raft store with its serving surface.
type Server struct {
	innerServer *raftstore.InnerServer
	router      *raftstore.RaftstoreRouter
}

// New opens the engines, starts the raft store and returns the server.
func New(conf *config.Config, pdClient pd.Client) (*Server, error) {
	dbPath := conf.Engine.DBPath
	kvPath := filepath.Join(dbPath, subPathKV)
	raftPath := filepath.Join(dbPath, subPathRaft)

	if err := os.MkdirAll(kvPath, os.ModePerm); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(raftPath, os.ModePerm); err != nil {
		return nil, err
	}

	kvDB, err := createDB(subPathKV, &conf.Engine)
	if err != nil {
		return nil, err
	}
	raftDB, err := createDB(subPathRaft, &conf.Engine)
	if err != nil {
		return nil, err
	}
	engines := raftstore.NewEngines(kvDB, raftDB, kvPath, raftPath)

	raftConf := raftstore.NewDefaultConfig()
	setupRaftStoreConf(raftConf, conf)

	innerServer := raftstore.NewRaftInnerServer(engines, raftConf)
	innerServer.Setup(pdClient)
	innerServer.SetPeerEventObserver(&regionEventLogger{})

	if err := innerServer.Start(pdClient); err != nil {
		return nil, err
	}
	return &Server{
		innerServer: innerServer,
		router:      innerServer.GetRaftstoreRouter(),
	}, nil
}

// InnerServer exposes the raft stream handlers for grpc registration.
func (s *Server) InnerServer() *raftstore.InnerServer {
	return s.innerServer
}

// Router returns the command router of the raft store.
func (s *Server) Router() *raftstore.RaftstoreRouter {
	return s.router
}

func (s *Server) Stop() error {
	return s.innerServer.Stop()
}

func setupRaftStoreConf(raftConf *raftstore.Config, conf *config.Config) {
	raftConf.Addr = conf.Server.StoreAddr
	raftConf.AdvertiseAddr = conf.Server.AdvertiseAddr
	for k, v := range conf.Server.Labels {
		raftConf.Labels = append(raftConf.Labels, raftstore.StoreLabel{LabelKey: k, LabelValue: v})
	}

	// raftstore block
	raftConf.PdHeartbeatTickInterval = config.ParseDuration(conf.RaftStore.PdHeartbeatTickInterval)
	raftConf.RaftStoreMaxLeaderLease = config.ParseDuration(conf.RaftStore.RaftStoreMaxLeaderLease)
	raftConf.RaftBaseTickInterval = config.ParseDuration(conf.RaftStore.RaftBaseTickInterval)
	raftConf.RaftHeartbeatTicks = conf.RaftStore.RaftHeartbeatTicks
	raftConf.RaftElectionTimeoutTicks = conf.RaftStore.RaftElectionTimeoutTicks
	if conf.RaftStore.RaftLogGCCountLimit > 0 {
		raftConf.RaftLogGcCountLimit = conf.RaftStore.RaftLogGCCountLimit
	}
	if conf.RaftStore.MergeCheckTickInterval != "" {
		raftConf.MergeCheckTickInterval = config.ParseDuration(conf.RaftStore.MergeCheckTickInterval)
	}
	if conf.RaftStore.MergeMaxLogGap > 0 {
		raftConf.MergeMaxLogGap = conf.RaftStore.MergeMaxLogGap
	}
	if conf.RaftStore.RegionMaxSizeMB > 0 {
		raftConf.RegionMaxSize = conf.RaftStore.RegionMaxSizeMB * config.MB
	}
	if conf.RaftStore.RegionSplitSizeMB > 0 {
		raftConf.RegionSplitSize = conf.RaftStore.RegionSplitSizeMB * config.MB
	}
	if conf.RaftStore.ApplyWorkerCount > 0 {
		raftConf.ApplyPoolSize = conf.RaftStore.ApplyWorkerCount
	}
	raftConf.Capacity = conf.RaftStore.Capacity
}

func createDB(subPath string, conf *config.Engine) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.NumCompactors = conf.NumCompactors
	opts.ValueThreshold = conf.ValueThreshold
	if subPath == subPathRaft {
		// Do not need to write blob for raft engine because it will be deleted soon.
		opts.ValueThreshold = 0
	}
	opts.ValueLogWriteOptions.WriteBufferSize = 4 * 1024 * 1024
	opts.Dir = filepath.Join(conf.DBPath, subPath)
	opts.ValueDir = opts.Dir
	opts.ValueLogFileSize = conf.VlogFileSize
	opts.ValueLogMaxNumFiles = 3
	opts.MaxMemTableSize = conf.MaxMemTableSize
	opts.TableBuilderOptions.MaxTableSize = conf.MaxTableSize
	opts.NumMemtables = conf.NumMemTables
	opts.NumLevelZeroTables = conf.NumL0Tables
	opts.NumLevelZeroTablesStall = conf.NumL0TablesStall
	opts.SyncWrites = conf.SyncWrite
	compressionPerLevel := make([]options.CompressionType, len(conf.Compression))
	for i := range compressionPerLevel {
		compressionPerLevel[i] = config.ParseCompression(conf.Compression[i])
	}
	opts.TableBuilderOptions.CompressionPerLevel = compressionPerLevel
	opts.MaxBlockCacheSize = conf.BlockCacheSize
	return badger.Open(opts)
}

// regionEventLogger is the default peer event observer, it only records the
// events.
type regionEventLogger struct{}

func (l *regionEventLogger) OnPeerCreate(ctx *raftstore.PeerEventContext, region *metapb.Region) {
	log.S().Debugf("peer %d created, region %d", ctx.PeerId, ctx.RegionId)
}

func (l *regionEventLogger) OnPeerApplySnap(ctx *raftstore.PeerEventContext, region *metapb.Region) {
	log.S().Debugf("peer %d applied snapshot, region %d", ctx.PeerId, ctx.RegionId)
}

func (l *regionEventLogger) OnPeerDestroy(ctx *raftstore.PeerEventContext) {
	log.S().Debugf("peer %d destroyed, region %d", ctx.PeerId, ctx.RegionId)
}

func (l *regionEventLogger) OnSplitRegion(derived *metapb.Region, regions []*metapb.Region, peers []*raftstore.PeerEventContext) {
	log.S().Debugf("region %d split into %d regions", derived.Id, len(regions))
}

func (l *regionEventLogger) OnRegionConfChange(ctx *raftstore.PeerEventContext, epoch *metapb.RegionEpoch) {
	log.S().Debugf("region %d conf changed to %s", ctx.RegionId, epoch)
}

func (l *regionEventLogger) OnRoleChange(regionID uint64, newState raft.StateType) {
	log.S().Debugf("region %d role changed to %s", regionID, newState)
}
