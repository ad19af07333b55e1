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
	"github.com/pingcap/kvproto/pkg/eraftpb"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/log"
	"github.com/zhangjinpeng1987/raft"
	"go.uber.org/zap"
)

// ServerTransport sends raft messages to remote stores through the raft
// client. Snapshot data travels inside the message, so a snapshot send is
// acknowledged as soon as the message is handed to the stream.
type ServerTransport struct {
	raftClient *RaftClient
	router     *router
}

func NewServerTransport(raftClient *RaftClient, router *router) *ServerTransport {
	return &ServerTransport{
		raftClient: raftClient,
		router:     router,
	}
}

func (t *ServerTransport) Send(msg *rspb.RaftMessage) error {
	isSnapshot := msg.GetMessage().GetMsgType() == eraftpb.MessageType_MsgSnapshot
	if err := t.raftClient.Send(msg); err != nil {
		t.reportUnreachable(msg)
		return err
	}
	if isSnapshot {
		t.reportSnapshotStatus(msg, raft.SnapshotFinish)
	}
	return nil
}

func (t *ServerTransport) reportSnapshotStatus(msg *rspb.RaftMessage, status raft.SnapshotStatus) {
	regionID := msg.GetRegionId()
	toPeerID := msg.GetToPeer().GetId()
	if err := t.router.send(regionID, NewPeerMsg(MsgTypeSignificantMsg, regionID, &MsgSignificant{
		Type:           MsgSignificantTypeStatus,
		ToPeerID:       toPeerID,
		SnapshotStatus: status,
	})); err != nil {
		log.Error("report snapshot to peer failed",
			zap.Uint64("to peer", toPeerID), zap.Uint64("region id", regionID), zap.Error(err))
	}
}

func (t *ServerTransport) reportUnreachable(msg *rspb.RaftMessage) {
	regionID := msg.GetRegionId()
	toPeerID := msg.GetToPeer().GetId()
	if msg.GetMessage().GetMsgType() == eraftpb.MessageType_MsgSnapshot {
		t.reportSnapshotStatus(msg, raft.SnapshotFailure)
		return
	}
	if err := t.router.send(regionID, NewPeerMsg(MsgTypeSignificantMsg, regionID, &MsgSignificant{
		Type:     MsgSignificantTypeUnreachable,
		ToPeerID: toPeerID,
	})); err != nil {
		log.Error("report peer unreachable failed",
			zap.Uint64("to peer", toPeerID), zap.Uint64("region id", regionID), zap.Error(err))
	}
}
