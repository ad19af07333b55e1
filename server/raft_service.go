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
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/kvproto/pkg/tikvpb"
	"google.golang.org/grpc"
)

// RaftStreamServer is the subset of the tikv grpc service the raft store
// serves. Stores only talk raft to each other, so the remaining methods of
// the full service are not registered.
type RaftStreamServer interface {
	Raft(stream tikvpb.Tikv_RaftServer) error
	BatchRaft(stream tikvpb.Tikv_BatchRaftServer) error
}

// RegisterRaftService registers the raft streams under the tikv service name
// so the raft client's generated stubs can reach them.
func RegisterRaftService(s *grpc.Server, srv RaftStreamServer) {
	s.RegisterService(&raftServiceDesc, srv)
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: "tikvpb.Tikv",
	HandlerType: (*RaftStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Raft",
			Handler:       raftStreamHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "BatchRaft",
			Handler:       batchRaftStreamHandler,
			ClientStreams: true,
		},
	},
	Metadata: "tikvpb.proto",
}

func raftStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RaftStreamServer).Raft(&raftStream{stream})
}

func batchRaftStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RaftStreamServer).BatchRaft(&batchRaftStream{stream})
}

type raftStream struct {
	grpc.ServerStream
}

func (x *raftStream) SendAndClose(m *tikvpb.Done) error {
	return x.ServerStream.SendMsg(m)
}

func (x *raftStream) Recv() (*rspb.RaftMessage, error) {
	m := new(rspb.RaftMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type batchRaftStream struct {
	grpc.ServerStream
}

func (x *batchRaftStream) SendAndClose(m *tikvpb.Done) error {
	return x.ServerStream.SendMsg(m)
}

func (x *batchRaftStream) Recv() (*tikvpb.BatchRaftMessage, error) {
	m := new(tikvpb.BatchRaftMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
