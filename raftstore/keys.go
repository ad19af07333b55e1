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

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
)

// Keys with the local prefix are store or region meta keys, invisible to
// clients. Everything else in the kv engine lives under the data prefix.
const (
	LocalPrefix byte = 0x01

	RegionRaftPrefix byte = 0x02
	RegionMetaPrefix byte = 0x03

	RaftLogSuffix           byte = 0x01
	RaftStateSuffix         byte = 0x02
	ApplyStateSuffix        byte = 0x03
	SnapshotRaftStateSuffix byte = 0x04

	RegionStateSuffix byte = 0x01

	DataPrefix byte = 'z'
)

var (
	MinKey = []byte{}
	MaxKey = []byte{0xFF}

	// MinDataKey and MaxDataKey bound all user data in the kv engine.
	MinDataKey = []byte{DataPrefix}
	MaxDataKey = []byte{DataPrefix + 1}

	storeIdentKey       = []byte{LocalPrefix, 0x01}
	prepareBootstrapKey = []byte{LocalPrefix, 0x02}

	regionRaftPrefixKey = []byte{LocalPrefix, RegionRaftPrefix}
	regionMetaPrefixKey = []byte{LocalPrefix, RegionMetaPrefix}
)

func makeRegionPrefix(regionID uint64, prefix byte) []byte {
	key := make([]byte, 10)
	key[0] = LocalPrefix
	key[1] = prefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	return key
}

func makeRegionKey(regionID uint64, suffix byte, subID uint64) []byte {
	key := make([]byte, 19)
	key[0] = LocalPrefix
	key[1] = RegionRaftPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	key[10] = suffix
	binary.BigEndian.PutUint64(key[11:], subID)
	return key
}

func RegionRaftPrefixKey(regionID uint64) []byte {
	return makeRegionPrefix(regionID, RegionRaftPrefix)
}

func RaftLogKey(regionID, index uint64) []byte {
	return makeRegionKey(regionID, RaftLogSuffix, index)
}

func RaftStateKey(regionID uint64) []byte {
	key := make([]byte, 11)
	key[0] = LocalPrefix
	key[1] = RegionRaftPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	key[10] = RaftStateSuffix
	return key
}

func ApplyStateKey(regionID uint64) []byte {
	key := make([]byte, 11)
	key[0] = LocalPrefix
	key[1] = RegionRaftPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	key[10] = ApplyStateSuffix
	return key
}

func SnapshotRaftStateKey(regionID uint64) []byte {
	key := make([]byte, 11)
	key[0] = LocalPrefix
	key[1] = RegionRaftPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	key[10] = SnapshotRaftStateSuffix
	return key
}

func RegionMetaPrefixKey(regionID uint64) []byte {
	return makeRegionPrefix(regionID, RegionMetaPrefix)
}

func RegionStateKey(regionID uint64) []byte {
	key := make([]byte, 11)
	key[0] = LocalPrefix
	key[1] = RegionMetaPrefix
	binary.BigEndian.PutUint64(key[2:], regionID)
	key[10] = RegionStateSuffix
	return key
}

// RaftLogIndex extracts the log index from a raft log key.
func RaftLogIndex(key []byte) (uint64, error) {
	if len(key) != 19 {
		return 0, errors.Errorf("key %v is not a valid raft log key", key)
	}
	return binary.BigEndian.Uint64(key[11:]), nil
}

// RegionIDFromRegionStateKey parses the region ID out of a region state key
// produced by RegionStateKey.
func RegionIDFromRegionStateKey(key []byte) (uint64, error) {
	if len(key) != 11 || key[0] != LocalPrefix || key[1] != RegionMetaPrefix || key[10] != RegionStateSuffix {
		return 0, errors.Errorf("key %v is not a valid region state key", key)
	}
	return binary.BigEndian.Uint64(key[2:]), nil
}

// DataKey prefixes a user key so it never collides with the local key space.
func DataKey(key []byte) []byte {
	dataKey := make([]byte, 0, 1+len(key))
	dataKey = append(dataKey, DataPrefix)
	return append(dataKey, key...)
}

// DataEndKey converts a region end key into the data key space. An empty end
// key maps to the upper bound of the data key space.
func DataEndKey(key []byte) []byte {
	if len(key) == 0 {
		return MaxDataKey
	}
	return DataKey(key)
}

// OriginKey strips the data prefix added by DataKey.
func OriginKey(key []byte) []byte {
	if len(key) == 0 || key[0] != DataPrefix {
		panic("invalid data key " + string(key))
	}
	return key[1:]
}

// RawStartKey returns the region start boundary in the data key space.
func RawStartKey(region *metapb.Region) []byte {
	return DataKey(region.GetStartKey())
}

// RawEndKey returns the region end boundary in the data key space. An empty
// end key means the region extends to the end of the key space.
func RawEndKey(region *metapb.Region) []byte {
	if len(region.GetEndKey()) == 0 {
		return MaxDataKey
	}
	return DataKey(region.GetEndKey())
}

func isLocalKey(key []byte) bool {
	return len(key) > 0 && key[0] == LocalPrefix
}

func isDataKey(key []byte) bool {
	return len(key) > 0 && key[0] == DataPrefix
}

// exceedEndKey returns whether current reaches or passes endKey. An empty
// endKey never terminates a scan.
func exceedEndKey(current, endKey []byte) bool {
	return len(endKey) > 0 && bytes.Compare(current, endKey) >= 0
}
