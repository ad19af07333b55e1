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
	"testing"

	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaftLogKey(t *testing.T) {
	key := RaftLogKey(1, 3)
	idx, err := RaftLogIndex(key)
	require.Nil(t, err)
	assert.Equal(t, uint64(3), idx)

	_, err = RaftLogIndex(RaftStateKey(1))
	assert.NotNil(t, err)

	// Log keys of one region sort by index.
	assert.True(t, bytes.Compare(RaftLogKey(1, 2), RaftLogKey(1, 10)) < 0)
	// And never cross region boundaries.
	assert.True(t, bytes.Compare(RaftLogKey(1, ^uint64(0)), RegionRaftPrefixKey(2)) < 0)
}

func TestRegionStateKey(t *testing.T) {
	key := RegionStateKey(0x1234)
	regionID, err := RegionIDFromRegionStateKey(key)
	require.Nil(t, err)
	assert.Equal(t, uint64(0x1234), regionID)

	_, err = RegionIDFromRegionStateKey(RaftStateKey(0x1234))
	assert.NotNil(t, err)
	_, err = RegionIDFromRegionStateKey(key[:10])
	assert.NotNil(t, err)
}

func TestDataKey(t *testing.T) {
	key := []byte("abc")
	dataKey := DataKey(key)
	assert.True(t, isDataKey(dataKey))
	assert.False(t, isDataKey(key))
	assert.Equal(t, key, OriginKey(dataKey))

	assert.Equal(t, MaxDataKey, DataEndKey(nil))
	assert.Equal(t, DataKey(key), DataEndKey(key))

	region := &metapb.Region{StartKey: []byte("a"), EndKey: []byte("z")}
	assert.Equal(t, DataKey([]byte("a")), RawStartKey(region))
	assert.Equal(t, DataKey([]byte("z")), RawEndKey(region))
	region.EndKey = nil
	assert.Equal(t, MaxDataKey, RawEndKey(region))

	assert.True(t, isLocalKey(RegionStateKey(1)))
	assert.False(t, isLocalKey(dataKey))
}

func TestExceedEndKey(t *testing.T) {
	// An empty end key means unbounded.
	assert.False(t, exceedEndKey([]byte("z"), nil))
	assert.False(t, exceedEndKey([]byte("a"), []byte("b")))
	assert.True(t, exceedEndKey([]byte("b"), []byte("b")))
	assert.True(t, exceedEndKey([]byte("c"), []byte("b")))
}
