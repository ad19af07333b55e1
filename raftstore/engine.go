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
	"github.com/golang/protobuf/proto"
	"github.com/pingcap/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

// Engines keeps the two badger instances of a store: kv holds region data,
// apply states and region local states, raft holds raft logs and raft states.
type Engines struct {
	kv       *badger.DB
	kvPath   string
	raft     *badger.DB
	raftPath string
}

func NewEngines(kvEngine, raftEngine *badger.DB, kvPath, raftPath string) *Engines {
	return &Engines{
		kv:       kvEngine,
		kvPath:   kvPath,
		raft:     raftEngine,
		raftPath: raftPath,
	}
}

func (en *Engines) WriteKV(wb *WriteBatch) error {
	return wb.WriteToDB(en.kv)
}

func (en *Engines) WriteRaft(wb *WriteBatch) error {
	return wb.WriteToDB(en.raft)
}

func (en *Engines) SyncKVWAL() error {
	// badger writes buffered entries on commit, nothing extra to flush here.
	return nil
}

type writeBatchEntry struct {
	key    []byte
	value  []byte
	delete bool
}

// WriteBatch buffers writes so a state transition can reach the engine in a
// single transaction.
type WriteBatch struct {
	entries   []writeBatchEntry
	size      int
	safePoint int
}

func (wb *WriteBatch) Set(key, value []byte) {
	wb.entries = append(wb.entries, writeBatchEntry{key: key, value: value})
	wb.size += len(key) + len(value)
}

func (wb *WriteBatch) Delete(key []byte) {
	wb.entries = append(wb.entries, writeBatchEntry{key: key, delete: true})
	wb.size += len(key)
}

func (wb *WriteBatch) SetMsg(key []byte, msg proto.Message) error {
	val, err := proto.Marshal(msg)
	if err != nil {
		return errors.WithStack(err)
	}
	wb.Set(key, val)
	return nil
}

func (wb *WriteBatch) Len() int {
	return len(wb.entries)
}

func (wb *WriteBatch) IsEmpty() bool {
	return len(wb.entries) == 0
}

// SetSafePoint records the current batch length so a failed proposal can be
// rolled back without touching earlier writes.
func (wb *WriteBatch) SetSafePoint() {
	wb.safePoint = len(wb.entries)
}

func (wb *WriteBatch) RollbackToSafePoint() {
	wb.entries = wb.entries[:wb.safePoint]
}

func (wb *WriteBatch) Reset() {
	wb.entries = wb.entries[:0]
	wb.size = 0
	wb.safePoint = 0
}

func (wb *WriteBatch) WriteToDB(db *badger.DB) error {
	if len(wb.entries) == 0 {
		return nil
	}
	err := db.Update(func(txn *badger.Txn) error {
		for _, entry := range wb.entries {
			var err error
			if entry.delete {
				err = txn.Delete(entry.key)
			} else {
				err = txn.Set(entry.key, entry.value)
			}
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
	return err
}

func (wb *WriteBatch) MustWriteToDB(db *badger.DB) {
	if err := wb.WriteToDB(db); err != nil {
		log.S().Fatalf("write batch failed, err: %v", err)
	}
}

func getValue(db *badger.DB, key []byte) ([]byte, error) {
	var result []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		result = append([]byte{}, val...)
		return nil
	})
	return result, err
}

func getMsg(db *badger.DB, key []byte, msg proto.Message) error {
	val, err := getValue(db, key)
	if err != nil {
		return err
	}
	return proto.Unmarshal(val, msg)
}

func putValue(db *badger.DB, key, value []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func putMsg(db *badger.DB, key []byte, msg proto.Message) error {
	val, err := proto.Marshal(msg)
	if err != nil {
		return errors.WithStack(err)
	}
	return putValue(db, key, val)
}

func deleteValue(db *badger.DB, key []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// deleteRange removes all keys in [startKey, endKey). Collect first, then
// delete, so the iterator never observes its own writes.
func deleteRange(db *badger.DB, startKey, endKey []byte) error {
	var keys [][]byte
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(startKey); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if exceedEndKey(key, endKey) {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}
	wb := new(WriteBatch)
	for _, key := range keys {
		wb.Delete(key)
	}
	return wb.WriteToDB(db)
}
