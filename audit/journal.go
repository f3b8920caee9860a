// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package audit keeps an append-only log of configuration changes made to the
// broker, outside of chain state, so operators can see who repointed what.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

var (
	entryPrefix = []byte("audit/e/")
	seqKey      = []byte("audit/seq")
)

var ErrClosed = errors.New("audit journal closed")

// Entry is one recorded mutation. Previous and Current are the rendered old
// and new values of Field on Subject.
type Entry struct {
	Seq      uint64         `json:"seq"`
	Block    uint64         `json:"block"`
	Actor    common.Address `json:"actor"`
	Kind     string         `json:"kind"`
	Subject  common.Address `json:"subject"`
	Field    string         `json:"field"`
	Previous string         `json:"previous"`
	Current  string         `json:"current"`
}

func (e Entry) String() string {
	return fmt.Sprintf("#%d block=%d %s %s.%s %s -> %s by %s",
		e.Seq, e.Block, e.Kind, e.Subject.Hex(), e.Field, e.Previous, e.Current, e.Actor.Hex())
}

// Journal persists entries under sequence-numbered keys.
type Journal struct {
	lock sync.Mutex
	db   database.Database
}

func New(db database.Database) *Journal {
	return &Journal{db: db}
}

// Record appends a single entry and returns it with its sequence number set.
func (j *Journal) Record(entry Entry) (Entry, error) {
	out, err := j.RecordAll([]Entry{entry})
	if err != nil {
		return Entry{}, err
	}
	return out[0], nil
}

// RecordAll appends entries in one batch, so either all of them land or none.
func (j *Journal) RecordAll(entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	j.lock.Lock()
	defer j.lock.Unlock()

	if j.db == nil {
		return nil, ErrClosed
	}
	next, err := j.nextSeq()
	if err != nil {
		return nil, err
	}

	batch := j.db.NewBatch()
	out := make([]Entry, len(entries))
	for i, e := range entries {
		e.Seq = next
		next++
		value, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode audit entry: %w", err)
		}
		if err := batch.Put(entryKey(e.Seq), value); err != nil {
			return nil, err
		}
		out[i] = e
	}
	if err := batch.Put(seqKey, encodeSeq(next)); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("write audit batch: %w", err)
	}
	return out, nil
}

// Entries returns every entry in sequence order.
func (j *Journal) Entries() ([]Entry, error) {
	return j.filter(func(Entry) bool { return true })
}

// EntriesFor returns the entries whose subject is subject.
func (j *Journal) EntriesFor(subject common.Address) ([]Entry, error) {
	return j.filter(func(e Entry) bool { return e.Subject == subject })
}

// Len is the number of entries recorded so far.
func (j *Journal) Len() (uint64, error) {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.db == nil {
		return 0, ErrClosed
	}
	return j.nextSeq()
}

func (j *Journal) filter(keep func(Entry) bool) ([]Entry, error) {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.db == nil {
		return nil, ErrClosed
	}

	it := j.db.NewIteratorWithPrefix(entryPrefix)
	defer it.Release()

	var out []Entry
	for it.Next() {
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry %x: %w", it.Key(), err)
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	return out, it.Error()
}

func (j *Journal) nextSeq() (uint64, error) {
	raw, err := j.db.Get(seqKey)
	if errors.Is(err, database.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt audit sequence: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func entryKey(seq uint64) []byte {
	return append(append([]byte{}, entryPrefix...), encodeSeq(seq)...)
}

func encodeSeq(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}
