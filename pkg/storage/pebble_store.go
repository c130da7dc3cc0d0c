package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

// PebbleJournal stores entries under per-session key ranges so a session
// replays in append order with one range scan.
type PebbleJournal struct {
	db  *pebble.DB
	now func() time.Time

	mu     sync.Mutex
	closed bool
	next   map[string]uint64
}

func NewPebbleJournal(path string) (*PebbleJournal, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20), // 32MB cache
		MemTableSize: 16 << 20,
		MaxOpenFiles: 500,
		BytesPerSync: 512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleJournal{db: db, now: time.Now, next: make(map[string]uint64)}, nil
}

func (j *PebbleJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

func (j *PebbleJournal) Append(sessionID string, dir Direction, env protocol.Envelope) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	seq, err := j.nextSeq(sessionID)
	if err != nil {
		return err
	}
	val, err := encodeGob(Entry{
		SessionID:  sessionID,
		Seq:        seq,
		Direction:  dir,
		RecordedAt: j.now().UTC(),
		Envelope:   env,
	})
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	// NoSync: the journal is diagnostic, losing a tail on crash is acceptable
	if err := j.db.Set(entryKey(sessionID, seq), val, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	j.next[sessionID] = seq + 1
	return nil
}

// nextSeq finds the next sequence for a session, resuming after the last
// stored entry when the journal was reopened.
func (j *PebbleJournal) nextSeq(sessionID string) (uint64, error) {
	if seq, ok := j.next[sessionID]; ok {
		return seq, nil
	}
	prefix := entryPrefix(sessionID)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan journal: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, nil
	}
	key := iter.Key()
	return binary.BigEndian.Uint64(key[len(key)-8:]) + 1, nil
}

func (j *PebbleJournal) Replay(sessionID string, fn func(Entry) error) error {
	prefix := entryPrefix(sessionID)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to scan journal: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := decodeGob(iter.Value(), &e); err != nil {
			return fmt.Errorf("decode journal entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (j *PebbleJournal) SaveResult(result protocol.SimulationEndData) error {
	val, err := encodeGob(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := j.db.Set(resultKey(result.SessionID), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

func (j *PebbleJournal) Result(sessionID string) (protocol.SimulationEndData, bool, error) {
	val, closer, err := j.db.Get(resultKey(sessionID))
	if errors.Is(err, pebble.ErrNotFound) {
		return protocol.SimulationEndData{}, false, nil
	}
	if err != nil {
		return protocol.SimulationEndData{}, false, fmt.Errorf("failed to get result: %w", err)
	}
	defer closer.Close()

	var out protocol.SimulationEndData
	if err := decodeGob(val, &out); err != nil {
		return protocol.SimulationEndData{}, false, fmt.Errorf("decode result: %w", err)
	}
	return out, true, nil
}

var _ Journal = (*PebbleJournal)(nil)
