package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

// NopJournal discards everything; used when journaling is disabled.
type NopJournal struct{}

func NewNopJournal() *NopJournal {
	return &NopJournal{}
}

func (NopJournal) Append(string, Direction, protocol.Envelope) error {
	return nil
}

func (NopJournal) Replay(string, func(Entry) error) error {
	return nil
}

func (NopJournal) SaveResult(protocol.SimulationEndData) error {
	return nil
}

func (NopJournal) Result(string) (protocol.SimulationEndData, bool, error) {
	return protocol.SimulationEndData{}, false, nil
}

func (NopJournal) Close() error {
	return nil
}

// FileJournal appends JSON lines to a single file. Replay scans the whole
// file; it is meant for local debugging, not large volumes.
type FileJournal struct {
	mu   sync.Mutex
	f    *os.File
	path string
	next map[string]uint64
}

type fileRecord struct {
	Entry  *Entry                      `json:"entry,omitempty"`
	Result *protocol.SimulationEndData `json:"result,omitempty"`
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	j := &FileJournal{f: f, path: path, next: make(map[string]uint64)}
	err = j.scan(func(r fileRecord) error {
		if r.Entry != nil {
			j.next[r.Entry.SessionID] = r.Entry.Seq + 1
		}
		return nil
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

func (j *FileJournal) Append(sessionID string, dir Direction, env protocol.Envelope) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.next[sessionID]
	e := Entry{SessionID: sessionID, Seq: seq, Direction: dir, RecordedAt: time.Now().UTC(), Envelope: env}
	if err := j.write(fileRecord{Entry: &e}); err != nil {
		return err
	}
	j.next[sessionID] = seq + 1
	return nil
}

func (j *FileJournal) Replay(sessionID string, fn func(Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.scan(func(r fileRecord) error {
		if r.Entry == nil || r.Entry.SessionID != sessionID {
			return nil
		}
		return fn(*r.Entry)
	})
}

func (j *FileJournal) SaveResult(result protocol.SimulationEndData) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.write(fileRecord{Result: &result})
}

// Result returns the last result saved for the session.
func (j *FileJournal) Result(sessionID string) (protocol.SimulationEndData, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var (
		out   protocol.SimulationEndData
		found bool
	)
	err := j.scan(func(r fileRecord) error {
		if r.Result != nil && r.Result.SessionID == sessionID {
			out, found = *r.Result, true
		}
		return nil
	})
	return out, found, err
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

func (j *FileJournal) write(r fileRecord) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.f.Write(line); err != nil {
		return fmt.Errorf("write journal %s: %w", j.path, err)
	}
	return nil
}

func (j *FileJournal) scan(fn func(fileRecord) error) error {
	f, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", j.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		var r fileRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return fmt.Errorf("decode journal %s: %w", j.path, err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return sc.Err()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
