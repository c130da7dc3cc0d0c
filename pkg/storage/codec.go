package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// keys: j:<2-byte len><session><8-byte seq>, r:<session>
// The length prefix keeps one session's range from covering another whose
// id shares a prefix.
func entryPrefix(sessionID string) []byte {
	k := make([]byte, 0, 4+len(sessionID)+8)
	k = append(k, 'j', ':')
	k = binary.BigEndian.AppendUint16(k, uint16(len(sessionID)))
	return append(k, sessionID...)
}

func entryKey(sessionID string, seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return append(entryPrefix(sessionID), k[:]...)
}

func resultKey(sessionID string) []byte {
	return []byte("r:" + sessionID)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte{}, p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
