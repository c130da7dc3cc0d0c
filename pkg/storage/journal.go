// Package storage journals every envelope a session exchanges and keeps
// the final result of each simulation.
package storage

import (
	"errors"
	"time"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

type Direction int8

const (
	Inbound Direction = iota + 1
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "in"
	case Outbound:
		return "out"
	default:
		return "unknown"
	}
}

// Entry is one journaled envelope.
type Entry struct {
	SessionID  string            `json:"session_id"`
	Seq        uint64            `json:"seq"`
	Direction  Direction         `json:"direction"`
	RecordedAt time.Time         `json:"recorded_at"`
	Envelope   protocol.Envelope `json:"envelope"`
}

var ErrClosed = errors.New("journal closed")

// Journal is an append-only per-session message log.
type Journal interface {
	Append(sessionID string, dir Direction, env protocol.Envelope) error
	Replay(sessionID string, fn func(Entry) error) error
	SaveResult(result protocol.SimulationEndData) error
	Result(sessionID string) (protocol.SimulationEndData, bool, error)
	Close() error
}
