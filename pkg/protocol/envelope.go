package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types carried in Envelope.Type
const (
	TypeConnectionReady   = "connection_ready"
	TypeConnectionWarning = "connection_warning"
	TypeConnectionClosing = "connection_closing"
	TypeCreateSession     = "create_session"
	TypeSessionCreated    = "session_created"
	TypeStartSimulation   = "start_simulation"
	TypeSimulationStarted = "simulation_started"
	TypeTick              = "tick"
	TypeTickAck           = "tick_ack"
	TypeOrderBatch        = "order_batch"
	TypeBatchAck          = "batch_ack"
	TypeExecutionReport   = "execution_report"
	TypeAccountSnapshot   = "account_snapshot"
	TypeAccountRequest    = "account_request"
	TypeError             = "error"
	TypeSimulationEnd     = "simulation_end"
	TypeStopSimulation    = "stop_simulation"
	TypeHealth            = "health"
	TypePing              = "ping"
	TypePong              = "pong"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// MalformedEnvelopeError explains why a frame could not be decoded.
type MalformedEnvelopeError struct {
	Reason string
}

func (e *MalformedEnvelopeError) Error() string {
	return "malformed envelope: " + e.Reason
}

func (e *MalformedEnvelopeError) Is(target error) bool {
	return target == ErrMalformedEnvelope
}

// Envelope wraps every WebSocket message. Data is kept raw so the payload
// can be decoded against the message type later.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	RequestID *string         `json:"request_id"`
	Timestamp *time.Time      `json:"timestamp"`
}

var emptyObject = json.RawMessage(`{}`)

// Encode builds an envelope stamped with the current time.
func Encode(msgType string, data any, requestID string) (Envelope, error) {
	return EncodeAt(time.Now().UTC(), msgType, data, requestID)
}

// EncodeAt builds an envelope with an explicit timestamp. data must
// serialize to a JSON object; nil becomes {}.
func EncodeAt(ts time.Time, msgType string, data any, requestID string) (Envelope, error) {
	if msgType == "" {
		return Envelope{}, fmt.Errorf("encode envelope: empty message type")
	}

	raw := emptyObject
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		b = bytes.TrimSpace(b)
		if bytes.Equal(b, []byte("null")) {
			b = emptyObject
		}
		if len(b) == 0 || b[0] != '{' {
			return Envelope{}, fmt.Errorf("encode %s payload: data must be a JSON object", msgType)
		}
		raw = b
	}

	env := Envelope{Type: msgType, Data: raw, Timestamp: &ts}
	if requestID != "" {
		env.RequestID = &requestID
	}
	return env, nil
}

// MustEncode is for payloads known to be serializable (the package's own DTOs).
func MustEncode(ts time.Time, msgType string, data any, requestID string) Envelope {
	env, err := EncodeAt(ts, msgType, data, requestID)
	if err != nil {
		panic(err)
	}
	return env
}

func (e Envelope) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// ID returns the request id or "" when absent.
func (e Envelope) ID() string {
	if e.RequestID == nil {
		return ""
	}
	return *e.RequestID
}

// Decode parses one wire frame. The payload must be a JSON object with a
// non-empty string "type" and an object "data".
func Decode(b []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil || fields == nil {
		return Envelope{}, &MalformedEnvelopeError{Reason: "payload is not a JSON object"}
	}

	rawType, ok := fields["type"]
	if !ok {
		return Envelope{}, &MalformedEnvelopeError{Reason: "missing type"}
	}
	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return Envelope{}, &MalformedEnvelopeError{Reason: "type is not a string"}
	}
	if msgType == "" {
		return Envelope{}, &MalformedEnvelopeError{Reason: "empty type"}
	}

	rawData, ok := fields["data"]
	if !ok {
		return Envelope{}, &MalformedEnvelopeError{Reason: "missing data"}
	}
	rawData = bytes.TrimSpace(rawData)
	if len(rawData) == 0 || rawData[0] != '{' {
		return Envelope{}, &MalformedEnvelopeError{Reason: "data is not an object"}
	}

	env := Envelope{Type: msgType, Data: rawData}

	if rawID, ok := fields["request_id"]; ok && !isNull(rawID) {
		var id string
		if err := json.Unmarshal(rawID, &id); err != nil {
			return Envelope{}, &MalformedEnvelopeError{Reason: "request_id is not a string"}
		}
		env.RequestID = &id
	}
	if rawTS, ok := fields["timestamp"]; ok && !isNull(rawTS) {
		var ts time.Time
		if err := json.Unmarshal(rawTS, &ts); err != nil {
			return Envelope{}, &MalformedEnvelopeError{Reason: "timestamp is not ISO-8601"}
		}
		env.Timestamp = &ts
	}
	return env, nil
}

// DecodeData unmarshals the payload into v.
func (e Envelope) DecodeData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Fields returns the payload's top-level keys, for layout detection.
func (e Envelope) Fields() (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return fields, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
