// Package publish fans session events out to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

// Publisher receives execution reports and final results. Publishing is
// best effort; callers log failures and carry on.
type Publisher interface {
	Execution(ctx context.Context, sessionID string, r protocol.ExecutionReportData) error
	Result(ctx context.Context, r protocol.SimulationEndData) error
	Close()
}

// Nop drops everything.
type Nop struct{}

func (Nop) Execution(context.Context, string, protocol.ExecutionReportData) error {
	return nil
}

func (Nop) Result(context.Context, protocol.SimulationEndData) error {
	return nil
}

func (Nop) Close() {}

type Topics struct {
	Executions string
	Results    string
}

// executionEvent is the Kafka value for an execution; the session id is
// also the record key so one session's fills stay ordered.
type executionEvent struct {
	SessionID string                       `json:"session_id"`
	Execution protocol.ExecutionReportData `json:"execution"`
}

type Kafka struct {
	client  *kgo.Client
	topics  Topics
	timeout time.Duration
	logger  *zap.Logger

	produced atomic.Int64
	failed   atomic.Int64
}

func NewKafka(brokers []string, topics Topics, logger *zap.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	logger.Info("kafka_publisher_initialized",
		zap.Strings("brokers", brokers),
		zap.String("executions_topic", topics.Executions),
		zap.String("results_topic", topics.Results),
	)
	return &Kafka{client: client, topics: topics, timeout: 5 * time.Second, logger: logger}, nil
}

func (k *Kafka) Execution(ctx context.Context, sessionID string, r protocol.ExecutionReportData) error {
	return k.produce(ctx, k.topics.Executions, sessionID, executionEvent{SessionID: sessionID, Execution: r})
}

func (k *Kafka) Result(ctx context.Context, r protocol.SimulationEndData) error {
	return k.produce(ctx, k.topics.Results, r.SessionID, r)
}

func (k *Kafka) produce(ctx context.Context, topic, key string, v any) error {
	if topic == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		k.failed.Add(1)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	res := k.client.ProduceSync(ctx, &kgo.Record{Topic: topic, Key: []byte(key), Value: data})
	if err := res.FirstErr(); err != nil {
		k.failed.Add(1)
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}
	k.produced.Add(1)
	return nil
}

func (k *Kafka) Stats() (produced, failed int64) {
	return k.produced.Load(), k.failed.Load()
}

func (k *Kafka) Close() {
	produced, failed := k.Stats()
	k.logger.Info("kafka_publisher_closed", zap.Int64("produced", produced), zap.Int64("failed", failed))
	k.client.Close()
}

// Recorder keeps events in memory. Used by tests and the demo setup.
type Recorder struct {
	mu         sync.Mutex
	executions []protocol.ExecutionReportData
	results    []protocol.SimulationEndData
}

func (r *Recorder) Execution(_ context.Context, _ string, e protocol.ExecutionReportData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, e)
	return nil
}

func (r *Recorder) Result(_ context.Context, e protocol.SimulationEndData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, e)
	return nil
}

func (r *Recorder) Close() {}

func (r *Recorder) Executions() []protocol.ExecutionReportData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ExecutionReportData(nil), r.executions...)
}

func (r *Recorder) Results() []protocol.SimulationEndData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.SimulationEndData(nil), r.results...)
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*Kafka)(nil)
	_ Publisher = (*Recorder)(nil)
)
