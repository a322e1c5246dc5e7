// Package export publishes archived session summaries to Kafka.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/metrics"
	"firestige.xyz/dmgmeter/internal/stats"
)

const (
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3
	defaultQueueSize    = 64
)

// Config contains Kafka export settings.
type Config struct {
	Brokers      []string
	Topic        string
	Compression  string        // none|gzip|snappy|lz4|zstd, default none
	BatchTimeout time.Duration // default 100ms
	MaxAttempts  int           // default 3
	QueueSize    int           // pending archives, default 64
}

// MessageWriter is the part of kafka.Writer the exporter uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the exported value.
type Message struct {
	ID      string                   `json:"id"`
	Summary stats.ArchiveSummary     `json:"summary"`
	Users   map[string]stats.Summary `json:"users"`
}

// Exporter publishes archives from its own goroutine so the engine never
// waits on the broker.
type Exporter struct {
	topic  string
	writer MessageWriter
	queue  chan stats.Session

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New validates cfg and creates an exporter backed by a kafka.Writer.
func New(cfg Config) (*Exporter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("export: brokers is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("export: topic is required: %w", core.ErrConfigInvalid)
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		Compression:  codec,
	}
	slog.Info("kafka export enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "compression", cfg.Compression)
	return NewWithWriter(cfg, w), nil
}

// NewWithWriter creates an exporter around w and starts its goroutine.
func NewWithWriter(cfg Config, w MessageWriter) *Exporter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	e := &Exporter{
		topic:  cfg.Topic,
		writer: w,
		queue:  make(chan stats.Session, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

func compressionCodec(name string) (kafka.Compression, error) {
	switch name {
	case "", "none":
		return compress.None, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	}
	return 0, fmt.Errorf("export: compression %q: %w", name, core.ErrConfigInvalid)
}

// Submit queues an archived session. It never blocks; when the queue is
// full the session is dropped and counted.
func (e *Exporter) Submit(s stats.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- s:
	default:
		metrics.ExportsTotal.WithLabelValues("dropped").Inc()
		slog.Warn("export queue full, dropping session", "session", s.Summary.StartTime)
	}
}

func (e *Exporter) run() {
	defer close(e.done)
	for s := range e.queue {
		if err := e.publish(context.Background(), s); err != nil {
			metrics.ExportsTotal.WithLabelValues("error").Inc()
			slog.Error("failed to export session", "session", s.Summary.StartTime, "error", err)
			continue
		}
		metrics.ExportsTotal.WithLabelValues("ok").Inc()
	}
}

func (e *Exporter) publish(ctx context.Context, s stats.Session) error {
	msg, err := encode(s)
	if err != nil {
		return err
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write to %s failed: %w", e.topic, err)
	}
	slog.Debug("session exported", "session", s.Summary.StartTime, "id", string(msg.Headers[0].Value))
	return nil
}

func encode(s stats.Session) (kafka.Message, error) {
	id := uuid.NewString()
	value, err := json.Marshal(Message{ID: id, Summary: s.Summary, Users: s.Users})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize session failed: %w", err)
	}
	return kafka.Message{
		Key:     []byte(strconv.FormatInt(s.Summary.StartTime, 10)),
		Value:   value,
		Headers: []kafka.Header{{Key: "session-id", Value: []byte(id)}},
		Time:    time.UnixMilli(s.Summary.EndTime),
	}, nil
}

// Close stops accepting sessions, waits for queued ones to be published or
// ctx to expire, then closes the writer.
func (e *Exporter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		slog.Warn("export drain interrupted", "pending", len(e.queue))
	}
	if err := e.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
