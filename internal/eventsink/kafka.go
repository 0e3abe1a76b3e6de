// Package eventsink forwards bus events to Kafka as JSON.
//
// Delivery is best effort. Events are observational; losing one never
// affects what the ledger recorded.
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"deadlinenotifier/internal/deadline"
	"deadlinenotifier/internal/eventbus"
	logx "deadlinenotifier/pkg/logx"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Enabled bool
	Brokers []string
	Topic   string
	// Types limits forwarding to these event types. Empty forwards all.
	Types        []string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	Buffer       int
}

const (
	DefaultBatchSize    = 50
	DefaultBatchTimeout = time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultBuffer       = 256
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	return c
}

// Writer is the subset of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Sink struct {
	cfg Config
	w   Writer
	bus eventbus.Bus
	log logx.Logger

	written atomic.Int64
	dropped atomic.Int64
}

// New builds a sink backed by a kafka.Writer.
func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Sink, error) {
	var errs []error
	brokers := slices.DeleteFunc(slices.Clone(cfg.Brokers), func(s string) bool { return strings.TrimSpace(s) == "" })
	if len(brokers) == 0 {
		errs = append(errs, errors.New("events.kafka.brokers is empty"))
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		errs = append(errs, errors.New("events.kafka.topic is empty"))
	}
	if len(errs) > 0 {
		return nil, deadline.FatalConfig(errors.Join(errs...))
	}
	cfg = cfg.withDefaults()
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return NewWithWriter(cfg, w, bus, log), nil
}

func NewWithWriter(cfg Config, w Writer, bus eventbus.Bus, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		cfg: cfg.withDefaults(),
		w:   w,
		bus: bus,
		log: log.With(logx.String("comp", "eventsink")),
	}
}

// Stats returns how many events were written and dropped so far.
func (s *Sink) Stats() (written, dropped int64) {
	return s.written.Load(), s.dropped.Load()
}

// Run forwards events until ctx is done, then flushes what it holds and
// closes the writer.
func (s *Sink) Run(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(s.cfg.Buffer)
	defer unsub()
	defer func() {
		if err := s.w.Close(); err != nil {
			s.log.Warn("kafka writer close", logx.Err(err))
		}
	}()

	s.log.Info("event sink started", logx.String("topic", s.cfg.Topic))
	ticker := time.NewTicker(s.cfg.BatchTimeout)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
			s.flush(fctx, batch)
			cancel()
			return nil
		case e, ok := <-events:
			if !ok {
				s.flush(ctx, batch)
				return nil
			}
			if !s.wants(e.Type) {
				continue
			}
			msg, err := encode(e)
			if err != nil {
				s.dropped.Add(1)
				s.log.Warn("event not encodable", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Sink) wants(typ string) bool {
	return len(s.cfg.Types) == 0 || slices.Contains(s.cfg.Types, typ)
}

func (s *Sink) flush(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.w.WriteMessages(wctx, batch...); err != nil {
		s.dropped.Add(int64(len(batch)))
		s.log.Warn("kafka write failed; events dropped", logx.Int("count", len(batch)), logx.Err(err))
		return
	}
	s.written.Add(int64(len(batch)))
}

// encode keys messages by run id so one run's events stay ordered on a
// single partition.
func encode(e eventbus.Event) (kafka.Message, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(runID(e.Data)),
		Value:   b,
		Time:    e.Time,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	}, nil
}

func runID(data any) string {
	switch v := data.(type) {
	case interface{ EventRunID() string }:
		return v.EventRunID()
	case map[string]any:
		if s, ok := v["run_id"].(string); ok {
			return s
		}
	}
	return ""
}
