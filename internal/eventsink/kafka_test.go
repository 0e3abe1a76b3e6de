package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"deadlinenotifier/internal/deadline"
	"deadlinenotifier/internal/eventbus"
	logx "deadlinenotifier/pkg/logx"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (w *recWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("kafka: leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *recWriter) snapshot() ([]kafka.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...), w.closed
}

type withRun struct {
	RunID string `json:"run_id"`
}

func (w withRun) EventRunID() string { return w.RunID }

func startSink(t *testing.T, cfg Config, w Writer, bus eventbus.Bus) (*Sink, func()) {
	t.Helper()
	s := NewWithWriter(cfg, w, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	// Subscription happens inside Run.
	time.Sleep(20 * time.Millisecond)
	return s, func() {
		cancel()
		<-done
	}
}

func TestSink_ForwardsFilteredEvents(t *testing.T) {
	bus := eventbus.New()
	w := &recWriter{}
	s, stop := startSink(t, Config{
		Types:        []string{eventbus.NotificationOK, eventbus.RunFinished},
		BatchTimeout: 10 * time.Millisecond,
	}, w, bus)

	bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Data: map[string]any{"run_id": "r1"}})
	bus.Publish(eventbus.Event{Type: eventbus.NotificationOK, Data: withRun{RunID: "r1"}})
	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: map[string]any{"run_id": "r1"}})

	require.Eventually(t, func() bool {
		msgs, _ := w.snapshot()
		return len(msgs) == 2
	}, time.Second, 5*time.Millisecond)
	stop()

	msgs, closed := w.snapshot()
	assert.True(t, closed)
	assert.Equal(t, "r1", string(msgs[0].Key))
	assert.Equal(t, "r1", string(msgs[1].Key))
	require.Len(t, msgs[0].Headers, 1)
	assert.Equal(t, eventbus.NotificationOK, string(msgs[0].Headers[0].Value))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
	assert.Equal(t, eventbus.NotificationOK, decoded["type"])

	written, dropped := s.Stats()
	assert.EqualValues(t, 2, written)
	assert.Zero(t, dropped)
}

func TestSink_FlushesOnShutdown(t *testing.T) {
	bus := eventbus.New()
	w := &recWriter{}
	_, stop := startSink(t, Config{BatchSize: 100, BatchTimeout: time.Hour}, w, bus)

	for range 3 {
		bus.Publish(eventbus.Event{Type: eventbus.NotificationErr})
	}
	time.Sleep(20 * time.Millisecond)
	stop()

	msgs, _ := w.snapshot()
	assert.Len(t, msgs, 3)
}

func TestSink_WriteFailureDropsAndContinues(t *testing.T) {
	bus := eventbus.New()
	w := &recWriter{fail: true}
	s, stop := startSink(t, Config{BatchSize: 1}, w, bus)

	bus.Publish(eventbus.Event{Type: eventbus.NotificationOK})
	require.Eventually(t, func() bool {
		_, dropped := s.Stats()
		return dropped == 1
	}, time.Second, 5*time.Millisecond)

	w.mu.Lock()
	w.fail = false
	w.mu.Unlock()
	bus.Publish(eventbus.Event{Type: eventbus.NotificationOK})
	require.Eventually(t, func() bool {
		written, _ := s.Stats()
		return written == 1
	}, time.Second, 5*time.Millisecond)
	stop()
}

func TestNew_RequiresBrokersAndTopic(t *testing.T) {
	_, err := New(Config{Enabled: true, Brokers: []string{" "}}, eventbus.Nop{}, logx.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, deadline.ErrFatalConfig)
	assert.Contains(t, err.Error(), "brokers")
	assert.Contains(t, err.Error(), "topic")

	s, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "deadline-events"}, eventbus.Nop{}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NoError(t, s.w.Close())
}
