package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/siemflux/internal/model"
	"github.com/sgerhart/siemflux/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAlerts() []model.Alert {
	now := time.Now().UTC()
	return []model.Alert{
		{ID: "a1", Title: "one", Severity: model.SeverityHigh, SourceLogIDs: []string{"l1"}, Status: model.StatusNew, CreatedAt: now},
		{ID: "a2", Title: "two", Severity: model.SeverityLow, SourceLogIDs: []string{"l2"}, Status: model.StatusNew, CreatedAt: now},
	}
}

// MockSink records published alerts
type MockSink struct {
	name string
	err  error
	mu   sync.Mutex
	got  []model.Alert
}

func (m *MockSink) Name() string { return m.name }

func (m *MockSink) Publish(ctx context.Context, alerts []model.Alert) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, alerts...)
	return nil
}

type countingRecorder struct {
	published map[string]int
	errors    map[string]int
}

func (r *countingRecorder) IncrementAlertsPublished(sink string, n int) { r.published[sink] += n }
func (r *countingRecorder) IncrementSinkErrors(sink string)             { r.errors[sink]++ }

func TestFanout_ContinuesPastFailures(t *testing.T) {
	good := &MockSink{name: "good"}
	bad := &MockSink{name: "bad", err: errors.New("broker down")}
	other := &MockSink{name: "other"}
	rec := &countingRecorder{published: map[string]int{}, errors: map[string]int{}}

	f := NewFanout(testLogger(), rec, good, bad, other)
	err := f.Publish(context.Background(), testAlerts())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: broker down")
	assert.Len(t, good.got, 2)
	assert.Len(t, other.got, 2)
	assert.Equal(t, 2, rec.published["good"])
	assert.Equal(t, 1, rec.errors["bad"])
	assert.Len(t, f.Sinks(), 3)
}

func TestFanout_EmptyIsNoop(t *testing.T) {
	s := &MockSink{name: "s", err: errors.New("should not be called")}
	assert.NoError(t, NewFanout(nil, nil, s).Publish(context.Background(), nil))
}

func TestStoreSink(t *testing.T) {
	mem, err := store.NewMemoryStore(10, 10, testLogger())
	require.NoError(t, err)
	s := NewStoreSink("memory", mem, testLogger())

	require.NoError(t, s.Publish(context.Background(), testAlerts()))
	got, err := mem.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Title)
	assert.Equal(t, "memory", s.Name())
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_Publish(t *testing.T) {
	w := &fakeWriter{}
	k := NewKafkaSinkWithWriter(w, "siem.alerts", testLogger())

	require.NoError(t, k.Publish(context.Background(), testAlerts()))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, []byte("a1"), w.msgs[0].Key)
	assert.Equal(t, "severity", w.msgs[0].Headers[0].Key)

	var decoded model.Alert
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &decoded))
	assert.Equal(t, "a2", decoded.ID)

	w.err = errors.New("leader not available")
	assert.Error(t, k.Publish(context.Background(), testAlerts()))

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaSink_Validation(t *testing.T) {
	tests := []struct {
		name    string
		brokers string
		topic   string
		wantErr bool
	}{
		{"no brokers", " , ", "alerts", true},
		{"no topic", "localhost:9092", "", true},
		{"valid", "kafka-1:9092, kafka-2:9092", "alerts", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := NewKafkaSink(tt.brokers, tt.topic, testLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "kafka", k.Name())
		})
	}
}

func TestNATSPublisher_FailsFast(t *testing.T) {
	_, err := NewNATSPublisher("nats://invalid:4222", "test.alerts", testLogger())
	assert.Error(t, err)
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn, err := nats.Connect(nats.DefaultURL, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skip("NATS server not available, skipping test")
	}
	defer conn.Close()

	sub, err := conn.SubscribeSync("test.alerts")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	publisher, err := NewNATSPublisher(nats.DefaultURL, "test.alerts", testLogger())
	require.NoError(t, err)
	defer publisher.Close()
	assert.True(t, publisher.IsReady())

	require.NoError(t, publisher.Publish(context.Background(), testAlerts()))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a1", msg.Header.Get("x-alert-id"))
	assert.Equal(t, model.SeverityHigh, msg.Header.Get("x-severity"))
}
