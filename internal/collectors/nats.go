package collectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/sgerhart/siemflux/internal/model"
	"github.com/sgerhart/siemflux/internal/normalize"
)

const (
	// DefaultRawSubject carries raw log entries published by remote shippers
	DefaultRawSubject = "logs.raw"
	// DefaultQueue load-balances the subject across pipeline replicas
	DefaultQueue = "siemflux"
)

// DialNATS connects with unlimited reconnects and logs connection changes
func DialNATS(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// DecodeRawLog turns one message body into a raw entry. JSON objects are
// decoded as RawLogEntry; any other payload is treated as a syslog line.
func DecodeRawLog(data []byte, received time.Time) (model.RawLogEntry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return model.RawLogEntry{}, normalize.ErrEmptyRecord
	}
	if trimmed[0] != '{' {
		return ParseSyslog(string(trimmed), received), nil
	}

	var entry model.RawLogEntry
	if err := json.Unmarshal(trimmed, &entry); err != nil {
		return model.RawLogEntry{}, fmt.Errorf("failed to unmarshal raw log: %w", err)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Source == "" {
		entry.Source = model.SourceSyslog
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = received
	}
	if err := normalize.Validate(entry); err != nil {
		return model.RawLogEntry{}, err
	}
	return entry, nil
}

// NATSCollector queue-subscribes to a subject of raw log messages
type NATSCollector struct {
	nc       *nats.Conn
	subject  string
	queue    string
	logger   *slog.Logger
	recorder Recorder
	running  atomic.Bool
	invalid  atomic.Int64
}

// NewNATSCollector creates a collector on an existing connection; recorder may be nil
func NewNATSCollector(nc *nats.Conn, subject, queue string, logger *slog.Logger, recorder Recorder) *NATSCollector {
	if subject == "" {
		subject = DefaultRawSubject
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &NATSCollector{nc: nc, subject: subject, queue: queue, logger: logger, recorder: recorder}
}

// Name implements Collector
func (c *NATSCollector) Name() string {
	return "nats"
}

// Healthy implements Collector
func (c *NATSCollector) Healthy() bool {
	return c.running.Load() && c.nc.IsConnected()
}

// Invalid returns the number of rejected messages
func (c *NATSCollector) Invalid() int64 {
	return c.invalid.Load()
}

// Run implements Collector. The subscription is drained when ctx is cancelled.
func (c *NATSCollector) Run(ctx context.Context, emit Emit) error {
	sub, err := c.nc.QueueSubscribe(c.subject, c.queue, func(msg *nats.Msg) {
		entry, err := DecodeRawLog(msg.Data, time.Now().UTC())
		if err != nil {
			c.logger.Warn("Rejected raw log message", "subject", msg.Subject, "bytes", len(msg.Data), "error", err)
			c.invalid.Add(1)
			c.recorder.IncrementLogsInvalid()
			return
		}
		emit(entry)
		c.recorder.IncrementLogsIngested(string(entry.Source), 1)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.subject, err)
	}
	c.running.Store(true)
	defer c.running.Store(false)
	c.logger.Info("Subscribed to raw logs", "subject", c.subject, "queue", c.queue)

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		c.logger.Error("Failed to drain raw log subscription", "error", err)
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	c.logger.Info("Raw log subscription drained", "subject", c.subject)
	return nil
}
