package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/siemflux/internal/model"
)

const (
	// DefaultAlertSubject is the subject alerts are published on
	DefaultAlertSubject = "siem.alerts"
	// ConnectTimeout bounds the initial connection attempt
	ConnectTimeout = 10 * time.Second
	// PublishTimeout bounds one publish call
	PublishTimeout = 5 * time.Second
)

// NATSPublisher publishes each alert as a JSON message with identifying headers
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewNATSPublisher connects to NATS and fails fast when the server is unreachable
func NewNATSPublisher(natsURL, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultAlertSubject
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(natsURL,
		nats.Name("siemflux-alerts"),
		nats.Timeout(ConnectTimeout),
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
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}

	logger.Info("NATS alert publisher initialized", "url", natsURL, "subject", subject)
	return NewNATSPublisherWithConn(conn, subject, logger), nil
}

// NewNATSPublisherWithConn wraps an existing connection
func NewNATSPublisherWithConn(conn *nats.Conn, subject string, logger *slog.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultAlertSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

// Name implements Sink
func (p *NATSPublisher) Name() string {
	return "nats"
}

// Publish implements Sink
func (p *NATSPublisher) Publish(ctx context.Context, alerts []model.Alert) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return fmt.Errorf("NATS publisher not ready")
	}

	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	for _, a := range alerts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("publish timeout: %w", err)
		}

		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal alert %s: %w", a.ID, err)
		}
		msg := nats.NewMsg(p.subject)
		msg.Data = data
		msg.Header.Set("x-alert-id", a.ID)
		msg.Header.Set("x-severity", a.Severity)
		msg.Header.Set("x-timestamp", fmt.Sprintf("%d", a.CreatedAt.UnixMilli()))

		if err := conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("failed to publish alert %s: %w", a.ID, err)
		}
	}

	if err := conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	p.logger.Debug("Alerts published", "subject", p.subject, "count", len(alerts))
	return nil
}

// IsReady returns the readiness status of the publisher
func (p *NATSPublisher) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn != nil && p.conn.IsConnected()
}

// Close drains and closes the NATS connection
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
		p.conn = nil
	}
	p.logger.Info("NATS alert publisher closed")
	return nil
}
