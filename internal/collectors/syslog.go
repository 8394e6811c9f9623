package collectors

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/siemflux/internal/model"
)

// MaxLineBytes caps one syslog line
const MaxLineBytes = 64 * 1024

var (
	priPattern    = regexp.MustCompile(`^<(\d{1,3})>`)
	bsdTimestamp  = regexp.MustCompile(`^([A-Z][a-z]{2}\s+\d{1,2}\s\d{2}:\d{2}:\d{2})\s+`)
	isoTimestamp  = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\S+)\s+`)
	headerPattern = regexp.MustCompile(`^(\S+)\s+([^\s:\[]+)(?:\[(\d+)\])?:\s*(.*)$`)
)

var severityNames = []string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"}

// ParseSyslog splits a BSD-style syslog line into a raw entry.
// Anything after an optional <PRI> and timestamp that looks like
// "host process[pid]: message" lands in metadata; the full line is kept in Raw.
func ParseSyslog(line string, received time.Time) model.RawLogEntry {
	line = strings.TrimRight(line, "\r\n")
	entry := model.RawLogEntry{
		ID:        uuid.NewString(),
		Source:    model.SourceSyslog,
		Timestamp: received,
		Raw:       line,
		Metadata:  map[string]interface{}{},
	}

	rest := strings.TrimSpace(line)
	if m := priPattern.FindStringSubmatch(rest); m != nil {
		if pri, err := strconv.Atoi(m[1]); err == nil && pri <= 191 {
			entry.Metadata["priority"] = pri
			entry.Metadata["facility"] = pri / 8
			entry.Metadata["syslog_severity"] = severityNames[pri%8]
		}
		rest = rest[len(m[0]):]
	}

	if m := bsdTimestamp.FindStringSubmatch(rest); m != nil {
		if ts, err := time.ParseInLocation(time.Stamp, strings.Join(strings.Fields(m[1]), " "), received.Location()); err == nil {
			entry.Timestamp = ts.AddDate(received.Year(), 0, 0)
		}
		rest = rest[len(m[0]):]
	} else if m := isoTimestamp.FindStringSubmatch(rest); m != nil {
		if ts, err := time.Parse(time.RFC3339Nano, m[1]); err == nil {
			entry.Timestamp = ts
		}
		rest = rest[len(m[0]):]
	}

	if m := headerPattern.FindStringSubmatch(rest); m != nil {
		entry.Metadata["hostname"] = m[1]
		entry.Metadata["process"] = m[2]
		if m[3] != "" {
			entry.Metadata["pid"] = m[3]
		}
		entry.Metadata["message"] = m[4]
	} else {
		entry.Metadata["message"] = rest
	}
	return entry
}

// SyslogCollector accepts newline-delimited syslog over TCP
type SyslogCollector struct {
	addr     string
	logger   *slog.Logger
	recorder Recorder

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	running atomic.Bool
}

// NewSyslogCollector creates a collector listening on addr; recorder may be nil
func NewSyslogCollector(addr string, logger *slog.Logger, recorder Recorder) *SyslogCollector {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &SyslogCollector{
		addr:     addr,
		logger:   logger,
		recorder: recorder,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Name implements Collector
func (c *SyslogCollector) Name() string {
	return "syslog"
}

// Listen binds the listener. Run calls it when it has not been called yet.
func (c *SyslogCollector) Listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.addr, err)
	}
	c.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen
func (c *SyslogCollector) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Healthy implements Collector
func (c *SyslogCollector) Healthy() bool {
	return c.running.Load()
}

// Run implements Collector. It returns nil once ctx is cancelled and every
// open connection has been closed.
func (c *SyslogCollector) Run(ctx context.Context, emit Emit) error {
	if err := c.Listen(); err != nil {
		return err
	}
	c.mu.Lock()
	ln := c.ln
	c.mu.Unlock()

	c.running.Store(true)
	defer c.running.Store(false)
	c.logger.Info("Syslog collector started", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
		c.mu.Lock()
		for conn := range c.conns {
			conn.Close()
		}
		c.mu.Unlock()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				c.logger.Info("Syslog collector stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("failed to accept syslog connection: %w", err)
		}

		c.mu.Lock()
		c.conns[conn] = struct{}{}
		c.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.handle(conn, emit)
		}()
	}
}

func (c *SyslogCollector) handle(conn net.Conn, emit Emit) {
	defer func() {
		conn.Close()
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	c.logger.Debug("Syslog client connected", "remote", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), MaxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		emit(ParseSyslog(line, time.Now().UTC()))
		c.recorder.IncrementLogsIngested(c.Name(), 1)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn("Syslog connection error", "remote", remote, "error", err)
		c.recorder.IncrementLogsInvalid()
	}
}
