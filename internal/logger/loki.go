package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LokiConfig configures shipping to a Grafana Loki push endpoint.
type LokiConfig struct {
	// URL is the Loki base URL; lines are pushed to URL/loki/api/v1/push.
	URL      string
	TenantID string
	Labels   map[string]string

	// MinLevel drops lines below it before they are queued.
	MinLevel  Level
	BatchSize int
	BatchWait time.Duration

	Client *http.Client
}

const lokiPushPath = "/loki/api/v1/push"

type lokiLine struct {
	at    time.Time
	level Level
	line  string
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// lokiShipper is shared by a Loki logger and all of its children.
type lokiShipper struct {
	cfg    LokiConfig
	client *http.Client
	errLog Logger

	mu      sync.Mutex
	pending []lokiLine
	closed  bool

	sends     sync.WaitGroup
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// Loki writes every line to a base logger and ships a copy to Loki in
// batches. Shipping failures are reported on the base logger only.
type Loki struct {
	base   Logger
	ship   *lokiShipper
	fields []Field
}

// NewLoki starts the background flusher. Close must be called to flush
// the final batch.
func NewLoki(base Logger, cfg LokiConfig) *Loki {
	base = OrNop(base)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = 5 * time.Second
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = map[string]string{"service": "extension-guard"}
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	s := &lokiShipper{
		cfg:     cfg,
		client:  client,
		errLog:  base,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return &Loki{base: base, ship: s}
}

func (l *Loki) Debug(msg string, fields ...Field) {
	l.base.Debug(msg, fields...)
	l.ship.add(LevelDebug, msg, l.fields, fields)
}

func (l *Loki) Info(msg string, fields ...Field) {
	l.base.Info(msg, fields...)
	l.ship.add(LevelInfo, msg, l.fields, fields)
}

func (l *Loki) Warn(msg string, fields ...Field) {
	l.base.Warn(msg, fields...)
	l.ship.add(LevelWarn, msg, l.fields, fields)
}

func (l *Loki) Error(msg string, fields ...Field) {
	l.base.Error(msg, fields...)
	l.ship.add(LevelError, msg, l.fields, fields)
}

// WithFields returns a child that shares the parent's batch.
func (l *Loki) WithFields(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Loki{base: l.base.WithFields(fields...), ship: l.ship, fields: merged}
}

// Flush pushes whatever is queued without waiting for the batch timer.
func (l *Loki) Flush() {
	l.ship.flush()
}

// Close stops the flusher, pushes the last batch and waits for in-flight
// pushes until ctx expires.
func (l *Loki) Close(ctx context.Context) error {
	s := l.ship
	s.closeOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		<-s.stopped
		s.sends.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("loki: shutdown: %w", ctx.Err())
	}
}

func (s *lokiShipper) add(level Level, msg string, inherited, fields []Field) {
	if level < s.cfg.MinLevel {
		return
	}
	line := map[string]any{"msg": msg}
	for _, f := range inherited {
		line[f.Key] = f.Value
	}
	for _, f := range fields {
		line[f.Key] = f.Value
	}
	data, err := json.Marshal(line)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"msg":%q,"error":"unencodable fields"}`, msg))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, lokiLine{at: time.Now(), level: level, line: string(data)})
	full := len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.flush()
	}
}

func (s *lokiShipper) run() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.cfg.BatchWait)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			s.flush()
			return
		}
	}
}

func (s *lokiShipper) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	s.sends.Add(1)
	go func() {
		defer s.sends.Done()
		s.push(batch)
	}()
}

// push sends one batch, one stream per level.
func (s *lokiShipper) push(batch []lokiLine) {
	byLevel := make(map[Level]*lokiStream)
	for _, ln := range batch {
		st, ok := byLevel[ln.level]
		if !ok {
			labels := make(map[string]string, len(s.cfg.Labels)+1)
			for k, v := range s.cfg.Labels {
				labels[k] = v
			}
			labels["level"] = ln.level.String()
			st = &lokiStream{Stream: labels}
			byLevel[ln.level] = st
		}
		st.Values = append(st.Values, [2]string{strconv.FormatInt(ln.at.UnixNano(), 10), ln.line})
	}

	levels := make([]int, 0, len(byLevel))
	for lvl := range byLevel {
		levels = append(levels, int(lvl))
	}
	sort.Ints(levels)
	req := lokiPush{Streams: make([]lokiStream, 0, len(levels))}
	for _, lvl := range levels {
		req.Streams = append(req.Streams, *byLevel[Level(lvl)])
	}

	body, err := json.Marshal(req)
	if err != nil {
		s.errLog.Error("loki: encoding push", Err(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL+lokiPushPath, bytes.NewReader(body))
	if err != nil {
		s.errLog.Error("loki: building push", Err(err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.cfg.TenantID != "" {
		httpReq.Header.Set("X-Scope-OrgID", s.cfg.TenantID)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.errLog.Warn("loki: push failed", Err(err), F("lines", len(batch)))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		s.errLog.Warn("loki: push rejected", F("status", resp.StatusCode), F("lines", len(batch)))
	}
}
