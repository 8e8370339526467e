// Package audit carries the typed events the hedging core emits. The core
// emits and never reads back; sinks forward events to logs, NATS, or
// WebSocket clients.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/atmx/hedge-engine/internal/model"
)

// Type names an event.
type Type string

const (
	CoverageActivated Type = "coverage_activated"
	CoverageExpired   Type = "coverage_expired"
	CoverageRenewed   Type = "coverage_renewed"
	QuoteIssued       Type = "quote_issued"
	FeeDecision       Type = "fee_decision"
	HedgeOrder        Type = "hedge_order"
	HedgeAction       Type = "hedge_action"
	MTMUpdated        Type = "mtm_updated"
	DemoCreditBooked  Type = "demo_credit_booked"
	NetExposureHedge  Type = "net_exposure_hedge"
)

// Event is one audit record.
type Event struct {
	ID         string     `json:"id"`
	Type       Type       `json:"type"`
	Timestamp  time.Time  `json:"timestamp"`
	CoverageID string     `json:"coverage_id,omitempty"`
	AccountID  string     `json:"account_id,omitempty"`
	Tier       model.Tier `json:"tier,omitempty"`
	Data       any        `json:"data,omitempty"`
}

// New creates an event stamped with a fresh ID and the current time.
func New(t Type, data any) Event {
	return Event{ID: uuid.NewString(), Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// ForCoverage tags an event with a coverage's identity.
func (e Event) ForCoverage(c model.Coverage) Event {
	e.CoverageID = c.ID
	e.AccountID = c.AccountID
	e.Tier = c.Tier
	return e
}

// Sink receives events. Emit must not block the caller for long and
// never fails the operation that produced the event.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// LogSink writes events as structured log lines.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink logs to l, or slog.Default when nil.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{log: l.With("component", "audit")}
}

func (s *LogSink) Emit(ctx context.Context, e Event) {
	s.log.InfoContext(ctx, "audit",
		"event_id", e.ID,
		"type", string(e.Type),
		"coverage_id", e.CoverageID,
		"account_id", e.AccountID,
		"tier", string(e.Tier),
		"data", e.Data,
	)
}

// NATSSink publishes each event as JSON to "<prefix>.<type>".
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	log    *slog.Logger
}

// NewNATSSink publishes on nc under prefix (e.g. "hedge.audit").
func NewNATSSink(nc *nats.Conn, prefix string, l *slog.Logger) *NATSSink {
	if l == nil {
		l = slog.Default()
	}
	return &NATSSink{nc: nc, prefix: prefix, log: l.With("component", "audit_nats")}
}

// Subject is the subject an event type is published on.
func (s *NATSSink) Subject(t Type) string {
	return fmt.Sprintf("%s.%s", s.prefix, t)
}

func (s *NATSSink) Emit(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.log.Warn("audit marshal failed", "type", string(e.Type), "error", err)
		return
	}
	// Non-fatal: audit delivery never blocks hedging.
	if err := s.nc.Publish(s.Subject(e.Type), data); err != nil {
		s.log.Warn("audit publish failed", "type", string(e.Type), "error", err)
	}
}

// ConnectNATS dials NATS with unlimited reconnects.
func ConnectNATS(url string, l *slog.Logger) (*nats.Conn, error) {
	if l == nil {
		l = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("hedge-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			l.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// MemorySink records events for tests and diagnostics.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Emit(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of everything recorded.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfType returns recorded events of one type.
func (s *MemorySink) OfType(t Type) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
