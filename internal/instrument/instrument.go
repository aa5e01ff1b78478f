package instrument

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one instrumentation record, flushed to the _events table.
type Event struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	EventType    string // "span" or "business"
	Source       string
	Component    string
	Action       string
	Entity       string
	RecordID     string
	UserID       string
	DurationMs   float64
	Status       string
	Metadata     map[string]any
}

// Span tracks one timed operation inside a trace.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity, recordID string)
	TraceID() string
	SpanID() string
}

// Instrumenter creates spans and emits business events.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any)
}

type ctxKey int

const (
	instrumenterKey ctxKey = iota
	traceKey
)

type traceContext struct {
	traceID      string
	parentSpanID string
	userID       string
}

// WithInstrumenter attaches an instrumenter to the context.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// WithUser records the acting user id on the trace context.
func WithUser(ctx context.Context, userID string) context.Context {
	tc, _ := ctx.Value(traceKey).(traceContext)
	tc.userID = userID
	return context.WithValue(ctx, traceKey, tc)
}

// GetInstrumenter returns the instrumenter from the context, or a noop.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if inst, ok := ctx.Value(instrumenterKey).(Instrumenter); ok && inst != nil {
		return inst
	}
	return &NoopInstrumenter{}
}

// DBInstrumenter records spans and events through an EventBuffer.
type DBInstrumenter struct {
	buffer *EventBuffer
}

func NewDBInstrumenter(buffer *EventBuffer) *DBInstrumenter {
	return &DBInstrumenter{buffer: buffer}
}

func (d *DBInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	tc, _ := ctx.Value(traceKey).(traceContext)
	if tc.traceID == "" {
		tc.traceID = uuid.NewString()
	}

	span := &dbSpan{
		buffer:   d.buffer,
		start:    time.Now(),
		status:   "ok",
		traceID:  tc.traceID,
		spanID:   uuid.NewString(),
		parentID: tc.parentSpanID,
		source:   source,
		component: component,
		action:   action,
		userID:   tc.userID,
	}

	tc.parentSpanID = span.spanID
	return context.WithValue(ctx, traceKey, tc), span
}

func (d *DBInstrumenter) EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any) {
	tc, _ := ctx.Value(traceKey).(traceContext)
	d.buffer.Enqueue(Event{
		TraceID:      tc.traceID,
		SpanID:       uuid.NewString(),
		ParentSpanID: tc.parentSpanID,
		EventType:    "business",
		Source:       "api",
		Action:       action,
		Entity:       entity,
		RecordID:     recordID,
		UserID:       tc.userID,
		Status:       "ok",
		Metadata:     metadata,
	})
}

type dbSpan struct {
	buffer    *EventBuffer
	start     time.Time
	status    string
	traceID   string
	spanID    string
	parentID  string
	source    string
	component string
	action    string
	entity    string
	recordID  string
	userID    string
	metadata  map[string]any
}

func (s *dbSpan) End() {
	s.buffer.Enqueue(Event{
		TraceID:      s.traceID,
		SpanID:       s.spanID,
		ParentSpanID: s.parentID,
		EventType:    "span",
		Source:       s.source,
		Component:    s.component,
		Action:       s.action,
		Entity:       s.entity,
		RecordID:     s.recordID,
		UserID:       s.userID,
		DurationMs:   float64(time.Since(s.start).Microseconds()) / 1000.0,
		Status:       s.status,
		Metadata:     s.metadata,
	})
}

func (s *dbSpan) SetStatus(status string) { s.status = status }

func (s *dbSpan) SetMetadata(key string, value any) {
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
}

func (s *dbSpan) SetEntity(entity, recordID string) {
	s.entity = entity
	s.recordID = recordID
}

func (s *dbSpan) TraceID() string { return s.traceID }
func (s *dbSpan) SpanID() string  { return s.spanID }
