// Package trace records call trees as spans.
//
// A trace is identified by one trace ID shared by every span in the tree;
// each span carries its own span ID and its parent's. The active span rides
// the context.Context, so starting a child and finishing it are plain
// function calls at the call site. Finished spans are handed to collectors.
//
// Propagation across the wire uses request attachments: the client injects
// the active trace and span IDs, the server continues the tree as a child.
package trace

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"flux-rpc/message"
)

// Status is the terminal disposition of a span.
type Status int32

const (
	StatusStarted Status = iota
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Span is one timed node of a call tree. Times are unix milliseconds.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Service      string
	Method       string
	StartMs      int64
	EndMs        int64
	Status       Status
	Tags         map[string]string
	Logs         map[string]string

	mu       sync.Mutex
	finished bool
}

// DurationMs is end minus start; zero while the span is still open.
func (s *Span) DurationMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		return 0
	}
	return s.EndMs - s.StartMs
}

// AddTag annotates the span. Ignored once the span is finished.
func (s *Span) AddTag(key, value string) {
	s.mu.Lock()
	if !s.finished {
		if s.Tags == nil {
			s.Tags = make(map[string]string, 4)
		}
		s.Tags[key] = value
	}
	s.mu.Unlock()
}

// AddLog attaches a log entry to the span. Ignored once finished.
func (s *Span) AddLog(key, value string) {
	s.mu.Lock()
	if !s.finished {
		if s.Logs == nil {
			s.Logs = make(map[string]string, 4)
		}
		s.Logs[key] = value
	}
	s.mu.Unlock()
}

// Inject copies the span's identifiers into the request attachments so the
// receiving side can continue the trace.
func (s *Span) Inject(req *message.Request) {
	req.SetAttachment(message.AttachTraceID, s.TraceID)
	req.SetAttachment(message.AttachSpanID, s.SpanID)
}

type ctxKey struct{}

// NewContext returns ctx carrying the span as the active one.
func NewContext(ctx context.Context, s *Span) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the active span, if any.
func FromContext(ctx context.Context) (*Span, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Span)
	return s, ok
}

func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newSpanID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
