package trace

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"flux-rpc/message"
)

// Collector receives every finished span.
type Collector interface {
	Collect(span *Span)
	Name() string
}

// LogCollector writes finished spans to a zap logger: info for successes,
// error level for failures.
type LogCollector struct {
	log *zap.Logger
}

func NewLogCollector(log *zap.Logger) *LogCollector {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogCollector{log: log.Named("trace")}
}

func (c *LogCollector) Name() string { return "log" }

func (c *LogCollector) Collect(s *Span) {
	fields := []zap.Field{
		zap.String("traceId", s.TraceID),
		zap.String("spanId", s.SpanID),
		zap.String("service", s.Service),
		zap.String("method", s.Method),
		zap.Int64("durationMs", s.DurationMs()),
	}
	if s.ParentSpanID != "" {
		fields = append(fields, zap.String("parentSpanId", s.ParentSpanID))
	}
	if s.Status == StatusError {
		fields = append(fields, zap.String("cause", s.Logs["error"]))
		c.log.Error("span finished", fields...)
		return
	}
	c.log.Info("span finished", fields...)
}

// Manager starts and finishes spans and fans finished ones out to collectors.
type Manager struct {
	clock clockwork.Clock

	mu         sync.RWMutex
	collectors []Collector
}

// NewManager builds a manager with the default log collector installed.
func NewManager(log *zap.Logger) *Manager {
	return NewManagerWithClock(log, clockwork.NewRealClock())
}

func NewManagerWithClock(log *zap.Logger, clock clockwork.Clock) *Manager {
	return &Manager{
		clock:      clock,
		collectors: []Collector{NewLogCollector(log)},
	}
}

// AddCollector registers an additional span sink.
func (m *Manager) AddCollector(c Collector) {
	m.mu.Lock()
	m.collectors = append(m.collectors, c)
	m.mu.Unlock()
}

func (m *Manager) newSpan(service, method, traceID, parentSpanID string) *Span {
	if traceID == "" {
		traceID = newTraceID()
	}
	return &Span{
		TraceID:      traceID,
		SpanID:       newSpanID(),
		ParentSpanID: parentSpanID,
		Service:      service,
		Method:       method,
		StartMs:      m.clock.Now().UnixMilli(),
		Status:       StatusStarted,
	}
}

// StartTrace roots a fresh trace and returns the context carrying its span.
func (m *Manager) StartTrace(ctx context.Context, service, method string) (context.Context, *Span) {
	s := m.newSpan(service, method, "", "")
	return NewContext(ctx, s), s
}

// StartChild opens a child of the active span. Without an active span it
// roots a fresh trace instead.
func (m *Manager) StartChild(ctx context.Context, service, method string) (context.Context, *Span) {
	parent, ok := FromContext(ctx)
	if !ok {
		return m.StartTrace(ctx, service, method)
	}
	s := m.newSpan(service, method, parent.TraceID, parent.SpanID)
	return NewContext(ctx, s), s
}

// StartServerSpan continues the trace carried in the request attachments as
// a child span, or roots a fresh trace when the caller sent none.
func (m *Manager) StartServerSpan(ctx context.Context, req *message.Request) (context.Context, *Span) {
	traceID, _ := req.Attachment(message.AttachTraceID)
	parentID, _ := req.Attachment(message.AttachSpanID)
	if traceID == "" {
		parentID = ""
	}
	s := m.newSpan(req.ServiceKey(), req.Method, traceID, parentID)
	return NewContext(ctx, s), s
}

// Finish closes the active span as a success and hands it to collectors.
// Finishing is one-shot: later calls on the same span are ignored.
func (m *Manager) Finish(ctx context.Context) {
	m.finish(ctx, StatusSuccess, "")
}

// FinishWithError closes the active span as failed, recording the cause.
func (m *Manager) FinishWithError(ctx context.Context, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	m.finish(ctx, StatusError, msg)
}

func (m *Manager) finish(ctx context.Context, status Status, errMsg string) {
	s, ok := FromContext(ctx)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if errMsg != "" {
		if s.Logs == nil {
			s.Logs = make(map[string]string, 1)
		}
		s.Logs["error"] = errMsg
	}
	s.EndMs = m.clock.Now().UnixMilli()
	s.Status = status
	s.finished = true
	s.mu.Unlock()

	m.mu.RLock()
	collectors := make([]Collector, len(m.collectors))
	copy(collectors, m.collectors)
	m.mu.RUnlock()
	for _, c := range collectors {
		c.Collect(s)
	}
}
