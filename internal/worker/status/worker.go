package status

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-ivr-call/internal/app"
	"github.com/acme/outbound-ivr-call/internal/queue"
	"github.com/acme/outbound-ivr-call/pkg/logger"
)

// Reader is the subset of kafka.Reader the worker needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Summary describes one finished call as seen on the event topic.
type Summary struct {
	SessionID   uuid.UUID
	VoiceCallID string
	From        string
	To          string
	StartedAt   time.Time
	EndedAt     time.Time
	States      []string
}

// Duration is the time between the first and the last event of the call.
func (s Summary) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// Worker consumes call events and writes an audit trail to the log.
type Worker struct {
	reader Reader
	logger *logger.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	open   map[uuid.UUID]*Summary
	onDone func(Summary)
}

// New creates a worker reading the configured event topic.
func New(container *app.Container) *Worker {
	return NewWithReader(container.CallEvents.Subscribe(), container.Logger)
}

// NewWithReader creates a worker around an existing reader.
func NewWithReader(reader Reader, lg *logger.Logger) *Worker {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Worker{
		reader: reader,
		logger: lg,
		tracer: otel.Tracer("outbound.statusworker"),
		open:   make(map[uuid.UUID]*Summary),
	}
}

// OnCallFinished registers a callback for completed calls.
func (w *Worker) OnCallFinished(fn func(Summary)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDone = fn
}

// Run processes events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("status worker: fetch", zap.Error(err))
			continue
		}

		w.handle(ctx, msg)

		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("status worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	var ev queue.CallEventMessage
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		w.logger.Error("status worker: unmarshal", zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}

	_, span := w.tracer.Start(ctx, "call.event", trace.WithAttributes(
		attribute.String("session.id", ev.SessionID.String()),
		attribute.String("call.state", ev.State),
		attribute.String("call.input", ev.Input),
	))
	defer span.End()

	w.logger.ForCall(ev.SessionID.String(), ev.VoiceCallID).Info("call event",
		zap.String("input", ev.Input),
		zap.String("from_state", ev.PreviousState),
		zap.String("to_state", ev.State),
		zap.Strings("commands", ev.Commands),
		zap.Strings("notices", ev.Notices),
		zap.Time("occurred_at", ev.OccurredAt),
	)

	if summary, done := w.track(ev); done {
		w.logger.ForCall(summary.SessionID.String(), summary.VoiceCallID).Info("call finished",
			zap.String("from", summary.From),
			zap.String("to", summary.To),
			zap.Duration("duration", summary.Duration()),
			zap.Strings("states", summary.States),
		)
		w.mu.Lock()
		fn := w.onDone
		w.mu.Unlock()
		if fn != nil {
			fn(summary)
		}
	}
}

// track folds ev into the open call it belongs to and reports when the call
// has returned to idle.
func (w *Worker) track(ev queue.CallEventMessage) (Summary, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.open[ev.SessionID]
	if !ok {
		s = &Summary{SessionID: ev.SessionID, StartedAt: ev.OccurredAt}
		w.open[ev.SessionID] = s
	}
	if ev.VoiceCallID != "" {
		s.VoiceCallID = ev.VoiceCallID
	}
	if ev.From != "" {
		s.From, s.To = ev.From, ev.To
	}
	if n := len(s.States); n == 0 || s.States[n-1] != ev.State {
		s.States = append(s.States, ev.State)
	}
	s.EndedAt = ev.OccurredAt

	if ev.State != "idle" || ev.PreviousState == "idle" {
		return Summary{}, false
	}
	delete(w.open, ev.SessionID)
	return *s, true
}
