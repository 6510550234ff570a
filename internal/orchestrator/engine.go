package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-ivr-call/internal/domain"
	"github.com/acme/outbound-ivr-call/internal/queue"
	"github.com/acme/outbound-ivr-call/internal/telephony"
	apperrors "github.com/acme/outbound-ivr-call/pkg/errors"
	"github.com/acme/outbound-ivr-call/pkg/logger"
)

// Notifier receives viewer-facing status text.
type Notifier interface {
	Publish(ctx context.Context, text string) error
}

// EventSink mirrors transitions to an external stream.
type EventSink interface {
	PublishCallEvent(ctx context.Context, msg queue.CallEventMessage) error
}

// Guard serialises initiation across processes.
type Guard interface {
	Acquire(ctx context.Context, owner string) (bool, error)
	Release(ctx context.Context, owner string) error
}

// Settings are the call defaults applied by the engine.
type Settings struct {
	EventURL      string
	DefaultText   string
	DefaultVoice  domain.Voice
	ActionTimeout time.Duration
}

// InitiateRequest is an inbound request to place a call.
type InitiateRequest struct {
	From      string
	To        string
	PlayText  string
	PlayVoice string
}

// Option customises an Engine.
type Option func(*Engine)

// WithScheduler replaces the timer-based scheduler.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithLogger sets the engine logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEventSink mirrors every transition to sink.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithGuard adds a cross-process initiation guard.
func WithGuard(g Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// Engine owns the single tracked call. Transitions run under one mutex;
// provider requests run on their own goroutines so webhook handling never
// waits on the network.
type Engine struct {
	machine   Machine
	provider  telephony.Provider
	notifier  Notifier
	scheduler Scheduler
	sink      EventSink
	guard     Guard
	logger    *logger.Logger
	settings  Settings
	tracer    trace.Tracer

	mu   sync.Mutex
	snap Snapshot

	inflight sync.WaitGroup
}

// NewEngine builds an engine running script against provider.
func NewEngine(provider telephony.Provider, notifier Notifier, script domain.Script, settings Settings, opts ...Option) (*Engine, error) {
	if err := script.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if settings.DefaultVoice == "" {
		settings.DefaultVoice = domain.VoiceFemale
	}
	if settings.ActionTimeout <= 0 {
		settings.ActionTimeout = 10 * time.Second
	}

	e := &Engine{
		machine:  Machine{Script: script},
		provider: provider,
		notifier: notifier,
		settings: settings,
		snap:     Snapshot{State: StateIdle, Completed: map[string]bool{}},
		tracer:   otel.Tracer("outbound.orchestrator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.scheduler == nil {
		e.scheduler = NewTimerScheduler()
	}
	if e.logger == nil {
		e.logger = logger.NewNop()
	}
	return e, nil
}

// Initiate starts a call and blocks until the provider acknowledges it.
// The call only counts as live once the connected webhook arrives.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (telephony.CreateCallResult, error) {
	session, err := e.newSession(req)
	if err != nil {
		return telephony.CreateCallResult{}, err
	}

	ctx, span := e.tracer.Start(ctx, "orchestrator.initiate", trace.WithAttributes(
		attribute.String("session.id", session.ID.String()),
	))
	defer span.End()

	owner := session.ID.String()
	if e.guard != nil {
		ok, err := e.guard.Acquire(ctx, owner)
		if err != nil {
			span.RecordError(err)
			return telephony.CreateCallResult{}, fmt.Errorf("orchestrator: acquire call guard: %w: %v", apperrors.ErrUnavailable, err)
		}
		if !ok {
			return telephony.CreateCallResult{}, ErrCallInProgress
		}
	}

	if err := e.apply(ctx, Initiated{Session: session}); err != nil {
		e.releaseGuard(owner)
		return telephony.CreateCallResult{}, err
	}

	res, err := e.provider.CreateCall(ctx, telephony.CreateCallRequest{Session: session, EventURL: e.settings.EventURL})
	if err != nil {
		span.RecordError(err)
		_ = e.apply(ctx, CreateFailed{SessionID: session.ID, Err: err})
		return telephony.CreateCallResult{}, fmt.Errorf("orchestrator: create call: %w", err)
	}

	span.SetAttributes(attribute.String("voice.call_id", res.VoiceCallID))
	_ = e.apply(ctx, CallCreated{SessionID: session.ID, VoiceCallID: res.VoiceCallID})
	return res, nil
}

// HandleWebhook feeds a decoded provider event to the machine. Problems are
// logged, never returned: the provider must always get a success response.
func (e *Engine) HandleWebhook(ctx context.Context, ev domain.WebhookEvent) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.webhook", trace.WithAttributes(
		attribute.String("voice.call_id", ev.VoiceID),
		attribute.String("prompt.ref", ev.PromptRef),
	))
	defer span.End()

	_ = e.apply(ctx, WebhookReceived{Event: ev})
}

// Status returns a copy of the current snapshot.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.clone()
}

// Drain waits for in-flight provider requests.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disarms pending timers and waits for in-flight requests.
func (e *Engine) Close(ctx context.Context) error {
	e.scheduler.Stop()
	return e.Drain(ctx)
}

func (e *Engine) newSession(req InitiateRequest) (domain.CallSession, error) {
	from := strings.TrimSpace(req.From)
	to := strings.TrimSpace(req.To)
	if from == "" || to == "" {
		return domain.CallSession{}, fmt.Errorf("%w: from and to are required", apperrors.ErrValidation)
	}
	voice, err := domain.ParseVoice(req.PlayVoice, e.settings.DefaultVoice)
	if err != nil {
		return domain.CallSession{}, err
	}
	text := req.PlayText
	if strings.TrimSpace(text) == "" {
		text = e.settings.DefaultText
	}
	return domain.CallSession{
		ID:         uuid.New(),
		From:       from,
		To:         to,
		Voice:      voice,
		PromptText: text,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// apply runs one transition. Notifications and timer changes happen under
// the lock so they stay ordered with the state they describe.
func (e *Engine) apply(ctx context.Context, in Input) error {
	e.mu.Lock()
	prev := e.snap
	next, cmds, err := e.machine.Transition(prev, in)
	if err != nil {
		e.mu.Unlock()
		e.logRejected(prev, in, err)
		return err
	}
	e.snap = next

	lg := e.logger.ForCall(next.Session.ID.String(), next.Session.VoiceCallID)
	if prev.State != next.State {
		lg.Info("call state changed",
			zap.String("input", in.inputName()),
			zap.String("from_state", string(prev.State)),
			zap.String("to_state", string(next.State)),
		)
	}

	var async []Command
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case Notify:
			lg.Info(c.Text)
			e.publish(ctx, lg, c.Text)
		case ScheduleHangup:
			id := c.SessionID
			e.scheduler.Schedule(id.String(), c.Delay, func() {
				_ = e.apply(context.Background(), HangupTimerFired{SessionID: id})
			})
		case CancelHangup:
			if e.scheduler.Cancel(c.SessionID.String()) {
				lg.Info("pending hangup cancelled")
			}
		default:
			async = append(async, cmd)
		}
	}
	e.mu.Unlock()

	for _, cmd := range async {
		e.dispatch(ctx, lg, cmd)
	}
	if e.sink != nil {
		e.mirror(ctx, in, prev, next, cmds)
	}
	if prev.Live() && !next.Live() {
		e.releaseGuard(next.Session.ID.String())
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, lg *logger.Logger, cmd Command) {
	actionCtx := context.WithoutCancel(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		cctx, cancel := context.WithTimeout(actionCtx, e.settings.ActionTimeout)
		defer cancel()

		switch c := cmd.(type) {
		case PlayPrompt:
			if err := e.provider.PlayPrompt(cctx, c.VoiceCallID, c.Prompt); err != nil {
				lg.Error("voice api: play prompt failed", zap.String("prompt_ref", c.Prompt.PromptRef), zap.Error(err))
				e.publish(cctx, lg, fmt.Sprintf("Voice API error: could not play prompt %s", c.Prompt.PromptRef))
			}
		case Hangup:
			if err := e.provider.Hangup(cctx, c.VoiceCallID); err != nil {
				lg.Error("voice api: hangup failed", zap.Error(err))
				e.publish(cctx, lg, "Voice API error: could not disconnect the call")
			}
		default:
			lg.Warn("orchestrator: unknown command", zap.String("command", cmd.commandName()))
		}
	}()
}

func (e *Engine) publish(ctx context.Context, lg *logger.Logger, text string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Publish(ctx, text); err != nil {
		lg.Warn("notify: publish failed", zap.Error(err))
	}
}

func (e *Engine) mirror(ctx context.Context, in Input, prev, next Snapshot, cmds []Command) {
	msg := queue.CallEventMessage{
		SessionID:     next.Session.ID,
		VoiceCallID:   next.Session.VoiceCallID,
		From:          next.Session.From,
		To:            next.Session.To,
		Input:         in.inputName(),
		PreviousState: string(prev.State),
		State:         string(next.State),
		OccurredAt:    time.Now().UTC(),
	}
	for _, cmd := range cmds {
		msg.Commands = append(msg.Commands, cmd.commandName())
		if n, ok := cmd.(Notify); ok {
			msg.Notices = append(msg.Notices, n.Text)
		}
	}

	sinkCtx := context.WithoutCancel(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		cctx, cancel := context.WithTimeout(sinkCtx, e.settings.ActionTimeout)
		defer cancel()
		if err := e.sink.PublishCallEvent(cctx, msg); err != nil {
			e.logger.Warn("event sink: publish failed", zap.String("session_id", msg.SessionID.String()), zap.Error(err))
		}
	}()
}

func (e *Engine) releaseGuard(owner string) {
	if e.guard == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.settings.ActionTimeout)
	defer cancel()
	if err := e.guard.Release(ctx, owner); err != nil {
		e.logger.Warn("call guard: release failed", zap.String("session_id", owner), zap.Error(err))
	}
}

func (e *Engine) logRejected(s Snapshot, in Input, err error) {
	lg := e.logger.ForCall(s.Session.ID.String(), s.Session.VoiceCallID)
	fields := []zap.Field{
		zap.String("input", in.inputName()),
		zap.String("state", string(s.State)),
		zap.Error(err),
	}

	switch {
	case errors.Is(err, ErrProtocolViolation):
		lg.Warn("webhook ignored: protocol violation", fields...)
	case errors.Is(err, telephony.ErrMissingCallID):
		lg.Error("action refused before the provider assigned a call id", fields...)
	case errors.Is(err, ErrCallInProgress):
		lg.Warn("initiation rejected", fields...)
	case errors.Is(err, ErrDuplicateEvent), errors.Is(err, ErrStaleSession):
		lg.Info("input ignored", fields...)
	default:
		lg.Info("webhook ignored", fields...)
	}
}
