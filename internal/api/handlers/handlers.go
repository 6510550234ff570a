package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-ivr-call/internal/domain"
	"github.com/acme/outbound-ivr-call/internal/notify"
	"github.com/acme/outbound-ivr-call/internal/orchestrator"
	"github.com/acme/outbound-ivr-call/internal/telephony"
	"github.com/acme/outbound-ivr-call/internal/webhook"
	"github.com/acme/outbound-ivr-call/pkg/logger"
)

// CallEngine is the orchestrator surface the HTTP layer drives.
type CallEngine interface {
	Initiate(ctx context.Context, req orchestrator.InitiateRequest) (telephony.CreateCallResult, error)
	HandleWebhook(ctx context.Context, ev domain.WebhookEvent)
	Status() orchestrator.Snapshot
}

// EventDecoder turns raw webhook requests into events.
type EventDecoder interface {
	Decode(h webhook.Headers, body []byte) (domain.WebhookEvent, error)
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Dependencies are the collaborators of the handler set.
type Dependencies struct {
	Engine        CallEngine
	Decoder       EventDecoder
	Notifications notify.Channel
	Logger        *logger.Logger
	// KeepAlive is how often an idle event stream writes a comment line.
	KeepAlive time.Duration
	Checks    map[string]HealthCheck
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	engine    CallEngine
	decoder   EventDecoder
	notes     notify.Channel
	logger    *logger.Logger
	keepAlive time.Duration
	checks    map[string]HealthCheck

	streams    context.Context
	endStreams context.CancelFunc
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Dependencies) *HandlerSet {
	lg := deps.Logger
	if lg == nil {
		lg = logger.NewNop()
	}
	keepAlive := deps.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	streams, endStreams := context.WithCancel(context.Background())
	return &HandlerSet{
		engine:     deps.Engine,
		decoder:    deps.Decoder,
		notes:      deps.Notifications,
		logger:     lg,
		keepAlive:  keepAlive,
		checks:     deps.Checks,
		streams:    streams,
		endStreams: endStreams,
	}
}

// CloseStreams ends every open event stream. The server calls it before
// shutting down so long-lived connections do not hold shutdown open.
func (h *HandlerSet) CloseStreams() {
	h.endStreams()
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	app.Post("/outbound-call", h.initiateCall)
	app.Post("/create-call", h.initiateCall)
	app.Post("/event", h.receiveEvent)
	app.Get("/event-stream", h.eventStream)

	api := app.Group("/api")
	v1 := api.Group("/v1")
	v1.Get("/call", h.currentCall)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code >= fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", ctx.Path()), zap.Int("status", code), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	label := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		label = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": label, "errors": errs})
}
