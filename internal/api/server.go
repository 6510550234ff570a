package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-ivr-call/internal/api/handlers"
	"github.com/acme/outbound-ivr-call/internal/app"
)

// Server wraps the Fiber application.
type Server struct {
	app      *fiber.App
	deps     *app.Container
	handlers *handlers.HandlerSet
}

// NewServer constructs a new HTTP server.
func NewServer(deps *app.Container, handlers *handlers.HandlerSet) *Server {
	cfg := fiber.Config{
		AppName:               deps.Config.App.Name,
		ReadTimeout:           deps.Config.HTTP.ReadTimeout,
		WriteTimeout:          deps.Config.HTTP.WriteTimeout,
		IdleTimeout:           deps.Config.HTTP.IdleTimeout,
		ErrorHandler:          handlers.ErrorHandler,
		DisableStartupMessage: true,
	}

	app := fiber.New(cfg)
	app.Use(otelfiber.Middleware())
	handlers.Register(app)
	if dir := deps.Config.HTTP.StaticDir; dir != "" {
		app.Static("/", dir)
	}

	return &Server{app: app, deps: deps, handlers: handlers}
}

// App exposes the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start serves HTTP, or HTTPS when TLS material is configured, until ctx
// ends. Bind failures are returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	httpCfg := s.deps.Config.HTTP
	addr := fmt.Sprintf(":%d", httpCfg.Port)

	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		stopped <- s.Shutdown()
	}()

	s.deps.Logger.Info("http server listening",
		zap.String("addr", addr),
		zap.Bool("tls", httpCfg.TLS.Enabled()),
		zap.String("event_url", s.deps.Config.EventURL()),
	)

	var err error
	if httpCfg.TLS.Enabled() {
		err = s.app.ListenTLS(addr, httpCfg.TLS.CertFile, httpCfg.TLS.KeyFile)
	} else {
		err = s.app.Listen(addr)
	}
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
	if ctx.Err() != nil {
		return <-stopped
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	timeout := s.deps.Config.HTTP.ShutdownTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.handlers.CloseStreams()
	err := s.app.ShutdownWithContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.deps.Logger.Warn("http shutdown timed out", zap.Duration("timeout", timeout))
	}
	return err
}
