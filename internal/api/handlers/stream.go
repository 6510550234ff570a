package handlers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/acme/outbound-ivr-call/internal/notify"
)

func (h *HandlerSet) eventStream(ctx *fiber.Ctx) error {
	ctx.Set(fiber.HeaderContentType, "text/event-stream")
	ctx.Set(fiber.HeaderCacheControl, "no-cache")
	ctx.Set(fiber.HeaderConnection, "keep-alive")
	ctx.Set("X-Accel-Buffering", "no")

	streamID := fmt.Sprintf("%d", time.Now().UnixMilli())
	remote := ctx.IP()

	ctx.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		streamCtx, cancel := context.WithCancel(h.streams)
		defer cancel()

		sub, err := h.notes.Subscribe(streamCtx)
		if err != nil {
			h.logger.Error("event stream: subscribe failed", zap.Error(err))
			return
		}
		defer sub.Close()

		h.logger.Info("event stream opened", zap.String("remote", remote), zap.String("stream_id", streamID))
		err = writeEvents(streamCtx, w, sub, streamID, h.keepAlive)
		h.logger.Info("event stream closed", zap.String("remote", remote), zap.String("stream_id", streamID), zap.Error(err))
	}))
	return nil
}

// writeEvents copies notifications from sub to w until a write fails, the
// subscription closes or ctx ends. Idle periods longer than keepAlive
// produce a comment line so dead peers are noticed.
func writeEvents(ctx context.Context, w *bufio.Writer, sub notify.Subscription, id string, keepAlive time.Duration) error {
	if _, err := w.WriteString(": connected\n\n"); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, keepAlive)
		n, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if err := writeEvent(w, id, n.Text); err != nil {
				return err
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := w.WriteString(": keepalive\n\n"); err != nil {
				return err
			}
		default:
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

func writeEvent(w *bufio.Writer, id, text string) error {
	if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
		return err
	}
	for _, line := range strings.Split(text, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\n")
	return err
}
