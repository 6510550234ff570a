package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-ivr-call/internal/webhook"
)

// receiveEvent acknowledges every delivery with 200. Decode failures are
// logged and dropped so provider retries are not amplified.
func (h *HandlerSet) receiveEvent(ctx *fiber.Ctx) error {
	headers := webhook.Headers{
		Algorithm: ctx.Get(webhook.HeaderAlgorithm),
		Format:    ctx.Get(webhook.HeaderFormat),
		Encoding:  ctx.Get(webhook.HeaderEncoding),
	}

	// fasthttp reuses the body buffer once the handler returns.
	body := append([]byte(nil), ctx.Body()...)

	ev, err := h.decoder.Decode(headers, body)
	if err != nil {
		h.logger.Warn("webhook dropped",
			zap.Bool("encrypted", headers.Encrypted()),
			zap.String("algorithm", headers.Algorithm),
			zap.Error(err),
		)
		return ctx.Status(http.StatusOK).JSON(fiber.Map{"status": "ignored"})
	}

	h.engine.HandleWebhook(ctx.UserContext(), ev)
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"status": "received"})
}
