package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-ivr-call/internal/orchestrator"
)

type initiateCallRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	PlayText  string `json:"play_text"`
	PlayVoice string `json:"play_voice"`
}

type callResponse struct {
	State            string     `json:"state"`
	SessionID        string     `json:"session_id,omitempty"`
	VoiceCallID      string     `json:"voice_call_id,omitempty"`
	From             string     `json:"from,omitempty"`
	To               string     `json:"to,omitempty"`
	Voice            string     `json:"voice,omitempty"`
	CompletedPrompts []string   `json:"completed_prompts"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
}

func (h *HandlerSet) initiateCall(ctx *fiber.Ctx) error {
	var req initiateCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	res, err := h.engine.Initiate(ctx.UserContext(), orchestrator.InitiateRequest{
		From:      req.From,
		To:        req.To,
		PlayText:  req.PlayText,
		PlayVoice: req.PlayVoice,
	})
	if err != nil {
		h.logger.Warn("outbound call not placed", zap.String("from", req.From), zap.String("to", req.To), zap.Error(err))
		return translateError(err)
	}

	if len(res.Raw) == 0 {
		return ctx.Status(http.StatusOK).JSON(fiber.Map{"voice_id": res.VoiceCallID})
	}
	ctx.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return ctx.Status(http.StatusOK).Send(res.Raw)
}

func (h *HandlerSet) currentCall(ctx *fiber.Ctx) error {
	return ctx.Status(http.StatusOK).JSON(toCallResponse(h.engine.Status()))
}

func toCallResponse(s orchestrator.Snapshot) callResponse {
	out := callResponse{State: string(s.State), CompletedPrompts: []string{}}
	if s.State == orchestrator.StateIdle && s.Session.From == "" {
		return out
	}

	out.SessionID = s.Session.ID.String()
	out.VoiceCallID = s.Session.VoiceCallID
	out.From = s.Session.From
	out.To = s.Session.To
	out.Voice = string(s.Session.Voice)
	if !s.Session.CreatedAt.IsZero() {
		created := s.Session.CreatedAt
		out.CreatedAt = &created
	}
	for ref, done := range s.Completed {
		if done {
			out.CompletedPrompts = append(out.CompletedPrompts, ref)
		}
	}
	sort.Strings(out.CompletedPrompts)
	return out
}
