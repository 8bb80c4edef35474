package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/geocoder89/taskbus/internal/bus"
	"github.com/geocoder89/taskbus/internal/plans"
	"github.com/geocoder89/taskbus/internal/webhook"
	"github.com/gin-gonic/gin"
)

// Keep this small interface so tests can fake the outbound dispatcher.
type TaskForwarder interface {
	SubmitTasks(ctx context.Context, tasks []plans.TaskEnvelope) error
}

type WebhookHandler struct {
	registry      *bus.Registry
	forwarder     TaskForwarder
	secret        string
	keepInSeconds int
}

func NewWebhookHandler(registry *bus.Registry, forwarder TaskForwarder, secret string, keepInSeconds int) *WebhookHandler {
	return &WebhookHandler{
		registry:      registry,
		forwarder:     forwarder,
		secret:        secret,
		keepInSeconds: keepInSeconds,
	}
}

// POST /v1/webhook
//
// The dispatcher signs the raw body, so it has to be read before any JSON
// decoding. Response bodies on the reject paths are part of the wire
// contract with the dispatcher, not the usual error envelope.
func (h *WebhookHandler) Receive(ctx *gin.Context) {
	body, err := io.ReadAll(ctx.Request.Body)

	if err != nil {
		unknownBody(ctx)
		return
	}

	if h.secret != "" {
		sig := ctx.GetHeader(webhook.SignatureHeader)

		if sig == "" {
			ctx.String(http.StatusForbidden, "forbidden: missing x-body-signature")
			return
		}

		if !webhook.VerifySignature([]byte(h.secret), body, sig) {
			ctx.String(http.StatusForbidden, "forbidden: invalid signature")
			return
		}
	}

	var env webhook.Envelope

	if err := json.Unmarshal(body, &env); err != nil || len(env.Body) == 0 {
		unknownBody(ctx)
		return
	}

	switch {
	case env.Task:
		h.handleTask(ctx, env.Body)
	case env.Event:
		h.handleEvent(ctx, env.Body)
	default:
		unknownBody(ctx)
	}
}

// handleTask executes one pushed task locally and answers with the
// resolution the dispatcher should apply to its own storage.
func (h *WebhookHandler) handleTask(ctx *gin.Context, body json.RawMessage) {
	var in webhook.IncomingTask

	if err := json.Unmarshal(body, &in); err != nil || in.TaskName == "" {
		unknownBody(ctx)
		return
	}

	tc := &bus.TaskContext{
		ID:              in.ID,
		TaskName:        in.TaskName,
		Trigger:         bus.DecodeTrigger(in.Trigger),
		Retried:         in.Retried,
		ExpireInSeconds: in.ExpireInSeconds,
	}

	result, err := h.registry.HandleTask(ctx.Request.Context(), in.Data, tc)

	// Unknown tasks fall through with the zero policy: retryLimit 0 turns
	// the error into a terminal failed resolution, same as the worker path.
	policy, _ := h.registry.TaskPolicy(in.TaskName)

	res := bus.CompletionFor(in.ID, in.Retried, policy, result, err)

	ctx.JSON(http.StatusOK, res)
}

// handleEvent projects one pushed event through the local subscriptions and
// forwards the resulting tasks back to the dispatcher instead of storing
// them here.
func (h *WebhookHandler) handleEvent(ctx *gin.Context, body json.RawMessage) {
	var in webhook.IncomingEvent

	if err := json.Unmarshal(body, &in); err != nil || in.EventName == "" {
		unknownBody(ctx)
		return
	}

	tasks := h.registry.EventsToTasks([]bus.StoredEvent{{
		ID:        in.ID,
		EventName: in.EventName,
		Data:      in.Data,
	}})

	if len(tasks) > 0 {
		envs := bus.TaskEnvelopes(tasks, h.registry.Queue(), h.keepInSeconds)

		if h.forwarder == nil {
			RespondInternal(ctx, "No dispatcher configured for event projection")
			return
		}

		if err := h.forwarder.SubmitTasks(ctx.Request.Context(), envs); err != nil {
			RespondInternal(ctx, "Could not forward projected tasks")
			return
		}
	}

	ctx.JSON(http.StatusOK, gin.H{"queued": len(tasks)})
}

func unknownBody(ctx *gin.Context) {
	ctx.JSON(http.StatusBadRequest, gin.H{"message": "unknown body"})
}
