package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/geocoder89/taskbus/internal/plans"
)

// Service is the outbound half of the webhook transport: it hands tasks,
// events and the registration state to the external dispatcher, signing
// every body the same way incoming ones are verified.
type Service struct {
	baseURL string
	secret  []byte
	client  *http.Client
	log     *slog.Logger
}

func NewService(baseURL, secret string, log *slog.Logger) *Service {
	return &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// SubmitTasks forwards task envelopes for the dispatcher to store.
func (s *Service) SubmitTasks(ctx context.Context, tasks []plans.TaskEnvelope) error {
	if len(tasks) == 0 {
		return nil
	}
	return s.post(ctx, "/tasks", tasks)
}

// SubmitEvents forwards events for the dispatcher to publish.
func (s *Service) SubmitEvents(ctx context.Context, events []plans.EventEnvelope) error {
	if len(events) == 0 {
		return nil
	}
	return s.post(ctx, "/events", events)
}

// SubmitState registers the queue's tasks and subscriptions upstream.
func (s *Service) SubmitState(ctx context.Context, state any) error {
	return s.post(ctx, "/state", state)
}

func (s *Service) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)

	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))

	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)

	if err != nil {
		return fmt.Errorf("dispatcher %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("dispatcher %s: status %d: %s", path, resp.StatusCode, string(snippet))
	}

	return nil
}
