package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/geocoder89/taskbus/internal/bus"
	"github.com/geocoder89/taskbus/internal/notifications"
)

// The reference task set wired into both binaries. Small on purpose: one
// direct task, one event with a subscription, enough to drive every bus
// path end to end.

type NotificationPayload struct {
	Channel string `json:"channel" validate:"required,oneof=email sms push"`
	To      string `json:"to" validate:"required"`
	Subject string `json:"subject"`
	Body    string `json:"body" validate:"required"`
}

type MemberRegistered struct {
	MemberID string `json:"memberId" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required"`
}

var (
	SendNotification = bus.NewTask("send_notification", bus.StructOf[NotificationPayload]())

	MemberRegisteredEvent = bus.NewEvent("member_registered", bus.StructOf[MemberRegistered]())
)

// Register hangs the reference handlers onto a bus. The notifier is the
// delivery backend, normally the log notifier behind the circuit breaker.
func Register(b *bus.Bus, notifier notifications.Notifier) error {
	err := b.RegisterTask(SendNotification, sendNotificationHandler(notifier),
		bus.WithRetryLimit(5),
		bus.WithRetryDelay(10),
		bus.WithRetryBackoff(true),
	)
	if err != nil {
		return err
	}

	return b.On(MemberRegisteredEvent, bus.Subscription{
		TaskName: "send_welcome_notification",
		Handler:  welcomeHandler(notifier),
		Config: bus.Dynamic(func(data json.RawMessage) []bus.TaskOption {
			// one welcome per member, however often the event fires
			var ev MemberRegistered
			if err := json.Unmarshal(data, &ev); err != nil || ev.MemberID == "" {
				return nil
			}
			return []bus.TaskOption{bus.WithSingletonKey("welcome:" + ev.MemberID)}
		}),
	})
}

func sendNotificationHandler(notifier notifications.Notifier) bus.Handler {
	return func(ctx context.Context, data json.RawMessage, tc *bus.TaskContext) (any, error) {
		var p NotificationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			// malformed payloads never succeed on retry
			tc.Fail(map[string]any{"message": "malformed payload", "error": err.Error()})
			return nil, err
		}

		if err := notifier.Send(ctx, notifications.Message{
			Channel: p.Channel,
			To:      p.To,
			Subject: p.Subject,
			Body:    p.Body,
		}); err != nil {
			return nil, fmt.Errorf("deliver notification: %w", err)
		}

		return map[string]any{"delivered": true, "channel": p.Channel}, nil
	}
}

func welcomeHandler(notifier notifications.Notifier) bus.Handler {
	return func(ctx context.Context, data json.RawMessage, tc *bus.TaskContext) (any, error) {
		var ev MemberRegistered
		if err := json.Unmarshal(data, &ev); err != nil {
			tc.Fail(map[string]any{"message": "malformed event payload"})
			return nil, err
		}

		err := notifier.Send(ctx, notifications.Message{
			Channel: "email",
			To:      ev.Email,
			Subject: "Welcome!",
			Body:    fmt.Sprintf("Hi %s, your registration went through.", ev.Name),
		})
		if err != nil {
			return nil, fmt.Errorf("deliver welcome: %w", err)
		}

		return map[string]any{
			"delivered":   true,
			"member":      ev.MemberID,
			"triggeredBy": tc.Trigger.EventName,
		}, nil
	}
}
