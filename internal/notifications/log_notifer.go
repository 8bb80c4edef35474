package notifications

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// LogNotifier "delivers" by writing a line to the process log. The default
// backend in development, with env hooks for soaking the retry machinery.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	// NOTIFIER_SLEEP_MS simulates a slow provider
	if raw := os.Getenv("NOTIFIER_SLEEP_MS"); raw != "" {
		if ms, _ := strconv.Atoi(raw); ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	// NOTIFIER_FAIL simulates an outage
	if os.Getenv("NOTIFIER_FAIL") == "1" {
		return fmt.Errorf("provider down (simulated)")
	}

	log.Printf("notification.send channel=%s to=%s subject=%q",
		msg.Channel, msg.To, msg.Subject,
	)
	return nil
}
