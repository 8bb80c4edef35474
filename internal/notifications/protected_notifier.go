package notifications

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type ProtectedNotifierConfig struct {
	Timeout          time.Duration // hard timeout per send
	FailureThreshold int           // consecutive failures before the circuit opens
	Cooldown         time.Duration // how long to stay open before probing again
	HalfOpenMaxCalls int           // trial calls allowed while half-open
}

// ProtectedNotifier wraps a delivery backend in a circuit breaker, so a dead
// provider fails tasks fast instead of tying workers up in timeouts.
type ProtectedNotifier struct {
	inner Notifier
	cfg   ProtectedNotifierConfig

	mu                  sync.Mutex
	state               breakerState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int
}

func NewProtectedNotifier(inner Notifier, cfg ProtectedNotifierConfig) *ProtectedNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}

	return &ProtectedNotifier{
		inner: inner,
		cfg:   cfg,
		state: breakerClosed,
	}
}

func (n *ProtectedNotifier) Send(ctx context.Context, msg Message) error {
	if !n.allow() {
		return ErrCircuitOpen
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	err := n.inner.Send(sendCtx, msg)

	n.settle(err)

	return err
}

// allow is the fail-fast gate. Open circuits move to half-open once the
// cooldown has passed, which admits a bounded number of probes.
func (n *ProtectedNotifier) allow() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case breakerOpen:
		if time.Since(n.openedAt) < n.cfg.Cooldown {
			return false
		}
		n.state = breakerHalfOpen
		n.halfOpenInFlight = 0
		return true

	case breakerHalfOpen:
		if n.halfOpenInFlight >= n.cfg.HalfOpenMaxCalls {
			return false
		}
		n.halfOpenInFlight++
		return true

	default:
		return true
	}
}

// settle records one finished call against the breaker state.
func (n *ProtectedNotifier) settle(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == breakerHalfOpen && n.halfOpenInFlight > 0 {
		n.halfOpenInFlight--
	}

	if err == nil {
		n.consecutiveFailures = 0
		n.state = breakerClosed
		return
	}

	n.consecutiveFailures++

	// a failed probe reopens immediately, no need to reach the threshold
	if n.state == breakerHalfOpen || n.consecutiveFailures >= n.cfg.FailureThreshold {
		n.state = breakerOpen
		n.openedAt = time.Now()
	}
}
