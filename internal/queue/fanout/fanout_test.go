package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/geocoder89/taskbus/internal/plans"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCursors struct {
	lockPos   int64
	lockOK    bool
	lockErr   error
	lockCalls int

	unlockCalls int
	unlockErr   error

	advancedTo   int64
	advanceTasks []plans.TaskEnvelope
	advanceCalls int
	advanceErr   error
}

func (c *fakeCursors) Lock(ctx context.Context, queue string, ttl time.Duration) (int64, bool, error) {
	c.lockCalls++
	return c.lockPos, c.lockOK, c.lockErr
}

func (c *fakeCursors) Unlock(ctx context.Context, queue string) error {
	c.unlockCalls++
	return c.unlockErr
}

func (c *fakeCursors) AdvanceAndCreate(ctx context.Context, queue string, pos int64, tasks []plans.TaskEnvelope) error {
	c.advanceCalls++
	c.advancedTo = pos
	c.advanceTasks = tasks
	return c.advanceErr
}

type fakeEvents struct {
	events []plans.StoredEvent
	err    error
	calls  int
	gotPos int64
}

func (e *fakeEvents) FetchAfter(ctx context.Context, pos int64, limit int) ([]plans.StoredEvent, error) {
	e.calls++
	e.gotPos = pos
	if e.err != nil {
		return nil, e.err
	}
	if len(e.events) > limit {
		return e.events[:limit], e.err
	}
	return e.events, e.err
}

func storedEvent(id, pos int64) plans.StoredEvent {
	return plans.StoredEvent{ID: id, EventName: "member_registered", Data: json.RawMessage(`{}`), Pos: pos}
}

func oneTaskPerEvent(events []plans.StoredEvent) []plans.TaskEnvelope {
	out := make([]plans.TaskEnvelope, 0, len(events))
	for range events {
		out = append(out, plans.TaskEnvelope{Queue: "worker"})
	}
	return out
}

func newTestWorker(cursors *fakeCursors, events *fakeEvents, project Project) *Worker {
	return New(testLogger(), Config{Queue: "worker", FetchSize: 3, PollInterval: time.Hour},
		cursors, events, project, nil)
}

func TestStep_SkipsWhenCursorHeldElsewhere(t *testing.T) {
	cursors := &fakeCursors{lockOK: false}
	events := &fakeEvents{}
	w := newTestWorker(cursors, events, oneTaskPerEvent)

	more, err := w.step(context.Background())
	if err != nil || more {
		t.Errorf("step = (%v, %v), want quiet pass", more, err)
	}
	if events.calls != 0 {
		t.Error("fetched events without holding the cursor")
	}
	if cursors.unlockCalls != 0 {
		t.Error("unlocked a cursor it never held")
	}
}

func TestStep_UnlocksOnEmptyLog(t *testing.T) {
	cursors := &fakeCursors{lockPos: 41, lockOK: true}
	events := &fakeEvents{}
	w := newTestWorker(cursors, events, oneTaskPerEvent)

	more, err := w.step(context.Background())
	if err != nil || more {
		t.Errorf("step = (%v, %v)", more, err)
	}
	if events.gotPos != 41 {
		t.Errorf("fetched after %d, want the locked position 41", events.gotPos)
	}
	if cursors.unlockCalls != 1 {
		t.Errorf("unlock calls = %d, want 1", cursors.unlockCalls)
	}
	if cursors.advanceCalls != 0 {
		t.Error("advanced the cursor with nothing to project")
	}
}

func TestStep_ProjectsAndAdvances(t *testing.T) {
	cursors := &fakeCursors{lockPos: 10, lockOK: true}
	events := &fakeEvents{events: []plans.StoredEvent{storedEvent(1, 11), storedEvent(2, 12)}}
	w := newTestWorker(cursors, events, oneTaskPerEvent)

	more, err := w.step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if more {
		t.Error("partial fetch should not report more")
	}
	if cursors.advanceCalls != 1 || cursors.advancedTo != 12 {
		t.Errorf("advanced to %d (calls %d), want 12", cursors.advancedTo, cursors.advanceCalls)
	}
	if len(cursors.advanceTasks) != 2 {
		t.Errorf("projected %d tasks, want 2", len(cursors.advanceTasks))
	}
	// advance releases the lock in the same statement, no separate unlock
	if cursors.unlockCalls != 0 {
		t.Errorf("unlock calls = %d, want 0", cursors.unlockCalls)
	}
}

func TestStep_FullFetchReportsMore(t *testing.T) {
	cursors := &fakeCursors{lockPos: 0, lockOK: true}
	events := &fakeEvents{events: []plans.StoredEvent{storedEvent(1, 1), storedEvent(2, 2), storedEvent(3, 3)}}
	w := newTestWorker(cursors, events, oneTaskPerEvent)

	more, err := w.step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !more {
		t.Error("a fetch at the limit should report more work")
	}
}

// Subscription-less events still move the cursor, otherwise the log would
// never drain for queues that only listen to some events.
func TestStep_AdvancesPastUnsubscribedEvents(t *testing.T) {
	cursors := &fakeCursors{lockPos: 5, lockOK: true}
	events := &fakeEvents{events: []plans.StoredEvent{storedEvent(1, 6)}}
	w := newTestWorker(cursors, events, func([]plans.StoredEvent) []plans.TaskEnvelope { return nil })

	if _, err := w.step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if cursors.advanceCalls != 1 || cursors.advancedTo != 6 {
		t.Errorf("advanced to %d (calls %d), want 6", cursors.advancedTo, cursors.advanceCalls)
	}
	if len(cursors.advanceTasks) != 0 {
		t.Errorf("projected %d tasks, want none", len(cursors.advanceTasks))
	}
}

func TestStep_UnlocksAfterFetchError(t *testing.T) {
	cursors := &fakeCursors{lockPos: 0, lockOK: true}
	events := &fakeEvents{err: errors.New("connection reset")}
	w := newTestWorker(cursors, events, oneTaskPerEvent)

	_, err := w.step(context.Background())
	if err == nil {
		t.Fatal("fetch error swallowed")
	}
	if cursors.unlockCalls != 1 {
		t.Errorf("unlock calls = %d, want 1", cursors.unlockCalls)
	}
}

func TestStep_LockErrorPropagates(t *testing.T) {
	cursors := &fakeCursors{lockErr: errors.New("connection reset")}
	events := &fakeEvents{}
	w := newTestWorker(cursors, events, oneTaskPerEvent)

	if _, err := w.step(context.Background()); err == nil {
		t.Fatal("lock error swallowed")
	}
	if events.calls != 0 {
		t.Error("fetched events after a failed lock")
	}
}

func TestStep_AdvanceErrorLeavesLockToTTL(t *testing.T) {
	cursors := &fakeCursors{lockPos: 0, lockOK: true, advanceErr: errors.New("deadlock detected")}
	events := &fakeEvents{events: []plans.StoredEvent{storedEvent(1, 1)}}
	w := newTestWorker(cursors, events, oneTaskPerEvent)

	_, err := w.step(context.Background())
	if err == nil {
		t.Fatal("advance error swallowed")
	}
	// no explicit unlock here, the TTL reclaims the cursor
	if cursors.unlockCalls != 0 {
		t.Errorf("unlock calls = %d, want 0", cursors.unlockCalls)
	}
}
