package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"moderation-core/internal/domain/model"
	"moderation-core/internal/domain/outbox"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]model.OutboxEntry
}

func newMemStore() *memStore { return &memStore{entries: make(map[string]model.OutboxEntry)} }

func (s *memStore) Load(context.Context) ([]model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OutboxEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *memStore) Save(_ context.Context, entry model.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

type alwaysFailDispatcher struct{ calls int }

func (d *alwaysFailDispatcher) Dispatch(context.Context, model.OutboxEntry) error {
	d.calls++
	return errors.New("platform unavailable")
}

type countingDispatcher struct{ calls int }

func (d *countingDispatcher) Dispatch(context.Context, model.OutboxEntry) error {
	d.calls++
	return nil
}

func TestCreateActionIsIdempotent(t *testing.T) {
	t.Parallel()

	m, err := outbox.NewManager(&countingDispatcher{}, newMemStore())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	id1, err := m.CreateAction(context.Background(), 1, "msg1", model.ActionDelete, model.ActionPayload{})
	if err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
	id2, err := m.CreateAction(context.Background(), 1, "msg1", model.ActionDelete, model.ActionPayload{})
	if err != nil {
		t.Fatalf("CreateAction (repeat): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %q vs %q", id1, id2)
	}
	if id1 != "1:msg1:delete" {
		t.Fatalf("id = %q, want 1:msg1:delete", id1)
	}

	if got := len(m.GetPendingActions()); got != 1 {
		t.Fatalf("pending actions = %d, want 1 (no duplicate entry created)", got)
	}
}

func TestProcessActionCompletedDoesNotReexecute(t *testing.T) {
	t.Parallel()

	dispatcher := &countingDispatcher{}
	m, err := outbox.NewManager(dispatcher, newMemStore())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	id, _ := m.CreateAction(context.Background(), 1, "msg1", model.ActionSendMsg, model.ActionPayload{})

	res, err := m.ProcessAction(context.Background(), id)
	if err != nil || !res.Success {
		t.Fatalf("first ProcessAction = %+v, err=%v", res, err)
	}

	res2, err := m.ProcessAction(context.Background(), id)
	if err != nil || !res2.Success {
		t.Fatalf("second ProcessAction = %+v, err=%v", res2, err)
	}
	if dispatcher.calls != 1 {
		t.Fatalf("dispatcher called %d times, want exactly 1 (idempotent completed)", dispatcher.calls)
	}
}

func TestProcessActionRetriesThenFails(t *testing.T) {
	t.Parallel()

	dispatcher := &alwaysFailDispatcher{}
	m, err := outbox.NewManager(dispatcher, newMemStore(), outbox.WithMaxRetries(3))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	id, _ := m.CreateAction(context.Background(), 1, "msg1", model.ActionDelete, model.ActionPayload{})

	for i := 0; i < 3; i++ {
		res, err := m.ProcessAction(context.Background(), id)
		if err != nil {
			t.Fatalf("ProcessAction attempt %d: %v", i+1, err)
		}
		if res.Success {
			t.Fatalf("attempt %d unexpectedly succeeded", i+1)
		}
		entry, _ := m.GetActionStatus(id)
		if entry.Status != model.OutboxPending {
			t.Fatalf("attempt %d status = %q, want pending", i+1, entry.Status)
		}
	}

	entry, _ := m.GetActionStatus(id)
	if entry.RetryCount != 3 {
		t.Fatalf("retryCount = %d, want 3", entry.RetryCount)
	}

	res, err := m.ProcessAction(context.Background(), id)
	if err != nil {
		t.Fatalf("fourth ProcessAction: %v", err)
	}
	if res.Success || res.Error != "Max retries exceeded" {
		t.Fatalf("fourth attempt result = %+v, want failed Max retries exceeded", res)
	}

	entry, _ = m.GetActionStatus(id)
	if entry.Status != model.OutboxFailed {
		t.Fatalf("final status = %q, want failed", entry.Status)
	}
}

type permanentError struct{ msg string }

func (e *permanentError) Error() string   { return e.msg }
func (e *permanentError) Retryable() bool { return false }

func TestProcessActionNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	dispatcher := &fixedErrDispatcher{err: &permanentError{msg: "HTTP 403: forbidden"}}
	m, err := outbox.NewManager(dispatcher, newMemStore())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	id, _ := m.CreateAction(context.Background(), 1, "msg1", model.ActionBan, model.ActionPayload{})
	res, err := m.ProcessAction(context.Background(), id)
	if err != nil {
		t.Fatalf("ProcessAction: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure for non-retryable error")
	}

	entry, _ := m.GetActionStatus(id)
	if entry.Status != model.OutboxFailed || entry.RetryCount != 0 {
		t.Fatalf("entry = %+v, want immediately failed with no retries", entry)
	}
}

type fixedErrDispatcher struct{ err error }

func (d *fixedErrDispatcher) Dispatch(context.Context, model.OutboxEntry) error { return d.err }

func TestRestoreRevertsProcessingToPending(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.entries["1:msg1:delete"] = model.OutboxEntry{
		ID: "1:msg1:delete", ChatID: 1, MessageID: "msg1", ActionType: model.ActionDelete,
		Status: model.OutboxProcessing,
	}

	m, err := outbox.NewManager(&countingDispatcher{}, store)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	entry, ok := m.GetActionStatus("1:msg1:delete")
	if !ok {
		t.Fatalf("expected restored entry to be present")
	}
	if entry.Status != model.OutboxPending {
		t.Fatalf("restored status = %q, want pending (crash recovery)", entry.Status)
	}
}
