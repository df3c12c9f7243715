package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"subscriber-cloud/internal/iws"
	requests "subscriber-cloud/internal/requests/domain"
)

type stubTracker struct {
	entries map[string]*iws.QueueEntry
	details map[string]*iws.OperationDetail
	errs    map[string]error
}

func (s *stubTracker) GetQueueEntry(_ context.Context, transactionID string) (*iws.QueueEntry, error) {
	if err := s.errs[transactionID]; err != nil {
		return nil, err
	}
	entry, ok := s.entries[transactionID]
	if !ok {
		return &iws.QueueEntry{TransactionID: transactionID, Status: iws.QueueUnknown}, nil
	}
	return entry, nil
}

func (s *stubTracker) GetOperationDetail(_ context.Context, transactionID string) (*iws.OperationDetail, error) {
	detail, ok := s.details[transactionID]
	if !ok {
		return nil, errors.New("no detail")
	}
	return detail, nil
}

type stubAccounts struct {
	detail *iws.AccountDetail
}

func (s *stubAccounts) GetAccountDetail(context.Context, string) (*iws.AccountDetail, error) {
	if s.detail == nil {
		return nil, errors.New("no account")
	}
	return s.detail, nil
}

func seedInFlight(t *testing.T, store *memStore, id, txn, status string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.Add(context.Background(), &requests.ServiceRequest{
		ID:            id,
		IMEI:          testIMEI,
		Operation:     requests.OpSuspend,
		TransactionID: txn,
		AccountNumber: "SBD-100",
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestRunOnceAdvancesQueueStatuses(t *testing.T) {
	store := &memStore{}
	seedInFlight(t, store, "req-1", "TX-1", requests.StatusSubmitted)
	seedInFlight(t, store, "req-2", "TX-2", requests.StatusPending)
	tracker := &stubTracker{entries: map[string]*iws.QueueEntry{
		"TX-1": {TransactionID: "TX-1", Status: iws.QueuePending},
		"TX-2": {TransactionID: "TX-2", Status: iws.QueueWorking},
	}}
	poller, err := NewPoller(store, tracker, nil, nil)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	poller.RunOnce(context.Background())

	first, _ := store.Get(context.Background(), "req-1")
	if first.Status != requests.StatusPending {
		t.Fatalf("expected PENDING, got %s", first.Status)
	}
	second, _ := store.Get(context.Background(), "req-2")
	if second.Status != requests.StatusWorking {
		t.Fatalf("expected WORKING, got %s", second.Status)
	}
}

func TestRunOnceRevertsWorkingToPending(t *testing.T) {
	store := &memStore{}
	seedInFlight(t, store, "req-1", "TX-1", requests.StatusWorking)
	tracker := &stubTracker{entries: map[string]*iws.QueueEntry{
		"TX-1": {TransactionID: "TX-1", Status: iws.QueuePending},
	}}
	poller, err := NewPoller(store, tracker, nil, nil)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	poller.RunOnce(context.Background())

	got, _ := store.Get(context.Background(), "req-1")
	if got.Status != requests.StatusPending {
		t.Fatalf("expected queue status PENDING written, got %s", got.Status)
	}
}

func TestRunOnceSkipsWriteWhenStatusUnchanged(t *testing.T) {
	store := &memStore{}
	seedInFlight(t, store, "req-1", "TX-1", requests.StatusSubmitted)
	tracker := &stubTracker{entries: map[string]*iws.QueueEntry{
		"TX-1": {TransactionID: "TX-1", Status: iws.QueuePending},
	}}
	poller, err := NewPoller(store, tracker, nil, nil)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	poller.RunOnce(context.Background())
	if got := store.updateCount(); got != 1 {
		t.Fatalf("expected 1 write on first pass, got %d", got)
	}
	poller.RunOnce(context.Background())
	if got := store.updateCount(); got != 1 {
		t.Fatalf("expected no write when queue status is unchanged, got %d", got)
	}
	got, _ := store.Get(context.Background(), "req-1")
	if got.Status != requests.StatusPending {
		t.Fatalf("expected PENDING retained, got %s", got.Status)
	}
}

func TestRunOnceCompletesWithAccountConfirmation(t *testing.T) {
	store := &memStore{}
	seedInFlight(t, store, "req-1", "TX-1", requests.StatusWorking)
	tracker := &stubTracker{entries: map[string]*iws.QueueEntry{
		"TX-1": {TransactionID: "TX-1", Status: iws.QueueDone},
	}}
	accounts := &stubAccounts{detail: &iws.AccountDetail{AccountNumber: "SBD-100", PlanName: "SBD 17"}}
	notifier := &recordingNotifier{}
	poller, err := NewPoller(store, tracker, accounts, nil, WithPollerNotifier(notifier))
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	poller.RunOnce(context.Background())

	got, _ := store.Get(context.Background(), "req-1")
	if got.Status != requests.StatusDone {
		t.Fatalf("expected DONE, got %s", got.Status)
	}
	if got.PlanName != "SBD 17" {
		t.Fatalf("expected confirmed plan, got %s", got.PlanName)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at stamped")
	}
	if types := notifier.types(); len(types) != 1 || types[0] != EventCompleted {
		t.Fatalf("expected completed event, got %v", types)
	}
}

func TestRunOnceMarksUpstreamError(t *testing.T) {
	store := &memStore{}
	seedInFlight(t, store, "req-1", "TX-1", requests.StatusWorking)
	tracker := &stubTracker{
		entries: map[string]*iws.QueueEntry{
			"TX-1": {TransactionID: "TX-1", Status: iws.QueueError},
		},
		details: map[string]*iws.OperationDetail{
			"TX-1": {TransactionID: "TX-1", ErrorCode: "2201", ErrorMessage: "bundle not permitted"},
		},
	}
	poller, err := NewPoller(store, tracker, nil, nil)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	poller.RunOnce(context.Background())

	got, _ := store.Get(context.Background(), "req-1")
	if got.Status != requests.StatusError {
		t.Fatalf("expected ERROR, got %s", got.Status)
	}
	if got.ErrorMessage != "2201: bundle not permitted" {
		t.Fatalf("unexpected error message %q", got.ErrorMessage)
	}
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	store := &memStore{}
	seedInFlight(t, store, "req-1", "TX-1", requests.StatusSubmitted)
	seedInFlight(t, store, "req-2", "TX-2", requests.StatusSubmitted)
	tracker := &stubTracker{
		entries: map[string]*iws.QueueEntry{
			"TX-2": {TransactionID: "TX-2", Status: iws.QueueDone},
		},
		errs: map[string]error{
			"TX-1": errors.New("iws: transport error during getQueueEntry"),
		},
	}
	poller, err := NewPoller(store, tracker, nil, nil)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	poller.RunOnce(context.Background())

	first, _ := store.Get(context.Background(), "req-1")
	if first.Status != requests.StatusSubmitted {
		t.Fatalf("expected req-1 untouched, got %s", first.Status)
	}
	second, _ := store.Get(context.Background(), "req-2")
	if second.Status != requests.StatusDone {
		t.Fatalf("expected req-2 completed, got %s", second.Status)
	}
}

func TestRunOnceLeavesUnknownStatus(t *testing.T) {
	store := &memStore{}
	seedInFlight(t, store, "req-1", "TX-1", requests.StatusWorking)
	tracker := &stubTracker{}
	poller, err := NewPoller(store, tracker, nil, nil)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	poller.RunOnce(context.Background())

	got, _ := store.Get(context.Background(), "req-1")
	if got.Status != requests.StatusWorking {
		t.Fatalf("expected WORKING retained, got %s", got.Status)
	}
}

func TestPollerStartStop(t *testing.T) {
	store := &memStore{}
	tracker := &stubTracker{}
	poller, err := NewPoller(store, tracker, nil, nil,
		WithPollInterval(10*time.Millisecond),
		WithJoinTimeout(time.Second),
	)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	poller.Start(context.Background())
	poller.Start(context.Background()) // second start is a no-op
	time.Sleep(30 * time.Millisecond)
	if !poller.Stop() {
		t.Fatal("expected poller to stop within join timeout")
	}
	if !poller.Stop() {
		t.Fatal("expected stop of stopped poller to succeed")
	}
}
