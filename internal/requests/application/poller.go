package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"subscriber-cloud/internal/iws"
	"subscriber-cloud/internal/observability/metrics"
	requests "subscriber-cloud/internal/requests/domain"
)

const (
	defaultPollInterval = 3 * time.Minute
	defaultJoinTimeout  = 5 * time.Second
)

// CompletionTracker is the slice of the upstream tracker the poller needs.
type CompletionTracker interface {
	GetQueueEntry(ctx context.Context, transactionID string) (*iws.QueueEntry, error)
	GetOperationDetail(ctx context.Context, transactionID string) (*iws.OperationDetail, error)
}

// AccountReader re-reads an account after an operation completes.
type AccountReader interface {
	GetAccountDetail(ctx context.Context, accountNumber string) (*iws.AccountDetail, error)
}

// Poller periodically reconciles in-flight requests against the upstream
// queue. One failing request never blocks the rest of a cycle.
type Poller struct {
	store    requests.Store
	tracker  CompletionTracker
	accounts AccountReader
	notifier Notifier
	logger   *log.Logger

	interval    time.Duration
	joinTimeout time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// PollerOption customizes a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the cycle interval.
func WithPollInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithJoinTimeout overrides how long Stop waits for the loop to exit.
func WithJoinTimeout(timeout time.Duration) PollerOption {
	return func(p *Poller) {
		if timeout > 0 {
			p.joinTimeout = timeout
		}
	}
}

// WithPollerNotifier attaches a lifecycle notifier.
func WithPollerNotifier(notifier Notifier) PollerOption {
	return func(p *Poller) { p.notifier = notifier }
}

// NewPoller constructs a reconciliation poller.
func NewPoller(store requests.Store, tracker CompletionTracker, accounts AccountReader, logger *log.Logger, opts ...PollerOption) (*Poller, error) {
	if store == nil {
		return nil, errors.New("requests: nil store")
	}
	if tracker == nil {
		return nil, errors.New("requests: nil tracker")
	}
	p := &Poller{
		store:       store,
		tracker:     tracker,
		accounts:    accounts,
		logger:      logger,
		interval:    defaultPollInterval,
		joinTimeout: defaultJoinTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the background loop. Calling Start on a running poller is
// a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(ctx, p.stop, p.done)
}

// Stop signals the loop and waits up to the join timeout for it to exit.
// Returns false if the loop did not stop in time.
func (p *Poller) Stop() bool {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop == nil {
		return true
	}
	close(stop)
	select {
	case <-done:
		return true
	case <-time.After(p.joinTimeout):
		if p.logger != nil {
			p.logger.Printf("poller did not stop within %s", p.joinTimeout)
		}
		return false
	}
}

func (p *Poller) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles every in-flight request against the upstream queue.
func (p *Poller) RunOnce(ctx context.Context) {
	start := time.Now()
	result := metrics.ResultSuccess

	inFlight, err := p.store.GetInFlight(ctx)
	if err != nil {
		if p.logger != nil {
			p.logger.Printf("poller: load in-flight requests: %v", err)
		}
		metrics.ObservePollCycle(metrics.ResultError, time.Since(start).Seconds())
		return
	}
	for _, request := range inFlight {
		if ctx.Err() != nil {
			return
		}
		if err := p.reconcile(ctx, request); err != nil {
			result = metrics.ResultError
			if p.logger != nil {
				p.logger.Printf("poller: reconcile %s: %v", request.ID, err)
			}
		}
	}
	p.publishLedgerGauges(ctx)
	metrics.ObservePollCycle(result, time.Since(start).Seconds())
}

func (p *Poller) reconcile(ctx context.Context, request requests.ServiceRequest) error {
	if request.TransactionID == "" {
		// Accepted synchronously with nothing queued upstream; the
		// request can only be settled by hand.
		return nil
	}
	entry, err := p.tracker.GetQueueEntry(ctx, request.TransactionID)
	if err != nil {
		return err
	}

	switch entry.Status {
	case iws.QueuePending:
		return p.refresh(ctx, request, requests.StatusPending)
	case iws.QueueWorking:
		return p.refresh(ctx, request, requests.StatusWorking)
	case iws.QueueDone:
		return p.complete(ctx, request)
	case iws.QueueError:
		return p.fail(ctx, request)
	}
	// UNKNOWN: leave the request as is and retry next cycle.
	return nil
}

func (p *Poller) refresh(ctx context.Context, request requests.ServiceRequest, status string) error {
	if !requests.CanTransition(request.Status, status) {
		return nil
	}
	if request.Status == status {
		return nil
	}
	return p.store.Update(ctx, request.ID, requests.Update{Status: &status})
}

// complete marks a request DONE, re-reading the account so the ledger
// records the settled plan.
func (p *Poller) complete(ctx context.Context, request requests.ServiceRequest) error {
	status := requests.StatusDone
	update := requests.Update{Status: &status, MarkCompleted: true}
	if p.accounts != nil && request.AccountNumber != "" {
		if detail, err := p.accounts.GetAccountDetail(ctx, request.AccountNumber); err == nil {
			update.PlanName = &detail.PlanName
		} else if p.logger != nil {
			p.logger.Printf("poller: confirm account %s: %v", request.AccountNumber, err)
		}
	}
	if err := p.store.Update(ctx, request.ID, update); err != nil {
		return err
	}
	metrics.IncCommandResult("completed")
	p.notifyUpdated(ctx, request.ID, EventCompleted)
	return nil
}

// fail marks a request ERROR, attaching the upstream error detail when the
// post-mortem query succeeds.
func (p *Poller) fail(ctx context.Context, request requests.ServiceRequest) error {
	status := requests.StatusError
	update := requests.Update{Status: &status, MarkCompleted: true}
	if detail, err := p.tracker.GetOperationDetail(ctx, request.TransactionID); err == nil {
		message := detail.ErrorMessage
		if detail.ErrorCode != "" {
			message = detail.ErrorCode + ": " + message
		}
		update.ErrorMessage = &message
	} else if p.logger != nil {
		p.logger.Printf("poller: fetch error detail %s: %v", request.TransactionID, err)
	}
	if err := p.store.Update(ctx, request.ID, update); err != nil {
		return err
	}
	metrics.IncCommandResult("upstream_error")
	p.notifyUpdated(ctx, request.ID, EventFailed)
	return nil
}

func (p *Poller) notifyUpdated(ctx context.Context, id, eventType string) {
	if p.notifier == nil {
		return
	}
	updated, err := p.store.Get(ctx, id)
	if err != nil {
		return
	}
	p.notifier.Notify(ctx, Event{Type: eventType, Request: *updated})
}

func (p *Poller) publishLedgerGauges(ctx context.Context) {
	all, err := p.store.GetAll(ctx)
	if err != nil {
		return
	}
	counts := map[string]int{
		requests.StatusPendingApproval: 0,
		requests.StatusSubmitted:       0,
		requests.StatusPending:         0,
		requests.StatusWorking:         0,
		requests.StatusDone:            0,
		requests.StatusError:           0,
	}
	for _, request := range all {
		counts[request.Status]++
	}
	for status, count := range counts {
		metrics.SetRequestsByStatus(status, count)
	}
}
