package application

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"subscriber-cloud/internal/iws"
	"subscriber-cloud/internal/observability/metrics"
	requests "subscriber-cloud/internal/requests/domain"
)

// DeviceGateway is the slice of the upstream client the service needs.
type DeviceGateway interface {
	LookupAccount(ctx context.Context, imei string) (*iws.AccountSnapshot, error)
	SetStatus(ctx context.Context, imei, targetStatus, reason string) (*iws.CommandResult, error)
	ChangePlan(ctx context.Context, imei, newPlanCode string) (*iws.CommandResult, error)
}

// Notifier receives request lifecycle events. Implementations must not
// block the caller on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Event is one request lifecycle notification.
type Event struct {
	Type    string
	Request requests.ServiceRequest
}

// Event types emitted by the service and poller.
const (
	EventSubmitted = "submitted"
	EventApproved  = "approved"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// SubmitRequest is an operator's request for a device operation.
type SubmitRequest struct {
	CustomerID   string `json:"customer_id"`
	CustomerName string `json:"customer_name"`
	IMEI         string `json:"imei"`
	Operation    string `json:"operation"`
	NewPlanCode  string `json:"new_plan_code"`
	Reason       string `json:"reason"`
}

// Service manages the service-request lifecycle: submission, approval with
// upstream dispatch, queries, and purging.
type Service struct {
	store    requests.Store
	gateway  DeviceGateway
	notifier Notifier
	logger   *log.Logger
	now      func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithNotifier attaches a lifecycle notifier.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(s *Service) { s.notifier = notifier }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService constructs a request service.
func NewService(store requests.Store, gateway DeviceGateway, logger *log.Logger, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("requests: nil store")
	}
	if gateway == nil {
		return nil, errors.New("requests: nil gateway")
	}
	s := &Service{
		store:   store,
		gateway: gateway,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit records a new request awaiting approval. The device identifier is
// validated locally; no upstream call happens yet.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*requests.ServiceRequest, error) {
	if !requests.ValidOperation(req.Operation) {
		return nil, fmt.Errorf("requests: unknown operation %q", req.Operation)
	}
	imei, err := iws.ValidateIMEI(req.IMEI)
	if err != nil {
		return nil, err
	}
	if req.Operation == requests.OpChangePlan && req.NewPlanCode == "" {
		return nil, errors.New("requests: new_plan_code required for change_plan")
	}

	now := s.now().UTC()
	request := &requests.ServiceRequest{
		ID:           "req-" + shortID(imei+req.Operation+now.Format(time.RFC3339Nano)),
		CustomerID:   req.CustomerID,
		CustomerName: req.CustomerName,
		IMEI:         imei,
		Operation:    req.Operation,
		NewPlanCode:  req.NewPlanCode,
		Reason:       req.Reason,
		Status:       requests.StatusPendingApproval,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Add(ctx, request); err != nil {
		return nil, err
	}
	metrics.IncRequestSubmitted()
	s.notify(ctx, EventSubmitted, *request)
	return request, nil
}

// Approve dispatches a pending request to the upstream service. On
// acceptance the request moves to SUBMITTED carrying the transaction id; a
// dispatch failure moves it to ERROR with the upstream message. A command
// that was rescued by post-failure verification has no transaction to
// track and lands directly in DONE.
func (s *Service) Approve(ctx context.Context, id string) (*requests.ServiceRequest, error) {
	request, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if request.Status != requests.StatusPendingApproval {
		return nil, fmt.Errorf("requests: %s is %s, only %s requests can be approved",
			id, request.Status, requests.StatusPendingApproval)
	}

	result, dispatchErr := s.dispatch(ctx, request)
	if dispatchErr != nil {
		status := requests.StatusError
		message := dispatchErr.Error()
		if err := s.store.Update(ctx, id, requests.Update{
			Status:        &status,
			ErrorMessage:  &message,
			MarkCompleted: true,
		}); err != nil {
			return nil, err
		}
		metrics.IncRequestApproved(metrics.ResultError)
		if updated, getErr := s.store.Get(ctx, id); getErr == nil {
			s.notify(ctx, EventFailed, *updated)
		}
		return nil, dispatchErr
	}

	status := requests.StatusSubmitted
	update := requests.Update{
		Status:        &status,
		TransactionID: &result.TransactionID,
	}
	if result.AccountNumber != "" {
		update.AccountNumber = &result.AccountNumber
	}
	if result.Note != "" {
		update.Note = &result.Note
	}
	if result.Verification == iws.VerificationConfirmed && result.TransactionID == "" {
		done := requests.StatusDone
		update.Status = &done
		update.MarkCompleted = true
	}
	if err := s.store.Update(ctx, id, update); err != nil {
		return nil, err
	}
	metrics.IncRequestApproved(metrics.ResultSuccess)

	updated, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, EventApproved, *updated)
	return updated, nil
}

func (s *Service) dispatch(ctx context.Context, request *requests.ServiceRequest) (*iws.CommandResult, error) {
	switch request.Operation {
	case requests.OpResume:
		return s.gateway.SetStatus(ctx, request.IMEI, iws.StatusActive, request.Reason)
	case requests.OpSuspend:
		return s.gateway.SetStatus(ctx, request.IMEI, iws.StatusSuspended, request.Reason)
	case requests.OpDeactivate:
		return s.gateway.SetStatus(ctx, request.IMEI, iws.StatusDeactivated, request.Reason)
	case requests.OpChangePlan:
		return s.gateway.ChangePlan(ctx, request.IMEI, request.NewPlanCode)
	}
	return nil, fmt.Errorf("requests: unknown operation %q", request.Operation)
}

// Get returns one request by id.
func (s *Service) Get(ctx context.Context, id string) (*requests.ServiceRequest, error) {
	return s.store.Get(ctx, id)
}

// List returns every request, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]requests.ServiceRequest, error) {
	all, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return all, nil
	}
	var filtered []requests.ServiceRequest
	for _, request := range all {
		if request.Status == status {
			filtered = append(filtered, request)
		}
	}
	return filtered, nil
}

// Purge removes completed requests from the ledger. Failed requests are
// kept for the operator to inspect.
func (s *Service) Purge(ctx context.Context) (int, error) {
	return s.store.PurgeCompleted(ctx)
}

func (s *Service) notify(ctx context.Context, eventType string, request requests.ServiceRequest) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, Event{Type: eventType, Request: request})
}

func shortID(input string) string {
	sum := sha1.Sum([]byte(input))
	return hex.EncodeToString(sum[:8])
}
