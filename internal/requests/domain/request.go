package requests

import (
	"fmt"
	"time"
)

// Request lifecycle statuses. PENDING and WORKING may alternate while the
// upstream queue shuffles the entry; a terminal request never re-enters the
// pipeline.
const (
	StatusPendingApproval = "PENDING_APPROVAL"
	StatusSubmitted       = "SUBMITTED"
	StatusPending         = "PENDING"
	StatusWorking         = "WORKING"
	StatusDone            = "DONE"
	StatusError           = "ERROR"
)

// Operations a service request can carry.
const (
	OpResume     = "resume"
	OpSuspend    = "suspend"
	OpDeactivate = "deactivate"
	OpChangePlan = "change_plan"
)

// ServiceRequest is one durable record of a requested device operation,
// from operator submission through upstream completion.
type ServiceRequest struct {
	ID            string     `json:"id"`
	CustomerID    string     `json:"customer_id,omitempty"`
	CustomerName  string     `json:"customer_name,omitempty"`
	IMEI          string     `json:"imei"`
	Operation     string     `json:"operation"`
	NewPlanCode   string     `json:"new_plan_code,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	AccountNumber string     `json:"account_number,omitempty"`
	Status        string     `json:"status"`
	Note          string     `json:"note,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	PlanName      string     `json:"plan_name,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ValidOperation reports whether op is a known operation.
func ValidOperation(op string) bool {
	switch op {
	case OpResume, OpSuspend, OpDeactivate, OpChangePlan:
		return true
	}
	return false
}

// IsTerminal reports whether status ends the lifecycle.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusError
}

// IsInFlight reports whether status means an upstream operation is queued
// and the reconciler should keep polling it.
func IsInFlight(status string) bool {
	switch status {
	case StatusSubmitted, StatusPending, StatusWorking:
		return true
	}
	return false
}

var transitions = map[string][]string{
	StatusPendingApproval: {StatusSubmitted, StatusError},
	StatusSubmitted:       {StatusPending, StatusWorking, StatusDone, StatusError},
	StatusPending:         {StatusWorking, StatusDone, StatusError},
	StatusWorking:         {StatusPending, StatusDone, StatusError},
	StatusDone:            {},
	StatusError:           {},
}

// CanTransition reports whether the lifecycle permits moving from one
// status to another. Same-status updates are always allowed so pollers can
// refresh timestamps without special cases.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change in place, refreshing
// UpdatedAt and stamping CompletedAt on terminal entry.
func (r *ServiceRequest) Transition(to string, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("requests: illegal transition %s -> %s for %s", r.Status, to, r.ID)
	}
	if r.Status != to && IsTerminal(to) {
		at := now.UTC()
		r.CompletedAt = &at
	}
	r.Status = to
	r.UpdatedAt = now.UTC()
	return nil
}
