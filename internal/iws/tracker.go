package iws

import (
	"context"
	"errors"
	"log"
	"time"
)

// Queue entry statuses the upstream reports for asynchronous operations.
const (
	QueuePending = "PENDING"
	QueueWorking = "WORKING"
	QueueDone    = "DONE"
	QueueError   = "ERROR"
	QueueUnknown = "UNKNOWN"
)

// Wait outcomes.
const (
	WaitCompleted = "COMPLETED"
	WaitError     = "ERROR"
	WaitTimeout   = "TIMEOUT"
)

// QueueEntry is the queued state of one asynchronous upstream operation.
type QueueEntry struct {
	TransactionID string
	Status        string
	Operation     string
	Timestamp     string
}

// OperationDetail is the post-mortem record for a finished operation.
type OperationDetail struct {
	TransactionID string
	ErrorCode     string
	ErrorMessage  string
	Response      string
}

// WaitResult is the outcome of a bounded completion wait.
type WaitResult struct {
	Outcome string
	Entry   *QueueEntry
	Detail  *OperationDetail
	Account *AccountDetail
}

// Tracker follows asynchronous upstream operations to completion.
type Tracker struct {
	gateway *Gateway
	logger  *log.Logger
}

// NewTracker constructs a tracker over an existing gateway.
func NewTracker(gateway *Gateway, logger *log.Logger) (*Tracker, error) {
	if gateway == nil {
		return nil, errors.New("iws: nil gateway")
	}
	return &Tracker{gateway: gateway, logger: logger}, nil
}

// GetQueueEntry reads the queue state of one transaction. An unrecognized
// status is reported as QueueUnknown rather than an error so a poller can
// keep going.
func (t *Tracker) GetQueueEntry(ctx context.Context, transactionID string) (*QueueEntry, error) {
	if transactionID == "" {
		return nil, errors.New("iws: empty transaction id")
	}
	root, err := t.gateway.call(ctx, "getQueueEntry", []Element{
		El("queueEntryId", transactionID),
	})
	if err != nil {
		return nil, err
	}
	entry := &QueueEntry{
		TransactionID: transactionID,
		Status:        root.TextOr("status", QueueUnknown),
		Operation:     root.TextOr("operation", ""),
		Timestamp:     root.TextOr("timestamp", ""),
	}
	switch entry.Status {
	case QueuePending, QueueWorking, QueueDone, QueueError:
	default:
		entry.Status = QueueUnknown
	}
	return entry, nil
}

// GetOperationDetail reads the terminal record of a finished operation,
// including the upstream error code and message when it failed.
func (t *Tracker) GetOperationDetail(ctx context.Context, transactionID string) (*OperationDetail, error) {
	if transactionID == "" {
		return nil, errors.New("iws: empty transaction id")
	}
	root, err := t.gateway.call(ctx, "getIwsRequest", []Element{
		El("requestId", transactionID),
	})
	if err != nil {
		return nil, err
	}
	return &OperationDetail{
		TransactionID: transactionID,
		ErrorCode:     root.TextOr("errorCode", ""),
		ErrorMessage:  root.TextOr("errorMessage", ""),
		Response:      root.TextOr("response", ""),
	}, nil
}

// WaitForCompletion polls the queue until the transaction reaches a terminal
// state or maxWait elapses. On completion the account is re-read so callers
// see the settled state; on failure the upstream error detail is attached.
// Transient poll errors are logged and retried within the window.
func (t *Tracker) WaitForCompletion(ctx context.Context, transactionID, accountNumber string, maxWait, pollInterval time.Duration) (*WaitResult, error) {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	deadline := time.Now().Add(maxWait)

	var last *QueueEntry
	for {
		entry, err := t.GetQueueEntry(ctx, transactionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if t.logger != nil {
				t.logger.Printf("iws tracker poll failed txn=%s: %v", transactionID, err)
			}
		} else {
			last = entry
			switch entry.Status {
			case QueueDone:
				result := &WaitResult{Outcome: WaitCompleted, Entry: entry}
				if accountNumber != "" {
					if account, accErr := t.gateway.GetAccountDetail(ctx, accountNumber); accErr == nil {
						result.Account = account
					}
				}
				return result, nil
			case QueueError:
				result := &WaitResult{Outcome: WaitError, Entry: entry}
				if detail, detErr := t.GetOperationDetail(ctx, transactionID); detErr == nil {
					result.Detail = detail
				}
				return result, nil
			}
		}

		if time.Now().After(deadline) {
			return &WaitResult{Outcome: WaitTimeout, Entry: last}, nil
		}
		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
