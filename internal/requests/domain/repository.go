package requests

import "context"

// Update is a partial mutation applied to one stored request. Nil fields
// are left untouched.
type Update struct {
	Status        *string
	TransactionID *string
	AccountNumber *string
	Note          *string
	ErrorMessage  *string
	PlanName      *string
	MarkCompleted bool
}

// Store is the durable ledger of service requests. Implementations must be
// safe for concurrent use; updates to unknown ids are silent no-ops so a
// poller and a purge can race without failures.
type Store interface {
	Add(ctx context.Context, request *ServiceRequest) error
	Update(ctx context.Context, id string, update Update) error
	Get(ctx context.Context, id string) (*ServiceRequest, error)
	GetAll(ctx context.Context) ([]ServiceRequest, error)
	GetInFlight(ctx context.Context) ([]ServiceRequest, error)
	PurgeCompleted(ctx context.Context) (int, error)
}

// NotFoundError is returned by Get for an unknown id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return "requests: no request with id " + e.ID
}
