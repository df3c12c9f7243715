package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	requests "subscriber-cloud/internal/requests/domain"
)

// Store is a Postgres ledger of service requests, used when the deployment
// provides a database instead of the default file ledger.
type Store struct {
	db *sql.DB
}

// NewStore constructs a store over an open connection pool.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres: nil db")
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the service_requests table when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS service_requests (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL DEFAULT '',
	customer_name TEXT NOT NULL DEFAULT '',
	imei TEXT NOT NULL,
	operation TEXT NOT NULL,
	new_plan_code TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	transaction_id TEXT NOT NULL DEFAULT '',
	account_number TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	plan_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
)`)
	return err
}

const selectColumns = `
SELECT id, customer_id, customer_name, imei, operation, new_plan_code, reason,
	transaction_id, account_number, status, note, error_message, plan_name,
	created_at, updated_at, completed_at
FROM service_requests`

// Add inserts a request.
func (s *Store) Add(ctx context.Context, request *requests.ServiceRequest) error {
	if request == nil || request.ID == "" {
		return errors.New("postgres: request with id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO service_requests (
	id, customer_id, customer_name, imei, operation, new_plan_code, reason,
	transaction_id, account_number, status, note, error_message, plan_name,
	created_at, updated_at, completed_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11, $12, $13,
	$14, $15, $16
)`,
		request.ID, request.CustomerID, request.CustomerName, request.IMEI,
		request.Operation, request.NewPlanCode, request.Reason,
		request.TransactionID, request.AccountNumber, request.Status,
		request.Note, request.ErrorMessage, request.PlanName,
		request.CreatedAt.UTC(), request.UpdatedAt.UTC(), request.CompletedAt)
	return err
}

// Update applies a partial mutation. Unknown ids are a no-op.
func (s *Store) Update(ctx context.Context, id string, update requests.Update) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE service_requests SET
	status = COALESCE($2, status),
	transaction_id = COALESCE($3, transaction_id),
	account_number = COALESCE($4, account_number),
	note = COALESCE($5, note),
	error_message = COALESCE($6, error_message),
	plan_name = COALESCE($7, plan_name),
	completed_at = CASE WHEN $8 AND completed_at IS NULL THEN $9 ELSE completed_at END,
	updated_at = $9
WHERE id = $1`,
		id, update.Status, update.TransactionID, update.AccountNumber,
		update.Note, update.ErrorMessage, update.PlanName,
		update.MarkCompleted, now)
	return err
}

// Get returns one request by id.
func (s *Store) Get(ctx context.Context, id string) (*requests.ServiceRequest, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1 LIMIT 1`, id)
	request, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &requests.NotFoundError{ID: id}
		}
		return nil, err
	}
	return request, nil
}

// GetAll returns every request ordered by creation time.
func (s *Store) GetAll(ctx context.Context) ([]requests.ServiceRequest, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// GetInFlight returns requests awaiting upstream completion.
func (s *Store) GetInFlight(ctx context.Context) ([]requests.ServiceRequest, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
WHERE status IN ($1, $2, $3)
ORDER BY created_at ASC`,
		requests.StatusSubmitted, requests.StatusPending, requests.StatusWorking)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// PurgeCompleted removes DONE requests and returns the removed count.
// Failed requests stay in the ledger until an operator clears them.
func (s *Store) PurgeCompleted(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
DELETE FROM service_requests WHERE status = $1`,
		requests.StatusDone)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*requests.ServiceRequest, error) {
	var request requests.ServiceRequest
	var completedAt sql.NullTime
	if err := row.Scan(
		&request.ID,
		&request.CustomerID,
		&request.CustomerName,
		&request.IMEI,
		&request.Operation,
		&request.NewPlanCode,
		&request.Reason,
		&request.TransactionID,
		&request.AccountNumber,
		&request.Status,
		&request.Note,
		&request.ErrorMessage,
		&request.PlanName,
		&request.CreatedAt,
		&request.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	request.CreatedAt = request.CreatedAt.UTC()
	request.UpdatedAt = request.UpdatedAt.UTC()
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		request.CompletedAt = &at
	}
	return &request, nil
}

func collectRequests(rows *sql.Rows) ([]requests.ServiceRequest, error) {
	var result []requests.ServiceRequest
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *request)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
