package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	requests "subscriber-cloud/internal/requests/domain"
)

// Store is a JSON-file ledger of service requests. Every mutation rewrites
// the whole file through a temp-file rename, so a crash never leaves a
// half-written ledger behind.
type Store struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens or creates the ledger at path.
func NewStore(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("file: empty store path")
	}
	s := &Store{path: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("file: create store dir: %w", err)
		}
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.write(nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) read() ([]requests.ServiceRequest, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("file: read ledger: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var all []requests.ServiceRequest
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("file: decode ledger: %w", err)
	}
	return all, nil
}

func (s *Store) write(all []requests.ServiceRequest) error {
	if all == nil {
		all = []requests.ServiceRequest{}
	}
	raw, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("file: encode ledger: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("file: write ledger: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("file: replace ledger: %w", err)
	}
	return nil
}

// Add appends a request to the ledger.
func (s *Store) Add(_ context.Context, request *requests.ServiceRequest) error {
	if request == nil || request.ID == "" {
		return errors.New("file: request with id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return err
	}
	for _, existing := range all {
		if existing.ID == request.ID {
			return fmt.Errorf("file: duplicate request id %s", request.ID)
		}
	}
	all = append(all, *request)
	return s.write(all)
}

// Update applies a partial mutation. Unknown ids are a no-op.
func (s *Store) Update(_ context.Context, id string, update requests.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return err
	}
	changed := false
	for i := range all {
		if all[i].ID != id {
			continue
		}
		applyUpdate(&all[i], update, s.now())
		changed = true
		break
	}
	if !changed {
		return nil
	}
	return s.write(all)
}

func applyUpdate(request *requests.ServiceRequest, update requests.Update, now time.Time) {
	if update.Status != nil {
		request.Status = *update.Status
	}
	if update.TransactionID != nil {
		request.TransactionID = *update.TransactionID
	}
	if update.AccountNumber != nil {
		request.AccountNumber = *update.AccountNumber
	}
	if update.Note != nil {
		request.Note = *update.Note
	}
	if update.ErrorMessage != nil {
		request.ErrorMessage = *update.ErrorMessage
	}
	if update.PlanName != nil {
		request.PlanName = *update.PlanName
	}
	if update.MarkCompleted && request.CompletedAt == nil {
		at := now.UTC()
		request.CompletedAt = &at
	}
	request.UpdatedAt = now.UTC()
}

// Get returns one request by id.
func (s *Store) Get(_ context.Context, id string) (*requests.ServiceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			found := all[i]
			return &found, nil
		}
	}
	return nil, &requests.NotFoundError{ID: id}
}

// GetAll returns every request in insertion order.
func (s *Store) GetAll(_ context.Context) ([]requests.ServiceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// GetInFlight returns requests awaiting upstream completion.
func (s *Store) GetInFlight(_ context.Context) ([]requests.ServiceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return nil, err
	}
	var inFlight []requests.ServiceRequest
	for _, request := range all {
		if requests.IsInFlight(request.Status) {
			inFlight = append(inFlight, request)
		}
	}
	return inFlight, nil
}

// PurgeCompleted removes DONE requests and returns the removed count.
// Failed requests stay in the ledger until an operator clears them.
func (s *Store) PurgeCompleted(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return 0, err
	}
	kept := all[:0]
	removed := 0
	for _, request := range all {
		if request.Status == requests.StatusDone {
			removed++
			continue
		}
		kept = append(kept, request)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.write(kept)
}
