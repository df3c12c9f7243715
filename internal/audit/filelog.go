package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"
)

// FileLogger appends audit entries as JSON lines, for deployments that run
// without a database.
type FileLogger struct {
	mu   sync.Mutex
	path string
}

// NewFileLogger constructs a file logger.
func NewFileLogger(path string) (*FileLogger, error) {
	if path == "" {
		return nil, errors.New("audit: empty log path")
	}
	return &FileLogger{path: path}, nil
}

// Log appends one entry.
func (l *FileLogger) Log(_ context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}
