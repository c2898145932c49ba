package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ndovu/selfheal/internal/domain"
)

// Record kinds written to the journal.
const (
	KindTransition   = "transition"
	KindHealth       = "health"
	KindRemediation  = "remediation"
	KindNotification = "notification"
)

// Record is one journal line. Exactly one payload field is set per record.
type Record struct {
	Kind         string                    `json:"kind"`
	At           time.Time                 `json:"at"`
	Transition   *domain.Transition        `json:"transition,omitempty"`
	Health       *domain.HealthReport      `json:"health,omitempty"`
	Remediation  *domain.RemediationAction `json:"remediation,omitempty"`
	Notification *domain.NotificationEvent `json:"notification,omitempty"`
}

// Writer appends audit records to one JSON-lines file per attempt. Lines
// are never rewritten in place.
type Writer struct {
	mu  sync.Mutex
	dir string
}

// New creates the journal directory if needed and returns a Writer.
func New(dir string) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("journal directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Append writes one record for the attempt.
func (w *Writer) Append(attemptID string, rec Record) error {
	if strings.TrimSpace(attemptID) == "" {
		return fmt.Errorf("attempt id required")
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path(attemptID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	return nil
}

// Read returns all records for the attempt in append order.
func (w *Writer) Read(attemptID string) ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.Open(w.path(attemptID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return records, fmt.Errorf("decode journal record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read journal file: %w", err)
	}
	return records, nil
}

func (w *Writer) path(attemptID string) string {
	return filepath.Join(w.dir, attemptID+".jsonl")
}
