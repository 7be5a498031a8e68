// Package history records every command an engine runs, with its outcome.
package history

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultMaxOutputBytes caps stdout and stderr kept per record.
const DefaultMaxOutputBytes = 64 << 10

// Record is one executed command.
type Record struct {
	ID         uuid.UUID     `json:"id"`
	SessionID  string        `json:"session_id,omitempty"`
	Command    string        `json:"command"`
	Cwd        string        `json:"cwd"`
	Background bool          `json:"background"`
	ReturnCode int           `json:"returncode"`
	PID        int           `json:"pid,omitempty"`
	Success    bool          `json:"success"`
	Message    string        `json:"message"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Duration   time.Duration `json:"duration"`
	Added      int           `json:"added"`
	Modified   int           `json:"modified"`
	Deleted    int           `json:"deleted"`
	RolledBack bool          `json:"rolled_back"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Store persists command records. Records are append-only.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Recorder fills in record identity, caps captured output and writes to a Store.
// A failing store is logged and never fails the command being recorded.
type Recorder struct {
	store     Store
	logger    *slog.Logger
	maxOutput int
	now       func() time.Time
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{
		store:     store,
		logger:    logger,
		maxOutput: DefaultMaxOutputBytes,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Append stores rec. It returns the stored copy.
func (r *Recorder) Append(ctx context.Context, rec Record) Record {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	rec.Stdout = truncate(rec.Stdout, r.maxOutput)
	rec.Stderr = truncate(rec.Stderr, r.maxOutput)

	if err := r.store.Append(ctx, &rec); err != nil {
		r.logger.Warn("failed to record command history",
			slog.String("command", rec.Command),
			slog.String("error", err.Error()),
		)
	}
	return rec
}

// Recent returns the newest records from the underlying store.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Record, error) {
	return r.store.Recent(ctx, limit)
}

// truncate cuts s to at most limit bytes, backing off so a multi-byte rune
// is never split.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for i := len(m.records) - 1; i >= 0; i-- {
		out = append(out, m.records[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
