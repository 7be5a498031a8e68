package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/vfsbox/internal/history"
	"github.com/jkaninda/vfsbox/internal/storage"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu        sync.Mutex
	history   history.Store
	snapshots vfs.SnapshotStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) History() history.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		s.history = NewHistoryRepository(s.pgDB.GormDB())
	}
	return s.history
}

func (s *Store) Snapshots() vfs.SnapshotStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshots == nil {
		s.snapshots = NewSnapshotRepository(s.pgDB.GormDB())
	}
	return s.snapshots
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Migrate(_ context.Context) error {
	// Open already migrated.
	return nil
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// DB returns the wrapped connection.
func (s *Store) DB() *DB {
	return s.pgDB
}

var _ storage.Store = (*Store)(nil)
