//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/vfsbox/internal/history"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHistory_ConcurrentAppends(t *testing.T) {
	db := testDB(t)
	repo := NewHistoryRepository(db.GormDB())
	ctx := context.Background()
	session := uuid.NewString()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- repo.Append(ctx, &history.Record{
				ID:        uuid.New(),
				SessionID: session,
				Command:   fmt.Sprintf("echo %d", i),
				Cwd:       "/workspace",
				Success:   true,
				Duration:  15 * time.Millisecond,
				CreatedAt: time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	recs, err := repo.Recent(ctx, 500)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, r := range recs {
		if r.SessionID == session {
			n++
			if r.Duration != 15*time.Millisecond {
				t.Errorf("duration = %v", r.Duration)
			}
		}
	}
	if n != 20 {
		t.Errorf("found %d records for session, want 20", n)
	}
}

func TestSnapshot_UpsertAndLoad(t *testing.T) {
	db := testDB(t)
	repo := NewSnapshotRepository(db.GormDB())
	ctx := context.Background()
	name := "it-" + uuid.NewString()[:8]

	fs := vfs.New("/workspace")
	fs.Entries["/workspace"] = vfs.Entry{Path: "/workspace", IsDirectory: true}
	if err := repo.SaveSnapshot(ctx, name, fs); err != nil {
		t.Fatal(err)
	}
	fs.Entries["/workspace/a.txt"] = vfs.Entry{Path: "/workspace/a.txt", ContentLines: []string{"a\n"}, SizeBytes: 2}
	if err := repo.SaveSnapshot(ctx, name, fs); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := repo.LoadSnapshot(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 2 {
		t.Errorf("entries = %d, want 2", len(got.Entries))
	}
	if _, err := repo.LoadSnapshot(ctx, name+"-missing"); !errors.Is(err, vfs.ErrSnapshotNotFound) {
		t.Errorf("missing snapshot err = %v", err)
	}
}
