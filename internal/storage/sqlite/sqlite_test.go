package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/vfsbox/internal/history"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "db", "vfsbox.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestStoreBasics(t *testing.T) {
	s := openTestStore(t)
	if s.Driver() != "sqlite" {
		t.Errorf("Driver = %s", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.History() != s.History() {
		t.Error("History() should return the same repository")
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)

	for i, cmd := range []string{"ls", "make build", "false"} {
		rec := &history.Record{
			ID:         uuid.New(),
			Command:    cmd,
			Cwd:        "/workspace",
			ReturnCode: i,
			Success:    i == 0,
			Duration:   time.Duration(i+1) * time.Second,
			Added:      i,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.History().Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := s.History().Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Command != "false" || recs[1].Command != "make build" {
		t.Errorf("order = %s, %s", recs[0].Command, recs[1].Command)
	}
	if recs[0].ReturnCode != 2 || recs[0].Success || recs[0].Duration != 3*time.Second || recs[0].Added != 2 {
		t.Errorf("record = %+v", recs[0])
	}
	if !recs[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("CreatedAt = %v", recs[0].CreatedAt)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	snaps := s.Snapshots()

	fs := vfs.New("/workspace")
	fs.Entries["/workspace"] = vfs.Entry{Path: "/workspace", IsDirectory: true}
	fs.Entries["/workspace/a.txt"] = vfs.Entry{Path: "/workspace/a.txt", ContentLines: []string{"hello\n"}, SizeBytes: 6}
	fs.Env().Session["FOO"] = "bar"

	if err := snaps.SaveSnapshot(ctx, "base", fs); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := snaps.LoadSnapshot(ctx, "base")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got.WorkspaceRoot != "/workspace" || len(got.Entries) != 2 || got.Environment.Session["FOO"] != "bar" {
		t.Errorf("loaded = %+v", got)
	}

	// Saving again under the same name replaces the content.
	delete(fs.Entries, "/workspace/a.txt")
	if err := snaps.SaveSnapshot(ctx, "base", fs); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = snaps.LoadSnapshot(ctx, "base")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 1 {
		t.Errorf("entries after overwrite = %d", len(got.Entries))
	}

	list, err := snaps.ListSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "base" || list[0].EntryCount != 1 || list[0].Root != "/workspace" {
		t.Errorf("list = %+v", list)
	}

	if _, err := snaps.LoadSnapshot(ctx, "nope"); !errors.Is(err, vfs.ErrSnapshotNotFound) {
		t.Errorf("missing snapshot err = %v", err)
	}
	if err := snaps.SaveSnapshot(ctx, "", fs); err == nil {
		t.Error("expected error for empty name")
	}
}
