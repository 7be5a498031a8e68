package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/vfsbox/internal/vfs"
)

func TestFormatTime(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{"whole seconds", time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC), "2024-03-01T12:00:05Z"},
		{"microseconds", time.Date(2024, 3, 1, 12, 0, 5, 123456789, time.UTC), "2024-03-01T12:00:05.123456Z"},
		{"converted to utc", time.Date(2024, 3, 1, 14, 0, 0, 0, time.FixedZone("X", 2*3600)), "2024-03-01T12:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatTime(tt.in); got != tt.want {
				t.Errorf("FormatTime() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	in := "2024-03-01T12:00:05.123456Z"
	got, err := ParseTime(in)
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if FormatTime(got) != in {
		t.Errorf("round trip = %q, want %q", FormatTime(got), in)
	}
	if _, err := ParseTime("not a time"); err == nil {
		t.Error("expected error for invalid timestamp")
	}
	if _, err := ParseTime(""); err == nil {
		t.Error("expected error for empty timestamp")
	}
}

func TestCollectFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".hidden")
	if err := os.WriteFile(path, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2023, 5, 6, 7, 8, 9, 0, time.UTC)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	md := New(nil, nil).Collect(path)
	if md.Permissions.Mode != 0o640 {
		t.Errorf("mode = %o, want 640", md.Permissions.Mode)
	}
	if md.Permissions.UID != os.Getuid() {
		t.Errorf("uid = %d, want %d", md.Permissions.UID, os.Getuid())
	}
	if !md.Attributes.IsHidden {
		t.Error("expected hidden attribute")
	}
	if md.Attributes.IsSymlink {
		t.Error("regular file reported as symlink")
	}
	if md.Attributes.IsReadonly {
		t.Error("writable file reported read-only")
	}
	if md.Timestamps.ModifyTime != "2023-05-06T07:08:09Z" {
		t.Errorf("modify_time = %q", md.Timestamps.ModifyTime)
	}
}

func TestCollectSymlink(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "link")
	if err := os.Symlink("target.txt", link); err != nil {
		t.Fatal(err)
	}
	md := New(nil, nil).Collect(link)
	if !md.Attributes.IsSymlink || md.Attributes.SymlinkTarget != "target.txt" {
		t.Errorf("unexpected symlink attributes: %+v", md.Attributes)
	}
}

func TestCollectMissingUsesDefaults(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	md := New(nil, func() time.Time { return now }).Collect(filepath.Join(t.TempDir(), "missing"))
	if md.Permissions.Mode != 0o644 {
		t.Errorf("mode = %o, want 644", md.Permissions.Mode)
	}
	if md.Timestamps.ModifyTime != "2025-01-02T03:04:05Z" {
		t.Errorf("modify_time = %q", md.Timestamps.ModifyTime)
	}
}

func TestApplyRestoresModeAndTimes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := New(nil, nil)
	md := m.Collect(path)
	md.Permissions.Mode = 0o600
	md.Timestamps.AccessTime = "2020-01-01T00:00:00Z"
	md.Timestamps.ModifyTime = "2021-02-03T04:05:06.5Z"

	if err := m.Apply(path, md, true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := m.Collect(path)
	if got.Permissions.Mode != 0o600 {
		t.Errorf("mode = %o, want 600", got.Permissions.Mode)
	}
	if got.Timestamps.ModifyTime != "2021-02-03T04:05:06.5Z" && got.Timestamps.ModifyTime != "2021-02-03T04:05:06.500000Z" {
		t.Errorf("modify_time = %q", got.Timestamps.ModifyTime)
	}
	if got.Timestamps.AccessTime != "2020-01-01T00:00:00Z" {
		t.Errorf("access_time = %q", got.Timestamps.AccessTime)
	}
}

func TestApplyReadonly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ro.txt")
	if err := os.WriteFile(path, []byte("data"), 0o664); err != nil {
		t.Fatal(err)
	}
	m := New(nil, nil)
	md := m.Collect(path)
	md.Attributes.IsReadonly = true
	if err := m.Apply(path, md, true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm()&0o222 != 0 {
		t.Errorf("write bits still set: %o", fi.Mode().Perm())
	}

	md.Attributes.IsReadonly = false
	md.Permissions.Mode = 0o444
	if err := m.Apply(path, md, true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	fi, _ = os.Stat(path)
	if fi.Mode().Perm() != 0o644 {
		t.Errorf("mode = %o, want 644", fi.Mode().Perm())
	}
}

func TestApplyHiddenRenames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "visible")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	m := New(nil, nil)
	md := m.Collect(path)
	md.Attributes.IsHidden = true
	if err := m.Apply(path, md, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".visible")); err != nil {
		t.Errorf("expected renamed file: %v", err)
	}
}

func TestApplyStrictMissingPath(t *testing.T) {
	m := New(nil, nil)
	missing := filepath.Join(t.TempDir(), "gone")

	err := m.Apply(missing, vfs.Metadata{}, true)
	var mErr *Error
	if !errors.As(err, &mErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !IsError(err) {
		t.Error("IsError() = false")
	}

	if err := m.Apply(missing, vfs.Metadata{}, false); err != nil {
		t.Errorf("non-strict Apply returned %v", err)
	}
}
