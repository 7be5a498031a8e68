package vfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrSnapshotNotFound is returned by a SnapshotStore when no snapshot has the given name.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStore persists named copies of a FileSystem.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, name string, fs *FileSystem) error
	LoadSnapshot(ctx context.Context, name string) (*FileSystem, error)
	ListSnapshots(ctx context.Context) ([]SnapshotInfo, error)
}

// SnapshotInfo describes a stored snapshot without its content.
type SnapshotInfo struct {
	Name       string
	Root       string
	EntryCount int
	CreatedAt  string
}

// Load reads a JSON state document.
func Load(path string) (*FileSystem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	return Decode(data)
}

// Decode parses a JSON state document and fills defaults.
func Decode(data []byte) (*FileSystem, error) {
	var fs FileSystem
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	if fs.WorkspaceRoot == "" {
		return nil, errors.New("state has no workspace_root")
	}
	fs.WorkspaceRoot = Normalize(fs.WorkspaceRoot)
	if fs.Cwd == "" {
		fs.Cwd = fs.WorkspaceRoot
	}
	fs.Cwd = Normalize(fs.Cwd)
	if fs.Entries == nil {
		fs.Entries = make(map[string]Entry)
	}
	fs.Environment.ensure()
	return &fs, nil
}

// Encode renders the state as indented JSON.
func (fs *FileSystem) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return data, nil
}

// Save writes the state atomically: a temp file in the same directory, then rename.
func (fs *FileSystem) Save(path string) error {
	data, err := fs.Encode()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
