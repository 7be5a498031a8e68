package hydrate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jkaninda/vfsbox/internal/metadata"
	"github.com/jkaninda/vfsbox/internal/pathmap"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

// ErrNoWorkspaceRoot is returned when a FileSystem has no workspace root.
var ErrNoWorkspaceRoot = errors.New("filesystem has no workspace_root")

// Dehydrator writes a FileSystem onto a physical directory.
type Dehydrator struct {
	meta   *metadata.Manager
	logger *slog.Logger
}

// NewDehydrator creates a dehydrator.
func NewDehydrator(meta *metadata.Manager, logger *slog.Logger) *Dehydrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dehydrator{meta: meta, logger: logger}
}

// DehydrateToDirectory materializes every entry of fs under target.
//
// Entries are written deepest path first so that a directory's own metadata is
// applied after its children were created and cannot be disturbed by them.
// The first OS error aborts the run.
func (d *Dehydrator) DehydrateToDirectory(fs *vfs.FileSystem, target string) error {
	if fs.WorkspaceRoot == "" {
		return ErrNoWorkspaceRoot
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolving dehydration target: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("creating dehydration target: %w", err)
	}

	start := time.Now()
	paths := fs.SortedPaths()
	sort.SliceStable(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })

	for _, p := range paths {
		dst, ok := pathmap.LogicalToPhysical(p, fs.WorkspaceRoot, abs)
		if !ok {
			d.logger.Error("entry outside workspace root",
				slog.String("path", p),
				slog.String("root", fs.WorkspaceRoot),
			)
			continue
		}
		if err := d.writeEntry(fs.Entries[p], dst); err != nil {
			return fmt.Errorf("writing %s: %w", dst, err)
		}
	}

	d.logger.Info("dehydration completed",
		slog.String("target", abs),
		slog.Int("entries", len(paths)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// SyncMissing writes entries that exist in fs but have no node under physicalRoot.
// Failures are logged per entry and do not stop the sync.
func (d *Dehydrator) SyncMissing(fs *vfs.FileSystem, physicalRoot string) int {
	written := 0
	for _, p := range fs.SortedPaths() {
		dst, ok := pathmap.LogicalToPhysical(p, fs.WorkspaceRoot, physicalRoot)
		if !ok {
			continue
		}
		if _, err := os.Lstat(dst); err == nil || !errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := d.writeEntry(fs.Entries[p], dst); err != nil {
			d.logger.Warn("syncing entry into sandbox failed",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			continue
		}
		written++
	}
	if written > 0 {
		d.logger.Debug("synced missing entries into sandbox", slog.Int("count", written))
	}
	return written
}

func (d *Dehydrator) writeEntry(e vfs.Entry, dst string) error {
	if e.IsDirectory {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		return d.meta.Apply(dst, e.Metadata, false)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	switch {
	case e.IsSymlink():
		if _, err := os.Lstat(dst); err == nil {
			if err := os.Remove(dst); err != nil {
				return err
			}
		}
		if err := os.Symlink(e.Metadata.Attributes.SymlinkTarget, dst); err != nil {
			return err
		}
	case e.IsBinary():
		data, err := DecodeBinary(e.ContentLines)
		if err != nil {
			d.logger.Error("decoding binary content failed, writing lines verbatim",
				slog.String("path", dst),
				slog.String("error", err.Error()),
			)
			data, _ = EncodeText(e.ContentLines, "")
		}
		if err := writeFile(dst, data); err != nil {
			return err
		}
	default:
		data, err := EncodeText(e.ContentLines, e.Encoding)
		if err != nil {
			d.logger.Warn("re-encoding content failed, writing utf-8",
				slog.String("path", dst),
				slog.String("error", err.Error()),
			)
			data, _ = EncodeText(e.ContentLines, "")
		}
		if err := writeFile(dst, data); err != nil {
			return err
		}
		if mode := e.Metadata.Permissions.Mode; mode != 0 {
			if err := os.Chmod(dst, os.FileMode(mode&0o7777)); err != nil {
				return err
			}
		}
	}

	if err := d.meta.Apply(dst, e.Metadata, false); err != nil {
		return err
	}
	return d.meta.Apply(dst, e.Metadata, false)
}

// writeFile replaces dst's content, restoring owner write on an existing
// read-only file first.
func writeFile(dst string, data []byte) error {
	if fi, err := os.Lstat(dst); err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o200 == 0 {
		if err := os.Chmod(dst, fi.Mode().Perm()|0o200); err != nil {
			return err
		}
	}
	return os.WriteFile(dst, data, 0o644)
}
