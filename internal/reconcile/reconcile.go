// Package reconcile folds the state of a sandbox directory back into the logical
// filesystem after a command ran in it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/vfsbox/internal/hydrate"
	"github.com/jkaninda/vfsbox/internal/metadata"
	"github.com/jkaninda/vfsbox/internal/pathmap"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

// Input describes one reconciliation.
type Input struct {
	// FS is updated in place.
	FS *vfs.FileSystem
	// PhysicalRoot is the sandbox directory the command ran in.
	PhysicalRoot string
	// Snapshot is the logical state before the command.
	Snapshot *vfs.FileSystem
	// PreState is the physical metadata collected right before the command.
	PreState map[string]vfs.Metadata
	Command  string
	// Accessed lists logical paths whose access time the command may have updated.
	Accessed []string
}

// Summary counts what a reconciliation changed.
type Summary struct {
	Added       int
	Modified    int
	Deleted     int
	Unchanged   int
	GitRestored bool
}

// Reconciler rebuilds entries from a sandbox directory.
type Reconciler struct {
	hydrator *hydrate.Hydrator
	meta     *metadata.Manager
	logger   *slog.Logger
}

// New creates a reconciler. The hydrator provides content classification so that
// reconciled entries are encoded exactly as hydrated ones.
func New(h *hydrate.Hydrator, meta *metadata.Manager, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{hydrator: h, meta: meta, logger: logger}
}

// CollectState returns the physical metadata of every entry of fsys that exists
// under physicalRoot, keyed by logical path.
func (r *Reconciler) CollectState(fsys *vfs.FileSystem, physicalRoot string) map[string]vfs.Metadata {
	state := make(map[string]vfs.Metadata, len(fsys.Entries))
	for p := range fsys.Entries {
		phys, ok := pathmap.LogicalToPhysical(p, fsys.WorkspaceRoot, physicalRoot)
		if !ok {
			continue
		}
		if _, err := os.Lstat(phys); err != nil {
			continue
		}
		state[p] = r.meta.Collect(phys)
	}
	return state
}

// Reconcile replaces in.FS entries with what is found under in.PhysicalRoot.
//
// A file counts as changed when it is new, its size differs from the snapshot,
// its physical modify time moved during the command, or the command is touch.
// Unchanged files keep their recorded metadata and last_modified. chmod and chown
// record fresh metadata and re-apply it strictly, so a failure is returned as a
// *metadata.Error. Paths present in the snapshot but not found are deletions.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (Summary, error) {
	var sum Summary
	if in.FS == nil || in.FS.WorkspaceRoot == "" {
		return sum, hydrate.ErrNoWorkspaceRoot
	}
	if in.Snapshot == nil {
		in.Snapshot = vfs.New(in.FS.WorkspaceRoot)
	}
	root := in.FS.WorkspaceRoot
	physRoot, err := filepath.Abs(in.PhysicalRoot)
	if err != nil {
		return sum, fmt.Errorf("resolving sandbox root: %w", err)
	}

	fields := strings.Fields(in.Command)
	metadataCmd := len(fields) > 0 && (fields[0] == "chmod" || fields[0] == "chown")
	touchCmd := len(fields) > 0 && fields[0] == "touch"
	accessed := make(map[string]bool, len(in.Accessed))
	for _, p := range in.Accessed {
		accessed[vfs.Normalize(p)] = true
	}

	start := time.Now()
	entries := make(map[string]vfs.Entry, len(in.Snapshot.Entries))

	err = filepath.WalkDir(physRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			r.logger.Warn("walking sandbox failed",
				slog.String("path", p),
				slog.String("error", walkErr.Error()),
			)
			if d != nil && d.IsDir() && p != physRoot {
				return fs.SkipDir
			}
			return nil
		}
		logical, ok := pathmap.MapPhysicalToLogical(p, physRoot, root)
		if !ok {
			r.logger.Warn("sandbox path outside root", slog.String("path", p))
			return nil
		}
		info, err := d.Info()
		if err != nil {
			r.logger.Warn("sandbox entry vanished during reconcile",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			return nil
		}

		entry := r.hydrator.Describe(p, logical, info)
		prev, existed := in.Snapshot.Entries[logical]
		pre, hadPre := in.PreState[logical]

		changed := !existed || prev.IsDirectory != entry.IsDirectory || touchCmd
		if !changed && hadPre {
			changed = pre.Timestamps.ModifyTime != entry.Metadata.Timestamps.ModifyTime
		}

		switch {
		case entry.IsDirectory:
			// Directories always carry their sandbox metadata.
		case entry.IsSymlink():
			changed = changed || prev.Metadata.Attributes.SymlinkTarget != entry.Metadata.Attributes.SymlinkTarget
			if existed && !accessed[logical] {
				entry.Metadata.Timestamps.AccessTime = prev.Metadata.Timestamps.AccessTime
			}
		default:
			changed = changed || prev.SizeBytes != entry.SizeBytes
			if !changed && !metadataCmd {
				fresh := entry.Metadata
				entry.LastModified = prev.LastModified
				entry.Metadata = prev.Metadata
				if accessed[logical] {
					entry.Metadata.Timestamps.AccessTime = fresh.Timestamps.AccessTime
				}
			} else if !changed {
				entry.LastModified = prev.LastModified
			}
		}

		if metadataCmd {
			if err := r.meta.Apply(p, entry.Metadata, true); err != nil {
				return fmt.Errorf("failed to apply metadata in strict mode: %w", err)
			}
		}
		if hadPre && existed && keepsChangeTime(pre, entry.Metadata) {
			entry.Metadata.Timestamps.ChangeTime = prev.Metadata.Timestamps.ChangeTime
		}

		switch {
		case !existed:
			sum.Added++
		case changed:
			sum.Modified++
		default:
			sum.Unchanged++
		}
		entries[logical] = entry
		return nil
	})
	if err != nil {
		return sum, err
	}

	sum.GitRestored = r.restoreGit(in.Snapshot, entries, root, physRoot)

	for p := range in.Snapshot.Entries {
		if _, ok := entries[p]; !ok {
			sum.Deleted++
			r.logger.Debug("path removed by command", slog.String("path", p))
		}
	}

	in.FS.Entries = entries
	if !vfs.IsUnder(in.FS.Cwd, root) {
		r.logger.Warn("working directory escaped workspace, resetting to root",
			slog.String("cwd", in.FS.Cwd),
			slog.String("root", root),
		)
		in.FS.Cwd = root
	}

	r.logger.Info("sandbox reconciled",
		slog.String("sandbox", physRoot),
		slog.Int("entries", len(entries)),
		slog.Int("added", sum.Added),
		slog.Int("modified", sum.Modified),
		slog.Int("deleted", sum.Deleted),
		slog.Duration("duration", time.Since(start)),
	)
	return sum, nil
}

// keepsChangeTime reports whether neither the content timestamp nor the
// permissions moved, in which case the recorded change time stays valid.
func keepsChangeTime(pre, post vfs.Metadata) bool {
	return pre.Timestamps.ModifyTime == post.Timestamps.ModifyTime &&
		pre.Permissions == post.Permissions
}

// restoreGit moves a .git directory back into the sandbox when a command
// relocated it next to the sandbox root. A .git that is simply gone stays deleted.
func (r *Reconciler) restoreGit(snap *vfs.FileSystem, entries map[string]vfs.Entry, root, physRoot string) bool {
	gitDir := path.Join(root, ".git")
	if _, ok := snap.Entries[gitDir]; !ok {
		return false
	}
	if e, ok := entries[gitDir]; ok && e.IsDirectory {
		return false
	}

	relocated := filepath.Join(filepath.Dir(physRoot), ".git")
	fi, err := os.Lstat(relocated)
	if err != nil || !fi.IsDir() {
		r.logger.Info(".git directory removed by command", slog.String("path", gitDir))
		return false
	}
	target := filepath.Join(physRoot, ".git")
	if err := os.Rename(relocated, target); err != nil {
		r.logger.Warn("moving relocated .git back failed",
			slog.String("from", relocated),
			slog.String("error", err.Error()),
		)
		return false
	}

	restored := 0
	err = filepath.WalkDir(target, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		logical, ok := pathmap.MapPhysicalToLogical(p, physRoot, root)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries[logical] = r.hydrator.Describe(p, logical, info)
		restored++
		return nil
	})
	if err != nil {
		r.logger.Warn("describing restored .git failed", slog.String("error", err.Error()))
	}
	r.logger.Info("restored relocated .git directory",
		slog.String("path", gitDir),
		slog.Int("entries", restored),
	)
	return true
}

// RefreshAccessTimes stamps the current time as access time on each existing
// non-directory path and mirrors it onto the sandbox copy. It returns the number
// of entries updated.
func (r *Reconciler) RefreshAccessTimes(fsys *vfs.FileSystem, physicalRoot string, paths []string) int {
	now := r.meta.Clock()
	stamp := metadata.FormatTime(now)
	updated := 0
	for _, p := range paths {
		p = vfs.Normalize(p)
		e, ok := fsys.Entries[p]
		if !ok || e.IsDirectory {
			continue
		}
		e.Metadata.Timestamps.AccessTime = stamp
		fsys.Entries[p] = e
		updated++

		if physicalRoot == "" {
			continue
		}
		phys, ok := pathmap.LogicalToPhysical(p, fsys.WorkspaceRoot, physicalRoot)
		if !ok {
			continue
		}
		mtime, err := metadata.ParseTime(e.Metadata.Timestamps.ModifyTime)
		if err != nil {
			continue
		}
		if err := metadata.SetTimes(phys, now, mtime); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Debug("mirroring access time failed",
				slog.String("path", phys),
				slog.String("error", err.Error()),
			)
		}
	}
	return updated
}
