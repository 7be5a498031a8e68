// Package hydrate converts between a physical directory tree and the logical VFS.
package hydrate

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/jkaninda/vfsbox/internal/metadata"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

// ErrNotDirectory is returned when the hydration source is not a directory.
var ErrNotDirectory = errors.New("hydration source is not a directory")

// Config configures hydration.
type Config struct {
	LoaderConfig
	// IgnorePatterns are doublestar globs matched against slash-separated paths
	// relative to the hydrated directory.
	IgnorePatterns []string
}

// Hydrator loads a directory tree into a FileSystem.
type Hydrator struct {
	loader *Loader
	meta   *metadata.Manager
	ignore []string
	logger *slog.Logger
}

// NewHydrator creates a hydrator.
func NewHydrator(cfg Config, meta *metadata.Manager, logger *slog.Logger) (*Hydrator, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, p := range cfg.IgnorePatterns {
		if _, err := doublestar.Match(p, "a"); err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
	}
	return &Hydrator{
		loader: NewLoader(cfg.LoaderConfig, logger),
		meta:   meta,
		ignore: cfg.IgnorePatterns,
		logger: logger,
	}, nil
}

// Loader returns the content loader used by the hydrator.
func (h *Hydrator) Loader() *Loader { return h.loader }

// HydrateFromDirectory builds a FileSystem whose root and cwd are the absolute
// path of dir. Unreadable files are stored with a placeholder and the walk continues.
func (h *Hydrator) HydrateFromDirectory(dir string) (*vfs.FileSystem, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving hydration root: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat hydration root %s: %w", abs, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", abs, ErrNotDirectory)
	}

	start := time.Now()
	root := filepath.ToSlash(abs)
	out := vfs.New(root)
	var totalBytes int64

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			h.logger.Warn("walking directory failed",
				slog.String("path", p),
				slog.String("error", walkErr.Error()),
			)
			if d != nil && d.IsDir() && p != abs {
				return fs.SkipDir
			}
			return nil
		}
		if p != abs && h.ignored(abs, p) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		logical := vfs.Normalize(filepath.ToSlash(p))
		info, err := d.Info()
		if err != nil {
			h.logger.Warn("stat failed during hydration",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			out.Entries[logical] = h.unreadable(logical)
			return nil
		}
		entry := h.Describe(p, logical, info)
		out.Entries[logical] = entry
		totalBytes += entry.SizeBytes
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hydrating %s: %w", abs, err)
	}

	h.logger.Info("hydration completed",
		slog.String("root", root),
		slog.Int("entries", len(out.Entries)),
		slog.String("size", humanize.IBytes(uint64(totalBytes))),
		slog.Duration("duration", time.Since(start)),
	)
	return out, nil
}

func (h *Hydrator) ignored(root, p string) bool {
	if len(h.ignore) == 0 {
		return false
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range h.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, path.Base(rel)); ok {
				return true
			}
		}
	}
	return false
}

// Describe builds the entry for one physical node already stat'ed without
// following links. Symlinks are stored without content and sized by their
// target string.
func (h *Hydrator) Describe(physical, logical string, info fs.FileInfo) vfs.Entry {
	md := h.meta.Collect(physical)
	entry := vfs.Entry{
		Path:         logical,
		ContentLines: []string{},
		LastModified: md.Timestamps.ModifyTime,
		Metadata:     md,
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		entry.SizeBytes = int64(len(md.Attributes.SymlinkTarget))
	case info.IsDir():
		entry.IsDirectory = true
	default:
		entry.SizeBytes = info.Size()
		content := h.loader.Load(physical, info.Size())
		if content.Lines != nil {
			entry.ContentLines = content.Lines
		}
		entry.Encoding = content.Encoding
	}
	return entry
}

func (h *Hydrator) unreadable(logical string) vfs.Entry {
	now := h.meta.Now()
	return vfs.Entry{
		Path:         logical,
		ContentLines: []string{vfs.ErrorPlaceholder},
		LastModified: now,
	}
}
