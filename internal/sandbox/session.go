package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/jkaninda/vfsbox/internal/hydrate"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

// ErrNotInitialized is returned by operations that need a live sandbox directory.
var ErrNotInitialized = errors.New("sandbox session not initialized")

// Info describes the current session.
type Info struct {
	ID          string `json:"id,omitempty"`
	Initialized bool   `json:"initialized"`
	Exists      bool   `json:"exists"`
	SandboxDir  string `json:"sandbox_dir,omitempty"`
	ActiveOwner string `json:"active_owner,omitempty"`
}

// EndResult reports what End did.
type EndResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	SandboxDir   string `json:"sandbox_dir,omitempty"`
	Reconciled   bool   `json:"reconciled"`
	AlreadyEnded bool   `json:"already_ended"`
}

// Session owns one physical sandbox directory shared by every caller of an
// engine. The directory is created lazily and reused until End.
type Session struct {
	mu         sync.Mutex
	baseDir    string
	dehydrator *hydrate.Dehydrator
	logger     *slog.Logger

	id          string
	dir         string
	owner       string
	initialized bool
}

// NewSession creates a session whose directories are created under baseDir
// (the OS temp dir when empty).
func NewSession(baseDir string, d *hydrate.Dehydrator, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{baseDir: baseDir, dehydrator: d, logger: logger}
}

// InitializeShared creates the sandbox directory and dehydrates fs into it.
// An already initialized session whose directory still exists is reused as is.
func (s *Session) InitializeShared(fs *vfs.FileSystem, owner string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized && dirExists(s.dir) {
		return s.dir, nil
	}
	if fs == nil || fs.WorkspaceRoot == "" {
		return "", hydrate.ErrNoWorkspaceRoot
	}
	if s.baseDir != "" {
		if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
			return "", fmt.Errorf("creating sandbox base dir: %w", err)
		}
	}

	dir, err := os.MkdirTemp(s.baseDir, "vfsbox-sandbox-*")
	if err != nil {
		return "", fmt.Errorf("creating sandbox dir: %w", err)
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return "", fmt.Errorf("resolving sandbox dir: %w", err)
	}
	if err := s.dehydrator.DehydrateToDirectory(fs, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("populating sandbox: %w", err)
	}

	s.id = uuid.NewString()
	s.dir = dir
	s.owner = owner
	s.initialized = true
	s.logger.Info("sandbox session initialized",
		slog.String("session_id", s.id),
		slog.String("dir", dir),
		slog.String("owner", owner),
		slog.Int("entries", len(fs.Entries)),
	)
	return dir, nil
}

// Info returns the session state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.id,
		Initialized: s.initialized,
		Exists:      s.initialized && dirExists(s.dir),
		SandboxDir:  s.dir,
		ActiveOwner: s.owner,
	}
}

// Dir returns the sandbox directory, or "" before initialization.
func (s *Session) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Reset empties the sandbox and dehydrates fs into it again, so the directory
// agrees with a restored logical state.
func (s *Session) Reset(fs *vfs.FileSystem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading sandbox dir: %w", err)
	}
	for _, e := range entries {
		p := filepath.Join(s.dir, e.Name())
		if err := removeAll(p); err != nil {
			return fmt.Errorf("clearing sandbox: %w", err)
		}
	}
	if err := s.dehydrator.DehydrateToDirectory(fs, s.dir); err != nil {
		return fmt.Errorf("repopulating sandbox: %w", err)
	}
	s.logger.Debug("sandbox session reset", slog.String("dir", s.dir))
	return nil
}

// End runs a final reconcile pass over the sandbox directory, then removes it.
// Calling End on an ended or never initialized session is a no-op. A reconcile
// failure is reported but the directory is still removed.
func (s *Session) End(ctx context.Context, reconcile func(ctx context.Context, dir string) error) (EndResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return EndResult{
			Success:      true,
			Message:      "No active sandbox session",
			AlreadyEnded: true,
		}, nil
	}

	res := EndResult{SandboxDir: s.dir}
	var reconcileErr error
	if reconcile != nil && dirExists(s.dir) {
		if reconcileErr = reconcile(ctx, s.dir); reconcileErr == nil {
			res.Reconciled = true
		} else {
			s.logger.Error("final reconcile failed",
				slog.String("dir", s.dir),
				slog.String("error", reconcileErr.Error()),
			)
		}
	}

	if err := removeAll(s.dir); err != nil {
		return res, fmt.Errorf("removing sandbox dir %s: %w", s.dir, err)
	}
	s.logger.Info("sandbox session ended",
		slog.String("session_id", s.id),
		slog.String("dir", s.dir),
		slog.Bool("reconciled", res.Reconciled),
	)
	s.initialized = false
	s.dir = ""
	s.owner = ""
	s.id = ""

	if reconcileErr != nil {
		res.Message = "Sandbox removed; final sync failed"
		return res, fmt.Errorf("final reconcile: %w", reconcileErr)
	}
	res.Success = true
	res.Message = "Session ended; workspace synchronized and sandbox removed"
	return res, nil
}

// removeAll deletes p, first restoring owner write permission on directories
// that a command made read-only.
func removeAll(p string) error {
	err := os.RemoveAll(p)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	_ = filepath.WalkDir(p, func(q string, d os.DirEntry, walkErr error) error {
		if walkErr == nil && d.IsDir() {
			_ = os.Chmod(q, 0o700)
		}
		return nil
	})
	return os.RemoveAll(p)
}

func dirExists(p string) bool {
	if p == "" {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
