// Package workspace manages the vfsbox runtime directory structure.
// All runtime state (database, saved VFS state documents, sandbox dirs, logs)
// is consolidated under a single root, making vfsbox portable.
//
// Default root: ~/.vfsbox (configurable via config or VFSBOX_HOME env var).
// This is the tool's own directory, not the logical workspace a VFS describes.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default root location relative to user home directory.
const defaultRelativePath = ".vfsbox"

// DefaultStateName is the state document used when none is named.
const DefaultStateName = "default"

// Workspace manages all vfsbox runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.vfsbox.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// SandboxDir returns <root>/sandbox/. Sandbox sessions create their directories here.
func (w *Workspace) SandboxDir() string {
	return w.dir("sandbox")
}

// StateDir returns <root>/state/. Stores VFS state documents.
func (w *Workspace) StateDir() string {
	return w.dir("state")
}

// DataDir returns <root>/data/ with 0700 permissions. Holds the SQLite database.
func (w *Workspace) DataDir() string {
	return w.restrictedDir("data")
}

// LogsDir returns <root>/logs/. Application log files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// --- Derived paths ---

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// StatePath returns <root>/state/<name>.json. An empty name selects the default document.
func (w *Workspace) StatePath(name string) string {
	if name == "" {
		name = DefaultStateName
	}
	return filepath.Join(w.StateDir(), sanitizeName(name)+".json")
}

// DatabasePath returns <root>/data/vfsbox.db.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.DataDir(), "vfsbox.db")
}

// --- Cleanup ---

// CleanSandbox removes all contents of the sandbox directory, including
// directories a command left without write permission.
func (w *Workspace) CleanSandbox() error {
	dir := filepath.Join(w.Root, "sandbox")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading sandbox dir: %w", err)
	}
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(p); err != nil {
			_ = filepath.WalkDir(p, func(q string, d fs.DirEntry, walkErr error) error {
				if walkErr == nil && d.IsDir() {
					_ = os.Chmod(q, 0o700)
				}
				return nil
			})
			if err := os.RemoveAll(p); err != nil {
				return fmt.Errorf("removing sandbox entry %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
// Call this during first startup.
func (w *Workspace) EnsureAll() error {
	// Regular directories (0750).
	dirs := []string{
		w.SandboxDir(),
		w.StateDir(),
		w.LogsDir(),
	}
	for _, d := range dirs {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	// Restricted directories (0700).
	_ = w.DataDir()
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// restrictedDir is like dir but uses 0700 permissions.
func (w *Workspace) restrictedDir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0700)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
