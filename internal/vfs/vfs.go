// Package vfs defines the logical filesystem model shared by every engine component.
// A FileSystem is a flat map of normalized logical paths to entries, rooted at
// WorkspaceRoot. Binary content is stored as base64 text lines behind a marker line
// so that text and binary files share one line-oriented representation.
package vfs

import (
	"path"
	"sort"
	"strings"
)

const (
	// BinaryMarker is the first content line of a base64-encoded binary or archive file.
	BinaryMarker = "# BINARY_ARCHIVE_BASE64_ENCODED"

	// Base64LineWidth is the chunk width of encoded binary content.
	Base64LineWidth = 76
)

// Content placeholders stored instead of real content.
const (
	BinaryPlaceholder = "<Binary File - Content Not Loaded>"
	LargePlaceholder  = "<File Exceeds 50MB - Content Not Loaded>"
	ErrorPlaceholder  = "<Error Reading File Content>"
)

// Legacy charsets recorded in Entry.Encoding.
const (
	EncodingLatin1 = "latin-1"
	EncodingCP1252 = "cp1252"
)

// Entry is the complete description of one logical path.
type Entry struct {
	Path         string   `json:"path"`
	IsDirectory  bool     `json:"is_directory"`
	ContentLines []string `json:"content_lines"`
	SizeBytes    int64    `json:"size_bytes"`
	LastModified string   `json:"last_modified"`
	Encoding     string   `json:"encoding,omitempty"` // Empty = UTF-8.
	Metadata     Metadata `json:"metadata"`
}

// Metadata holds the OS-level attributes captured for an entry.
type Metadata struct {
	Attributes  Attributes  `json:"attributes"`
	Timestamps  Timestamps  `json:"timestamps"`
	Permissions Permissions `json:"permissions"`
}

// Attributes are boolean file attributes plus the symlink target.
type Attributes struct {
	IsSymlink     bool   `json:"is_symlink"`
	SymlinkTarget string `json:"symlink_target,omitempty"`
	IsHidden      bool   `json:"is_hidden"`
	IsReadonly    bool   `json:"is_readonly"`
}

// Timestamps are ISO-8601 UTC strings with a Z suffix.
// ChangeTime is informational: the kernel owns ctime and it cannot be restored.
type Timestamps struct {
	AccessTime string `json:"access_time"`
	ModifyTime string `json:"modify_time"`
	ChangeTime string `json:"change_time"`
}

// Permissions are the permission bits (st_mode & 0o777) and ownership.
type Permissions struct {
	Mode uint32 `json:"mode"`
	UID  int    `json:"uid"`
	GID  int    `json:"gid"`
}

// IsBinary reports whether the entry content is base64 behind the marker line.
func (e *Entry) IsBinary() bool {
	return len(e.ContentLines) > 0 && strings.TrimSpace(e.ContentLines[0]) == BinaryMarker
}

// IsSymlink reports whether the entry describes a symbolic link.
func (e *Entry) IsSymlink() bool {
	return e.Metadata.Attributes.IsSymlink && e.Metadata.Attributes.SymlinkTarget != ""
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	if e.ContentLines != nil {
		lines := make([]string, len(e.ContentLines))
		copy(lines, e.ContentLines)
		e.ContentLines = lines
	}
	return e
}

// Environment holds the three variable layers consulted by env handling.
// Precedence for expansion and display is Session > Workspace > base defaults.
type Environment struct {
	System    map[string]string `json:"system"`
	Workspace map[string]string `json:"workspace"`
	Session   map[string]string `json:"session"`
}

// NewEnvironment returns an environment with all layers allocated.
func NewEnvironment() Environment {
	return Environment{
		System:    map[string]string{},
		Workspace: map[string]string{},
		Session:   map[string]string{},
	}
}

func (env Environment) clone() Environment {
	return Environment{
		System:    cloneMap(env.System),
		Workspace: cloneMap(env.Workspace),
		Session:   cloneMap(env.Session),
	}
}

// ensure allocates nil layers so callers can write into them.
func (env *Environment) ensure() {
	if env.System == nil {
		env.System = map[string]string{}
	}
	if env.Workspace == nil {
		env.Workspace = map[string]string{}
	}
	if env.Session == nil {
		env.Session = map[string]string{}
	}
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FileSystem is the logical workspace: root, working directory and entries.
type FileSystem struct {
	WorkspaceRoot string           `json:"workspace_root"`
	Cwd           string           `json:"cwd"`
	Entries       map[string]Entry `json:"file_system"`
	Environment   Environment      `json:"environment"`
}

// New returns an empty filesystem rooted at root. Hydration adds the root directory entry.
func New(root string) *FileSystem {
	root = Normalize(root)
	return &FileSystem{
		WorkspaceRoot: root,
		Cwd:           root,
		Entries:       make(map[string]Entry),
		Environment:   NewEnvironment(),
	}
}

// Clone returns a deep copy. Rollback relies on the copy sharing no slices or maps.
func (fs *FileSystem) Clone() *FileSystem {
	out := &FileSystem{
		WorkspaceRoot: fs.WorkspaceRoot,
		Cwd:           fs.Cwd,
		Entries:       make(map[string]Entry, len(fs.Entries)),
		Environment:   fs.Environment.clone(),
	}
	for p, e := range fs.Entries {
		out.Entries[p] = e.Clone()
	}
	return out
}

// Restore replaces the receiver's state with a deep copy of snap.
func (fs *FileSystem) Restore(snap *FileSystem) {
	c := snap.Clone()
	fs.WorkspaceRoot = c.WorkspaceRoot
	fs.Cwd = c.Cwd
	fs.Entries = c.Entries
	fs.Environment = c.Environment
}

// Env returns the environment with every layer allocated.
func (fs *FileSystem) Env() *Environment {
	fs.Environment.ensure()
	return &fs.Environment
}

// Lookup returns the entry stored at the normalized path.
func (fs *FileSystem) Lookup(p string) (Entry, bool) {
	e, ok := fs.Entries[Normalize(p)]
	return e, ok
}

// IsDir reports whether p exists as a directory entry.
func (fs *FileSystem) IsDir(p string) bool {
	e, ok := fs.Lookup(p)
	return ok && e.IsDirectory
}

// SortedPaths returns all entry paths in lexical order.
func (fs *FileSystem) SortedPaths() []string {
	paths := make([]string, 0, len(fs.Entries))
	for p := range fs.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// MissingAncestors returns ancestor directories of stored paths that have no entry.
// An empty result means the directory-ancestor invariant holds.
func (fs *FileSystem) MissingAncestors() []string {
	seen := make(map[string]bool)
	var missing []string
	for p := range fs.Entries {
		for dir := path.Dir(p); IsUnder(dir, fs.WorkspaceRoot); dir = path.Dir(dir) {
			if seen[dir] {
				break
			}
			seen[dir] = true
			if !fs.IsDir(dir) {
				missing = append(missing, dir)
			}
			if dir == fs.WorkspaceRoot {
				break
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// Normalize cleans a logical path to forward slashes without a trailing slash.
func Normalize(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean(p)
}

// IsUnder reports whether p equals root or lies beneath it.
func IsUnder(p, root string) bool {
	p, root = Normalize(p), Normalize(root)
	if p == root {
		return true
	}
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return strings.HasPrefix(p, root+"/")
}
