// Package pathmap translates between physical sandbox paths and logical workspace paths.
package pathmap

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/jkaninda/vfsbox/internal/vfs"
)

// MapPhysicalToLogical maps a path inside physicalRoot onto logicalRoot.
// It returns false when physical lies outside physicalRoot.
func MapPhysicalToLogical(physical, physicalRoot, logicalRoot string) (string, bool) {
	rel, ok := relativeTo(filepath.Clean(physical), filepath.Clean(physicalRoot))
	if !ok {
		return "", false
	}
	logicalRoot = vfs.Normalize(logicalRoot)
	if rel == "." {
		return logicalRoot, true
	}
	return vfs.Normalize(path.Join(logicalRoot, filepath.ToSlash(rel))), true
}

// LogicalToPhysical maps a logical path under logicalRoot into physicalRoot.
func LogicalToPhysical(logical, logicalRoot, physicalRoot string) (string, bool) {
	logical, logicalRoot = vfs.Normalize(logical), vfs.Normalize(logicalRoot)
	if !vfs.IsUnder(logical, logicalRoot) {
		return "", false
	}
	if logical == logicalRoot {
		return filepath.Clean(physicalRoot), true
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(logical, logicalRoot), "/")
	return filepath.Join(physicalRoot, filepath.FromSlash(rel)), true
}

// ResolveForCd resolves a cd target against the logical cwd. A "/"-prefixed target
// is taken relative to root unless it already names a path under root. The result
// must stay inside root and exist as a directory entry.
func ResolveForCd(cwd, target, root string, entries map[string]vfs.Entry) (string, bool) {
	root = vfs.Normalize(root)
	target = strings.ReplaceAll(target, "\\", "/")

	var resolved string
	switch {
	case target == "":
		resolved = root
	case strings.HasPrefix(target, "/"):
		if vfs.IsUnder(vfs.Normalize(target), root) {
			resolved = vfs.Normalize(target)
		} else {
			resolved = vfs.Normalize(path.Join(root, strings.TrimLeft(target, "/")))
		}
	default:
		resolved = vfs.Normalize(path.Join(vfs.Normalize(cwd), target))
	}

	if !vfs.IsUnder(resolved, root) {
		return "", false
	}
	e, ok := entries[resolved]
	if !ok || !e.IsDirectory {
		return "", false
	}
	return resolved, true
}

func relativeTo(p, root string) (string, bool) {
	if p == root {
		return ".", true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return strings.TrimPrefix(p, prefix), true
}
