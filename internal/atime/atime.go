// Package atime decides which paths a command is considered to have read, mirroring
// the atime, noatime and relatime mount options.
package atime

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/jkaninda/vfsbox/internal/vfs"
)

// Mode selects the access-time update behaviour.
type Mode string

const (
	// ModeAtime updates access times for content and metadata reads.
	ModeAtime Mode = "atime"
	// ModeNoatime never updates access times.
	ModeNoatime Mode = "noatime"
	// ModeRelatime updates access times for content reads only.
	ModeRelatime Mode = "relatime"

	DefaultMode = ModeRelatime
)

var (
	contentCommands = set(
		"cat", "less", "more", "head", "tail", "grep", "awk", "sed",
		"sort", "uniq", "wc", "diff", "cmp", "file", "strings",
		"hexdump", "od", "xxd", "vim", "nano", "emacs",
	)
	metadataOnlyCommands = set(
		"ls", "stat", "find", "du", "df", "tree", "locate",
		"which", "whereis", "pwd", "dirname", "basename",
	)
	// metadataReadCommands count as reads in atime mode.
	metadataReadCommands = set(
		"ls", "stat", "find", "du", "df", "tree", "locate", "which", "whereis",
	)
	// copyCommands read their operands in every mode except noatime.
	copyCommands = set("cp", "mv")

	redirections   = set(">", ">>", "<")
	shellOperators = set("|", "&&", "||", ";")
)

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// ParseMode parses a mode name; an empty name yields DefaultMode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return DefaultMode, nil
	case ModeAtime, ModeNoatime, ModeRelatime:
		return m, nil
	default:
		return "", fmt.Errorf("invalid access time mode %q (want atime, noatime or relatime)", s)
	}
}

// Policy applies one Mode.
type Policy struct {
	mode Mode
}

// NewPolicy returns a policy for mode. An unknown mode falls back to DefaultMode.
func NewPolicy(mode Mode) Policy {
	if _, err := ParseMode(string(mode)); err != nil {
		mode = DefaultMode
	}
	if mode == "" {
		mode = DefaultMode
	}
	return Policy{mode: mode}
}

// Mode returns the active mode.
func (p Policy) Mode() Mode { return p.mode }

// ShouldUpdateAccessTime reports whether command may refresh access times at all.
// In relatime mode only metadata-only commands are excluded; unknown commands count.
func (p Policy) ShouldUpdateAccessTime(command string) bool {
	switch p.mode {
	case ModeNoatime:
		return false
	case ModeAtime:
		return true
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return true
	}
	first := fields[0]
	if contentCommands[first] {
		return true
	}
	return !metadataOnlyCommands[first]
}

// ExtractAccessedPaths returns the logical paths under root that command reads.
// Tokens are whitespace-separated; flags and shell operators are skipped and the
// operand of a redirection is always included.
func (p Policy) ExtractAccessedPaths(command, root, cwd string) []string {
	if p.mode == ModeNoatime {
		return nil
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil
	}
	if cwd == "" {
		cwd = root
	}

	cmd, args := fields[0], fields[1:]
	readsOperands := contentCommands[cmd] || copyCommands[cmd] ||
		(p.mode == ModeAtime && metadataReadCommands[cmd])

	hasRedirection := false
	for _, a := range args {
		if redirections[a] {
			hasRedirection = true
			break
		}
	}
	if !readsOperands && !hasRedirection {
		return nil
	}

	found := make(map[string]bool)
	add := func(arg string) {
		abs := arg
		if !strings.HasPrefix(arg, "/") {
			abs = path.Join(cwd, arg)
		}
		abs = vfs.Normalize(abs)
		if vfs.IsUnder(abs, root) {
			found[abs] = true
		}
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "-"):
		case redirections[arg]:
			if i+1 < len(args) {
				add(args[i+1])
				i++
			}
		case shellOperators[arg]:
		case readsOperands:
			add(arg)
		}
	}

	out := make([]string, 0, len(found))
	for k := range found {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
