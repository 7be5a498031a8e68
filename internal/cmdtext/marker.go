package cmdtext

import (
	"fmt"
	"strings"
)

// PwdMarker prefixes the line that reports the shell's final working directory.
const PwdMarker = "VFSBOX_PWD_MARKER_V1"

// WrapWithMarker appends a trailer that prints the working directory after
// command finishes while preserving command's exit status.
func WrapWithMarker(command string) string {
	return fmt.Sprintf("set -e\nmain_exit_code=0\n%s || main_exit_code=$?\nset +e\necho \"%s:$(pwd)\"\nexit $main_exit_code",
		command, PwdMarker)
}

// StripMarker removes the marker from stdout and returns the cleaned output and
// the reported directory. The marker is looked for on the last line, either on
// its own or appended to output that lacked a trailing newline. When no marker
// is present stdout is returned unchanged with found=false.
func StripMarker(stdout string) (clean, dir string, found bool) {
	lines := strings.Split(stdout, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if len(lines) == 0 {
		return stdout, "", false
	}

	prefix := PwdMarker + ":"
	last := lines[len(lines)-1]
	switch {
	case strings.HasPrefix(last, prefix):
		dir = last[len(prefix):]
		lines = lines[:len(lines)-1]
	case strings.Contains(last, prefix):
		pos := strings.Index(last, prefix)
		dir = last[pos+len(prefix):]
		lines[len(lines)-1] = last[:pos]
	default:
		return stdout, "", false
	}

	if len(lines) == 0 {
		return "", dir, true
	}
	clean = strings.Join(lines, "\n")
	if strings.Count(stdout, "\n") > len(lines) {
		clean += "\n"
	}
	return clean, dir, true
}
