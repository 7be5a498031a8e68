// Package cmdtext holds the pure string processing applied to shell commands
// before and after execution: redirection detection, tar rewriting, environment
// handling, the working-directory marker and exit-code classification.
package cmdtext

import (
	"strings"
)

const redirectMetachars = " \t\n&|;<>"

// HasHeredoc reports whether command contains a here-document or here-string.
func HasHeredoc(command string) bool {
	return strings.Contains(command, "<<")
}

// IsCompound reports whether command chains several commands.
func IsCompound(command string) bool {
	return strings.Contains(command, "&&") ||
		strings.Contains(command, "||") ||
		strings.Contains(command, ";") ||
		strings.Contains(command, "\n")
}

// ExtractRedirectionTarget returns the target of the last unquoted output
// redirection ('>' or '>>'), or "" when there is none. The body of a
// `bash -c "..."` or `sh -c '...'` invocation is scanned instead of the outer
// command. Commands containing a heredoc are not scanned.
func ExtractRedirectionTarget(command string) string {
	scan := shellBody(command)
	if HasHeredoc(scan) {
		return ""
	}

	var (
		last   string
		single bool
		double bool
	)
	for i := 0; i < len(scan); i++ {
		ch := scan[i]
		switch {
		case ch == '\'' && !double:
			single = !single
		case ch == '"' && !single:
			double = !double
		case ch == '>' && !single && !double:
			j := i + 1
			for j < len(scan) && (scan[j] == '>' || scan[j] == ' ' || scan[j] == '\t') {
				j++
			}
			if j >= len(scan) {
				i = j
				continue
			}
			var token string
			if q := scan[j]; q == '"' || q == '\'' {
				j++
				start := j
				for j < len(scan) && scan[j] != q {
					j++
				}
				token = scan[start:j]
				if j < len(scan) {
					j++
				}
			} else {
				start := j
				for j < len(scan) && !strings.ContainsRune(redirectMetachars, rune(scan[j])) {
					j++
				}
				token = scan[start:j]
			}
			if token != "" {
				last = token
			}
			// Resume on the character that ended the token.
			i = j - 1
		}
	}
	return last
}

// shellBody unwraps `bash -c "<body>"` / `sh -c '<body>'`; other commands are
// returned unchanged.
func shellBody(command string) string {
	lower := strings.ToLower(command)
	if !strings.Contains(lower, "sh") {
		return command
	}
	idx := strings.Index(lower, " -c ")
	if idx < 0 {
		return command
	}
	j := idx + 4
	for j < len(command) && (command[j] == ' ' || command[j] == '\t') {
		j++
	}
	if j >= len(command) || (command[j] != '"' && command[j] != '\'') {
		return command
	}
	quote := command[j]
	j++
	start := j
	for j < len(command) && command[j] != quote {
		if command[j] == '\\' && j+1 < len(command) && command[j+1] == quote {
			j += 2
			continue
		}
		j++
	}
	return command[start:j]
}
