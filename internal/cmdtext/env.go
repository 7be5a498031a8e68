package cmdtext

import (
	"fmt"
	"sort"
	"strings"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// PrepareEnvironment returns the variables a command runs with: a fixed base
// set, then workspace variables, then session variables, later layers winning.
// PWD is the logical working directory, not the sandbox path.
func PrepareEnvironment(env vfs.Environment, logicalCwd string) map[string]string {
	out := map[string]string{
		"PWD":      logicalCwd,
		"SHELL":    "/bin/bash",
		"USER":     "user",
		"HOME":     "/home/user",
		"PATH":     goutils.Env("PATH", defaultPath),
		"TERM":     "xterm-256color",
		"LANG":     "en_US.UTF-8",
		"LC_ALL":   "en_US.UTF-8",
		"HOSTNAME": "isolated-env",
		"TZ":       "UTC",
	}
	for k, v := range env.Workspace {
		out[k] = v
	}
	for k, v := range env.Session {
		out[k] = v
	}
	return out
}

// Environ renders env as sorted KEY=VALUE pairs.
func Environ(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// ExpandVariables substitutes ${VAR} and $VAR outside single quotes. Unset
// variables expand to the empty string; a '$' not followed by a name is kept.
func ExpandVariables(s string, env map[string]string) string {
	var (
		b      strings.Builder
		single bool
		double bool
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\'' && !double:
			single = !single
		case ch == '"' && !single:
			double = !double
		case ch == '$' && !single && i+1 < len(s):
			next := s[i+1]
			if next == '{' {
				if end := strings.IndexByte(s[i:], '}'); end >= 0 {
					b.WriteString(env[s[i+2:i+end]])
					i += end
					continue
				}
			} else if isNameStart(next) {
				j := i + 1
				for j < len(s) && isNameChar(s[j]) {
					j++
				}
				b.WriteString(env[s[i+1:j]])
				i = j - 1
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

// EnvResult is the outcome of an in-process environment command.
type EnvResult struct {
	Stdout     string
	Stderr     string
	ReturnCode int
	Message    string
}

// IsEnvCommand reports whether command is handled by HandleEnvCommand.
func IsEnvCommand(command string) bool {
	command = strings.TrimSpace(command)
	return command == "env" || strings.HasPrefix(command, "export ") || strings.HasPrefix(command, "unset ")
}

// HandleEnvCommand executes export, unset and env against env without spawning
// a process. export writes the session layer; unset removes from the session
// layer first, then the workspace layer.
func HandleEnvCommand(command string, env *vfs.Environment, logicalCwd string) EnvResult {
	command = strings.TrimSpace(command)
	if env.Session == nil {
		env.Session = map[string]string{}
	}
	if env.Workspace == nil {
		env.Workspace = map[string]string{}
	}

	switch {
	case strings.HasPrefix(command, "export "):
		assignment := strings.TrimSpace(strings.TrimPrefix(command, "export "))
		key, value, ok := strings.Cut(assignment, "=")
		if !ok {
			return EnvResult{
				Stderr:     "export: Invalid syntax. Use: export VAR=value\n",
				ReturnCode: 1,
				Message:    "Export command failed: Invalid syntax",
			}
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		singleQuoted := len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\''
		doubleQuoted := len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"'
		if singleQuoted || doubleQuoted {
			value = value[1 : len(value)-1]
		}
		if !singleQuoted {
			value = ExpandVariables(value, PrepareEnvironment(*env, logicalCwd))
		}
		env.Session[key] = value
		return EnvResult{Message: fmt.Sprintf("Exported %s=%s", key, value)}

	case strings.HasPrefix(command, "unset "):
		name := strings.TrimSpace(strings.TrimPrefix(command, "unset "))
		if _, ok := env.Session[name]; ok {
			delete(env.Session, name)
			return EnvResult{Message: fmt.Sprintf("Unset %s from session environment", name)}
		}
		if _, ok := env.Workspace[name]; ok {
			delete(env.Workspace, name)
			return EnvResult{Message: fmt.Sprintf("Unset %s from workspace environment", name)}
		}
		return EnvResult{Message: fmt.Sprintf("Variable %s was not set", name)}

	case command == "env":
		lines := Environ(PrepareEnvironment(*env, logicalCwd))
		return EnvResult{
			Stdout:  strings.Join(lines, "\n") + "\n",
			Message: "Environment variables listed",
		}
	}

	return EnvResult{
		Stderr:     fmt.Sprintf("Unknown environment command: %s\n", command),
		ReturnCode: 1,
		Message:    "Invalid environment command",
	}
}
