package cmdtext

import (
	"slices"
	"strings"
)

// allowedNonzeroExitCodes lists exit codes that tools use to report a condition
// rather than a failure (no match, files differ, not running...). The executor
// still treats every non-zero foreground exit as a failure and only logs the
// classification.
var allowedNonzeroExitCodes = map[string][]int{
	// Searchers
	"grep": {1}, "egrep": {1}, "fgrep": {1}, "rg": {1}, "ag": {1}, "ack": {1}, "git grep": {1},

	// Comparison
	"diff": {1}, "sdiff": {1}, "cmp": {1}, "diff3": {1},

	// Conditions
	"test": {1}, "[": {1}, "false": {1}, "expr": {1},

	// Process queries
	"pgrep": {1}, "pkill": {1}, "pidof": {1},

	"git diff": {1},
	"timeout":  {124},
	"which":    {1},

	"mountpoint": {1, 32},

	// Checksum verification
	"md5sum": {1}, "sha1sum": {1}, "sha256sum": {1},

	"terraform": {2},
	"rsync":     {24},
	"systemctl": {1, 3, 4},

	// Networking
	"ping": {1}, "fuser": {1}, "lsof": {1},

	"crontab":  {1},
	"iptables": {1}, "ip6tables": {1},

	// Lookups
	"locate": {1}, "getent": {1}, "host": {1}, "nslookup": {1},
	"ssh-keygen -F": {1}, "jq -e": {1}, "nc -z": {1},

	"umount":               {32},
	"service":              {1, 3, 4},
	"supervisorctl status": {1},

	// Package presence
	"rpm -q": {1}, "dpkg -s": {1}, "dpkg-query -W": {1}, "apk info": {1}, "apk info -e": {1},
	"pacman -Qi": {1}, "pip show": {1}, "pip3 show": {1}, "helm status": {1},

	// Git queries
	"git check-ignore": {1}, "git ls-files": {1}, "git cat-file": {1},
}

// flagForms maps a program to the flag that selects its probing form.
var flagForms = map[string]string{
	"ssh-keygen": "-F",
	"jq":         "-e",
	"nc":         "-z",
	"rpm":        "-q",
	"dpkg":       "-s",
	"dpkg-query": "-W",
	"pacman":     "-Qi",
}

// lastSimpleCommand returns the command that determines the exit status of a
// compound statement: the text after the last ';', '&&' or '||', then the last
// pipeline segment.
func lastSimpleCommand(command string) string {
	seg := strings.TrimSpace(command)
	if i := strings.LastIndex(seg, ";"); i >= 0 {
		seg = strings.TrimSpace(seg[i+1:])
	}
	for _, sep := range []string{"&&", "||"} {
		if i := strings.LastIndex(seg, sep); i >= 0 {
			seg = strings.TrimSpace(seg[i+len(sep):])
		}
	}
	if i := strings.LastIndex(seg, "|"); i >= 0 {
		seg = seg[i+1:]
	}
	return strings.TrimSpace(seg)
}

// IdentifyPrimaryCommand returns the canonical name used for exit-code lookup,
// such as "grep", "git diff" or "apk info -e". Unparsable input yields "".
func IdentifyPrimaryCommand(command string) string {
	tokens, err := Split(lastSimpleCommand(command))
	if err != nil || len(tokens) == 0 {
		return ""
	}
	prog, args := tokens[0], tokens[1:]

	if flag, ok := flagForms[prog]; ok && slices.Contains(args, flag) {
		return prog + " " + flag
	}
	switch prog {
	case "git":
		if len(args) > 0 {
			return "git " + args[0]
		}
	case "apk":
		if len(args) > 0 && args[0] == "info" {
			if slices.Contains(args[1:], "-e") {
				return "apk info -e"
			}
			return "apk info"
		}
	case "pip", "pip3":
		if len(args) > 0 && args[0] == "show" {
			return prog + " show"
		}
	case "helm", "supervisorctl":
		if len(args) > 0 && args[0] == "status" {
			return prog + " status"
		}
	}
	return prog
}

// AllowedNonzeroExitCodes returns the non-zero codes that signal a condition for
// the given primary command.
func AllowedNonzeroExitCodes(primary string) []int {
	return allowedNonzeroExitCodes[primary]
}

// ShouldTreatNonzeroAsSuccess reports whether returnCode is a success or an
// expected condition for command.
func ShouldTreatNonzeroAsSuccess(command string, returnCode int) bool {
	if returnCode == 0 {
		return true
	}
	return slices.Contains(AllowedNonzeroExitCodes(IdentifyPrimaryCommand(command)), returnCode)
}
