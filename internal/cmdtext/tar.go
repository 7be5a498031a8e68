package cmdtext

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	tarSelfArchive = regexp.MustCompile(`(tar\s+[a-zA-Z0-9\-]*[czf])\s+([^\s]+)\s+\.`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

// FixTarSelfArchiving rewrites `tar -czf out.tar.gz .` style invocations whose
// archive would land inside the directory being archived. The archive is built in
// the parent of cwd and moved into place afterwards, so tar never reads the file
// it is writing. Only the matched tar invocation is replaced.
func FixTarSelfArchiving(command, cwd string) string {
	loc := tarSelfArchive.FindStringSubmatchIndex(command)
	if loc == nil {
		return command
	}
	// The operand must be "." itself, not "./dir" or ".hidden".
	if rest := command[loc[1]:]; rest != "" && !strings.ContainsRune(" \t\n;&|)", rune(rest[0])) {
		return command
	}
	flags := whitespaceRun.ReplaceAllString(command[loc[2]:loc[3]], " ")
	output := command[loc[4]:loc[5]]

	inCwd := strings.HasPrefix(output, "./") ||
		(!strings.HasPrefix(output, "/") && !strings.Contains(output, "/"))
	if !inCwd {
		return command
	}

	temp := path.Join(path.Dir(cwd), path.Base(output))
	rewritten := fmt.Sprintf("%s %s . && mv %s %s", flags, temp, temp, output)
	return command[:loc[0]] + rewritten + command[loc[1]:]
}
