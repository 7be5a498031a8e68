// Package executor runs shell commands against a logical filesystem.
//
// Each command is executed inside a physical sandbox directory that mirrors the
// filesystem. A successful command has its effects reconciled back into the
// filesystem; a failed one leaves the filesystem exactly as it was before.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/vfsbox/internal/atime"
	"github.com/jkaninda/vfsbox/internal/cmdtext"
	"github.com/jkaninda/vfsbox/internal/history"
	"github.com/jkaninda/vfsbox/internal/hydrate"
	"github.com/jkaninda/vfsbox/internal/metadata"
	"github.com/jkaninda/vfsbox/internal/observability"
	"github.com/jkaninda/vfsbox/internal/pathmap"
	"github.com/jkaninda/vfsbox/internal/reconcile"
	"github.com/jkaninda/vfsbox/internal/sandbox"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

// DefaultOwner identifies the engine as the owner of its sandbox session.
const DefaultOwner = "terminal"

// Operation name reported to the anomaly detector.
const opCommand = "command"

// Config configures an Engine.
type Config struct {
	// SandboxBaseDir holds the sandbox directory. Empty = OS temp dir.
	SandboxBaseDir string
	// Owner is recorded on the sandbox session.
	Owner          string
	AccessTimeMode atime.Mode
	Hydrate        hydrate.Config
	// Process configures the default runner. Ignored when WithRunner is used.
	Process sandbox.ProcessConfig
}

// CommandResult is the outcome of RunCommand. ReturnCode is nil for background
// launches and PID is nil for everything else.
type CommandResult struct {
	Message    string `json:"message"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode *int   `json:"returncode"`
	PID        *int   `json:"pid"`
	Success    bool   `json:"success"`
}

// Engine owns one logical filesystem and the sandbox session it is executed in.
// Commands are serialized: RunCommand holds a mutex for its whole duration.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	fs  *vfs.FileSystem

	meta       *metadata.Manager
	hydrator   *hydrate.Hydrator
	dehydrator *hydrate.Dehydrator
	reconciler *reconcile.Reconciler
	session    *sandbox.Session
	runner     sandbox.Runner
	policy     atime.Policy

	history *history.Recorder
	metrics *observability.MetricsCollector
	anomaly *observability.AnomalyDetector
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time

	state atomic.Int32
	view  atomic.Pointer[vfs.FileSystem]
}

// New creates an engine over fs. The engine takes ownership of fs: callers
// read it back through FileSystem.
func New(cfg Config, fs *vfs.FileSystem, opts ...Option) (*Engine, error) {
	if fs == nil {
		return nil, errors.New("executor: nil filesystem")
	}
	e := &Engine{
		cfg:    cfg,
		fs:     fs,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
		tracer: noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Owner == "" {
		e.cfg.Owner = DefaultOwner
	}

	e.meta = metadata.New(e.logger, e.now)
	h, err := hydrate.NewHydrator(cfg.Hydrate, e.meta, e.logger)
	if err != nil {
		return nil, fmt.Errorf("creating hydrator: %w", err)
	}
	e.hydrator = h
	e.dehydrator = hydrate.NewDehydrator(e.meta, e.logger)
	e.reconciler = reconcile.New(h, e.meta, e.logger)
	e.session = sandbox.NewSession(cfg.SandboxBaseDir, e.dehydrator, e.logger)
	e.policy = atime.NewPolicy(cfg.AccessTimeMode)
	if e.runner == nil {
		e.runner = sandbox.NewProcessRunner(cfg.Process, e.logger)
	}

	e.publish()
	e.logger.Debug("engine created",
		slog.String("workspace_root", fs.WorkspaceRoot),
		slog.Int("entries", len(fs.Entries)),
		slog.String("access_time_mode", string(e.policy.Mode())),
	)
	return e, nil
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// FileSystem returns a copy of the filesystem as of the last finished command.
// It does not wait for a running command.
func (e *Engine) FileSystem() *vfs.FileSystem {
	return e.view.Load().Clone()
}

// SessionInfo describes the sandbox session.
func (e *Engine) SessionInfo() sandbox.Info {
	return e.session.Info()
}

// Hydrator returns the hydrator configured for this engine.
func (e *Engine) Hydrator() *hydrate.Hydrator {
	return e.hydrator
}

func (e *Engine) publish() {
	e.view.Store(e.fs.Clone())
}

// outcome is what RunCommand reports to history and metrics.
type outcome struct {
	kind       string
	summary    reconcile.Summary
	rolledBack bool
}

const (
	kindShell      = "shell"
	kindBackground = "background"
	kindEnv        = "env"
	kindCd         = "cd"
)

// RunCommand executes command in the sandbox. Environment commands (export,
// unset, env) and plain `cd DIR` are handled without spawning a process.
//
// A non-zero exit, a launch failure or a failed strict metadata update returns
// a *CommandExecutionError after the filesystem has been rolled back.
func (e *Engine) RunCommand(ctx context.Context, command string, background bool) (*CommandResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	cwd := e.fs.Cwd
	ctx, span := e.tracer.Start(ctx, "engine.run_command",
		trace.WithAttributes(observability.CommandAttributes(command, e.fs.WorkspaceRoot, cwd, background)...))
	defer span.End()

	res, out, err := e.run(ctx, command, background)
	span.SetAttributes(observability.OutcomeAttributes(out.kind,
		out.summary.Added, out.summary.Modified, out.summary.Deleted, out.rolledBack)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if !out.rolledBack {
		e.setState(StateIdle)
	}
	e.publish()
	e.observe(ctx, command, cwd, background, start, res, out, err)
	return res, err
}

func (e *Engine) run(ctx context.Context, command string, background bool) (*CommandResult, outcome, error) {
	out := outcome{kind: kindShell}
	if background {
		out.kind = kindBackground
	}

	stripped := strings.TrimSpace(command)
	if stripped == "" {
		return nil, out, ErrEmptyCommand
	}
	if e.fs.WorkspaceRoot == "" {
		return nil, out, ErrNoWorkspaceRoot
	}
	root := vfs.Normalize(e.fs.WorkspaceRoot)
	cwd := vfs.Normalize(e.fs.Cwd)
	if e.fs.Cwd == "" || !vfs.IsUnder(cwd, root) {
		e.logger.Warn("working directory outside workspace, using root",
			slog.String("cwd", e.fs.Cwd),
			slog.String("root", root),
		)
		cwd = root
	}

	sandboxDir, err := e.session.InitializeShared(e.fs, e.cfg.Owner)
	if err != nil {
		return nil, out, &CommandExecutionError{
			Message:    "Failed to set up the execution environment: " + err.Error(),
			ReturnCode: 1,
			Err:        err,
		}
	}
	e.setState(StateSandboxReady)

	if cmdtext.IsEnvCommand(stripped) {
		out.kind = kindEnv
		r := cmdtext.HandleEnvCommand(stripped, e.fs.Env(), cwd)
		rc := r.ReturnCode
		return &CommandResult{
			Message:    r.Message,
			Stdout:     r.Stdout,
			Stderr:     r.Stderr,
			ReturnCode: &rc,
			Success:    rc == 0,
		}, out, nil
	}

	if target, ok := simpleCd(stripped); ok && !background {
		out.kind = kindCd
		res, err := e.changeDir(stripped, target, cwd, root)
		return res, out, err
	}

	return e.execute(ctx, command, stripped, background, sandboxDir, root, cwd, out)
}

// changeDir handles a plain cd without a process.
func (e *Engine) changeDir(command, target, cwd, root string) (*CommandResult, error) {
	next, ok := pathmap.ResolveForCd(cwd, target, root, e.fs.Entries)
	if !ok {
		stderr := fmt.Sprintf("cd: %s: No such file or directory\n", target)
		return nil, &CommandExecutionError{
			Message:    fmt.Sprintf("Failed to change directory: %s\nError: %s", command, stderr),
			Stderr:     stderr,
			ReturnCode: 1,
		}
	}
	if next != e.fs.Cwd {
		e.logger.Info("working directory changed", slog.String("cwd", next))
	}
	e.fs.Cwd = next
	rc := 0
	return &CommandResult{
		Message:    fmt.Sprintf("Command completed with exit code 0. Current directory: %s", next),
		ReturnCode: &rc,
		Success:    true,
	}, nil
}

func (e *Engine) execute(ctx context.Context, command, stripped string, background bool, sandboxDir, root, cwd string, out outcome) (*CommandResult, outcome, error) {
	snapshot := e.fs.Clone()

	if n := e.dehydrator.SyncMissing(e.fs, sandboxDir); n > 0 {
		e.logger.Debug("synced missing entries into sandbox", slog.Int("entries", n))
	}
	pre := e.reconciler.CollectState(e.fs, sandboxDir)

	physCwd := e.physicalCwd(cwd, root, sandboxDir)

	script := stripped
	if !cmdtext.IsCompound(stripped) {
		target := cmdtext.ExtractRedirectionTarget(stripped)
		file, absolute := resolveRedirect(target, physCwd, root, sandboxDir)
		if err := prepareRedirect(file); err != nil {
			return nil, out, &CommandExecutionError{
				Message:    "Failed to create parent directory for output redirection: " + err.Error(),
				ReturnCode: 1,
				Err:        err,
			}
		}
		if absolute {
			script = replaceRedirectTarget(script, target, shellQuote(file))
		}
	}

	script = mapCdTarget(script, root, sandboxDir)
	script = cmdtext.FixTarSelfArchiving(script, physCwd)
	if !background && !cmdtext.HasHeredoc(script) {
		script = cmdtext.WrapWithMarker(script)
	}
	req := sandbox.ExecutionRequest{
		Script: script,
		Dir:    physCwd,
		Env:    cmdtext.PrepareEnvironment(*e.fs.Env(), cwd),
	}

	e.logger.Info("executing command",
		slog.String("command", command),
		slog.String("cwd", cwd),
		slog.Bool("background", background),
	)
	e.setState(StateExecuting)

	res := &CommandResult{}
	if background {
		pid, err := e.runner.Start(ctx, req)
		if err != nil {
			e.rollback(snapshot)
			out.rolledBack = true
			return nil, out, &CommandExecutionError{
				Message:    fmt.Sprintf("Launch failed for background process '%s': %v", command, err),
				ReturnCode: 1,
				Err:        err,
			}
		}
		res.PID = &pid
		res.Message = fmt.Sprintf("Command '%s' launched successfully in background (PID: %d).", command, pid)
	} else {
		r, err := e.runner.Execute(ctx, req)
		if err != nil {
			e.rollback(snapshot)
			out.rolledBack = true
			return nil, out, &CommandExecutionError{
				Message:    fmt.Sprintf("Execution failed for foreground process '%s': %v", command, err),
				ReturnCode: 1,
				Err:        err,
			}
		}

		stdout, markerDir, found := cmdtext.StripMarker(r.Stdout)
		if stripped == "pwd" {
			stdout = logicalPwd(stdout, sandboxDir, root)
		}
		if found {
			if logical, ok := logicalDir(markerDir, sandboxDir, root); ok {
				if logical != e.fs.Cwd {
					e.logger.Info("working directory changed", slog.String("cwd", logical))
				}
				e.fs.Cwd = logical
			} else {
				e.logger.Warn("could not map working directory back to workspace",
					slog.String("dir", markerDir))
			}
		}

		rc := r.ExitCode
		res.Stdout, res.Stderr, res.ReturnCode = stdout, r.Stderr, &rc
		if rc != 0 {
			e.logger.Debug("command exited non-zero",
				slog.String("command", command),
				slog.Int("exit_code", rc),
				slog.Bool("expected_condition", cmdtext.ShouldTreatNonzeroAsSuccess(stripped, rc)),
			)
			e.rollback(snapshot)
			out.rolledBack = true
			msg := fmt.Sprintf("Command failed with exit code %d.\n--- STDOUT ---\n%s\n--- STDERR ---\n%s", rc, stdout, r.Stderr)
			if stripped == "cd" || strings.HasPrefix(stripped, "cd ") {
				msg = fmt.Sprintf("Failed to change directory: %s\nError: %s", stripped, r.Stderr)
			}
			return nil, out, &CommandExecutionError{
				Message:    msg,
				Stdout:     stdout,
				Stderr:     r.Stderr,
				ReturnCode: rc,
			}
		}
		res.Message = fmt.Sprintf("Command completed with exit code %d.", rc)
	}

	e.setState(StateReconciling)
	var accessed []string
	if e.policy.ShouldUpdateAccessTime(stripped) {
		accessed = e.policy.ExtractAccessedPaths(stripped, root, cwd)
	}
	recStart := time.Now()
	sum, err := e.reconciler.Reconcile(ctx, reconcile.Input{
		FS:           e.fs,
		PhysicalRoot: sandboxDir,
		Snapshot:     snapshot,
		PreState:     pre,
		Command:      stripped,
		Accessed:     accessed,
	})
	if err != nil {
		e.rollback(snapshot)
		out.rolledBack = true
		if metadata.IsError(err) {
			return nil, out, &CommandExecutionError{
				Message:    "Command failed: " + err.Error(),
				Stdout:     res.Stdout,
				Stderr:     res.Stderr,
				ReturnCode: 1,
				Err:        err,
			}
		}
		e.logger.Error("reconcile failed, workspace restored",
			slog.String("command", command),
			slog.String("error", err.Error()),
		)
		return nil, out, &CommandExecutionError{
			Message:    "Operation failed unexpectedly: " + err.Error(),
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			ReturnCode: 1,
			Err:        err,
		}
	}
	if len(accessed) > 0 {
		e.reconciler.RefreshAccessTimes(e.fs, sandboxDir, accessed)
	}
	if sum.GitRestored {
		e.dehydrator.SyncMissing(e.fs, sandboxDir)
	}
	out.summary = sum
	e.metrics.ObserveReconcile(time.Since(recStart), sum.Added, sum.Modified, sum.Deleted, len(e.fs.Entries))

	res.Message += " Workspace state updated."
	res.Success = res.PID != nil || (res.ReturnCode != nil && *res.ReturnCode == 0)
	return res, out, nil
}

// rollback restores snapshot and resets the sandbox to match it.
func (e *Engine) rollback(snapshot *vfs.FileSystem) {
	e.fs.Restore(snapshot)
	if err := e.session.Reset(e.fs); err != nil {
		e.logger.Warn("resetting sandbox after rollback failed", slog.String("error", err.Error()))
	}
	e.setState(StateRolledBack)
	e.logger.Info("workspace restored to pre-command state",
		slog.Int("entries", len(e.fs.Entries)),
		slog.String("cwd", e.fs.Cwd),
	)
}

// physicalCwd maps the logical cwd into the sandbox, creating it when missing.
func (e *Engine) physicalCwd(cwd, root, sandboxDir string) string {
	dir, ok := pathmap.LogicalToPhysical(cwd, root, sandboxDir)
	if !ok {
		return sandboxDir
	}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	e.logger.Warn("sandbox working directory missing, creating it", slog.String("dir", dir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Error("creating sandbox working directory failed",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		return sandboxDir
	}
	return dir
}

// observe records the command in history, metrics and the anomaly detector.
func (e *Engine) observe(ctx context.Context, command, cwd string, background bool, start time.Time, res *CommandResult, out outcome, err error) {
	duration := e.now().Sub(start)

	status := "success"
	switch {
	case out.rolledBack:
		status = "rolled_back"
	case err != nil:
		status = "error"
	}
	e.metrics.ObserveCommand(out.kind, status, duration)
	if err == nil {
		e.anomaly.RecordSuccess(opCommand)
	} else {
		e.anomaly.RecordError(opCommand)
	}

	if e.history == nil {
		return
	}
	rec := history.Record{
		SessionID:  e.session.Info().ID,
		Command:    command,
		Cwd:        cwd,
		Background: background,
		Duration:   duration,
		Added:      out.summary.Added,
		Modified:   out.summary.Modified,
		Deleted:    out.summary.Deleted,
		RolledBack: out.rolledBack,
	}
	if res != nil {
		rec.Message, rec.Stdout, rec.Stderr, rec.Success = res.Message, res.Stdout, res.Stderr, res.Success
		if res.ReturnCode != nil {
			rec.ReturnCode = *res.ReturnCode
		}
		if res.PID != nil {
			rec.PID = *res.PID
		}
	}
	var cmdErr *CommandExecutionError
	if errors.As(err, &cmdErr) {
		rec.Message, rec.Stdout, rec.Stderr, rec.ReturnCode = cmdErr.Message, cmdErr.Stdout, cmdErr.Stderr, cmdErr.ReturnCode
	} else if err != nil {
		rec.Message, rec.ReturnCode = err.Error(), 1
	}
	e.history.Append(ctx, rec)
}

// Close runs a final reconcile of the sandbox into the filesystem and removes
// the sandbox directory. Closing twice is a no-op.
func (e *Engine) Close(ctx context.Context) (sandbox.EndResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publish()

	res, err := e.session.End(ctx, func(ctx context.Context, dir string) error {
		if e.fs.WorkspaceRoot == "" {
			return ErrNoWorkspaceRoot
		}
		snapshot := e.fs.Clone()
		pre := make(map[string]vfs.Metadata, len(snapshot.Entries))
		for p, entry := range snapshot.Entries {
			pre[p] = entry.Metadata
		}
		_, err := e.reconciler.Reconcile(ctx, reconcile.Input{
			FS:           e.fs,
			PhysicalRoot: dir,
			Snapshot:     snapshot,
			PreState:     pre,
		})
		if err != nil {
			e.fs.Restore(snapshot)
		}
		return err
	})
	e.setState(StateIdle)
	return res, err
}

// simpleCd returns the target of a `cd` that needs no shell: a single plain
// operand without expansion, options or chaining.
func simpleCd(command string) (string, bool) {
	if command != "cd" && !strings.HasPrefix(command, "cd ") {
		return "", false
	}
	if cmdtext.IsCompound(command) || strings.ContainsAny(command, "|<>$`*?~") {
		return "", false
	}
	tokens, err := cmdtext.Split(command)
	if err != nil || len(tokens) > 2 {
		return "", false
	}
	if len(tokens) == 1 {
		return "", true
	}
	if strings.HasPrefix(tokens[1], "-") {
		return "", false
	}
	return tokens[1], true
}

// mapCdTarget rewrites `cd /x` so that the workspace-absolute path points into
// the sandbox.
func mapCdTarget(command, root, sandboxDir string) string {
	if !strings.HasPrefix(command, "cd /") || cmdtext.IsCompound(command) {
		return command
	}
	target := strings.TrimSpace(strings.TrimPrefix(command, "cd"))
	if strings.HasPrefix(target, "//") || strings.ContainsAny(target, " \t") {
		return command
	}
	logical := vfs.Normalize(target)
	if !vfs.IsUnder(logical, root) {
		logical = vfs.Normalize(path.Join(root, strings.TrimLeft(target, "/")))
	}
	phys, ok := pathmap.LogicalToPhysical(logical, root, sandboxDir)
	if !ok {
		return command
	}
	return "cd " + shellQuote(phys)
}

// resolveRedirect returns the sandbox file a redirection target writes to.
// absolute reports a workspace-absolute target, which the shell would
// otherwise resolve against the host. Other absolute targets resolve to "".
func resolveRedirect(target, physCwd, root, sandboxDir string) (file string, absolute bool) {
	if target == "" || strings.HasPrefix(target, "//") {
		return "", false
	}
	if !strings.HasPrefix(target, "/") {
		return filepath.Join(physCwd, filepath.FromSlash(target)), false
	}
	logical := vfs.Normalize(target)
	if !vfs.IsUnder(logical, root) {
		return "", false
	}
	phys, ok := pathmap.LogicalToPhysical(logical, root, sandboxDir)
	if !ok {
		return "", false
	}
	return phys, true
}

// prepareRedirect creates the parent directory of a resolved redirection file.
func prepareRedirect(file string) error {
	if file == "" {
		return nil
	}
	parent := filepath.Dir(file)
	if _, err := os.Stat(parent); err == nil {
		return nil
	}
	return os.MkdirAll(parent, 0o755)
}

// replaceRedirectTarget swaps the last occurrence of target, along with any
// quotes around it, for repl.
func replaceRedirectTarget(command, target, repl string) string {
	start := strings.LastIndex(command, target)
	if start < 0 {
		return command
	}
	end := start + len(target)
	if start > 0 && end < len(command) {
		if q := command[start-1]; (q == '"' || q == '\'') && command[end] == q {
			start--
			end++
		}
	}
	return command[:start] + repl + command[end:]
}

// logicalDir maps a directory reported by the shell back to a logical path.
func logicalDir(dir, sandboxDir, root string) (string, bool) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return pathmap.MapPhysicalToLogical(realPath(dir), realPath(sandboxDir), root)
}

// logicalPwd replaces the sandbox path printed by `pwd` with the logical one.
func logicalPwd(stdout, sandboxDir, root string) string {
	printed := strings.TrimSpace(stdout)
	if printed == "" {
		return stdout
	}
	logical, ok := pathmap.MapPhysicalToLogical(realPath(printed), realPath(sandboxDir), root)
	if !ok {
		return stdout
	}
	if strings.HasSuffix(stdout, "\n") {
		return logical + "\n"
	}
	return logical
}

func realPath(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return p
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
