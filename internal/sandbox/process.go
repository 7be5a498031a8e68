package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

const (
	// defaultMaxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	defaultMaxOutputBytes = 1 << 20 // 1 MB

	defaultShell = "/bin/bash"

	outputWaitDelay = 2 * time.Second
)

// ProcessConfig configures the process runner.
type ProcessConfig struct {
	// Shell runs every script with `-c`. Empty = /bin/bash.
	Shell string
	// DefaultTimeout bounds foreground commands. Zero = no timeout.
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
	MaxOutputBytes int
}

// ProcessRunner runs scripts as OS processes in their own process group.
//
// The whole group is killed when the context is cancelled, the environment is
// exactly the one in the request, and captured output is capped.
type ProcessRunner struct {
	shell          string
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	maxOutput      int
	logger         *slog.Logger
}

// NewProcessRunner creates a process runner.
func NewProcessRunner(cfg ProcessConfig, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	shell := cfg.Shell
	if shell == "" {
		shell = defaultShell
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	return &ProcessRunner{
		shell:          shell,
		defaultTimeout: cfg.DefaultTimeout,
		defaultLimits:  cfg.DefaultLimits,
		maxOutput:      maxOutput,
		logger:         logger,
	}
}

// Execute runs a script and waits for it. A non-zero exit is a result, not an
// error. Output that is not valid UTF-8 has the offending bytes replaced.
func (r *ProcessRunner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if strings.TrimSpace(req.Script) == "" {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	limits := r.resolveLimits(req.Limits)
	cmd := exec.CommandContext(ctx, r.shell, "-c", buildScript(req.Script, limits))
	cmd.Dir = req.Dir
	cmd.Env = buildEnv(req.Env)

	// Process group isolation: the shell and its children share a new group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: r.maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, remaining: r.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// A child left running in the background keeps the pipes open; stop
	// waiting for its output shortly after the shell itself exits.
	cmd.WaitDelay = outputWaitDelay

	r.logger.Info("sandbox executing",
		slog.String("shell", r.shell),
		slog.String("dir", cmd.Dir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				r.logger.Warn("sandbox execution timed out",
					slog.Duration("timeout", timeout),
					slog.Duration("duration", duration),
				)
				return nil, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
			}
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}

		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(runErr, exec.ErrWaitDelay):
			exitCode = cmd.ProcessState.ExitCode()
		default:
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	r.logger.Info("sandbox execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &ExecutionResult{
		Stdout:    strings.ToValidUTF8(stdoutBuf.String(), "\uFFFD"),
		Stderr:    strings.ToValidUTF8(stderrBuf.String(), "\uFFFD"),
		ExitCode:  exitCode,
		Duration:  duration,
		Truncated: stdout.truncated || stderr.truncated,
	}, nil
}

// Start launches a script detached from the caller. Output is discarded and the
// process is reaped in the background; its exit status is not tracked.
func (r *ProcessRunner) Start(ctx context.Context, req ExecutionRequest) (int, error) {
	if strings.TrimSpace(req.Script) == "" {
		return 0, fmt.Errorf("empty command")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	limits := r.resolveLimits(req.Limits)
	// Not bound to ctx: the process outlives the call that started it.
	cmd := exec.Command(r.shell, "-c", buildScript(req.Script, limits))
	cmd.Dir = req.Dir
	cmd.Env = buildEnv(req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting background process: %w", err)
	}
	pid := cmd.Process.Pid
	r.logger.Info("sandbox background process started",
		slog.Int("pid", pid),
		slog.String("dir", cmd.Dir),
	)

	go func() {
		err := cmd.Wait()
		attrs := []any{slog.Int("pid", pid)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		r.logger.Debug("sandbox background process exited", attrs...)
	}()
	return pid, nil
}

// resolveLimits merges request-level overrides with runner defaults.
func (r *ProcessRunner) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := r.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// buildScript prefixes the script with ulimit calls for the enabled limits.
// ulimit failures are ignored so that an unsupported limit does not fail the command.
func buildScript(script string, limits ResourceLimits) string {
	var b strings.Builder
	if limits.MaxMemoryMB > 0 {
		fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null\n", limits.MaxMemoryMB*1024)
	}
	if limits.MaxCPUSeconds > 0 {
		fmt.Fprintf(&b, "ulimit -t %d 2>/dev/null\n", limits.MaxCPUSeconds)
	}
	b.WriteString(script)
	return b.String()
}

// buildEnv renders env as a sorted KEY=VALUE list.
func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		lw.truncated = lw.truncated || n > 0
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
