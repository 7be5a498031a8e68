package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/vfsbox/internal/hydrate"
	"github.com/jkaninda/vfsbox/internal/metadata"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

var testEnv = map[string]string{"PATH": "/usr/local/bin:/usr/bin:/bin", "GREETING": "hi"}

func skipIfNoBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("/bin/bash"); err != nil {
		t.Skip("/bin/bash not available")
	}
}

func TestProcessRunner_Execute(t *testing.T) {
	skipIfNoBash(t)
	r := NewProcessRunner(ProcessConfig{}, nil)
	dir := t.TempDir()

	tests := []struct {
		name       string
		script     string
		wantStdout string
		wantStderr string
		wantCode   int
	}{
		{"echo", "echo hello", "hello\n", "", 0},
		{"exit code", "echo out; echo err >&2; exit 3", "out\n", "err\n", 3},
		{"env only from request", `echo "$GREETING:${HOME:-unset}"`, "hi:unset\n", "", 0},
		{"working dir", "pwd", dir + "\n", "", 0},
		{"invalid utf8 replaced", `printf 'a\377b'`, "a\uFFFDb", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Execute(context.Background(), ExecutionRequest{Script: tt.script, Dir: dir, Env: testEnv})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Stdout != tt.wantStdout || res.Stderr != tt.wantStderr || res.ExitCode != tt.wantCode {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					res.Stdout, res.Stderr, res.ExitCode, tt.wantStdout, tt.wantStderr, tt.wantCode)
			}
		})
	}
}

func TestProcessRunner_EmptyScript(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{}, nil)
	if _, err := r.Execute(context.Background(), ExecutionRequest{Script: "  "}); err == nil {
		t.Error("expected error for empty script")
	}
	if _, err := r.Start(context.Background(), ExecutionRequest{}); err == nil {
		t.Error("expected error for empty script")
	}
}

func TestProcessRunner_OutputCapped(t *testing.T) {
	skipIfNoBash(t)
	r := NewProcessRunner(ProcessConfig{MaxOutputBytes: 10}, nil)
	res, err := r.Execute(context.Background(), ExecutionRequest{
		Script: "printf '%.0sx' $(seq 1 100)",
		Dir:    t.TempDir(),
		Env:    testEnv,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Stdout) != 10 || !res.Truncated {
		t.Errorf("stdout len = %d, truncated = %v", len(res.Stdout), res.Truncated)
	}
}

func TestProcessRunner_Timeout(t *testing.T) {
	skipIfNoBash(t)
	r := NewProcessRunner(ProcessConfig{DefaultTimeout: 200 * time.Millisecond}, nil)
	start := time.Now()
	_, err := r.Execute(context.Background(), ExecutionRequest{Script: "sleep 5 & sleep 5", Dir: t.TempDir(), Env: testEnv})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("process group was not killed promptly")
	}
}

func TestProcessRunner_Cancel(t *testing.T) {
	skipIfNoBash(t)
	r := NewProcessRunner(ProcessConfig{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.Execute(ctx, ExecutionRequest{Script: "sleep 5", Dir: t.TempDir(), Env: testEnv})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestProcessRunner_Start(t *testing.T) {
	skipIfNoBash(t)
	r := NewProcessRunner(ProcessConfig{}, nil)
	dir := t.TempDir()
	pid, err := r.Start(context.Background(), ExecutionRequest{Script: "echo done > bg.txt", Dir: dir, Env: testEnv})
	if err != nil {
		t.Fatal(err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(filepath.Join(dir, "bg.txt")); err == nil && string(data) == "done\n" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("background process did not write its file")
}

func TestBuildScript(t *testing.T) {
	got := buildScript("ls", ResourceLimits{MaxCPUSeconds: 5, MaxMemoryMB: 2})
	want := "ulimit -v 2048 2>/dev/null\nulimit -t 5 2>/dev/null\nls"
	if got != want {
		t.Errorf("buildScript = %q, want %q", got, want)
	}
	if got := buildScript("ls", ResourceLimits{}); got != "ls" {
		t.Errorf("buildScript without limits = %q", got)
	}
}

func TestLimitedWriter(t *testing.T) {
	var b strings.Builder
	lw := &limitedWriter{w: &b, remaining: 4}
	for _, chunk := range []string{"ab", "cdef", "gh"} {
		n, err := lw.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}
	if b.String() != "abcd" || !lw.truncated {
		t.Errorf("got %q truncated=%v", b.String(), lw.truncated)
	}
}

func newTestSession(t *testing.T) (*Session, *vfs.FileSystem) {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	meta := metadata.New(nil, nil)
	h, err := hydrate.NewHydrator(hydrate.Config{}, meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	fsys, err := h.HydrateFromDirectory(src)
	if err != nil {
		t.Fatal(err)
	}
	return NewSession(t.TempDir(), hydrate.NewDehydrator(meta, nil), nil), fsys
}

func TestSession_InitializeAndReuse(t *testing.T) {
	s, fsys := newTestSession(t)
	if info := s.Info(); info.Initialized || info.Exists {
		t.Fatalf("fresh session info = %+v", info)
	}

	dir, err := s.InitializeShared(fsys, "terminal")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(filepath.Base(dir), "vfsbox-sandbox-") {
		t.Errorf("dir = %s", dir)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "a.txt")); err != nil || string(data) != "hello\n" {
		t.Errorf("a.txt = %q, %v", data, err)
	}

	again, err := s.InitializeShared(fsys, "other")
	if err != nil || again != dir {
		t.Errorf("second InitializeShared = %s, %v; want reuse of %s", again, err, dir)
	}
	info := s.Info()
	if !info.Initialized || !info.Exists || info.ActiveOwner != "terminal" || info.SandboxDir != dir || info.ID == "" {
		t.Errorf("info = %+v", info)
	}
}

func TestSession_Reset(t *testing.T) {
	s, fsys := newTestSession(t)
	if err := s.Reset(fsys); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Reset before init = %v", err)
	}
	dir, err := s.InitializeShared(fsys, "terminal")
	if err != nil {
		t.Fatal(err)
	}
	stray := filepath.Join(dir, "locked", "stray.txt")
	if err := os.MkdirAll(filepath.Dir(stray), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stray, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Dir(stray), 0o555); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(fsys); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(stray)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stray dir survived reset: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "a.txt")); string(data) != "hello\n" {
		t.Errorf("a.txt after reset = %q", data)
	}
}

func TestSession_EndIsIdempotent(t *testing.T) {
	s, fsys := newTestSession(t)
	dir, err := s.InitializeShared(fsys, "terminal")
	if err != nil {
		t.Fatal(err)
	}

	var seen string
	res, err := s.End(context.Background(), func(_ context.Context, d string) error {
		seen = d
		return nil
	})
	if err != nil || !res.Success || !res.Reconciled || res.AlreadyEnded {
		t.Fatalf("End = %+v, %v", res, err)
	}
	if seen != dir {
		t.Errorf("reconcile got %s, want %s", seen, dir)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Error("sandbox dir not removed")
	}

	res, err = s.End(context.Background(), func(context.Context, string) error {
		t.Error("reconcile called on ended session")
		return nil
	})
	if err != nil || !res.AlreadyEnded {
		t.Errorf("second End = %+v, %v", res, err)
	}
}

func TestSession_EndReportsReconcileFailure(t *testing.T) {
	s, fsys := newTestSession(t)
	dir, err := s.InitializeShared(fsys, "terminal")
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	res, err := s.End(context.Background(), func(context.Context, string) error { return boom })
	if !errors.Is(err, boom) || res.Success {
		t.Errorf("End = %+v, %v", res, err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Error("sandbox dir not removed after failed reconcile")
	}
}

func TestSession_InitializeRequiresRoot(t *testing.T) {
	s := NewSession(t.TempDir(), hydrate.NewDehydrator(metadata.New(nil, nil), nil), nil)
	if _, err := s.InitializeShared(&vfs.FileSystem{}, "x"); !errors.Is(err, hydrate.ErrNoWorkspaceRoot) {
		t.Errorf("err = %v", err)
	}
}
