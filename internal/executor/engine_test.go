package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/vfsbox/internal/atime"
	"github.com/jkaninda/vfsbox/internal/history"
	"github.com/jkaninda/vfsbox/internal/hydrate"
	"github.com/jkaninda/vfsbox/internal/metadata"
	"github.com/jkaninda/vfsbox/internal/observability"
	"github.com/jkaninda/vfsbox/internal/sandbox"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

var (
	hydratedAt = time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedClock = time.Date(2030, 6, 1, 8, 30, 0, 0, time.UTC)
)

func skipIfNoBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("/bin/bash"); err != nil {
		t.Skip("/bin/bash not available")
	}
}

// hydrateFiles writes files into a fresh directory with old timestamps and
// hydrates it.
func hydrateFiles(t *testing.T, files map[string]string) *vfs.FileSystem {
	t.Helper()
	src := t.TempDir()
	for name, content := range files {
		p := filepath.Join(src, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, hydratedAt, hydratedAt); err != nil {
			t.Fatal(err)
		}
	}
	h, err := hydrate.NewHydrator(hydrate.Config{}, metadata.New(nil, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	fsys, err := h.HydrateFromDirectory(src)
	if err != nil {
		t.Fatal(err)
	}
	return fsys
}

func newEngine(t *testing.T, files map[string]string, cfg Config, opts ...Option) *Engine {
	t.Helper()
	cfg.SandboxBaseDir = t.TempDir()
	e, err := New(cfg, hydrateFiles(t, files), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _, _ = e.Close(context.Background()) })
	return e
}

func run(t *testing.T, e *Engine, command string) *CommandResult {
	t.Helper()
	res, err := e.RunCommand(context.Background(), command, false)
	if err != nil {
		t.Fatalf("RunCommand(%q): %v", command, err)
	}
	return res
}

type fakeRunner struct {
	exec    func(req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error)
	pid     int
	scripts []string
}

func (f *fakeRunner) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	f.scripts = append(f.scripts, req.Script)
	return f.exec(req)
}

func (f *fakeRunner) Start(ctx context.Context, req sandbox.ExecutionRequest) (int, error) {
	f.scripts = append(f.scripts, req.Script)
	return f.pid, nil
}

func TestNewRequiresFileSystem(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for nil filesystem")
	}
}

func TestRunCommandValidation(t *testing.T) {
	e, err := New(Config{SandboxBaseDir: t.TempDir()}, vfs.New(""))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.RunCommand(context.Background(), "   ", false); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("blank command: err = %v, want ErrEmptyCommand", err)
	}
	if _, err := e.RunCommand(context.Background(), "ls", false); !errors.Is(err, ErrNoWorkspaceRoot) {
		t.Errorf("no root: err = %v, want ErrNoWorkspaceRoot", err)
	}
	if e.State() != StateIdle {
		t.Errorf("state = %v, want idle", e.State())
	}
}

func TestRunCommandCat(t *testing.T) {
	skipIfNoBash(t)
	e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{})
	before := e.FileSystem()

	res := run(t, e, "cat a.txt")
	if res.Stdout != "hello\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "hello\n")
	}
	if res.ReturnCode == nil || *res.ReturnCode != 0 || !res.Success {
		t.Errorf("result = %+v, want success with returncode 0", res)
	}
	if res.PID != nil {
		t.Errorf("pid = %d, want nil", *res.PID)
	}
	if res.Message != "Command completed with exit code 0. Workspace state updated." {
		t.Errorf("message = %q", res.Message)
	}

	after := e.FileSystem()
	p := before.WorkspaceRoot + "/a.txt"
	want, got := before.Entries[p], after.Entries[p]
	if !reflect.DeepEqual(want.ContentLines, got.ContentLines) {
		t.Errorf("content changed: %q -> %q", want.ContentLines, got.ContentLines)
	}
	if want.Metadata.Timestamps.ChangeTime != got.Metadata.Timestamps.ChangeTime {
		t.Errorf("change_time moved: %s -> %s", want.Metadata.Timestamps.ChangeTime, got.Metadata.Timestamps.ChangeTime)
	}
	if len(after.Entries) != len(before.Entries) {
		t.Errorf("entries = %d, want %d", len(after.Entries), len(before.Entries))
	}
	if e.State() != StateIdle {
		t.Errorf("state = %v, want idle", e.State())
	}
}

func TestRunCommandCreatesNestedEntries(t *testing.T) {
	skipIfNoBash(t)
	e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{})

	run(t, e, "mkdir -p x/y && echo hi > x/y/z.txt")

	fsys := e.FileSystem()
	root := fsys.WorkspaceRoot
	for _, dir := range []string{root + "/x", root + "/x/y"} {
		if !fsys.IsDir(dir) {
			t.Errorf("%s is not a directory entry", dir)
		}
	}
	z, ok := fsys.Lookup(root + "/x/y/z.txt")
	if !ok {
		t.Fatal("z.txt missing")
	}
	if !reflect.DeepEqual(z.ContentLines, []string{"hi\n"}) {
		t.Errorf("content = %q, want [\"hi\\n\"]", z.ContentLines)
	}
}

func TestRunCommandRedirectCreatesParent(t *testing.T) {
	skipIfNoBash(t)
	e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{})

	run(t, e, "echo data > out/deep/file.txt")

	fsys := e.FileSystem()
	f, ok := fsys.Lookup(fsys.WorkspaceRoot + "/out/deep/file.txt")
	if !ok {
		t.Fatal("redirect target missing")
	}
	if !reflect.DeepEqual(f.ContentLines, []string{"data\n"}) {
		t.Errorf("content = %q", f.ContentLines)
	}
}

func TestRunCommandAbsoluteRedirect(t *testing.T) {
	skipIfNoBash(t)
	outside := filepath.Join(t.TempDir(), "host.txt")

	tests := []struct {
		name   string
		target func(root string) string
		inVFS  bool
		// hostDir must not be created on the host.
		hostDir func(root string) string
	}{
		{
			name:    "inside workspace",
			target:  func(root string) string { return root + "/out/x.txt" },
			inVFS:   true,
			hostDir: func(root string) string { return filepath.Join(root, "out") },
		},
		{
			name:   "outside workspace",
			target: func(string) string { return outside },
			inVFS:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{})
			fsys := e.FileSystem()
			root := fsys.WorkspaceRoot
			target := tt.target(root)

			run(t, e, "echo hi > "+target)

			f, ok := fsys.Lookup(target)
			if ok != tt.inVFS {
				t.Fatalf("Lookup(%s) ok = %v, want %v", target, ok, tt.inVFS)
			}
			if ok && !reflect.DeepEqual(f.ContentLines, []string{"hi\n"}) {
				t.Errorf("content = %q", f.ContentLines)
			}
			stray := root + filepath.Dir(target)
			for p := range fsys.Entries {
				if vfs.IsUnder(p, stray) {
					t.Errorf("unexpected entry %s", p)
				}
			}
			if tt.hostDir != nil {
				if _, err := os.Stat(tt.hostDir(root)); !os.IsNotExist(err) {
					t.Errorf("%s exists on the host: %v", tt.hostDir(root), err)
				}
			}
		})
	}
}

func TestReplaceRedirectTarget(t *testing.T) {
	tests := []struct {
		command string
		target  string
		want    string
	}{
		{"echo hi > /ws/a.txt", "/ws/a.txt", "echo hi > /sandbox/a.txt"},
		{`echo hi > "/ws/a.txt"`, "/ws/a.txt", "echo hi > /sandbox/a.txt"},
		{"cat /ws/a.txt > /ws/a.txt", "/ws/a.txt", "cat /ws/a.txt > /sandbox/a.txt"},
		{"echo hi", "/ws/a.txt", "echo hi"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			if got := replaceRedirectTarget(tt.command, tt.target, "/sandbox/a.txt"); got != tt.want {
				t.Errorf("replaceRedirectTarget(%q) = %q, want %q", tt.command, got, tt.want)
			}
		})
	}
}

func TestResolveRedirect(t *testing.T) {
	tests := []struct {
		target   string
		file     string
		absolute bool
	}{
		{"", "", false},
		{"out.txt", "/sandbox/sub/out.txt", false},
		{"/ws/out/x.txt", "/sandbox/out/x.txt", true},
		{"/tmp/x.txt", "", false},
		{"/dev/null", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			file, absolute := resolveRedirect(tt.target, "/sandbox/sub", "/ws", "/sandbox")
			if file != tt.file || absolute != tt.absolute {
				t.Errorf("resolveRedirect(%q) = (%q, %v), want (%q, %v)", tt.target, file, absolute, tt.file, tt.absolute)
			}
		})
	}
}

func TestRunCommandFailureRollsBack(t *testing.T) {
	skipIfNoBash(t)
	e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{})
	// Make the sandbox exist so the failing command is not the first one.
	run(t, e, "ls")
	before := e.FileSystem()

	_, err := e.RunCommand(context.Background(), "touch new.txt && cat missing.txt", false)
	var cmdErr *CommandExecutionError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandExecutionError", err)
	}
	if cmdErr.Stderr == "" {
		t.Error("expected stderr from cat")
	}
	if cmdErr.ReturnCode == 0 {
		t.Error("expected non-zero return code")
	}
	if !strings.HasPrefix(cmdErr.Message, "Command failed with exit code ") {
		t.Errorf("message = %q", cmdErr.Message)
	}

	after := e.FileSystem()
	if !reflect.DeepEqual(before, after) {
		t.Error("filesystem changed by a failed command")
	}
	if _, ok := after.Lookup(after.WorkspaceRoot + "/missing.txt"); ok {
		t.Error("missing.txt appeared")
	}
	if e.State() != StateRolledBack {
		t.Errorf("state = %v, want rolled_back", e.State())
	}

	// The sandbox was reset: new.txt must not leak into the next command.
	run(t, e, "ls")
	if _, ok := e.FileSystem().Lookup(after.WorkspaceRoot + "/new.txt"); ok {
		t.Error("new.txt from the failed command leaked into the workspace")
	}
}

func TestRunCommandSpanAttributes(t *testing.T) {
	skipIfNoBash(t)
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{}, WithTracer(tp.Tracer("test")))
	root := e.FileSystem().WorkspaceRoot

	run(t, e, "echo hi > b.txt && rm a.txt")

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	got := map[string]string{}
	for _, kv := range spans[len(spans)-1].Attributes {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"vfsbox.command":            "echo hi > b.txt && rm a.txt",
		"vfsbox.workspace.root":     root,
		"vfsbox.workspace.cwd":      root,
		"vfsbox.command.kind":       "shell",
		"vfsbox.reconcile.added":    "1",
		"vfsbox.reconcile.deleted":  "1",
		"vfsbox.rolled_back":        "false",
		"vfsbox.command.background": "false",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestRunCommandFailureMessage(t *testing.T) {
	runner := &fakeRunner{exec: func(sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
		return &sandbox.ExecutionResult{Stdout: "partial", Stderr: "boom", ExitCode: 2}, nil
	}}
	metrics := observability.NewMetricsCollector()
	e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{}, WithRunner(runner), WithMetrics(metrics))

	_, err := e.RunCommand(context.Background(), "grep nope a.txt", false)
	var cmdErr *CommandExecutionError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandExecutionError", err)
	}
	want := "Command failed with exit code 2.\n--- STDOUT ---\npartial\n--- STDERR ---\nboom"
	if cmdErr.Message != want {
		t.Errorf("message = %q, want %q", cmdErr.Message, want)
	}
	if cmdErr.ReturnCode != 2 || cmdErr.Stdout != "partial" || cmdErr.Stderr != "boom" {
		t.Errorf("error = %+v", cmdErr)
	}
	if got := testutil.ToFloat64(metrics.RollbacksTotal); got != 1 {
		t.Errorf("rollbacks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.CommandsTotal.WithLabelValues("shell", "rolled_back")); got != 1 {
		t.Errorf("rolled back commands = %v, want 1", got)
	}
}

func TestRunCommandWrapsScript(t *testing.T) {
	runner := &fakeRunner{exec: func(sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
		return &sandbox.ExecutionResult{}, nil
	}}
	e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{}, WithRunner(runner))

	run(t, e, "ls")
	run(t, e, "cat <<EOF > b.txt\nbody\nEOF")

	if !strings.Contains(runner.scripts[0], "main_exit_code") {
		t.Errorf("foreground script not wrapped: %q", runner.scripts[0])
	}
	if strings.Contains(runner.scripts[1], "main_exit_code") {
		t.Errorf("heredoc script wrapped: %q", runner.scripts[1])
	}
}

func TestRunCommandLaunchError(t *testing.T) {
	runner := &fakeRunner{exec: func(sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
		return nil, sandbox.ErrTimedOut
	}}
	e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{}, WithRunner(runner))
	before := e.FileSystem()

	_, err := e.RunCommand(context.Background(), "sleep 100", false)
	if !errors.Is(err, sandbox.ErrTimedOut) {
		t.Fatalf("err = %v, want wrapped ErrTimedOut", err)
	}
	if !reflect.DeepEqual(before, e.FileSystem()) {
		t.Error("filesystem changed by a failed launch")
	}
}

func TestRunCommandRecordsHistory(t *testing.T) {
	runner := &fakeRunner{exec: func(req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
		if err := os.WriteFile(filepath.Join(req.Dir, "made.txt"), []byte("x\n"), 0o644); err != nil {
			return nil, err
		}
		return &sandbox.ExecutionResult{Stdout: "done\n"}, nil
	}}
	store := history.NewMemoryStore()
	e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{},
		WithRunner(runner),
		WithHistory(history.NewRecorder(store, nil)),
	)

	run(t, e, "make-file")

	recs, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Command != "make-file" || !rec.Success || rec.Added != 1 || rec.RolledBack {
		t.Errorf("record = %+v", rec)
	}
	if rec.SessionID == "" {
		t.Error("record has no session id")
	}
	if _, ok := e.FileSystem().Lookup(e.FileSystem().WorkspaceRoot + "/made.txt"); !ok {
		t.Error("made.txt not reconciled")
	}
}

func TestRunCommandBackground(t *testing.T) {
	runner := &fakeRunner{pid: 4242}
	e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{}, WithRunner(runner))

	res, err := e.RunCommand(context.Background(), "python -m http.server", true)
	if err != nil {
		t.Fatal(err)
	}
	if res.PID == nil || *res.PID != 4242 {
		t.Fatalf("pid = %v, want 4242", res.PID)
	}
	if res.ReturnCode != nil {
		t.Errorf("returncode = %d, want nil", *res.ReturnCode)
	}
	if !res.Success {
		t.Error("background launch should succeed")
	}
	want := "Command 'python -m http.server' launched successfully in background (PID: 4242). Workspace state updated."
	if res.Message != want {
		t.Errorf("message = %q, want %q", res.Message, want)
	}
	if strings.Contains(runner.scripts[0], "main_exit_code") {
		t.Error("background script must not carry the cwd marker")
	}
}

func TestRunCommandEnv(t *testing.T) {
	skipIfNoBash(t)
	e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{})

	res := run(t, e, "export GREETING=hola")
	if !res.Success {
		t.Fatalf("export failed: %+v", res)
	}
	if got := run(t, e, "echo $GREETING").Stdout; got != "hola\n" {
		t.Errorf("echo = %q, want hola", got)
	}
	if got := run(t, e, "env").Stdout; !strings.Contains(got, "GREETING=hola") {
		t.Errorf("env output lacks GREETING: %q", got)
	}

	run(t, e, "unset GREETING")
	if got := run(t, e, "echo \"[$GREETING]\"").Stdout; got != "[]\n" {
		t.Errorf("after unset echo = %q", got)
	}

	res, err := e.RunCommand(context.Background(), "export NOEQUALS", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ReturnCode == nil || *res.ReturnCode != 1 {
		t.Errorf("invalid export = %+v, want returncode 1", res)
	}
}

func TestRunCommandChangeDirectory(t *testing.T) {
	skipIfNoBash(t)
	e := newEngine(t, map[string]string{"a.txt": "hello\n", "sub/b.txt": "b\n"}, Config{})
	root := e.FileSystem().WorkspaceRoot

	tests := []struct {
		command string
		wantCwd string
	}{
		{"cd sub", root + "/sub"},
		{"cd ..", root},
		{"cd /sub", root + "/sub"},
		{"cd", root},
		{"mkdir -p made && cd made", root + "/made"},
		{"cd " + root + "/sub", root + "/sub"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			run(t, e, tt.command)
			if got := e.FileSystem().Cwd; got != tt.wantCwd {
				t.Errorf("cwd = %q, want %q", got, tt.wantCwd)
			}
		})
	}

	if got := run(t, e, "pwd").Stdout; got != root+"/sub\n" {
		t.Errorf("pwd = %q, want %q", got, root+"/sub\n")
	}
	if got := run(t, e, "cat b.txt").Stdout; got != "b\n" {
		t.Errorf("relative cat in sub = %q", got)
	}

	_, err := e.RunCommand(context.Background(), "cd nowhere", false)
	var cmdErr *CommandExecutionError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandExecutionError", err)
	}
	if !strings.HasPrefix(cmdErr.Message, "Failed to change directory: cd nowhere\nError: ") {
		t.Errorf("message = %q", cmdErr.Message)
	}
	if got := e.FileSystem().Cwd; got != root+"/sub" {
		t.Errorf("cwd after failed cd = %q", got)
	}
}

func TestRunCommandAccessTimeMatrix(t *testing.T) {
	skipIfNoBash(t)
	stamp := metadata.FormatTime(fixedClock)

	tests := []struct {
		mode    atime.Mode
		command string
		updated bool
	}{
		{atime.ModeNoatime, "cat a.txt", false},
		{atime.ModeAtime, "cat a.txt", true},
		{atime.ModeAtime, "ls a.txt", true},
		{atime.ModeRelatime, "cat a.txt", true},
		{atime.ModeRelatime, "ls a.txt", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode)+"/"+tt.command, func(t *testing.T) {
			e := newEngine(t, map[string]string{"a.txt": "hello\n"},
				Config{AccessTimeMode: tt.mode},
				WithClock(func() time.Time { return fixedClock }),
			)
			p := e.FileSystem().WorkspaceRoot + "/a.txt"
			before, _ := e.FileSystem().Lookup(p)

			run(t, e, tt.command)

			after, _ := e.FileSystem().Lookup(p)
			got := after.Metadata.Timestamps.AccessTime
			if tt.updated && got != stamp {
				t.Errorf("access_time = %s, want %s", got, stamp)
			}
			if !tt.updated && got != before.Metadata.Timestamps.AccessTime {
				t.Errorf("access_time moved %s -> %s", before.Metadata.Timestamps.AccessTime, got)
			}
		})
	}
}

func TestRunCommandZip(t *testing.T) {
	skipIfNoBash(t)
	for _, bin := range []string{"zip", "unzip"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	e := newEngine(t, map[string]string{"f.txt": "zip me\n"}, Config{})

	run(t, e, "zip a.zip f.txt")

	fsys := e.FileSystem()
	z, ok := fsys.Lookup(fsys.WorkspaceRoot + "/a.zip")
	if !ok {
		t.Fatal("a.zip missing")
	}
	if len(z.ContentLines) < 2 || strings.TrimSpace(z.ContentLines[0]) != vfs.BinaryMarker {
		t.Fatalf("a.zip content does not start with the binary marker: %q", z.ContentLines)
	}
	if _, err := hydrate.DecodeBinary(z.ContentLines); err != nil {
		t.Errorf("decoding a.zip: %v", err)
	}

	if res := run(t, e, "unzip -l a.zip"); !strings.Contains(res.Stdout, "f.txt") {
		t.Errorf("unzip -l output = %q", res.Stdout)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	skipIfNoBash(t)
	e := newEngine(t, map[string]string{"a.txt": "hello\n"}, Config{})
	run(t, e, "ls")
	dir := e.SessionInfo().SandboxDir

	res, err := e.Close(context.Background())
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !res.Success || !res.Reconciled {
		t.Errorf("close result = %+v", res)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("sandbox dir still present: %v", err)
	}

	res, err = e.Close(context.Background())
	if err != nil || !res.AlreadyEnded {
		t.Errorf("second Close = %+v, %v", res, err)
	}
}

func TestSimpleCd(t *testing.T) {
	tests := []struct {
		command string
		target  string
		ok      bool
	}{
		{"cd", "", true},
		{"cd sub", "sub", true},
		{"cd 'my dir'", "my dir", true},
		{"cd /abs", "/abs", true},
		{"cd -", "", false},
		{"cd ~", "", false},
		{"cd $HOME", "", false},
		{"cd a && ls", "", false},
		{"cd a b", "", false},
		{"cdx", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			target, ok := simpleCd(tt.command)
			if ok != tt.ok || target != tt.target {
				t.Errorf("simpleCd(%q) = %q, %v; want %q, %v", tt.command, target, ok, tt.target, tt.ok)
			}
		})
	}
}

func TestMapCdTarget(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"cd /src", "cd /sandbox/src"},
		{"cd /ws/src", "cd /sandbox/src"},
		{"cd /", "cd /sandbox"},
		{"cd src", "cd src"},
		{"cd /src && ls", "cd /src && ls"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			if got := mapCdTarget(tt.command, "/ws", "/sandbox"); got != tt.want {
				t.Errorf("mapCdTarget(%q) = %q, want %q", tt.command, got, tt.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:         "idle",
		StateSandboxReady: "sandbox_ready",
		StateExecuting:    "executing",
		StateReconciling:  "reconciling",
		StateRolledBack:   "rolled_back",
		State(99):         "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
