package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/vfsbox/internal/executor"
)

var runBackground bool

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command>",
	Short: "Run one command against the workspace state",
	Long: `Run a shell command inside a fresh sandbox built from the current state
document, reconcile its changes and save the state.

Examples:
  vfsbox run -- 'mkdir -p build && echo ok > build/out.txt'
  vfsbox run --background -- 'sleep 30'

The process exits with the command's exit code.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVarP(&runBackground, "background", "b", false, "launch the command in the background")
}

func runRun(_ *cobra.Command, args []string) error {
	sc, err := setup()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	fs, err := sc.loadState()
	if err != nil {
		return err
	}
	engine, err := sc.newEngine(fs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := strings.Join(args, " ")
	res, runErr := engine.RunCommand(ctx, command, runBackground)
	code := printOutcome(os.Stdout, os.Stderr, res, runErr)

	if runBackground {
		// The sandbox must outlive this process for the background command.
		if err := sc.saveState(engine.FileSystem()); err != nil {
			return err
		}
	} else if err := sc.closeEngine(engine); err != nil {
		return err
	}

	if code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

// printOutcome writes a command outcome and returns the exit code to report.
func printOutcome(stdout, stderr io.Writer, res *executor.CommandResult, err error) int {
	if err != nil {
		var execErr *executor.CommandExecutionError
		if errors.As(err, &execErr) {
			fmt.Fprintln(stderr, execErr.Message)
			if execErr.ReturnCode != 0 {
				return execErr.ReturnCode
			}
			return 1
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	if res.Stdout != "" {
		fmt.Fprint(stdout, ensureNewline(res.Stdout))
	}
	if res.Stderr != "" {
		fmt.Fprint(stderr, ensureNewline(res.Stderr))
	}
	if res.PID != nil {
		fmt.Fprintln(stderr, res.Message)
	}
	if res.ReturnCode != nil {
		return *res.ReturnCode
	}
	return 0
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

var shellServe string

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive session against the workspace state",
	Long: `Read commands from standard input and run each one against the state
document. The sandbox is kept between commands and the state is saved after
every command. A trailing '&' launches the command in the background.

Built-ins: exit, quit.`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVar(&shellServe, "serve", "", "also serve the status API on this address (e.g. 127.0.0.1:8090)")
}

func runShell(cmd *cobra.Command, _ []string) error {
	sc, err := setup()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	fs, err := sc.loadState()
	if err != nil {
		return err
	}
	engine, err := sc.newEngine(fs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if shellServe != "" {
		srv := sc.newStatusServer(engine, shellServe)
		go func() {
			if err := srv.Start(ctx); err != nil {
				sc.Logger.Error("status server stopped", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.shutdownTimeout())
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprintf(out, "%s$ ", engine.FileSystem().Cwd)
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		background := false
		if strings.HasSuffix(line, "&") && !strings.HasSuffix(line, "&&") {
			background = true
			line = strings.TrimSpace(strings.TrimSuffix(line, "&"))
		}

		res, runErr := engine.RunCommand(ctx, line, background)
		printOutcome(out, errOut, res, runErr)
		if err := sc.saveState(engine.FileSystem()); err != nil {
			sc.Logger.Error("saving state", slog.String("error", err.Error()))
		}
		if ctx.Err() != nil {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		sc.Logger.Warn("reading input", slog.String("error", err.Error()))
	}
	fmt.Fprintln(out)

	return sc.closeEngine(engine)
}
