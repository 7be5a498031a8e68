// vfsbox runs shell commands against a virtualized workspace inside a throwaway sandbox.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/vfsbox/internal/config"
)

var (
	configPath string
	stateName  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "vfsbox",
	Short: "vfsbox runs shell commands against a virtual workspace in a disposable sandbox.",
	Long: `vfsbox keeps a workspace as an in-memory filesystem document. Each command is
run inside a sandbox directory materialized from that document, and the changes the
command made are reconciled back into it. Failed commands leave the document untouched.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		goutils.Env("VFSBOX_CONFIG", config.DefaultConfigPath()), "path to config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVarP(&stateName, "state", "s",
		goutils.Env("VFSBOX_STATE", ""), "name of the state document to use")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, shellCmd, hydrateCmd, dehydrateCmd, historyCmd, snapshotCmd, cleanCmd, serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// exitCodeError carries a command's non-zero exit status out of RunE.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
