package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jkaninda/vfsbox/internal/vfs"
)

var hydrateCmd = &cobra.Command{
	Use:   "hydrate [dir]",
	Short: "Load a directory into the state document",
	Long: `Walk a directory and store it as the state document, replacing any
existing one. Defaults to the configured workspace, then the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		dir := sc.Config.Workspace
		if len(args) == 1 {
			dir = args[0]
		}
		if dir == "" {
			if dir, err = os.Getwd(); err != nil {
				return fmt.Errorf("determining working directory: %w", err)
			}
		}

		h, _, err := sc.newHydrator()
		if err != nil {
			return err
		}
		fs, err := h.HydrateFromDirectory(dir)
		if err != nil {
			return err
		}
		if err := sc.saveState(fs); err != nil {
			return err
		}
		fmt.Printf("Hydrated %d entries (%s) from %s\n", len(fs.Entries), totalSize(fs), fs.WorkspaceRoot)
		return nil
	},
}

var dehydrateCmd = &cobra.Command{
	Use:   "dehydrate <target-dir>",
	Short: "Write the state document out as a directory tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		fs, err := vfs.Load(sc.Workspace.StatePath(stateName))
		if err != nil {
			return err
		}
		_, d, err := sc.newHydrator()
		if err != nil {
			return err
		}
		if err := d.DehydrateToDirectory(fs, args[0]); err != nil {
			return err
		}
		fmt.Printf("Wrote %d entries (%s) to %s\n", len(fs.Entries), totalSize(fs), args[0])
		return nil
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently executed commands",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		records, err := sc.History.Recent(context.Background(), historyLimit)
		if err != nil {
			return fmt.Errorf("listing history: %w", err)
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No commands recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tRC\tSTATUS\tCHANGES\tCWD\tCOMMAND")
		for _, r := range records {
			status := "ok"
			switch {
			case r.RolledBack:
				status = "rolled back"
			case r.Background:
				status = "background"
			case !r.Success:
				status = "failed"
			}
			rc := fmt.Sprint(r.ReturnCode)
			if r.Background {
				rc = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t+%d ~%d -%d\t%s\t%s\n",
				humanize.Time(r.CreatedAt), rc, status, r.Added, r.Modified, r.Deleted, r.Cwd, r.Command)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of commands to show")
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Save, restore and list named copies of the state document",
}

var snapshotSaveCmd = &cobra.Command{
	Use:   "save <name>",
	Short: "Save the state document under a name",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()
		if sc.Store == nil {
			return errSnapshotsDisabled
		}

		fs, err := sc.loadState()
		if err != nil {
			return err
		}
		if err := sc.Store.Snapshots().SaveSnapshot(context.Background(), args[0], fs); err != nil {
			return err
		}
		fmt.Printf("Saved snapshot %q (%d entries)\n", args[0], len(fs.Entries))
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Replace the state document with a saved snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()
		if sc.Store == nil {
			return errSnapshotsDisabled
		}

		fs, err := sc.Store.Snapshots().LoadSnapshot(context.Background(), args[0])
		if err != nil {
			if errors.Is(err, vfs.ErrSnapshotNotFound) {
				return fmt.Errorf("snapshot %q not found", args[0])
			}
			return err
		}
		if err := sc.saveState(fs); err != nil {
			return err
		}
		fmt.Printf("Restored snapshot %q (%d entries)\n", args[0], len(fs.Entries))
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()
		if sc.Store == nil {
			return errSnapshotsDisabled
		}

		infos, err := sc.Store.Snapshots().ListSnapshots(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tENTRIES\tROOT\tCREATED")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", info.Name, info.EntryCount, info.Root, createdAgo(info.CreatedAt))
		}
		return w.Flush()
	},
}

var errSnapshotsDisabled = errors.New("snapshots need persistent storage (storage.driver is none)")

func init() {
	snapshotCmd.AddCommand(snapshotSaveCmd, snapshotRestoreCmd, snapshotListCmd)
}

// createdAgo renders an RFC 3339 timestamp relative to now, or as-is if it does not parse.
func createdAgo(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove sandbox directories left behind by background commands",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		sc, err := setup()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		if err := sc.Workspace.CleanSandbox(); err != nil {
			return fmt.Errorf("cleaning sandboxes: %w", err)
		}
		fmt.Printf("Cleaned %s\n", sc.Workspace.SandboxDir())
		return nil
	},
}
