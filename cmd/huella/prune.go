package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/huella/internal/store"
)

var pruneCmd = &cobra.Command{
	Use:   "prune <devices|samples|configs>",
	Short: "Delete stored records older than a cutoff",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrune,
}

var (
	pruneOlderThan time.Duration
	pruneYes       bool
)

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Delete records older than this")
	pruneCmd.Flags().BoolVarP(&pruneYes, "yes", "y", false, "Do not ask for confirmation")
}

func runPrune(cmd *cobra.Command, args []string) error {
	kind, err := store.ParseKind(args[0])
	if err != nil {
		return err
	}
	if pruneOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cutoff := time.Now().Add(-pruneOlderThan)
	if !pruneYes && !confirm(fmt.Sprintf("Delete %s older than %s?", kind, cutoff.Format(time.DateTime))) {
		return fmt.Errorf("aborted (use --yes to skip confirmation)")
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := storeContext(ctx)
	defer cancel()

	n, err := st.DeleteOlderThan(ctx, kind, cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, color.GreenString("Deleted %d %s", n, kind))
	return nil
}
