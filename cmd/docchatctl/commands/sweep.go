package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove vector indexes of deleted conversations",
		Long: `Remove every index directory whose conversation no longer exists in
the database. Safe to run while the server is stopped; a running server
also sweeps at startup.`,
		Args: cobra.NoArgs,
		RunE: runSweep,
	}
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.chat.SweepOrphanIndexes(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d orphaned index(es)\n", removed)
	return nil
}
