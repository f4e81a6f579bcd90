// Package commands implements docchatctl, the maintenance CLI for a doc-chat
// deployment. It works on the same database and directories as the server.
package commands

import (
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docchatctl",
		Short: "Manage a doc-chat deployment",
		Long: `docchatctl administers the users, conversations and vector indexes of a
doc-chat server. It reads the same environment (or .env file) as the server:
DATABASE_URL, UPLOAD_DIR and INDEX_DIR.

Examples:
  docchatctl users create alice --password s3cret
  docchatctl conversations list --user alice
  docchatctl sweep`,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewUsersCmd())
	cmd.AddCommand(NewConversationsCmd())
	cmd.AddCommand(NewSweepCmd())
	cmd.AddCommand(NewVersionCmd())
	return cmd
}

func Execute() error {
	return NewRootCmd().Execute()
}
