package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var createPassword string

func NewUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Create and delete user accounts",
	}
	cmd.AddCommand(newUsersCreateCmd())
	cmd.AddCommand(newUsersDeleteCmd())
	return cmd
}

func newUsersCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Register a user",
		Long: `Register a user with a password.

The password comes from --password or, when omitted, the
DOCCHAT_PASSWORD environment variable.`,
		Args: cobra.ExactArgs(1),
		RunE: runUsersCreate,
	}
	cmd.Flags().StringVar(&createPassword, "password", "", "Password for the new user")
	return cmd
}

func runUsersCreate(cmd *cobra.Command, args []string) error {
	password := createPassword
	if password == "" {
		password = os.Getenv("DOCCHAT_PASSWORD")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	user, err := a.credentials.Create(cmd.Context(), args[0], password)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (id %d)\n", user.Username, user.ID)
	return nil
}

func newUsersDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user with all their conversations",
		Long: `Delete a user account together with every conversation it owns,
including messages, feedback, vector indexes and uploaded files that no
other conversation references.`,
		Args: cobra.ExactArgs(1),
		RunE: runUsersDelete,
	}
}

func runUsersDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	user, err := a.lookupUser(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := a.chat.DeleteUser(cmd.Context(), user.ID); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted user %s\n", user.Username)
	return nil
}
