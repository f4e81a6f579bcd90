package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listUser string

func NewConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convs"},
		Short:   "Inspect conversations",
	}
	cmd.AddCommand(newConversationsListCmd())
	return cmd
}

func newConversationsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's conversations, newest first",
		Long: `List a user's conversations, newest first, with their state and
document, message and feedback counts.

Examples:
  docchatctl conversations list --user alice`,
		RunE: runConversationsList,
	}
	cmd.Flags().StringVar(&listUser, "user", "", "Username whose conversations to list")
	cmd.MarkFlagRequired("user")
	return cmd
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	user, err := a.lookupUser(ctx, listUser)
	if err != nil {
		return err
	}
	convs, err := a.chat.ListConversations(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	if len(convs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No conversations for %s\n", user.Username)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATE\tDOCS\tMESSAGES\tFEEDBACK\tCREATED")
	for _, conv := range convs {
		docs, err := a.db.ListDocuments(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("listing documents: %w", err)
		}
		msgs, err := a.db.CountMessages(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("counting messages: %w", err)
		}
		feedback, err := a.db.CountFeedbackForConversation(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("counting feedback: %w", err)
		}
		state, err := a.chat.ConversationState(ctx, user.ID, conv.ID)
		if err != nil {
			return fmt.Errorf("reading conversation state: %w", err)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			conv.ID, conv.Title, state, len(docs), msgs, feedback, conv.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
