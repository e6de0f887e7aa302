package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/pigeon/internal/models"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsNewCmd)
	conversationsCmd.AddCommand(conversationsSelectCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv", "convs"},
	Short:   "Manage conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		restoreSelection(ctx, s)

		list := s.Engine().Project()
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), list)
		}
		return writeConversationTable(cmd.OutOrStdout(), list)
	},
}

var conversationsNewCmd = &cobra.Command{
	Use:   "new <id>...",
	Short: "Start a conversation and select it",
	Long: `Start an empty conversation with the given recipients and select it.

A new conversation is always created, even when one with the same
recipients exists. Messages to those recipients go to the oldest one.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := s.StartConversation(ctx, args)
		if err != nil {
			return Exitf(ExitCodeUsage, "invalid recipients: %v", err)
		}
		s.Engine().SelectConversation(ctx, id)
		conv, _ := s.Engine().ProjectSelected()
		if err := saveSelection(id, conversationLabel(conv)); err != nil {
			return Exitf(ExitCodeFailure, "%v", err)
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), conv)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started conversation %s with %s\n", shortID(id), conversationLabel(conv))
		PrintNextSteps(cmd.OutOrStdout(), HintContext{Action: "conversation_new", ConversationID: id})
		return nil
	},
}

var conversationsSelectCmd = &cobra.Command{
	Use:     "select <id>",
	Aliases: []string{"use"},
	Short:   "Select a conversation by ID or unique prefix",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		conv, err := findConversation(s.Engine().Project(), args[0])
		if err != nil {
			return Exitf(ExitCodeFailure, "%v", err)
		}
		s.Engine().SelectConversation(ctx, conv.ID)
		if err := saveSelection(conv.ID, conversationLabel(conv)); err != nil {
			return Exitf(ExitCodeFailure, "%v", err)
		}

		if jsonOutput {
			conv.Selected = true
			return writeJSON(cmd.OutOrStdout(), conv)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Selected conversation %s with %s\n", shortID(conv.ID), conversationLabel(conv))
		PrintNextSteps(cmd.OutOrStdout(), HintContext{Action: "conversation_select", ConversationID: conv.ID})
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a conversation (default: the selected one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		restoreSelection(ctx, s)

		var conv models.FormattedConversation
		if len(args) == 1 {
			conv, err = findConversation(s.Engine().Project(), args[0])
			if err != nil {
				return Exitf(ExitCodeFailure, "%v", err)
			}
		} else {
			var ok bool
			conv, ok = s.Engine().ProjectSelected()
			if !ok {
				return Exitf(ExitCodeFailure, "no conversation selected (run 'pigeon conversations select <id>')")
			}
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), conv)
		}
		return writeConversation(cmd.OutOrStdout(), conv)
	},
}
