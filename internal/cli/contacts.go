package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/pigeon/internal/models"
)

func init() {
	rootCmd.AddCommand(contactsCmd)
	contactsCmd.AddCommand(contactsListCmd)
	contactsCmd.AddCommand(contactsAddCmd)
}

var contactsCmd = &cobra.Command{
	Use:     "contacts",
	Aliases: []string{"contact"},
	Short:   "Manage contacts",
}

var contactsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List contacts in the order they were added",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		list := s.Contacts().List()
		if jsonOutput {
			if list == nil {
				list = []models.Contact{}
			}
			return writeJSON(cmd.OutOrStdout(), list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No contacts.")
			return nil
		}
		rows := make([][]string, 0, len(list))
		for _, c := range list {
			rows = append(rows, []string{c.Name, c.ID.String()})
		}
		return writeTable(cmd.OutOrStdout(), []string{"NAME", "ID"}, rows)
	},
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <id> <name>",
	Short: "Add a contact",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		name := strings.Join(args[1:], " ")
		contact, err := s.CreateContact(ctx, args[0], name)
		if err != nil {
			return Exitf(ExitCodeUsage, "invalid contact: %v", err)
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), contact)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", contact.Name, contact.ID)
		PrintNextSteps(cmd.OutOrStdout(), HintContext{Action: "contacts_add", Identity: contact.ID.String()})
		return nil
	},
}
