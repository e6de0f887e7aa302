package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/pigeon/internal/models"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(newIDCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(logoutCmd)
}

type identityResult struct {
	ID       models.Identity `json:"id"`
	LoggedIn bool            `json:"logged_in"`
}

var loginCmd = &cobra.Command{
	Use:   "login <id>",
	Short: "Use an existing identity",
	Long:  "Persist an existing identity (8-4-4-4-12 groups, e.g. a UUID) as the local user.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := s.Login(ctx, args[0])
		if err != nil {
			return Exitf(ExitCodeUsage, "invalid identity %q: expected 8-4-4-4-12 groups of letters or digits", args[0])
		}
		if err := writeIdentity(cmd, id); err != nil {
			return err
		}
		PrintNextSteps(cmd.OutOrStdout(), HintContext{Action: "login", Identity: id.String()})
		return nil
	},
}

var newIDCmd = &cobra.Command{
	Use:   "new-id",
	Short: "Create a new identity and log in with it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := s.CreateIdentity(ctx)
		if err != nil {
			return Exitf(ExitCodeFailure, "create identity: %v", err)
		}
		if err := writeIdentity(cmd, id); err != nil {
			return err
		}
		PrintNextSteps(cmd.OutOrStdout(), HintContext{Action: "new_id", Identity: id.String()})
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the local identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		id := s.CurrentIdentity()
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), identityResult{ID: id, LoggedIn: !id.IsEmpty()})
		}
		if err := requireLogin(s); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the local identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Logout(ctx); err != nil {
			return Exitf(ExitCodeFailure, "logout: %v", err)
		}
		if err := contextStore().Clear(); err != nil {
			return Exitf(ExitCodeFailure, "%v", err)
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), identityResult{})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

func writeIdentity(cmd *cobra.Command, id models.Identity) error {
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), identityResult{ID: id, LoggedIn: true})
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", id)
	return err
}
