package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/pigeon/internal/logging"
	"github.com/tOgg1/pigeon/internal/session"
)

var sendTo []string

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringSliceVar(&sendTo, "to", nil, "recipient identities (repeatable or comma-separated; default: selected conversation)")
}

type sendResult struct {
	ConversationID string `json:"conversation_id"`
	Delivered      bool   `json:"delivered"`
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a message",
	Long: `Send a message to the given recipients, or to the selected conversation
when --to is omitted. The message is stored locally even when the relay is
unreachable.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		text := strings.Join(args, " ")
		if strings.TrimSpace(text) == "" {
			return Exitf(ExitCodeUsage, "message text is required")
		}

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := requireLogin(s); err != nil {
			return err
		}
		restoreSelection(ctx, s)

		delivered := connectForSend(ctx, s)

		var convID string
		if len(sendTo) > 0 {
			convID, err = s.Send(ctx, sendTo, text)
		} else {
			convID, err = s.SendToSelected(ctx, text)
		}
		if err != nil {
			return sendError(err)
		}

		if delivered {
			flushCtx, cancel := context.WithTimeout(ctx, dialTimeout())
			defer cancel()
			if err := s.Flush(flushCtx); err != nil {
				logging.Warn().Err(err).Msg("message may not have reached the relay")
				delivered = false
			}
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), sendResult{ConversationID: convID, Delivered: delivered})
		}
		if !delivered {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: relay unreachable; message stored locally only\n")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent to conversation %s\n", shortID(convID))
		return nil
	},
}

// connectForSend brings the relay connection up and reports whether it
// became available within the dial timeout.
func connectForSend(ctx context.Context, s *session.Session) bool {
	s.Connect(ctx)
	waitCtx, cancel := context.WithTimeout(ctx, dialTimeout())
	defer cancel()
	if err := s.WaitConnected(waitCtx); err != nil {
		logging.Debug().Err(err).Msg("relay not connected")
		return false
	}
	return true
}

func dialTimeout() time.Duration {
	if appConfig != nil && appConfig.Channel.DialTimeout > 0 {
		return appConfig.Channel.DialTimeout
	}
	return 5 * time.Second
}

func sendError(err error) error {
	switch {
	case errors.Is(err, session.ErrNotLoggedIn):
		return Exitf(ExitCodeNotLoggedIn, "not logged in (run 'pigeon login <id>' or 'pigeon new-id')")
	case errors.Is(err, session.ErrNoSelection):
		return Exitf(ExitCodeUsage, "no conversation selected (use --to or 'pigeon conversations select <id>')")
	default:
		return Exitf(ExitCodeUsage, "send: %v", err)
	}
}
