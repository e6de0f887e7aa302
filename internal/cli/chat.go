package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tOgg1/pigeon/internal/events"
	"github.com/tOgg1/pigeon/internal/models"
	"github.com/tOgg1/pigeon/internal/session"
)

const chatSubscriberID = "cli-chat"

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat",
	Long: `Open an interactive chat session connected to the relay.

Plain lines are sent to the selected conversation. Commands:
  /list               list conversations
  /new <id>...        start and select a conversation
  /select <id>        select a conversation by ID or prefix
  /show               show the selected conversation
  /quit               leave`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := requireLogin(s); err != nil {
			return err
		}
		restoreSelection(ctx, s)

		out := &lockedWriter{w: cmd.OutOrStdout()}
		me := s.CurrentIdentity()
		err = s.Publisher().Subscribe(chatSubscriberID, events.Filter{
			EventTypes: []models.EventType{models.EventTypeConversationMessage},
		}, func(event *models.Event) {
			if event.Metadata["sender"] == me.String() {
				return
			}
			printIncoming(out, s, event)
		})
		if err != nil {
			return Exitf(ExitCodeFailure, "%v", err)
		}
		defer func() { _ = s.Publisher().Unsubscribe(chatSubscriberID) }()

		s.Connect(ctx)
		fmt.Fprintf(out, "Logged in as %s. Type /quit to leave.\n", me)
		if conv, ok := s.Engine().ProjectSelected(); ok {
			fmt.Fprintf(out, "Selected conversation %s with %s\n", shortID(conv.ID), conversationLabel(conv))
		}

		repl := &chatREPL{session: s, out: out}
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			if quit := repl.handle(ctx, scanner.Text()); quit {
				break
			}
		}
		if err := scanner.Err(); err != nil {
			return Exitf(ExitCodeFailure, "read input: %v", err)
		}

		flushCtx, flushCancel := context.WithTimeout(ctx, dialTimeout())
		defer flushCancel()
		_ = s.Flush(flushCtx)
		return nil
	},
}

// lockedWriter serializes REPL output with messages arriving from the relay.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func printIncoming(out io.Writer, s *session.Session, event *models.Event) {
	for _, conv := range s.Engine().Project() {
		if conv.ID != event.EntityID {
			continue
		}
		msg, ok := deliveredMessage(conv, event)
		if !ok {
			return
		}
		marker := ""
		if !conv.Selected {
			marker = fmt.Sprintf(" (%s)", shortID(conv.ID))
		}
		fmt.Fprintf(out, "[%s]%s %s: %s\n", formatTimestamp(msg.Timestamp), marker, msg.SenderName, msg.Text)
		return
	}
}

// deliveredMessage finds the message a conversation-message event announced.
// Messages are shown in timestamp order, so the newest entry is not
// necessarily the one just delivered.
func deliveredMessage(conv models.FormattedConversation, event *models.Event) (models.FormattedMessage, bool) {
	timestamp, err := strconv.ParseInt(event.Metadata["timestamp"], 10, 64)
	if err != nil {
		return models.FormattedMessage{}, false
	}
	sender := models.Identity(event.Metadata["sender"])
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		msg := conv.Messages[i]
		if msg.Timestamp == timestamp && msg.Sender == sender {
			return msg, true
		}
	}
	return models.FormattedMessage{}, false
}

type chatREPL struct {
	session *session.Session
	out     io.Writer
}

// handle processes one input line and reports whether the user asked to quit.
func (r *chatREPL) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/list":
		if err := writeConversationTable(r.out, r.session.Engine().Project()); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	case "/show":
		conv, ok := r.session.Engine().ProjectSelected()
		if !ok {
			fmt.Fprintln(r.out, "no conversation selected")
			return false
		}
		_ = writeConversation(r.out, conv)
	case "/new":
		if len(fields) < 2 {
			fmt.Fprintln(r.out, "usage: /new <id>...")
			return false
		}
		id, err := r.session.StartConversation(ctx, fields[1:])
		if err != nil {
			fmt.Fprintf(r.out, "invalid recipients: %v\n", err)
			return false
		}
		r.selectConversation(ctx, id)
	case "/select":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: /select <id>")
			return false
		}
		conv, err := findConversation(r.session.Engine().Project(), fields[1])
		if err != nil {
			fmt.Fprintf(r.out, "%v\n", err)
			return false
		}
		r.selectConversation(ctx, conv.ID)
	default:
		fmt.Fprintf(r.out, "unknown command %s\n", fields[0])
	}
	return false
}

func (r *chatREPL) selectConversation(ctx context.Context, id string) {
	r.session.Engine().SelectConversation(ctx, id)
	conv, _ := r.session.Engine().ProjectSelected()
	if err := saveSelection(id, conversationLabel(conv)); err != nil {
		fmt.Fprintf(r.out, "warning: %v\n", err)
	}
	fmt.Fprintf(r.out, "Selected conversation %s with %s\n", shortID(id), conversationLabel(conv))
}

func (r *chatREPL) send(ctx context.Context, text string) {
	if _, err := r.session.SendToSelected(ctx, text); err != nil {
		fmt.Fprintf(r.out, "%v\n", sendError(err))
		return
	}
	if !r.session.Channel().Status().Connected {
		fmt.Fprintln(r.out, "(offline: stored locally)")
	}
}
