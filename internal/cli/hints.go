package cli

import (
	"fmt"
	"io"
)

// HintContext provides context for generating relevant next steps.
type HintContext struct {
	// Action is the command that was executed (e.g. "login", "contacts_add").
	Action string

	// Identity is the local identity involved (if any).
	Identity string

	// ConversationID is the conversation involved (if any).
	ConversationID string
}

// PrintNextSteps prints contextual next steps after a successful command.
// Does nothing if JSON output is enabled.
func PrintNextSteps(out io.Writer, ctx HintContext) {
	if IsJSONOutput() {
		return
	}

	hints := generateHints(ctx)
	if len(hints) == 0 {
		return
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	for _, hint := range hints {
		fmt.Fprintf(out, "  %s\n", hint)
	}
}

func generateHints(ctx HintContext) []string {
	switch ctx.Action {
	case "login", "new_id":
		return []string{
			"pigeon contacts add <id> <name>   # name the people you talk to",
			"pigeon chat                       # open the interactive chat",
		}
	case "contacts_add":
		return []string{
			fmt.Sprintf("pigeon conversations new %s", ctx.Identity),
			fmt.Sprintf("pigeon send --to %s \"hello\"", ctx.Identity),
		}
	case "conversation_new", "conversation_select":
		return []string{
			"pigeon send \"hello\"             # send to the selected conversation",
			fmt.Sprintf("pigeon conversations show %s", shortID(ctx.ConversationID)),
		}
	default:
		return nil
	}
}
