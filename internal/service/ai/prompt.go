package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

const basePrompt = `You are a helpful, empathetic voice assistant. The user talks to you through a voice interface that also analyses the emotion in their voice.
Keep your responses concise and conversational, because they will be spoken aloud.`

// BuildSystemPrompt combines the base instructions, the voice constraints and the
// emotion hint. Length limits are expressed as instructions; replies are never cut.
func BuildSystemPrompt(hint string, opts Options) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if opts.MaxSentences > 0 {
		fmt.Fprintf(&b, "\nAim for at most %d sentences.", opts.MaxSentences)
	}
	if opts.MaxTokens > 0 {
		fmt.Fprintf(&b, "\nAlways finish your reply well within %d tokens, ending on a complete sentence.", opts.MaxTokens)
	}
	if opts.VoiceFriendly {
		b.WriteString("\nDo not use markdown, lists, code blocks or emoji; write plain sentences that sound natural when read aloud.")
	}

	if hint = strings.TrimSpace(hint); hint != "" {
		b.WriteString("\n\nAdapt your tone to the emotion detected in the user's voice, without quoting the scores.\n")
		b.WriteString(hint)
	}
	return b.String()
}

// message groups consecutive turns of the same role for backends that require
// strictly alternating roles.
type message struct {
	role  chat.Role
	parts []string
}

func groupTurns(history []chat.Turn) []message {
	out := make([]message, 0, len(history))
	for _, turn := range history {
		if n := len(out); n > 0 && out[n-1].role == turn.Role {
			out[n-1].parts = append(out[n-1].parts, turn.Text)
			continue
		}
		out = append(out, message{role: turn.Role, parts: []string{turn.Text}})
	}
	return out
}
