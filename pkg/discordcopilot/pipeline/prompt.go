package pipeline

import (
	"strings"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/llm"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/store"
)

// DefaultFallbackPersona is used when no persona instruction is stored.
const DefaultFallbackPersona = "You are a helpful assistant."

// Supporting context delimiters.
const (
	ContextHeader    = "--- SUPPORTING CONTEXT ---\nThe following excerpts come from the knowledge base. They are reference material: use them only if they are relevant to the user's message, and do not repeat them verbatim when they are not."
	ContextSeparator = "\n---\n"
	ContextFooter    = "--- END SUPPORTING CONTEXT ---"
)

// Prompt is the assembled generation input. The rendering order is fixed:
// persona, supporting context, history, live message.
type Prompt struct {
	Persona string

	// Context holds chunk contents in ranked order.
	Context []string

	// History holds prior turns oldest first.
	History []store.Turn

	// Message is the live user message.
	Message string
}

// ContextBlock renders the delimited supporting context segment, or "" when
// there are no chunks.
func (p Prompt) ContextBlock() string {
	if len(p.Context) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(ContextHeader)
	sb.WriteString("\n\n")
	sb.WriteString(strings.Join(p.Context, ContextSeparator))
	sb.WriteString("\n")
	sb.WriteString(ContextFooter)
	return sb.String()
}

// System renders the system-level framing: the persona followed by the
// supporting context block when present.
func (p Prompt) System() string {
	block := p.ContextBlock()
	if block == "" {
		return p.Persona
	}
	return p.Persona + "\n\n" + block
}

// Request converts the prompt into a generation request.
func (p Prompt) Request() llm.Request {
	history := make([]llm.Message, 0, len(p.History))
	for _, t := range p.History {
		history = append(history, llm.Message{Role: string(t.Role), Text: t.Content})
	}
	return llm.Request{
		System:  p.System(),
		History: history,
		Prompt:  p.Message,
	}
}
