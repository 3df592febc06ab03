package agent

import (
	"github.com/rs/zerolog"
)

// PromptFunc supplies the resolved system prompt at assembly time. Hot
// reloaded prompt sources plug in here.
type PromptFunc func() string

// StaticPrompt wraps a fixed prompt string into a PromptFunc.
func StaticPrompt(s string) PromptFunc {
	return func() string { return s }
}

// Assembler builds the ordered message sequence for one model invocation:
// exactly one system message, validated history, then the current query.
type Assembler struct {
	prompt  PromptFunc
	logger  zerolog.Logger
	onDebug func(message string, data map[string]interface{})
}

// NewAssembler creates an Assembler. onDebug may be nil.
func NewAssembler(prompt PromptFunc, logger zerolog.Logger, onDebug func(string, map[string]interface{})) *Assembler {
	return &Assembler{
		prompt:  prompt,
		logger:  logger,
		onDebug: onDebug,
	}
}

// Assemble builds the message sequence. Tool-role history entries without a
// tool-call id are dropped with a diagnostic, not an error; the run
// continues without them. Unrecognized roles default to user.
func (a *Assembler) Assemble(query string, history []Message) []Message {
	messages := make([]Message, 0, len(history)+2)

	messages = append(messages, Message{
		Role:    RoleSystem,
		Content: a.prompt(),
	})

	for i, entry := range history {
		switch entry.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		case RoleTool:
			if entry.ToolCallID == "" {
				a.diagnostic("dropped tool message without tool_call_id", map[string]interface{}{
					"index": i,
				})
				continue
			}
		default:
			a.diagnostic("coerced unrecognized role to user", map[string]interface{}{
				"index": i,
				"role":  string(entry.Role),
			})
			entry.Role = RoleUser
		}
		messages = append(messages, entry)
	}

	messages = append(messages, Message{
		Role:    RoleUser,
		Content: query,
	})

	return messages
}

func (a *Assembler) diagnostic(msg string, data map[string]interface{}) {
	a.logger.Debug().Fields(data).Msg(msg)
	if a.onDebug != nil {
		a.onDebug(msg, data)
	}
}
