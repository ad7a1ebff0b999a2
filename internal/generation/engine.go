// ABOUTME: Generation engine contract: conversation input and the emitter callbacks
// ABOUTME: Engines push tokens and tool lifecycle signals; the Bridge orders them

package generation

import (
	"context"
	"errors"
)

// ErrEmptyPrompt is returned by engines when asked to answer nothing
var ErrEmptyPrompt = errors.New("empty prompt")

// Role identifies who authored a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior turn in generation-input form.
type Message struct {
	Role     Role
	Text     string
	Metadata map[string]string // optional, e.g. turn_id, status
}

// Request is everything an engine needs to produce a reply.
type Request struct {
	SessionID string
	History   []Message // oldest first
	Prompt    string
}

// Emitter receives an engine's output. Implementations are safe for
// concurrent use.
type Emitter interface {
	// Token delivers a fragment of generated text.
	Token(text string)
	// ToolStart reports that the engine began invoking a tool.
	ToolStart(name string)
	// ToolEnd reports that a tool invocation finished.
	ToolEnd(name string)
}

// Engine produces a reply for a request by pushing output into emit.
// Generate returns when generation is finished. It must return promptly
// once ctx is cancelled.
type Engine interface {
	Generate(ctx context.Context, req *Request, emit Emitter) error
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, req *Request, emit Emitter) error

// Generate calls f.
func (f EngineFunc) Generate(ctx context.Context, req *Request, emit Emitter) error {
	return f(ctx, req, emit)
}
