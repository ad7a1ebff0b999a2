// ABOUTME: Echo engine that streams the user's message back word by word
// ABOUTME: Used for local development and tests; optionally simulates a tool call

package generation

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EchoEngine replies by quoting the prompt in markdown.
type EchoEngine struct {
	// Delay is waited before each token.
	Delay time.Duration
	// ToolName, when set, is reported as a tool call before the reply.
	ToolName string
}

// Generate streams the echo reply.
func (e *EchoEngine) Generate(ctx context.Context, req *Request, emit Emitter) error {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}

	if e.ToolName != "" {
		emit.ToolStart(e.ToolName)
		if err := e.wait(ctx); err != nil {
			return err
		}
		emit.ToolEnd(e.ToolName)
	}

	for _, tok := range Tokenize(EchoReply(req)) {
		if err := e.wait(ctx); err != nil {
			return err
		}
		emit.Token(tok)
	}
	return nil
}

func (e *EchoEngine) wait(ctx context.Context) error {
	if e.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(e.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EchoReply is the full text EchoEngine produces for req.
func EchoReply(req *Request) string {
	return fmt.Sprintf("> %s\n\nI heard you. This session had %d earlier messages.",
		strings.TrimSpace(req.Prompt), len(req.History))
}

// Tokenize splits text into word fragments that concatenate back to text.
func Tokenize(text string) []string {
	return strings.SplitAfter(text, " ")
}
