// ABOUTME: Chat exchange coordinating one request from user turn to final assistant turn
// ABOUTME: Pulls bridge chunks and yields wire events in protocol order, ending with final_token

package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/turnstream/internal/auth"
	"github.com/2389/turnstream/internal/generation"
	"github.com/2389/turnstream/internal/wire"
)

// GreetingLog is the first log event of every stream.
const GreetingLog = "Message received, working..."

// ChatRequest is an accepted chat message.
type ChatRequest struct {
	SessionID    string // empty starts a new session
	Message      string
	ResetContext bool
	ClientReqID  string // optional idempotency key for the assistant turn
}

type exchangeState int

const (
	stateSession exchangeState = iota
	stateGreeting
	stateStreaming
	stateFinal
	stateDone
)

// Exchange yields the wire events of one chat request.
type Exchange struct {
	// SessionID is the resolved session, new or existing.
	SessionID string
	// Created reports whether the session was created by this request.
	Created bool

	svc         *Service
	stream      *generation.Stream
	clientReqID string
	state       exchangeState
	text        strings.Builder
	tokens      int
	startedAt   time.Time
	logger      *slog.Logger
}

// Chat validates the request, resolves the session, stores the user turn and
// starts generation. Errors returned here happen before any output.
// Generation is bound to ctx: cancelling it stops the engine.
func (s *Service) Chat(ctx context.Context, id *auth.Identity, req ChatRequest) (*Exchange, error) {
	if id == nil {
		return nil, ErrUnauthenticated
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	a, err := s.History(ctx, id, req.SessionID, message, req.ResetContext)
	if err != nil {
		return nil, err
	}
	created := a.New
	session, history := a.Session, a.Messages

	// Record first, then generate.
	if _, err := s.SaveUserTurn(ctx, a, message); err != nil {
		return nil, err
	}

	logger := s.logger.With("session_id", session.ID, "client_req_id", req.ClientReqID)
	logger.Debug("starting generation", "history", len(history), "reset", req.ResetContext)

	stream := s.bridge.Start(ctx, &generation.Request{
		SessionID: session.ID,
		History:   history,
		Prompt:    message,
	})

	return &Exchange{
		SessionID:   session.ID,
		Created:     created,
		svc:         s,
		stream:      stream,
		clientReqID: req.ClientReqID,
		startedAt:   time.Now(),
		logger:      logger,
	}, nil
}

// Next returns the next event. It returns io.EOF after final_token.
// Cancelling ctx makes the following call return a cancelled event.
func (x *Exchange) Next(ctx context.Context) (wire.Event, error) {
	switch x.state {
	case stateSession:
		x.state = stateGreeting
		return wire.Event{Type: wire.EventSession, SessionID: x.SessionID}, nil
	case stateGreeting:
		x.state = stateStreaming
		return wire.Event{Type: wire.EventLog, Content: GreetingLog}, nil
	case stateStreaming:
		return x.pull(ctx)
	case stateFinal:
		x.state = stateDone
		return wire.Event{Type: wire.EventFinalToken}, nil
	default:
		return wire.Event{}, io.EOF
	}
}

// Close stops generation if it is still running.
func (x *Exchange) Close() {
	x.stream.Close()
}

func (x *Exchange) pull(ctx context.Context) (wire.Event, error) {
	for {
		if ctx.Err() != nil {
			return x.cancel(), nil
		}

		chunk, err := x.stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return x.finish(), nil
		}
		if err != nil {
			return x.cancel(), nil
		}

		switch chunk.Kind {
		case generation.ChunkStart:
			x.logger.Debug("first token ready", "latency", time.Since(x.startedAt))
		case generation.ChunkToken:
			x.text.WriteString(chunk.Text)
			x.tokens++
			return wire.Event{Type: wire.EventToken, Content: chunk.Text}, nil
		case generation.ChunkLog:
			return wire.Event{Type: wire.EventLog, Content: chunk.Text}, nil
		case generation.ChunkError:
			x.state = stateFinal
			x.stream.Close()
			x.logger.Warn("generation failed mid-stream", "error", chunk.Text, "tokens", x.tokens)
			return wire.Event{Type: wire.EventError, Content: chunk.Text}, nil
		}
	}
}

// cancel ends the stream without writing anything. The client persists what
// it actually received through the partial save endpoint.
func (x *Exchange) cancel() wire.Event {
	x.state = stateFinal
	x.stream.Close()
	x.logger.Info("stream cancelled by client", "tokens", x.tokens)
	return wire.Event{Type: wire.EventCancelled}
}

// finish commits the assistant turn and ends the stream.
func (x *Exchange) finish() wire.Event {
	ctx, cancel := context.WithTimeout(context.Background(), x.svc.opts.SaveTimeout)
	defer cancel()

	result, err := x.svc.SaveFinal(ctx, x.SessionID, x.clientReqID, x.text.String(), x.tokens)
	if err != nil {
		x.state = stateFinal
		x.logger.Error("failed to save assistant turn", "error", err)
		return wire.Event{Type: wire.EventError, Content: "failed to save response"}
	}

	x.state = stateDone
	x.logger.Info("assistant turn saved",
		"turn_id", result.Turn.ID,
		"applied", result.Applied,
		"tokens", x.tokens,
		"duration", time.Since(x.startedAt),
	)
	return wire.Event{Type: wire.EventFinalToken}
}
