// ABOUTME: Idempotent persistence of user and assistant turns
// ABOUTME: Partial and final saves converge on one turn per key; complete always wins

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/turnstream/internal/auth"
	"github.com/2389/turnstream/internal/store"
)

// SaveResult describes the outcome of an assistant turn save.
type SaveResult struct {
	// Turn is the stored turn after the save.
	Turn *store.Turn
	// Applied is false when the save was a no-op because the turn was
	// already complete.
	Applied bool
}

// PartialRequest is a client report of an interrupted stream.
type PartialRequest struct {
	SessionID   string
	ClientReqID string
	Text        string
	Reason      string // defaults to client_abort
	TokenCount  int    // defaults to the word count of Text
}

// SaveUserTurn appends the user's message to the assembled session. A new
// session is created in the same transaction, so a failed write leaves
// nothing behind.
func (s *Service) SaveUserTurn(ctx context.Context, a *Assembly, text string) (*store.Turn, error) {
	now := s.now()
	turn := &store.Turn{
		ID:         store.NewID(),
		SessionID:  a.Session.ID,
		Owner:      store.OwnerUser,
		Text:       text,
		Status:     store.TurnComplete,
		TokenCount: len(strings.Fields(text)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if !a.New {
		if err := s.store.AppendTurn(ctx, turn); err != nil {
			return nil, fmt.Errorf("saving user turn: %w", err)
		}
		return turn, nil
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateSession(ctx, a.Session); err != nil {
			return err
		}
		if err := tx.InsertTurn(ctx, turn); err != nil {
			return err
		}
		return tx.BumpSession(ctx, a.Session.ID, 1, turn.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("creating session with user turn: %w", err)
	}

	a.Session.MessageCount = 1
	a.New = false
	s.logger.Info("session created", "session_id", a.Session.ID, "user_id", a.Session.UserID)
	return turn, nil
}

// SavePartial records what the client received before it aborted a stream.
// The caller must own the session.
func (s *Service) SavePartial(ctx context.Context, id *auth.Identity, req PartialRequest) (*SaveResult, error) {
	if req.ClientReqID == "" {
		return nil, ErrMissingRequestID
	}
	if _, err := s.ownedSession(ctx, id, req.SessionID); err != nil {
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = store.EndReasonClientAbort
	}
	tokens := req.TokenCount
	if tokens <= 0 {
		tokens = len(strings.Fields(req.Text))
	}

	result, err := s.savePartial(ctx, req.SessionID, req.ClientReqID, req.Text, reason, tokens)
	if err != nil {
		return nil, err
	}

	s.logger.Info("partial save",
		"session_id", req.SessionID,
		"client_req_id", req.ClientReqID,
		"turn_id", result.Turn.ID,
		"applied", result.Applied,
	)
	return result, nil
}

func (s *Service) savePartial(ctx context.Context, sessionID, key, text, reason string, tokens int) (*SaveResult, error) {
	var result *SaveResult

	err := s.inTxRetry(ctx, func(tx store.Tx) error {
		now := s.now()

		existing, err := tx.FindAssistantTurn(ctx, sessionID, key)
		if errors.Is(err, store.ErrNotFound) {
			turn := &store.Turn{
				ID:          store.NewID(),
				SessionID:   sessionID,
				Owner:       store.OwnerAssistant,
				Text:        text,
				Status:      store.TurnCancelled,
				EndReason:   reason,
				TokenCount:  tokens,
				ClientReqID: key,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.InsertTurn(ctx, turn); err != nil {
				return err
			}
			if err := tx.BumpSession(ctx, sessionID, 1, now); err != nil {
				return err
			}
			result = &SaveResult{Turn: turn, Applied: true}
			return nil
		}
		if err != nil {
			return err
		}

		// The finisher won the race.
		if existing.IsComplete() {
			result = &SaveResult{Turn: existing}
			return nil
		}

		existing.Text = text
		existing.Status = store.TurnCancelled
		existing.EndReason = reason
		existing.TokenCount = tokens
		existing.UpdatedAt = now
		if err := tx.UpdateTurn(ctx, existing); err != nil {
			if errors.Is(err, store.ErrTurnFinalized) {
				return s.reloadFinalized(ctx, tx, sessionID, key, &result)
			}
			return err
		}
		if err := tx.BumpSession(ctx, sessionID, 0, now); err != nil {
			return err
		}
		result = &SaveResult{Turn: existing, Applied: true}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("saving partial turn: %w", err)
	}
	return result, nil
}

// SaveFinal commits a completed assistant reply. With a client_req_id it
// upgrades a turn left by an earlier partial save instead of adding a second
// one. Without a key it always inserts.
func (s *Service) SaveFinal(ctx context.Context, sessionID, key, text string, tokens int) (*SaveResult, error) {
	var result *SaveResult

	err := s.inTxRetry(ctx, func(tx store.Tx) error {
		now := s.now()

		if key != "" {
			existing, err := tx.FindAssistantTurn(ctx, sessionID, key)
			switch {
			case errors.Is(err, store.ErrNotFound):
				// fall through to insert
			case err != nil:
				return err
			case existing.IsComplete():
				result = &SaveResult{Turn: existing}
				return nil
			default:
				existing.Text = text
				existing.Status = store.TurnComplete
				existing.EndReason = store.EndReasonDone
				existing.TokenCount = tokens
				existing.UpdatedAt = now
				if err := tx.UpdateTurn(ctx, existing); err != nil {
					if errors.Is(err, store.ErrTurnFinalized) {
						return s.reloadFinalized(ctx, tx, sessionID, key, &result)
					}
					return err
				}
				if err := tx.BumpSession(ctx, sessionID, 0, now); err != nil {
					return err
				}
				result = &SaveResult{Turn: existing, Applied: true}
				return nil
			}
		}

		turn := &store.Turn{
			ID:          store.NewID(),
			SessionID:   sessionID,
			Owner:       store.OwnerAssistant,
			Text:        text,
			Status:      store.TurnComplete,
			EndReason:   store.EndReasonDone,
			TokenCount:  tokens,
			ClientReqID: key,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertTurn(ctx, turn); err != nil {
			return err
		}
		if err := tx.BumpSession(ctx, sessionID, 1, now); err != nil {
			return err
		}
		result = &SaveResult{Turn: turn, Applied: true}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("saving final turn: %w", err)
	}
	return result, nil
}

// reloadFinalized reports a no-op after another writer completed the turn
// between our read and our update.
func (s *Service) reloadFinalized(ctx context.Context, tx store.Tx, sessionID, key string, result **SaveResult) error {
	turn, err := tx.FindAssistantTurn(ctx, sessionID, key)
	if err != nil {
		return err
	}
	*result = &SaveResult{Turn: turn}
	return nil
}

// inTxRetry runs fn in a transaction and runs it once more if a concurrent
// save claimed the idempotency key between lookup and insert. The second
// attempt finds that turn and applies the normal rules to it.
func (s *Service) inTxRetry(ctx context.Context, fn func(tx store.Tx) error) error {
	err := s.store.InTx(ctx, fn)
	if errors.Is(err, store.ErrDuplicateTurn) {
		s.logger.Debug("idempotency key claimed concurrently, retrying")
		err = s.store.InTx(ctx, fn)
	}
	return err
}
