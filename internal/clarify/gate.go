// Package clarify parks prompts whose model output signals ambiguity and
// releases them once a human answers. A prompt owns at most one open
// clarification; resolving it releases exactly that prompt.
package clarify

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kalambet/promptd/internal/storage"
)

// Store abstracts the persistence operations the gate needs.
type Store interface {
	CreateClarification(c storage.Clarification) error
	GetClarification(id string) (storage.Clarification, error)
	AnswerClarification(id, answer string) error
	AppendMessage(m storage.Message) error
	SetEntryStatus(promptID, status string) error
	ResetPromptToPending(promptID string) error
}

type Gate struct {
	store  Store
	logger *slog.Logger
}

func NewGate(store Store) *Gate {
	return &Gate{store: store, logger: slog.Default()}
}

// Intercept inspects a round's chosen content. When it reads as a
// clarification request, a Clarification is recorded, the prompt's queue
// entry is parked, and true is returned; the prompt then stays out of the
// ready queue until Resolve. The parked prompt keeps its PROCESSING status;
// the open clarification is what distinguishes it from a running one.
func (g *Gate) Intercept(prompt storage.Prompt, content, contextJSON string) (bool, error) {
	if !NeedsClarification(content) {
		return false, nil
	}

	c := storage.Clarification{
		ID:          uuid.New().String(),
		SessionID:   prompt.SessionID,
		PromptID:    prompt.ID,
		Question:    content,
		ContextJSON: contextJSON,
	}
	if err := g.store.CreateClarification(c); err != nil {
		return false, fmt.Errorf("recording clarification: %w", err)
	}

	// The question becomes an assistant turn so the re-run sees it right
	// before the human answer.
	metadata, _ := json.Marshal(map[string]string{
		"clarificationId": c.ID,
		"promptId":        prompt.ID,
	})
	question := storage.Message{
		ID:           uuid.New().String(),
		SessionID:    prompt.SessionID,
		Role:         "assistant",
		Content:      content,
		Type:         "clarification_question",
		MetadataJSON: string(metadata),
	}
	if err := g.store.AppendMessage(question); err != nil {
		return false, fmt.Errorf("appending question to history: %w", err)
	}

	if err := g.store.SetEntryStatus(prompt.ID, storage.EntryWaiting); err != nil {
		return false, fmt.Errorf("parking prompt %s: %w", prompt.ID, err)
	}

	g.logger.Info("prompt parked awaiting clarification",
		"prompt_id", prompt.ID, "session_id", prompt.SessionID, "clarification_id", c.ID)
	return true, nil
}

// Resolve records the human answer exactly once, folds it into the session's
// conversation as a user turn, and re-enqueues the originating prompt at its
// original priority. A second Resolve returns storage.ErrAlreadyAnswered.
func (g *Gate) Resolve(clarificationID, answer string) (storage.Clarification, error) {
	c, err := g.store.GetClarification(clarificationID)
	if err != nil {
		return storage.Clarification{}, err
	}

	if err := g.store.AnswerClarification(clarificationID, answer); err != nil {
		return storage.Clarification{}, err
	}

	metadata, _ := json.Marshal(map[string]string{
		"clarificationId": c.ID,
		"promptId":        c.PromptID,
	})
	msg := storage.Message{
		ID:           uuid.New().String(),
		SessionID:    c.SessionID,
		Role:         "user",
		Content:      answer,
		Type:         "clarification_response",
		MetadataJSON: string(metadata),
	}
	if err := g.store.AppendMessage(msg); err != nil {
		return storage.Clarification{}, fmt.Errorf("appending answer to history: %w", err)
	}

	if err := g.store.ResetPromptToPending(c.PromptID); err != nil {
		return storage.Clarification{}, fmt.Errorf("resetting prompt %s: %w", c.PromptID, err)
	}
	if err := g.store.SetEntryStatus(c.PromptID, storage.EntryPending); err != nil {
		return storage.Clarification{}, fmt.Errorf("releasing prompt %s: %w", c.PromptID, err)
	}

	c.Answer = answer
	c.Answered = true
	g.logger.Info("clarification resolved", "clarification_id", c.ID, "prompt_id", c.PromptID)
	return c, nil
}
