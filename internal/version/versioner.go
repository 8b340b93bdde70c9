// Package version materializes a session's completed prompt results into a
// versioned, confirmable document. Version numbers per session are strictly
// increasing from 1 and never reused, even across regenerate cycles.
package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/promptd/internal/storage"
)

// SectionSeparator joins per-prompt results inside an assembled document.
const SectionSeparator = "\n\n---\n\n"

// ErrNoCompletedPrompts is returned when a session has nothing to assemble.
var ErrNoCompletedPrompts = errors.New("session has no completed prompts")

// Store abstracts the persistence operations the versioner needs.
type Store interface {
	ListPromptsBySession(sessionID string) ([]storage.Prompt, error)
	CreatePrompt(p storage.Prompt) error
	ResetSessionPrompts(sessionID string, entryID func() string) error
	EnqueuePrompts(entries []storage.QueueEntry) error
	CreateResult(r storage.Result) error
	GetResult(id string) (storage.Result, error)
	GetLatestResult(sessionID string) (storage.Result, error)
	MaxResultVersion(sessionID string) (int, error)
	UpdateResultStatus(id, status string) error
	DemoteConfirmedResults(sessionID string) error
	UpdateSessionStatus(id, status string) error
	ArchiveMessages(sessionID string) error
}

type Versioner struct {
	store  Store
	logger *slog.Logger
}

func NewVersioner(store Store) *Versioner {
	return &Versioner{store: store, logger: slog.Default()}
}

// Materialize returns the session's current result, synthesizing the next
// version from completed prompts when none exists yet, or when the current
// one was demoted to DRAFT by regenerate and every prompt has since settled.
func (v *Versioner) Materialize(sessionID string) (storage.Result, error) {
	latest, err := v.store.GetLatestResult(sessionID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return v.synthesize(sessionID, nil)
	case err != nil:
		return storage.Result{}, err
	}

	if latest.Status != storage.ResultDraft {
		return latest, nil
	}

	// A DRAFT head means a regeneration is underway; assemble the next
	// version only once nothing is outstanding.
	prompts, err := v.store.ListPromptsBySession(sessionID)
	if err != nil {
		return storage.Result{}, err
	}
	for _, p := range prompts {
		if p.Status == storage.PromptPending || p.Status == storage.PromptProcessing {
			return latest, nil
		}
	}
	return v.synthesize(sessionID, map[string]any{"supersedes": latest.Version})
}

// synthesize assembles a new result version from the session's COMPLETED
// prompts in priority order, status PENDING_CONFIRMATION.
func (v *Versioner) synthesize(sessionID string, metadata map[string]any) (storage.Result, error) {
	prompts, err := v.store.ListPromptsBySession(sessionID)
	if err != nil {
		return storage.Result{}, err
	}

	var parts []string
	for _, p := range prompts {
		if p.Status == storage.PromptCompleted && p.Result != "" {
			parts = append(parts, p.Result)
		}
	}
	if len(parts) == 0 {
		return storage.Result{}, ErrNoCompletedPrompts
	}

	maxVersion, err := v.store.MaxResultVersion(sessionID)
	if err != nil {
		return storage.Result{}, err
	}

	metadataJSON := "{}"
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return storage.Result{}, fmt.Errorf("marshaling result metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	r := storage.Result{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Version:      maxVersion + 1,
		Content:      strings.Join(parts, SectionSeparator),
		Status:       storage.ResultPendingConfirmation,
		MetadataJSON: metadataJSON,
	}
	if err := v.store.CreateResult(r); err != nil {
		return storage.Result{}, fmt.Errorf("storing result version %d: %w", r.Version, err)
	}

	v.logger.Info("result version assembled", "session_id", sessionID, "version", r.Version, "sections", len(parts))
	return r, nil
}

// Confirm marks the given result CONFIRMED (demoting any prior CONFIRMED
// version), completes the session, and archives its conversation state.
func (v *Versioner) Confirm(resultID string) (storage.Result, error) {
	r, err := v.store.GetResult(resultID)
	if err != nil {
		return storage.Result{}, err
	}

	if err := v.store.DemoteConfirmedResults(r.SessionID); err != nil {
		return storage.Result{}, err
	}
	if err := v.store.UpdateResultStatus(r.ID, storage.ResultConfirmed); err != nil {
		return storage.Result{}, err
	}
	if err := v.store.UpdateSessionStatus(r.SessionID, storage.SessionCompleted); err != nil {
		return storage.Result{}, err
	}
	if err := v.store.ArchiveMessages(r.SessionID); err != nil {
		v.logger.Warn("archiving conversation", "session_id", r.SessionID, "error", err)
	}

	r.Status = storage.ResultConfirmed
	return r, nil
}

// Regenerate demotes the result to DRAFT and atomically resets the whole
// session's prompt set back to PENDING at original priorities; a new version
// materializes once they complete. The version counter never decreases.
func (v *Versioner) Regenerate(resultID string) error {
	r, err := v.store.GetResult(resultID)
	if err != nil {
		return err
	}

	if err := v.store.UpdateResultStatus(r.ID, storage.ResultDraft); err != nil {
		return err
	}
	if err := v.store.ResetSessionPrompts(r.SessionID, func() string { return uuid.New().String() }); err != nil {
		return fmt.Errorf("resetting session prompts: %w", err)
	}

	v.logger.Info("session regeneration started", "session_id", r.SessionID, "from_version", r.Version)
	return nil
}

// Modify applies a user revision. Raw replacement text creates version N+1
// immediately, carrying a line diff against version N in its metadata. A
// fresh prompt list instead queues asynchronous processing and defers
// version creation until those prompts resolve.
func (v *Versioner) Modify(resultID, rawContent string, newPrompts []storage.Prompt) (storage.Result, error) {
	r, err := v.store.GetResult(resultID)
	if err != nil {
		return storage.Result{}, err
	}

	if rawContent != "" {
		maxVersion, err := v.store.MaxResultVersion(r.SessionID)
		if err != nil {
			return storage.Result{}, err
		}

		metadata, err := json.Marshal(map[string]any{
			"supersedes": r.Version,
			"diff":       DiffLines(r.Content, rawContent),
		})
		if err != nil {
			return storage.Result{}, fmt.Errorf("marshaling diff metadata: %w", err)
		}

		next := storage.Result{
			ID:           uuid.New().String(),
			SessionID:    r.SessionID,
			Version:      maxVersion + 1,
			Content:      rawContent,
			Status:       storage.ResultPendingConfirmation,
			MetadataJSON: string(metadata),
		}
		if err := v.store.CreateResult(next); err != nil {
			return storage.Result{}, fmt.Errorf("storing modified version %d: %w", next.Version, err)
		}
		if err := v.store.UpdateResultStatus(r.ID, storage.ResultModified); err != nil {
			return storage.Result{}, err
		}
		return next, nil
	}

	if len(newPrompts) == 0 {
		return storage.Result{}, fmt.Errorf("modification requires replacement text or new prompts")
	}

	if err := v.store.UpdateResultStatus(r.ID, storage.ResultDraft); err != nil {
		return storage.Result{}, err
	}

	now := time.Now().UTC()
	entries := make([]storage.QueueEntry, 0, len(newPrompts))
	for _, p := range newPrompts {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.SessionID = r.SessionID
		p.EnqueuedAt = now
		if err := v.store.CreatePrompt(p); err != nil {
			return storage.Result{}, fmt.Errorf("creating modification prompt: %w", err)
		}
		entries = append(entries, storage.QueueEntry{
			ID:        uuid.New().String(),
			SessionID: r.SessionID,
			PromptID:  p.ID,
			Priority:  p.Priority,
		})
	}
	if err := v.store.EnqueuePrompts(entries); err != nil {
		return storage.Result{}, fmt.Errorf("enqueueing modification prompts: %w", err)
	}
	if err := v.store.UpdateSessionStatus(r.SessionID, storage.SessionProcessing); err != nil {
		return storage.Result{}, err
	}

	// Version creation is deferred until the new prompts resolve.
	return r, nil
}
