// Package scheduler drains the durable processing queue. A single poll loop
// claims pending prompts in (priority, enqueue time) order and hands each to
// the multi-model executor on a bounded worker pool. All cross-worker
// coordination goes through the store; the transactional claim is the only
// exclusion point.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/promptd/internal/executor"
	"github.com/kalambet/promptd/internal/provider"
	"github.com/kalambet/promptd/internal/storage"
)

const (
	defaultConcurrency   = 5
	defaultPollInterval  = time.Second
	defaultHistoryWindow = 20
)

// RoundRunner abstracts the multi-model executor.
type RoundRunner interface {
	Execute(ctx context.Context, req executor.Request) (executor.Round, error)
}

// Interceptor abstracts the clarification gate.
type Interceptor interface {
	Intercept(prompt storage.Prompt, content, contextJSON string) (bool, error)
}

// Options configures a Worker.
type Options struct {
	Models        []executor.ModelConfig
	SystemPrompt  string
	Concurrency   int           // global limit on concurrent prompt executions; default 5
	PollInterval  time.Duration // default 1s
	HistoryWindow int           // messages of history per execution; default 20
}

// Worker is the queue-draining poll loop.
type Worker struct {
	store    *storage.Store
	runner   RoundRunner
	gate     Interceptor
	opts     Options
	inflight atomic.Int64
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies, filling option
// defaults.
func NewWorker(store *storage.Store, runner RoundRunner, gate Interceptor, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	return &Worker{
		store:  store,
		runner: runner,
		gate:   gate,
		opts:   opts,
		logger: slog.Default(),
	}
}

// Run polls for claimable prompts until ctx is cancelled, then waits for
// in-flight executions to finish.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.wg.Wait()
			return
		}

		claimed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("scheduler iteration failed", "error", err)
		}
		if claimed > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// RunOnce claims up to the remaining pool capacity and dispatches each
// claimed prompt on its own goroutine. Returns the number claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	free := w.opts.Concurrency - int(w.inflight.Load())
	if free <= 0 {
		return 0, nil
	}

	entries, err := w.store.ClaimNextPending(free)
	if err != nil {
		return 0, fmt.Errorf("claiming queue entries: %w", err)
	}

	for _, entry := range entries {
		w.inflight.Add(1)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.inflight.Add(-1)
			w.process(ctx, entry)
		}()
	}
	return len(entries), nil
}

// Wait blocks until all in-flight executions have finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) process(ctx context.Context, entry storage.QueueEntry) {
	prompt, err := w.store.GetPrompt(entry.PromptID)
	if err != nil {
		w.logger.Error("claimed entry has no prompt", "prompt_id", entry.PromptID, "error", err)
		w.finishEntry(entry.PromptID)
		return
	}

	if err := w.store.MarkPromptStarted(prompt.ID); err != nil {
		w.logger.Error("marking prompt processing", "prompt_id", prompt.ID, "error", err)
	}

	history, err := w.loadHistory(prompt.SessionID)
	if err != nil {
		w.logger.Warn("loading conversation history", "session_id", prompt.SessionID, "error", err)
		history = nil
	}

	round, err := w.runner.Execute(ctx, executor.Request{
		Prompt:       renderPrompt(prompt),
		SystemPrompt: w.opts.SystemPrompt,
		Models:       w.opts.Models,
		History:      history,
		SessionID:    prompt.SessionID,
	})
	if err != nil {
		// Transport/validation failure distinct from per-model outcomes: the
		// prompt fails, its siblings are untouched.
		w.failPrompt(prompt, err.Error())
		w.finishEntry(prompt.ID)
		w.recomputeSession(prompt.SessionID)
		return
	}

	content, ok := chooseResult(round)
	if !ok {
		w.failPrompt(prompt, summarizeErrors(round))
		w.finishEntry(prompt.ID)
		w.recomputeSession(prompt.SessionID)
		return
	}

	parked, err := w.gate.Intercept(prompt, content, roundContextJSON(round))
	if err != nil {
		w.logger.Error("clarification intercept failed", "prompt_id", prompt.ID, "error", err)
	}
	if parked {
		// Entry is waiting; the prompt re-enters the queue when answered.
		w.recomputeSession(prompt.SessionID)
		return
	}

	if err := w.store.CompletePrompt(prompt.ID, content); err != nil {
		w.logger.Error("storing prompt result", "prompt_id", prompt.ID, "error", err)
	}
	w.appendExchange(prompt, content)
	w.finishEntry(prompt.ID)
	w.recomputeSession(prompt.SessionID)
}

func (w *Worker) loadHistory(sessionID string) ([]provider.Message, error) {
	msgs, err := w.store.ListRecentMessages(sessionID, w.opts.HistoryWindow)
	if err != nil {
		return nil, err
	}
	history := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		history[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return history, nil
}

// appendExchange records the executed prompt and its result as conversation
// turns so later prompts in the session see them as context.
func (w *Worker) appendExchange(prompt storage.Prompt, content string) {
	userTurn := storage.Message{
		ID:        uuid.New().String(),
		SessionID: prompt.SessionID,
		Role:      "user",
		Content:   prompt.Content,
		Type:      "prompt",
	}
	assistantTurn := storage.Message{
		ID:        uuid.New().String(),
		SessionID: prompt.SessionID,
		Role:      "assistant",
		Content:   content,
		Type:      "prompt_result",
	}
	if err := w.store.AppendMessage(userTurn); err != nil {
		w.logger.Warn("appending prompt to history", "prompt_id", prompt.ID, "error", err)
		return
	}
	if err := w.store.AppendMessage(assistantTurn); err != nil {
		w.logger.Warn("appending result to history", "prompt_id", prompt.ID, "error", err)
	}
}

func (w *Worker) failPrompt(prompt storage.Prompt, msg string) {
	w.logger.Warn("prompt failed", "prompt_id", prompt.ID, "error", msg)
	if err := w.store.FailPrompt(prompt.ID, msg); err != nil {
		w.logger.Error("marking prompt failed", "prompt_id", prompt.ID, "error", err)
	}
}

func (w *Worker) finishEntry(promptID string) {
	if err := w.store.SetEntryStatus(promptID, storage.EntryDone); err != nil {
		w.logger.Error("finishing queue entry", "prompt_id", promptID, "error", err)
	}
}

// recomputeSession derives the session status from its prompts and open
// clarifications: PROCESSING while anything is outstanding, COMPLETED when
// every non-skipped prompt is terminal and no clarification is open, FAILED
// when everything that ran failed.
func (w *Worker) recomputeSession(sessionID string) {
	counts, err := w.store.CountPromptsByStatus(sessionID)
	if err != nil {
		w.logger.Error("counting prompts", "session_id", sessionID, "error", err)
		return
	}
	open, err := w.store.CountOpenClarifications(sessionID)
	if err != nil {
		w.logger.Error("counting clarifications", "session_id", sessionID, "error", err)
		return
	}

	status := storage.SessionProcessing
	if counts.Pending == 0 && counts.Processing == 0 && open == 0 {
		if counts.Completed == 0 && counts.Failed > 0 {
			status = storage.SessionFailed
		} else {
			status = storage.SessionCompleted
		}
	}

	if err := w.store.UpdateSessionStatus(sessionID, status); err != nil {
		w.logger.Error("updating session status", "session_id", sessionID, "error", err)
	}
}

// renderPrompt prefixes the prompt content with its target scope so the
// model knows what part of the document set it addresses.
func renderPrompt(p storage.Prompt) string {
	switch p.TargetType {
	case storage.TargetFileSpecific:
		return fmt.Sprintf("[Scope: file %s]\n%s", p.TargetFileID, p.Content)
	case storage.TargetLineSpecific:
		return fmt.Sprintf("[Scope: lines %s of file %s]\n%s", p.TargetLines, p.TargetFileID, p.Content)
	case storage.TargetSection:
		return fmt.Sprintf("[Scope: section %q]\n%s", p.TargetSection, p.Content)
	default:
		return p.Content
	}
}

// chooseResult picks the text stored as the prompt's result: consensus when
// a group of models agrees, otherwise the fastest completed outcome.
func chooseResult(round executor.Round) (string, bool) {
	if round.SuccessCount == 0 {
		return "", false
	}
	if content, ok := executor.ConsensusResult(round, 0); ok {
		return content, true
	}
	fastest, ok := executor.FastestResult(round)
	if !ok {
		return "", false
	}
	return fastest.Content, true
}

func summarizeErrors(round executor.Round) string {
	msg := "all models failed"
	for _, o := range round.Outcomes {
		if o.Status == executor.OutcomeFailed {
			msg += fmt.Sprintf("; %s/%s: %s", o.Provider, o.Model, o.Error)
		}
	}
	return msg
}

// roundContextJSON captures the per-model view of a round for the
// clarification record's structured context blob.
func roundContextJSON(round executor.Round) string {
	type modelView struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
		Status   string `json:"status"`
	}
	views := make([]modelView, len(round.Outcomes))
	for i, o := range round.Outcomes {
		views[i] = modelView{Provider: o.Provider, Model: o.Model, Status: o.Status}
	}
	b, err := json.Marshal(map[string]any{"models": views})
	if err != nil {
		return "{}"
	}
	return string(b)
}
