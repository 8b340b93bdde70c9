// Package executor fans a single prompt out to several model configurations
// concurrently and collects per-model outcomes. One model failing never
// cancels the others; a round always yields exactly one outcome per enabled
// configuration.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/promptd/internal/contextwindow"
	"github.com/kalambet/promptd/internal/live"
	"github.com/kalambet/promptd/internal/provider"
)

// Outcome statuses.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// ModelConfig selects one (provider, model) pair for a round.
type ModelConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Enabled  bool   `json:"enabled"`
	BaseURL  string `json:"baseUrl,omitempty"`
}

// Request describes one multi-model round.
type Request struct {
	Prompt       string
	SystemPrompt string
	Models       []ModelConfig
	History      []provider.Message
	SessionID    string // optional; enables live progress broadcasts
}

// Outcome is the result of one provider call within a round.
type Outcome struct {
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Status    string        `json:"status"`
	Content   string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Tokens    int           `json:"tokensUsed"`
	Timestamp time.Time     `json:"timestamp"`
	Warnings  []string      `json:"warnings,omitempty"`
}

// Round aggregates all outcomes of one execution.
type Round struct {
	Outcomes      []Outcome
	TotalDuration time.Duration
	SuccessCount  int
	FailureCount  int
}

// Broadcaster receives per-model progress events. Implementations must not
// block; see live.Broadcaster.
type Broadcaster interface {
	Broadcast(sessionID string, ev live.Event)
}

// Executor dispatches rounds through a provider registry.
type Executor struct {
	registry    *provider.Registry
	broadcaster Broadcaster
	logger      *slog.Logger
}

// New creates an Executor. broadcaster may be nil to disable live updates.
func New(registry *provider.Registry, broadcaster Broadcaster) *Executor {
	return &Executor{
		registry:    registry,
		broadcaster: broadcaster,
		logger:      slog.Default(),
	}
}

// Execute runs the prompt against every enabled model configuration
// concurrently. Transport and provider errors are captured per model as
// failed outcomes; only validation problems are returned as an error.
func (e *Executor) Execute(ctx context.Context, req Request) (Round, error) {
	if req.Prompt == "" {
		return Round{}, fmt.Errorf("prompt is required")
	}

	enabled := make([]ModelConfig, 0, len(req.Models))
	for _, m := range req.Models {
		if m.Enabled {
			enabled = append(enabled, m)
		}
	}
	if len(enabled) == 0 {
		return Round{}, fmt.Errorf("at least one enabled model is required")
	}

	start := time.Now()
	outcomes := make([]Outcome, len(enabled))

	g, gCtx := errgroup.WithContext(ctx)
	for i, cfg := range enabled {
		g.Go(func() error {
			outcomes[i] = e.runModel(gCtx, cfg, req)
			return nil
		})
	}
	// Join is tolerant by construction: goroutines record failures in their
	// outcome slot and never return an error.
	g.Wait()

	round := Round{
		Outcomes:      outcomes,
		TotalDuration: time.Since(start),
	}
	for _, o := range outcomes {
		if o.Status == OutcomeCompleted {
			round.SuccessCount++
		} else {
			round.FailureCount++
		}
	}

	e.logger.Debug("multi-model round finished",
		"models", len(enabled),
		"succeeded", round.SuccessCount,
		"failed", round.FailureCount,
		"duration_ms", round.TotalDuration.Milliseconds(),
	)
	return round, nil
}

func (e *Executor) runModel(ctx context.Context, cfg ModelConfig, req Request) Outcome {
	start := time.Now()
	outcome := Outcome{
		Provider:  cfg.Provider,
		Model:     cfg.Model,
		Timestamp: start.UTC(),
	}

	e.emit(req.SessionID, cfg, live.Event{Status: live.StatusProcessing})

	adapter, err := e.registry.Resolve(cfg.Provider, cfg.BaseURL)
	if err != nil {
		return e.fail(req.SessionID, cfg, outcome, start, err)
	}

	msgs, warnings, _ := contextwindow.Prepare(req.SystemPrompt, req.History, req.Prompt, cfg.Provider, cfg.Model)
	outcome.Warnings = warnings

	var resp provider.Response
	if len(req.History) > 0 {
		resp, err = adapter.Chat(ctx, cfg.Model, msgs)
	} else {
		resp, err = adapter.Complete(ctx, cfg.Model, req.Prompt, req.SystemPrompt)
	}
	if err != nil {
		return e.fail(req.SessionID, cfg, outcome, start, err)
	}

	outcome.Status = OutcomeCompleted
	outcome.Content = resp.Content
	outcome.Tokens = resp.TokensUsed
	outcome.Duration = time.Since(start)

	e.emit(req.SessionID, cfg, live.Event{
		Status:     live.StatusCompleted,
		Result:     resp.Content,
		DurationMs: outcome.Duration.Milliseconds(),
	})
	return outcome
}

func (e *Executor) fail(sessionID string, cfg ModelConfig, outcome Outcome, start time.Time, err error) Outcome {
	outcome.Status = OutcomeFailed
	outcome.Error = err.Error()
	outcome.Duration = time.Since(start)

	e.logger.Warn("model call failed", "provider", cfg.Provider, "model", cfg.Model, "error", err)
	e.emit(sessionID, cfg, live.Event{
		Status:     live.StatusFailed,
		Error:      err.Error(),
		DurationMs: outcome.Duration.Milliseconds(),
	})
	return outcome
}

// emit sends a live event when a session id is present. Fire-and-forget.
func (e *Executor) emit(sessionID string, cfg ModelConfig, ev live.Event) {
	if e.broadcaster == nil || sessionID == "" {
		return
	}
	ev.ModelName = cfg.Model
	ev.Provider = cfg.Provider
	e.broadcaster.Broadcast(sessionID, ev)
}
