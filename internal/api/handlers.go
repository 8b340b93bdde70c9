// Package api exposes the prompt pipeline over HTTP and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/promptd/internal/clarify"
	"github.com/kalambet/promptd/internal/executor"
	"github.com/kalambet/promptd/internal/live"
	"github.com/kalambet/promptd/internal/storage"
	"github.com/kalambet/promptd/internal/version"
)

const maxRequestBodySize = 1 << 20 // 1MB

// estimatedSecondsPerPrompt is a deliberately rough queue-time figure
// reported on submission.
const estimatedSecondsPerPrompt = 30

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Store       *storage.Store
	Executor    *executor.Executor
	Gate        *clarify.Gate
	Versioner   *version.Versioner
	Broadcaster *live.Broadcaster
	Token       string
	SessionTTL  time.Duration
}

// NewHandler builds the REST router. Everything except /health and the SSE
// event stream sits behind bearer auth.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	// EventSource cannot set an Authorization header; the stream carries
	// progress only, never document content.
	r.Get("/events/{sessionID}", handleEvents(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/sessions", handleCreateSession(deps))
		r.Post("/prompts", handleSubmitPrompts(deps))
		r.Get("/status/{sessionID}", handleStatus(deps))
		r.Get("/clarifications/{sessionID}", handleListClarifications(deps))
		r.Post("/clarifications/respond", handleRespondClarification(deps))
		r.Post("/multi-model/execute", handleMultiModelExecute(deps))
		r.Get("/result/{sessionID}", handleGetResult(deps))
		r.Post("/result/confirm", handleConfirmResult(deps))
		r.Post("/result/modify", handleModifyResult(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			TTLSeconds int `json:"ttlSeconds"`
		}
		// An empty or malformed body means default TTL.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			req.TTLSeconds = 0
		}

		ttl := deps.SessionTTL
		if req.TTLSeconds > 0 {
			ttl = time.Duration(req.TTLSeconds) * time.Second
		}

		sess := storage.Session{
			ID:        uuid.New().String(),
			Status:    storage.SessionActive,
			ExpiresAt: time.Now().UTC().Add(ttl),
		}
		if err := deps.Store.CreateSession(sess); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create session: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sessionId": sess.ID,
			"status":    sess.Status,
			"expiresAt": sess.ExpiresAt,
		})
	}
}

type SubmitPromptEntry struct {
	Content       string `json:"content"`
	Priority      int    `json:"priority"`
	TargetType    string `json:"targetType"`
	TargetFileID  string `json:"targetFileId,omitempty"`
	TargetLines   string `json:"targetLines,omitempty"`
	TargetSection string `json:"targetSection,omitempty"`
}

type SubmitRequest struct {
	SessionID string              `json:"sessionId"`
	Prompts   []SubmitPromptEntry `json:"prompts"`
}

func handleSubmitPrompts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.SessionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "sessionId is required")
			return
		}
		if len(req.Prompts) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompts must not be empty")
			return
		}
		for i, p := range req.Prompts {
			if p.Content == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "prompts[%d].content is required", i)
				return
			}
		}

		if _, err := deps.Store.GetSession(req.SessionID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "session not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load session: %v", err)
			return
		}

		now := time.Now().UTC()
		created := make([]storage.Prompt, 0, len(req.Prompts))
		entries := make([]storage.QueueEntry, 0, len(req.Prompts))
		for _, p := range req.Prompts {
			targetType := p.TargetType
			if targetType == "" {
				targetType = storage.TargetGlobal
			}
			prompt := storage.Prompt{
				ID:            uuid.New().String(),
				SessionID:     req.SessionID,
				Content:       p.Content,
				Priority:      p.Priority,
				TargetType:    targetType,
				TargetFileID:  p.TargetFileID,
				TargetLines:   p.TargetLines,
				TargetSection: p.TargetSection,
				Status:        storage.PromptPending,
				EnqueuedAt:    now,
			}
			if err := deps.Store.CreatePrompt(prompt); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to create prompt: %v", err)
				return
			}
			created = append(created, prompt)
			entries = append(entries, storage.QueueEntry{
				ID:         uuid.New().String(),
				SessionID:  req.SessionID,
				PromptID:   prompt.ID,
				Priority:   prompt.Priority,
				EnqueuedAt: now,
			})
		}
		if err := deps.Store.EnqueuePrompts(entries); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue prompts: %v", err)
			return
		}
		if err := deps.Store.UpdateSessionStatus(req.SessionID, storage.SessionProcessing); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update session: %v", err)
			return
		}

		views := make([]map[string]any, len(created))
		for i, p := range created {
			views[i] = map[string]any{
				"id":         p.ID,
				"content":    p.Content,
				"priority":   p.Priority,
				"targetType": p.TargetType,
				"status":     p.Status,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"prompts":       views,
			"estimatedTime": len(created) * estimatedSecondsPerPrompt,
			"status":        "queued",
		})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")

		sess, err := deps.Store.GetSession(sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load session: %v", err)
			return
		}

		counts, err := deps.Store.CountPromptsByStatus(sessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count prompts: %v", err)
			return
		}
		open, err := deps.Store.CountOpenClarifications(sessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count clarifications: %v", err)
			return
		}

		hasResult := true
		if _, err := deps.Store.GetLatestResult(sessionID); errors.Is(err, storage.ErrNotFound) {
			hasResult = false
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to check result: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": sess.Status,
			"progress": map[string]int{
				"total":      counts.Total,
				"completed":  counts.Completed,
				"processing": counts.Processing,
				"pending":    counts.Pending,
				"failed":     counts.Failed,
			},
			"hasClarifications": open > 0,
			"hasResult":         hasResult,
		})
	}
}

func handleListClarifications(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")

		clarifications, err := deps.Store.ListOpenClarifications(sessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list clarifications: %v", err)
			return
		}

		views := make([]map[string]any, len(clarifications))
		for i, c := range clarifications {
			views[i] = map[string]any{
				"id":        c.ID,
				"promptId":  c.PromptID,
				"question":  c.Question,
				"context":   rawJSON(c.ContextJSON),
				"createdAt": c.CreatedAt,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"clarifications": views})
	}
}

func handleRespondClarification(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			SessionID       string `json:"sessionId"`
			ClarificationID string `json:"clarificationId"`
			Response        string `json:"response"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ClarificationID == "" || req.Response == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "clarificationId and response are required")
			return
		}

		c, err := deps.Gate.Resolve(req.ClarificationID, req.Response)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "clarification not found")
			return
		}
		if errors.Is(err, storage.ErrAlreadyAnswered) {
			httpError(w, http.StatusConflict, "invalid_request_error", "clarification already answered")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve clarification: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "resolved",
			"promptId": c.PromptID,
		})
	}
}

type multiModelRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"systemPrompt"`
	Models       []executor.ModelConfig `json:"models"`
	SessionID    string                 `json:"sessionId"`
}

// outcomeView is the wire shape of one model outcome; durations are
// reported in milliseconds.
type outcomeView struct {
	Provider   string   `json:"provider"`
	Model      string   `json:"model"`
	Status     string   `json:"status"`
	Result     string   `json:"result,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"duration"`
	TokensUsed int      `json:"tokensUsed"`
	Timestamp  string   `json:"timestamp"`
	Warnings   []string `json:"warnings,omitempty"`
}

func handleMultiModelExecute(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req multiModelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Prompt == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}
		if len(req.Models) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "models must not be empty")
			return
		}

		round, err := deps.Executor.Execute(r.Context(), executor.Request{
			Prompt:       req.Prompt,
			SystemPrompt: req.SystemPrompt,
			Models:       req.Models,
			SessionID:    req.SessionID,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		views := make([]outcomeView, len(round.Outcomes))
		for i, o := range round.Outcomes {
			views[i] = outcomeView{
				Provider:   o.Provider,
				Model:      o.Model,
				Status:     o.Status,
				Result:     o.Content,
				Error:      o.Error,
				DurationMs: o.Duration.Milliseconds(),
				TokensUsed: o.Tokens,
				Timestamp:  o.Timestamp.Format(time.RFC3339),
				Warnings:   o.Warnings,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"results":        views,
			"totalDuration":  round.TotalDuration.Milliseconds(),
			"successCount":   round.SuccessCount,
			"failureCount":   round.FailureCount,
			"combinedResult": executor.CombineResults(round),
		})
	}
}

// rawJSON passes stored JSON through untouched, mapping empty columns to null.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

func resultView(res storage.Result) map[string]any {
	return map[string]any{
		"id":        res.ID,
		"sessionId": res.SessionID,
		"version":   res.Version,
		"content":   res.Content,
		"status":    res.Status,
		"metadata":  rawJSON(res.MetadataJSON),
		"createdAt": res.CreatedAt,
	}
}

func handleGetResult(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")

		if _, err := deps.Store.GetSession(sessionID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load session: %v", err)
			return
		}

		res, err := deps.Versioner.Materialize(sessionID)
		if errors.Is(err, version.ErrNoCompletedPrompts) {
			httpError(w, http.StatusConflict, "invalid_request_error", "no completed prompts to assemble")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to materialize result: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resultView(res))
	}
}

func handleConfirmResult(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			ResultID string `json:"resultId"`
			Action   string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ResultID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "resultId is required")
			return
		}

		switch req.Action {
		case "", "confirm":
			res, err := deps.Versioner.Confirm(req.ResultID)
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "result not found")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to confirm result: %v", err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resultView(res))

		case "regenerate":
			err := deps.Versioner.Regenerate(req.ResultID)
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "result not found")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to regenerate: %v", err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"status": "regenerating"})

		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown action %q", req.Action)
		}
	}
}

func handleModifyResult(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			ResultID      string `json:"resultId"`
			Modifications struct {
				Content string              `json:"content"`
				Prompts []SubmitPromptEntry `json:"prompts"`
			} `json:"modifications"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ResultID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "resultId is required")
			return
		}
		if req.Modifications.Content == "" && len(req.Modifications.Prompts) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "modifications require content or prompts")
			return
		}

		prompts := make([]storage.Prompt, 0, len(req.Modifications.Prompts))
		for i, p := range req.Modifications.Prompts {
			if p.Content == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "prompts[%d].content is required", i)
				return
			}
			targetType := p.TargetType
			if targetType == "" {
				targetType = storage.TargetGlobal
			}
			prompts = append(prompts, storage.Prompt{
				Content:       p.Content,
				Priority:      p.Priority,
				TargetType:    targetType,
				TargetFileID:  p.TargetFileID,
				TargetLines:   p.TargetLines,
				TargetSection: p.TargetSection,
				Status:        storage.PromptPending,
			})
		}

		res, err := deps.Versioner.Modify(req.ResultID, req.Modifications.Content, prompts)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "result not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to modify result: %v", err)
			return
		}

		status := "modified"
		if req.Modifications.Content == "" {
			status = "processing"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"result": resultView(res),
		})
	}
}

func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		events, cancel := deps.Broadcaster.Subscribe(sessionID)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev := <-events:
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
