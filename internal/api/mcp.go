package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/promptd/internal/storage"
	"github.com/kalambet/promptd/internal/version"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store      *storage.Store
	Gate       ClarificationResolver
	Versioner  *version.Versioner
	SessionTTL time.Duration
}

// ClarificationResolver abstracts the clarification gate for the MCP layer.
type ClarificationResolver interface {
	Resolve(clarificationID, answer string) (storage.Clarification, error)
}

// NewMCPServer creates an MCP server with all promptd tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"promptd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("promptd: priority queue and multi-model executor for document prompts."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_prompts",
			mcp.WithDescription("Queue one or more prompts for processing. Creates a session when sessionId is omitted."),
			mcp.WithString("sessionId", mcp.Description("Existing session to queue into")),
			mcp.WithString("prompts", mcp.Description("JSON array of {content, priority, targetType} prompt objects"), mcp.Required()),
		),
		mcpSubmitPrompts(deps),
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Report processing progress, pending clarifications and result availability for a session."),
			mcp.WithString("sessionId", mcp.Description("Session to inspect"), mcp.Required()),
		),
		mcpSessionStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("respond_clarification",
			mcp.WithDescription("Answer an open clarification question and release the parked prompt back into the queue."),
			mcp.WithString("clarificationId", mcp.Description("Clarification to answer"), mcp.Required()),
			mcp.WithString("response", mcp.Description("The answer text"), mcp.Required()),
		),
		mcpRespondClarification(deps),
	)

	s.AddTool(
		mcp.NewTool("get_result",
			mcp.WithDescription("Assemble and return the current result document for a session."),
			mcp.WithString("sessionId", mcp.Description("Session whose result to fetch"), mcp.Required()),
		),
		mcpGetResult(deps),
	)

	return s
}

func mcpSubmitPrompts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		promptsJSON, err := req.RequireString("prompts")
		if err != nil {
			return mcpError("prompts is required"), nil
		}

		var entries []SubmitPromptEntry
		if err := json.Unmarshal([]byte(promptsJSON), &entries); err != nil {
			return mcpError(fmt.Sprintf("invalid prompts JSON: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcpError("prompts must not be empty"), nil
		}
		for i, e := range entries {
			if e.Content == "" {
				return mcpError(fmt.Sprintf("prompts[%d].content is required", i)), nil
			}
		}

		sessionID := req.GetString("sessionId", "")
		if sessionID == "" {
			sessionID = uuid.New().String()
			sess := storage.Session{
				ID:        sessionID,
				Status:    storage.SessionActive,
				ExpiresAt: time.Now().UTC().Add(deps.SessionTTL),
			}
			if err := deps.Store.CreateSession(sess); err != nil {
				return mcpError(fmt.Sprintf("failed to create session: %v", err)), nil
			}
		} else if _, err := deps.Store.GetSession(sessionID); err != nil {
			return mcpError(fmt.Sprintf("session lookup failed: %v", err)), nil
		}

		now := time.Now().UTC()
		queueEntries := make([]storage.QueueEntry, 0, len(entries))
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			targetType := e.TargetType
			if targetType == "" {
				targetType = storage.TargetGlobal
			}
			prompt := storage.Prompt{
				ID:            uuid.New().String(),
				SessionID:     sessionID,
				Content:       e.Content,
				Priority:      e.Priority,
				TargetType:    targetType,
				TargetFileID:  e.TargetFileID,
				TargetLines:   e.TargetLines,
				TargetSection: e.TargetSection,
				Status:        storage.PromptPending,
				EnqueuedAt:    now,
			}
			if err := deps.Store.CreatePrompt(prompt); err != nil {
				return mcpError(fmt.Sprintf("failed to create prompt: %v", err)), nil
			}
			ids = append(ids, prompt.ID)
			queueEntries = append(queueEntries, storage.QueueEntry{
				ID:         uuid.New().String(),
				SessionID:  sessionID,
				PromptID:   prompt.ID,
				Priority:   prompt.Priority,
				EnqueuedAt: now,
			})
		}
		if err := deps.Store.EnqueuePrompts(queueEntries); err != nil {
			return mcpError(fmt.Sprintf("failed to enqueue prompts: %v", err)), nil
		}
		if err := deps.Store.UpdateSessionStatus(sessionID, storage.SessionProcessing); err != nil {
			return mcpError(fmt.Sprintf("failed to update session: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"sessionId":     sessionID,
			"promptIds":     ids,
			"estimatedTime": len(ids) * estimatedSecondsPerPrompt,
			"status":        "queued",
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSessionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return mcpError("sessionId is required"), nil
		}

		sess, err := deps.Store.GetSession(sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("session not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load session: %v", err)), nil
		}

		counts, err := deps.Store.CountPromptsByStatus(sessionID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count prompts: %v", err)), nil
		}
		open, err := deps.Store.ListOpenClarifications(sessionID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list clarifications: %v", err)), nil
		}

		type clarificationSummary struct {
			ID       string `json:"id"`
			Question string `json:"question"`
		}
		clarifications := make([]clarificationSummary, len(open))
		for i, c := range open {
			clarifications[i] = clarificationSummary{ID: c.ID, Question: c.Question}
		}

		hasResult := true
		if _, err := deps.Store.GetLatestResult(sessionID); errors.Is(err, storage.ErrNotFound) {
			hasResult = false
		} else if err != nil {
			return mcpError(fmt.Sprintf("failed to check result: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"status": sess.Status,
			"progress": map[string]int{
				"total":      counts.Total,
				"completed":  counts.Completed,
				"processing": counts.Processing,
				"pending":    counts.Pending,
				"failed":     counts.Failed,
			},
			"clarifications": clarifications,
			"hasResult":      hasResult,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRespondClarification(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clarificationID, err := req.RequireString("clarificationId")
		if err != nil {
			return mcpError("clarificationId is required"), nil
		}
		response, err := req.RequireString("response")
		if err != nil {
			return mcpError("response is required"), nil
		}

		c, err := deps.Gate.Resolve(clarificationID, response)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("clarification not found"), nil
		}
		if errors.Is(err, storage.ErrAlreadyAnswered) {
			return mcpError("clarification already answered"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to resolve clarification: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Clarification resolved; prompt %s requeued", c.PromptID)), nil
	}
}

func mcpGetResult(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return mcpError("sessionId is required"), nil
		}

		res, err := deps.Versioner.Materialize(sessionID)
		if errors.Is(err, version.ErrNoCompletedPrompts) {
			return mcpError("no completed prompts to assemble"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to materialize result: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"resultId": res.ID,
			"version":  res.Version,
			"status":   res.Status,
			"content":  res.Content,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
