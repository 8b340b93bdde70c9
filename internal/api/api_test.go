package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/promptd/internal/clarify"
	"github.com/kalambet/promptd/internal/executor"
	"github.com/kalambet/promptd/internal/live"
	"github.com/kalambet/promptd/internal/provider"
	"github.com/kalambet/promptd/internal/storage"
	"github.com/kalambet/promptd/internal/version"
)

const testToken = "test-token"

type stubAdapter struct {
	content string
	err     error
}

func (a *stubAdapter) Complete(ctx context.Context, model, prompt, systemPrompt string) (provider.Response, error) {
	if a.err != nil {
		return provider.Response{}, a.err
	}
	return provider.Response{Content: a.content, TokensUsed: 10, Model: model}, nil
}

func (a *stubAdapter) Chat(ctx context.Context, model string, messages []provider.Message) (provider.Response, error) {
	return a.Complete(ctx, model, "", "")
}

func setupAPI(t *testing.T) (http.Handler, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := provider.NewRegistry()
	reg.Register("stub", &stubAdapter{content: "stub answer"}, nil)

	gate := clarify.NewGate(s)
	h := NewHandler(Deps{
		Store:       s,
		Executor:    executor.New(reg, nil),
		Gate:        gate,
		Versioner:   version.NewVersioner(s),
		Broadcaster: live.NewBroadcaster(),
		Token:       testToken,
		SessionTTL:  time.Hour,
	})
	return h, s
}

// doJSON sends an authenticated request and decodes the JSON reply into out.
func doJSON(t *testing.T, h http.Handler, method, path string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, path, err)
		}
	}
	return rec
}

func errType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if envelope.Error.Message == "" {
		t.Error("error envelope missing message")
	}
	return envelope.Error.Type
}

func seedAPISession(t *testing.T, s *storage.Store, id string) {
	t.Helper()
	if err := s.CreateSession(storage.Session{
		ID:        id,
		Status:    storage.SessionActive,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	h, _ := setupAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthRejectsMissingAndWrongToken(t *testing.T) {
	h, s := setupAPI(t)
	seedAPISession(t, s, "sess-1")

	for _, header := range []string{"", "Bearer wrong", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/status/sess-1", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestCreateSession(t *testing.T) {
	h, s := setupAPI(t)

	var resp struct {
		SessionID string `json:"sessionId"`
		Status    string `json:"status"`
	}
	rec := doJSON(t, h, http.MethodPost, "/sessions", nil, &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.SessionID == "" {
		t.Fatal("sessionId missing from response")
	}
	if resp.Status != storage.SessionActive {
		t.Errorf("status = %q, want %q", resp.Status, storage.SessionActive)
	}

	if _, err := s.GetSession(resp.SessionID); err != nil {
		t.Errorf("created session not persisted: %v", err)
	}
}

func TestSubmitPromptsValidation(t *testing.T) {
	h, s := setupAPI(t)
	seedAPISession(t, s, "sess-1")

	cases := []struct {
		name string
		body SubmitRequest
		code int
	}{
		{"missing session id", SubmitRequest{Prompts: []SubmitPromptEntry{{Content: "x"}}}, http.StatusBadRequest},
		{"no prompts", SubmitRequest{SessionID: "sess-1"}, http.StatusBadRequest},
		{"empty content", SubmitRequest{SessionID: "sess-1", Prompts: []SubmitPromptEntry{{Content: ""}}}, http.StatusBadRequest},
		{"unknown session", SubmitRequest{SessionID: "nope", Prompts: []SubmitPromptEntry{{Content: "x"}}}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/prompts", tc.body, nil)
			if rec.Code != tc.code {
				t.Fatalf("status = %d, want %d", rec.Code, tc.code)
			}
			if typ := errType(t, rec); typ == "" {
				t.Error("error envelope missing type")
			}
		})
	}
}

func TestSubmitThenStatus(t *testing.T) {
	h, s := setupAPI(t)
	seedAPISession(t, s, "sess-1")

	var submitted struct {
		Prompts       []map[string]any `json:"prompts"`
		EstimatedTime int              `json:"estimatedTime"`
		Status        string           `json:"status"`
	}
	rec := doJSON(t, h, http.MethodPost, "/prompts", SubmitRequest{
		SessionID: "sess-1",
		Prompts: []SubmitPromptEntry{
			{Content: "Summarize the report", Priority: 8},
			{Content: "Fix section two", TargetType: storage.TargetSection, TargetSection: "2"},
		},
	}, &submitted)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(submitted.Prompts) != 2 {
		t.Fatalf("got %d prompt views, want 2", len(submitted.Prompts))
	}
	if submitted.EstimatedTime != 2*estimatedSecondsPerPrompt {
		t.Errorf("estimatedTime = %d, want %d", submitted.EstimatedTime, 2*estimatedSecondsPerPrompt)
	}
	if submitted.Status != "queued" {
		t.Errorf("status = %q, want queued", submitted.Status)
	}
	if tt := submitted.Prompts[0]["targetType"]; tt != storage.TargetGlobal {
		t.Errorf("default targetType = %v, want %q", tt, storage.TargetGlobal)
	}

	var status struct {
		Status   string `json:"status"`
		Progress struct {
			Total   int `json:"total"`
			Pending int `json:"pending"`
		} `json:"progress"`
		HasClarifications bool `json:"hasClarifications"`
		HasResult         bool `json:"hasResult"`
	}
	rec = doJSON(t, h, http.MethodGet, "/status/sess-1", nil, &status)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if status.Status != storage.SessionProcessing {
		t.Errorf("session status = %q, want %q", status.Status, storage.SessionProcessing)
	}
	if status.Progress.Total != 2 || status.Progress.Pending != 2 {
		t.Errorf("progress = %+v, want total 2 pending 2", status.Progress)
	}
	if status.HasClarifications || status.HasResult {
		t.Errorf("fresh session reports clarifications=%v result=%v", status.HasClarifications, status.HasResult)
	}
}

func TestStatusUnknownSession(t *testing.T) {
	h, _ := setupAPI(t)

	rec := doJSON(t, h, http.MethodGet, "/status/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// parkPrompt wires a claimed prompt through the gate so a clarification exists.
func parkPrompt(t *testing.T, s *storage.Store, sessionID, promptID string) string {
	t.Helper()
	prompt := storage.Prompt{
		ID:         promptID,
		SessionID:  sessionID,
		Content:    "Rework the summary",
		Priority:   5,
		TargetType: storage.TargetGlobal,
	}
	if err := s.CreatePrompt(prompt); err != nil {
		t.Fatalf("CreatePrompt: %v", err)
	}
	if err := s.EnqueuePrompt(storage.QueueEntry{
		ID: "e-" + promptID, SessionID: sessionID, PromptID: promptID, Priority: 5,
	}); err != nil {
		t.Fatalf("EnqueuePrompt: %v", err)
	}
	if _, err := s.ClaimNextPending(1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkPromptStarted(promptID); err != nil {
		t.Fatalf("MarkPromptStarted: %v", err)
	}

	gate := clarify.NewGate(s)
	parked, err := gate.Intercept(prompt, "I am not sure which summary you mean. Could you specify?", "{}")
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if !parked {
		t.Fatal("ambiguous content not parked")
	}

	open, err := s.ListOpenClarifications(sessionID)
	if err != nil || len(open) != 1 {
		t.Fatalf("ListOpenClarifications = %d items, err %v", len(open), err)
	}
	return open[0].ID
}

func TestClarificationFlow(t *testing.T) {
	h, s := setupAPI(t)
	seedAPISession(t, s, "sess-1")
	clarificationID := parkPrompt(t, s, "sess-1", "p-1")

	var listed struct {
		Clarifications []struct {
			ID       string `json:"id"`
			PromptID string `json:"promptId"`
			Question string `json:"question"`
		} `json:"clarifications"`
	}
	rec := doJSON(t, h, http.MethodGet, "/clarifications/sess-1", nil, &listed)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if len(listed.Clarifications) != 1 || listed.Clarifications[0].ID != clarificationID {
		t.Fatalf("listed = %+v, want the open clarification", listed.Clarifications)
	}

	respond := map[string]string{
		"sessionId":       "sess-1",
		"clarificationId": clarificationID,
		"response":        "The executive summary.",
	}
	var resolved struct {
		Status   string `json:"status"`
		PromptID string `json:"promptId"`
	}
	rec = doJSON(t, h, http.MethodPost, "/clarifications/respond", respond, &resolved)
	if rec.Code != http.StatusOK {
		t.Fatalf("respond status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resolved.Status != "resolved" || resolved.PromptID != "p-1" {
		t.Errorf("respond reply = %+v", resolved)
	}

	// Second answer conflicts.
	rec = doJSON(t, h, http.MethodPost, "/clarifications/respond", respond, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second respond status = %d, want 409", rec.Code)
	}
}

func TestRespondClarificationErrors(t *testing.T) {
	h, s := setupAPI(t)
	seedAPISession(t, s, "sess-1")

	rec := doJSON(t, h, http.MethodPost, "/clarifications/respond", map[string]string{
		"clarificationId": "", "response": "",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty fields status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/clarifications/respond", map[string]string{
		"clarificationId": "missing", "response": "answer",
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown clarification status = %d, want 404", rec.Code)
	}
}

func TestMultiModelExecute(t *testing.T) {
	h, _ := setupAPI(t)

	var resp struct {
		Results []struct {
			Provider   string `json:"provider"`
			Status     string `json:"status"`
			Result     string `json:"result"`
			DurationMs int64  `json:"duration"`
		} `json:"results"`
		SuccessCount   int    `json:"successCount"`
		FailureCount   int    `json:"failureCount"`
		CombinedResult string `json:"combinedResult"`
	}
	rec := doJSON(t, h, http.MethodPost, "/multi-model/execute", map[string]any{
		"prompt": "Summarize the quarter",
		"models": []executor.ModelConfig{
			{Provider: "stub", Model: "stub-1", Enabled: true},
		},
	}, &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(resp.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(resp.Results))
	}
	if resp.Results[0].Status != executor.OutcomeCompleted || resp.Results[0].Result != "stub answer" {
		t.Errorf("outcome = %+v", resp.Results[0])
	}
	if resp.SuccessCount != 1 || resp.FailureCount != 0 {
		t.Errorf("counts = %d/%d, want 1/0", resp.SuccessCount, resp.FailureCount)
	}
	if resp.CombinedResult == "" {
		t.Error("combinedResult empty")
	}
}

func TestMultiModelExecuteValidation(t *testing.T) {
	h, _ := setupAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/multi-model/execute", map[string]any{
		"prompt": "", "models": []executor.ModelConfig{{Provider: "stub", Enabled: true}},
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty prompt status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/multi-model/execute", map[string]any{
		"prompt": "hello",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no models status = %d, want 400", rec.Code)
	}
}

func completeAPIPrompt(t *testing.T, s *storage.Store, sessionID, promptID, result string) {
	t.Helper()
	if err := s.CreatePrompt(storage.Prompt{
		ID: promptID, SessionID: sessionID, Content: "q " + promptID,
		Priority: 5, TargetType: storage.TargetGlobal,
	}); err != nil {
		t.Fatalf("CreatePrompt: %v", err)
	}
	if err := s.CompletePrompt(promptID, result); err != nil {
		t.Fatalf("CompletePrompt: %v", err)
	}
}

func TestResultLifecycle(t *testing.T) {
	h, s := setupAPI(t)
	seedAPISession(t, s, "sess-1")
	completeAPIPrompt(t, s, "sess-1", "p-1", "Assembled body.")

	var res struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
		Content string `json:"content"`
		Status  string `json:"status"`
	}
	rec := doJSON(t, h, http.MethodGet, "/result/sess-1", nil, &res)
	if rec.Code != http.StatusOK {
		t.Fatalf("get result status = %d, body %s", rec.Code, rec.Body.String())
	}
	if res.Version != 1 || res.Status != storage.ResultPendingConfirmation {
		t.Fatalf("result = %+v, want v1 pending confirmation", res)
	}
	if res.Content != "Assembled body." {
		t.Errorf("content = %q", res.Content)
	}

	var confirmed struct {
		Status string `json:"status"`
	}
	rec = doJSON(t, h, http.MethodPost, "/result/confirm", map[string]string{
		"resultId": res.ID,
	}, &confirmed)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body %s", rec.Code, rec.Body.String())
	}
	if confirmed.Status != storage.ResultConfirmed {
		t.Errorf("confirmed status = %q, want %q", confirmed.Status, storage.ResultConfirmed)
	}

	var modified struct {
		Status string `json:"status"`
		Result struct {
			Version int    `json:"version"`
			Status  string `json:"status"`
		} `json:"result"`
	}
	rec = doJSON(t, h, http.MethodPost, "/result/modify", map[string]any{
		"resultId": res.ID,
		"modifications": map[string]any{
			"content": "Edited body.",
		},
	}, &modified)
	if rec.Code != http.StatusOK {
		t.Fatalf("modify status = %d, body %s", rec.Code, rec.Body.String())
	}
	if modified.Status != "modified" || modified.Result.Version != 2 {
		t.Errorf("modify reply = %+v, want modified v2", modified)
	}
}

func TestGetResultNothingCompleted(t *testing.T) {
	h, s := setupAPI(t)
	seedAPISession(t, s, "sess-1")

	rec := doJSON(t, h, http.MethodGet, "/result/sess-1", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestConfirmResultErrors(t *testing.T) {
	h, s := setupAPI(t)
	seedAPISession(t, s, "sess-1")

	rec := doJSON(t, h, http.MethodPost, "/result/confirm", map[string]string{
		"resultId": "missing",
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown result status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/result/confirm", map[string]string{
		"resultId": "r-1", "action": "explode",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d, want 400", rec.Code)
	}
}

func TestModifyResultRequiresChanges(t *testing.T) {
	h, s := setupAPI(t)
	seedAPISession(t, s, "sess-1")

	rec := doJSON(t, h, http.MethodPost, "/result/modify", map[string]any{
		"resultId":      "r-1",
		"modifications": map[string]any{},
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
