package clarify

import (
	"errors"
	"testing"
	"time"

	"github.com/kalambet/promptd/internal/storage"
)

func setupGate(t *testing.T) (*Gate, *storage.Store, storage.Prompt) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.CreateSession(storage.Session{
		ID:        "sess-1",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	prompt := storage.Prompt{
		ID:         "p-1",
		SessionID:  "sess-1",
		Content:    "Rewrite the introduction",
		Priority:   1,
		TargetType: storage.TargetGlobal,
	}
	if err := s.CreatePrompt(prompt); err != nil {
		t.Fatalf("CreatePrompt: %v", err)
	}
	if err := s.EnqueuePrompt(storage.QueueEntry{
		ID: "e-1", SessionID: "sess-1", PromptID: "p-1", Priority: 1,
	}); err != nil {
		t.Fatalf("EnqueuePrompt: %v", err)
	}
	// Simulate the worker having claimed and started it.
	if _, err := s.ClaimNextPending(1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkPromptStarted("p-1"); err != nil {
		t.Fatalf("MarkPromptStarted: %v", err)
	}

	return NewGate(s), s, prompt
}

func TestInterceptPassesPlainAnswer(t *testing.T) {
	g, s, prompt := setupGate(t)

	parked, err := g.Intercept(prompt, "The introduction now opens with the thesis.", "{}")
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if parked {
		t.Error("plain answer was parked")
	}

	open, _ := s.ListOpenClarifications("sess-1")
	if len(open) != 0 {
		t.Errorf("clarification created for a plain answer")
	}
}

func TestInterceptParksAmbiguousAnswer(t *testing.T) {
	g, s, prompt := setupGate(t)

	question := "There are two introductions in this document. Which one should I rewrite?"
	parked, err := g.Intercept(prompt, question, `{"models":1}`)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if !parked {
		t.Fatal("ambiguous answer not parked")
	}

	open, err := s.ListOpenClarifications("sess-1")
	if err != nil {
		t.Fatalf("ListOpenClarifications: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("got %d open clarifications, want 1", len(open))
	}
	if open[0].PromptID != "p-1" || open[0].Question != question {
		t.Errorf("clarification = %+v", open[0])
	}

	// Prompt keeps PROCESSING; the queue entry goes to waiting.
	p, _ := s.GetPrompt("p-1")
	if p.Status != storage.PromptProcessing {
		t.Errorf("parked prompt status = %q, want %q", p.Status, storage.PromptProcessing)
	}
	if claimed, _ := s.ClaimNextPending(1); len(claimed) != 0 {
		t.Error("parked prompt is claimable")
	}

	// The question is now an assistant turn in history.
	msgs, _ := s.ListRecentMessages("sess-1", 10)
	if len(msgs) != 1 || msgs[0].Role != "assistant" || msgs[0].Type != "clarification_question" {
		t.Errorf("history = %+v, want one clarification_question turn", msgs)
	}
}

func TestResolveReleasesPrompt(t *testing.T) {
	g, s, prompt := setupGate(t)

	parked, err := g.Intercept(prompt, "Please clarify which section to shorten.", "{}")
	if err != nil || !parked {
		t.Fatalf("Intercept: parked=%v err=%v", parked, err)
	}
	open, _ := s.ListOpenClarifications("sess-1")
	if len(open) != 1 {
		t.Fatalf("expected one open clarification")
	}

	c, err := g.Resolve(open[0].ID, "The conclusion section.")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !c.Answered || c.Answer != "The conclusion section." {
		t.Errorf("resolved clarification = %+v", c)
	}

	// Prompt is PENDING again and claimable at its original priority.
	p, _ := s.GetPrompt("p-1")
	if p.Status != storage.PromptPending {
		t.Errorf("released prompt status = %q, want %q", p.Status, storage.PromptPending)
	}
	if p.Priority != 1 {
		t.Errorf("priority changed on release: %d", p.Priority)
	}
	claimed, _ := s.ClaimNextPending(1)
	if len(claimed) != 1 || claimed[0].PromptID != "p-1" {
		t.Errorf("released prompt not claimable: %+v", claimed)
	}

	// History now holds the question and the answer, in order.
	msgs, _ := s.ListRecentMessages("sess-1", 10)
	if len(msgs) != 2 {
		t.Fatalf("history length = %d, want 2", len(msgs))
	}
	if msgs[0].Type != "clarification_question" || msgs[1].Type != "clarification_response" {
		t.Errorf("history order = [%s, %s]", msgs[0].Type, msgs[1].Type)
	}
	if msgs[1].Role != "user" {
		t.Errorf("answer role = %q, want user", msgs[1].Role)
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	g, s, prompt := setupGate(t)

	if _, err := g.Intercept(prompt, "Please clarify the scope.", "{}"); err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	open, _ := s.ListOpenClarifications("sess-1")

	if _, err := g.Resolve(open[0].ID, "first answer"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if _, err := g.Resolve(open[0].ID, "second answer"); !errors.Is(err, storage.ErrAlreadyAnswered) {
		t.Errorf("second Resolve = %v, want ErrAlreadyAnswered", err)
	}
	if _, err := g.Resolve("missing", "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Resolve(missing) = %v, want ErrNotFound", err)
	}

	got, _ := s.GetClarification(open[0].ID)
	if got.Answer != "first answer" {
		t.Errorf("answer = %q, first one should stick", got.Answer)
	}
}
