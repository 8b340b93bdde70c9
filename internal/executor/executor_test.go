package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/promptd/internal/provider"
)

// fakeAdapter is a scriptable provider.Adapter.
type fakeAdapter struct {
	content string
	tokens  int
	delay   time.Duration
	err     error

	chatCalls     int
	completeCalls int
}

func (f *fakeAdapter) Complete(ctx context.Context, model, prompt, systemPrompt string) (provider.Response, error) {
	f.completeCalls++
	return f.respond(ctx, model)
}

func (f *fakeAdapter) Chat(ctx context.Context, model string, messages []provider.Message) (provider.Response, error) {
	f.chatCalls++
	return f.respond(ctx, model)
}

func (f *fakeAdapter) respond(ctx context.Context, model string) (provider.Response, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return provider.Response{}, ctx.Err()
		}
	}
	if f.err != nil {
		return provider.Response{}, f.err
	}
	return provider.Response{Content: f.content, TokensUsed: f.tokens, Model: model}, nil
}

func registryWith(t *testing.T, adapters map[string]*fakeAdapter) *provider.Registry {
	t.Helper()
	r := provider.NewRegistry()
	for id, a := range adapters {
		r.Register(id, a, nil)
	}
	return r
}

func enabledModel(providerID, model string) ModelConfig {
	return ModelConfig{Provider: providerID, Model: model, Enabled: true}
}

func TestExecuteValidation(t *testing.T) {
	e := New(provider.NewRegistry(), nil)

	if _, err := e.Execute(context.Background(), Request{Models: []ModelConfig{enabledModel("a", "m")}}); err == nil {
		t.Error("empty prompt accepted")
	}
	if _, err := e.Execute(context.Background(), Request{Prompt: "hi"}); err == nil {
		t.Error("empty model list accepted")
	}
	if _, err := e.Execute(context.Background(), Request{
		Prompt: "hi",
		Models: []ModelConfig{{Provider: "a", Model: "m", Enabled: false}},
	}); err == nil {
		t.Error("all-disabled model list accepted")
	}
}

// TestExecuteFanOut verifies every enabled model yields exactly one outcome
// and per-model failures never abort the round.
func TestExecuteFanOut(t *testing.T) {
	adapters := map[string]*fakeAdapter{
		"alpha": {content: "answer from alpha", tokens: 10},
		"beta":  {err: errors.New("connection refused")},
		"gamma": {content: "answer from gamma", tokens: 20},
	}
	e := New(registryWith(t, adapters), nil)

	round, err := e.Execute(context.Background(), Request{
		Prompt: "do something",
		Models: []ModelConfig{
			enabledModel("alpha", "m1"),
			enabledModel("beta", "m2"),
			enabledModel("gamma", "m3"),
			{Provider: "alpha", Model: "disabled", Enabled: false},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(round.Outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(round.Outcomes))
	}
	if round.SuccessCount != 2 || round.FailureCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", round.SuccessCount, round.FailureCount)
	}
	if round.SuccessCount+round.FailureCount != len(round.Outcomes) {
		t.Error("counts do not sum to outcome total")
	}

	// Outcomes keep config order.
	if round.Outcomes[0].Provider != "alpha" || round.Outcomes[1].Provider != "beta" || round.Outcomes[2].Provider != "gamma" {
		t.Errorf("outcome order lost: %+v", round.Outcomes)
	}
	if round.Outcomes[1].Status != OutcomeFailed || !strings.Contains(round.Outcomes[1].Error, "connection refused") {
		t.Errorf("failed outcome = %+v", round.Outcomes[1])
	}
	if round.Outcomes[0].Content != "answer from alpha" || round.Outcomes[0].Tokens != 10 {
		t.Errorf("completed outcome = %+v", round.Outcomes[0])
	}
}

func TestExecuteUnknownProvider(t *testing.T) {
	e := New(provider.NewRegistry(), nil)

	round, err := e.Execute(context.Background(), Request{
		Prompt: "hello",
		Models: []ModelConfig{enabledModel("ghost", "m")},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if round.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", round.FailureCount)
	}
	if !strings.Contains(round.Outcomes[0].Error, "unknown provider") {
		t.Errorf("error = %q", round.Outcomes[0].Error)
	}
}

// TestExecuteChatVsComplete verifies history routes the call through Chat.
func TestExecuteChatVsComplete(t *testing.T) {
	a := &fakeAdapter{content: "ok"}
	e := New(registryWith(t, map[string]*fakeAdapter{"alpha": a}), nil)

	_, err := e.Execute(context.Background(), Request{
		Prompt: "no history",
		Models: []ModelConfig{enabledModel("alpha", "m")},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if a.completeCalls != 1 || a.chatCalls != 0 {
		t.Errorf("calls = complete:%d chat:%d, want 1/0", a.completeCalls, a.chatCalls)
	}

	_, err = e.Execute(context.Background(), Request{
		Prompt:  "with history",
		History: []provider.Message{{Role: "user", Content: "before"}},
		Models:  []ModelConfig{enabledModel("alpha", "m")},
	})
	if err != nil {
		t.Fatalf("Execute with history: %v", err)
	}
	if a.chatCalls != 1 {
		t.Errorf("chat calls = %d, want 1", a.chatCalls)
	}
}

func roundOf(outcomes ...Outcome) Round {
	r := Round{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Status == OutcomeCompleted {
			r.SuccessCount++
		} else {
			r.FailureCount++
		}
	}
	return r
}

func TestFastestResult(t *testing.T) {
	round := roundOf(
		Outcome{Provider: "a", Status: OutcomeCompleted, Content: "slow", Duration: 1500 * time.Millisecond},
		Outcome{Provider: "b", Status: OutcomeCompleted, Content: "slowest", Duration: 2000 * time.Millisecond},
		Outcome{Provider: "c", Status: OutcomeCompleted, Content: "fast", Duration: 1200 * time.Millisecond},
	)
	best, ok := FastestResult(round)
	if !ok {
		t.Fatal("expected a fastest result")
	}
	if best.Content != "fast" {
		t.Errorf("fastest = %q, want %q", best.Content, "fast")
	}
}

func TestFastestResultSkipsFailed(t *testing.T) {
	round := roundOf(
		Outcome{Status: OutcomeFailed, Duration: time.Millisecond},
		Outcome{Status: OutcomeCompleted, Content: "only success", Duration: 5 * time.Second},
	)
	best, ok := FastestResult(round)
	if !ok || best.Content != "only success" {
		t.Errorf("got %+v ok=%v", best, ok)
	}
}

func TestFastestResultNoneCompleted(t *testing.T) {
	round := roundOf(Outcome{Status: OutcomeFailed}, Outcome{Status: OutcomeFailed})
	if _, ok := FastestResult(round); ok {
		t.Error("all-failed round reported a fastest result")
	}
}

func TestConsensusResult(t *testing.T) {
	round := roundOf(
		Outcome{Status: OutcomeCompleted, Content: "The capital is Paris."},
		Outcome{Status: OutcomeCompleted, Content: "  the capital is paris.  "},
		Outcome{Status: OutcomeCompleted, Content: "It depends on the country."},
	)
	content, ok := ConsensusResult(round, 0)
	if !ok {
		t.Fatal("expected consensus at 2/3")
	}
	if content != "The capital is Paris." {
		t.Errorf("consensus = %q", content)
	}
}

func TestConsensusResultNoMajority(t *testing.T) {
	round := roundOf(
		Outcome{Status: OutcomeCompleted, Content: "alpha"},
		Outcome{Status: OutcomeCompleted, Content: "bravo"},
		Outcome{Status: OutcomeCompleted, Content: "charlie"},
	)
	if _, ok := ConsensusResult(round, 0); ok {
		t.Error("three distinct answers reported as consensus")
	}
}

func TestConsensusResultNoCompleted(t *testing.T) {
	round := roundOf(Outcome{Status: OutcomeFailed})
	if _, ok := ConsensusResult(round, 0); ok {
		t.Error("all-failed round reported consensus")
	}
}

func TestCombineResults(t *testing.T) {
	round := Round{
		Outcomes: []Outcome{
			{Provider: "alpha", Model: "m1", Status: OutcomeCompleted, Content: "body one", Tokens: 12, Duration: 100 * time.Millisecond},
			{Provider: "beta", Model: "m2", Status: OutcomeFailed, Error: "timeout", Duration: 5 * time.Second},
		},
		SuccessCount:  1,
		FailureCount:  1,
		TotalDuration: 5 * time.Second,
	}

	out := CombineResults(round)
	for _, want := range []string{
		"# Multi-Model Results",
		"## alpha/m1",
		"body one",
		"## beta/m2",
		"### Error",
		"timeout",
		"1 of 2 models completed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("combined output missing %q", want)
		}
	}
}
