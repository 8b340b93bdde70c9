// Package contextwindow computes token budgets for provider calls and trims
// conversation history to fit them. Everything here is pure and stateless;
// the executor is the only caller and goes through Prepare.
package contextwindow

import (
	"fmt"
	"strings"

	"github.com/kalambet/promptd/internal/provider"
)

const (
	// GlobalDefaultLimit is used when neither model nor provider is known.
	GlobalDefaultLimit = 8192

	// ResponseReserve is held back from every context window so the model
	// has room to answer.
	ResponseReserve = 1024

	// messageOverhead approximates per-message formatting tokens.
	messageOverhead = 4

	// softWarnRatio is the fraction of the available budget past which a
	// warning is reported even though the request still fits.
	softWarnRatio = 0.8
)

// modelLimits maps exact model names (or name prefixes) to context ceilings.
var modelLimits = map[string]int{
	"llama3":            8192,
	"llama3.1":          131072,
	"llama3.2":          131072,
	"mistral":           32768,
	"mistral-nemo":      131072,
	"phi3":              4096,
	"phi3.5":            131072,
	"qwen2.5":           32768,
	"gpt-4":             8192,
	"gpt-4o":            131072,
	"gpt-4o-mini":       131072,
	"claude-3-5-sonnet": 200000,
	"claude-opus-4":     200000,
	"claude-sonnet-4":   200000,
}

// providerLimits is the fallback when the model name is unknown.
var providerLimits = map[string]int{
	"ollama":     8192,
	"openrouter": 131072,
	"anthropic":  200000,
}

// Limit resolves the token ceiling for a (provider, model) pair: exact model
// match, then prefix match ("llama3:8b" matches "llama3"), then the provider
// default, then the global default.
func Limit(providerID, model string) int {
	if limit, ok := modelLimits[model]; ok {
		return limit
	}

	// Ollama-style tags: "llama3:8b" resolves by base name.
	if base, _, found := strings.Cut(model, ":"); found {
		if limit, ok := modelLimits[base]; ok {
			return limit
		}
	}

	// Longest known prefix wins ("claude-opus-4-20250514" → "claude-opus-4").
	best := 0
	bestLen := -1
	for name, limit := range modelLimits {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			best = limit
			bestLen = len(name)
		}
	}
	if bestLen >= 0 {
		return best
	}

	if limit, ok := providerLimits[providerID]; ok {
		return limit
	}
	return GlobalDefaultLimit
}

// EstimateTokens provides a rough token count using 4 chars per token
// heuristic. Callers needing precision must use a provider tokenizer; this is
// deliberately approximate and only drives budgeting.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Fit is the raw token breakdown reported by CheckFit.
type Fit struct {
	Limit         int
	Available     int // Limit minus the response reserve
	SystemTokens  int
	HistoryTokens int
	MessageTokens int
	Total         int
	Fits          bool
	NearLimit     bool // past the soft-warning threshold but still fitting
}

// CheckFit sums system prompt, history (with per-message overhead), and the
// current user message against the model's budget. Appending any non-empty
// message to history never decreases Total.
func CheckFit(system string, history []provider.Message, userMessage, providerID, model string) Fit {
	f := Fit{
		Limit:         Limit(providerID, model),
		SystemTokens:  EstimateTokens(system),
		MessageTokens: EstimateTokens(userMessage) + messageOverhead,
	}
	f.Available = f.Limit - ResponseReserve
	for _, m := range history {
		f.HistoryTokens += EstimateTokens(m.Content) + messageOverhead
	}
	f.Total = f.SystemTokens + f.HistoryTokens + f.MessageTokens
	f.Fits = f.Total <= f.Available
	f.NearLimit = f.Fits && float64(f.Total) > float64(f.Available)*softWarnRatio
	return f
}

// Truncate keeps whole history messages newest-first while they fit budget,
// stopping at the first message that would overflow. When anything is
// dropped, a synthetic system note stating the count is prepended, trading
// completeness for recency; the note's own cost is paid out of the same
// budget, so the returned list never estimates past it. Returns the trimmed
// history and the drop count.
func Truncate(history []provider.Message, budget int) ([]provider.Message, int) {
	if len(history) == 0 {
		return history, 0
	}

	keepFrom := fitNewest(history, budget)
	if keepFrom == 0 {
		return history, 0
	}

	// Reserve for the note before deciding what survives. Sized with the
	// maximum possible count so the digits never push it over.
	noteCost := EstimateTokens(omissionNote(len(history))) + messageOverhead
	if noteCost > budget {
		return history[keepFrom:], keepFrom
	}
	keepFrom = fitNewest(history, budget-noteCost)

	kept := make([]provider.Message, 0, len(history)-keepFrom+1)
	kept = append(kept, provider.Message{
		Role:    "system",
		Content: omissionNote(keepFrom),
	})
	kept = append(kept, history[keepFrom:]...)
	return kept, keepFrom
}

// fitNewest returns the lowest index from which the history tail fits budget.
func fitNewest(history []provider.Message, budget int) int {
	used := 0
	keepFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateTokens(history[i].Content) + messageOverhead
		if used+cost > budget {
			break
		}
		used += cost
		keepFrom = i
	}
	return keepFrom
}

func omissionNote(dropped int) string {
	return fmt.Sprintf("[%d earlier messages were omitted to fit the context window]", dropped)
}

// Prepare composes fit checking and truncation into the final message list
// for a provider call: optional system message, (possibly trimmed) history,
// then the user message. Warning strings describe anything a caller may want
// to surface.
func Prepare(system string, history []provider.Message, userMessage, providerID, model string) ([]provider.Message, []string, Fit) {
	fit := CheckFit(system, history, userMessage, providerID, model)

	var warnings []string
	if !fit.Fits {
		budget := fit.Available - fit.SystemTokens - fit.MessageTokens
		if budget < 0 {
			budget = 0
		}
		var dropped int
		history, dropped = Truncate(history, budget)
		if dropped > 0 {
			warnings = append(warnings, fmt.Sprintf("conversation truncated: %d earlier messages dropped to fit %s/%s", dropped, providerID, model))
		}
		// System prompt plus the user message alone can still be over; there
		// is nothing left to drop, so the caller at least hears about it.
		if after := CheckFit(system, history, userMessage, providerID, model); !after.Fits {
			warnings = append(warnings, fmt.Sprintf("request exceeds the %s/%s context window even after truncation (%d of %d available tokens)", providerID, model, after.Total, after.Available))
		}
	} else if fit.NearLimit {
		warnings = append(warnings, fmt.Sprintf("context usage at %d of %d available tokens for %s/%s", fit.Total, fit.Available, providerID, model))
	}

	msgs := make([]provider.Message, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: system})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, provider.Message{Role: "user", Content: userMessage})
	return msgs, warnings, fit
}
