package executor

import (
	"fmt"
	"strings"
	"time"
)

// DefaultConsensusThreshold is the share of completed outcomes a group must
// reach for ConsensusResult to report it.
const DefaultConsensusThreshold = 0.5

// CombineResults renders a markdown comparison of all outcomes in their
// original order, annotating provider, model, duration, token usage, and
// status. Failed outcomes get an Error section instead of a result body.
func CombineResults(round Round) string {
	var sb strings.Builder
	sb.WriteString("# Multi-Model Results\n\n")
	fmt.Fprintf(&sb, "%d of %d models completed in %s.\n", round.SuccessCount,
		len(round.Outcomes), round.TotalDuration.Round(time.Millisecond))

	for _, o := range round.Outcomes {
		fmt.Fprintf(&sb, "\n## %s/%s\n\n", o.Provider, o.Model)
		fmt.Fprintf(&sb, "- Status: %s\n- Duration: %s\n- Tokens: %d\n",
			o.Status, o.Duration.Round(time.Millisecond), o.Tokens)

		if o.Status == OutcomeCompleted {
			sb.WriteString("\n")
			sb.WriteString(o.Content)
			sb.WriteString("\n")
		} else {
			sb.WriteString("\n### Error\n\n")
			sb.WriteString(o.Error)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// FastestResult returns the completed outcome with the smallest duration,
// ties broken by encounter order. ok is false when nothing completed.
func FastestResult(round Round) (Outcome, bool) {
	var best Outcome
	found := false
	for _, o := range round.Outcomes {
		if o.Status != OutcomeCompleted {
			continue
		}
		if !found || o.Duration < best.Duration {
			best = o
			found = true
		}
	}
	return best, found
}

// ConsensusResult groups completed results by pairwise substring containment
// of their normalized (trimmed, lower-cased) text and returns a
// representative of the first group whose share of completed results meets
// threshold (DefaultConsensusThreshold when <= 0). This is naive textual
// agreement, not semantic similarity, and is documented as such.
func ConsensusResult(round Round, threshold float64) (string, bool) {
	if threshold <= 0 {
		threshold = DefaultConsensusThreshold
	}

	type group struct {
		norm     string // representative normalized text
		original string
		count    int
	}

	var completed int
	var groups []*group
	for _, o := range round.Outcomes {
		if o.Status != OutcomeCompleted {
			continue
		}
		completed++
		norm := strings.ToLower(strings.TrimSpace(o.Content))

		matched := false
		for _, g := range groups {
			if strings.Contains(g.norm, norm) || strings.Contains(norm, g.norm) {
				g.count++
				matched = true
				break
			}
		}
		if !matched {
			groups = append(groups, &group{norm: norm, original: o.Content, count: 1})
		}
	}
	if completed == 0 {
		return "", false
	}

	for _, g := range groups {
		if float64(g.count)/float64(completed) >= threshold {
			return g.original, true
		}
	}
	return "", false
}
