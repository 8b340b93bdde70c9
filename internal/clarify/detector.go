package clarify

import (
	"regexp"
	"strings"
)

// hedgePatterns is the uncertainty heuristic: hedging language in English
// and Russian. Naive regex matching on purpose.
var hedgePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(i'?m|i am) not (sure|certain)\b`),
	regexp.MustCompile(`(?i)\bnot sure (what|which|how|if)\b`),
	regexp.MustCompile(`(?i)\b(it is|it'?s) unclear\b`),
	regexp.MustCompile(`(?i)\bunclear (what|which|whether)\b`),
	regexp.MustCompile(`(?i)\bwhich (one|of these|version|file|section)\b`),
	regexp.MustCompile(`(?i)\b(could|can) you (clarify|specify|confirm)\b`),
	regexp.MustCompile(`(?i)\bplease clarify\b`),
	regexp.MustCompile(`(?i)\bambiguous\b`),
	regexp.MustCompile(`(?i)не увер[ея]н`),
	regexp.MustCompile(`(?i)неясно`),
	regexp.MustCompile(`(?i)непонятно,? (что|какой|как)`),
	regexp.MustCompile(`(?i)уточните`),
	regexp.MustCompile(`(?i)какой из (них|вариантов|файлов)`),
}

// NeedsClarification reports whether a model's output reads as a request for
// human disambiguation rather than an answer: hedge phrasing or repeated
// question marks.
func NeedsClarification(text string) bool {
	for _, p := range hedgePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return strings.Count(text, "?") >= 2
}
