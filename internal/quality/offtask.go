package quality

import (
	"regexp"
	"strings"
)

// offTaskThreshold is the minimum prompt-keyword overlap for a response to
// count as on-task.
const offTaskThreshold = 0.6

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
	"on": {}, "at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {},
	"from": {}, "as": {}, "is": {}, "was": {}, "are": {}, "were": {}, "be": {},
	"been": {}, "being": {}, "have": {}, "has": {}, "had": {}, "do": {},
	"does": {}, "did": {}, "will": {}, "would": {}, "could": {}, "should": {},
	"may": {}, "might": {}, "can": {}, "this": {}, "that": {}, "these": {},
	"those": {}, "i": {}, "you": {}, "he": {}, "she": {}, "it": {}, "we": {},
	"they": {}, "what": {}, "which": {}, "who": {}, "when": {}, "where": {},
	"why": {}, "how": {},
}

var wordPattern = regexp.MustCompile(`\b[a-z]+\b`)

// extractKeywords lowercases text and keeps alphabetic tokens longer than
// three characters that are not stop words.
func extractKeywords(text string) map[string]struct{} {
	keywords := make(map[string]struct{})
	for _, word := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len(word) <= 3 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		keywords[word] = struct{}{}
	}
	return keywords
}

// IsOffTask reports whether the response shares too few prompt keywords with
// the prompt. An empty prompt keyword set is never off-task.
func IsOffTask(prompt, response string) bool {
	promptKeywords := extractKeywords(prompt)
	if len(promptKeywords) == 0 {
		return false
	}
	responseKeywords := extractKeywords(response)

	overlap := 0
	for word := range promptKeywords {
		if _, ok := responseKeywords[word]; ok {
			overlap++
		}
	}
	return float64(overlap)/float64(len(promptKeywords)) < offTaskThreshold
}
