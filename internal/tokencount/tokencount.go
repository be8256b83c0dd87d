// Package tokencount estimates token counts for responses whose provider
// payload omits usage data. Uses a character-based heuristic (~4 chars per
// token for English) which is sufficient for cost accounting and quotas.
// Can be replaced with tiktoken for exact counts if needed.
package tokencount

// promptOverhead covers the role and formatting tokens a single-message chat
// request carries, plus the assistant reply priming.
const promptOverhead = 7

// Estimate returns the approximate token count of text.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(text) + 3) / 4
}

// EstimatePrompt returns the approximate token count of a prompt sent as a
// single user message, including per-message overhead.
func EstimatePrompt(prompt string) int {
	return max(Estimate(prompt)+promptOverhead, 1)
}
