// Package quality implements heuristic quality assessment for LLM responses:
// hallucination detection, content safety categorization, off-task detection,
// and the combined scorer feeding the orchestrator's verdict.
package quality

import (
	"regexp"
	"strings"
)

// hallucinationThreshold is the probability above which a response is flagged.
const hallucinationThreshold = 0.7

// hallucinationPatterns match uncertainty and fabrication markers.
var hallucinationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)I apologize,?\s+but I (don't|do not|cannot|can't) (actually|really)`),
	regexp.MustCompile(`(?i)I (made up|invented|fabricated)`),
	regexp.MustCompile(`(?i)I (don't|do not) have access to`),
	regexp.MustCompile(`(?i)As an AI( language model)?,?\s+I (can't|cannot|am unable to)`),
	regexp.MustCompile(`(?i)I (don't|do not) have (real-time )?information`),
	regexp.MustCompile(`(?i)my (training|knowledge) (data )?(cut-off|cutoff)`),
	regexp.MustCompile(`(?i)I'm not (sure|certain|confident)`),
	regexp.MustCompile(`(?i)I (may|might) be (wrong|incorrect|mistaken)`),
}

// HallucinationScore estimates the probability that text is hallucinated,
// combining pattern matches (weight 0.7) with a short-response heuristic
// (weight 0.3).
func HallucinationScore(text string) float64 {
	matches := 0
	for _, p := range hallucinationPatterns {
		if p.MatchString(text) {
			matches++
		}
	}
	patternScore := min(float64(matches)*0.3, 1.0)

	lengthScore := 0.0
	switch words := len(strings.Fields(text)); {
	case words < 5:
		lengthScore = 0.5
	case words < 10:
		lengthScore = 0.2
	}

	return min(0.7*patternScore+0.3*lengthScore, 1.0)
}

// IsHallucination reports whether the score crosses the flagging threshold.
func IsHallucination(score float64) bool {
	return score > hallucinationThreshold
}
