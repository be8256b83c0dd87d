package quality

import (
	"regexp"
	"sort"
)

// harmfulCategories maps category names to their pattern families.
var harmfulCategories = map[string][]*regexp.Regexp{
	"violence": {
		regexp.MustCompile(`(?i)\b(kill|murder|assault|attack|weapon|gun|knife|bomb)\b`),
		regexp.MustCompile(`(?i)\b(hurt|harm|injure|wound)\b`),
	},
	"hate_speech": {
		regexp.MustCompile(`(?i)\b(hate|racist|sexist|homophobic|xenophobic)\b`),
		regexp.MustCompile(`(?i)\b(slur|derogatory|discriminat)\w*\b`),
	},
	"self_harm": {
		regexp.MustCompile(`(?i)\b(suicide|self[- ]harm|cut(ting)? (myself|yourself))\b`),
		regexp.MustCompile(`(?i)\b(end (my|your) life|kill (myself|yourself))\b`),
	},
	"sexual_content": {
		regexp.MustCompile(`(?i)\b(explicit|pornograph|sexual)\b.*\b(content|material)\b`),
	},
	"illegal_activity": {
		regexp.MustCompile(`(?i)\b(illegal|unlawful|criminal)\b.*\b(activity|action)\b`),
		regexp.MustCompile(`(?i)\b(hack|exploit|steal|fraud)\b`),
	},
}

// SafetyResult is the outcome of the content safety check.
type SafetyResult struct {
	IsSafe     bool
	Violations []string // violating category names, sorted
	RiskScore  float64  // max score among violating categories
	Details    map[string]float64
}

// CheckSafety scores text against every harmful category. A category is a
// violation when its score exceeds 0.5; each pattern match contributes 0.4.
func CheckSafety(text string) SafetyResult {
	result := SafetyResult{
		IsSafe:  true,
		Details: make(map[string]float64, len(harmfulCategories)),
	}
	for category, patterns := range harmfulCategories {
		matches := 0
		for _, p := range patterns {
			if p.MatchString(text) {
				matches++
			}
		}
		score := min(float64(matches)*0.4, 1.0)
		result.Details[category] = score
		if score > 0.5 {
			result.IsSafe = false
			result.Violations = append(result.Violations, category)
			result.RiskScore = max(result.RiskScore, score)
		}
	}
	sort.Strings(result.Violations)
	return result
}
