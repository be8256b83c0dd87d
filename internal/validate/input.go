// Package validate implements input and output validation at the request
// boundary: prompt-injection detection, length and pattern rules on the way
// in, and quality/safety gates on the way out.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	guardian "github.com/llm-guardian/guardian/internal"
)

// injectionPatterns match common prompt-injection phrasings. Case-insensitive,
// compiled once at init.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (previous|above|all|any) (instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)disregard (all|any|the) (previous|prior|above) (instructions?|prompts?)`),
	regexp.MustCompile(`(?i)(new|updated) (instruction|prompt|task|rule)s?:`),
	regexp.MustCompile(`(?i)system:?\s*(you are|act as|pretend|simulate)`),
	regexp.MustCompile(`(?i)<\|im_start\|>|<\|im_end\|>`), // chat format markers
	regexp.MustCompile(`(?i)\[INST\]|\[/INST\]`),          // instruction markers
	regexp.MustCompile(`(?i)forget (everything|all|your) (previous|above)`),
	regexp.MustCompile(`(?i)override (all|previous|safety) (instructions?|settings?|rules?)`),
}

// InputValidator checks a RequestContext before any provider call.
type InputValidator struct {
	maxPromptLength int
}

// NewInputValidator creates an input validator enforcing the given prompt
// length ceiling.
func NewInputValidator(maxPromptLength int) *InputValidator {
	return &InputValidator{maxPromptLength: maxPromptLength}
}

// DetectInjection reports whether the prompt matches any injection pattern.
func DetectInjection(prompt string) bool {
	for _, p := range injectionPatterns {
		if p.MatchString(prompt) {
			return true
		}
	}
	return false
}

// Validate runs the input checks in order: injection patterns, prompt length,
// forbidden patterns, topic allowlist. A topic-allowlist miss is a warning;
// everything else is an error. Returns the structured result alongside the
// error the orchestrator should surface.
func (v *InputValidator) Validate(reqCtx *guardian.RequestContext) (guardian.ValidationResult, error) {
	result := guardian.ValidationResult{IsValid: true, Severity: guardian.SeverityLow}

	if DetectInjection(reqCtx.Prompt) {
		result.IsValid = false
		result.Errors = append(result.Errors, "potential prompt injection detected")
		result.Severity = guardian.SeverityHigh
		preview := reqCtx.Prompt
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return result, fmt.Errorf("%w: %q", guardian.ErrPromptInjection, preview)
	}

	if len(reqCtx.Prompt) > v.maxPromptLength {
		result.IsValid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("prompt exceeds maximum length: %d > %d", len(reqCtx.Prompt), v.maxPromptLength))
	}

	for _, pattern := range reqCtx.ForbiddenPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			result.IsValid = false
			result.Errors = append(result.Errors, fmt.Sprintf("invalid forbidden pattern %q: %v", pattern, err))
			continue
		}
		if re.MatchString(reqCtx.Prompt) {
			result.IsValid = false
			result.Errors = append(result.Errors, fmt.Sprintf("forbidden pattern detected: %s", pattern))
		}
	}

	if len(reqCtx.AllowedTopics) > 0 && !matchesTopics(reqCtx.Prompt, reqCtx.AllowedTopics) {
		result.Warnings = append(result.Warnings, "prompt topic may not be in allowlist")
	}

	if !result.IsValid {
		if result.Severity == guardian.SeverityLow {
			result.Severity = guardian.SeverityMedium
		}
		return result, fmt.Errorf("%w: %s", guardian.ErrValidation, strings.Join(result.Errors, "; "))
	}
	return result, nil
}

// matchesTopics reports whether any allowed topic appears in the prompt
// (case-insensitive substring).
func matchesTopics(prompt string, topics []string) bool {
	lower := strings.ToLower(prompt)
	for _, topic := range topics {
		if strings.Contains(lower, strings.ToLower(topic)) {
			return true
		}
	}
	return false
}
