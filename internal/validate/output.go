package validate

import (
	"fmt"

	guardian "github.com/llm-guardian/guardian/internal"
)

// severityRank orders severities for escalation-only updates.
var severityRank = map[guardian.Severity]int{
	guardian.SeverityLow:      0,
	guardian.SeverityMedium:   1,
	guardian.SeverityHigh:     2,
	guardian.SeverityCritical: 3,
}

// escalate raises the result severity, never lowers it.
func escalate(result *guardian.ValidationResult, s guardian.Severity) {
	if severityRank[s] > severityRank[result.Severity] {
		result.Severity = s
	}
}

// OutputValidator gates an annotated response before it is returned to the
// caller.
type OutputValidator struct{}

// NewOutputValidator creates an output validator.
func NewOutputValidator() *OutputValidator {
	return &OutputValidator{}
}

// Validate applies the output rules with their severities: harmful content is
// critical; low quality score, hallucination, and empty text are high;
// off-task and very short responses are warnings. The orchestrator treats
// critical severity as the fallback trigger.
func (v *OutputValidator) Validate(resp *guardian.Response) guardian.ValidationResult {
	result := guardian.ValidationResult{IsValid: true, Severity: guardian.SeverityLow}

	if resp.ContainsHarmfulContent {
		result.IsValid = false
		result.Errors = append(result.Errors, "response contains harmful content")
		escalate(&result, guardian.SeverityCritical)
	}
	if resp.QualityScore < 0.5 {
		result.IsValid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("response quality too low: %.2f < 0.5", resp.QualityScore))
		escalate(&result, guardian.SeverityHigh)
	}
	if resp.IsHallucination {
		result.IsValid = false
		result.Errors = append(result.Errors, "response likely contains hallucination")
		escalate(&result, guardian.SeverityHigh)
	}
	if len(resp.ResponseText) == 0 {
		result.IsValid = false
		result.Errors = append(result.Errors, "empty response")
		escalate(&result, guardian.SeverityHigh)
	}
	if resp.IsOffTask {
		result.Warnings = append(result.Warnings, "response may be off-task or irrelevant")
	}
	if n := len(resp.ResponseText); n > 0 && n < 10 {
		result.Warnings = append(result.Warnings, "response is very short, may be incomplete")
	}

	return result
}
