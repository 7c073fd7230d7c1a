package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Judge prompts for session quality scoring. Any edit here changes
// CurrentPromptHash and marks existing scores as produced by an older
// prompt, so whitespace tweaks are not free.

const scoringSystemPrompt = `You are a strict quality judge for SRE alert investigations.

You receive the full record of an automated investigation: the alert, every tool call with its result, and the final analysis. Evaluate how well the investigation answered the alert.

Score on a 0-100 scale across these dimensions:
- Evidence gathering (0-40): did the investigation collect the data needed to explain the alert?
- Root cause reasoning (0-30): does the analysis follow from the gathered evidence?
- Actionability (0-20): are the remediation steps specific and safe for an operator to execute?
- Clarity (0-10): is the final analysis well-structured and unambiguous?

Be skeptical: unsupported claims, skipped obvious checks, and generic advice lose points.`

const scoringInitialTemplate = `Here is the recorded investigation to evaluate:

%s

Evaluate the investigation per your scoring dimensions. Explain each dimension's score, then the total.

%s`

const scoringSchemaReminder = `Your previous response did not end with the total score in the required format.

%s

Repeat only as much of your evaluation as needed, and make sure the last line is the total score by itself.`

const scoringMissingToolsPrompt = `Based on your evaluation, list the tools or data sources that were missing or would have materially improved this investigation. If nothing was missing, say so explicitly.`

// BuildScoringSystemPrompt returns the judge system prompt.
func (b *Builder) BuildScoringSystemPrompt() string {
	return scoringSystemPrompt
}

// BuildScoringInitialPrompt returns the first judge turn.
func (b *Builder) BuildScoringInitialPrompt(investigationContext, outputSchema string) string {
	return fmt.Sprintf(scoringInitialTemplate, investigationContext, outputSchema)
}

// BuildScoringSchemaReminderPrompt nudges the judge back to the output
// format after a failed score extraction.
func (b *Builder) BuildScoringSchemaReminderPrompt(outputSchema string) string {
	return fmt.Sprintf(scoringSchemaReminder, outputSchema)
}

// BuildScoringMissingToolsPrompt returns the missing-tools turn.
func (b *Builder) BuildScoringMissingToolsPrompt() string {
	return scoringMissingToolsPrompt
}

// CurrentPromptHash is the SHA-256 over the judge prompts. Stored with
// every score; a score's current_prompt_used flag compares against it.
func CurrentPromptHash() string {
	h := sha256.New()
	h.Write([]byte(scoringSystemPrompt))
	h.Write([]byte(scoringInitialTemplate))
	h.Write([]byte(scoringSchemaReminder))
	h.Write([]byte(scoringMissingToolsPrompt))
	return hex.EncodeToString(h.Sum(nil))
}
