package engine

import (
	"fmt"
	"strings"

	"github.com/opuskit/opus/internal/piece"
	"github.com/opuskit/opus/internal/provider"
)

// buildInstruction renders the phase-1 prompt for one movement: the
// instruction body, the previous movement's output when requested,
// accumulated user inputs, and the numbered rule menu the agent answers
// with a verdict marker.
func buildInstruction(mv *piece.Movement, previousResponse string, userInputs []string) string {
	var b strings.Builder
	b.WriteString(mv.Instruction)
	b.WriteString("\n")

	if mv.PassPreviousResponse && previousResponse != "" {
		b.WriteString("\n## Previous step output\n\n")
		b.WriteString(previousResponse)
		b.WriteString("\n")
	}

	if len(userInputs) > 0 {
		b.WriteString("\n## User guidance\n\n")
		b.WriteString("The user provided the following answers, in order:\n")
		for i, input := range userInputs {
			fmt.Fprintf(&b, "%d. %s\n", i+1, input)
		}
	}

	if menu := ruleMenu(mv); menu != "" {
		b.WriteString(menu)
	}

	b.WriteString("\nIf you cannot proceed without a human decision, end your response with ")
	b.WriteString(provider.BlockedMarker)
	b.WriteString(" followed by your question on the same line.\n")
	return b.String()
}

// ruleMenu lists the movement's transition conditions. Aggregate rules are
// resolved from child results, not by the agent, so a parent with only
// aggregate rules gets no menu.
func ruleMenu(mv *piece.Movement) string {
	var b strings.Builder
	written := 0
	for i, rule := range mv.Rules {
		if rule.Aggregate {
			continue
		}
		if written == 0 {
			b.WriteString("\n## Outcome\n\n")
			b.WriteString("When finished, state which of these describes the outcome:\n")
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, ruleConditionText(rule))
		written++
	}
	if written == 0 {
		return ""
	}
	b.WriteString("\nInclude the marker [VERDICT:N] in your response, where N is the matching number.\n")
	return b.String()
}

// reportInstruction asks for the content of exactly one declared report
// file, resuming the work session.
func reportInstruction(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Produce the full content of the report %q based on the work you just completed.\n", name)
	b.WriteString("Respond with the file content only. Do not modify any files and do not add commentary.\n")
	return b.String()
}

// reportRetryInstruction is the fresh-session variant: the new session has
// no conversation history, so the phase-1 response is inlined as context.
func reportRetryInstruction(name, phase1Content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Produce the full content of the report %q for the work described below.\n", name)
	b.WriteString("Respond with the file content only. Do not modify any files and do not add commentary.\n")
	b.WriteString("\n## Work output\n\n")
	b.WriteString(phase1Content)
	b.WriteString("\n")
	return b.String()
}
