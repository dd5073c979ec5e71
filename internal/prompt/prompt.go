// Package prompt renders the prompt body handed to a task-bound worker:
// the task's own content, its rejection-feedback history (from the
// mailbox, when present), and the blueprint's per-role instructions.
package prompt

import (
	"fmt"
	"strings"

	"github.com/maxthelion/octopoid/internal/blueprint"
	"github.com/maxthelion/octopoid/internal/task"
)

// Render builds the full prompt text for t under blueprint b. It never
// mutates t; callers that rewrite a rejected task's Prompt field do so
// before calling Render, not after.
func Render(b blueprint.Blueprint, t *task.Task) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n\n", nonEmpty(t.Title, t.ID))
	sb.WriteString(t.Prompt)
	sb.WriteString("\n")

	if feedback := rejectionFeedback(t); feedback != "" {
		sb.WriteString("\n## Prior review feedback\n\n")
		sb.WriteString(feedback)
		sb.WriteString("\n")
	}

	if instructions := roleInstructions(b); instructions != "" {
		sb.WriteString("\n## Role instructions\n\n")
		sb.WriteString(instructions)
		sb.WriteString("\n")
	}

	return sb.String()
}

// rejectionFeedback collects every rejection-type message on the task, in
// the order they appear in t.Messages, so a re-claimed worker sees the full
// history rather than only the most recent rejection.
func rejectionFeedback(t *task.Task) string {
	var lines []string
	for _, m := range t.Messages {
		if m.Type != "rejection" {
			continue
		}
		lines = append(lines, "- "+m.Body)
	}
	return strings.Join(lines, "\n")
}

func roleInstructions(b blueprint.Blueprint) string {
	if len(b.AllowedTools) == 0 {
		return ""
	}
	return fmt.Sprintf("You may use the following tools: %s.", strings.Join(b.AllowedTools, ", "))
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
