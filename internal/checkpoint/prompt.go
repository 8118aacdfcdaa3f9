package checkpoint

import (
	"fmt"
	"strings"
)

// BuildRestorationPrompt implements spec §4.7's
// buildRestorationPrompt(checkpoint): a human-readable multi-section summary
// sufficient for an agent resuming cold to recover context.
func BuildRestorationPrompt(cp *Checkpoint) string {
	if cp == nil {
		return "No checkpoint found. Starting fresh with no prior context."
	}

	var b strings.Builder

	fmt.Fprintf(&b, "# Resuming task %s (checkpoint v%d)\n\n", nonEmpty(cp.TaskID, "(no task)"), cp.Version)

	if cp.TaskTitle != "" {
		fmt.Fprintf(&b, "Task: %s\n", cp.TaskTitle)
	}
	if cp.TotalSteps > 0 {
		fmt.Fprintf(&b, "Progress: step %d of %d\n", cp.PlanStep, cp.TotalSteps)
	}
	b.WriteString("\n")

	writeSection(&b, "## Completed steps", cp.CompletedSteps)
	writeSection(&b, "## Key decisions", cp.KeyDecisions)
	writeSection(&b, "## Files modified", cp.FilesModified)
	writeSection(&b, "## Important findings", cp.ImportantNotes)

	if cp.CurrentContext != "" {
		fmt.Fprintf(&b, "## Current context\n%s\n\n", cp.CurrentContext)
	}

	b.WriteString("## Resume work\n")
	b.WriteString("Pick up from the current context above. Re-verify the files modified list against the working tree before continuing, in case another agent touched them since this checkpoint.\n")

	return b.String()
}

func writeSection(b *strings.Builder, header string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(header)
	b.WriteString("\n")
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
