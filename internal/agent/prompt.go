package agent

import (
	"fmt"
	"strings"

	"github.com/openhearth/hearth/internal/action"
)

// basePrompt is the standing instruction set. The capability summary is
// appended so the model knows what it can actually control without guessing
// entity IDs.
const basePrompt = `You are Hearth, a home assistant. You control the home through the tools provided.

Rules:
- Use tools for every device action or state query; never claim to have done something without calling a tool.
- Always address devices by their exact entity IDs as listed below.
- When a tool call is rejected, read the rejection reason and correct your call instead of repeating it.
- Answer briefly and conversationally; your replies may be spoken aloud.`

// buildSystemPrompt composes the system prompt from the operator's extra
// instructions and the current capability snapshot.
func buildSystemPrompt(extra string, snap *action.CapabilitySnapshot) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	if extra != "" {
		sb.WriteString("\n\n")
		sb.WriteString(extra)
	}

	if snap != nil && len(snap.Domains) > 0 {
		sb.WriteString("\n\nAvailable devices:\n")
		for _, d := range snap.Domains {
			if len(d.Targets) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "- %s:", d.Name)
			for i, t := range d.Targets {
				if i > 0 {
					sb.WriteString(",")
				}
				if t.FriendlyName != "" {
					fmt.Fprintf(&sb, " %s (%s)", t.ID, t.FriendlyName)
				} else {
					fmt.Fprintf(&sb, " %s", t.ID)
				}
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}
