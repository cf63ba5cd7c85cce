package agent

import (
	"regexp"
	"strings"
)

// reply is the structured form of one plain-text model response parsed
// for ReAct markers.
type reply struct {
	Thought     string
	Action      string
	ActionInput string
	FinalAnswer string
	HasFinal    bool
	HasAction   bool
}

// headerRe matches section markers case-insensitively. "action input" is
// listed before "action" so the longer marker wins.
var headerRe = regexp.MustCompile(`(?i)(final answer|action input|action|thought)\s*:`)

// parseReply splits text into marker-delimited sections. Each section runs
// until the next marker or end-of-text. The first occurrence of each
// marker wins; a final answer takes priority over any action.
func parseReply(text string) reply {
	var out reply

	locs := headerRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return out
	}

	for i, loc := range locs {
		name := strings.ToLower(text[loc[2]:loc[3]])
		start := loc[1]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		value := strings.TrimSpace(text[start:end])

		switch name {
		case "thought":
			if out.Thought == "" {
				out.Thought = value
			}
		case "action":
			if !out.HasAction {
				out.Action = value
				out.HasAction = true
			}
		case "action input":
			if out.ActionInput == "" {
				out.ActionInput = value
			}
		case "final answer":
			if !out.HasFinal {
				out.FinalAnswer = value
				out.HasFinal = true
			}
		}
	}
	return out
}
