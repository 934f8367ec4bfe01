package agent

import (
	"fmt"
	"strings"

	"github.com/joilabs/joi-gateway/internal/providers"
)

// planVerbs maps tool names to the imperative phrase shown in the plan.
var planVerbs = map[string]string{
	"memory_store":     "Store a memory",
	"memory_search":    "Search memories",
	"knowledge_store":  "File a knowledge object",
	"knowledge_search": "Search the knowledge base",
	"tasks_list":       "List scheduled tasks",
	"review_request":   "Request a review",
	"spawn_agent":      "Delegate to another agent",
}

// PlanSteps derives one short imperative phrase per pending tool call.
// Phrases are capitalized and carry no trailing fillers.
func PlanSteps(calls []providers.ToolCall) []string {
	steps := make([]string, 0, len(calls))
	for _, call := range calls {
		phrase, ok := planVerbs[call.Name]
		if !ok {
			phrase = "Run " + strings.ReplaceAll(call.Name, "_", " ")
		}
		if detail := planDetail(call); detail != "" {
			phrase = fmt.Sprintf("%s: %s", phrase, detail)
		}
		steps = append(steps, capitalize(trimFillers(phrase)))
	}
	return steps
}

// planDetail pulls the most descriptive argument for the step text.
func planDetail(call providers.ToolCall) string {
	for _, key := range []string{"query", "title", "message", "content"} {
		if v, ok := call.Arguments[key].(string); ok && v != "" {
			if runes := []rune(v); len(runes) > 60 {
				v = string(runes[:57]) + "..."
			}
			return v
		}
	}
	return ""
}

func trimFillers(s string) string {
	s = strings.TrimSpace(s)
	for _, suffix := range []string{" now", " I am", " i am"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
