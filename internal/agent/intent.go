package agent

import (
	"regexp"
	"strings"
)

// defaultIntentPattern is the lightweight tool-intent predicate: a message
// matching none of these domain keywords is routed to the cheaper
// lightweight/chat task instead of the tool task.
const defaultIntentPattern = `(?i)\b(remember|memor|recall|forget|note|task|schedule|remind|cron|every\s+(day|week|hour|month)|tomorrow|tonight|knowledge|fact|search|look\s*up|find|review|approve|reject|delegate|spawn|store|save|list)\b`

// IntentGate decides whether a user message needs tools.
type IntentGate struct {
	re *regexp.Regexp
}

// NewIntentGate compiles the predicate; an empty or invalid pattern falls
// back to the default.
func NewIntentGate(pattern string) *IntentGate {
	if pattern == "" {
		pattern = defaultIntentPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = regexp.MustCompile(defaultIntentPattern)
	}
	return &IntentGate{re: re}
}

// Match reports whether the message shows tool intent.
func (g *IntentGate) Match(message string) bool {
	return g.re.MatchString(strings.TrimSpace(message))
}
