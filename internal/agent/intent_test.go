package agent

import "testing"

func TestIntentGateDefaultPattern(t *testing.T) {
	gate := NewIntentGate("")

	tests := []struct {
		name    string
		message string
		want    bool
	}{
		{"remember keyword", "please remember that I drink oolong", true},
		{"schedule keyword", "schedule a call with Dana", true},
		{"every day phrase", "ping me every day at nine", true},
		{"recall keyword", "can you recall what I said about rent", true},
		{"search keyword", "search for the warranty document", true},
		{"spawn keyword", "spawn the research agent for this", true},
		{"plain greeting", "good morning, how did you sleep", false},
		{"small talk", "that movie was great", false},
		{"empty message", "", false},
		{"keyword inside word", "I dismembered the old shelf", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gate.Match(tt.message); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.message, got, tt.want)
			}
		})
	}
}

func TestIntentGateCustomPattern(t *testing.T) {
	gate := NewIntentGate(`(?i)\bbanana\b`)

	if !gate.Match("I want a banana") {
		t.Error("custom pattern should match its own keyword")
	}
	if gate.Match("please remember this") {
		t.Error("custom pattern should replace the default, not extend it")
	}
}

// TestIntentGateInvalidPattern verifies that a pattern that fails to
// compile falls back to the default instead of panicking.
func TestIntentGateInvalidPattern(t *testing.T) {
	gate := NewIntentGate(`([unclosed`)

	if !gate.Match("remember the milk") {
		t.Error("invalid pattern should fall back to the default keywords")
	}
}
