package pg

import "testing"

func TestTagParam(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want string
	}{
		{"plain", "urgent", `["urgent"]`},
		{"embedded quote", `say "hi"`, `["say \"hi\""]`},
		{"unicode", "日本語", `["日本語"]`},
		{"bracket noise", `x"]}`, `["x\"]}"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(tagParam(tt.tag)); got != tt.want {
				t.Errorf("tagParam(%q) = %s, want %s", tt.tag, got, tt.want)
			}
		})
	}
}
