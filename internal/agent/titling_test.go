package agent

import "testing"

func TestTruncateTitle(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want string
	}{
		{"short stays", "Buy milk", 80, "Buy milk"},
		{"exact length stays", "12345", 5, "12345"},
		{"long gets ellipsis", "1234567890", 5, "1234…"},
		{"surrounding space trimmed", "  hello  ", 80, "hello"},
		{"multibyte counted as runes", "héllo wörld", 8, "héllo w…"},
		{"trailing space before cut trimmed", "abc def", 5, "abc…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateTitle(tt.text, tt.max); got != tt.want {
				t.Errorf("TruncateTitle(%q, %d) = %q, want %q", tt.text, tt.max, got, tt.want)
			}
		})
	}
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Grocery planning", "Grocery planning"},
		{"quoted", `"Grocery planning"`, "Grocery planning"},
		{"single quoted", "'Trip ideas'", "Trip ideas"},
		{"first line only", "Trip ideas\nSecond thoughts", "Trip ideas"},
		{"whitespace", "  Tea notes  ", "Tea notes"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanTitle(tt.in); got != tt.want {
				t.Errorf("cleanTitle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
