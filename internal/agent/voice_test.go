package agent

import (
	"strings"
	"testing"
	"time"
)

func collectFilter() (*voiceFilter, *strings.Builder) {
	var out strings.Builder
	return newVoiceFilter(func(s string) { out.WriteString(s) }), &out
}

func TestVoiceFilterWrite(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{
			name:   "plain text passes through",
			chunks: []string{"Hello ", "there."},
			want:   "Hello there.",
		},
		{
			name:   "single tag stripped",
			chunks: []string{"[thinking] Sure thing."},
			want:   " Sure thing.",
		},
		{
			name:   "tag split across chunks",
			chunks: []string{"One [paus", "e] moment."},
			want:   "One  moment.",
		},
		{
			name:   "tag boundary exactly at chunk edge",
			chunks: []string{"Done [", "cleanup]", " now."},
			want:   "Done  now.",
		},
		{
			name:   "multiple tags",
			chunks: []string{"[a]x[b]y"},
			want:   "xy",
		},
		{
			name:   "empty chunks forward nothing",
			chunks: []string{"", "[tag]", ""},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, out := collectFilter()
			for _, c := range tt.chunks {
				f.Write(c)
			}
			if out.String() != tt.want {
				t.Errorf("filtered output = %q, want %q", out.String(), tt.want)
			}
		})
	}
}

// TestVoiceFilterFlush verifies that an unclosed bracket at end of stream
// is released rather than swallowed.
func TestVoiceFilterFlush(t *testing.T) {
	f, out := collectFilter()
	f.Write("Result: [3 + 4")
	f.Flush()

	if got := out.String(); got != "Result: [3 + 4" {
		t.Errorf("after flush got %q, want the unclosed bracket released", got)
	}

	// A closed tag leaves nothing to flush.
	f2, out2 := collectFilter()
	f2.Write("[done]ok")
	f2.Flush()
	if got := out2.String(); got != "ok" {
		t.Errorf("after flush got %q, want %q", got, "ok")
	}
}

func TestFillerScheduleFires(t *testing.T) {
	s := FillerSchedule{
		Delays:  []time.Duration{5 * time.Millisecond},
		Phrases: []string{"One moment."},
	}

	got := make(chan string, 1)
	stop := s.start(func(phrase string) { got <- phrase })
	defer stop()

	select {
	case phrase := <-got:
		if phrase != "One moment." {
			t.Errorf("filler phrase = %q, want %q", phrase, "One moment.")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("filler never fired")
	}
}

func TestFillerScheduleStopCancelsPending(t *testing.T) {
	s := FillerSchedule{
		Delays:  []time.Duration{50 * time.Millisecond, 60 * time.Millisecond},
		Phrases: []string{"a", "b"},
	}

	fired := make(chan string, 2)
	stop := s.start(func(phrase string) { fired <- phrase })
	stop()
	stop() // stop is idempotent

	select {
	case phrase := <-fired:
		t.Errorf("filler %q fired after stop", phrase)
	case <-time.After(120 * time.Millisecond):
	}
}
