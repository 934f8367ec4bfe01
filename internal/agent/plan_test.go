package agent

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/joilabs/joi-gateway/internal/providers"
)

func TestPlanSteps(t *testing.T) {
	tests := []struct {
		name  string
		calls []providers.ToolCall
		want  []string
	}{
		{
			name: "known verb with query detail",
			calls: []providers.ToolCall{
				{Name: "memory_search", Arguments: map[string]interface{}{"query": "tea preferences"}},
			},
			want: []string{"Search memories: tea preferences"},
		},
		{
			name: "known verb without detail",
			calls: []providers.ToolCall{
				{Name: "tasks_list", Arguments: map[string]interface{}{}},
			},
			want: []string{"List scheduled tasks"},
		},
		{
			name: "unknown tool falls back to run phrase",
			calls: []providers.ToolCall{
				{Name: "weather_lookup", Arguments: map[string]interface{}{}},
			},
			want: []string{"Run weather lookup"},
		},
		{
			name: "one step per call in order",
			calls: []providers.ToolCall{
				{Name: "memory_store", Arguments: map[string]interface{}{"content": "likes oolong"}},
				{Name: "spawn_agent", Arguments: map[string]interface{}{"message": "summarize inbox"}},
			},
			want: []string{
				"Store a memory: likes oolong",
				"Delegate to another agent: summarize inbox",
			},
		},
		{
			name:  "no calls",
			calls: nil,
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PlanSteps(tt.calls)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("PlanSteps() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlanStepsTruncatesLongDetail(t *testing.T) {
	long := strings.Repeat("x", 100)
	steps := PlanSteps([]providers.ToolCall{
		{Name: "knowledge_search", Arguments: map[string]interface{}{"query": long}},
	})

	if len(steps) != 1 {
		t.Fatalf("expected one step, got %d", len(steps))
	}
	if !strings.HasSuffix(steps[0], "...") {
		t.Errorf("long detail should be truncated with ellipsis: %q", steps[0])
	}
	if len(steps[0]) > len("Search the knowledge base: ")+60 {
		t.Errorf("step too long after truncation: %d chars", len(steps[0]))
	}
}

func TestPlanStepsTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("日", 80)
	steps := PlanSteps([]providers.ToolCall{
		{Name: "memory_search", Arguments: map[string]interface{}{"query": long}},
	})

	if len(steps) != 1 {
		t.Fatalf("expected one step, got %d", len(steps))
	}
	want := "Search memories: " + strings.Repeat("日", 57) + "..."
	if steps[0] != want {
		t.Errorf("step = %q, want %q", steps[0], want)
	}
	if !utf8.ValidString(steps[0]) {
		t.Errorf("truncation split a rune: %q", steps[0])
	}
}
