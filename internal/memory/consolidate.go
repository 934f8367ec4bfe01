package memory

import (
	"context"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/joilabs/joi-gateway/internal/store"
)

const (
	mergeCosineThreshold  = 0.92
	mergeJaccardThreshold = 0.7
)

// ConsolidateReport counts the actions taken by one consolidation pass.
type ConsolidateReport struct {
	Merged        int `json:"merged"`
	Archived      int `json:"archived"`
	Dropped       int `json:"dropped"`
	FactsArchived int `json:"facts_archived"`
}

// FactsArchiver lets consolidation archive outdated rows in the facts
// collection. The knowledge service satisfies this; nil skips the step.
type FactsArchiver interface {
	ArchiveOutdatedFacts(ctx context.Context) (int, error)
}

// degenerate identity content: questions, role echoes, time-of-day noise.
var degenerateIdentity = regexp.MustCompile(`(?i)^\s*(user|assistant|unknown|(good\s+)?(morning|afternoon|evening|night)|\d{1,2}:\d{2}(\s*(am|pm))?)\s*[.!]?\s*$`)

func isDegenerateIdentity(content string) bool {
	if strings.Contains(content, "?") {
		return true
	}
	return degenerateIdentity.MatchString(content)
}

// Consolidate merges near-duplicate active memories within each area,
// archives expired rows and drops degenerate identity entries.
func (s *Service) Consolidate(ctx context.Context, facts FactsArchiver) (*ConsolidateReport, error) {
	report := &ConsolidateReport{}

	for _, area := range store.Areas {
		active, err := s.memories.ActiveByArea(ctx, area)
		if err != nil {
			s.logger.Warn("consolidate: load area failed", "area", area, "error", err)
			continue
		}

		if area == store.AreaIdentity {
			kept := active[:0]
			for _, m := range active {
				if isDegenerateIdentity(m.Content) {
					if err := s.memories.DeleteByID(ctx, m.ID); err != nil {
						s.logger.Warn("consolidate: drop degenerate failed", "id", m.ID, "error", err)
						kept = append(kept, m)
						continue
					}
					report.Dropped++
					continue
				}
				kept = append(kept, m)
			}
			active = kept
		}

		report.Merged += s.mergeDuplicates(ctx, active)
	}

	archived, err := s.memories.ArchiveExpired(ctx, time.Now())
	if err != nil {
		s.logger.Warn("consolidate: archive expired failed", "error", err)
	}
	report.Archived = archived

	if facts != nil {
		n, err := facts.ArchiveOutdatedFacts(ctx)
		if err != nil {
			s.logger.Warn("consolidate: facts archive failed", "error", err)
		}
		report.FactsArchived = n
	}

	s.logger.Info("memory consolidation done",
		"merged", report.Merged, "archived", report.Archived, "dropped", report.Dropped,
		"facts_archived", report.FactsArchived)
	return report, nil
}

// mergeDuplicates groups near-duplicates (cosine and Jaccard over
// normalized content both past threshold), keeps the highest-confidence
// row of each group and supersedes the rest by it.
func (s *Service) mergeDuplicates(ctx context.Context, active []store.Memory) int {
	merged := 0
	consumed := make(map[int]bool)

	for i := range active {
		if consumed[i] {
			continue
		}
		group := []int{i}
		for j := i + 1; j < len(active); j++ {
			if consumed[j] {
				continue
			}
			if NearDuplicate(&active[i], &active[j]) {
				group = append(group, j)
				consumed[j] = true
			}
		}
		if len(group) < 2 {
			continue
		}

		keep := group[0]
		for _, idx := range group[1:] {
			if active[idx].Confidence > active[keep].Confidence {
				keep = idx
			}
		}
		for _, idx := range group {
			if idx == keep {
				continue
			}
			if err := s.memories.Supersede(ctx, active[idx].ID, active[keep].ID); err != nil {
				s.logger.Warn("consolidate: supersede failed", "old", active[idx].ID, "error", err)
				continue
			}
			merged++
		}
	}
	return merged
}

// NearDuplicate reports whether two memories are close enough to merge.
func NearDuplicate(a, b *store.Memory) bool {
	if Jaccard(Normalize(a.Content), Normalize(b.Content)) < mergeJaccardThreshold {
		return false
	}
	if len(a.Embedding) == 0 || len(b.Embedding) == 0 {
		// No vectors to compare; lexical overlap alone decides.
		return true
	}
	return Cosine(a.Embedding, b.Embedding) >= mergeCosineThreshold
}

// Cosine is the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Jaccard is the token-set overlap of two normalized strings.
func Jaccard(a, b string) float64 {
	as := strings.Fields(a)
	bs := strings.Fields(b)
	if len(as) == 0 && len(bs) == 0 {
		return 1
	}
	set := make(map[string]bool, len(as))
	for _, t := range as {
		set[t] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(bs))
	for _, t := range bs {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
