// Package memory implements area-scoped long-term memory with hybrid
// dense+lexical retrieval, temporal decay and supersession.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/store"
)

// Embedder computes the dense vector for a text. The model router
// satisfies this.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service is the memory store facade used by the agent runtime and tools.
type Service struct {
	memories store.MemoryStore
	embedder Embedder
	logger   *slog.Logger
}

func NewService(memories store.MemoryStore, embedder Embedder, logger *slog.Logger) *Service {
	return &Service{memories: memories, embedder: embedder, logger: logger}
}

// defaultConfigs mirrors the seeded per-area search weights; used when the
// config table is unreachable.
var defaultConfigs = map[string]store.MemorySearchConfig{
	store.AreaIdentity:    {Area: store.AreaIdentity, VectorWeight: 0.3, TextWeight: 0.7, MinConfidence: 0.1},
	store.AreaPreferences: {Area: store.AreaPreferences, VectorWeight: 0.3, TextWeight: 0.7, DecayEnabled: true, HalfLifeDays: 180, MinConfidence: 0.2},
	store.AreaKnowledge:   {Area: store.AreaKnowledge, VectorWeight: 0.6, TextWeight: 0.4, DecayEnabled: true, HalfLifeDays: 60, MinConfidence: 0.3},
	store.AreaSolutions:   {Area: store.AreaSolutions, VectorWeight: 0.8, TextWeight: 0.2, DecayEnabled: true, HalfLifeDays: 120, MinConfidence: 0.3},
	store.AreaEpisodes:    {Area: store.AreaEpisodes, VectorWeight: 0.4, TextWeight: 0.3, DecayEnabled: true, HalfLifeDays: 14, MinConfidence: 0.2},
}

// WriteRequest inserts one new memory. Writes are additive: prior rows are
// never modified, except identity duplicates superseded on user writes.
type WriteRequest struct {
	Area           string
	Content        string
	Summary        string
	Tags           []string
	Confidence     float64
	Source         string
	ConversationID *string
	ChannelID      string
	ProjectID      string
	Scope          string
	Visibility     string
	Pinned         bool
	ExpiresAt      *time.Time
}

func validArea(area string) bool {
	for _, a := range store.Areas {
		if a == area {
			return true
		}
	}
	return false
}

// Write inserts a new memory row. The embedding is computed over
// summary || content || tags; an embedding failure degrades the row to
// text-only retrieval rather than failing the write.
func (s *Service) Write(ctx context.Context, req WriteRequest) (*store.Memory, error) {
	if !validArea(req.Area) {
		return nil, fmt.Errorf("memory: unknown area %q", req.Area)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("memory: empty content")
	}
	if req.Confidence == 0 {
		req.Confidence = 0.7
	}
	if req.Source == "" {
		req.Source = store.SourceInferred
	}

	embedding, err := s.embedder.Embed(ctx, embeddingText(req.Summary, req.Content, req.Tags))
	if err != nil {
		s.logger.Warn("memory embedding failed, storing without vector", "area", req.Area, "error", err)
		embedding = nil
	}

	m := &store.Memory{
		Area:       req.Area,
		Content:    req.Content,
		Summary:    req.Summary,
		Tags:       req.Tags,
		Embedding:  embedding,
		Confidence: req.Confidence,
		Source:     req.Source,
		ChannelID:  req.ChannelID,
		ProjectID:  req.ProjectID,
		Scope:      req.Scope,
		Visibility: req.Visibility,
		Pinned:     req.Pinned,
		ExpiresAt:  req.ExpiresAt,
	}
	if req.ConversationID != nil {
		if id, err := uuid.Parse(*req.ConversationID); err == nil {
			m.ConversationID = &id
		}
	}

	if err := s.memories.Insert(ctx, m); err != nil {
		return nil, err
	}

	// User-sourced facts override identity duplicates.
	if req.Source == store.SourceUser && req.Area == store.AreaIdentity {
		s.supersedeIdentityDuplicates(ctx, m)
	}

	s.logger.Info("memory stored", "area", m.Area, "source", m.Source, "id", m.ID)
	return m, nil
}

func (s *Service) supersedeIdentityDuplicates(ctx context.Context, m *store.Memory) {
	dups, err := s.memories.FindIdentityDuplicates(ctx, Normalize(m.Content))
	if err != nil {
		s.logger.Warn("identity dedupe lookup failed", "error", err)
		return
	}
	for _, d := range dups {
		if d.ID == m.ID {
			continue
		}
		if err := s.memories.Supersede(ctx, d.ID, m.ID); err != nil {
			s.logger.Warn("identity supersede failed", "old", d.ID, "new", m.ID, "error", err)
		}
	}
}

// SearchRequest is a ranked memory lookup.
type SearchRequest struct {
	Query             string
	Areas             []string
	Project           string
	Limit             int
	MinConfidence     float64
	IncludeSuperseded bool
}

// SearchResult carries the ranked hits. Degraded is set when the query
// embedding failed and scores come from text rank alone.
type SearchResult struct {
	Hits     []store.MemoryHit
	Degraded bool
}

// Search runs the hybrid lookup over the requested areas (default all).
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}
	areas := req.Areas
	if len(areas) == 0 {
		areas = store.Areas
	}

	result := &SearchResult{}
	embedding, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		s.logger.Warn("query embedding failed, degrading to text search", "error", err)
		result.Degraded = true
	}

	configs, err := s.memories.SearchConfigs(ctx)
	if err != nil || len(configs) == 0 {
		configs = defaultConfigs
	}

	now := time.Now()
	var merged []store.MemoryHit
	for _, area := range areas {
		if !validArea(area) {
			continue
		}
		cfg, ok := configs[area]
		if !ok {
			cfg = defaultConfigs[area]
		}

		hits, err := s.memories.SearchArea(ctx, area, embedding, req.Query, req.Limit*2, req.IncludeSuperseded)
		if err != nil {
			s.logger.Warn("area search failed", "area", area, "error", err)
			continue
		}

		minConf := cfg.MinConfidence
		if req.MinConfidence > 0 {
			minConf = req.MinConfidence
		}

		for _, hit := range hits {
			if req.Project != "" && hit.Memory.ProjectID != req.Project {
				continue
			}
			if hit.Memory.Confidence < minConf {
				continue
			}
			if !req.IncludeSuperseded && !hit.Memory.Active(now) {
				continue
			}

			score := cfg.VectorWeight*hit.VectorScore + cfg.TextWeight*hit.TextScore
			if result.Degraded {
				score = hit.TextScore
			}
			if cfg.DecayEnabled && cfg.HalfLifeDays > 0 {
				ageDays := now.Sub(hit.Memory.CreatedAt).Hours() / 24
				score *= math.Exp2(-ageDays / cfg.HalfLifeDays)
			}
			hit.Score = score
			merged = append(merged, hit)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > req.Limit {
		merged = merged[:req.Limit]
	}
	result.Hits = merged

	s.touchAccessed(merged)
	return result, nil
}

// touchAccessed bumps access stats best-effort, off the read path.
func (s *Service) touchAccessed(hits []store.MemoryHit) {
	if len(hits) == 0 {
		return
	}
	ids := make([]uuid.UUID, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.Memory.ID)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.memories.TouchAccess(ctx, ids); err != nil {
			s.logger.Debug("memory access touch failed", "error", err)
		}
	}()
}

// ActiveByArea exposes the raw active rows for context assembly.
func (s *Service) ActiveByArea(ctx context.Context, area string) ([]store.Memory, error) {
	return s.memories.ActiveByArea(ctx, area)
}

// Normalize lowercases and collapses whitespace for duplicate detection.
func Normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// embeddingText is the catenation embedded on write.
func embeddingText(summary, content string, tags []string) string {
	parts := make([]string, 0, 3)
	if summary != "" {
		parts = append(parts, summary)
	}
	parts = append(parts, content)
	if len(tags) > 0 {
		parts = append(parts, strings.Join(tags, " "))
	}
	return strings.Join(parts, "\n")
}
