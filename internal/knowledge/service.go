// Package knowledge wraps the schema-flexible object store with
// embeddings, relations and an audit trail.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/store"
)

// FactsCollection is the built-in collection consolidation sweeps.
const FactsCollection = "facts"

// Embedder computes dense vectors; the model router satisfies this.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service is the knowledge store facade.
type Service struct {
	knowledge store.KnowledgeStore
	embedder  Embedder
	logger    *slog.Logger
}

func NewService(knowledge store.KnowledgeStore, embedder Embedder, logger *slog.Logger) *Service {
	return &Service{knowledge: knowledge, embedder: embedder, logger: logger}
}

func (s *Service) CreateCollection(ctx context.Context, name string, schema, config map[string]interface{}) (*store.Collection, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("knowledge: empty collection name")
	}
	c := &store.Collection{Name: name, Schema: schema, Config: config}
	if err := s.knowledge.CreateCollection(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ResolveCollection accepts a collection id or name.
func (s *Service) ResolveCollection(ctx context.Context, ref string) (*store.Collection, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return s.knowledge.GetCollection(ctx, id)
	}
	return s.knowledge.GetCollectionByName(ctx, ref)
}

func (s *Service) CreateObject(ctx context.Context, collectionID uuid.UUID, title string, data map[string]interface{}, tags []string, actor string) (*store.KnowledgeObject, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("knowledge: empty title")
	}

	embedding, err := s.embedder.Embed(ctx, embeddingText(title, data, tags))
	if err != nil {
		s.logger.Warn("object embedding failed, storing without vector", "title", title, "error", err)
		embedding = nil
	}

	o := &store.KnowledgeObject{
		CollectionID: collectionID,
		Title:        title,
		Data:         data,
		Tags:         tags,
		Embedding:    embedding,
		CreatedBy:    actor,
	}
	if err := s.knowledge.CreateObject(ctx, o); err != nil {
		return nil, err
	}

	s.audit(ctx, o.ID, "create", nil, objectSnapshot(o), actor)
	return o, nil
}

func (s *Service) UpdateObject(ctx context.Context, id uuid.UUID, patch map[string]interface{}, actor string) (*store.KnowledgeObject, error) {
	before, err := s.knowledge.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}

	// Recompute the embedding when anything searchable changed.
	title := before.Title
	if t, ok := patch["title"].(string); ok {
		title = t
	}
	var embedding []float32
	if len(patch) > 0 {
		embedding, err = s.embedder.Embed(ctx, embeddingText(title, patchedData(before.Data, patch), before.Tags))
		if err != nil {
			s.logger.Warn("object re-embedding failed, keeping old vector", "id", id, "error", err)
			embedding = nil
		}
	}

	after, err := s.knowledge.UpdateObject(ctx, id, patch, embedding)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, id, "update", objectSnapshot(before), objectSnapshot(after), actor)
	return after, nil
}

func (s *Service) ArchiveObject(ctx context.Context, id uuid.UUID, actor string) error {
	before, err := s.knowledge.GetObject(ctx, id)
	if err != nil {
		return err
	}
	if err := s.knowledge.SetObjectStatus(ctx, id, store.ObjectArchived); err != nil {
		return err
	}
	s.audit(ctx, id, "archive", objectSnapshot(before), map[string]interface{}{"status": store.ObjectArchived}, actor)
	return nil
}

func (s *Service) DeleteObject(ctx context.Context, id uuid.UUID, actor string) error {
	before, err := s.knowledge.GetObject(ctx, id)
	if err != nil {
		return err
	}
	if err := s.knowledge.SetObjectStatus(ctx, id, store.ObjectDeleted); err != nil {
		return err
	}
	s.audit(ctx, id, "delete", objectSnapshot(before), map[string]interface{}{"status": store.ObjectDeleted}, actor)
	return nil
}

func (s *Service) Relate(ctx context.Context, sourceID, targetID uuid.UUID, name string, metadata map[string]interface{}) (*store.Relation, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("knowledge: empty relation name")
	}
	r := &store.Relation{SourceID: sourceID, TargetID: targetID, Name: name, Metadata: metadata}
	if err := s.knowledge.Relate(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) RelationsOf(ctx context.Context, objectID uuid.UUID) ([]store.Relation, error) {
	return s.knowledge.RelationsOf(ctx, objectID)
}

func (s *Service) Query(ctx context.Context, q store.KnowledgeQuery) ([]store.KnowledgeObject, error) {
	return s.knowledge.Query(ctx, q)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*store.KnowledgeObject, error) {
	return s.knowledge.GetObject(ctx, id)
}

// Search runs the hybrid lookup, degrading to text-only when the query
// embedding fails.
func (s *Service) Search(ctx context.Context, query, collection string, limit int) ([]store.KnowledgeHit, error) {
	var collectionID *uuid.UUID
	if collection != "" {
		c, err := s.ResolveCollection(ctx, collection)
		if err != nil {
			return nil, err
		}
		collectionID = &c.ID
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("knowledge query embedding failed, degrading to text search", "error", err)
		embedding = nil
	}
	return s.knowledge.Search(ctx, embedding, query, collectionID, limit)
}

// ArchiveOutdatedFacts archives active facts whose data marks them stale:
// data.outdated = true, or data.valid_until in the past.
func (s *Service) ArchiveOutdatedFacts(ctx context.Context) (int, error) {
	c, err := s.knowledge.GetCollectionByName(ctx, FactsCollection)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	objects, err := s.knowledge.Query(ctx, store.KnowledgeQuery{
		CollectionID: &c.ID,
		Status:       store.ObjectActive,
		Limit:        1000,
	})
	if err != nil {
		return 0, err
	}

	archived := 0
	now := time.Now()
	for i := range objects {
		o := &objects[i]
		if !factOutdated(o.Data, now) {
			continue
		}
		if err := s.ArchiveObject(ctx, o.ID, "system:consolidate"); err != nil {
			s.logger.Warn("fact archive failed", "id", o.ID, "error", err)
			continue
		}
		archived++
	}
	return archived, nil
}

func factOutdated(data map[string]interface{}, now time.Time) bool {
	if data == nil {
		return false
	}
	if v, ok := data["outdated"].(bool); ok && v {
		return true
	}
	if raw, ok := data["valid_until"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil && t.Before(now) {
			return true
		}
	}
	return false
}

func (s *Service) audit(ctx context.Context, objectID uuid.UUID, action string, before, after map[string]interface{}, actor string) {
	err := s.knowledge.Audit(ctx, &store.AuditEntry{
		ObjectID: objectID,
		Action:   action,
		Before:   before,
		After:    after,
		Actor:    actor,
	})
	if err != nil {
		s.logger.Warn("knowledge audit write failed", "object", objectID, "action", action, "error", err)
	}
}

func objectSnapshot(o *store.KnowledgeObject) map[string]interface{} {
	return map[string]interface{}{
		"title":  o.Title,
		"data":   o.Data,
		"tags":   o.Tags,
		"status": o.Status,
	}
}

func patchedData(data, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+len(patch))
	for k, v := range data {
		out[k] = v
	}
	for k, v := range patch {
		if k == "title" || k == "tags" {
			continue
		}
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// embeddingText concatenates the searchable text of an object: title,
// scalar strings in data, tags.
func embeddingText(title string, data map[string]interface{}, tags []string) string {
	parts := []string{title}
	for _, v := range data {
		if str, ok := v.(string); ok && str != "" {
			parts = append(parts, str)
		}
	}
	if len(tags) > 0 {
		parts = append(parts, strings.Join(tags, " "))
	}
	return strings.Join(parts, "\n")
}
