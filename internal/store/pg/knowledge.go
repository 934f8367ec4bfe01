package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/store"
)

// KnowledgeStore implements store.KnowledgeStore. The objects' FTS vector
// is maintained by a trigger over title, scalar data strings and tags.
type KnowledgeStore struct {
	db *sql.DB
}

func NewKnowledgeStore(db *sql.DB) *KnowledgeStore {
	return &KnowledgeStore{db: db}
}

func (s *KnowledgeStore) CreateCollection(ctx context.Context, c *store.Collection) error {
	if c.ID == uuid.Nil {
		c.ID = store.NewID()
	}
	c.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (id, name, schema, config, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Name, jsonb(c.Schema), jsonb(c.Config), c.CreatedAt)
	return store.NewStorageError("collection create", err)
}

func (s *KnowledgeStore) GetCollection(ctx context.Context, id uuid.UUID) (*store.Collection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, schema, config, created_at FROM collections WHERE id = $1`, id)
	return scanCollection(row)
}

func (s *KnowledgeStore) GetCollectionByName(ctx context.Context, name string) (*store.Collection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, schema, config, created_at FROM collections WHERE name = $1`, name)
	return scanCollection(row)
}

const objectCols = `id, collection_id, title, data, tags, embedding::text, status, created_by, created_at, updated_at`

func (s *KnowledgeStore) CreateObject(ctx context.Context, o *store.KnowledgeObject) error {
	if o.ID == uuid.Nil {
		o.ID = store.NewID()
	}
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = store.ObjectActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_objects (id, collection_id, title, data, tags, embedding, status, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		o.ID, o.CollectionID, o.Title, jsonb(o.Data), jsonb(o.Tags),
		vectorParam(o.Embedding), o.Status, o.CreatedBy, now)
	return store.NewStorageError("object create", err)
}

func (s *KnowledgeStore) GetObject(ctx context.Context, id uuid.UUID) (*store.KnowledgeObject, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+objectCols+` FROM knowledge_objects WHERE id = $1`, id)
	return scanObject(row)
}

// UpdateObject applies a shallow patch to title, data and tags. The patch
// keys "title" and "tags" address those columns; everything else merges
// into data. Returns the updated row.
func (s *KnowledgeStore) UpdateObject(ctx context.Context, id uuid.UUID, patch map[string]interface{}, embedding []float32) (*store.KnowledgeObject, error) {
	existing, err := s.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}

	title := existing.Title
	tags := existing.Tags
	data := existing.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	for k, v := range patch {
		switch k {
		case "title":
			if t, ok := v.(string); ok {
				title = t
			}
		case "tags":
			if ts, ok := v.([]interface{}); ok {
				tags = tags[:0]
				for _, t := range ts {
					if str, ok := t.(string); ok {
						tags = append(tags, str)
					}
				}
			} else if ts, ok := v.([]string); ok {
				tags = ts
			}
		default:
			if v == nil {
				delete(data, k)
			} else {
				data[k] = v
			}
		}
	}

	emb := vectorParam(embedding)
	if emb == nil {
		emb = vectorParam(existing.Embedding)
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE knowledge_objects
		 SET title = $2, data = $3, tags = $4, embedding = $5, updated_at = now()
		 WHERE id = $1
		 RETURNING `+objectCols,
		id, title, jsonb(data), jsonb(tags), emb)
	updated, err := scanObject(row)
	if err != nil {
		return nil, store.NewStorageError("object update", err)
	}
	return updated, nil
}

func (s *KnowledgeStore) SetObjectStatus(ctx context.Context, id uuid.UUID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_objects SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return store.NewStorageError("object set status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *KnowledgeStore) Query(ctx context.Context, q store.KnowledgeQuery) ([]store.KnowledgeObject, error) {
	query := `SELECT ` + objectCols + ` FROM knowledge_objects WHERE 1=1`
	args := []interface{}{}
	n := 0
	arg := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if q.CollectionID != nil {
		query += ` AND collection_id = ` + arg(*q.CollectionID)
	}
	if q.Status != "" {
		query += ` AND status = ` + arg(q.Status)
	} else {
		query += ` AND status <> 'deleted'`
	}
	if q.Tag != "" {
		query += ` AND tags @> ` + arg(fmt.Sprintf(`["%s"]`, q.Tag))
	}

	orderBy := "updated_at"
	switch q.OrderBy {
	case "created_at", "updated_at", "title":
		orderBy = q.OrderBy
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	query += ` ORDER BY ` + orderBy + ` ` + dir

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ` + itoa(limit)
	if q.Offset > 0 {
		query += ` OFFSET ` + itoa(q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.KnowledgeObject
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// Search is the hybrid lookup over active objects. A nil embedding
// degrades to FTS-only.
func (s *KnowledgeStore) Search(ctx context.Context, embedding []float32, query string, collectionID *uuid.UUID, limit int) ([]store.KnowledgeHit, error) {
	if limit <= 0 {
		limit = 10
	}
	cond := ` AND status = 'active'`
	args := []interface{}{query}
	if collectionID != nil {
		cond += ` AND collection_id = $2`
		args = append(args, *collectionID)
	}

	var sqlText string
	if len(embedding) > 0 {
		vecArg := fmt.Sprintf("$%d", len(args)+1)
		limArg := fmt.Sprintf("$%d", len(args)+2)
		args = append(args, vectorParam(embedding), limit)
		sqlText = `SELECT * FROM (
		   SELECT ` + objectCols + `,
		          0.6 * (CASE WHEN embedding IS NULL THEN 0 ELSE 1 - (embedding <=> ` + vecArg + `::vector) END)
		          + 0.4 * ts_rank(fts, plainto_tsquery('english', $1)) AS score
		   FROM knowledge_objects
		   WHERE 1=1` + cond + `
		 ) c ORDER BY score DESC LIMIT ` + limArg
	} else {
		limArg := fmt.Sprintf("$%d", len(args)+1)
		args = append(args, limit)
		sqlText = `SELECT ` + objectCols + `,
		          ts_rank(fts, plainto_tsquery('english', $1)) AS score
		   FROM knowledge_objects
		   WHERE fts @@ plainto_tsquery('english', $1)` + cond + `
		   ORDER BY score DESC LIMIT ` + limArg
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.KnowledgeHit
	for rows.Next() {
		var hit store.KnowledgeHit
		o, err := scanObjectWith(rows, &hit.Score)
		if err != nil {
			return nil, err
		}
		hit.Object = *o
		out = append(out, hit)
	}
	return out, rows.Err()
}

func (s *KnowledgeStore) Relate(ctx context.Context, r *store.Relation) error {
	if r.ID == uuid.Nil {
		r.ID = store.NewID()
	}
	r.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_relations (id, source_id, target_id, name, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_id, target_id, name) DO UPDATE SET metadata = $5`,
		r.ID, r.SourceID, r.TargetID, r.Name, jsonb(r.Metadata), r.CreatedAt)
	return store.NewStorageError("relation create", err)
}

func (s *KnowledgeStore) RelationsOf(ctx context.Context, objectID uuid.UUID) ([]store.Relation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, target_id, name, metadata, created_at
		 FROM knowledge_relations
		 WHERE source_id = $1 OR target_id = $1
		 ORDER BY created_at`, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Relation
	for rows.Next() {
		var r store.Relation
		var metadata []byte
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Name, &metadata, &r.CreatedAt); err != nil {
			return nil, err
		}
		scanJSON(metadata, &r.Metadata)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *KnowledgeStore) Audit(ctx context.Context, e *store.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = store.NewID()
	}
	e.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_audit (id, object_id, action, before, after, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ObjectID, e.Action, jsonb(e.Before), jsonb(e.After), e.Actor, e.CreatedAt)
	return store.NewStorageError("audit insert", err)
}

func scanCollection(row rowScanner) (*store.Collection, error) {
	var c store.Collection
	var schema, config []byte
	err := row.Scan(&c.ID, &c.Name, &schema, &config, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	scanJSON(schema, &c.Schema)
	scanJSON(config, &c.Config)
	return &c, nil
}

func scanObject(row rowScanner) (*store.KnowledgeObject, error) {
	return scanObjectWith(row)
}

func scanObjectWith(row rowScanner, extra ...interface{}) (*store.KnowledgeObject, error) {
	var o store.KnowledgeObject
	var data, tags, embedding []byte

	dest := []interface{}{
		&o.ID, &o.CollectionID, &o.Title, &data, &tags, &embedding,
		&o.Status, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt,
	}
	dest = append(dest, extra...)

	err := row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	scanJSON(data, &o.Data)
	scanJSON(tags, &o.Tags)
	o.Embedding = parseVector(embedding)
	return &o, nil
}
