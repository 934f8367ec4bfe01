package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/store"
)

// MemoryStore implements store.MemoryStore. SearchArea returns raw
// cosine/ts_rank scores; the memory service applies area weights, decay
// and the active-memory filter.
type MemoryStore struct {
	db *sql.DB
}

func NewMemoryStore(db *sql.DB) *MemoryStore {
	return &MemoryStore{db: db}
}

const memoryCols = `id, area, content, summary, tags, embedding::text, confidence, access_count, reinforcement_count,
	source, conversation_id, channel_id, project_id, scope, visibility, pinned, superseded_by,
	created_at, updated_at, last_accessed_at, expires_at`

func (s *MemoryStore) Insert(ctx context.Context, m *store.Memory) error {
	if m.ID == uuid.Nil {
		m.ID = store.NewID()
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.LastAccessedAt = now
	if m.Visibility == "" {
		m.Visibility = "shared"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, area, content, summary, tags, embedding, confidence, access_count, reinforcement_count,
		   source, conversation_id, channel_id, project_id, scope, visibility, pinned, superseded_by,
		   created_at, updated_at, last_accessed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, $9, $10, $11, $12, $13, $14, NULL, $15, $15, $15, $16)`,
		m.ID, m.Area, m.Content, nullStr(m.Summary), jsonb(m.Tags), vectorParam(m.Embedding),
		m.Confidence, m.Source, m.ConversationID, nullStr(m.ChannelID), nullStr(m.ProjectID),
		nullStr(m.Scope), m.Visibility, m.Pinned, now, nullTime(m.ExpiresAt))
	return store.NewStorageError("memory insert", err)
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*store.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryCols+` FROM memories WHERE id = $1`, id)
	return scanMemory(row)
}

func (s *MemoryStore) Supersede(ctx context.Context, oldID, newID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET superseded_by = $2, updated_at = now() WHERE id = $1 AND superseded_by IS NULL`,
		oldID, newID)
	return store.NewStorageError("memory supersede", err)
}

// FindIdentityDuplicates matches active identity memories by normalized
// content (lowercased, whitespace collapsed).
func (s *MemoryStore) FindIdentityDuplicates(ctx context.Context, normalized string) ([]store.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryCols+` FROM memories
		 WHERE area = $1
		   AND superseded_by IS NULL
		   AND lower(regexp_replace(content, '\s+', ' ', 'g')) = $2`,
		store.AreaIdentity, normalized)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemories(rows)
}

// SearchArea retrieves top-K candidates for one area by raw hybrid score.
// A nil embedding degrades to text-only retrieval.
func (s *MemoryStore) SearchArea(ctx context.Context, area string, embedding []float32, query string, limit int, includeSuperseded bool) ([]store.MemoryHit, error) {
	if limit <= 0 {
		limit = 10
	}
	cond := ""
	if !includeSuperseded {
		cond = ` AND superseded_by IS NULL`
	}

	var rows *sql.Rows
	var err error
	if len(embedding) > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT * FROM (
			   SELECT `+memoryCols+`,
			          CASE WHEN embedding IS NULL THEN 0 ELSE 1 - (embedding <=> $2::vector) END AS vector_score,
			          ts_rank(fts, plainto_tsquery('english', $3)) AS text_score
			   FROM memories
			   WHERE area = $1`+cond+`
			 ) c
			 ORDER BY vector_score + text_score DESC
			 LIMIT $4`,
			area, vectorParam(embedding), query, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+memoryCols+`,
			        0::float8 AS vector_score,
			        ts_rank(fts, plainto_tsquery('english', $2)) AS text_score
			 FROM memories
			 WHERE area = $1`+cond+`
			   AND fts @@ plainto_tsquery('english', $2)
			 ORDER BY text_score DESC
			 LIMIT $3`,
			area, query, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.MemoryHit
	for rows.Next() {
		m, hit, err := scanMemoryHit(rows)
		if err != nil {
			return nil, err
		}
		hit.Memory = *m
		out = append(out, *hit)
	}
	return out, rows.Err()
}

func (s *MemoryStore) SearchConfigs(ctx context.Context) (map[string]store.MemorySearchConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT area, vector_weight, text_weight, decay_enabled, half_life_days, min_confidence
		 FROM memory_search_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]store.MemorySearchConfig)
	for rows.Next() {
		var c store.MemorySearchConfig
		var halfLife sql.NullFloat64
		if err := rows.Scan(&c.Area, &c.VectorWeight, &c.TextWeight, &c.DecayEnabled, &halfLife, &c.MinConfidence); err != nil {
			return nil, err
		}
		c.HalfLifeDays = halfLife.Float64
		out[c.Area] = c
	}
	return out, rows.Err()
}

func (s *MemoryStore) TouchAccess(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET last_accessed_at = now(), access_count = access_count + 1
		 WHERE id = ANY($1)`, uuidArray(ids))
	return store.NewStorageError("memory touch access", err)
}

func (s *MemoryStore) ActiveByArea(ctx context.Context, area string) ([]store.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryCols+` FROM memories
		 WHERE area = $1
		   AND superseded_by IS NULL
		   AND (expires_at IS NULL OR expires_at > now())
		   AND confidence > 0.05
		 ORDER BY created_at`, area)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemories(rows)
}

// ArchiveExpired supersedes nothing; it zeroes confidence on expired rows
// so they fall out of the active predicate while staying queryable.
func (s *MemoryStore) ArchiveExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET confidence = 0, updated_at = now()
		 WHERE expires_at IS NOT NULL AND expires_at <= $1 AND confidence > 0`, now)
	if err != nil {
		return 0, store.NewStorageError("memory archive expired", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *MemoryStore) DeleteByID(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	return store.NewStorageError("memory delete", err)
}

func scanMemory(row rowScanner) (*store.Memory, error) {
	m, _, err := scanMemoryInto(row, false)
	return m, err
}

func scanMemoryHit(row rowScanner) (*store.Memory, *store.MemoryHit, error) {
	m, hit, err := scanMemoryInto(row, true)
	return m, hit, err
}

func scanMemoryInto(row rowScanner, withScores bool) (*store.Memory, *store.MemoryHit, error) {
	var m store.Memory
	var summary, channelID, projectID, scope sql.NullString
	var tags, embedding []byte
	var expiresAt sql.NullTime
	var hit store.MemoryHit

	dest := []interface{}{
		&m.ID, &m.Area, &m.Content, &summary, &tags, &embedding, &m.Confidence,
		&m.AccessCount, &m.ReinforcementCount, &m.Source, &m.ConversationID,
		&channelID, &projectID, &scope, &m.Visibility, &m.Pinned, &m.SupersededBy,
		&m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &expiresAt,
	}
	if withScores {
		dest = append(dest, &hit.VectorScore, &hit.TextScore)
	}

	err := row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, store.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	m.Summary = strPtr(summary)
	m.ChannelID = strPtr(channelID)
	m.ProjectID = strPtr(projectID)
	m.Scope = strPtr(scope)
	m.ExpiresAt = timePtr(expiresAt)
	scanJSON(tags, &m.Tags)
	m.Embedding = parseVector(embedding)
	return &m, &hit, nil
}

func collectMemories(rows *sql.Rows) ([]store.Memory, error) {
	var out []store.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// uuidArray renders a uuid slice as a Postgres array literal.
func uuidArray(ids []uuid.UUID) string {
	s := "{"
	for i, id := range ids {
		if i > 0 {
			s += ","
		}
		s += id.String()
	}
	return s + "}"
}
