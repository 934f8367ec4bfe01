package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/store"
)

// ReviewStore implements store.ReviewStore.
type ReviewStore struct {
	db *sql.DB
}

func NewReviewStore(db *sql.DB) *ReviewStore {
	return &ReviewStore{db: db}
}

const reviewCols = `id, agent_id, conversation_id, type, title, description, content, proposed_action, alternatives,
	status, resolution, resolved_by, resolved_at, priority, tags, batch_id, expires_at, created_at`

func (s *ReviewStore) Create(ctx context.Context, item *store.ReviewItem) error {
	if item.ID == uuid.Nil {
		item.ID = store.NewID()
	}
	item.Status = store.ReviewPending
	item.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_items (id, agent_id, conversation_id, type, title, description, content, proposed_action, alternatives,
		   status, priority, tags, batch_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		item.ID, item.AgentID, item.ConversationID, item.Type, item.Title, nullStr(item.Description),
		jsonb(item.Content), jsonb(item.ProposedAction), jsonb(item.Alternatives),
		item.Status, item.Priority, jsonb(item.Tags), nullStr(item.BatchID),
		nullTime(item.ExpiresAt), item.CreatedAt)
	return store.NewStorageError("review create", err)
}

func (s *ReviewStore) Get(ctx context.Context, id uuid.UUID) (*store.ReviewItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewCols+` FROM review_items WHERE id = $1`, id)
	return scanReview(row)
}

// Resolve is the CAS on status='pending'. It returns false when another
// resolver won the race, so side effects run exactly once.
func (s *ReviewStore) Resolve(ctx context.Context, id uuid.UUID, status string, resolution []byte, resolvedBy string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_items
		 SET status = $2, resolution = $3, resolved_by = $4, resolved_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, status, jsonb(resolution), resolvedBy)
	if err != nil {
		return false, store.NewStorageError("review resolve", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// List returns pending items first, then by priority descending, newest
// first within a priority.
func (s *ReviewStore) List(ctx context.Context, f store.ReviewFilter) ([]store.ReviewItem, error) {
	query := `SELECT ` + reviewCols + ` FROM review_items WHERE 1=1`
	args := []interface{}{}
	n := 0
	arg := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if f.Status != "" {
		query += ` AND status = ` + arg(f.Status)
	}
	if f.AgentID != "" {
		query += ` AND agent_id = ` + arg(f.AgentID)
	}
	if f.Type != "" {
		query += ` AND type = ` + arg(f.Type)
	}
	if f.Tag != "" {
		query += ` AND tags @> ` + arg(tagParam(f.Tag))
	}
	if f.MinPriority > 0 {
		query += ` AND priority >= ` + arg(f.MinPriority)
	}
	if f.MaxPriority > 0 {
		query += ` AND priority <= ` + arg(f.MaxPriority)
	}
	if f.MaxAge > 0 {
		query += ` AND created_at >= ` + arg(time.Now().Add(-f.MaxAge))
	}

	query += ` ORDER BY (status = 'pending') DESC, priority DESC, created_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + itoa(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ReviewItem
	for rows.Next() {
		item, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// tagParam renders the JSONB containment operand for one tag. Marshaling
// keeps embedded quotes and unicode intact.
func tagParam(tag string) []byte {
	data, _ := json.Marshal([]string{tag})
	return data
}

func scanReview(row rowScanner) (*store.ReviewItem, error) {
	var item store.ReviewItem
	var description, resolvedBy, batchID sql.NullString
	var content, proposed, alternatives, resolution, tags []byte
	var resolvedAt, expiresAt sql.NullTime

	err := row.Scan(&item.ID, &item.AgentID, &item.ConversationID, &item.Type, &item.Title,
		&description, &content, &proposed, &alternatives, &item.Status, &resolution,
		&resolvedBy, &resolvedAt, &item.Priority, &tags, &batchID, &expiresAt, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item.Description = strPtr(description)
	item.ResolvedBy = strPtr(resolvedBy)
	item.BatchID = strPtr(batchID)
	item.ResolvedAt = timePtr(resolvedAt)
	item.ExpiresAt = timePtr(expiresAt)
	scanJSON(content, &item.Content)
	scanJSON(tags, &item.Tags)
	if len(proposed) > 0 {
		item.ProposedAction = proposed
	}
	if len(alternatives) > 0 {
		item.Alternatives = alternatives
	}
	if len(resolution) > 0 {
		item.Resolution = resolution
	}
	return &item, nil
}
