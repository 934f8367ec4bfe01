package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/joilabs/joi-gateway/internal/store"
)

// RouteStore implements store.RouteStore.
type RouteStore struct {
	db *sql.DB
}

func NewRouteStore(db *sql.DB) *RouteStore {
	return &RouteStore{db: db}
}

func (s *RouteStore) Get(ctx context.Context, task string) (*store.ModelRoute, error) {
	var r store.ModelRoute
	err := s.db.QueryRowContext(ctx,
		`SELECT task, provider, model, updated_at FROM model_routes WHERE task = $1`, task).
		Scan(&r.Task, &r.Provider, &r.Model, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RouteStore) Upsert(ctx context.Context, route store.ModelRoute) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_routes (task, provider, model, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (task) DO UPDATE SET provider = $2, model = $3, updated_at = now()`,
		route.Task, route.Provider, route.Model)
	return store.NewStorageError("route upsert", err)
}

func (s *RouteStore) All(ctx context.Context) ([]store.ModelRoute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task, provider, model, updated_at FROM model_routes ORDER BY task`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ModelRoute
	for rows.Next() {
		var r store.ModelRoute
		if err := rows.Scan(&r.Task, &r.Provider, &r.Model, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UsageStore implements store.UsageStore (append-only accounting).
type UsageStore struct {
	db *sql.DB
}

func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db}
}

func (s *UsageStore) Record(ctx context.Context, rec store.UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_usage (id, provider, model, task, input_tokens, output_tokens, cost_usd, latency_ms, conversation_id, agent_id, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())`,
		store.NewID(), rec.Provider, rec.Model, rec.Task,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.LatencyMS,
		rec.ConversationID, nullStr(rec.AgentID), nullStr(rec.Error))
	return store.NewStorageError("usage record", err)
}

func (s *UsageStore) DailySummary(ctx context.Context, days int) ([]store.UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date_trunc('day', created_at) AS day, provider, model,
		        count(*), sum(input_tokens), sum(output_tokens), sum(cost_usd)
		 FROM model_usage
		 WHERE created_at >= now() - make_interval(days => $1)
		 GROUP BY day, provider, model
		 ORDER BY day DESC, sum(cost_usd) DESC`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.UsageSummary
	for rows.Next() {
		var u store.UsageSummary
		if err := rows.Scan(&u.Day, &u.Provider, &u.Model, &u.Calls, &u.InputTokens, &u.OutputTokens, &u.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
