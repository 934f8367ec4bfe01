package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/joilabs/joi-gateway/internal/store"
)

// AgentStore implements store.AgentStore.
type AgentStore struct {
	db *sql.DB
}

func NewAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: db}
}

const agentCols = `id, name, description, system_prompt, model, fallback_model, skills, enabled, config, avatar_url`

func (s *AgentStore) Get(ctx context.Context, id string) (*store.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (s *AgentStore) List(ctx context.Context) ([]store.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAgent(row rowScanner) (*store.AgentRecord, error) {
	var a store.AgentRecord
	var description, fallback, avatar sql.NullString
	var skills, config []byte

	err := row.Scan(&a.ID, &a.Name, &description, &a.SystemPrompt, &a.Model,
		&fallback, &skills, &a.Enabled, &config, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Description = strPtr(description)
	a.FallbackModel = strPtr(fallback)
	a.AvatarURL = strPtr(avatar)
	scanJSON(skills, &a.Skills)
	scanJSON(config, &a.Config)

	// NULL skills means "no tools", same as an empty list.
	if a.Skills == nil {
		a.Skills = []string{}
	}
	return &a, nil
}
