package pg

import (
	"database/sql"

	"github.com/joilabs/joi-gateway/internal/store"
)

// Stores bundles every Postgres-backed store over one connection pool.
type Stores struct {
	DB *sql.DB

	Conversations store.ConversationStore
	Agents        store.AgentStore
	Routes        store.RouteStore
	Usage         store.UsageStore
	Memories      store.MemoryStore
	Knowledge     store.KnowledgeStore
	Reviews       store.ReviewStore
	Cron          store.CronStore
}

// NewStores connects to Postgres and wires all stores.
func NewStores(dsn string) (*Stores, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	return &Stores{
		DB:            db,
		Conversations: NewConversationStore(db),
		Agents:        NewAgentStore(db),
		Routes:        NewRouteStore(db),
		Usage:         NewUsageStore(db),
		Memories:      NewMemoryStore(db),
		Knowledge:     NewKnowledgeStore(db),
		Reviews:       NewReviewStore(db),
		Cron:          NewCronStore(db),
	}, nil
}

// Close releases the connection pool.
func (s *Stores) Close() error {
	return s.DB.Close()
}
