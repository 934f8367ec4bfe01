package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// StorageError wraps a failed write so callers can distinguish storage
// failures from domain errors.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err; returns nil when err is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	GetBySessionKey(ctx context.Context, key string) (*Conversation, error)
	Create(ctx context.Context, c *Conversation) error
	SetTitle(ctx context.Context, id uuid.UUID, title string) error
	Touch(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, agentID string, limit int) ([]Conversation, error)
	Delete(ctx context.Context, id uuid.UUID) error

	AppendMessage(ctx context.Context, m *Message) error
	Messages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
	MessageCount(ctx context.Context, conversationID uuid.UUID) (int, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	UpdateMessageContent(ctx context.Context, id uuid.UUID, content string) error
}

// AgentStore loads agent configuration records.
type AgentStore interface {
	Get(ctx context.Context, id string) (*AgentRecord, error)
	List(ctx context.Context) ([]AgentRecord, error)
}

// RouteStore persists task→(provider, model) routes.
type RouteStore interface {
	Get(ctx context.Context, task string) (*ModelRoute, error)
	Upsert(ctx context.Context, route ModelRoute) error
	All(ctx context.Context) ([]ModelRoute, error)
}

// UsageStore is append-only model usage accounting.
type UsageStore interface {
	Record(ctx context.Context, rec UsageRecord) error
	DailySummary(ctx context.Context, days int) ([]UsageSummary, error)
}

// MemoryStore persists structured memories with hybrid retrieval.
// SearchArea returns raw vector/text scores; weighting, decay and the
// active-memory filter are applied by the memory service.
type MemoryStore interface {
	Insert(ctx context.Context, m *Memory) error
	Get(ctx context.Context, id uuid.UUID) (*Memory, error)
	Supersede(ctx context.Context, oldID, newID uuid.UUID) error
	// FindIdentityDuplicates returns active identity memories whose
	// normalized content equals the given normalized string.
	FindIdentityDuplicates(ctx context.Context, normalized string) ([]Memory, error)
	SearchArea(ctx context.Context, area string, embedding []float32, query string, limit int, includeSuperseded bool) ([]MemoryHit, error)
	SearchConfigs(ctx context.Context) (map[string]MemorySearchConfig, error)
	TouchAccess(ctx context.Context, ids []uuid.UUID) error

	// Consolidation support.
	ActiveByArea(ctx context.Context, area string) ([]Memory, error)
	ArchiveExpired(ctx context.Context, now time.Time) (int, error)
	DeleteByID(ctx context.Context, id uuid.UUID) error
}

// KnowledgeQuery filters a knowledge object listing.
type KnowledgeQuery struct {
	CollectionID *uuid.UUID
	Status       string
	Tag          string
	OrderBy      string // "created_at" | "updated_at" | "title"
	Descending   bool
	Limit        int
	Offset       int
}

// KnowledgeStore persists collections, objects, relations and audit rows.
type KnowledgeStore interface {
	CreateCollection(ctx context.Context, c *Collection) error
	GetCollection(ctx context.Context, id uuid.UUID) (*Collection, error)
	GetCollectionByName(ctx context.Context, name string) (*Collection, error)

	CreateObject(ctx context.Context, o *KnowledgeObject) error
	GetObject(ctx context.Context, id uuid.UUID) (*KnowledgeObject, error)
	UpdateObject(ctx context.Context, id uuid.UUID, patch map[string]interface{}, embedding []float32) (*KnowledgeObject, error)
	SetObjectStatus(ctx context.Context, id uuid.UUID, status string) error
	Query(ctx context.Context, q KnowledgeQuery) ([]KnowledgeObject, error)
	Search(ctx context.Context, embedding []float32, query string, collectionID *uuid.UUID, limit int) ([]KnowledgeHit, error)

	Relate(ctx context.Context, r *Relation) error
	RelationsOf(ctx context.Context, objectID uuid.UUID) ([]Relation, error)

	Audit(ctx context.Context, e *AuditEntry) error
}

// ReviewFilter narrows a review item listing.
type ReviewFilter struct {
	Status      string
	AgentID     string
	Type        string
	Tag         string
	MinPriority int
	MaxPriority int
	MaxAge      time.Duration
	Limit       int
}

// ReviewStore persists human-in-the-loop items. Resolve is a CAS on
// status='pending': it returns false when the item was already resolved,
// so side effects fire exactly once under concurrent resolution.
type ReviewStore interface {
	Create(ctx context.Context, item *ReviewItem) error
	Get(ctx context.Context, id uuid.UUID) (*ReviewItem, error)
	Resolve(ctx context.Context, id uuid.UUID, status string, resolution []byte, resolvedBy string) (bool, error)
	List(ctx context.Context, f ReviewFilter) ([]ReviewItem, error)
}

// CronFinish records the outcome of one job execution and the recomputed
// schedule. Disable and Delete implement the one-shot semantics.
type CronFinish struct {
	Status     string
	Error      string
	DurationMS int64
	NextRunAt  *time.Time
	Disable    bool
	Delete     bool
}

// CronStore persists scheduled jobs. Claim is the DB-level CAS
// (running_at IS NULL → now) guaranteeing at-most-one execution per job.
type CronStore interface {
	Create(ctx context.Context, job *CronJob) error
	Update(ctx context.Context, job *CronJob) error
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*CronJob, error)
	GetByName(ctx context.Context, name string) (*CronJob, error)
	List(ctx context.Context) ([]CronJob, error)
	Due(ctx context.Context, now time.Time) ([]CronJob, error)
	NextDeadline(ctx context.Context) (*time.Time, error)
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	Finish(ctx context.Context, id uuid.UUID, fin CronFinish) error
	InsertRun(ctx context.Context, run *CronJobRun) error
	// RecoverAbandoned clears running_at older than the timeout and
	// records the runs as errored. Called once at startup.
	RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
}

// NewID returns a time-ordered UUID (v7) for new rows.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
