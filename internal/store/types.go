// Package store defines the persisted entities of the gateway and the
// store interfaces the orchestration core depends on. Concrete Postgres
// implementations live in store/pg; tests use in-memory fakes.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Conversation types.
const (
	ConversationDirect = "direct"
	ConversationInbox  = "inbox"
)

// InboxActive is the inbox status a conversation starts in.
const InboxActive = "active"

// Conversation is the identity of a chat thread. Created lazily on first
// message; destroyed only by explicit delete (cascades to messages).
type Conversation struct {
	ID          uuid.UUID              `json:"id"`
	AgentID     string                 `json:"agent_id"`
	ChannelID   string                 `json:"channel_id,omitempty"`
	SessionKey  string                 `json:"session_key,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Type        string                 `json:"type"`
	InboxStatus string                 `json:"inbox_status,omitempty"`
	ContactID   string                 `json:"contact_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResult is the handler output for one tool call, in call order.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// TokenUsage is the per-message token breakdown.
type TokenUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
}

// Attachment is a file snapshot carried on a user message.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// Message is one utterance owned by a conversation.
type Message struct {
	ID             uuid.UUID    `json:"id"`
	ConversationID uuid.UUID    `json:"conversation_id"`
	Role           string       `json:"role"` // user | assistant | system | tool
	Content        string       `json:"content,omitempty"`
	ToolCalls      []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult `json:"tool_results,omitempty"`
	Model          string       `json:"model,omitempty"`
	Usage          *TokenUsage  `json:"usage,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Pinned         bool         `json:"pinned,omitempty"`
	Reported       bool         `json:"reported,omitempty"`
	ReplyToID      *uuid.UUID   `json:"reply_to_id,omitempty"`
	ForwardOfID    *uuid.UUID   `json:"forward_of_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Memory areas.
const (
	AreaIdentity    = "identity"
	AreaPreferences = "preferences"
	AreaKnowledge   = "knowledge"
	AreaSolutions   = "solutions"
	AreaEpisodes    = "episodes"
)

// Areas lists every memory area in seed order.
var Areas = []string{AreaIdentity, AreaPreferences, AreaKnowledge, AreaSolutions, AreaEpisodes}

// Memory sources.
const (
	SourceUser            = "user"
	SourceInferred        = "inferred"
	SourceSolutionCapture = "solution_capture"
	SourceEpisode         = "episode"
	SourceFlush           = "flush"
	SourceFeedback        = "feedback"
)

// EmbeddingDim is the fixed dense embedding dimension (nomic-embed-text).
const EmbeddingDim = 768

// Memory is a structured long-term fact. A memory is active iff
// superseded_by is null, expires_at is null or in the future, and
// confidence > 0.05.
type Memory struct {
	ID                 uuid.UUID  `json:"id"`
	Area               string     `json:"area"`
	Content            string     `json:"content"`
	Summary            string     `json:"summary,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	Embedding          []float32  `json:"-"`
	Confidence         float64    `json:"confidence"`
	AccessCount        int        `json:"access_count"`
	ReinforcementCount int        `json:"reinforcement_count"`
	Source             string     `json:"source"`
	ConversationID     *uuid.UUID `json:"conversation_id,omitempty"`
	ChannelID          string     `json:"channel_id,omitempty"`
	ProjectID          string     `json:"project_id,omitempty"`
	Scope              string     `json:"scope,omitempty"`
	Visibility         string     `json:"visibility"` // shared | private | restricted
	Pinned             bool       `json:"pinned,omitempty"`
	SupersededBy       *uuid.UUID `json:"superseded_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastAccessedAt     time.Time  `json:"last_accessed_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
}

// Active reports the active-memory predicate at the given instant.
func (m *Memory) Active(now time.Time) bool {
	if m.SupersededBy != nil {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
		return false
	}
	return m.Confidence > 0.05
}

// MemorySearchConfig holds the per-area hybrid search weights.
type MemorySearchConfig struct {
	Area          string  `json:"area"`
	VectorWeight  float64 `json:"vector_weight"`
	TextWeight    float64 `json:"text_weight"`
	DecayEnabled  bool    `json:"decay_enabled"`
	HalfLifeDays  float64 `json:"half_life_days,omitempty"`
	MinConfidence float64 `json:"min_confidence"`
}

// MemoryHit is one search result with its raw and final scores.
type MemoryHit struct {
	Memory      Memory  `json:"memory"`
	VectorScore float64 `json:"vector_score"`
	TextScore   float64 `json:"text_score"`
	Score       float64 `json:"score"`
}

// Knowledge object statuses.
const (
	ObjectActive   = "active"
	ObjectArchived = "archived"
	ObjectDeleted  = "deleted"
)

// Collection is a named, schema-flexible grouping of knowledge objects.
type Collection struct {
	ID        uuid.UUID              `json:"id"`
	Name      string                 `json:"name"`
	Schema    map[string]interface{} `json:"schema,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// KnowledgeObject is one record in a collection.
type KnowledgeObject struct {
	ID           uuid.UUID              `json:"id"`
	CollectionID uuid.UUID              `json:"collection_id"`
	Title        string                 `json:"title"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	Embedding    []float32              `json:"-"`
	Status       string                 `json:"status"`
	CreatedBy    string                 `json:"created_by"` // user | agent:{id} | cron:{name}
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Relation is a directed typed edge between two knowledge objects.
// (source, target, name) is unique.
type Relation struct {
	ID        uuid.UUID              `json:"id"`
	SourceID  uuid.UUID              `json:"source_id"`
	TargetID  uuid.UUID              `json:"target_id"`
	Name      string                 `json:"name"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// KnowledgeHit is one knowledge search result.
type KnowledgeHit struct {
	Object KnowledgeObject `json:"object"`
	Score  float64         `json:"score"`
}

// AuditEntry records a knowledge store mutation with before/after diffs.
type AuditEntry struct {
	ID        uuid.UUID              `json:"id"`
	ObjectID  uuid.UUID              `json:"object_id"`
	Action    string                 `json:"action"` // create | update | archive | delete
	Before    map[string]interface{} `json:"before,omitempty"`
	After     map[string]interface{} `json:"after,omitempty"`
	Actor     string                 `json:"actor"`
	CreatedAt time.Time              `json:"created_at"`
}

// Cron schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Cron payload kinds.
const (
	PayloadSystemEvent = "system_event"
	PayloadAgentTurn   = "agent_turn"
)

// CronJob is a scheduled agent turn or system event. Exactly one schedule
// field matching ScheduleKind is set. running_at is non-null iff the job is
// currently executing; the claim is a DB-level CAS so restarts recover.
type CronJob struct {
	ID            uuid.UUID  `json:"id"`
	AgentID       string     `json:"agent_id"`
	Name          string     `json:"name"`
	Enabled       bool       `json:"enabled"`
	ScheduleKind  string     `json:"schedule_kind"`
	ScheduleAt    *time.Time `json:"schedule_at,omitempty"`
	EveryMS       int64      `json:"every_ms,omitempty"`
	CronExpr      string     `json:"cron_expr,omitempty"`
	Timezone      string     `json:"timezone,omitempty"`
	SessionTarget string     `json:"session_target"` // main | isolated
	PayloadKind   string     `json:"payload_kind"`
	PayloadText   string     `json:"payload_text"`
	Model         string     `json:"model,omitempty"`
	TimeoutSec    int        `json:"timeout_sec,omitempty"`

	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	RunningAt         *time.Time `json:"running_at,omitempty"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastStatus        string     `json:"last_status,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	LastDurationMS    int64      `json:"last_duration_ms,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	DeleteAfterRun    bool       `json:"delete_after_run,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CronJobRun is one audit row per job execution.
type CronJobRun struct {
	ID         uuid.UUID `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"` // ok | error | skipped
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// Review item types.
const (
	ReviewApprove    = "approve"
	ReviewClassify   = "classify"
	ReviewMatch      = "match"
	ReviewSelect     = "select"
	ReviewVerify     = "verify"
	ReviewFreeform   = "freeform"
	ReviewTriage     = "triage"
	ReviewVerifyFact = "verify_fact"
)

// Review statuses.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
	ReviewModified = "modified"
)

// ReviewBlock is one typed content block shown to the reviewer.
type ReviewBlock struct {
	Type string          `json:"type"` // text | json | diff | link
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ReviewItem is a pending human-in-the-loop decision. Pending items carry no
// resolved_* fields; resolved items carry a terminal status plus resolved_at.
type ReviewItem struct {
	ID             uuid.UUID       `json:"id"`
	AgentID        string          `json:"agent_id"`
	ConversationID *uuid.UUID      `json:"conversation_id,omitempty"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Content        []ReviewBlock   `json:"content,omitempty"`
	ProposedAction json.RawMessage `json:"proposed_action,omitempty"`
	Alternatives   json.RawMessage `json:"alternatives,omitempty"`
	Status         string          `json:"status"`
	Resolution     json.RawMessage `json:"resolution,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	Priority       int             `json:"priority"` // 0-10
	Tags           []string        `json:"tags,omitempty"`
	BatchID        string          `json:"batch_id,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AgentConfig carries per-agent behavior flags.
type AgentConfig struct {
	Role          string `json:"role,omitempty"`
	MaxSpawnDepth int    `json:"maxSpawnDepth,omitempty"`
	Executor      string `json:"executor,omitempty"`
}

// AgentRecord is a named agent configuration. Skills is an explicit
// allow-list: an empty slice means "no tools", never "all". A NULL skills
// column is backfilled to an empty slice at load.
type AgentRecord struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	SystemPrompt  string      `json:"system_prompt"`
	Model         string      `json:"model"`
	FallbackModel string      `json:"fallback_model,omitempty"`
	Skills        []string    `json:"skills"`
	Enabled       bool        `json:"enabled"`
	Config        AgentConfig `json:"config"`
	AvatarURL     string      `json:"avatar_url,omitempty"`
}

// ModelRoute maps a task class to a concrete (provider, model) pair.
type ModelRoute struct {
	Task      string    `json:"task"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UsageRecord is one append-only model usage row.
type UsageRecord struct {
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	Task           string     `json:"task"`
	InputTokens    int        `json:"input_tokens"`
	OutputTokens   int        `json:"output_tokens"`
	CostUSD        float64    `json:"cost_usd"`
	LatencyMS      int64      `json:"latency_ms"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	AgentID        string     `json:"agent_id,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// UsageSummary is one aggregated usage row (per day, per model).
type UsageSummary struct {
	Day          time.Time `json:"day"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Calls        int       `json:"calls"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}
