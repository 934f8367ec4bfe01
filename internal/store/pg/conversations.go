package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/store"
)

// ConversationStore implements store.ConversationStore.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

const conversationCols = `id, agent_id, channel_id, session_key, title, type, inbox_status, contact_id, metadata, created_at, updated_at`

func (s *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (s *ConversationStore) GetBySessionKey(ctx context.Context, key string) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE session_key = $1`, key)
	return scanConversation(row)
}

func (s *ConversationStore) Create(ctx context.Context, c *store.Conversation) error {
	if c.ID == uuid.Nil {
		c.ID = store.NewID()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Type == "" {
		c.Type = store.ConversationDirect
	}
	if c.InboxStatus == "" {
		c.InboxStatus = store.InboxActive
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, agent_id, channel_id, session_key, title, type, inbox_status, contact_id, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		conversationInsertArgs(c)...)
	return store.NewStorageError("conversation create", err)
}

// conversationInsertArgs binds the row in column order. title, type,
// inbox_status and metadata are NOT NULL and bind plain values; only the
// optional identifiers may bind NULL.
func conversationInsertArgs(c *store.Conversation) []interface{} {
	return []interface{}{
		c.ID, c.AgentID, nullStr(c.ChannelID), nullStr(c.SessionKey), c.Title,
		c.Type, c.InboxStatus, nullStr(c.ContactID), jsonbObject(c.Metadata),
		c.CreatedAt, c.UpdatedAt,
	}
}

func (s *ConversationStore) SetTitle(ctx context.Context, id uuid.UUID, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`, id, title)
	return store.NewStorageError("conversation set title", err)
}

func (s *ConversationStore) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, id)
	return store.NewStorageError("conversation touch", err)
}

func (s *ConversationStore) List(ctx context.Context, agentID string, limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + conversationCols + ` FROM conversations`
	args := []interface{}{}
	if agentID != "" {
		query += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}
	query += ` ORDER BY updated_at DESC LIMIT ` + itoa(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *ConversationStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return store.NewStorageError("conversation delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ConversationStore) AppendMessage(ctx context.Context, m *store.Message) error {
	if m.ID == uuid.Nil {
		m.ID = store.NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_results, model, token_usage, attachments, pinned, reported, reply_to_id, forward_of_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		messageInsertArgs(m)...)
	return store.NewStorageError("message append", err)
}

// messageInsertArgs binds the row in column order. content is NOT NULL
// and binds a plain string even when empty.
func messageInsertArgs(m *store.Message) []interface{} {
	return []interface{}{
		m.ID, m.ConversationID, m.Role, m.Content,
		jsonb(m.ToolCalls), jsonb(m.ToolResults), nullStr(m.Model), jsonb(m.Usage),
		jsonb(m.Attachments), m.Pinned, m.Reported, m.ReplyToID, m.ForwardOfID, m.CreatedAt,
	}
}

const messageCols = `id, conversation_id, role, content, tool_calls, tool_results, model, token_usage, attachments, pinned, reported, reply_to_id, forward_of_id, created_at`

// Messages returns the most recent messages in chronological order.
func (s *ConversationStore) Messages(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM (
		   SELECT `+messageCols+` FROM messages
		   WHERE conversation_id = $1
		   ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at ASC`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *ConversationStore) MessageCount(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&n)
	return n, err
}

func (s *ConversationStore) GetMessage(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (s *ConversationStore) UpdateMessageContent(ctx context.Context, id uuid.UUID, content string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = $2 WHERE id = $1`, id, content)
	return store.NewStorageError("message update content", err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var c store.Conversation
	var channelID, sessionKey, title, inboxStatus, contactID sql.NullString
	var metadata []byte

	err := row.Scan(&c.ID, &c.AgentID, &channelID, &sessionKey, &title, &c.Type,
		&inboxStatus, &contactID, &metadata, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ChannelID = strPtr(channelID)
	c.SessionKey = strPtr(sessionKey)
	c.Title = strPtr(title)
	c.InboxStatus = strPtr(inboxStatus)
	c.ContactID = strPtr(contactID)
	scanJSON(metadata, &c.Metadata)
	return &c, nil
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var m store.Message
	var content, model sql.NullString
	var toolCalls, toolResults, usage, attachments []byte

	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &content, &toolCalls, &toolResults,
		&model, &usage, &attachments, &m.Pinned, &m.Reported, &m.ReplyToID, &m.ForwardOfID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Content = strPtr(content)
	m.Model = strPtr(model)
	scanJSON(toolCalls, &m.ToolCalls)
	scanJSON(toolResults, &m.ToolResults)
	scanJSON(usage, &m.Usage)
	scanJSON(attachments, &m.Attachments)
	return &m, nil
}
