// Package memory provides persistent conversation storage. A
// conversation pins a model, carries a budget ceiling and running spent
// total, and owns an ordered append-only message sequence.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/wrenware/orla/internal/llm"
)

// Conversation modes.
const (
	ModeAgentic = "agentic"
	ModeChat    = "chat"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is one conversation's persistent state. Spent is
// maintained by AddSpent and never decreases.
type Conversation struct {
	ID         string
	Model      string
	Mode       string // ModeAgentic or ModeChat
	CeilingUSD float64
	SpentUSD   float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Message is one stored message. Seq is dense from 0 in insertion
// order within a conversation.
type Message struct {
	ID         string
	Seq        int
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []llm.ToolCall
	ToolCallID string
	CreatedAt  time.Time
}

// LLM converts a stored message to the provider-neutral form.
func (m Message) LLM() llm.Message {
	return llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

// Store is a SQLite-backed conversation store.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	return NewStoreWithDB(db)
}

// NewStoreWithDB wraps an existing database handle.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance jobs.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id          TEXT PRIMARY KEY,
		model       TEXT NOT NULL,
		mode        TEXT NOT NULL,
		ceiling_usd REAL NOT NULL,
		spent_usd   REAL NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		seq             INTEGER NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		tool_calls      TEXT,
		tool_call_id    TEXT,
		created_at      TEXT NOT NULL,
		UNIQUE(conversation_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateConversation persists a new conversation. If conv.ID is empty,
// a UUIDv7 is generated. Mode defaults to agentic.
func (s *Store) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	if conv.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Conversation{}, fmt.Errorf("generate conversation ID: %w", err)
		}
		conv.ID = id.String()
	}
	if conv.Mode == "" {
		conv.Mode = ModeAgentic
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, model, mode, ceiling_usd, spent_usd, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Model, conv.Mode, conv.CeilingUSD, conv.SpentUSD,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var conv Conversation
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, model, mode, ceiling_usd, spent_usd, created_at, updated_at
		 FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Model, &conv.Mode, &conv.CeilingUSD, &conv.SpentUSD, &created, &updated)
	if err == sql.ErrNoRows {
		return Conversation{}, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("query conversation: %w", err)
	}
	conv.CreatedAt, _ = time.Parse(time.RFC3339, created)
	conv.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return conv, nil
}

// AddSpent atomically adds delta to the conversation's spent total and
// returns the new total. Spent is tracked in the row so concurrent
// requests against the same conversation cannot lose an update.
func (s *Store) AddSpent(ctx context.Context, id string, delta float64) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET spent_usd = spent_usd + ?, updated_at = ? WHERE id = ?`,
		delta, now, id)
	if err != nil {
		return 0, fmt.Errorf("update spent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update spent: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}

	// The total is read inside the same transaction so the returned
	// value reflects exactly this charge.
	var spent float64
	if err := tx.QueryRowContext(ctx,
		`SELECT spent_usd FROM conversations WHERE id = ?`, id).Scan(&spent); err != nil {
		return 0, fmt.Errorf("read spent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return spent, nil
}

// AppendMessage appends a message to the conversation's sequence. The
// sequence number is assigned inside a transaction so concurrent
// appends cannot collide.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg llm.Message) (Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, fmt.Errorf("generate message ID: %w", err)
	}

	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return Message{}, fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		return Message{}, fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return Message{}, fmt.Errorf("conversation %q: %w", conversationID, ErrNotFound)
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&seq); err != nil {
		return Message{}, fmt.Errorf("next sequence: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, content, tool_calls, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), conversationID, seq, msg.Role, msg.Content, toolCalls, msg.ToolCallID,
		now.Format(time.RFC3339)); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}

	return Message{
		ID:         id.String(),
		Seq:        seq,
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCalls:  msg.ToolCalls,
		ToolCallID: msg.ToolCallID,
		CreatedAt:  now,
	}, nil
}

// FillToolResult sets the content of the tool message carrying the
// given tool call ID. The message row is created by AppendMessage with
// empty content when the call is dispatched; the result fills it in
// place once execution completes, preserving the sequence position.
func (s *Store) FillToolResult(ctx context.Context, conversationID, toolCallID, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?
		 WHERE conversation_id = ? AND role = 'tool' AND tool_call_id = ?`,
		content, conversationID, toolCallID)
	if err != nil {
		return fmt.Errorf("fill tool result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fill tool result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no tool message for call %q in conversation %q", toolCallID, conversationID)
	}
	return nil
}

// Messages returns the conversation's messages in sequence order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, role, content, tool_calls, tool_call_id, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var toolCalls sql.NullString
		var created string
		if err := rows.Scan(&m.ID, &m.Seq, &m.Role, &m.Content, &toolCalls, &m.ToolCallID, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for message %s: %w", m.ID, err)
			}
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LLMMessages returns the conversation's messages converted to the
// provider-neutral form, in sequence order.
func (s *Store) LLMMessages(ctx context.Context, conversationID string) ([]llm.Message, error) {
	msgs, err := s.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.LLM()
	}
	return out, nil
}

// ListConversations returns all conversations, most recently updated
// first.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model, mode, ceiling_usd, spent_usd, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		var created, updated string
		if err := rows.Scan(&conv.ID, &conv.Model, &conv.Mode, &conv.CeilingUSD, &conv.SpentUSD, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.CreatedAt, _ = time.Parse(time.RFC3339, created)
		conv.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// DeleteOlderThan removes conversations not updated since the cutoff
// together with their messages. Returns the number of conversations
// removed. Used by the retention maintenance job. Messages are deleted
// explicitly because foreign key enforcement is off by default in
// SQLite connections.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention delete: %w", err)
	}
	defer tx.Rollback()

	ts := cutoff.UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id IN
		   (SELECT id FROM conversations WHERE updated_at < ?)`, ts); err != nil {
		return 0, fmt.Errorf("delete old messages: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE updated_at < ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("delete old conversations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old conversations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retention delete: %w", err)
	}
	return int(n), nil
}
