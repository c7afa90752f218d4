package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/asistech/pkg/failure"
)

// SQLiteStore is the persistent conversation store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const (
	maxOpenConns  = 4
	busyTimeoutMS = 5000
)

// sqliteDSN applies the pragmas to every pooled connection, not just the
// first one.
func sqliteDSN(path string) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"temp_store(MEMORY)",
		fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS),
		"foreign_keys(1)",
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// NewSQLiteStore creates or opens the conversation database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create conversation db dir: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// WAL lets readers run beside the one writer. Transactions begin
	// IMMEDIATE, so concurrent writers queue on busy_timeout instead of
	// failing on a stale snapshot.
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			message_count INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			last_activity_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations(user_id, status, last_activity_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens_used INTEGER,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS turns_conversation_idx ON turns(conversation_id, seq DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMeta(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMeta(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func storeError(op string, err error) error {
	return failure.Wrap(failure.Persistence, "conversation store", err, op+" failed")
}

// ValidateContent reports whether content may be stored as a turn.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return failure.Wrap(failure.Configuration, "validate content", ErrInvalidContent, "message content must not be empty")
	}
	if n := utf8.RuneCountInString(content); n > MaxContentChars {
		return failure.Wrap(failure.Configuration, "validate content", ErrInvalidContent,
			fmt.Sprintf("message content is %d characters, limit is %d", n, MaxContentChars))
	}
	return nil
}

// querier is the subset shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const conversationColumns = `id, user_id, title, status, message_count, metadata_json, created_at_ms, updated_at_ms, last_activity_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var status, metaRaw string
	var createdMS, updatedMS, activityMS int64
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &status, &c.MessageCount, &metaRaw, &createdMS, &updatedMS, &activityMS); err != nil {
		return Conversation{}, err
	}
	c.Status = Status(status)
	c.Metadata = decodeMeta(metaRaw)
	c.CreatedAt = time.UnixMilli(createdMS)
	c.UpdatedAt = time.UnixMilli(updatedMS)
	c.LastActivity = time.UnixMilli(activityMS)
	return c, nil
}

func getConversation(ctx context.Context, q querier, owner, id string) (*Conversation, error) {
	row := q.QueryRowContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
WHERE id = ? AND user_id = ? AND status <> ?`, id, owner, string(StatusDeleted))
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeError("get conversation", err)
	}
	return &c, nil
}

func scanTurns(rows *sql.Rows, capacity int) ([]Turn, error) {
	out := make([]Turn, 0, capacity)
	for rows.Next() {
		var t Turn
		var role, metaRaw string
		var tokens sql.NullInt64
		var createdMS int64
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Seq, &role, &t.Content, &tokens, &metaRaw, &createdMS); err != nil {
			return nil, storeError("scan turn", err)
		}
		t.Role = Role(role)
		if tokens.Valid {
			n := int(tokens.Int64)
			t.TokensUsed = &n
		}
		t.Metadata = decodeMeta(metaRaw)
		t.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate turns", err)
	}
	return out, nil
}

// Begin opens a transaction. Cancelling ctx rolls it back.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.Wrap(failure.Unknown, "conversation store", ctx.Err(), "")
		}
		return nil, storeError("begin transaction", err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) GetOrCreate(ctx context.Context, owner, id, defaultTitle string) (*Conversation, bool, error) {
	if t.done {
		return nil, false, ErrTxDone
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, false, failure.New(failure.Configuration, "get or create conversation", "owner is required")
	}
	if id = strings.TrimSpace(id); id != "" {
		conv, err := getConversation(ctx, t.tx, owner, id)
		if err == nil {
			return conv, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	if strings.TrimSpace(defaultTitle) == "" {
		defaultTitle = DefaultTitle
	}
	now := nowMS()
	conv := &Conversation{
		ID:           uuid.NewString(),
		UserID:       owner,
		Title:        defaultTitle,
		Status:       StatusActive,
		Metadata:     map[string]any{},
		CreatedAt:    time.UnixMilli(now),
		UpdatedAt:    time.UnixMilli(now),
		LastActivity: time.UnixMilli(now),
	}
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO conversations(id, user_id, title, status, message_count, metadata_json, created_at_ms, updated_at_ms, last_activity_ms)
VALUES(?, ?, ?, ?, 0, '{}', ?, ?, ?)`, conv.ID, owner, conv.Title, string(StatusActive), now, now, now); err != nil {
		return nil, false, storeError("create conversation", err)
	}
	return conv, true, nil
}

func (t *sqliteTx) AppendTurn(ctx context.Context, in TurnInput) (*Turn, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if !in.Role.Valid() {
		return nil, failure.Newf(failure.Configuration, "append turn", "invalid role %q", in.Role)
	}
	if err := ValidateContent(in.Content); err != nil {
		return nil, err
	}

	now := nowMS()
	res, err := t.tx.ExecContext(ctx, `
UPDATE conversations
SET message_count = message_count + 1, last_activity_ms = ?, updated_at_ms = ?
WHERE id = ? AND status <> ?`, now, now, in.ConversationID, string(StatusDeleted))
	if err != nil {
		return nil, storeError("increment message count", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	var seq int
	if err := t.tx.QueryRowContext(ctx, `SELECT message_count FROM conversations WHERE id = ?`, in.ConversationID).Scan(&seq); err != nil {
		return nil, storeError("read message count", err)
	}

	turn := &Turn{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		Seq:            seq,
		Role:           in.Role,
		Content:        in.Content,
		TokensUsed:     in.TokensUsed,
		Metadata:       in.Metadata,
		CreatedAt:      time.UnixMilli(now),
	}
	var tokens any
	if in.TokensUsed != nil {
		tokens = *in.TokensUsed
	}
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO turns(id, conversation_id, seq, role, content, tokens_used, metadata_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`, turn.ID, turn.ConversationID, seq, string(turn.Role), turn.Content, tokens, encodeMeta(in.Metadata), now); err != nil {
		return nil, storeError("insert turn", err)
	}
	return turn, nil
}

func (t *sqliteTx) RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if t.done {
		return nil, ErrTxDone
	}
	return recentTurns(ctx, t.tx, conversationID, limit)
}

func recentTurns(ctx context.Context, q querier, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}
	rows, err := q.QueryContext(ctx, `
SELECT id, conversation_id, seq, role, content, tokens_used, metadata_json, created_at_ms
FROM turns
WHERE conversation_id = ?
ORDER BY seq DESC
LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, storeError("list recent turns", err)
	}
	defer rows.Close()
	return scanTurns(rows, limit)
}

func (t *sqliteTx) SetTitle(ctx context.Context, conversationID, title string) error {
	if t.done {
		return ErrTxDone
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE conversations SET title = ?, updated_at_ms = ? WHERE id = ?`, title, nowMS(), conversationID); err != nil {
		return storeError("set title", err)
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return storeError("commit", err)
	}
	return nil
}

// Rollback is a no-op after Commit or an earlier Rollback.
func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return storeError("rollback", err)
	}
	return nil
}

// RecentTurns reads committed turns, most recent first, without taking the
// write lock.
func (s *SQLiteStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	return recentTurns(ctx, s.db, conversationID, limit)
}

func (s *SQLiteStore) Get(ctx context.Context, owner, id string) (*Conversation, error) {
	return getConversation(ctx, s.db, owner, id)
}

func (s *SQLiteStore) List(ctx context.Context, owner string, opts ListOptions) ([]Conversation, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	query := `
SELECT ` + conversationColumns + `
FROM conversations
WHERE user_id = ?`
	args := []any{owner}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	} else {
		query += ` AND status <> ?`
		args = append(args, string(StatusDeleted))
	}
	query += `
ORDER BY last_activity_ms DESC, created_at_ms DESC
LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list conversations", err)
	}
	defer rows.Close()
	return collectConversations(rows, limit)
}

// SearchByTitle matches text case-insensitively anywhere in the title.
func (s *SQLiteStore) SearchByTitle(ctx context.Context, owner, text string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(text))) + "%"
	rows, err := s.db.QueryContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
WHERE user_id = ? AND status <> ? AND lower(title) LIKE ? ESCAPE '\'
ORDER BY last_activity_ms DESC
LIMIT ?`, owner, string(StatusDeleted), pattern, limit)
	if err != nil {
		return nil, storeError("search conversations", err)
	}
	defer rows.Close()
	return collectConversations(rows, limit)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func collectConversations(rows *sql.Rows, capacity int) ([]Conversation, error) {
	out := make([]Conversation, 0, capacity)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storeError("scan conversation", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate conversations", err)
	}
	return out, nil
}

// Archive moves a live conversation to archived. Deleted conversations
// cannot be archived.
func (s *SQLiteStore) Archive(ctx context.Context, owner, id string) error {
	return s.setStatus(ctx, owner, id, StatusArchived, "archive conversation")
}

// Delete soft-deletes a conversation. There is no way back.
func (s *SQLiteStore) Delete(ctx context.Context, owner, id string) error {
	return s.setStatus(ctx, owner, id, StatusDeleted, "delete conversation")
}

func (s *SQLiteStore) setStatus(ctx context.Context, owner, id string, status Status, op string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET status = ?, updated_at_ms = ?
WHERE id = ? AND user_id = ? AND status <> ?`, string(status), nowMS(), id, owner, string(StatusDeleted))
	if err != nil {
		return storeError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CountByUser(ctx context.Context, owner string, status Status) (int, error) {
	query := `SELECT COUNT(*) FROM conversations WHERE user_id = ?`
	args := []any{owner}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	} else {
		query += ` AND status <> ?`
		args = append(args, string(StatusDeleted))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, storeError("count conversations", err)
	}
	return n, nil
}

func (s *SQLiteStore) TotalTokens(ctx context.Context, id string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(tokens_used), 0) FROM turns WHERE conversation_id = ?`, id).Scan(&n); err != nil {
		return 0, storeError("sum tokens", err)
	}
	return n, nil
}

func (s *SQLiteStore) Turns(ctx context.Context, id string, limit, offset int) ([]Turn, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, seq, role, content, tokens_used, metadata_json, created_at_ms
FROM turns
WHERE conversation_id = ?
ORDER BY seq ASC
LIMIT ? OFFSET ?`, id, limit, offset)
	if err != nil {
		return nil, storeError("list turns", err)
	}
	defer rows.Close()
	return scanTurns(rows, limit)
}
