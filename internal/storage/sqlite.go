package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"modernc.org/sqlite"

	"eric_assistant/pkg"
)

// SQLiteStore is the persistent store for memories, events, emotion history
// and the context mirror.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ Store         = (*SQLiteStore)(nil)
	_ ContextMirror = (*SQLiteStore)(nil)
)

// foldFunc is the SQL name of a Unicode-aware lower(). SQLite's LOWER only folds ASCII.
const foldFunc = "unicode_lower"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(foldFunc, 1, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		switch v := args[0].(type) {
		case string:
			return strings.ToLower(v), nil
		case []byte:
			return strings.ToLower(string(v)), nil
		default:
			return v, nil
		}
	})
}

// NewSQLiteStore creates/opens the database at path. ":memory:" is accepted.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids writer lock contention under concurrent goroutines
	// and keeps a ":memory:" database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

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
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			content TEXT NOT NULL,
			keywords TEXT NOT NULL DEFAULT '[]',
			importance_score REAL NOT NULL DEFAULT 1.0,
			context_tags TEXT NOT NULL DEFAULT '[]',
			created_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_user_rank ON memory(user_id, importance_score DESC, created_at_ns DESC);`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			event_date_ns INTEGER NOT NULL,
			reminder_date_ns INTEGER NOT NULL,
			is_completed INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_reminder ON events(user_id, is_completed, reminder_date_ns);`,
		`CREATE TABLE IF NOT EXISTS emotion_history (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			emotion TEXT NOT NULL,
			confidence REAL NOT NULL,
			source_text TEXT NOT NULL DEFAULT '',
			timestamp_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_emotion_user_ts ON emotion_history(user_id, timestamp_ns);`,
		`CREATE TABLE IF NOT EXISTS conversation_context (
			user_id TEXT NOT NULL,
			context_key TEXT NOT NULL,
			context_value TEXT NOT NULL,
			created_at_ns INTEGER NOT NULL,
			expires_at_ns INTEGER NOT NULL,
			PRIMARY KEY (user_id, context_key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

// Memories

func (s *SQLiteStore) InsertMemory(ctx context.Context, m pkg.Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	keywords, err := encodeStrings(m.Keywords)
	if err != nil {
		return err
	}
	tags, err := encodeStrings(m.ContextTags)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert memory: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory(id, user_id, memory_type, content, keywords, importance_score, context_tags, created_at_ns)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.UserID, string(m.Type), m.Content, keywords, m.ImportanceScore, tags, m.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryMemories(ctx context.Context, q MemoryQuery) ([]pkg.Memory, error) {
	var (
		where []string
		args  []any
	)
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.Type != "" {
		where = append(where, "memory_type = ?")
		args = append(args, string(q.Type))
	}
	if q.Text != "" {
		pattern := "%" + escapeLike(strings.ToLower(q.Text)) + "%"
		where = append(where, `(`+foldFunc+`(content) LIKE ? ESCAPE '\'
			OR EXISTS (SELECT 1 FROM json_each(memory.keywords) WHERE `+foldFunc+`(json_each.value) LIKE ? ESCAPE '\'))`)
		args = append(args, pattern, pattern)
	}

	query := `SELECT id, user_id, memory_type, content, keywords, importance_score, context_tags, created_at_ns FROM memory`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY importance_score DESC, created_at_ns DESC, rowid DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	out := make([]pkg.Memory, 0)
	for rows.Next() {
		var (
			m              pkg.Memory
			memType        string
			keywords, tags string
			createdAtNs    int64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &memType, &m.Content, &keywords, &m.ImportanceScore, &tags, &createdAtNs); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Type = pkg.MemoryType(memType)
		m.CreatedAt = time.Unix(0, createdAtNs)
		if m.Keywords, err = decodeStrings(keywords); err != nil {
			return nil, err
		}
		if m.ContextTags, err = decodeStrings(tags); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

// Events

func (s *SQLiteStore) InsertEvent(ctx context.Context, e pkg.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events(id, user_id, title, description, event_date_ns, reminder_date_ns, is_completed)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.Title, e.Description, e.EventDate.UnixNano(), e.ReminderDate.UnixNano(), boolToInt(e.IsCompleted)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryEventsBetween(ctx context.Context, userID string, from, to time.Time) ([]pkg.Event, error) {
	return s.queryEvents(ctx, `
		SELECT id, user_id, title, description, event_date_ns, reminder_date_ns, is_completed
		FROM events
		WHERE user_id = ? AND is_completed = 0 AND event_date_ns >= ? AND event_date_ns <= ?
		ORDER BY event_date_ns ASC
	`, userID, from.UnixNano(), to.UnixNano())
}

func (s *SQLiteStore) QueryDueEvents(ctx context.Context, userID string, now time.Time) ([]pkg.Event, error) {
	return s.queryEvents(ctx, `
		SELECT id, user_id, title, description, event_date_ns, reminder_date_ns, is_completed
		FROM events
		WHERE user_id = ? AND is_completed = 0 AND reminder_date_ns <= ?
		ORDER BY reminder_date_ns ASC
	`, userID, now.UnixNano())
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]pkg.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]pkg.Event, 0)
	for rows.Next() {
		var (
			e                   pkg.Event
			eventNs, reminderNs int64
			completed           int
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Title, &e.Description, &eventNs, &reminderNs, &completed); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventDate = time.Unix(0, eventNs)
		e.ReminderDate = time.Unix(0, reminderNs)
		e.IsCompleted = completed != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) MarkEventCompleted(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE events SET is_completed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("complete event %s: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete event: %w", err)
	}
	return nil
}

// Emotion history

func (s *SQLiteStore) InsertEmotion(ctx context.Context, sample pkg.EmotionSample) error {
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert emotion: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO emotion_history(id, user_id, emotion, confidence, source_text, timestamp_ns)
		VALUES(?, ?, ?, ?, ?, ?)
	`, sample.ID, sample.UserID, sample.Emotion, sample.Confidence, sample.SourceText, sample.Timestamp.UnixNano()); err != nil {
		return fmt.Errorf("insert emotion: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit emotion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) EmotionPattern(ctx context.Context, userID string, since time.Time) (pkg.EmotionPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT emotion, AVG(confidence) AS avg_confidence, COUNT(*) AS n
		FROM emotion_history
		WHERE user_id = ? AND timestamp_ns >= ?
		GROUP BY emotion
		ORDER BY avg_confidence DESC, n DESC, emotion ASC
	`, userID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query emotion pattern: %w", err)
	}
	defer rows.Close()

	out := make(pkg.EmotionPattern, 0)
	for rows.Next() {
		var st pkg.EmotionStat
		if err := rows.Scan(&st.Emotion, &st.AvgConfidence, &st.Count); err != nil {
			return nil, fmt.Errorf("scan emotion stat: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emotion pattern: %w", err)
	}
	return out, nil
}

// Context mirror

func (s *SQLiteStore) ReplaceContext(ctx context.Context, userID string, e pkg.ContextEntry) error {
	value, err := sonic.Marshal(e.Value)
	if err != nil {
		return fmt.Errorf("encode context value %q: %w", e.Key, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace context: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_context WHERE user_id = ? AND context_key = ?`, userID, e.Key); err != nil {
		return fmt.Errorf("delete context %q: %w", e.Key, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_context(user_id, context_key, context_value, created_at_ns, expires_at_ns)
		VALUES(?, ?, ?, ?, ?)
	`, userID, e.Key, string(value), e.CreatedAt.UnixNano(), e.ExpiresAt.UnixNano()); err != nil {
		return fmt.Errorf("insert context %q: %w", e.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit context %q: %w", e.Key, err)
	}
	return nil
}

func (s *SQLiteStore) LoadContext(ctx context.Context, userID string, now time.Time) ([]pkg.ContextEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context_key, context_value, created_at_ns, expires_at_ns
		FROM conversation_context
		WHERE user_id = ? AND expires_at_ns > ?
		ORDER BY context_key ASC
	`, userID, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query context: %w", err)
	}
	defer rows.Close()

	out := make([]pkg.ContextEntry, 0)
	for rows.Next() {
		var (
			e                    pkg.ContextEntry
			raw                  string
			createdNs, expiresNs int64
		)
		if err := rows.Scan(&e.Key, &raw, &createdNs, &expiresNs); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		if err := sonic.UnmarshalString(raw, &e.Value); err != nil {
			return nil, fmt.Errorf("decode context value %q: %w", e.Key, err)
		}
		e.CreatedAt = time.Unix(0, createdNs)
		e.ExpiresAt = time.Unix(0, expiresNs)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteContext(ctx context.Context, userID string, keys ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete context: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(keys) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_context WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete all context: %w", err)
		}
	}
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_context WHERE user_id = ? AND context_key = ?`, userID, key); err != nil {
			return fmt.Errorf("delete context %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete context: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeExpiredContext(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation_context WHERE user_id = ? AND expires_at_ns <= ?`, userID, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired context: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := sonic.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode string list: %w", err)
	}
	return string(b), nil
}

func decodeStrings(raw string) ([]string, error) {
	out := []string{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := sonic.UnmarshalString(raw, &out); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
