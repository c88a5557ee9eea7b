// Package transcript keeps an optional SQLite audit log of completed
// exchanges for diagnosis. It is not session persistence: conversation
// history always starts empty on restart.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Exchange is one completed prompt/reply pair.
type Exchange struct {
	ID        string
	Channel   string
	ChatID    string
	Model     string
	Prompt    string
	Reply     string
	CreatedAt time.Time
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}

	// Single connection: SQLite writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript migration: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id         TEXT PRIMARY KEY,
		channel    TEXT NOT NULL,
		chat_id    TEXT NOT NULL,
		model      TEXT NOT NULL,
		prompt     TEXT,
		reply      TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_chat ON exchanges(channel, chat_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores one exchange. An empty ID gets a fresh UUID.
func (s *Store) Record(ctx context.Context, ex Exchange) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, channel, chat_id, model, prompt, reply) VALUES (?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.Channel, ex.ChatID, ex.Model, ex.Prompt, ex.Reply,
	)
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}
	return nil
}

// Recent returns the newest exchanges for one chat, newest first.
func (s *Store) Recent(ctx context.Context, channel, chatID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, chat_id, model, prompt, reply, created_at
		 FROM exchanges WHERE channel = ? AND chat_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		channel, chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var ex Exchange
		if err := rows.Scan(&ex.ID, &ex.Channel, &ex.ChatID, &ex.Model, &ex.Prompt, &ex.Reply, &ex.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Count returns the total number of recorded exchanges.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchanges`).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
