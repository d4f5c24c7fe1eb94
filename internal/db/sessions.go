package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rubycave-project/rubycave/internal/events"
)

// Session is one finished player session.
type Session struct {
	ID       string        `json:"id"`
	Username string        `json:"username"`
	Remote   string        `json:"remote"`
	JoinedAt time.Time     `json:"joined_at"`
	LeftAt   time.Time     `json:"left_at"`
	Reason   string        `json:"reason"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// SessionStore records player sessions.
type SessionStore struct {
	db *Database
}

// NewSessionStore opens the database at dbPath and migrates the schema.
func NewSessionStore(dbPath string) (*SessionStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SessionStore{db: database}
	if err := s.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}
	return s, nil
}

func (s *SessionStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			remote TEXT NOT NULL DEFAULT '',
			joined_at INTEGER NOT NULL,
			left_at INTEGER NOT NULL,
			reason TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_username ON sessions(username)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_left_at ON sessions(left_at)`,
	}

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("database schema migrated")
	return nil
}

// Insert stores a finished session. Inserting the same id twice keeps the first row.
func (s *SessionStore) Insert(ctx context.Context, sess Session) error {
	_, err := s.db.Exec(ctx, `
		INSERT OR IGNORE INTO sessions (id, username, remote, joined_at, left_at, reason, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Username, sess.Remote,
		sess.JoinedAt.UnixMilli(), sess.LeftAt.UnixMilli(),
		sess.Reason, sess.Detail)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first. A non-empty username
// restricts the result to that player.
func (s *SessionStore) Recent(ctx context.Context, username string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, username, remote, joined_at, left_at, reason, detail FROM sessions`
	args := []any{}
	if username != "" {
		query += ` WHERE username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY left_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var result []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return result, nil
}

func scanSession(rows *sql.Rows) (Session, error) {
	var (
		sess           Session
		joined, leftAt int64
	)
	if err := rows.Scan(&sess.ID, &sess.Username, &sess.Remote, &joined, &leftAt, &sess.Reason, &sess.Detail); err != nil {
		return Session{}, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.JoinedAt = time.UnixMilli(joined)
	sess.LeftAt = time.UnixMilli(leftAt)
	sess.Duration = sess.LeftAt.Sub(sess.JoinedAt)
	return sess, nil
}

// Count returns the number of stored sessions.
func (s *SessionStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// Prune deletes sessions that ended before cutoff and returns how many were removed.
func (s *SessionStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE left_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	log.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("pruned session history")
	return n, nil
}

// Subscribe records every player_left event on bus.
func (s *SessionStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe("db.sessions", s.onPlayerLeft, events.EventPlayerLeft)
}

func (s *SessionStore) onPlayerLeft(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.PlayerLeftPayload)
	if !ok {
		return nil
	}

	// Sessions ending during shutdown are still written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	return s.Insert(ctx, Session{
		ID:       payload.SessionID,
		Username: payload.Username,
		Remote:   payload.Remote,
		JoinedAt: payload.JoinedAt,
		LeftAt:   payload.LeftAt,
		Reason:   payload.Reason.String(),
		Detail:   payload.Detail,
	})
}

// Close closes the database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}
