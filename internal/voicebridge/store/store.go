// Package store persists call records and transcripts in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sebas/voicebridge/internal/voicebridge/events"
)

// ErrNotFound is returned when a call has no stored record.
var ErrNotFound = errors.New("call not found")

// Call is one bridged call.
type Call struct {
	ID              string            `json:"callId"`
	StreamID        string            `json:"streamId"`
	AgentKind       string            `json:"agentKind,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	ConversationID  string            `json:"conversationId,omitempty"`
	StartedAt       time.Time         `json:"startedAt"`
	EndedAt         *time.Time        `json:"endedAt,omitempty"`
	DurationSeconds float64           `json:"durationSeconds"`
	Reason          string            `json:"reason,omitempty"`
}

// Line is one stored transcript line.
type Line struct {
	CallID    string    `json:"callId"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is a SQLite-backed call repository. It implements events.Notifier.
type Store struct {
	DB *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL DEFAULT '',
			agent_kind TEXT NOT NULL DEFAULT '',
			parameters TEXT NOT NULL DEFAULT '{}',
			conversation_id TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			duration_seconds REAL NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS transcript_lines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_lines_call ON transcript_lines(call_id, id);`,
	}
	for _, q := range stmts {
		if _, err := s.DB.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Notify implements events.Notifier.
func (s *Store) Notify(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case *events.BridgeStartedEvent:
		return s.callStarted(ctx, e)
	case *events.BridgeEndedEvent:
		return s.callEnded(ctx, e)
	case *events.TranscriptLineEvent:
		_, err := s.DB.ExecContext(ctx,
			`INSERT INTO transcript_lines(event_id, call_id, speaker, text, created_at) VALUES(?,?,?,?,?)`,
			e.EventID, e.CallID(), string(e.Speaker), e.Text, e.EventTime.UnixMilli())
		return err
	default:
		return nil
	}
}

func (s *Store) callStarted(ctx context.Context, e *events.BridgeStartedEvent) error {
	params, err := json.Marshal(e.Parameters)
	if err != nil {
		return err
	}
	// A repeated start for the same call replaces the earlier record.
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO calls(id, stream_id, agent_kind, parameters, started_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			stream_id=excluded.stream_id,
			agent_kind=excluded.agent_kind,
			parameters=excluded.parameters,
			started_at=excluded.started_at,
			conversation_id='',
			ended_at=NULL,
			duration_seconds=0,
			reason=''`,
		e.CallID(), e.StreamID, e.AgentKind, string(params), e.EventTime.UnixMilli())
	return err
}

func (s *Store) callEnded(ctx context.Context, e *events.BridgeEndedEvent) error {
	started := e.StartedAt
	if started.IsZero() {
		started = e.EventTime
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO calls(id, stream_id, conversation_id, started_at, ended_at, duration_seconds, reason)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id=CASE WHEN excluded.conversation_id != '' THEN excluded.conversation_id ELSE calls.conversation_id END,
			ended_at=excluded.ended_at,
			duration_seconds=excluded.duration_seconds,
			reason=excluded.reason`,
		e.CallID(), e.StreamID, e.ConversationID, started.UnixMilli(), e.EventTime.UnixMilli(), e.DurationSeconds, e.Reason)
	return err
}

// Call returns the stored record for id.
func (s *Store) Call(ctx context.Context, id string) (*Call, error) {
	var (
		c       Call
		params  string
		started int64
		ended   sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, stream_id, agent_kind, parameters, conversation_id, started_at, ended_at, duration_seconds, reason
		FROM calls WHERE id = ?`, id).
		Scan(&c.ID, &c.StreamID, &c.AgentKind, &params, &c.ConversationID, &started, &ended, &c.DurationSeconds, &c.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &c.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	c.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid {
		t := time.UnixMilli(ended.Int64).UTC()
		c.EndedAt = &t
	}
	return &c, nil
}

// Lines returns a call's transcript in arrival order.
func (s *Store) Lines(ctx context.Context, callID string) ([]Line, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT call_id, speaker, text, created_at FROM transcript_lines WHERE call_id = ? ORDER BY id`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var (
			l  Line
			ts int64
		)
		if err := rows.Scan(&l.CallID, &l.Speaker, &l.Text, &ts); err != nil {
			return nil, err
		}
		l.CreatedAt = time.UnixMilli(ts).UTC()
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
