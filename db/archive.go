package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	"parley.chat/etc"
	"parley.chat/provision"
	"parley.chat/transcript"
)

// Archive is the local sqlite store for past sessions. It satisfies
// the session package's Recorder interface, so a live session writes
// through to it as utterances arrive.
type Archive struct {
	*sql.DB
	stmtCache sync.Map
	logger    *log.Logger
}

// SessionRecord is one archived session with its utterance count.
type SessionRecord struct {
	ID         string
	AgentID    string
	RoomName   string
	Identity   string
	StartedAt  time.Time
	EndedAt    *time.Time
	Utterances int
}

// Open opens (or creates) the archive at path and ensures its schema.
func Open(path string, logger *log.Logger) (*Archive, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	a := &Archive{
		DB:     sqlDB,
		logger: logger,
	}

	if err := a.ensureSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}

	return a, nil
}

func (a *Archive) ensureSchema() error {
	_, err := a.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			room_name TEXT NOT NULL,
			participant_identity TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT
		);

		CREATE TABLE IF NOT EXISTS utterances (
			id TEXT PRIMARY KEY,
			session TEXT NOT NULL,
			seq INTEGER NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			final INTEGER NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS utterances_by_session
			ON utterances (session, seq);
	`)
	return err
}

// Close closes the connection and clears the statement cache.
func (a *Archive) Close() error {
	a.stmtCache.Range(func(_, value interface{}) bool {
		if stmt, ok := value.(*sql.Stmt); ok {
			stmt.Close()
		}
		return true
	})
	return a.DB.Close()
}

// prepareStmt prepares and caches a statement
func (a *Archive) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := a.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := a.Prepare(query)
	if err != nil {
		return nil, err
	}

	a.stmtCache.Store(query, stmt)
	return stmt, nil
}

// exec executes a query with logging
func (a *Archive) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	a.logger.Debug("Executing SQL statement", "query", query, "args", args)
	stmt, err := a.prepareStmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

// SessionStarted records a newly provisioned session.
func (a *Archive) SessionStarted(descriptor *provision.Descriptor, agentID string, startedAt time.Time) error {
	query := `
		INSERT INTO sessions (id, agent_id, room_name, participant_identity, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := a.exec(context.Background(), query,
		descriptor.SessionID, agentID, descriptor.RoomName,
		descriptor.ParticipantIdentity, startedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// EntryAppended records one transcript entry for a session.
func (a *Archive) EntryAppended(sessionID string, entry transcript.Entry) error {
	query := `
		INSERT INTO utterances (id, session, seq, speaker, text, final, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := a.exec(context.Background(), query,
		etc.NewFreshID(), sessionID, entry.ID, string(entry.Speaker),
		entry.Text, entry.Final, entry.Confidence,
		entry.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

// SessionEnded stamps a session's end time.
func (a *Archive) SessionEnded(sessionID string, endedAt time.Time) error {
	query := `
		UPDATE sessions SET ended_at = ? WHERE id = ?
	`
	_, err := a.exec(context.Background(), query,
		endedAt.UTC().Format(time.RFC3339Nano), sessionID)
	return err
}

// RecentSessions lists archived sessions, newest first.
func (a *Archive) RecentSessions(limit int) ([]SessionRecord, error) {
	query := `
		SELECT s.id, s.agent_id, s.room_name, s.participant_identity,
			s.started_at, s.ended_at, COUNT(u.id)
		FROM sessions s
		LEFT JOIN utterances u ON u.session = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT ?
	`
	rows, err := a.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Session fetches one archived session by id.
func (a *Archive) Session(id string) (*SessionRecord, error) {
	query := `
		SELECT s.id, s.agent_id, s.room_name, s.participant_identity,
			s.started_at, s.ended_at, COUNT(u.id)
		FROM sessions s
		LEFT JOIN utterances u ON u.session = s.id
		WHERE s.id = ?
		GROUP BY s.id
	`
	rows, err := a.Query(query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no archived session %q", id)
	}
	record, err := scanSession(rows)
	if err != nil {
		return nil, err
	}
	return &record, rows.Err()
}

func scanSession(rows *sql.Rows) (SessionRecord, error) {
	var record SessionRecord
	var startedStr string
	var endedStr sql.NullString
	err := rows.Scan(&record.ID, &record.AgentID, &record.RoomName,
		&record.Identity, &startedStr, &endedStr, &record.Utterances)
	if err != nil {
		return record, err
	}
	record.StartedAt, err = time.Parse(time.RFC3339Nano, startedStr)
	if err != nil {
		return record, fmt.Errorf("parse started_at: %w", err)
	}
	if endedStr.Valid {
		ended, err := time.Parse(time.RFC3339Nano, endedStr.String)
		if err != nil {
			return record, fmt.Errorf("parse ended_at: %w", err)
		}
		record.EndedAt = &ended
	}
	return record, nil
}

// Entries reconstructs a session's transcript in arrival order, so the
// same rendering used for live transcripts works on archived ones.
func (a *Archive) Entries(sessionID string) ([]transcript.Entry, error) {
	query := `
		SELECT seq, speaker, text, final, confidence, created_at
		FROM utterances
		WHERE session = ?
		ORDER BY seq ASC
	`
	rows, err := a.Query(query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []transcript.Entry
	for rows.Next() {
		var entry transcript.Entry
		var speaker string
		var timestampStr string
		err := rows.Scan(&entry.ID, &speaker, &entry.Text,
			&entry.Final, &entry.Confidence, &timestampStr)
		if err != nil {
			return nil, err
		}
		entry.Speaker = transcript.Speaker(speaker)
		entry.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
