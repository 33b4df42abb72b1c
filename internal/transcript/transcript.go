// Package transcript records the raw protocol frames of MCP sessions to
// SQLite for later inspection. Recording is opt-in: a transport only
// pays for it when a Recorder is attached as its frame observer.
package transcript

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// timeFormat is RFC 3339 with fixed-width fractional seconds so the
// stored TEXT timestamps sort lexicographically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Session is one recorded client connection.
type Session struct {
	ID        string     `json:"id"`
	Server    string     `json:"server"`
	Transport string     `json:"transport"`
	Target    string     `json:"target,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Frames    int        `json:"frames"`
}

// Frame is one recorded protocol payload. Direction is "send" for
// client-to-server frames and "recv" for server-to-client ones.
type Frame struct {
	Seq       int64     `json:"seq"`
	SessionID string    `json:"session_id"`
	Direction string    `json:"direction"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages transcript persistence. The *sql.DB is injected so
// callers control the driver and lifecycle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a transcript store on the given database connection.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate transcripts: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcript_sessions (
			id TEXT PRIMARY KEY,
			server TEXT NOT NULL,
			transport TEXT NOT NULL,
			target TEXT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_transcript_sessions_started
			ON transcript_sessions(started_at);

		CREATE TABLE IF NOT EXISTS transcript_frames (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transcript_frames_session
			ON transcript_frames(session_id, id);
	`)
	return err
}

// Begin opens a new recorded session and returns its Recorder.
func (s *Store) Begin(server, transport, target string) (*Recorder, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate UUID: %w", err)
	}

	if _, err := s.db.Exec(`
		INSERT INTO transcript_sessions (id, server, transport, target, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), server, transport, target, time.Now().UTC().Format(timeFormat)); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	s.logger.Debug("transcript session started", "session", id.String(), "server", server)
	return &Recorder{store: s, sessionID: id.String()}, nil
}

// endSession stamps the session's end time.
func (s *Store) endSession(id string) error {
	_, err := s.db.Exec(`
		UPDATE transcript_sessions SET ended_at = ? WHERE id = ?
	`, time.Now().UTC().Format(timeFormat), id)
	return err
}

// addFrame appends one frame to a session.
func (s *Store) addFrame(sessionID, direction string, payload []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO transcript_frames (session_id, direction, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, direction, string(payload), time.Now().UTC().Format(timeFormat))
	return err
}

// Sessions returns recorded sessions, most recent first.
func (s *Store) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT s.id, s.server, s.transport, COALESCE(s.target, ''),
			s.started_at, s.ended_at,
			(SELECT COUNT(*) FROM transcript_frames f WHERE f.session_id = s.id)
		FROM transcript_sessions s
		ORDER BY s.started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var startStr string
		var endStr sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Server, &sess.Transport, &sess.Target,
			&startStr, &endStr, &sess.Frames); err != nil {
			return nil, err
		}
		sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startStr)
		if endStr.Valid {
			t, _ := time.Parse(time.RFC3339Nano, endStr.String)
			sess.EndedAt = &t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Frames returns every frame of a session in wire order.
func (s *Store) Frames(sessionID string) ([]Frame, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, direction, payload, created_at
		FROM transcript_frames
		WHERE session_id = ?
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var f Frame
		var createdStr string
		if err := rows.Scan(&f.Seq, &f.SessionID, &f.Direction, &f.Payload, &createdStr); err != nil {
			return nil, err
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// Recorder writes frames for a single session. Observe matches the
// transport frame observer signature, so a Recorder can be attached
// directly to a transport config.
type Recorder struct {
	store     *Store
	sessionID string
}

// SessionID returns the recorded session's identifier.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// Observe persists one frame. It is called from transport goroutines,
// so failures are logged rather than returned — a broken recording must
// never take down the protocol stream it is observing.
func (r *Recorder) Observe(direction string, payload []byte) {
	if err := r.store.addFrame(r.sessionID, direction, payload); err != nil {
		r.store.logger.Warn("failed to record frame",
			"session", r.sessionID,
			"direction", direction,
			"error", err,
		)
	}
}

// End stamps the session's end time. Frames observed after End are
// still recorded; the stamp only marks when the client shut down.
func (r *Recorder) End() error {
	return r.store.endSession(r.sessionID)
}
