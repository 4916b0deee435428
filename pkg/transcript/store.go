package transcript

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store archives finished-session transcripts and caches last-used session
// preferences in a local SQLite file. It is strictly best-effort: nothing in
// it is authoritative, and callers log-and-continue on any error.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the archive database at path.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		startedAt REAL NOT NULL,
		endedAt REAL NOT NULL,
		usedSeconds INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		sessionId TEXT NOT NULL,
		seq INTEGER NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		timestamp REAL NOT NULL,
		PRIMARY KEY (sessionId, seq)
	);
	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSession archives one finished session and its transcript.
func (s *Store) SaveSession(sessionID, subject string, startedAt, endedAt time.Time, usedSeconds int, messages []Message) error {
	if s == nil {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO sessions (id, subject, startedAt, endedAt, usedSeconds)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, subject, timeToUnix(startedAt), timeToUnix(endedAt), usedSeconds)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE sessionId = ?`, sessionID); err != nil {
		return fmt.Errorf("clear session messages: %w", err)
	}
	for i, msg := range messages {
		_, err := tx.Exec(`
			INSERT INTO messages (sessionId, seq, speaker, text, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, i, string(msg.Speaker), msg.Text, timeToUnix(msg.Timestamp))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// MessagesForSession returns an archived transcript in order.
func (s *Store) MessagesForSession(sessionID string) ([]Message, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT speaker, text, timestamp
		FROM messages
		WHERE sessionId = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var speaker string
		var ts float64
		if err := rows.Scan(&speaker, &msg.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Speaker = Speaker(speaker)
		msg.Timestamp = timeFromUnix(ts)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// SetPreference caches a last-used preference value (subject, age group).
func (s *Store) SetPreference(key, value string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO preferences (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

// Preference returns a cached preference, or "" when unset.
func (s *Store) Preference(key string) (string, error) {
	if s == nil {
		return "", nil
	}
	var value string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get preference: %w", err)
	}
	return value, nil
}

func timeToUnix(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000.0
}

func timeFromUnix(v float64) time.Time {
	return time.UnixMilli(int64(v * 1000)).UTC()
}
