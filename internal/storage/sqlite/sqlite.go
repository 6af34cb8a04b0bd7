package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"exman/internal/event"
	"exman/internal/session"
	"exman/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

func NewSQLiteStore(dbPath string) storage.Storage {
	return &SQLiteStore{dbPath: dbPath}
}

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS focus_sessions (
	id TEXT PRIMARY KEY,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	original_end_time INTEGER NOT NULL,
	status TEXT NOT NULL,
	rating INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON focus_sessions (status);

CREATE TABLE IF NOT EXISTS focus_goals (
	session_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	goal TEXT NOT NULL,
	PRIMARY KEY (session_id, position)
);

CREATE TABLE IF NOT EXISTS interactions (
	session_id TEXT NOT NULL,
	service_id TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions (session_id);

CREATE TABLE IF NOT EXISTS notifications (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	service_id TEXT NOT NULL,
	title TEXT,
	body TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_session ON notifications (session_id);
CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications (timestamp);

CREATE TABLE IF NOT EXISTS services (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	auto_response INTEGER NOT NULL DEFAULT 0,
	unread_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	short_focus_duration INTEGER NOT NULL,
	medium_focus_duration INTEGER NOT NULL,
	long_focus_duration INTEGER NOT NULL,
	auto_response_message TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS app_markers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
`

func (s *SQLiteStore) Init(ctx context.Context) error {
	dir := filepath.Dir(s.dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create db directory %s: %w", dir, err)
	}

	log.Printf("Initializing SQLite database at: %s", s.dbPath)
	db, err := sql.Open("sqlite3", s.dbPath+"?_journal=WAL&_timeout=5000&_fk=true")
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	s.db = db

	// SQLite is best with a single writer connection
	s.db.SetMaxOpenConns(1)
	s.db.SetMaxIdleConns(1)
	s.db.SetConnMaxLifetime(time.Minute * 5)

	if err := s.db.PingContext(ctx); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, createSchemaSQL); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}
	log.Println("Database initialized successfully.")
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		log.Println("Closing database connection.")
		return s.db.Close()
	}
	return nil
}

// --- Focus sessions ---

func (s *SQLiteStore) SaveFocusSession(ctx context.Context, fs *session.FocusSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO focus_sessions (id, start_time, end_time, original_end_time, status, rating)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fs.ID, fs.StartTime, fs.EndTime, fs.OriginalEndTime, fs.Status, fs.Rating)
	if err != nil {
		return fmt.Errorf("failed to insert focus session: %w", err)
	}
	if err := writeGoals(ctx, tx, fs); err != nil {
		return err
	}
	if err := writeInteractions(ctx, tx, fs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateFocusSession(ctx context.Context, fs *session.FocusSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE focus_sessions SET start_time = ?, end_time = ?, original_end_time = ?, status = ?, rating = ?
		 WHERE id = ?`,
		fs.StartTime, fs.EndTime, fs.OriginalEndTime, fs.Status, fs.Rating, fs.ID)
	if err != nil {
		return fmt.Errorf("failed to update focus session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("focus session %s: %w", fs.ID, storage.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM focus_goals WHERE session_id = ?`, fs.ID); err != nil {
		return fmt.Errorf("failed to clear goals: %w", err)
	}
	if err := writeGoals(ctx, tx, fs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM interactions WHERE session_id = ?`, fs.ID); err != nil {
		return fmt.Errorf("failed to clear interactions: %w", err)
	}
	if err := writeInteractions(ctx, tx, fs); err != nil {
		return err
	}
	return tx.Commit()
}

func writeGoals(ctx context.Context, tx *sql.Tx, fs *session.FocusSession) error {
	for i, goal := range fs.Goals {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO focus_goals (session_id, position, goal) VALUES (?, ?, ?)`,
			fs.ID, i, goal); err != nil {
			return fmt.Errorf("failed to insert goal: %w", err)
		}
	}
	return nil
}

func writeInteractions(ctx context.Context, tx *sql.Tx, fs *session.FocusSession) error {
	for serviceID, ivs := range fs.Interactions {
		for _, iv := range ivs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO interactions (session_id, service_id, start_time, end_time) VALUES (?, ?, ?, ?)`,
				fs.ID, serviceID, iv.Start, iv.End); err != nil {
				return fmt.Errorf("failed to insert interaction: %w", err)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) GetFocusSession(ctx context.Context, id string) (*session.FocusSession, error) {
	sessions, err := s.querySessions(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("focus session %s: %w", id, storage.ErrNotFound)
	}
	return sessions[0], nil
}

func (s *SQLiteStore) GetCurrentFocusSession(ctx context.Context) (*session.FocusSession, error) {
	sessions, err := s.querySessions(ctx, `WHERE status = ?`, session.StatusCurrent)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return sessions[0], nil
}

func (s *SQLiteStore) GetFutureFocusSessions(ctx context.Context) ([]*session.FocusSession, error) {
	return s.querySessions(ctx, `WHERE status = ? ORDER BY start_time ASC`, session.StatusFuture)
}

func (s *SQLiteStore) GetPastFocusSessions(ctx context.Context) ([]*session.FocusSession, error) {
	return s.querySessions(ctx, `WHERE status = ? ORDER BY start_time ASC`, session.StatusPast)
}

func (s *SQLiteStore) GetPreviousFocusSession(ctx context.Context) (*session.FocusSession, error) {
	sessions, err := s.querySessions(ctx, `WHERE status = ? ORDER BY end_time DESC LIMIT 1`, session.StatusPast)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return sessions[0], nil
}

func (s *SQLiteStore) querySessions(ctx context.Context, where string, args ...interface{}) ([]*session.FocusSession, error) {
	query := `SELECT id, start_time, end_time, original_end_time, status, rating FROM focus_sessions ` + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query focus sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.FocusSession
	for rows.Next() {
		fs := &session.FocusSession{Interactions: make(map[string][]session.Interaction)}
		if err := rows.Scan(&fs.ID, &fs.StartTime, &fs.EndTime, &fs.OriginalEndTime, &fs.Status, &fs.Rating); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, fs)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	for _, fs := range sessions {
		if err := s.loadSessionDetails(ctx, fs); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (s *SQLiteStore) loadSessionDetails(ctx context.Context, fs *session.FocusSession) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT goal FROM focus_goals WHERE session_id = ? ORDER BY position ASC`, fs.ID)
	if err != nil {
		return fmt.Errorf("failed to query goals: %w", err)
	}
	for rows.Next() {
		var goal string
		if err := rows.Scan(&goal); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan goal row: %w", err)
		}
		fs.Goals = append(fs.Goals, goal)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating goal rows: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT service_id, start_time, end_time FROM interactions WHERE session_id = ? ORDER BY start_time ASC`, fs.ID)
	if err != nil {
		return fmt.Errorf("failed to query interactions: %w", err)
	}
	for rows.Next() {
		var serviceID string
		var iv session.Interaction
		if err := rows.Scan(&serviceID, &iv.Start, &iv.End); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan interaction row: %w", err)
		}
		fs.Interactions[serviceID] = append(fs.Interactions[serviceID], iv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating interaction rows: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT service_id, title, body, timestamp FROM notifications WHERE session_id = ? ORDER BY timestamp ASC`, fs.ID)
	if err != nil {
		return fmt.Errorf("failed to query notifications: %w", err)
	}
	for rows.Next() {
		var n event.Notification
		var title, body sql.NullString
		if err := rows.Scan(&n.ServiceID, &title, &body, &n.Timestamp); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan notification row: %w", err)
		}
		n.Title = title.String
		n.Body = body.String
		fs.Notifications = append(fs.Notifications, n)
	}
	rows.Close()
	return rows.Err()
}

func (s *SQLiteStore) DeleteFocusSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM focus_goals WHERE session_id = ?`,
		`DELETE FROM interactions WHERE session_id = ?`,
		`DELETE FROM notifications WHERE session_id = ?`,
		`DELETE FROM focus_sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete focus session %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// --- Notifications ---

func (s *SQLiteStore) AppendSessionNotification(ctx context.Context, sessionID string, n event.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (session_id, service_id, title, body, timestamp) VALUES (?, ?, ?, ?, ?)`,
		sessionID, n.ServiceID, n.Title, n.Body, n.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append session notification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ArchiveNotification(ctx context.Context, n event.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (session_id, service_id, title, body, timestamp) VALUES (NULL, ?, ?, ?, ?)`,
		n.ServiceID, n.Title, n.Body, n.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to archive notification: %w", err)
	}
	return nil
}

// --- Services ---

func (s *SQLiteStore) SaveService(ctx context.Context, rec storage.ServiceRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO services (id, name, auto_response, unread_count) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, auto_response = excluded.auto_response`,
		rec.ID, rec.Name, rec.AutoResponse, rec.UnreadCount)
	if err != nil {
		return fmt.Errorf("failed to save service: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetServices(ctx context.Context) ([]storage.ServiceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, auto_response, unread_count FROM services ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer rows.Close()

	var recs []storage.ServiceRecord
	for rows.Next() {
		var rec storage.ServiceRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.AutoResponse, &rec.UnreadCount); err != nil {
			return nil, fmt.Errorf("failed to scan service row: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) DeleteService(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("service %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) SetAutoResponse(ctx context.Context, id string, on bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE services SET auto_response = ? WHERE id = ?`, on, id)
	if err != nil {
		return fmt.Errorf("failed to set auto_response: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetUnreadCount(ctx context.Context, id string, count int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE services SET unread_count = ? WHERE id = ?`, count, id)
	if err != nil {
		return fmt.Errorf("failed to set unread_count: %w", err)
	}
	return nil
}

// --- Settings ---

func (s *SQLiteStore) GetSettings(ctx context.Context) (*storage.Settings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT short_focus_duration, medium_focus_duration, long_focus_duration, auto_response_message
		 FROM settings WHERE id = 1`)
	var set storage.Settings
	err := row.Scan(&set.ShortFocusDuration, &set.MediumFocusDuration, &set.LongFocusDuration, &set.AutoResponseMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return &set, nil
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, set *storage.Settings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (id, short_focus_duration, medium_focus_duration, long_focus_duration, auto_response_message)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			short_focus_duration = excluded.short_focus_duration,
			medium_focus_duration = excluded.medium_focus_duration,
			long_focus_duration = excluded.long_focus_duration,
			auto_response_message = excluded.auto_response_message`,
		set.ShortFocusDuration, set.MediumFocusDuration, set.LongFocusDuration, set.AutoResponseMessage)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// --- Markers ---

func (s *SQLiteStore) SaveAppMarker(ctx context.Context, kind string, at int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO app_markers (kind, timestamp) VALUES (?, ?)`, kind, at)
	if err != nil {
		return fmt.Errorf("failed to save app marker: %w", err)
	}
	return nil
}
