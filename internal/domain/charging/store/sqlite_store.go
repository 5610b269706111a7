// SPDX-License-Identifier: MIT

// Package store persists charging sessions and pile records. It is the
// authoritative side of the three-way state; all writes happen here
// before any cache write.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evgrid/stationd/internal/domain/charging/model"
	"github.com/evgrid/stationd/internal/persistence/sqlite"
)

const schemaVersion = 1

// ErrNotFound is returned when a session or pile does not exist.
var ErrNotFound = errors.New("store: not found")

// SqliteStore implements the durable session and pile store on SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens (and migrates) the store at dbPath.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("charging store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		pile_id TEXT,
		queue_number TEXT,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_kwh REAL NOT NULL,
		actual_kwh REAL NOT NULL DEFAULT 0,
		duration_hours REAL NOT NULL DEFAULT 0,
		start_time_ms INTEGER,
		end_time_ms INTEGER,
		charging_fee REAL NOT NULL DEFAULT 0,
		service_fee REAL NOT NULL DEFAULT 0,
		total_fee REAL NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user_status ON sessions(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_start ON sessions(status, start_time_ms);
	CREATE INDEX IF NOT EXISTS idx_sessions_pile ON sessions(pile_id);

	CREATE TABLE IF NOT EXISTS piles (
		pile_id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		power_kw REAL NOT NULL,
		status TEXT NOT NULL,
		total_charges INTEGER NOT NULL DEFAULT 0,
		total_energy REAL NOT NULL DEFAULT 0,
		total_revenue REAL NOT NULL DEFAULT 0
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Session CRUD ---

const sessionColumns = `session_id, user_id, pile_id, queue_number, mode, status,
	requested_kwh, actual_kwh, duration_hours, start_time_ms, end_time_ms,
	charging_fee, service_fee, total_fee, created_at_ms, updated_at_ms`

// CreateSession inserts a new session row.
func (s *SqliteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO sessions (`+sessionColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, nullStr(sess.PileID), nullStr(sess.QueueNumber),
		string(sess.Mode), string(sess.Status),
		sess.RequestedKWH, sess.ActualKWH, sess.DurationHours,
		timeToNullMs(sess.StartTime), timeToNullMs(sess.EndTime),
		sess.ChargingFee, sess.ServiceFee, sess.TotalFee,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	return err
}

// GetSession loads one session. Returns ErrNotFound when absent.
func (s *SqliteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	return scanSession(row)
}

// UpdateSessionIf runs a read-decide-write transaction: the session is
// loaded, the status predicate checked, fn applied, and the row written
// back — all in one transaction. Returns (nil, false, nil) when the
// predicate fails, which callers treat as "someone got there first".
// Terminal sessions never match a predicate, so they never mutate.
func (s *SqliteStore) UpdateSessionIf(ctx context.Context, id string, expected []model.SessionStatus, fn func(*model.Session) error) (*model.Session, bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, false, err
	}

	if len(expected) > 0 {
		match := false
		for _, st := range expected {
			if sess.Status == st {
				match = true
				break
			}
		}
		if !match {
			return nil, false, nil
		}
	}

	if err := fn(sess); err != nil {
		return nil, false, err
	}
	sess.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
	UPDATE sessions SET
		user_id = ?, pile_id = ?, queue_number = ?, mode = ?, status = ?,
		requested_kwh = ?, actual_kwh = ?, duration_hours = ?,
		start_time_ms = ?, end_time_ms = ?,
		charging_fee = ?, service_fee = ?, total_fee = ?, updated_at_ms = ?
	WHERE session_id = ?`,
		sess.UserID, nullStr(sess.PileID), nullStr(sess.QueueNumber), string(sess.Mode), string(sess.Status),
		sess.RequestedKWH, sess.ActualKWH, sess.DurationHours,
		timeToNullMs(sess.StartTime), timeToNullMs(sess.EndTime),
		sess.ChargingFee, sess.ServiceFee, sess.TotalFee, sess.UpdatedAt.UnixMilli(),
		sess.SessionID,
	)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// UpdateSession is UpdateSessionIf without a status predicate.
func (s *SqliteStore) UpdateSession(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	sess, _, err := s.UpdateSessionIf(ctx, id, nil, fn)
	return sess, err
}

// ActiveSessionForUser returns the user's most recent non-terminal
// session, or ErrNotFound.
func (s *SqliteStore) ActiveSessionForUser(ctx context.Context, userID string) (*model.Session, error) {
	row := s.DB.QueryRowContext(ctx, `
	SELECT `+sessionColumns+` FROM sessions
	WHERE user_id = ? AND status NOT IN (?, ?, ?)
	ORDER BY created_at_ms DESC LIMIT 1`,
		userID, string(model.StatusCompleted), string(model.StatusCancelled), string(model.StatusFaultCompleted))
	return scanSession(row)
}

// SessionsByStatus returns all sessions in any of the given statuses.
func (s *SqliteStore) SessionsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]*model.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status IN (`
	args := make([]interface{}, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, string(st))
	}
	query += ") ORDER BY created_at_ms"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ActiveSessionOnPile returns the unique session on the pile whose
// status is one of the given set, preferring the most recently started.
func (s *SqliteStore) ActiveSessionOnPile(ctx context.Context, pileID string, statuses ...model.SessionStatus) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE pile_id = ? AND status IN (`
	args := []interface{}{pileID}
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, string(st))
	}
	query += ") ORDER BY start_time_ms DESC LIMIT 1"
	row := s.DB.QueryRowContext(ctx, query, args...)
	return scanSession(row)
}

// CompletingOlderThan returns COMPLETING sessions whose charge started
// before the cutoff; these are the timeout sweeper's candidates.
func (s *SqliteStore) CompletingOlderThan(ctx context.Context, cutoff time.Time) ([]*model.Session, error) {
	rows, err := s.DB.QueryContext(ctx, `
	SELECT `+sessionColumns+` FROM sessions
	WHERE status = ? AND start_time_ms IS NOT NULL AND start_time_ms < ?`,
		string(model.StatusCompleting), cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TerminalSessionsForUser returns the user's finished sessions, newest
// first, for the history/reporting collaborator.
func (s *SqliteStore) TerminalSessionsForUser(ctx context.Context, userID string, limit int) ([]*model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
	SELECT `+sessionColumns+` FROM sessions
	WHERE user_id = ? AND status IN (?, ?, ?)
	ORDER BY created_at_ms DESC LIMIT ?`,
		userID, string(model.StatusCompleted), string(model.StatusCancelled), string(model.StatusFaultCompleted), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- Piles ---

// UpsertPile creates or replaces the pile row, preserving lifetime
// stats on replace.
func (s *SqliteStore) UpsertPile(ctx context.Context, p *model.PileRecord) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO piles (pile_id, mode, power_kw, status, total_charges, total_energy, total_revenue)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(pile_id) DO UPDATE SET
		mode = excluded.mode,
		power_kw = excluded.power_kw,
		status = excluded.status`,
		p.PileID, string(p.Mode), p.PowerKW, p.Status, p.TotalCharges, p.TotalEnergy, p.TotalRevenue)
	return err
}

// GetPile loads one pile record, or ErrNotFound.
func (s *SqliteStore) GetPile(ctx context.Context, pileID string) (*model.PileRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
	SELECT pile_id, mode, power_kw, status, total_charges, total_energy, total_revenue
	FROM piles WHERE pile_id = ?`, pileID)
	return scanPile(row)
}

// ListPiles returns all pile records ordered by id.
func (s *SqliteStore) ListPiles(ctx context.Context) ([]*model.PileRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
	SELECT pile_id, mode, power_kw, status, total_charges, total_energy, total_revenue
	FROM piles ORDER BY pile_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.PileRecord
	for rows.Next() {
		p, err := scanPile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPileStatus updates only the operational status.
func (s *SqliteStore) SetPileStatus(ctx context.Context, pileID, status string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE piles SET status = ? WHERE pile_id = ?`, status, pileID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddPileStats increments the pile lifetime counters. Stats only grow;
// they are written exactly once per terminal session transition.
func (s *SqliteStore) AddPileStats(ctx context.Context, pileID string, energyKWH, revenue float64) error {
	_, err := s.DB.ExecContext(ctx, `
	UPDATE piles SET
		total_charges = total_charges + 1,
		total_energy = total_energy + ?,
		total_revenue = total_revenue + ?
	WHERE pile_id = ?`, energyKWH, revenue, pileID)
	return err
}

// --- Helpers ---

func scanSession(scanner interface{ Scan(dest ...interface{}) error }) (*model.Session, error) {
	var sess model.Session
	var pileID, queueNo sql.NullString
	var mode, status string
	var startMs, endMs sql.NullInt64
	var createdMs, updatedMs int64

	err := scanner.Scan(
		&sess.SessionID, &sess.UserID, &pileID, &queueNo, &mode, &status,
		&sess.RequestedKWH, &sess.ActualKWH, &sess.DurationHours,
		&startMs, &endMs,
		&sess.ChargingFee, &sess.ServiceFee, &sess.TotalFee,
		&createdMs, &updatedMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	sess.PileID = pileID.String
	sess.QueueNumber = queueNo.String
	sess.Mode = model.Mode(mode)
	sess.Status = model.SessionStatus(status)
	sess.StartTime = msToTime(startMs)
	sess.EndTime = msToTime(endMs)
	sess.CreatedAt = time.UnixMilli(createdMs)
	sess.UpdatedAt = time.UnixMilli(updatedMs)
	return &sess, nil
}

func scanPile(scanner interface{ Scan(dest ...interface{}) error }) (*model.PileRecord, error) {
	var p model.PileRecord
	var mode string
	err := scanner.Scan(&p.PileID, &mode, &p.PowerKW, &p.Status, &p.TotalCharges, &p.TotalEnergy, &p.TotalRevenue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Mode = model.Mode(mode)
	return &p, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timeToNullMs(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func msToTime(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}
