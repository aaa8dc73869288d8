// Package store provides storage backends for PersonaPipe.
//
// This file implements an SQLite-backed store for profiles, history and sessions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore keeps a single connection open so that every transaction is
// serialized; this makes the profile read-modify-write atomic per user.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore.NewSQLiteStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		slog.Debug("SQLiteStore.NewSQLiteStore: database directory verified/created", "dir", dir)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to open connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied successfully")

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, u models.ProfileUpdate) (models.UpsertResult, error) {
	if strings.TrimSpace(u.UserID) == "" {
		return models.UpsertResult{}, models.ErrEmptyUserID
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("SQLiteStore.UpsertProfile: begin failed", "error", err, "userID", u.UserID)
		return models.UpsertResult{}, wrapErr("upsert profile", u.UserID, err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM profiles WHERE user_id = ?`, u.UserID).Scan(&one)
	created := err == sql.ErrNoRows
	if err != nil && !created {
		slog.Error("SQLiteStore.UpsertProfile: lookup failed", "error", err, "userID", u.UserID)
		return models.UpsertResult{}, wrapErr("upsert profile", u.UserID, err)
	}

	now := s.now().UTC()
	date, tm, place := nilIfEmpty(deref(u.BirthDate)), nilIfEmpty(deref(u.BirthTime)), nilIfEmpty(deref(u.BirthPlace))
	if created {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO profiles (user_id, display_name, registered_at, last_active, tokens_used, birth_date, birth_time, birth_place, subscribed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			u.UserID, u.DisplayName, now, now, u.TokensDelta, date, tm, place)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE profiles SET
				display_name = CASE WHEN ? = '' THEN display_name ELSE ? END,
				last_active = ?,
				tokens_used = tokens_used + ?,
				birth_date = COALESCE(?, birth_date),
				birth_time = COALESCE(?, birth_time),
				birth_place = COALESCE(?, birth_place)
			WHERE user_id = ?`,
			u.DisplayName, u.DisplayName, now, u.TokensDelta, date, tm, place, u.UserID)
	}
	if err != nil {
		slog.Error("SQLiteStore.UpsertProfile: write failed", "error", err, "userID", u.UserID, "created", created)
		return models.UpsertResult{}, wrapErr("upsert profile", u.UserID, err)
	}

	p, err := scanProfile(tx.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, u.UserID))
	if err != nil {
		slog.Error("SQLiteStore.UpsertProfile: read back failed", "error", err, "userID", u.UserID)
		return models.UpsertResult{}, wrapErr("upsert profile", u.UserID, err)
	}
	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore.UpsertProfile: commit failed", "error", err, "userID", u.UserID)
		return models.UpsertResult{}, wrapErr("upsert profile", u.UserID, err)
	}
	slog.Debug("SQLiteStore.UpsertProfile: succeeded", "userID", u.UserID, "created", created, "tokensUsed", p.TokensUsed)
	return models.UpsertResult{Created: created, Profile: p}, nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, userID))
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetProfile: not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetProfile: failed", "error", err, "userID", userID)
		return nil, wrapErr("get profile", userID, err)
	}
	return &p, nil
}

func (s *SQLiteStore) ClearBirthData(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET birth_date = NULL, birth_time = NULL, birth_place = NULL WHERE user_id = ?`, userID)
	if err != nil {
		slog.Error("SQLiteStore.ClearBirthData: failed", "error", err, "userID", userID)
		return false, wrapErr("clear birth data", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("clear birth data", userID, err)
	}
	slog.Debug("SQLiteStore.ClearBirthData: succeeded", "userID", userID, "found", n > 0)
	return n > 0, nil
}

func (s *SQLiteStore) SetSubscribed(ctx context.Context, userID string, subscribed bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET subscribed = ? WHERE user_id = ?`, subscribed, userID)
	if err != nil {
		slog.Error("SQLiteStore.SetSubscribed: failed", "error", err, "userID", userID)
		return false, wrapErr("set subscribed", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("set subscribed", userID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListSubscribedProfiles(ctx context.Context) ([]models.UserProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE subscribed = 1 ORDER BY user_id`)
	if err != nil {
		slog.Error("SQLiteStore.ListSubscribedProfiles: query failed", "error", err)
		return nil, wrapErr("list subscribed", "", err)
	}
	defer rows.Close()

	var out []models.UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			slog.Error("SQLiteStore.ListSubscribedProfiles: scan failed", "error", err)
			return nil, wrapErr("list subscribed", "", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list subscribed", "", err)
	}
	slog.Debug("SQLiteStore.ListSubscribedProfiles: succeeded", "count", len(out))
	return out, nil
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	if strings.TrimSpace(e.UserID) == "" {
		return models.ErrEmptyUserID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO history (user_id, ts, text, speaker) VALUES (?, ?, ?, ?)`,
		e.UserID, e.Timestamp.UTC(), e.Text, e.Speaker)
	if err != nil {
		slog.Error("SQLiteStore.AppendHistory: failed", "error", err, "userID", e.UserID)
		return wrapErr("append history", e.UserID, err)
	}
	slog.Debug("SQLiteStore.AppendHistory: succeeded", "userID", e.UserID, "speaker", e.Speaker)
	return nil
}

func (s *SQLiteStore) RecentHistory(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		return []models.HistoryEntry{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, ts, text, speaker FROM history WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		slog.Error("SQLiteStore.RecentHistory: query failed", "error", err, "userID", userID)
		return nil, wrapErr("recent history", userID, err)
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, wrapErr("recent history", userID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("recent history", userID, err)
	}
	reverseEntries(entries)
	return entries, nil
}

// SaveFlowState stores or updates flow state for a participant.
func (s *SQLiteStore) SaveFlowState(ctx context.Context, state models.FlowState) error {
	if strings.TrimSpace(state.ParticipantID) == "" {
		return models.ErrEmptyUserID
	}
	query := `
		INSERT INTO flow_states (participant_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (participant_id, flow_type) DO UPDATE SET
			current_state = excluded.current_state,
			state_data = excluded.state_data,
			updated_at = excluded.updated_at`

	// Convert state_data map to JSON string for SQLite
	var stateDataJSON string
	if len(state.StateData) > 0 {
		jsonBytes, err := json.Marshal(state.StateData)
		if err != nil {
			slog.Error("SQLiteStore.SaveFlowState: JSON marshal failed", "error", err, "participantID", state.ParticipantID)
			return err
		}
		stateDataJSON = string(jsonBytes)
	}
	now := s.now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, query, state.ParticipantID, state.FlowType, state.CurrentState,
		stateDataJSON, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveFlowState: failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return wrapErr("save session", state.ParticipantID, err)
	}
	slog.Debug("SQLiteStore.SaveFlowState: succeeded", "participantID", state.ParticipantID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a participant.
func (s *SQLiteStore) GetFlowState(ctx context.Context, participantID, flowType string) (*models.FlowState, error) {
	query := `SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
			  FROM flow_states WHERE participant_id = ? AND flow_type = ?`

	var state models.FlowState
	var stateDataJSON sql.NullString

	err := s.db.QueryRowContext(ctx, query, participantID, flowType).Scan(
		&state.ParticipantID, &state.FlowType, &state.CurrentState,
		&stateDataJSON, &state.CreatedAt, &state.UpdatedAt)

	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetFlowState: not found", "participantID", participantID, "flowType", flowType)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetFlowState: failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, wrapErr("get session", participantID, err)
	}

	state.StateData = make(map[string]string)
	if stateDataJSON.String != "" {
		if err := json.Unmarshal([]byte(stateDataJSON.String), &state.StateData); err != nil {
			slog.Error("SQLiteStore.GetFlowState: JSON unmarshal failed", "error", err, "participantID", participantID)
			// Continue with empty map rather than failing
			state.StateData = make(map[string]string)
		}
	}
	return &state, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore.Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("SQLiteStore.Close: failed", "error", err)
	}
	return err
}
