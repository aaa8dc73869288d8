// Package store provides storage backends for PersonaPipe.
//
// This file implements a PostgreSQL-backed store for profiles, history and sessions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore relies on single-statement upserts, so concurrent turns for the
// same user never lose a token increment.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore.NewPostgresStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to open connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, u models.ProfileUpdate) (models.UpsertResult, error) {
	if strings.TrimSpace(u.UserID) == "" {
		return models.UpsertResult{}, models.ErrEmptyUserID
	}
	query := `
		INSERT INTO profiles (user_id, display_name, registered_at, last_active, tokens_used, birth_date, birth_time, birth_place, subscribed)
		VALUES ($1, $2, $3, $3, $4, $5, $6, $7, TRUE)
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name = '' THEN profiles.display_name ELSE EXCLUDED.display_name END,
			last_active = EXCLUDED.last_active,
			tokens_used = profiles.tokens_used + EXCLUDED.tokens_used,
			birth_date = COALESCE(EXCLUDED.birth_date, profiles.birth_date),
			birth_time = COALESCE(EXCLUDED.birth_time, profiles.birth_time),
			birth_place = COALESCE(EXCLUDED.birth_place, profiles.birth_place)
		RETURNING (xmax = 0), ` + profileColumns

	row := s.db.QueryRowContext(ctx, query, u.UserID, u.DisplayName, time.Now().UTC(), u.TokensDelta,
		nilIfEmpty(deref(u.BirthDate)), nilIfEmpty(deref(u.BirthTime)), nilIfEmpty(deref(u.BirthPlace)))

	var created bool
	var p models.UserProfile
	var date, tm, place sql.NullString
	err := row.Scan(&created, &p.UserID, &p.DisplayName, &p.RegisteredAt, &p.LastActive, &p.TokensUsed,
		&date, &tm, &place, &p.Subscribed)
	if err != nil {
		slog.Error("PostgresStore.UpsertProfile: failed", "error", err, "userID", u.UserID)
		return models.UpsertResult{}, wrapErr("upsert profile", u.UserID, err)
	}
	p.BirthDate, p.BirthTime, p.BirthPlace = date.String, tm.String, place.String
	slog.Debug("PostgresStore.UpsertProfile: succeeded", "userID", u.UserID, "created", created, "tokensUsed", p.TokensUsed)
	return models.UpsertResult{Created: created, Profile: p}, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID))
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.GetProfile: not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetProfile: failed", "error", err, "userID", userID)
		return nil, wrapErr("get profile", userID, err)
	}
	return &p, nil
}

func (s *PostgresStore) ClearBirthData(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET birth_date = NULL, birth_time = NULL, birth_place = NULL WHERE user_id = $1`, userID)
	if err != nil {
		slog.Error("PostgresStore.ClearBirthData: failed", "error", err, "userID", userID)
		return false, wrapErr("clear birth data", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("clear birth data", userID, err)
	}
	slog.Debug("PostgresStore.ClearBirthData: succeeded", "userID", userID, "found", n > 0)
	return n > 0, nil
}

func (s *PostgresStore) SetSubscribed(ctx context.Context, userID string, subscribed bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET subscribed = $1 WHERE user_id = $2`, subscribed, userID)
	if err != nil {
		slog.Error("PostgresStore.SetSubscribed: failed", "error", err, "userID", userID)
		return false, wrapErr("set subscribed", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("set subscribed", userID, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListSubscribedProfiles(ctx context.Context) ([]models.UserProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE subscribed ORDER BY user_id`)
	if err != nil {
		slog.Error("PostgresStore.ListSubscribedProfiles: query failed", "error", err)
		return nil, wrapErr("list subscribed", "", err)
	}
	defer rows.Close()

	var out []models.UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			slog.Error("PostgresStore.ListSubscribedProfiles: scan failed", "error", err)
			return nil, wrapErr("list subscribed", "", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list subscribed", "", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	if strings.TrimSpace(e.UserID) == "" {
		return models.ErrEmptyUserID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO history (user_id, ts, text, speaker) VALUES ($1, $2, $3, $4)`,
		e.UserID, e.Timestamp.UTC(), e.Text, e.Speaker)
	if err != nil {
		slog.Error("PostgresStore.AppendHistory: failed", "error", err, "userID", e.UserID)
		return wrapErr("append history", e.UserID, err)
	}
	slog.Debug("PostgresStore.AppendHistory: succeeded", "userID", e.UserID, "speaker", e.Speaker)
	return nil
}

func (s *PostgresStore) RecentHistory(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		return []models.HistoryEntry{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, ts, text, speaker FROM history WHERE user_id = $1 ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		slog.Error("PostgresStore.RecentHistory: query failed", "error", err, "userID", userID)
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
func (s *PostgresStore) SaveFlowState(ctx context.Context, state models.FlowState) error {
	if strings.TrimSpace(state.ParticipantID) == "" {
		return models.ErrEmptyUserID
	}
	query := `
		INSERT INTO flow_states (participant_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (participant_id, flow_type)
		DO UPDATE SET
			current_state = EXCLUDED.current_state,
			state_data = EXCLUDED.state_data,
			updated_at = EXCLUDED.updated_at`

	// Convert state_data map to JSON bytes
	var stateDataJSON []byte
	if len(state.StateData) > 0 {
		var err error
		stateDataJSON, err = json.Marshal(state.StateData)
		if err != nil {
			slog.Error("PostgresStore.SaveFlowState: JSON marshal failed", "error", err, "participantID", state.ParticipantID)
			return err
		}
	}
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, query, state.ParticipantID, state.FlowType, state.CurrentState,
		nilIfEmpty(string(stateDataJSON)), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveFlowState: failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return wrapErr("save session", state.ParticipantID, err)
	}
	slog.Debug("PostgresStore.SaveFlowState: succeeded", "participantID", state.ParticipantID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a participant.
func (s *PostgresStore) GetFlowState(ctx context.Context, participantID, flowType string) (*models.FlowState, error) {
	query := `SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
			  FROM flow_states WHERE participant_id = $1 AND flow_type = $2`

	var state models.FlowState
	var stateDataJSON []byte

	err := s.db.QueryRowContext(ctx, query, participantID, flowType).Scan(
		&state.ParticipantID, &state.FlowType, &state.CurrentState,
		&stateDataJSON, &state.CreatedAt, &state.UpdatedAt)

	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.GetFlowState: not found", "participantID", participantID, "flowType", flowType)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetFlowState: failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, wrapErr("get session", participantID, err)
	}

	state.StateData = make(map[string]string)
	if len(stateDataJSON) > 0 {
		if err := json.Unmarshal(stateDataJSON, &state.StateData); err != nil {
			slog.Error("PostgresStore.GetFlowState: JSON unmarshal failed", "error", err, "participantID", participantID)
			state.StateData = make(map[string]string)
		}
	}
	return &state, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore.Close: closing database connection")
	return s.db.Close()
}

// Compile-time interface checks.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
