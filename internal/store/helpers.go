package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType reports whether dsn addresses PostgreSQL or an SQLite file.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DSNTypePostgres
	}
	// key=value connection strings, e.g. "host=localhost user=app dbname=pp"
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// wrapErr turns a driver error into a StoreError so callers can abort the turn.
func wrapErr(op, userID string, err error) error {
	if err == nil {
		return nil
	}
	return &models.StoreError{Op: op, UserID: userID, Err: err}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanProfile scans the profile column list shared by both SQL backends.
func scanProfile(row rowScanner) (models.UserProfile, error) {
	var p models.UserProfile
	var date, tm, place sql.NullString
	err := row.Scan(&p.UserID, &p.DisplayName, &p.RegisteredAt, &p.LastActive, &p.TokensUsed,
		&date, &tm, &place, &p.Subscribed)
	if err != nil {
		return p, err
	}
	p.BirthDate = date.String
	p.BirthTime = tm.String
	p.BirthPlace = place.String
	return p, nil
}

// reverseEntries flips a newest-first slice in place.
func reverseEntries(entries []models.HistoryEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

func scanHistory(rows *sql.Rows) (models.HistoryEntry, error) {
	var e models.HistoryEntry
	if err := rows.Scan(&e.UserID, &e.Timestamp, &e.Text, &e.Speaker); err != nil {
		return e, fmt.Errorf("scan history entry failed: %w", err)
	}
	return e, nil
}

const profileColumns = `user_id, display_name, registered_at, last_active, tokens_used, birth_date, birth_time, birth_place, subscribed`
