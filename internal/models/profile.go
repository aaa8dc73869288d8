package models

import "time"

// UserProfile is the durable per-user record.
type UserProfile struct {
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActive   time.Time `json:"last_active"`
	TokensUsed   int64     `json:"tokens_used"`
	BirthDate    string    `json:"date_of_birth,omitempty"` // DD.MM.YYYY
	BirthTime    string    `json:"time_of_birth,omitempty"` // HH:MM
	BirthPlace   string    `json:"place_of_birth,omitempty"`
	Subscribed   bool      `json:"subscribed"`
}

// HasCompleteBirthData reports whether date, time and place are all present.
func (p UserProfile) HasCompleteBirthData() bool {
	return p.BirthDate != "" && p.BirthTime != "" && p.BirthPlace != ""
}

// ProfileUpdate carries one upsert. Nil birth fields leave the stored value untouched.
type ProfileUpdate struct {
	UserID      string
	DisplayName string
	TokensDelta int64
	BirthDate   *string
	BirthTime   *string
	BirthPlace  *string
}

// UpsertResult reports the outcome of an upsert. Created is true only for the
// call that inserted the record.
type UpsertResult struct {
	Created bool
	Profile UserProfile
}

// HistoryEntry is one line of a user's append-only conversation log.
type HistoryEntry struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Speaker   string    `json:"speaker"`
}
