// Package store provides storage backends for PersonaPipe.
//
// It defines the profile, history and session store contracts and ships an
// in-memory implementation alongside the SQLite and PostgreSQL backends.
package store

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// ProfileStore holds one record per user id.
type ProfileStore interface {
	// UpsertProfile creates the profile on first contact or updates it in place.
	// The update is atomic per user: the token counter is incremented, last-active
	// refreshed, and only the non-nil, non-empty birth fields overwritten.
	UpsertProfile(ctx context.Context, u models.ProfileUpdate) (models.UpsertResult, error)
	// GetProfile returns nil without error when the profile does not exist.
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	// ClearBirthData resets the birth fields and reports whether the profile exists.
	ClearBirthData(ctx context.Context, userID string) (bool, error)
	// SetSubscribed flips the daily-forecast subscription flag and reports whether the profile exists.
	SetSubscribed(ctx context.Context, userID string, subscribed bool) (bool, error)
	// ListSubscribedProfiles returns every subscribed profile ordered by user id.
	ListSubscribedProfiles(ctx context.Context) ([]models.UserProfile, error)
}

// HistoryStore is an append-only per-user conversation log.
type HistoryStore interface {
	AppendHistory(ctx context.Context, e models.HistoryEntry) error
	// RecentHistory returns at most limit entries, oldest-first. Unknown users
	// yield an empty slice.
	RecentHistory(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error)
}

// SessionStore persists conversation state rows keyed by participant and flow type.
type SessionStore interface {
	SaveFlowState(ctx context.Context, state models.FlowState) error
	// GetFlowState returns nil without error when no row exists.
	GetFlowState(ctx context.Context, participantID, flowType string) (*models.FlowState, error)
}

// Store is the full persistence surface used by PersonaPipe.
type Store interface {
	ProfileStore
	HistoryStore
	SessionStore
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string or sqlite file path
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// InMemoryStore is a mutex-guarded Store used by tests and the "none" transport.
type InMemoryStore struct {
	mu       sync.Mutex
	profiles map[string]models.UserProfile
	history  map[string][]models.HistoryEntry
	flows    map[string]models.FlowState
	now      func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles: make(map[string]models.UserProfile),
		history:  make(map[string][]models.HistoryEntry),
		flows:    make(map[string]models.FlowState),
		now:      time.Now,
	}
}

func (s *InMemoryStore) UpsertProfile(ctx context.Context, u models.ProfileUpdate) (models.UpsertResult, error) {
	if strings.TrimSpace(u.UserID) == "" {
		return models.UpsertResult{}, models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p, exists := s.profiles[u.UserID]
	if !exists {
		p = models.UserProfile{
			UserID:       u.UserID,
			RegisteredAt: now,
			Subscribed:   true,
		}
	}
	if u.DisplayName != "" {
		p.DisplayName = u.DisplayName
	}
	p.LastActive = now
	p.TokensUsed += u.TokensDelta
	applyBirthFields(&p, u)
	s.profiles[u.UserID] = p

	slog.Debug("InMemoryStore.UpsertProfile: profile saved", "userID", u.UserID, "created", !exists, "tokensDelta", u.TokensDelta)
	return models.UpsertResult{Created: !exists, Profile: p}, nil
}

func (s *InMemoryStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) ClearBirthData(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return false, nil
	}
	p.BirthDate, p.BirthTime, p.BirthPlace = "", "", ""
	s.profiles[userID] = p
	return true, nil
}

func (s *InMemoryStore) SetSubscribed(ctx context.Context, userID string, subscribed bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return false, nil
	}
	p.Subscribed = subscribed
	s.profiles[userID] = p
	return true, nil
}

func (s *InMemoryStore) ListSubscribedProfiles(ctx context.Context) ([]models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UserProfile
	for _, p := range s.profiles {
		if p.Subscribed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *InMemoryStore) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	if strings.TrimSpace(e.UserID) == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.history[e.UserID] = append(s.history[e.UserID], e)
	return nil
}

func (s *InMemoryStore) RecentHistory(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[userID]
	if limit <= 0 || len(entries) == 0 {
		return []models.HistoryEntry{}, nil
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]models.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *InMemoryStore) SaveFlowState(ctx context.Context, state models.FlowState) error {
	if strings.TrimSpace(state.ParticipantID) == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flowKey(state.ParticipantID, state.FlowType)
	if prev, ok := s.flows[key]; ok && !prev.CreatedAt.IsZero() {
		state.CreatedAt = prev.CreatedAt
	}
	data := make(map[string]string, len(state.StateData))
	for k, v := range state.StateData {
		data[k] = v
	}
	state.StateData = data
	s.flows[key] = state
	return nil
}

func (s *InMemoryStore) GetFlowState(ctx context.Context, participantID, flowType string) (*models.FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.flows[flowKey(participantID, flowType)]
	if !ok {
		return nil, nil
	}
	data := make(map[string]string, len(state.StateData))
	for k, v := range state.StateData {
		data[k] = v
	}
	state.StateData = data
	return &state, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func flowKey(participantID, flowType string) string {
	return participantID + "\x00" + flowType
}

// applyBirthFields overwrites only the birth fields that were supplied.
func applyBirthFields(p *models.UserProfile, u models.ProfileUpdate) {
	if v := deref(u.BirthDate); v != "" {
		p.BirthDate = v
	}
	if v := deref(u.BirthTime); v != "" {
		p.BirthTime = v
	}
	if v := deref(u.BirthPlace); v != "" {
		p.BirthPlace = v
	}
}
