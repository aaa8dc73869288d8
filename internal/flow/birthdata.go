package flow

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

var (
	datePattern = regexp.MustCompile(`^\d{2}\.\d{2}\.\d{4}$`)
	timePattern = regexp.MustCompile(`^\d{2}:\d{2}$`)
)

// NextRequiredField derives the collection state from which of the required
// fields are present in the session. Fields are checked in collection order.
func NextRequiredField(s *models.SessionState, required []models.BirthField) models.CollectionState {
	for _, f := range models.BirthFields {
		if !containsField(required, f) {
			continue
		}
		if !s.Has(f) {
			return models.StateFor(f)
		}
	}
	return models.StateComplete
}

// ValidateField checks input against the format required for f and returns the
// normalized value.
func ValidateField(f models.BirthField, input string) (string, error) {
	v := strings.TrimSpace(input)
	switch f {
	case models.FieldDate:
		if !datePattern.MatchString(v) {
			return "", &models.ValidationError{Field: f, Input: input}
		}
	case models.FieldTime:
		if !timePattern.MatchString(v) {
			return "", &models.ValidationError{Field: f, Input: input}
		}
	case models.FieldPlace:
		if v == "" {
			return "", &models.ValidationError{Field: f, Input: input}
		}
	}
	return v, nil
}

// CollectResult is the outcome of feeding one input to the collector.
type CollectResult struct {
	Reply    string
	State    models.CollectionState // state after the input was processed
	Accepted bool
}

// Collector runs the birth-data state machine for one session.
type Collector struct {
	profiles store.ProfileStore
}

// NewCollector creates a collector that persists completed birth data to profiles.
func NewCollector(profiles store.ProfileStore) *Collector {
	return &Collector{profiles: profiles}
}

// Collect validates input for the next missing field of persona and stores it in
// the session. When the last required field is accepted the profile is upserted
// with every collected field. A malformed value leaves the session untouched and
// yields the re-prompt for the same field.
func (c *Collector) Collect(ctx context.Context, s *models.SessionState, displayName string, p *Persona, input string) (CollectResult, error) {
	state := NextRequiredField(s, RequiredFields(p.Role))
	if state == models.StateComplete {
		return CollectResult{State: state}, nil
	}
	field := state.Field()

	value, err := ValidateField(field, input)
	if err != nil {
		slog.Debug("Collector.Collect: rejected input", "userID", s.UserID, "field", field, "error", err)
		return CollectResult{Reply: repromptFor(field), State: state}, nil
	}
	s.Set(field, value)

	next := NextRequiredField(s, RequiredFields(p.Role))
	slog.Debug("Collector.Collect: field accepted", "userID", s.UserID, "role", p.Role, "field", field, "next", next)
	if next != models.StateComplete {
		return CollectResult{Reply: askFor(next.Field()), State: next, Accepted: true}, nil
	}

	if _, err := c.profiles.UpsertProfile(ctx, birthDataUpdate(s.UserID, displayName, s)); err != nil {
		slog.Error("Collector.Collect: failed to persist birth data", "userID", s.UserID, "error", err)
		return CollectResult{}, err
	}
	return CollectResult{Reply: p.Collected, State: models.StateComplete, Accepted: true}, nil
}

// birthDataUpdate carries the session's present birth fields into a profile upsert.
func birthDataUpdate(userID, displayName string, s *models.SessionState) models.ProfileUpdate {
	update := models.ProfileUpdate{UserID: userID, DisplayName: displayName}
	if s.BirthDate != "" {
		update.BirthDate = &s.BirthDate
	}
	if s.BirthTime != "" {
		update.BirthTime = &s.BirthTime
	}
	if s.BirthPlace != "" {
		update.BirthPlace = &s.BirthPlace
	}
	return update
}

// askFor is the prompt sent after the previous field was accepted.
func askFor(f models.BirthField) string {
	switch f {
	case models.FieldDate:
		return TextAskDate
	case models.FieldTime:
		return TextAskTime
	case models.FieldPlace:
		return TextAskPlace
	}
	return ""
}

// repromptFor is the text sent when input for f was rejected.
func repromptFor(f models.BirthField) string {
	switch f {
	case models.FieldDate:
		return TextDateFormat
	case models.FieldTime:
		return TextTimeFormat
	case models.FieldPlace:
		return TextAskPlace
	}
	return ""
}

func containsField(fields []models.BirthField, f models.BirthField) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}
