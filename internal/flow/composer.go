package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// Compose builds the prompt sent to the generation backend for role. It uses the
// persona's cold-start template when history is empty and its continuation
// template otherwise. A *models.MissingStateError means the dispatcher let an
// ungated turn through.
func Compose(role models.Role, s *models.SessionState, history []models.HistoryEntry, text string) (string, error) {
	p := PersonaFor(role)
	if p == nil {
		return "", &models.MissingStateError{Role: role, Field: "role"}
	}
	for _, f := range RequiredFields(role) {
		if !s.Has(f) {
			return "", &models.MissingStateError{Role: role, Field: string(f)}
		}
	}

	data := promptData{
		Text:  text,
		Date:  s.BirthDate,
		Time:  s.BirthTime,
		Place: s.BirthPlace,
	}
	if role == models.RolePsychologist {
		if !s.Method.Valid() {
			return "", &models.MissingStateError{Role: role, Field: models.DataKeyMethod}
		}
		data.Method = methodPhrases[s.Method]
	}

	tmpl := p.ColdStart
	if len(history) > 0 {
		tmpl = p.Continuation
		data.Transcript = Transcript(history)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", tmpl.Name(), err)
	}
	return b.String(), nil
}

// Transcript serializes history as "speaker: text" lines, oldest first.
func Transcript(history []models.HistoryEntry) string {
	lines := make([]string, 0, len(history))
	for _, e := range history {
		lines = append(lines, e.Speaker+": "+e.Text)
	}
	return strings.Join(lines, "\n")
}

// DailyForecastPrompt renders the daily horoscope prompt for a profile with
// complete birth data. day is formatted YYYY-MM-DD.
func DailyForecastPrompt(p models.UserProfile, day string) (string, error) {
	if !p.HasCompleteBirthData() {
		return "", &models.MissingStateError{Role: models.RoleAstrology, Field: "birth data"}
	}
	var b strings.Builder
	err := dailyForecast.Execute(&b, promptData{Text: day, Date: p.BirthDate, Time: p.BirthTime, Place: p.BirthPlace})
	if err != nil {
		return "", fmt.Errorf("render daily forecast prompt: %w", err)
	}
	return b.String(), nil
}
