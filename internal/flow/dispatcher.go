package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// RequiredFields returns the birth fields role needs before it can answer.
func RequiredFields(role models.Role) []models.BirthField {
	switch role {
	case models.RoleAstrology:
		return []models.BirthField{models.FieldDate, models.FieldTime, models.FieldPlace}
	case models.RoleNumerology:
		return []models.BirthField{models.FieldDate}
	case models.RoleTarot, models.RoleCareer, models.RoleCoach, models.RolePsychologist, models.RoleNone:
		return nil
	}
	return nil
}

// Selection is what the dispatcher decided when a role was chosen.
type Selection struct {
	Reply models.Reply
	// Kickoff is a backend prompt whose answer replaces Reply when generation succeeds.
	Kickoff string
}

// SelectRole switches the session's single active-role slot to role and returns
// the text to show immediately. Birth data already in the session is kept; only
// the interpretation of what is missing follows the new role.
func SelectRole(s *models.SessionState, role models.Role) (Selection, error) {
	p := PersonaFor(role)
	if p == nil {
		return Selection{}, fmt.Errorf("%w: %q", models.ErrUnknownRole, role)
	}
	s.SelectRole(role)

	if role == models.RolePsychologist {
		return Selection{Reply: models.Reply{Text: TextChooseMethod, Options: MethodOptions()}}, nil
	}
	if state := NextRequiredField(s, RequiredFields(p.Role)); state != models.StateComplete {
		return Selection{Reply: models.TextReply(p.Resume[state.Field()])}, nil
	}
	return Selection{Reply: models.TextReply(p.Welcome), Kickoff: p.Kickoff}, nil
}

// ChooseMethod handles input while the psychologist waits for a therapy method.
// It accepts a method key or its button label. ok is false when input names no method.
func ChooseMethod(s *models.SessionState, input string) (reply models.Reply, ok bool) {
	m, err := models.ParseMethod(input)
	if err != nil {
		m = methodByLabel(input)
	}
	if m == models.MethodNone {
		return models.Reply{Text: TextMethodMissing, Options: MethodOptions()}, false
	}
	s.Method = m
	switch m {
	case models.MethodGestalt:
		return models.TextReply(TextGestalt), true
	case models.MethodUnsure:
		return models.TextReply(TextUnsure), true
	case models.MethodCBT, models.MethodPsychodynamic:
		return models.TextReply(fmt.Sprintf(TextMethodChosen, methodPhrases[m])), true
	case models.MethodNone:
	}
	return models.Reply{}, false
}

func methodByLabel(input string) models.TherapyMethod {
	for m, label := range methodLabels {
		if strings.EqualFold(label, strings.TrimSpace(input)) {
			return m
		}
	}
	return models.MethodNone
}
