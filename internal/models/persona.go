package models

import (
	"fmt"
	"strings"
)

// Role identifies the persona a user is talking to. The set is closed; RoleNone
// means no persona has been selected yet.
type Role string

const (
	RoleNone         Role = ""
	RoleTarot        Role = "tarot"
	RoleAstrology    Role = "astrology"
	RoleNumerology   Role = "numerology"
	RoleCareer       Role = "career_consultant"
	RoleCoach        Role = "self_development_coach"
	RolePsychologist Role = "psychologist"
)

// Roles lists every selectable persona in menu order.
var Roles = []Role{RolePsychologist, RoleCareer, RoleAstrology, RoleNumerology, RoleCoach, RoleTarot}

// Valid reports whether r is one of the selectable personas.
func (r Role) Valid() bool {
	switch r {
	case RoleTarot, RoleAstrology, RoleNumerology, RoleCareer, RoleCoach, RolePsychologist:
		return true
	case RoleNone:
		return false
	}
	return false
}

func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	return string(r)
}

// ParseRole converts a role key (with or without a leading slash) into a Role.
func ParseRole(s string) (Role, error) {
	key := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "/")
	r := Role(key)
	if !r.Valid() {
		return RoleNone, fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// TherapyMethod is the psychology sub-method chosen after selecting RolePsychologist.
type TherapyMethod string

const (
	MethodNone          TherapyMethod = ""
	MethodCBT           TherapyMethod = "cbt"
	MethodPsychodynamic TherapyMethod = "psychodynamic"
	MethodGestalt       TherapyMethod = "gestalt"
	MethodUnsure        TherapyMethod = "unsure"
)

// Methods lists the therapy methods in the order they are offered.
var Methods = []TherapyMethod{MethodCBT, MethodPsychodynamic, MethodGestalt, MethodUnsure}

// Valid reports whether m is one of the offered methods.
func (m TherapyMethod) Valid() bool {
	switch m {
	case MethodCBT, MethodPsychodynamic, MethodGestalt, MethodUnsure:
		return true
	case MethodNone:
		return false
	}
	return false
}

// ParseMethod converts a method key into a TherapyMethod.
func ParseMethod(s string) (TherapyMethod, error) {
	m := TherapyMethod(strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "/"))
	if !m.Valid() {
		return MethodNone, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
	return m, nil
}

// BirthField names one of the birth-data fields collected for astrology and numerology.
type BirthField string

const (
	FieldDate  BirthField = "date_of_birth"
	FieldTime  BirthField = "time_of_birth"
	FieldPlace BirthField = "place_of_birth"
)

// BirthFields lists the fields in collection order.
var BirthFields = []BirthField{FieldDate, FieldTime, FieldPlace}

// CollectionState is the birth-data collection step derived from which fields
// are present in a session.
type CollectionState string

const (
	StateNeedDate  CollectionState = "NEED_DATE"
	StateNeedTime  CollectionState = "NEED_TIME"
	StateNeedPlace CollectionState = "NEED_PLACE"
	StateComplete  CollectionState = "COMPLETE"
)

// Field returns the field a collection state is waiting for, or "" when complete.
func (s CollectionState) Field() BirthField {
	switch s {
	case StateNeedDate:
		return FieldDate
	case StateNeedTime:
		return FieldTime
	case StateNeedPlace:
		return FieldPlace
	case StateComplete:
		return ""
	}
	return ""
}

// StateFor returns the collection state that waits for field f.
func StateFor(f BirthField) CollectionState {
	switch f {
	case FieldDate:
		return StateNeedDate
	case FieldTime:
		return StateNeedTime
	case FieldPlace:
		return StateNeedPlace
	}
	return StateComplete
}
