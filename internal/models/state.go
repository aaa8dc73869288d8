// Package models defines state management structures for PersonaPipe sessions.
package models

import "time"

// FlowTypePersona is the flow type under which sessions are persisted.
const FlowTypePersona = "persona"

// FlowState is the persisted form of a conversation state row.
type FlowState struct {
	ParticipantID string            `json:"participant_id"`
	FlowType      string            `json:"flow_type"`
	CurrentState  string            `json:"current_state"`
	StateData     map[string]string `json:"state_data,omitempty"` // Additional state-specific data
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Keys used in FlowState.StateData for a persona session.
const (
	DataKeyMethod = "psychology_method"
)

// SessionState is the per-user conversation context: the single active role,
// the psychology method, and birth data captured so far. Empty strings mean absent.
type SessionState struct {
	UserID     string        `json:"user_id"`
	Role       Role          `json:"role"`
	Method     TherapyMethod `json:"psychology_method,omitempty"`
	BirthDate  string        `json:"date_of_birth,omitempty"`
	BirthTime  string        `json:"time_of_birth,omitempty"`
	BirthPlace string        `json:"place_of_birth,omitempty"`
}

// Get returns the value stored for f.
func (s *SessionState) Get(f BirthField) string {
	switch f {
	case FieldDate:
		return s.BirthDate
	case FieldTime:
		return s.BirthTime
	case FieldPlace:
		return s.BirthPlace
	}
	return ""
}

// Has reports whether f is present.
func (s *SessionState) Has(f BirthField) bool {
	return s.Get(f) != ""
}

// Set stores v for f unless the field is already present. Fields are frozen once
// written; it returns false when the write was refused.
func (s *SessionState) Set(f BirthField, v string) bool {
	if s.Has(f) || v == "" {
		return false
	}
	switch f {
	case FieldDate:
		s.BirthDate = v
	case FieldTime:
		s.BirthTime = v
	case FieldPlace:
		s.BirthPlace = v
	default:
		return false
	}
	return true
}

// ClearBirthData resets all birth fields to absent.
func (s *SessionState) ClearBirthData() {
	s.BirthDate = ""
	s.BirthTime = ""
	s.BirthPlace = ""
}

// SelectRole overwrites the single active-role slot. The psychology method is
// reset so it must be chosen again.
func (s *SessionState) SelectRole(r Role) {
	s.Role = r
	s.Method = MethodNone
}

// ToFlowState converts the session into its persisted row.
func (s *SessionState) ToFlowState() FlowState {
	data := map[string]string{}
	if s.Method != MethodNone {
		data[DataKeyMethod] = string(s.Method)
	}
	for _, f := range BirthFields {
		if v := s.Get(f); v != "" {
			data[string(f)] = v
		}
	}
	return FlowState{
		ParticipantID: s.UserID,
		FlowType:      FlowTypePersona,
		CurrentState:  string(s.Role),
		StateData:     data,
	}
}

// SessionFromFlowState rebuilds a session from its persisted row. Unknown role
// or method values decode as absent.
func SessionFromFlowState(fs FlowState) SessionState {
	s := SessionState{UserID: fs.ParticipantID}
	if r := Role(fs.CurrentState); r.Valid() {
		s.Role = r
	}
	if m := TherapyMethod(fs.StateData[DataKeyMethod]); m.Valid() {
		s.Method = m
	}
	for _, f := range BirthFields {
		s.Set(f, fs.StateData[string(f)])
	}
	return s
}
