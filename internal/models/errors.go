package models

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRole is returned when a role key is not one of the personas.
	ErrUnknownRole = errors.New("unknown role")
	// ErrUnknownMethod is returned when a therapy method key is not recognized.
	ErrUnknownMethod = errors.New("unknown therapy method")
	// ErrEmptyUserID is returned by stores and the pipeline for a blank user id.
	ErrEmptyUserID = errors.New("user id cannot be empty")
	// ErrProfileNotFound is returned by operations that require an existing profile.
	ErrProfileNotFound = errors.New("profile not found")
)

// ValidationError reports malformed birth-data input. The caller re-prompts
// for the same field.
type ValidationError struct {
	Field BirthField
	Input string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Input)
}

// MissingStateError reports that a prompt was composed for a role whose
// required session fields are absent. It indicates a gating bug.
type MissingStateError struct {
	Role  Role
	Field string
}

func (e *MissingStateError) Error() string {
	return fmt.Sprintf("missing %s for role %s", e.Field, e.Role)
}

// GenerationError wraps a failed call to the text-generation backend.
type GenerationError struct {
	Role Role
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed for role %s: %v", e.Role, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure. The turn that hit it is aborted.
type StoreError struct {
	Op     string
	UserID string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s for user %s: %v", e.Op, e.UserID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
