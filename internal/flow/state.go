// Package flow defines state management interfaces for persona sessions.
package flow

import (
	"context"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// StateManager defines the interface for managing per-user session state.
type StateManager interface {
	// LoadSession returns the user's session, or a fresh one when none is stored
	LoadSession(ctx context.Context, userID string) (models.SessionState, error)

	// SaveSession persists the session
	SaveSession(ctx context.Context, s models.SessionState) error
}
