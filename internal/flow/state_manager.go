// Package flow provides concrete implementations of state management.
package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// StoreBasedStateManager implements StateManager on top of the flow_states table.
type StoreBasedStateManager struct {
	store store.SessionStore
}

// NewStoreBasedStateManager creates a new StateManager backed by a SessionStore.
func NewStoreBasedStateManager(st store.SessionStore) *StoreBasedStateManager {
	slog.Debug("StoreBasedStateManager: created")
	return &StoreBasedStateManager{store: st}
}

// LoadSession retrieves the session for a user.
func (sm *StoreBasedStateManager) LoadSession(ctx context.Context, userID string) (models.SessionState, error) {
	flowState, err := sm.store.GetFlowState(ctx, userID, models.FlowTypePersona)
	if err != nil {
		slog.Error("StateManager.LoadSession: get failed", "error", err, "userID", userID)
		return models.SessionState{}, err
	}
	if flowState == nil {
		slog.Debug("StateManager.LoadSession: not found, starting fresh", "userID", userID)
		return models.SessionState{UserID: userID}, nil
	}
	s := models.SessionFromFlowState(*flowState)
	s.UserID = userID
	slog.Debug("StateManager.LoadSession: found", "userID", userID, "role", s.Role)
	return s, nil
}

// SaveSession stores the session, replacing the previous row.
func (sm *StoreBasedStateManager) SaveSession(ctx context.Context, s models.SessionState) error {
	flowState := s.ToFlowState()
	flowState.UpdatedAt = time.Now()
	if err := sm.store.SaveFlowState(ctx, flowState); err != nil {
		slog.Error("StateManager.SaveSession: save failed", "error", err, "userID", s.UserID, "role", s.Role)
		return err
	}
	slog.Debug("StateManager.SaveSession: succeeded", "userID", s.UserID, "role", s.Role)
	return nil
}
