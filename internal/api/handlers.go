package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/go-chi/chi/v5"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Text        string `json:"text"`
}

// Validate checks the request fields.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("missing required field: user_id")
	}
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("missing required field: text")
	}
	if len(r.Text) > models.MaxMessageLength {
		return errors.New("text exceeds maximum length")
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "personapipe"}))
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	profile, err := s.profiles.GetProfile(r.Context(), userID)
	if err != nil {
		slog.Error("Server.getUserHandler: failed to load profile", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load profile"))
		return
	}
	if profile == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(models.ErrProfileNotFound.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(profile))
}

func (s *Server) getHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := models.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			slog.Warn("Server.getHistoryHandler: invalid limit", "limit", raw)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = min(n, MaxHistoryLimit)
	}

	entries, err := s.history.RecentHistory(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Server.getHistoryHandler: failed to load history", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load history"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.chatHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	reply, err := s.conv.Handle(r.Context(), req.UserID, req.DisplayName, req.Text)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			slog.Debug("Server.chatHandler: request cancelled", "userID", req.UserID)
			return
		}
		slog.Error("Server.chatHandler: turn failed", "error", err, "userID", req.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}
