// Package testutil provides common test doubles and helpers for PersonaPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// ErrScriptExhausted is returned by ScriptedGenerator when no step is left
// and no default is configured.
var ErrScriptExhausted = errors.New("scripted generator has no more steps")

// Step is one scripted generator outcome.
type Step struct {
	Text   string
	Tokens int64
	Err    error
}

// ScriptedGenerator implements genai.Generator by replaying steps in order.
// Once the script is used up it keeps returning Default.
type ScriptedGenerator struct {
	mu      sync.Mutex
	steps   []Step
	prompts []string
	Default *Step
}

// NewScriptedGenerator creates a generator that replays steps.
func NewScriptedGenerator(steps ...Step) *ScriptedGenerator {
	return &ScriptedGenerator{steps: steps}
}

// Generate returns the next scripted step.
func (g *ScriptedGenerator) Generate(ctx context.Context, prompt string) (genai.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)

	var step Step
	switch {
	case len(g.steps) > 0:
		step, g.steps = g.steps[0], g.steps[1:]
	case g.Default != nil:
		step = *g.Default
	default:
		return genai.Completion{}, ErrScriptExhausted
	}
	if step.Err != nil {
		return genai.Completion{}, step.Err
	}
	return genai.Completion{Text: step.Text, TokensUsed: step.Tokens}, nil
}

// Prompts returns every prompt received so far.
func (g *ScriptedGenerator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// Outbound is a message captured by RecordingService.
type Outbound struct {
	To    string
	Reply models.Reply
}

// RecordingService is an in-memory messaging service: tests push inbound
// responses with Deliver and read what was sent with Sent.
type RecordingService struct {
	mu        sync.Mutex
	sent      []Outbound
	notify    chan struct{}
	responses chan models.Response
	stopOnce  sync.Once
}

// NewRecordingService creates a RecordingService.
func NewRecordingService() *RecordingService {
	return &RecordingService{
		notify:    make(chan struct{}, 1),
		responses: make(chan models.Response, 64),
	}
}

func (s *RecordingService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	return recipient, nil
}

func (s *RecordingService) SendMessage(ctx context.Context, to, body string) error {
	return s.SendReply(ctx, to, models.TextReply(body))
}

func (s *RecordingService) SendReply(ctx context.Context, to string, reply models.Reply) error {
	s.mu.Lock()
	s.sent = append(s.sent, Outbound{To: to, Reply: reply})
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *RecordingService) Start(ctx context.Context) error { return nil }

func (s *RecordingService) Stop() error {
	s.stopOnce.Do(func() { close(s.responses) })
	return nil
}

func (s *RecordingService) Responses() <-chan models.Response { return s.responses }

// Deliver simulates an inbound message.
func (s *RecordingService) Deliver(r models.Response) {
	s.responses <- r
}

// Sent returns a copy of everything sent so far.
func (s *RecordingService) Sent() []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outbound(nil), s.sent...)
}

// WaitForSent blocks until at least n messages were sent or ctx ends.
func (s *RecordingService) WaitForSent(ctx context.Context, n int) ([]Outbound, error) {
	for {
		if sent := s.Sent(); len(sent) >= n {
			return sent, nil
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return s.Sent(), ctx.Err()
		}
	}
}

// SeedProfile creates a profile with the given birth data. Empty fields are left unset.
func SeedProfile(t *testing.T, st store.ProfileStore, userID, date, clock, place string) models.UserProfile {
	t.Helper()
	res, err := st.UpsertProfile(context.Background(), models.ProfileUpdate{
		UserID:     userID,
		BirthDate:  &date,
		BirthTime:  &clock,
		BirthPlace: &place,
	})
	if err != nil {
		t.Fatalf("failed to seed profile %s: %v", userID, err)
	}
	return res.Profile
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, msg string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", msg, expected, actual)
	}
}

// AssertJSONStatus decodes an API envelope, checks its status field and
// unmarshals the result into result when it is non-nil.
func AssertJSONStatus(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus, result interface{}) models.APIResponse {
	t.Helper()
	var envelope struct {
		models.APIResponse
		Result json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
	if envelope.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, envelope.Status)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
	return envelope.APIResponse
}
