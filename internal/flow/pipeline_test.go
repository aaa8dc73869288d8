package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// mockGenerator records prompts and returns a canned completion.
type mockGenerator struct {
	mu      sync.Mutex
	prompts []string
	text    string
	tokens  int64
	err     error
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string) (genai.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return genai.Completion{}, m.err
	}
	return genai.Completion{Text: m.text, TokensUsed: m.tokens}, nil
}

func (m *mockGenerator) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *mockGenerator) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

// recordingSink implements Announcer, Notifier and Sender.
type recordingSink struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (r *recordingSink) record(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, s)
	return nil
}

func (r *recordingSink) Announce(ctx context.Context, userID, text string) error {
	return r.record(userID + "|" + text)
}

func (r *recordingSink) NotifyAdmin(ctx context.Context, text string) error {
	return r.record(text)
}

func (r *recordingSink) SendMessage(ctx context.Context, to, body string) error {
	return r.record(to + "|" + body)
}

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

type pipelineFixture struct {
	store     *store.InMemoryStore
	gen       *mockGenerator
	announcer *recordingSink
	notifier  *recordingSink
	pipeline  *Pipeline
}

func newFixture() *pipelineFixture {
	f := &pipelineFixture{
		store:     store.NewInMemoryStore(),
		gen:       &mockGenerator{text: "generated reply", tokens: 7},
		announcer: &recordingSink{},
		notifier:  &recordingSink{},
	}
	f.pipeline = NewPipeline(f.store, f.gen, WithAnnouncer(f.announcer), WithNotifier(f.notifier))
	return f
}

func (f *pipelineFixture) send(t *testing.T, userID, text string) models.Reply {
	t.Helper()
	reply, err := f.pipeline.Handle(context.Background(), userID, "Anna", text)
	if err != nil {
		t.Fatalf("Handle(%q) returned error: %v", text, err)
	}
	return reply
}

func (f *pipelineFixture) history(t *testing.T, userID string) []models.HistoryEntry {
	t.Helper()
	h, err := f.store.RecentHistory(context.Background(), userID, 100)
	if err != nil {
		t.Fatalf("RecentHistory failed: %v", err)
	}
	return h
}

func TestPipeline_NoRoleAsksToChoose(t *testing.T) {
	f := newFixture()
	reply := f.send(t, "u1", "привет")
	if reply.Text != TextChooseRole {
		t.Errorf("expected choose-role prompt, got %q", reply.Text)
	}
	if len(reply.Options) != len(models.Roles) {
		t.Errorf("expected %d role options, got %d", len(models.Roles), len(reply.Options))
	}
	if f.gen.calls() != 0 {
		t.Error("backend must not be called without a role")
	}
	h := f.history(t, "u1")
	if len(h) != 1 || h[0].Speaker != models.SpeakerUser || h[0].Text != "привет" {
		t.Errorf("expected the user entry to be persisted, got %+v", h)
	}
}

func TestPipeline_StartNotifiesAdminOnce(t *testing.T) {
	f := newFixture()
	reply := f.send(t, "u1", "/start")
	if reply.Text != TextWelcome {
		t.Errorf("expected welcome text, got %q", reply.Text)
	}
	f.send(t, "u1", "/start")
	f.send(t, "u1", "hello")

	msgs := f.notifier.all()
	if len(msgs) != 1 {
		t.Fatalf("expected one admin notification, got %d: %v", len(msgs), msgs)
	}
	if want := fmt.Sprintf(TextNewUser, "Anna", "u1"); msgs[0] != want {
		t.Errorf("expected %q, got %q", want, msgs[0])
	}
}

func TestPipeline_AstrologyCollectionThenQuestion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	reply := f.send(t, "u1", "/astrology")
	if reply.Text != PersonaFor(models.RoleAstrology).Resume[models.FieldDate] {
		t.Errorf("expected astrology date prompt, got %q", reply.Text)
	}

	steps := []struct {
		input string
		want  string
	}{
		{"1995-01-01", TextDateFormat},
		{"01.01.1995", TextAskTime},
		{"7:20", TextTimeFormat},
		{"07:20", TextAskPlace},
		{"Казань", PersonaFor(models.RoleAstrology).Collected},
	}
	for _, s := range steps {
		if got := f.send(t, "u1", s.input).Text; got != s.want {
			t.Fatalf("input %q: expected %q, got %q", s.input, s.want, got)
		}
	}
	if f.gen.calls() != 0 {
		t.Fatalf("backend must not be called during collection, got %d calls", f.gen.calls())
	}

	p, err := f.store.GetProfile(ctx, "u1")
	if err != nil || p == nil {
		t.Fatalf("expected profile, got %v, %v", p, err)
	}
	if p.BirthDate != "01.01.1995" || p.BirthTime != "07:20" || p.BirthPlace != "Казань" {
		t.Errorf("unexpected birth data in profile: %+v", p)
	}

	reply = f.send(t, "u1", "Что меня ждет?")
	if reply.Text != "generated reply" {
		t.Errorf("expected generated reply, got %q", reply.Text)
	}
	prompt := f.gen.lastPrompt()
	if !strings.Contains(prompt, "user: 01.01.1995") || !strings.HasSuffix(prompt, "Пользователь: Что меня ждет?") {
		t.Errorf("expected continuation prompt with transcript, got %q", prompt)
	}

	h := f.history(t, "u1")
	last := h[len(h)-1]
	if last.Speaker != models.SpeakerAssistant || last.Text != "generated reply" {
		t.Errorf("expected assistant entry last, got %+v", last)
	}
	ann := f.announcer.all()
	if len(ann) != 1 || ann[0] != "u1|"+PersonaFor(models.RoleAstrology).Waiting {
		t.Errorf("expected waiting notice, got %v", ann)
	}

	p, _ = f.store.GetProfile(ctx, "u1")
	if p.TokensUsed != 7 {
		t.Errorf("expected 7 tokens recorded, got %d", p.TokensUsed)
	}
}

func TestPipeline_ColdStartOnFirstTurn(t *testing.T) {
	f := newFixture()
	f.send(t, "u1", "/tarot")
	f.send(t, "u1", "Что будет завтра?")
	prompt := f.gen.lastPrompt()
	if !strings.HasPrefix(prompt, "Представь, что ты гадалка") || !strings.Contains(prompt, "Что будет завтра?") {
		t.Errorf("expected tarot cold-start prompt, got %q", prompt)
	}
}

func TestPipeline_GenerationFailure(t *testing.T) {
	f := newFixture()
	f.gen.err = errors.New("backend down")
	f.send(t, "u1", "/tarot")

	reply := f.send(t, "u1", "вопрос")
	if reply.Text != TextApology {
		t.Errorf("expected apology, got %q", reply.Text)
	}
	h := f.history(t, "u1")
	if len(h) != 1 || h[0].Speaker != models.SpeakerUser {
		t.Errorf("expected only the user entry, got %+v", h)
	}
}

func TestPipeline_EmptyCompletion(t *testing.T) {
	f := newFixture()
	f.gen.text = "  \n"
	f.send(t, "u1", "/tarot")

	reply := f.send(t, "u1", "вопрос")
	if reply.Text != TextApology {
		t.Errorf("expected apology for a blank completion, got %q", reply.Text)
	}
	h := f.history(t, "u1")
	if len(h) != 1 || h[0].Speaker != models.SpeakerUser {
		t.Errorf("expected only the user entry, got %+v", h)
	}
	p, err := f.store.GetProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p.TokensUsed != 0 {
		t.Errorf("blank completion must not be billed, got %d tokens", p.TokensUsed)
	}
}

// cancellingGenerator cancels the turn's context before failing.
type cancellingGenerator struct {
	cancel context.CancelFunc
}

func (g *cancellingGenerator) Generate(ctx context.Context, prompt string) (genai.Completion, error) {
	g.cancel()
	return genai.Completion{}, ctx.Err()
}

func TestPipeline_CancelledGenerationWritesNoReply(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPipeline(st, &cancellingGenerator{cancel: cancel})

	if _, err := p.SelectRole(context.Background(), "u1", "", models.RoleCareer); err != nil {
		t.Fatalf("SelectRole failed: %v", err)
	}
	_, err := p.OnText(ctx, "u1", "", "вопрос")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	h, _ := st.RecentHistory(context.Background(), "u1", 10)
	for _, e := range h {
		if e.Speaker == models.SpeakerAssistant {
			t.Errorf("no assistant entry expected after cancellation, got %+v", e)
		}
	}
}

func TestPipeline_PsychologistMethodGate(t *testing.T) {
	f := newFixture()
	reply := f.send(t, "u1", "/psychologist")
	if reply.Text != TextChooseMethod || len(reply.Options) != len(models.Methods) {
		t.Fatalf("expected method menu, got %+v", reply)
	}
	if got := f.send(t, "u1", "что-то").Text; got != TextMethodMissing {
		t.Errorf("expected method-missing text, got %q", got)
	}
	want := fmt.Sprintf(TextMethodChosen, methodPhrases[models.MethodCBT])
	if got := f.send(t, "u1", "cbt").Text; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if f.gen.calls() != 0 {
		t.Fatal("backend must not be called while choosing a method")
	}

	f.send(t, "u1", "мне тревожно")
	if !strings.Contains(f.gen.lastPrompt(), methodPhrases[models.MethodCBT]) {
		t.Errorf("expected method phrase in prompt, got %q", f.gen.lastPrompt())
	}

	// Re-selecting the role forgets the method.
	f.send(t, "u1", "/psychologist")
	if got := f.send(t, "u1", "вопрос").Text; got != TextMethodMissing {
		t.Errorf("expected method to be reset, got %q", got)
	}
}

func TestPipeline_CoachKickoff(t *testing.T) {
	f := newFixture()
	reply := f.send(t, "u1", "/self_development_coach")
	if reply.Text != "generated reply" {
		t.Errorf("expected kickoff answer, got %q", reply.Text)
	}
	if f.gen.lastPrompt() != PersonaFor(models.RoleCoach).Kickoff {
		t.Errorf("expected kickoff prompt, got %q", f.gen.lastPrompt())
	}
	if h := f.history(t, "u1"); len(h) != 0 {
		t.Errorf("kickoff must not be written to history, got %+v", h)
	}

	f.gen.err = errors.New("backend down")
	reply = f.send(t, "u1", "/self_development_coach")
	if reply.Text != PersonaFor(models.RoleCoach).Welcome {
		t.Errorf("expected welcome fallback, got %q", reply.Text)
	}
}

func TestPipeline_RoleSwitchKeepsBirthData(t *testing.T) {
	f := newFixture()
	f.send(t, "u1", "/numerology")
	f.send(t, "u1", "01.01.1995")

	reply := f.send(t, "u1", "/astrology")
	if reply.Text != PersonaFor(models.RoleAstrology).Resume[models.FieldTime] {
		t.Errorf("expected astrology to resume at time, got %q", reply.Text)
	}
	reply = f.send(t, "u1", "/numerology")
	if reply.Text != PersonaFor(models.RoleNumerology).Welcome {
		t.Errorf("expected numerology welcome, got %q", reply.Text)
	}
}

func TestPipeline_RoleSwitchPersistsCompletedBirthData(t *testing.T) {
	f := newFixture()
	f.send(t, "u1", "/astrology")
	f.send(t, "u1", "15.03.1990")

	reply := f.send(t, "u1", "/numerology")
	if reply.Text != PersonaFor(models.RoleNumerology).Welcome {
		t.Errorf("expected numerology welcome, got %q", reply.Text)
	}
	p, err := f.store.GetProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p.BirthDate != "15.03.1990" {
		t.Errorf("expected profile date 15.03.1990, got %q", p.BirthDate)
	}
	if p.BirthTime != "" || p.BirthPlace != "" {
		t.Errorf("expected only the date on the profile, got %+v", p)
	}
}

func TestPipeline_ClearBirthData(t *testing.T) {
	f := newFixture()
	if got := f.send(t, "ghost", "/clear_birth_data").Text; got != TextClearNotFound {
		t.Errorf("expected not-found text, got %q", got)
	}

	f.send(t, "u1", "/numerology")
	f.send(t, "u1", "01.01.1995")

	reply := f.send(t, "u1", "/clear_birth_data")
	want := TextCleared + "\n\n" + PersonaFor(models.RoleNumerology).Resume[models.FieldDate]
	if reply.Text != want {
		t.Errorf("expected %q, got %q", want, reply.Text)
	}
	p, _ := f.store.GetProfile(context.Background(), "u1")
	if p.BirthDate != "" {
		t.Errorf("expected profile birth date cleared, got %q", p.BirthDate)
	}
	if got := f.send(t, "u1", "02.02.1990").Text; got != PersonaFor(models.RoleNumerology).Collected {
		t.Errorf("expected new date to be accepted, got %q", got)
	}
}

func TestPipeline_Unsubscribe(t *testing.T) {
	f := newFixture()
	if got := f.send(t, "u1", "/unsubscribe").Text; got != TextUserNotFound {
		t.Errorf("expected user-not-found, got %q", got)
	}
	f.send(t, "u1", "/start")
	if got := f.send(t, "u1", "/unsubscribe").Text; got != TextUnsubscribed {
		t.Errorf("expected unsubscribed text, got %q", got)
	}
	p, _ := f.store.GetProfile(context.Background(), "u1")
	if p.Subscribed {
		t.Error("expected profile to be unsubscribed")
	}
}

func TestPipeline_EmptyInput(t *testing.T) {
	f := newFixture()
	reply, err := f.pipeline.OnText(context.Background(), "u1", "", "   ")
	if err != nil || !reply.IsEmpty() {
		t.Errorf("expected empty reply for blank input, got %+v, %v", reply, err)
	}
	if _, err := f.pipeline.OnText(context.Background(), " ", "", "hi"); !errors.Is(err, models.ErrEmptyUserID) {
		t.Errorf("expected ErrEmptyUserID, got %v", err)
	}
}

func TestPipeline_ConcurrentTurnsSameUser(t *testing.T) {
	f := newFixture()
	f.send(t, "u1", "/tarot")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.pipeline.OnText(context.Background(), "u1", "Anna", fmt.Sprintf("q%d", i)); err != nil {
				t.Errorf("OnText failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	h := f.history(t, "u1")
	if len(h) != 20 {
		t.Fatalf("expected 20 history entries, got %d", len(h))
	}
	// Turns are serialized, so every user entry is directly followed by its reply.
	for i := 0; i < len(h); i += 2 {
		if h[i].Speaker != models.SpeakerUser || h[i+1].Speaker != models.SpeakerAssistant {
			t.Fatalf("interleaved turns at %d: %+v %+v", i, h[i], h[i+1])
		}
	}
	p, _ := f.store.GetProfile(context.Background(), "u1")
	if p.TokensUsed != 70 {
		t.Errorf("expected 70 tokens, got %d", p.TokensUsed)
	}
	if n := len(f.notifier.all()); n != 1 {
		t.Errorf("expected one new-user notification, got %d", n)
	}
}

// failingHistory wraps a store and fails history appends.
type failingHistory struct {
	*store.InMemoryStore
}

func (failingHistory) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	return errors.New("disk full")
}

func TestPipeline_StoreFailureAborts(t *testing.T) {
	gen := &mockGenerator{text: "x"}
	p := NewPipeline(failingHistory{store.NewInMemoryStore()}, gen)
	_, err := p.OnText(context.Background(), "u1", "", "hi")
	var se *models.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if se.Op != "append history" || se.UserID != "u1" {
		t.Errorf("unexpected store error: %+v", se)
	}
	if gen.calls() != 0 {
		t.Error("backend must not be called after a store failure")
	}
}
