package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/google/uuid"
)

// Pipeline runs one conversational turn at a time per user: it persists the
// incoming text, gates on role and birth data, composes the prompt, calls the
// generator and persists the reply. Turns for different users run in parallel.
type Pipeline struct {
	profiles     store.ProfileStore
	history      store.HistoryStore
	sessions     StateManager
	collector    *Collector
	generator    genai.Generator
	announcer    Announcer
	notifier     Notifier
	locks        *KeyedMutex
	historyLimit int
}

// NewPipeline wires a pipeline over st and gen.
func NewPipeline(st store.Store, gen genai.Generator, opts ...Option) *Pipeline {
	cfg := Opts{HistoryLimit: models.DefaultHistoryLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = models.DefaultHistoryLimit
	}
	if cfg.StateManager == nil {
		cfg.StateManager = NewStoreBasedStateManager(st)
	}
	slog.Debug("Pipeline.NewPipeline: created", "historyLimit", cfg.HistoryLimit, "announcer", cfg.Announcer != nil, "notifier", cfg.Notifier != nil)
	return &Pipeline{
		profiles:     st,
		history:      st,
		sessions:     cfg.StateManager,
		collector:    NewCollector(st),
		generator:    gen,
		announcer:    cfg.Announcer,
		notifier:     cfg.Notifier,
		locks:        NewKeyedMutex(),
		historyLimit: cfg.HistoryLimit,
	}
}

// OnText handles a plain text message from a user.
func (p *Pipeline) OnText(ctx context.Context, userID, displayName, text string) (models.Reply, error) {
	if strings.TrimSpace(userID) == "" {
		return models.Reply{}, models.ErrEmptyUserID
	}
	unlock := p.locks.Lock(userID)
	defer unlock()
	return p.turn(ctx, userID, displayName, text)
}

// OnVoice handles a voice message that the transport has already transcribed.
func (p *Pipeline) OnVoice(ctx context.Context, userID, displayName, transcribed string) (models.Reply, error) {
	slog.Debug("Pipeline.OnVoice: transcribed input", "userID", userID, "length", len(transcribed))
	return p.OnText(ctx, userID, displayName, transcribed)
}

func (p *Pipeline) turn(ctx context.Context, userID, displayName, text string) (models.Reply, error) {
	log := slog.With("turnID", uuid.NewString(), "userID", userID)
	text = strings.TrimSpace(text)
	if text == "" {
		log.Debug("Pipeline.turn: empty input ignored")
		return models.Reply{}, nil
	}

	session, err := p.sessions.LoadSession(ctx, userID)
	if err != nil {
		return models.Reply{}, asStoreError("load session", userID, err)
	}
	recent, err := p.history.RecentHistory(ctx, userID, p.historyLimit)
	if err != nil {
		return models.Reply{}, asStoreError("recent history", userID, err)
	}
	if err := p.history.AppendHistory(ctx, models.HistoryEntry{UserID: userID, Text: text, Speaker: models.SpeakerUser}); err != nil {
		return models.Reply{}, asStoreError("append history", userID, err)
	}
	if err := p.touchProfile(ctx, userID, displayName, 0); err != nil {
		return models.Reply{}, err
	}

	role := session.Role
	persona := PersonaFor(role)
	if persona == nil {
		log.Debug("Pipeline.turn: no role selected")
		return models.Reply{Text: TextChooseRole, Options: RoleOptions()}, nil
	}

	if role == models.RolePsychologist && !session.Method.Valid() {
		reply, ok := ChooseMethod(&session, text)
		if ok {
			if err := p.sessions.SaveSession(ctx, session); err != nil {
				return models.Reply{}, asStoreError("save session", userID, err)
			}
			log.Info("Pipeline.turn: therapy method selected", "method", session.Method)
		}
		return reply, nil
	}

	if NextRequiredField(&session, RequiredFields(role)) != models.StateComplete {
		res, err := p.collector.Collect(ctx, &session, displayName, persona, text)
		if err != nil {
			return models.Reply{}, asStoreError("collect birth data", userID, err)
		}
		if res.Accepted {
			if err := p.sessions.SaveSession(ctx, session); err != nil {
				return models.Reply{}, asStoreError("save session", userID, err)
			}
		}
		log.Debug("Pipeline.turn: birth data step", "role", role, "state", res.State, "accepted", res.Accepted)
		return models.TextReply(res.Reply), nil
	}

	prompt, err := Compose(role, &session, recent, text)
	if err != nil {
		log.Error("Pipeline.turn: prompt composition failed", "role", role, "error", err)
		return models.TextReply(TextApology), nil
	}
	log.Debug("Pipeline.turn: prompt composed", "role", role, "historyLen", len(recent), "promptLen", len(prompt))

	c, ok, err := p.complete(ctx, log, role, userID, displayName, prompt)
	if err != nil {
		return models.Reply{}, err
	}
	if !ok {
		return models.TextReply(TextApology), nil
	}
	entry := models.HistoryEntry{UserID: userID, Text: c.Text, Speaker: models.SpeakerAssistant}
	if err := p.history.AppendHistory(ctx, entry); err != nil {
		return models.Reply{}, asStoreError("append history", userID, err)
	}
	return models.TextReply(c.Text), nil
}

// complete announces the persona's waiting notice, calls the backend and
// records token usage. ok is false when generation failed; the cause is logged.
// Cancellation of ctx is returned as an error so nothing is recorded for the turn.
func (p *Pipeline) complete(ctx context.Context, log *slog.Logger, role models.Role, userID, displayName, prompt string) (c genai.Completion, ok bool, err error) {
	if p.announcer != nil {
		if persona := PersonaFor(role); persona != nil && persona.Waiting != "" {
			if err := p.announcer.Announce(ctx, userID, persona.Waiting); err != nil {
				log.Warn("Pipeline.complete: waiting notice failed", "error", err)
			}
		}
	}

	c, err = p.generator.Generate(ctx, prompt)
	if err == nil && strings.TrimSpace(c.Text) == "" {
		err = genai.ErrEmptyResponse
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Warn("Pipeline.complete: cancelled before reply", "role", role, "error", ctxErr)
			return genai.Completion{}, false, ctxErr
		}
		genErr := &models.GenerationError{Role: role, Err: err}
		log.Error("Pipeline.complete: generation failed", "role", role, "error", genErr)
		return genai.Completion{}, false, nil
	}

	if c.TokensUsed > 0 {
		if err := p.touchProfile(ctx, userID, displayName, c.TokensUsed); err != nil {
			return genai.Completion{}, false, err
		}
	}
	log.Info("Pipeline.complete: reply generated", "role", role, "tokens", c.TokensUsed, "length", len(c.Text))
	return c, true, nil
}

// SelectRole activates role for the user and returns the text to show. For
// personas with a kickoff prompt the backend's answer is shown instead of the
// welcome text; the welcome text is the fallback when generation fails.
func (p *Pipeline) SelectRole(ctx context.Context, userID, displayName string, role models.Role) (models.Reply, error) {
	if strings.TrimSpace(userID) == "" {
		return models.Reply{}, models.ErrEmptyUserID
	}
	unlock := p.locks.Lock(userID)
	defer unlock()
	log := slog.With("turnID", uuid.NewString(), "userID", userID)

	session, err := p.sessions.LoadSession(ctx, userID)
	if err != nil {
		return models.Reply{}, asStoreError("load session", userID, err)
	}
	sel, err := SelectRole(&session, role)
	if err != nil {
		return models.Reply{}, err
	}
	// Fields collected under another role reach the profile here when the new
	// role needs nothing more.
	update := models.ProfileUpdate{UserID: userID, DisplayName: displayName}
	if required := RequiredFields(role); len(required) > 0 && NextRequiredField(&session, required) == models.StateComplete {
		update = birthDataUpdate(userID, displayName, &session)
	}
	if err := p.upsertProfile(ctx, update); err != nil {
		return models.Reply{}, err
	}
	if err := p.sessions.SaveSession(ctx, session); err != nil {
		return models.Reply{}, asStoreError("save session", userID, err)
	}
	log.Info("Pipeline.SelectRole: role selected", "role", role)

	if sel.Kickoff == "" {
		return sel.Reply, nil
	}
	c, ok, err := p.complete(ctx, log, role, userID, displayName, sel.Kickoff)
	if err != nil {
		return models.Reply{}, err
	}
	if !ok {
		return sel.Reply, nil
	}
	return models.TextReply(c.Text), nil
}

// Start refreshes the profile and returns the welcome text with the role menu.
func (p *Pipeline) Start(ctx context.Context, userID, displayName string) (models.Reply, error) {
	if strings.TrimSpace(userID) == "" {
		return models.Reply{}, models.ErrEmptyUserID
	}
	unlock := p.locks.Lock(userID)
	defer unlock()
	if err := p.touchProfile(ctx, userID, displayName, 0); err != nil {
		return models.Reply{}, err
	}
	return models.Reply{Text: TextWelcome, Options: RoleOptions()}, nil
}

// ClearBirthData removes birth data from the profile and the session. For
// astrology and numerology the reply continues with the fresh collection prompt.
func (p *Pipeline) ClearBirthData(ctx context.Context, userID string) (models.Reply, error) {
	if strings.TrimSpace(userID) == "" {
		return models.Reply{}, models.ErrEmptyUserID
	}
	unlock := p.locks.Lock(userID)
	defer unlock()

	found, err := p.profiles.ClearBirthData(ctx, userID)
	if err != nil {
		return models.Reply{}, asStoreError("clear birth data", userID, err)
	}
	if !found {
		return models.TextReply(TextClearNotFound), nil
	}
	session, err := p.sessions.LoadSession(ctx, userID)
	if err != nil {
		return models.Reply{}, asStoreError("load session", userID, err)
	}
	session.ClearBirthData()

	reply := models.TextReply(TextCleared)
	if len(RequiredFields(session.Role)) > 0 {
		sel, err := SelectRole(&session, session.Role)
		if err != nil {
			return models.Reply{}, err
		}
		reply.Text = TextCleared + "\n\n" + sel.Reply.Text
	}
	if err := p.sessions.SaveSession(ctx, session); err != nil {
		return models.Reply{}, asStoreError("save session", userID, err)
	}
	slog.Info("Pipeline.ClearBirthData: birth data cleared", "userID", userID, "role", session.Role)
	return reply, nil
}

// Unsubscribe stops the daily forecast for the user.
func (p *Pipeline) Unsubscribe(ctx context.Context, userID string) (models.Reply, error) {
	if strings.TrimSpace(userID) == "" {
		return models.Reply{}, models.ErrEmptyUserID
	}
	unlock := p.locks.Lock(userID)
	defer unlock()
	found, err := p.profiles.SetSubscribed(ctx, userID, false)
	if err != nil {
		return models.Reply{}, asStoreError("unsubscribe", userID, err)
	}
	if !found {
		return models.TextReply(TextUserNotFound), nil
	}
	slog.Info("Pipeline.Unsubscribe: user unsubscribed", "userID", userID)
	return models.TextReply(TextUnsubscribed), nil
}

// touchProfile upserts the profile and reports first contact to the notifier.
func (p *Pipeline) touchProfile(ctx context.Context, userID, displayName string, tokens int64) error {
	return p.upsertProfile(ctx, models.ProfileUpdate{UserID: userID, DisplayName: displayName, TokensDelta: tokens})
}

func (p *Pipeline) upsertProfile(ctx context.Context, update models.ProfileUpdate) error {
	userID, displayName := update.UserID, update.DisplayName
	res, err := p.profiles.UpsertProfile(ctx, update)
	if err != nil {
		return asStoreError("upsert profile", userID, err)
	}
	if res.Created {
		slog.Info("Pipeline.upsertProfile: new user", "userID", userID, "displayName", displayName)
		if p.notifier != nil {
			name := displayName
			if name == "" {
				name = "—"
			}
			if err := p.notifier.NotifyAdmin(ctx, fmt.Sprintf(TextNewUser, name, userID)); err != nil {
				slog.Warn("Pipeline.upsertProfile: admin notification failed", "userID", userID, "error", err)
			}
		}
	}
	return nil
}

// asStoreError makes sure persistence failures surface as *models.StoreError.
func asStoreError(op, userID string, err error) error {
	var se *models.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &models.StoreError{Op: op, UserID: userID, Err: err}
}
