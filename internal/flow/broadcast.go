package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// Sender delivers a message to a user id on the active transport.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Broadcaster sends the daily horoscope to subscribed users.
type Broadcaster struct {
	profiles  store.ProfileStore
	generator genai.Generator
	sender    Sender
	now       func() time.Time
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(profiles store.ProfileStore, gen genai.Generator, sender Sender) *Broadcaster {
	return &Broadcaster{profiles: profiles, generator: gen, sender: sender, now: time.Now}
}

// SendDailyForecasts generates and sends one forecast per subscribed profile
// with complete birth data. Failures for one user are logged and skipped; the
// returned count is the number of messages delivered.
func (b *Broadcaster) SendDailyForecasts(ctx context.Context) (int, error) {
	profiles, err := b.profiles.ListSubscribedProfiles(ctx)
	if err != nil {
		slog.Error("Broadcaster.SendDailyForecasts: list subscribers failed", "error", err)
		return 0, err
	}
	day := b.now().Format("2006-01-02")
	sent := 0
	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if !p.HasCompleteBirthData() {
			continue
		}
		prompt, err := DailyForecastPrompt(p, day)
		if err != nil {
			slog.Warn("Broadcaster.SendDailyForecasts: prompt failed", "userID", p.UserID, "error", err)
			continue
		}
		c, err := b.generator.Generate(ctx, prompt)
		if err != nil {
			slog.Warn("Broadcaster.SendDailyForecasts: generation failed", "userID", p.UserID, "error", err)
			continue
		}
		if err := b.sender.SendMessage(ctx, p.UserID, c.Text); err != nil {
			slog.Warn("Broadcaster.SendDailyForecasts: send failed", "userID", p.UserID, "error", err)
			continue
		}
		sent++
	}
	slog.Info("Broadcaster.SendDailyForecasts: done", "day", day, "subscribers", len(profiles), "sent", sent)
	return sent, nil
}
