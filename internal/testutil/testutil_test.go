package testutil_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/flow"
	"github.com/BTreeMap/PersonaPipe/internal/messaging"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/BTreeMap/PersonaPipe/internal/testutil"
)

func TestScriptedGenerator(t *testing.T) {
	gen := testutil.NewScriptedGenerator(
		testutil.Step{Text: "one", Tokens: 3},
		testutil.Step{Err: errors.New("backend down")},
	)
	ctx := context.Background()

	c, err := gen.Generate(ctx, "p1")
	if err != nil || c.Text != "one" || c.TokensUsed != 3 {
		t.Fatalf("unexpected first step: %+v, %v", c, err)
	}
	if _, err := gen.Generate(ctx, "p2"); err == nil || err.Error() != "backend down" {
		t.Fatalf("expected scripted error, got %v", err)
	}
	if _, err := gen.Generate(ctx, "p3"); !errors.Is(err, testutil.ErrScriptExhausted) {
		t.Fatalf("expected ErrScriptExhausted, got %v", err)
	}
	gen.Default = &testutil.Step{Text: "again"}
	if c, _ := gen.Generate(ctx, "p4"); c.Text != "again" {
		t.Errorf("expected default step, got %+v", c)
	}
	if got := gen.Prompts(); len(got) != 4 || got[3] != "p4" {
		t.Errorf("unexpected prompts: %q", got)
	}
}

func TestAssertJSONStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteString(`{"status":"ok","result":{"text":"hi"}}`)
	var reply models.Reply
	testutil.AssertJSONStatus(t, rr, models.APIStatusOK, &reply)
	if reply.Text != "hi" {
		t.Errorf("expected decoded result, got %+v", reply)
	}
}

func TestSeedProfile(t *testing.T) {
	st := store.NewInMemoryStore()
	p := testutil.SeedProfile(t, st, "42", "01.01.1990", "", "")
	if p.BirthDate != "01.01.1990" || p.BirthTime != "" || p.HasCompleteBirthData() {
		t.Errorf("unexpected seeded profile: %+v", p)
	}
}

// TestEndToEnd drives the pipeline through the response handler the way a
// transport would.
func TestEndToEnd(t *testing.T) {
	st := store.NewInMemoryStore()
	svc := testutil.NewRecordingService()
	gen := testutil.NewScriptedGenerator(testutil.Step{Text: "Три карты", Tokens: 11})

	pipeline := flow.NewPipeline(st, gen,
		flow.WithAnnouncer(messaging.NewAnnouncer(svc)),
		flow.WithNotifier(messaging.NewAdminNotifier(svc, "admin")),
	)
	handler := messaging.NewResponseHandler(svc, pipeline)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handler.Start(ctx)

	tarot := -1
	for i, opt := range flow.RoleOptions() {
		if opt.Data == "/"+string(models.RoleTarot) {
			tarot = i + 1
		}
	}
	if tarot < 0 {
		t.Fatal("tarot missing from role menu")
	}

	for _, body := range []string{"/start", fmt.Sprint(tarot), "Что меня ждет?"} {
		svc.Deliver(models.Response{From: "42", Name: "Anna", Body: body})
	}
	sent, err := svc.WaitForSent(ctx, 5)
	if err != nil {
		t.Fatalf("timed out, sent so far: %+v", sent)
	}

	want := []testutil.Outbound{
		{To: "admin", Reply: models.TextReply(fmt.Sprintf(flow.TextNewUser, "Anna", "42"))},
		{To: "42", Reply: models.Reply{Text: flow.TextWelcome, Options: flow.RoleOptions()}},
	}
	for i, w := range want {
		if sent[i].To != w.To || sent[i].Reply.Text != w.Reply.Text || len(sent[i].Reply.Options) != len(w.Reply.Options) {
			t.Errorf("message %d: expected %+v, got %+v", i, w, sent[i])
		}
	}
	if !strings.HasPrefix(sent[2].Reply.Text, "🟨 /tarot") {
		t.Errorf("expected tarot welcome, got %q", sent[2].Reply.Text)
	}
	if sent[3].Reply.Text != "🔮Достаю карты...🔮" {
		t.Errorf("expected waiting notice, got %q", sent[3].Reply.Text)
	}
	if sent[4].Reply.Text != "Три карты" {
		t.Errorf("expected generated reply, got %q", sent[4].Reply.Text)
	}

	profile, err := st.GetProfile(ctx, "42")
	if err != nil || profile == nil {
		t.Fatalf("expected profile, got %v (%v)", profile, err)
	}
	if profile.TokensUsed != 11 {
		t.Errorf("expected 11 tokens, got %d", profile.TokensUsed)
	}
	history, _ := st.RecentHistory(ctx, "42", 10)
	if len(history) != 2 || history[0].Speaker != models.SpeakerUser || history[1].Text != "Три карты" {
		t.Errorf("unexpected history: %+v", history)
	}
	if prompts := gen.Prompts(); len(prompts) != 1 || !strings.Contains(prompts[0], "Что меня ждет?") {
		t.Errorf("unexpected prompts: %q", prompts)
	}
}
