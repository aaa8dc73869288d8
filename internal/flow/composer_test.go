package flow

import (
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

func completeSession() models.SessionState {
	return models.SessionState{
		UserID:     "u1",
		Role:       models.RoleAstrology,
		BirthDate:  "01.01.1995",
		BirthTime:  "07:20",
		BirthPlace: "Казань",
	}
}

func TestCompose_ColdStartEmbedsBirthData(t *testing.T) {
	s := completeSession()
	prompt, err := Compose(models.RoleAstrology, &s, nil, "Что меня ждет?")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	for _, want := range []string{"01.01.1995", "07:20", "Казань", "Что меня ждет?", "Представь, что ты астролог"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("cold-start prompt missing %q: %s", want, prompt)
		}
	}
}

func TestCompose_ContinuationUsesTranscript(t *testing.T) {
	s := completeSession()
	history := []models.HistoryEntry{
		{Text: "Привет", Speaker: models.SpeakerUser},
		{Text: "Здравствуйте", Speaker: models.SpeakerAssistant},
	}
	prompt, err := Compose(models.RoleAstrology, &s, history, "А завтра?")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	want := "Ты - астролог. Вот история общения:\nuser: Привет\nassistant: Здравствуйте\nПользователь: А завтра?"
	if prompt != want {
		t.Errorf("unexpected continuation prompt:\n got %q\nwant %q", prompt, want)
	}
}

func TestCompose_MissingState(t *testing.T) {
	s := models.SessionState{Role: models.RoleAstrology, BirthDate: "01.01.1995"}
	_, err := Compose(models.RoleAstrology, &s, nil, "q")
	var mse *models.MissingStateError
	if !errors.As(err, &mse) || mse.Field != string(models.FieldTime) {
		t.Errorf("expected missing time, got %v", err)
	}

	ps := models.SessionState{Role: models.RolePsychologist}
	if _, err := Compose(models.RolePsychologist, &ps, nil, "q"); !errors.As(err, &mse) {
		t.Errorf("expected missing method, got %v", err)
	}

	if _, err := Compose(models.RoleNone, &ps, nil, "q"); !errors.As(err, &mse) {
		t.Errorf("expected missing role, got %v", err)
	}
}

func TestCompose_EveryRoleRendersBothTemplates(t *testing.T) {
	history := []models.HistoryEntry{{Text: "x", Speaker: models.SpeakerUser}}
	for _, r := range models.Roles {
		s := completeSession()
		s.Role = r
		s.Method = models.MethodGestalt
		for _, h := range [][]models.HistoryEntry{nil, history} {
			prompt, err := Compose(r, &s, h, "вопрос")
			if err != nil {
				t.Errorf("Compose(%s, history=%d) failed: %v", r, len(h), err)
				continue
			}
			if !strings.Contains(prompt, "вопрос") {
				t.Errorf("Compose(%s) dropped the user text: %q", r, prompt)
			}
		}
	}
}

func TestDailyForecastPrompt(t *testing.T) {
	p := models.UserProfile{UserID: "u1", BirthDate: "01.01.1995", BirthTime: "07:20", BirthPlace: "Казань"}
	prompt, err := DailyForecastPrompt(p, "2026-10-17")
	if err != nil {
		t.Fatalf("DailyForecastPrompt failed: %v", err)
	}
	if !strings.Contains(prompt, "2026-10-17") || !strings.Contains(prompt, "Казань") {
		t.Errorf("unexpected prompt: %s", prompt)
	}
	p.BirthPlace = ""
	if _, err := DailyForecastPrompt(p, "2026-10-17"); err == nil {
		t.Error("expected error for incomplete birth data")
	}
}
