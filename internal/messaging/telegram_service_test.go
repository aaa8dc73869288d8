package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/telegram"
)

type sentTelegram struct {
	ChatID  int64
	Text    string
	Buttons []telegram.Button
}

type mockTelegramAPI struct {
	mu      sync.Mutex
	batches [][]telegram.Update
	offsets []int64
	files   map[string][]byte
	sent    []sentTelegram
	sendErr error
}

func (m *mockTelegramAPI) GetUpdates(ctx context.Context, offset int64, timeout int) ([]telegram.Update, error) {
	m.mu.Lock()
	m.offsets = append(m.offsets, offset)
	if len(m.batches) > 0 {
		next := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()
		return next, nil
	}
	m.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *mockTelegramAPI) SendMessage(ctx context.Context, chatID int64, text string, buttons []telegram.Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentTelegram{ChatID: chatID, Text: text, Buttons: buttons})
	return nil
}

func (m *mockTelegramAPI) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	data, ok := m.files[fileID]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (m *mockTelegramAPI) lastOffset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets[len(m.offsets)-1]
}

func receive(t *testing.T, ch <-chan models.Response) models.Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
	return models.Response{}
}

func TestTelegramService_ImplementsService(t *testing.T) {
	var _ Service = (*TelegramService)(nil)
}

func TestTelegramService_Poll(t *testing.T) {
	anna := &telegram.User{ID: 7, Username: "anna"}
	api := &mockTelegramAPI{
		files: map[string][]byte{"voice-1": {9, 9}},
		batches: [][]telegram.Update{{
			{UpdateID: 10, Message: &telegram.Message{From: anna, Chat: telegram.Chat{ID: 7}, Date: 100, Text: "привет"}},
			{UpdateID: 11, Message: &telegram.Message{From: anna, Chat: telegram.Chat{ID: 7}, Text: ""}},
			{UpdateID: 12, CallbackQuery: &telegram.CallbackQuery{ID: "cb", From: anna, Data: "/tarot", Message: &telegram.Message{Chat: telegram.Chat{ID: 7}}}},
			{UpdateID: 13, Message: &telegram.Message{From: anna, Chat: telegram.Chat{ID: 7}, Voice: &telegram.Voice{FileID: "voice-1"}}},
		}},
	}
	svc := NewTelegramService(api)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	text := receive(t, svc.Responses())
	if text.From != "7" || text.Body != "привет" || text.Name != "anna" || text.Time != 100 {
		t.Errorf("unexpected text response: %+v", text)
	}
	callback := receive(t, svc.Responses())
	if callback.Body != "/tarot" || callback.From != "7" {
		t.Errorf("unexpected callback response: %+v", callback)
	}
	voice := receive(t, svc.Responses())
	if !voice.IsVoice() || voice.AudioMIME != DefaultVoiceMIME || len(voice.Audio) != 2 {
		t.Errorf("unexpected voice response: %+v", voice)
	}

	deadline := time.Now().Add(2 * time.Second)
	for api.lastOffset() != 14 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := api.lastOffset(); got != 14 {
		t.Errorf("expected next offset 14, got %d", got)
	}
}

func TestTelegramService_SendReplyButtons(t *testing.T) {
	api := &mockTelegramAPI{}
	svc := NewTelegramService(api)
	reply := models.Reply{
		Text:    "Выберите роль",
		Options: []models.ReplyOption{{Label: "Таролог", Data: "/tarot"}, {Label: "Астролог", Data: "/astrology"}},
	}
	if err := svc.SendReply(context.Background(), "7", reply); err != nil {
		t.Fatalf("SendReply returned error: %v", err)
	}
	if len(api.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(api.sent))
	}
	got := api.sent[0]
	if got.ChatID != 7 || got.Text != reply.Text || len(got.Buttons) != 2 {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.Buttons[1].Text != "Астролог" || got.Buttons[1].CallbackData != "/astrology" {
		t.Errorf("unexpected button: %+v", got.Buttons[1])
	}
}

func TestTelegramService_Validate(t *testing.T) {
	svc := NewTelegramService(&mockTelegramAPI{})
	if got, err := svc.ValidateAndCanonicalizeRecipient(" -100123 "); err != nil || got != "-100123" {
		t.Errorf("expected -100123, got %q (%v)", got, err)
	}
	for _, bad := range []string{"", "abc", "+1 555"} {
		if _, err := svc.ValidateAndCanonicalizeRecipient(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestTelegramService_StopRejectsSends(t *testing.T) {
	svc := NewTelegramService(&mockTelegramAPI{})
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "7", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
}
