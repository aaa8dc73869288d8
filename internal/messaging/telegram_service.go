package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/telegram"
)

// Constants for TelegramService polling
const (
	// DefaultPollTimeout is the long-poll duration passed to getUpdates, in seconds.
	DefaultPollTimeout = 30
	// DefaultPollBackoff is the pause after a failed poll.
	DefaultPollBackoff = 3 * time.Second
	// DefaultVoiceMIME is assumed when Telegram does not report a voice MIME type.
	DefaultVoiceMIME = "audio/ogg"
)

// TelegramAPI is the subset of the Bot API client the service uses.
type TelegramAPI interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]telegram.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string, buttons []telegram.Button) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// TelegramService implements Service on top of the Bot API with long polling.
type TelegramService struct {
	client      TelegramAPI
	responses   chan models.Response
	done        chan struct{}
	stopOnce    sync.Once
	mu          sync.RWMutex
	stopped     bool
	offset      int64
	pollTimeout int
	backoff     time.Duration
}

// NewTelegramService creates a service polling through client.
func NewTelegramService(client TelegramAPI) *TelegramService {
	return &TelegramService{
		client:      client,
		responses:   make(chan models.Response, DefaultChannelBufferSize),
		done:        make(chan struct{}),
		pollTimeout: DefaultPollTimeout,
		backoff:     DefaultPollBackoff,
	}
}

// ValidateAndCanonicalizeRecipient accepts a numeric chat id.
func (s *TelegramService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	id, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", recipient, err)
	}
	return strconv.FormatInt(id, 10), nil
}

// Start launches the polling loop.
func (s *TelegramService) Start(ctx context.Context) error {
	slog.Info("TelegramService.Start: polling started")
	go s.poll(ctx)
	return nil
}

// Stop ends polling and closes the responses channel.
func (s *TelegramService) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		close(s.done)
		close(s.responses)
		s.mu.Unlock()
		slog.Info("TelegramService.Stop: stopped")
	})
	return nil
}

// SendMessage sends plain text.
func (s *TelegramService) SendMessage(ctx context.Context, to string, body string) error {
	return s.SendReply(ctx, to, models.TextReply(body))
}

// SendReply sends text with options rendered as an inline keyboard.
func (s *TelegramService) SendReply(ctx context.Context, to string, reply models.Reply) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	chatID, _ := strconv.ParseInt(canonical, 10, 64)

	buttons := make([]telegram.Button, 0, len(reply.Options))
	for _, o := range reply.Options {
		buttons = append(buttons, telegram.Button{Text: o.Label, CallbackData: o.Data})
	}
	if err := s.client.SendMessage(ctx, chatID, reply.Text, buttons); err != nil {
		slog.Error("TelegramService.SendReply: failed", "error", err, "to", canonical)
		return err
	}
	slog.Debug("TelegramService.SendReply: sent", "to", canonical, "options", len(buttons))
	return nil
}

// Responses returns the channel of incoming messages.
func (s *TelegramService) Responses() <-chan models.Response {
	return s.responses
}

func (s *TelegramService) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		updates, err := s.client.GetUpdates(ctx, s.offset, s.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("TelegramService.poll: getUpdates failed", "error", err, "backoff", s.backoff)
			select {
			case <-time.After(s.backoff):
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= s.offset {
				s.offset = u.UpdateID + 1
			}
			if r, ok := s.toResponse(ctx, u); ok {
				s.emit(r)
			}
		}
	}
}

// toResponse converts an update. Callback data is delivered as message text.
func (s *TelegramService) toResponse(ctx context.Context, u telegram.Update) (models.Response, bool) {
	if cq := u.CallbackQuery; cq != nil {
		if cq.Message == nil {
			return models.Response{}, false
		}
		return models.Response{
			From: strconv.FormatInt(cq.Message.Chat.ID, 10),
			Name: cq.From.DisplayName(),
			Body: cq.Data,
			Time: time.Now().Unix(),
		}, true
	}

	m := u.Message
	if m == nil {
		return models.Response{}, false
	}
	r := models.Response{
		From: strconv.FormatInt(m.Chat.ID, 10),
		Name: m.From.DisplayName(),
		Body: m.Text,
		Time: m.Date,
	}
	if m.Voice != nil {
		audio, err := s.client.DownloadFile(ctx, m.Voice.FileID)
		if err != nil {
			slog.Error("TelegramService.toResponse: voice download failed", "error", err, "from", r.From)
			return models.Response{}, false
		}
		r.Audio = audio
		r.AudioMIME = m.Voice.MimeType
		if r.AudioMIME == "" {
			r.AudioMIME = DefaultVoiceMIME
		}
		return r, true
	}
	if strings.TrimSpace(m.Text) == "" {
		slog.Debug("TelegramService.toResponse: ignoring message without text", "from", r.From)
		return models.Response{}, false
	}
	return r, true
}

func (s *TelegramService) emit(r models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TelegramService.emit: dropping response (service stopped)", "from", r.From)
		return
	}
	select {
	case s.responses <- r:
		slog.Debug("TelegramService.emit: response forwarded", "from", r.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TelegramService.emit: responses channel blocked, dropping message", "from", r.From)
	}
}

func (s *TelegramService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}
