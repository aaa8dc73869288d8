package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// whatsAppEventSource is the part of *whatsapp.Client needed to receive messages.
type whatsAppEventSource interface {
	AddEventHandler(fn func(evt interface{}))
	DownloadAudio(ctx context.Context, audio *waE2E.AudioMessage) ([]byte, error)
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.WhatsAppSender
	events    whatsAppEventSource // nil for send-only clients such as mocks
	responses chan models.Response
	done      chan struct{}
	stopOnce  sync.Once
	mu        sync.RWMutex
	stopped   bool
	ctx       context.Context
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
		ctx:       context.Background(),
	}
	if src, ok := client.(whatsAppEventSource); ok {
		service.events = src
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with send-only client")
	}
	return service
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events == nil {
		slog.Debug("WhatsAppService.Start: no event source, skipping event handling")
		return nil
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.events.AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop stops background processing and closes the responses channel.
func (s *WhatsAppService) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		close(s.done)
		close(s.responses)
		s.mu.Unlock()
		slog.Info("WhatsAppService.Stop: stopped and channels closed")
	})
	return nil
}

// SendMessage sends a text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := canonicalizePhone(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: failed", "error", err, "to", canonical)
		return err
	}
	slog.Debug("WhatsAppService.SendMessage: sent", "to", canonical, "bodyLength", len(body))
	return nil
}

// SendReply sends a reply with its options rendered as a numbered list.
func (s *WhatsAppService) SendReply(ctx context.Context, to string, reply models.Reply) error {
	return s.SendMessage(ctx, to, FormatReply(reply))
}

// Responses returns a channel of incoming response events.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// handleIncomingMessage converts a direct text or voice message into a Response.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt == nil || evt.Message == nil {
		return
	}
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	response := models.Response{
		From: evt.Info.Sender.User,
		Name: evt.Info.PushName,
		Time: evt.Info.Timestamp.Unix(),
	}
	switch {
	case evt.Message.GetConversation() != "":
		response.Body = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		response.Body = evt.Message.GetExtendedTextMessage().GetText()
	case evt.Message.GetAudioMessage() != nil:
		// Downloads must not block the whatsmeow event loop.
		go s.forwardAudio(response, evt.Message.GetAudioMessage())
		return
	default:
		slog.Debug("WhatsAppService.handleIncomingMessage: ignoring unsupported message", "from", response.From)
		return
	}
	s.emit(response)
}

func (s *WhatsAppService) forwardAudio(response models.Response, audio *waE2E.AudioMessage) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	data, err := s.events.DownloadAudio(ctx, audio)
	if err != nil {
		slog.Error("WhatsAppService.forwardAudio: download failed", "error", err, "from", response.From)
		return
	}
	response.Audio = data
	response.AudioMIME = audio.GetMimetype()
	if response.AudioMIME == "" {
		response.AudioMIME = DefaultVoiceMIME
	}
	s.emit(response)
}

func (s *WhatsAppService) emit(response models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService.emit: dropping response (service stopped)", "from", response.From)
		return
	}
	select {
	case s.responses <- response:
		slog.Debug("WhatsAppService.emit: incoming message forwarded", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService.emit: responses channel blocked, dropping message", "from", response.From, "timeout", DefaultChannelTimeout)
	}
}

func (s *WhatsAppService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

