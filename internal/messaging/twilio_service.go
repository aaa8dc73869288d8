package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a webhook without sending a message; replies go out through the REST API.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioService implements the Service interface using the Twilio API.
// Incoming messages arrive through TwilioWebhookHandler.
type TwilioService struct {
	client     twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	webhookURL string                              // public webhook URL; enables signature checks when set
	responses  chan models.Response
	done       chan struct{}
	mu         sync.RWMutex
	stopped    bool
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookURL enables X-Twilio-Signature validation against the given public URL.
func WithWebhookURL(url string) TwilioOption {
	return func(s *TwilioService) { s.webhookURL = url }
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	service := &TwilioService{
		client:    client,
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio; messages arrive via the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("TwilioService.SendMessage: failed", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}

// SendReply sends a reply with its options rendered as a numbered list.
func (s *TwilioService) SendReply(ctx context.Context, to string, reply models.Reply) error {
	return s.SendMessage(ctx, to, FormatReply(reply))
}

// Responses returns the channel for incoming messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them as models.Response into the Responses() channel.
// Voice notes (the first audio attachment) are downloaded before emitting.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.webhookURL != "" {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.client.ValidateWebhook(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.TwilioWebhookHandler: invalid signature", "remoteAddr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	response := models.Response{
		From: from,
		Name: r.FormValue("ProfileName"),
		Body: r.FormValue("Body"),
		Time: time.Now().Unix(),
	}

	if from == "" {
		slog.Warn("TwilioService.TwilioWebhookHandler: missing sender")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	if numMedia, _ := strconv.Atoi(r.FormValue("NumMedia")); numMedia > 0 &&
		strings.HasPrefix(r.FormValue("MediaContentType0"), "audio/") {
		data, mime, err := s.client.DownloadMedia(r.Context(), r.FormValue("MediaUrl0"))
		if err != nil {
			slog.Error("TwilioService.TwilioWebhookHandler: media download failed", "error", err, "from", from)
			http.Error(w, "Media unavailable", http.StatusBadGateway)
			return
		}
		response.Audio = data
		response.AudioMIME = mime
		if response.AudioMIME == "" {
			response.AudioMIME = r.FormValue("MediaContentType0")
		}
	}

	if response.Body == "" && !response.IsVoice() {
		slog.Warn("TwilioService.TwilioWebhookHandler: missing fields", "from", from, "bodyLength", len(response.Body))
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	slog.Info("TwilioService.TwilioWebhookHandler: inbound message", "from", from, "voice", response.IsVoice())
	s.safeEmitResponse(response)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}

// safeEmitResponse safely pushes responses into the responses channel.
func (s *TwilioService) safeEmitResponse(response models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound response (service stopped)", "from", response.From)
		return
	}

	select {
	case s.responses <- response:
		slog.Debug("TwilioService emitted inbound response", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", response.From)
	}
}
