// Package messaging provides transport adapters and the response handler that
// routes incoming messages into the conversation pipeline.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/PersonaPipe/internal/flow"
	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// Fixed texts sent by the handler itself.
const (
	TextListening         = "Слушаю ваше голосовое сообщение, пожалуйста, дождитесь ответа."
	TextVoiceUnrecognized = "Не удалось распознать речь. Попробуйте снова."
	TextVoiceServiceError = "Ошибка сервиса распознавания речи. Попробуйте снова позже."
	TextFeedbackPrompt    = "Пожалуйста, оставьте ваш отзыв или предложение. Введите ваше сообщение:"
	TextFeedbackThanks    = "Спасибо за ваш отзыв! Он был отправлен администратору."
	TextFeedbackCancelled = "Отмена отправки отзыва."
	TextFeedbackForAdmin  = "Новая обратная связь от пользователя %s (%s):\n\n%s"
)

// Commands handled here rather than by the conversation.
const (
	CommandFeedback = "feedback"
	CommandCancel   = "cancel"
)

// Conversation is the pipeline surface the handler drives. *flow.Pipeline implements it.
type Conversation interface {
	Handle(ctx context.Context, userID, displayName, text string) (models.Reply, error)
	OnVoice(ctx context.Context, userID, displayName, transcribed string) (models.Reply, error)
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithTranscriber enables voice messages.
func WithTranscriber(t genai.Transcriber) HandlerOption {
	return func(rh *ResponseHandler) { rh.transcriber = t }
}

// WithFeedbackNotifier sets where /feedback messages are forwarded.
func WithFeedbackNotifier(n flow.Notifier) HandlerOption {
	return func(rh *ResponseHandler) { rh.notifier = n }
}

// ResponseHandler consumes a Service's responses, serializes them per user and
// sends the conversation's replies back through the same service.
type ResponseHandler struct {
	msgService  Service
	conv        Conversation
	transcriber genai.Transcriber
	notifier    flow.Notifier
	queue       *UserQueue

	mu       sync.Mutex
	options  map[string][]models.ReplyOption // options of the last reply, for numbered answers
	feedback map[string]bool                 // users whose next text is feedback
}

// NewResponseHandler creates a handler that feeds msgService's responses to conv.
func NewResponseHandler(msgService Service, conv Conversation, opts ...HandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		msgService: msgService,
		conv:       conv,
		options:    make(map[string][]models.ReplyOption),
		feedback:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(rh)
	}
	rh.queue = NewUserQueue(func(ctx context.Context, r models.Response) {
		if err := rh.ProcessResponse(ctx, r); err != nil {
			slog.Error("ResponseHandler: failed to process response", "error", err, "from", r.From)
		}
	})
	return rh
}

// Start begins processing responses from the messaging service.
// This should be called once to start the response processing loop.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler.Start: starting response processing")
	go func() {
		defer slog.Info("ResponseHandler.Start: stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler.Start: responses channel closed")
					return
				}
				canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
				if err != nil {
					slog.Warn("ResponseHandler.Start: dropping response from invalid sender", "error", err, "from", response.From)
					continue
				}
				response.From = canonical
				rh.queue.Submit(ctx, canonical, response)
			case <-ctx.Done():
				slog.Debug("ResponseHandler.Start: stopping due to context cancellation")
				return
			}
		}
	}()
}

// Wait blocks until all queued responses have been handled.
func (rh *ResponseHandler) Wait() {
	rh.queue.Wait()
}

// ProcessResponse handles one incoming message synchronously: voice is
// transcribed, feedback and numbered answers are resolved, and the rest goes
// to the conversation. Callers must not run two ProcessResponse calls for the
// same user concurrently; Start guarantees this through the user queue.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler.ProcessResponse: validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	slog.Debug("ResponseHandler.ProcessResponse: processing", "from", from, "voice", response.IsVoice(), "bodyLength", len(response.Body))

	var reply models.Reply
	if response.IsVoice() {
		reply, err = rh.handleVoice(ctx, from, response)
	} else {
		reply, err = rh.handleText(ctx, from, response.Name, response.Body)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		slog.Error("ResponseHandler.ProcessResponse: turn failed", "error", err, "from", from)
		if sendErr := rh.msgService.SendMessage(ctx, from, flow.TextApology); sendErr != nil {
			slog.Error("ResponseHandler.ProcessResponse: failed to send apology", "error", sendErr, "from", from)
		}
		return err
	}
	return rh.send(ctx, from, reply)
}

func (rh *ResponseHandler) handleVoice(ctx context.Context, from string, response models.Response) (models.Reply, error) {
	if rh.transcriber == nil {
		slog.Warn("ResponseHandler.handleVoice: no transcriber configured", "from", from)
		return models.TextReply(TextVoiceServiceError), nil
	}
	if err := rh.msgService.SendMessage(ctx, from, TextListening); err != nil {
		slog.Warn("ResponseHandler.handleVoice: listening notice failed", "error", err, "from", from)
	}
	text, err := rh.transcriber.Transcribe(ctx, response.Audio, response.AudioMIME)
	switch {
	case errors.Is(err, genai.ErrEmptyAudio):
		return models.TextReply(TextVoiceUnrecognized), nil
	case err != nil:
		if ctx.Err() != nil {
			return models.Reply{}, ctx.Err()
		}
		slog.Error("ResponseHandler.handleVoice: transcription failed", "error", err, "from", from)
		return models.TextReply(TextVoiceServiceError), nil
	case strings.TrimSpace(text) == "":
		return models.TextReply(TextVoiceUnrecognized), nil
	}
	slog.Debug("ResponseHandler.handleVoice: transcribed", "from", from, "length", len(text))
	return rh.conv.OnVoice(ctx, from, response.Name, text)
}

func (rh *ResponseHandler) handleText(ctx context.Context, from, name, body string) (models.Reply, error) {
	body = strings.TrimSpace(body)
	cmd, isCommand := flow.ParseCommand(body)

	switch {
	case isCommand && cmd == CommandFeedback:
		rh.setFeedback(from, true)
		return models.TextReply(TextFeedbackPrompt), nil
	case isCommand && cmd == CommandCancel && rh.awaitingFeedback(from):
		rh.setFeedback(from, false)
		return models.TextReply(TextFeedbackCancelled), nil
	case !isCommand && body != "" && rh.awaitingFeedback(from):
		rh.setFeedback(from, false)
		return rh.forwardFeedback(ctx, from, name, body), nil
	}

	if !isCommand {
		body = rh.resolveOption(from, body)
	}
	return rh.conv.Handle(ctx, from, name, body)
}

func (rh *ResponseHandler) forwardFeedback(ctx context.Context, from, name, body string) models.Reply {
	if name == "" {
		name = "—"
	}
	if rh.notifier == nil {
		slog.Warn("ResponseHandler.forwardFeedback: no notifier configured, feedback only logged", "from", from, "feedback", body)
	} else if err := rh.notifier.NotifyAdmin(ctx, fmt.Sprintf(TextFeedbackForAdmin, name, from, body)); err != nil {
		slog.Error("ResponseHandler.forwardFeedback: notify failed", "error", err, "from", from)
	}
	slog.Info("ResponseHandler.forwardFeedback: feedback received", "from", from)
	return models.TextReply(TextFeedbackThanks)
}

// resolveOption maps a bare number to the matching option of the last reply.
func (rh *ResponseHandler) resolveOption(from, body string) string {
	n, err := strconv.Atoi(body)
	if err != nil {
		return body
	}
	rh.mu.Lock()
	opts := rh.options[from]
	rh.mu.Unlock()
	if n < 1 || n > len(opts) {
		return body
	}
	slog.Debug("ResponseHandler.resolveOption: numbered answer", "from", from, "choice", n, "data", opts[n-1].Data)
	return opts[n-1].Data
}

func (rh *ResponseHandler) send(ctx context.Context, to string, reply models.Reply) error {
	rh.mu.Lock()
	if len(reply.Options) > 0 {
		rh.options[to] = reply.Options
	} else if !reply.IsEmpty() {
		delete(rh.options, to)
	}
	rh.mu.Unlock()

	if reply.IsEmpty() {
		return nil
	}
	if err := rh.msgService.SendReply(ctx, to, reply); err != nil {
		slog.Error("ResponseHandler.send: failed", "error", err, "to", to)
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

func (rh *ResponseHandler) setFeedback(from string, on bool) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	if on {
		rh.feedback[from] = true
	} else {
		delete(rh.feedback, from)
	}
}

func (rh *ResponseHandler) awaitingFeedback(from string) bool {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.feedback[from]
}
