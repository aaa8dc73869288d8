// Package models defines the core data structures for PersonaPipe.
//
// It includes the persona and profile types shared across the store, flow,
// messaging and api modules, plus the JSON envelope used by the HTTP API.
package models

import "strings"

// Validation constants for input validation
const (
	// MaxMessageLength bounds the text accepted from a transport in one turn.
	MaxMessageLength = 4096
	// DefaultHistoryLimit is the number of history entries fed to the composer.
	DefaultHistoryLimit = 10
)

// Speaker tags used in the history log.
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// ReplyOption is a selectable choice attached to a reply. Transports that
// support buttons render it as one; the others list it as text.
type ReplyOption struct {
	Label string `json:"label"`
	Data  string `json:"data"` // text fed back to the bot when the option is chosen
}

// Reply is the text PersonaPipe sends back to a user for one turn.
type Reply struct {
	Text    string        `json:"text"`
	Options []ReplyOption `json:"options,omitempty"`
}

// TextReply builds a reply without options.
func TextReply(text string) Reply {
	return Reply{Text: text}
}

// IsEmpty reports whether the reply carries nothing to send.
func (r Reply) IsEmpty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.Options) == 0
}

// Response represents an incoming message from a user, as delivered by a transport.
type Response struct {
	From      string `json:"from"`                 // canonical user id on the transport
	Name      string `json:"name,omitempty"`       // display name, when the transport knows it
	Body      string `json:"body"`                 // message text or button callback data
	Time      int64  `json:"time"`                 // unix seconds
	Audio     []byte `json:"-"`                    // voice payload, transcribed before the core sees it
	AudioMIME string `json:"audio_mime,omitempty"` // e.g. audio/ogg
}

// IsVoice reports whether the response carries a voice payload.
func (r Response) IsVoice() bool {
	return len(r.Audio) > 0
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
