package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// Command names understood by Handle, without the leading slash.
const (
	CommandStart          = "start"
	CommandHelp           = "help"
	CommandUnsubscribe    = "unsubscribe"
	CommandClearBirthData = "clear_birth_data"
)

// ParseCommand splits a "/name args" message. The optional "@botname" suffix
// Telegram appends in group chats is dropped. ok is false for plain text.
func ParseCommand(text string) (name string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", false
	}
	name = fields[0]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), name != ""
}

// Handle routes one inbound message: commands go to their operation and
// everything else is treated as a conversational turn.
func (p *Pipeline) Handle(ctx context.Context, userID, displayName, text string) (models.Reply, error) {
	name, ok := ParseCommand(text)
	if !ok {
		return p.OnText(ctx, userID, displayName, text)
	}
	slog.Debug("Pipeline.Handle: command", "userID", userID, "command", name)

	switch name {
	case CommandStart:
		return p.Start(ctx, userID, displayName)
	case CommandHelp:
		return models.TextReply(TextHelp), nil
	case CommandUnsubscribe:
		return p.Unsubscribe(ctx, userID)
	case CommandClearBirthData:
		return p.ClearBirthData(ctx, userID)
	}
	role, err := models.ParseRole(name)
	if err != nil {
		slog.Debug("Pipeline.Handle: unknown command", "userID", userID, "command", name)
		return models.TextReply(TextHelp), nil
	}
	return p.SelectRole(ctx, userID, displayName, role)
}
