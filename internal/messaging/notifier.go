package messaging

import (
	"context"
	"log/slog"
)

// AdminNotifier delivers operational notices to the administrator through a
// Service. It implements flow.Notifier.
type AdminNotifier struct {
	msgService Service
	adminID    string
}

// NewAdminNotifier creates a notifier. An empty adminID disables delivery.
func NewAdminNotifier(msgService Service, adminID string) *AdminNotifier {
	return &AdminNotifier{msgService: msgService, adminID: adminID}
}

// NotifyAdmin sends text to the administrator.
func (n *AdminNotifier) NotifyAdmin(ctx context.Context, text string) error {
	if n.adminID == "" {
		slog.Debug("AdminNotifier.NotifyAdmin: no admin configured, skipping", "length", len(text))
		return nil
	}
	return n.msgService.SendMessage(ctx, n.adminID, text)
}

// Announcer sends waiting notices to users through a Service. It implements flow.Announcer.
type Announcer struct {
	msgService Service
}

// NewAnnouncer creates an announcer.
func NewAnnouncer(msgService Service) *Announcer {
	return &Announcer{msgService: msgService}
}

// Announce sends text to userID.
func (a *Announcer) Announce(ctx context.Context, userID, text string) error {
	return a.msgService.SendMessage(ctx, userID, text)
}
