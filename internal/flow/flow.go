// Package flow implements the PersonaPipe conversation core: role dispatch,
// birth-data collection, prompt composition and the per-turn response pipeline.
package flow

import "context"

// Announcer shows a short notice to the user while a reply is being generated.
type Announcer interface {
	Announce(ctx context.Context, userID, text string) error
}

// Notifier delivers operational notices, such as new-user events, to an administrator.
type Notifier interface {
	NotifyAdmin(ctx context.Context, text string) error
}

// Opts holds configuration options for the Pipeline.
type Opts struct {
	HistoryLimit int
	Announcer    Announcer
	Notifier     Notifier
	StateManager StateManager
}

// Option defines a configuration option for the Pipeline.
type Option func(*Opts)

// WithHistoryLimit sets how many history entries are fed to the composer.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithAnnouncer sets the waiting-notice sink.
func WithAnnouncer(a Announcer) Option {
	return func(o *Opts) { o.Announcer = a }
}

// WithNotifier sets the administrator notification sink.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithStateManager overrides the session state manager. By default sessions
// live in the store's flow_states table.
func WithStateManager(sm StateManager) Option {
	return func(o *Opts) { o.StateManager = sm }
}
