package push

import "github.com/mfinley/docsync/internal/store"

// notificationBuffer is the capacity of the notification channel.
// Publishes never block; an unread notification beyond this is dropped.
const notificationBuffer = 16

// NotificationKind discriminates user-visible notification intents.
type NotificationKind string

const (
	// NotificationFileTerminal fires when a file transitions into a
	// terminal status (processed or failed).
	NotificationFileTerminal NotificationKind = "file_terminal"

	// NotificationRealtimeLost fires once when reconnect attempts are
	// exhausted and real-time updates are no longer available.
	NotificationRealtimeLost NotificationKind = "realtime_lost"
)

// Notification is an intent the UI layer may render as a toast.
type Notification struct {
	Kind NotificationKind
	File store.FileRecord
	Err  error
}

// Notifier fans user-visible notification intents out to one consumer
// channel. Publishing is non-blocking.
type Notifier struct {
	ch chan Notification
}

// NewNotifier creates a Notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan Notification, notificationBuffer)}
}

// C is the consumer side.
func (n *Notifier) C() <-chan Notification {
	return n.ch
}

// Publish delivers a notification without blocking.
func (n *Notifier) Publish(notif Notification) {
	select {
	case n.ch <- notif:
	default:
	}
}
