// Package bus abstracts the broadcast pub/sub channel participants use to
// reach each other. Delivery is best effort and unordered across
// subscribers; each subscription sees messages in publish order.
package bus

import "errors"

var (
	// ErrClosed is returned by a bus that has been shut down.
	ErrClosed = errors.New("bus: closed")
	// ErrNoSubscription is returned when unsubscribing twice.
	ErrNoSubscription = errors.New("bus: no such subscription")
)

// Handler receives raw message bytes. It is never called concurrently for
// the same subscription.
type Handler func(data []byte)

// Subscription is a revocable registration on a channel.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes and subscribes to named channels.
type Bus interface {
	Publish(channel string, data []byte) error
	Subscribe(channel string, handler Handler) (Subscription, error)
}

// SessionChannel carries signaling and shared state for one session.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// PresenceChannel carries heartbeats for a presence scope.
func PresenceChannel(scope string) string {
	return "presence:" + scope
}

// TypingChannel carries typing events for a conversation.
func TypingChannel(conversation string) string {
	return "typing:" + conversation
}
