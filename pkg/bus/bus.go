// Package bus provides the publish/subscribe fan-out the engine uses to
// broadcast snapshot updates to renderers. The default implementation is
// in-memory; a NATS-backed option exists for out-of-process renderers.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed bus or subscription.
var ErrClosed = errors.New("bus or subscription closed")

// MessageBus is the fan-out interface. Implementations must be safe for
// concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The handler runs on the subscription's own goroutine.
	// Supports wildcards: "spool.session.*" matches "spool.session.abc",
	// and ">" matches one or more trailing tokens.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// Config holds connection settings for networked bus implementations.
type Config struct {
	URL     string
	Name    string
	Timeout time.Duration
}

// DefaultConfig returns settings suitable for a local NATS server.
func DefaultConfig() Config {
	return Config{Name: "spool", Timeout: 30 * time.Second}
}

// SnapshotSubject returns the subject snapshots for a session are published
// on.
func SnapshotSubject(sessionID string) string {
	if sessionID == "" {
		sessionID = "_local"
	}
	return "spool.session." + sessionID + ".snapshot"
}
