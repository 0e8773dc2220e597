// Package relay fans fetched match snapshots out to live client connections.
//
// A Registry tracks the connections, the Engine runs broadcast cycles against
// an upstream Fetcher, the Scheduler fires timer cycles and the Hub drives
// the per-connection session lifecycle.
package relay

import (
	"context"

	"github.com/Krishnakrish77/api-lab/internal/domain/schema"
)

// Conn is a client connection as seen by the relay. The relay never owns the
// underlying channel; it only queries its state and writes to it.
type Conn interface {
	// ID returns a stable identifier assigned when the connection was accepted.
	ID() string
	// IsOpen reports the live state of the underlying channel.
	IsOpen() bool
	// Send writes one complete text message.
	Send(ctx context.Context, payload []byte) error
}

// Fetcher retrieves the current match listing.
type Fetcher interface {
	FetchSnapshot(ctx context.Context) (schema.FetchResult, error)
}

// Trigger names what started a broadcast cycle.
type Trigger string

const (
	TriggerConnect Trigger = "connect"
	TriggerTimer   Trigger = "timer"
	TriggerRefresh Trigger = "refresh"
)

func (t Trigger) String() string { return string(t) }

// cycleTrigger is implemented by Engine.
type cycleTrigger interface {
	Trigger(trigger Trigger) bool
}
