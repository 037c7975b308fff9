// Package devicelink models the local channel between a wearable and its
// companion phone. Two delivery classes mirror the platform contract:
// instant sends fail immediately while the peer is unreachable, guaranteed
// sends are held back and drained in order once reachability resumes.
package devicelink

import (
	"errors"

	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
)

// ErrUnreachable is returned by instant sends when the peer cannot take the
// message right now. A saturated receive window counts as unreachable.
var ErrUnreachable = errors.New("devicelink: peer unreachable")

// Link is one endpoint of the wearable⇄phone channel.
type Link interface {
	// SendInstant delivers now or fails with ErrUnreachable. Never retries.
	SendInstant(msg protocol.Message) error
	// SendGuaranteed never fails: the message survives peer unavailability
	// and is delivered FIFO when the peer becomes reachable.
	SendGuaranteed(msg protocol.Message)
	// Receive yields inbound messages. Closed when the link closes.
	Receive() <-chan protocol.Message
	Reachable() bool
	// ReachabilityChanges notifies transitions; latest state only, may
	// coalesce under load.
	ReachabilityChanges() <-chan bool
	Close()
}
