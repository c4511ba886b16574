// Package presence is the adapter for the shared presence store: the
// authoritative record of which users are reachable and through which
// coordinator instance. Absence of a record is the definition of offline.
package presence

import (
	"context"
	"time"

	"github.com/Evian1k/sparkmatch/internal/domain"
)

// Record is what one live connection writes about itself. The TTL on the
// backing store makes a record that stops refreshing expire on its own, so a
// crashed instance never leaves users permanently "online".
type Record struct {
	UserID     domain.UserID `json:"user_id"`
	SessionID  string        `json:"session_id"`
	Instance   string        `json:"instance"`
	LastSeenAt time.Time     `json:"last_seen_at"`
}

// Store is the presence contract. Implementations must bound every call; the
// coordinator treats a failing store as "presence unknown", never as a reason
// to block.
//
// Besides user records it tracks which instance owns each active call's
// state, so control events arriving on another instance can be forwarded to
// where the call actually lives.
type Store interface {
	// Heartbeat writes the record and refreshes its TTL.
	Heartbeat(ctx context.Context, rec Record) error
	// Remove deletes the record, but only if it still belongs to sessionID,
	// so a reconnect that already wrote a fresh record is not clobbered.
	Remove(ctx context.Context, uid domain.UserID, sessionID string) error
	// Lookup returns the record and whether one exists.
	Lookup(ctx context.Context, uid domain.UserID) (Record, bool, error)

	// RecordCall marks instance as the owner of the call's state.
	RecordCall(ctx context.Context, id domain.CallID, instance string) error
	// LookupCall returns the owning instance and whether one is known.
	LookupCall(ctx context.Context, id domain.CallID) (string, bool, error)
	// RemoveCall drops the ownership entry once the call is terminal.
	RemoveCall(ctx context.Context, id domain.CallID) error
}

// Relay carries events between coordinator instances. Each instance
// subscribes to its own channel; a router that finds a recipient owned by
// another instance publishes there.
type Relay interface {
	Publish(ctx context.Context, instance string, data []byte) error
	// Subscribe blocks, invoking handler for every payload, until ctx is done.
	Subscribe(ctx context.Context, instance string, handler func([]byte)) error
}
