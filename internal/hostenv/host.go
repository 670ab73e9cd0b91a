// Package hostenv abstracts the shared coordination substrate a Host
// provides: conditional-put leader/heartbeat slots and a broadcast
// channel, per spec.md §4.8/§6. Two implementations are provided: Local
// (in-process, every "peer" a goroutine) and Networked (bbolt-backed
// slots plus an embedded NATS server, standing in for separate browser
// tabs sharing one origin).
package hostenv

import (
	"context"
	"time"
)

// MessageKind tags the envelope types spec.md §6 defines for the
// broadcast channel.
type MessageKind string

const (
	KindDataChange  MessageKind = "data_change"
	KindWriteReq    MessageKind = "write_request"
	KindWriteResult MessageKind = "write_result"
	KindLeaderClaim MessageKind = "leader_claim"
)

// Message is the broadcast envelope. Only the fields relevant to Kind are
// populated; see spec.md §6 for the per-kind field sets.
type Message struct {
	Kind MessageKind

	// data_change
	Sequence    uint64
	FromInstance string
	Tables      []string
	Timestamp   time.Time

	// write_request / write_result
	Token    string
	SQL      string
	Params   []byte // engine-specific encoding, opaque to hostenv
	Deadline time.Time
	Origin   string
	OK       bool
	Payload  []byte
	ErrMsg   string

	// leader_claim
	InstanceID string
	At         time.Time
}

// LeaderInfo is the value stored at the datasync_leader_<db> slot.
type LeaderInfo struct {
	InstanceID string
	AcquiredAt time.Time
}

// Subscription delivers Messages published to one database's channel
// until Close is called.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Host is the coordination substrate the Coordinator (C8) depends on. All
// methods are safe for concurrent use across goroutines standing in for
// separate peers.
type Host interface {
	// GetLeader returns the current leader slot for db, if any.
	GetLeader(ctx context.Context, db string) (LeaderInfo, bool, error)
	// ClaimLeader conditionally installs info as db's leader: it succeeds
	// only if no leader is currently recorded, or the recorded leader's
	// heartbeat has gone stale past the caller-supplied timeout. A lost
	// race returns ok=false, not an error (spec.md §5 "lost races surface
	// as a no-op").
	ClaimLeader(ctx context.Context, db string, info LeaderInfo, staleAfter time.Duration) (ok bool, err error)
	// ReleaseLeader clears db's leader slot if instanceID currently holds it.
	ReleaseLeader(ctx context.Context, db, instanceID string) error
	// Heartbeat records a liveness timestamp for instanceID.
	Heartbeat(ctx context.Context, db, instanceID string, at time.Time) error

	// Publish broadcasts msg to every current subscriber of db's channel.
	Publish(ctx context.Context, db string, msg Message) error
	// Subscribe joins db's broadcast channel.
	Subscribe(ctx context.Context, db string) (Subscription, error)

	// Now returns the host's notion of current time, overridable in tests.
	Now() time.Time

	// Close releases any resources the Host itself owns (NATS server,
	// bbolt file, etc). Subscriptions and slots created before Close
	// become unusable afterward.
	Close() error
}
