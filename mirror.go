// Package mirror maintains a local replica of a remote append-only revision
// store. The replica serves reads from memory, stages writes optimistically
// before the remote confirms them, and reconciles both across arbitrary
// connection loss. Confirmed state lives in an in-session heap, unconfirmed
// writes in a nursery overlay, and an optional durable cache warms the heap
// across process restarts.
package mirror

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/glasswing/mirror/fact"
	"github.com/glasswing/mirror/protocol"
)

// events surfaced to the end user

type RevisionFunction = func(revision *fact.Revision)

type DeliverFunction = func(deliver *protocol.Deliver)

type SessionStateFunction = func(state SessionState)

// Transport is the duplex channel the replica drives. Session implements it
// over a websocket; tests implement it in memory. Calls block until the
// remote answers, across reconnects if needed.
type Transport interface {
	Get(ctx context.Context, query *protocol.Query) (*protocol.Result, error)
	// Subscribe registers durable interest: the remote answers with the
	// current facts and then pushes deliveries as they change. The transport
	// re-issues the subscription after every reconnect.
	Subscribe(ctx context.Context, query *protocol.Query) (*protocol.Result, error)
	Transact(ctx context.Context, tx *protocol.Transaction) (*protocol.Result, error)
	AddDeliverCallback(deliverCallback DeliverFunction) func()
}

// NewInstanceId mints an id for session instances, consumers, and
// transactions.
func NewInstanceId() string {
	return ulid.Make().String()
}
