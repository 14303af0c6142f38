package mirror

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/glasswing/mirror/fact"
	"github.com/glasswing/mirror/protocol"
)

func TestSessionQueueOrder(t *testing.T) {
	queue := newSessionQueue()

	n := 16
	refs := []fact.Hash{}
	for i := 0; i < n; i += 1 {
		ref := fact.SumOf([]byte(fmt.Sprintf("invocation %d", i)))
		refs = append(refs, ref)
		added := queue.Add(&sessionItem{
			ref:     ref,
			command: protocol.CommandGet,
			result:  make(chan *protocol.Result, 1),
		})
		assert.Equal(t, true, added)
	}

	queuedCount, sentCount := queue.QueueSize()
	assert.Equal(t, n, queuedCount)
	assert.Equal(t, 0, sentCount)

	// flush order is enqueue order
	for i := 0; i < n; i += 1 {
		item := queue.NextToSend()
		assert.Equal(t, refs[i], item.ref)
	}
	assert.Equal(t, queue.NextToSend(), nil)

	queuedCount, sentCount = queue.QueueSize()
	assert.Equal(t, 0, queuedCount)
	assert.Equal(t, n, sentCount)

	// a reconnect returns every in-flight item at its original sequence
	requeued := queue.RequeueSent()
	assert.Equal(t, n, requeued)
	for i := 0; i < n; i += 1 {
		item := queue.NextToSend()
		assert.Equal(t, refs[i], item.ref)
	}
}

func TestSessionQueueDedupeResolve(t *testing.T) {
	queue := newSessionQueue()

	ref := fact.SumOf([]byte("subscribe doc:alpha"))
	original := &sessionItem{
		ref:     ref,
		command: protocol.CommandSubscribe,
		result:  make(chan *protocol.Result, 1),
	}
	assert.Equal(t, true, queue.Add(original))

	// content addressing makes a re-issued copy a no-op
	added := queue.Add(&sessionItem{
		ref:     ref,
		command: protocol.CommandSubscribe,
	})
	assert.Equal(t, false, added)

	// resolve works on a still-queued item too
	item := queue.Resolve(ref)
	assert.Equal(t, original, item)
	assert.Equal(t, queue.Resolve(ref), nil)
	assert.Equal(t, queue.NextToSend(), nil)

	queuedCount, sentCount := queue.QueueSize()
	assert.Equal(t, 0, queuedCount)
	assert.Equal(t, 0, sentCount)
}

func TestSessionQueueRequeueOrder(t *testing.T) {
	queue := newSessionQueue()

	refA := fact.SumOf([]byte("tx a"))
	refB := fact.SumOf([]byte("tx b"))
	refC := fact.SumOf([]byte("tx c"))

	queue.Add(&sessionItem{ref: refA, command: protocol.CommandTransact, result: make(chan *protocol.Result, 1)})
	queue.Add(&sessionItem{ref: refB, command: protocol.CommandTransact, result: make(chan *protocol.Result, 1)})

	a := queue.NextToSend()
	assert.Equal(t, refA, a.ref)

	// c arrives while a is in flight
	queue.Add(&sessionItem{ref: refC, command: protocol.CommandTransact, result: make(chan *protocol.Result, 1)})

	// the write fails; a returns to the queue ahead of b and c
	queue.Requeue(a)
	assert.Equal(t, refA, queue.NextToSend().ref)
	assert.Equal(t, refB, queue.NextToSend().ref)
	assert.Equal(t, refC, queue.NextToSend().ref)

	// requeueing an item resolved in the meantime is a no-op
	b := queue.Resolve(refB)
	assert.NotEqual(t, b, nil)
	queue.Requeue(b)
	assert.Equal(t, queue.NextToSend(), nil)
}

func TestSessionQueueFireAndForget(t *testing.T) {
	queue := newSessionQueue()

	ref := fact.SumOf([]byte("ack stream-1 epoch-7"))
	assert.Equal(t, true, queue.Add(&sessionItem{
		ref:     ref,
		command: protocol.CommandAck,
	}))

	item := queue.NextToSend()
	assert.Equal(t, ref, item.ref)

	// nothing correlates to a fire-and-forget send; its return is an orphan
	assert.Equal(t, queue.Resolve(ref), nil)
	queuedCount, sentCount := queue.QueueSize()
	assert.Equal(t, 0, queuedCount)
	assert.Equal(t, 0, sentCount)

	// and the same content can be enqueued again immediately
	assert.Equal(t, true, queue.Add(&sessionItem{
		ref:     ref,
		command: protocol.CommandAck,
	}))
}
