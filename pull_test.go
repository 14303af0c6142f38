package mirror

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/glasswing/mirror/fact"
	"github.com/glasswing/mirror/protocol"
)

func TestPullQueueCoalesce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	batches := make(chan []protocol.QueryEntry, 8)
	fetch := func(entries []protocol.QueryEntry, useGet bool) error {
		batches <- entries
		return nil
	}
	pulls := newPullQueue(ctx, fetch, 50*time.Millisecond, 3)

	docA := protocol.QueryEntry{Address: fact.Address{The: "spell", Of: "doc:alpha"}}
	docB := protocol.QueryEntry{Address: fact.Address{The: "title", Of: "doc:beta"}}

	waiters := pulls.Enqueue([]protocol.QueryEntry{docA}, false, false, true)
	waiters = append(waiters, pulls.Enqueue([]protocol.QueryEntry{docB}, false, false, true)...)
	// attaching to an already queued entry adds a waiter, not a request
	waiters = append(waiters, pulls.Enqueue([]protocol.QueryEntry{docA}, false, false, true)...)
	assert.Equal(t, 3, len(waiters))

	err := pulls.Await(ctx, waiters)
	assert.Equal(t, err, nil)

	// near-simultaneous loads flush as one selector
	select {
	case batch := <-batches:
		assert.Equal(t, 2, len(batch))
	case <-time.After(timeout):
		t.FailNow()
	}
	assert.Equal(t, 0, len(batches))

	assert.Equal(t, true, pulls.Satisfied(variantKeyOf(docA)))
	assert.Equal(t, true, pulls.Satisfied(variantKeyOf(docB)))

	// a satisfied variant costs no further round trip
	waiters = pulls.Enqueue([]protocol.QueryEntry{docA, docB}, false, false, true)
	assert.Equal(t, 0, len(waiters))

	// force bypasses the satisfied memory
	waiters = pulls.Enqueue([]protocol.QueryEntry{docA}, true, true, true)
	assert.Equal(t, 1, len(waiters))
	err = pulls.Await(ctx, waiters)
	assert.Equal(t, err, nil)
	select {
	case batch := <-batches:
		assert.Equal(t, 1, len(batch))
	case <-time.After(timeout):
		t.FailNow()
	}
}

func TestPullQueueSchemaVariants(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetchCount := 0
	fetch := func(entries []protocol.QueryEntry, useGet bool) error {
		fetchCount += 1
		return nil
	}
	pulls := newPullQueue(ctx, fetch, 5*time.Millisecond, 3)

	docA := fact.Address{The: "spell", Of: "doc:alpha"}
	plain := protocol.QueryEntry{Address: docA}
	linked := protocol.QueryEntry{
		Address: docA,
		Schema: &fact.SchemaContext{
			Path:   []string{"author"},
			Schema: fact.Value(`{"type":"object"}`),
		},
	}

	// the same address under a schema is a different variant
	assert.NotEqual(t, variantKeyOf(plain), variantKeyOf(linked))

	waiters := pulls.Enqueue([]protocol.QueryEntry{plain}, false, false, true)
	err := pulls.Await(ctx, waiters)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, pulls.Satisfied(variantKeyOf(plain)))
	assert.Equal(t, false, pulls.Satisfied(variantKeyOf(linked)))

	waiters = pulls.Enqueue([]protocol.QueryEntry{linked}, false, false, true)
	err = pulls.Await(ctx, waiters)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, pulls.Satisfied(variantKeyOf(linked)))
	assert.Equal(t, 2, fetchCount)
}

func TestPullQueueConnectionRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetchCount := 0
	fetch := func(entries []protocol.QueryEntry, useGet bool) error {
		fetchCount += 1
		if fetchCount < 3 {
			return fmt.Errorf("%w: link flapped", ErrConnection)
		}
		return nil
	}
	pulls := newPullQueue(ctx, fetch, 5*time.Millisecond, 3)

	docA := protocol.QueryEntry{Address: fact.Address{The: "spell", Of: "doc:alpha"}}
	waiters := pulls.Enqueue([]protocol.QueryEntry{docA}, false, false, true)
	err := pulls.Await(ctx, waiters)
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, fetchCount)
	assert.Equal(t, true, pulls.Satisfied(variantKeyOf(docA)))
}

func TestPullQueueRetryCeiling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetchCount := 0
	fetch := func(entries []protocol.QueryEntry, useGet bool) error {
		fetchCount += 1
		return fmt.Errorf("%w: no route", ErrConnection)
	}
	pulls := newPullQueue(ctx, fetch, 5*time.Millisecond, 3)

	docA := protocol.QueryEntry{Address: fact.Address{The: "spell", Of: "doc:alpha"}}
	waiters := pulls.Enqueue([]protocol.QueryEntry{docA}, false, false, true)
	err := pulls.Await(ctx, waiters)
	assert.Equal(t, true, errors.Is(err, ErrConnection))
	assert.Equal(t, 3, fetchCount)
	assert.Equal(t, false, pulls.Satisfied(variantKeyOf(docA)))
}

func TestPullQueueQueryErrorNoRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetchCount := 0
	fetch := func(entries []protocol.QueryEntry, useGet bool) error {
		fetchCount += 1
		return wireError(&protocol.WireError{
			Name:    protocol.ErrorNameQuery,
			Message: "bad selector",
		})
	}
	pulls := newPullQueue(ctx, fetch, 5*time.Millisecond, 3)

	docA := protocol.QueryEntry{Address: fact.Address{The: "spell", Of: "doc:alpha"}}
	waiters := pulls.Enqueue([]protocol.QueryEntry{docA}, false, false, true)
	err := pulls.Await(ctx, waiters)
	assert.Equal(t, true, errors.Is(err, ErrQuery))
	// a rejected selector never retries
	assert.Equal(t, 1, fetchCount)
	assert.Equal(t, false, pulls.Satisfied(variantKeyOf(docA)))
}
