package mirror

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/glasswing/mirror/fact"
)

func TestFactHeapMerge(t *testing.T) {
	factHeap := newFactHeap()

	docA := fact.Address{The: "spell", Of: "doc:alpha"}
	assert.Equal(t, false, factHeap.Has(docA))
	assert.Equal(t, factHeap.Get(docA), nil)

	r1 := testAssert("doc:alpha", "spell", `"abracadabra"`, 1)
	changed := factHeap.MergeAll([]*fact.Revision{r1})
	assert.Equal(t, 1, len(changed))
	assert.Equal(t, r1, factHeap.Get(docA))
	assert.Equal(t, true, factHeap.Has(docA))

	// re-merging the same batch changes nothing
	changed = factHeap.MergeAll([]*fact.Revision{r1.Clone()})
	assert.Equal(t, 0, len(changed))

	// a lower sequence loses
	r0 := testAssert("doc:alpha", "spell", `"older"`, 0)
	changed = factHeap.MergeAll([]*fact.Revision{r0})
	assert.Equal(t, 0, len(changed))
	assert.Equal(t, r1, factHeap.Get(docA))

	// a strictly greater sequence wins
	r2 := testAssert("doc:alpha", "spell", `"fizzbuzz"`, 2)
	changed = factHeap.MergeAll([]*fact.Revision{r2})
	assert.Equal(t, 1, len(changed))
	assert.Equal(t, r2, factHeap.Get(docA))

	// the heap never evicts
	assert.Equal(t, 1, factHeap.Size())
	assert.Equal(t, []fact.Address{docA}, factHeap.Addresses())
}

func TestFactHeapSubscribe(t *testing.T) {
	factHeap := newFactHeap()

	docA := fact.Address{The: "spell", Of: "doc:alpha"}
	docB := fact.Address{The: "title", Of: "doc:beta"}

	notifiesA := make(chan *fact.Revision, 8)
	unsubA := factHeap.Subscribe(docA, func(revision *fact.Revision) {
		notifiesA <- revision
	})
	notifiesB := make(chan *fact.Revision, 8)
	factHeap.Subscribe(docB, func(revision *fact.Revision) {
		notifiesB <- revision
	})

	// no replay on subscribe
	assert.Equal(t, 0, len(notifiesA))
	assert.Equal(t, 0, len(notifiesB))

	a1 := testAssert("doc:alpha", "spell", `"abracadabra"`, 1)
	b1 := testAssert("doc:beta", "title", `"grimoire"`, 1)
	factHeap.MergeAll([]*fact.Revision{a1, b1})

	assert.Equal(t, a1, <-notifiesA)
	assert.Equal(t, b1, <-notifiesB)
	assert.Equal(t, 0, len(notifiesA))
	assert.Equal(t, 0, len(notifiesB))

	// an idempotent re-merge notifies no one
	factHeap.MergeAll([]*fact.Revision{a1.Clone(), b1.Clone()})
	assert.Equal(t, 0, len(notifiesA))
	assert.Equal(t, 0, len(notifiesB))

	// one notification per address per batch, even when both change
	a2 := testAssert("doc:alpha", "spell", `"fizzbuzz"`, 2)
	b2 := testAssert("doc:beta", "title", `"codex"`, 2)
	factHeap.MergeAll([]*fact.Revision{a2, b2})
	assert.Equal(t, a2, <-notifiesA)
	assert.Equal(t, b2, <-notifiesB)
	assert.Equal(t, 0, len(notifiesA))
	assert.Equal(t, 0, len(notifiesB))

	unsubA()
	a3 := testAssert("doc:alpha", "spell", `"xyzzy"`, 3)
	factHeap.MergeAll([]*fact.Revision{a3})
	assert.Equal(t, 0, len(notifiesA))
}

func TestFactHeapNotifyOverlay(t *testing.T) {
	factHeap := newFactHeap()

	docA := fact.Address{The: "spell", Of: "doc:alpha"}
	notifies := make(chan *fact.Revision, 8)
	factHeap.Subscribe(docA, func(revision *fact.Revision) {
		notifies <- revision
	})

	// an overlay notification fans without touching the resident value
	staged := testAssert("doc:alpha", "spell", `"draft"`, fact.UnclaimedSeq)
	factHeap.Notify(docA, staged)
	assert.Equal(t, staged, <-notifies)
	assert.Equal(t, factHeap.Get(docA), nil)
	assert.Equal(t, 0, factHeap.Size())

	// a panicking subscriber does not take down the notifier
	factHeap.Subscribe(docA, func(revision *fact.Revision) {
		panic("subscriber tantrum")
	})
	factHeap.Notify(docA, staged)
	assert.Equal(t, staged, <-notifies)
}
