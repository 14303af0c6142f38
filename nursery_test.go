package mirror

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/glasswing/mirror/fact"
)

func TestNurseryStageDiscard(t *testing.T) {
	nursery := newNursery()

	docA := fact.Address{The: "spell", Of: "doc:alpha"}
	assert.Equal(t, nursery.Get(docA), nil)
	assert.Equal(t, 0, nursery.Size())

	first := testAssert("doc:alpha", "spell", `"draft-1"`, fact.UnclaimedSeq)
	err := nursery.Stage([]*fact.Revision{first})
	assert.Equal(t, err, nil)
	assert.Equal(t, first, nursery.Get(docA))
	assert.Equal(t, 1, nursery.Size())
	assert.Equal(t, []fact.Address{docA}, nursery.Addresses())

	// a newer batch stages over the same address
	second := testChainedAssert(first, `"draft-2"`)
	err = nursery.Stage([]*fact.Revision{second})
	assert.Equal(t, err, nil)
	assert.Equal(t, second, nursery.Get(docA))
	assert.Equal(t, 1, nursery.Size())

	// the first batch resolving late must not clobber the newer entry
	discarded := nursery.Discard([]*fact.Revision{first})
	assert.Equal(t, 0, len(discarded))
	assert.Equal(t, second, nursery.Get(docA))

	discarded = nursery.Discard([]*fact.Revision{second})
	assert.Equal(t, []fact.Address{docA}, discarded)
	assert.Equal(t, nursery.Get(docA), nil)
	assert.Equal(t, 0, nursery.Size())

	// discarding an absent entry is a no-op
	discarded = nursery.Discard([]*fact.Revision{second})
	assert.Equal(t, 0, len(discarded))
}

func TestNurseryDiscardMatchesServerStamp(t *testing.T) {
	nursery := newNursery()

	docA := fact.Address{The: "spell", Of: "doc:alpha"}
	staged := testAssert("doc:alpha", "spell", `"draft-1"`, fact.UnclaimedSeq)
	err := nursery.Stage([]*fact.Revision{staged})
	assert.Equal(t, err, nil)

	// the confirmed clone carries a server sequence, but identity ignores
	// bookkeeping, so it still matches the staged entry
	confirmed := staged.Clone()
	confirmed.Since = 11
	discarded := nursery.Discard([]*fact.Revision{confirmed})
	assert.Equal(t, []fact.Address{docA}, discarded)
	assert.Equal(t, nursery.Get(docA), nil)
}
