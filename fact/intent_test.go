package fact

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestBuildRevisionGenesis(t *testing.T) {
	address := Address{The: "note/text", Of: "urn:test:a"}

	revision, ok, err := BuildRevision(nil, Assert{Of: address.Of, The: address.The, Is: Value(`"hello"`)})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, address, revision.Address())
	assert.Equal(t, `"hello"`, string(revision.Is))
	assert.Equal(t, UnclaimedSeq, revision.Since)

	// a first assertion names the unclaimed sentinel as its cause
	assert.Equal(t, Unclaimed(address).RequireRef(), *revision.Cause)
	assert.Equal(t, nil, revision.Validate())
}

func TestBuildRevisionChainsCause(t *testing.T) {
	address := Address{The: "note/text", Of: "urn:test:a"}

	first, ok, err := BuildRevision(nil, Assert{Of: address.Of, The: address.The, Is: Value(`1`)})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	first.Since = 4 // as if confirmed

	second, ok, err := BuildRevision(first, Assert{Of: address.Of, The: address.The, Is: Value(`2`)})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, first.RequireRef(), *second.Cause)
	assert.NotEqual(t, *first.Cause, *second.Cause)
}

func TestBuildRevisionCanonicalizesValue(t *testing.T) {
	address := Address{The: "note/meta", Of: "urn:test:a"}

	revision, ok, err := BuildRevision(nil, Assert{Of: address.Of, The: address.The, Is: Value(`{"b": 2, "a": 1}`)})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, `{"a":1,"b":2}`, string(revision.Is))

	_, _, err = BuildRevision(nil, Assert{Of: address.Of, The: address.The, Is: Value(`{broken`)})
	assert.NotEqual(t, nil, err)
}

func TestBuildRevisionRetract(t *testing.T) {
	address := Address{The: "note/text", Of: "urn:test:a"}

	// retracting something never claimed is a no-op, not sent
	revision, ok, err := BuildRevision(nil, Retract{Of: address.Of, The: address.The})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)
	assert.Equal(t, true, revision == nil)

	// same for an already-retracted current revision
	current, _, _ := BuildRevision(nil, Assert{Of: address.Of, The: address.The, Is: Value(`1`)})
	current.Since = 2
	retraction, ok, err := BuildRevision(current, Retract{Of: address.Of, The: address.The})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, retraction.Retracted())
	assert.Equal(t, current.RequireRef(), *retraction.Cause)

	retraction.Since = 3
	_, ok, err = BuildRevision(retraction, Retract{Of: address.Of, The: address.The})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)
}

func TestBuildRevisionRejectsIncompleteAddress(t *testing.T) {
	_, _, err := BuildRevision(nil, Assert{The: "note/text", Is: Value(`1`)})
	assert.Equal(t, ErrIncompleteAddress, err)

	_, _, err = BuildRevision(nil, Retract{Of: "urn:test:a"})
	assert.Equal(t, ErrIncompleteAddress, err)
}
