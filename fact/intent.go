package fact

import "errors"

var ErrUnknownIntent = errors.New("unknown intent kind")

// Intent is one write intention against a single address.
// It resolves to a stageable revision through BuildRevision.
type Intent interface {
	Address() Address
}

// Assert claims a value for an address.
type Assert struct {
	Of  Entity
	The Attribute
	Is  Value
}

func (self Assert) Address() Address {
	return Address{
		The: self.The,
		Of:  self.Of,
	}
}

// Retract withdraws whatever value an address currently holds.
type Retract struct {
	Of  Entity
	The Attribute
}

func (self Retract) Address() Address {
	return Address{
		The: self.The,
		Of:  self.Of,
	}
}

// BuildRevision resolves an intent against the current revision of its
// address into the next revision to stage. The built revision's cause is the
// content hash of the current revision, or of the address's unclaimed
// sentinel when nothing was ever claimed. ok is false when the intent is a
// no-op (retracting an already-absent value) and nothing should be staged
// or sent.
func BuildRevision(current *Revision, intent Intent) (revision *Revision, ok bool, err error) {
	address := intent.Address()
	if err := address.Validate(); err != nil {
		return nil, false, err
	}

	base := current
	if base == nil {
		base = Unclaimed(address)
	}
	cause, err := base.Ref()
	if err != nil {
		return nil, false, err
	}

	switch v := intent.(type) {
	case Assert:
		is, err := CanonicalValue(v.Is)
		if err != nil {
			return nil, false, err
		}
		revision = &Revision{
			The:   address.The,
			Of:    address.Of,
			Is:    is,
			Cause: &cause,
			Since: UnclaimedSeq,
		}
	case Retract:
		if !base.Asserted() {
			// already absent, nothing to send
			return nil, false, nil
		}
		revision = &Revision{
			The:   address.The,
			Of:    address.Of,
			Cause: &cause,
			Since: UnclaimedSeq,
		}
	default:
		return nil, false, ErrUnknownIntent
	}

	if err := revision.Validate(); err != nil {
		return nil, false, err
	}
	return revision, true, nil
}
