package fact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// value model for the replicated store:
// an Address identifies one attribute slot of one entity,
// a Revision is what was at that slot as of some server sequence number

var ErrMissingCause = errors.New("asserted revision must name its cause")
var ErrIncompleteAddress = errors.New("address must carry both entity and attribute")

// Entity is a URI reference to the subject of a fact.
type Entity string

// Attribute names the kind of slot on an entity, e.g. "application/json".
type Attribute string

// Value is a raw JSON document. nil means the slot holds nothing.
type Value = json.RawMessage

// Seq is a server-assigned sequence number. Within one address it is the
// single total order used for reconciliation.
type Seq int64

// UnclaimedSeq marks a revision the server never confirmed: either the
// unclaimed sentinel or a locally staged, not-yet-committed write.
const UnclaimedSeq Seq = -1

// comparable
type Address struct {
	The Attribute
	Of  Entity
}

// Key derives the stable `of/the` string used for wire selectors and
// durable cache keys. Equal addresses key identically.
func (self Address) Key() string {
	return fmt.Sprintf("%s/%s", self.Of, self.The)
}

func (self Address) String() string {
	return self.Key()
}

func (self Address) Validate() error {
	if self.The == "" || self.Of == "" {
		return ErrIncompleteAddress
	}
	return nil
}

// comparable
type Hash [32]byte

func SumOf(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

func ParseHash(hashStr string) (Hash, error) {
	b, err := hex.DecodeString(hashStr)
	if err != nil {
		return Hash{}, err
	}
	if len(b) != 32 {
		return Hash{}, fmt.Errorf("hash must be 32 bytes: %d", len(b))
	}
	return Hash(b), nil
}

func RequireParseHash(hashStr string) Hash {
	hash, err := ParseHash(hashStr)
	if err != nil {
		panic(err)
	}
	return hash
}

func (self Hash) String() string {
	return hex.EncodeToString(self[0:32])
}

func (self Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.String())
}

func (self *Hash) UnmarshalJSON(src []byte) error {
	var hashStr string
	if err := json.Unmarshal(src, &hashStr); err != nil {
		return err
	}
	hash, err := ParseHash(hashStr)
	if err != nil {
		return err
	}
	*self = hash
	return nil
}

// Revision is the value (or absence) at an address as of `since`.
// `is` absent means retracted or unclaimed. `cause` is the content hash of
// the revision this one supersedes; a first assertion names the address's
// unclaimed sentinel, so an asserted revision always carries a cause.
type Revision struct {
	The   Attribute `json:"the"`
	Of    Entity    `json:"of"`
	Is    Value     `json:"is,omitempty"`
	Cause *Hash     `json:"cause,omitempty"`
	Since Seq       `json:"since"`
}

// Unclaimed is the sentinel recording "we asked the server and it had
// nothing," stored locally to avoid repeated misses.
func Unclaimed(address Address) *Revision {
	return &Revision{
		The:   address.The,
		Of:    address.Of,
		Since: UnclaimedSeq,
	}
}

func (self *Revision) Address() Address {
	return Address{
		The: self.The,
		Of:  self.Of,
	}
}

func (self *Revision) Asserted() bool {
	return self.Is != nil
}

func (self *Revision) Unclaimed() bool {
	return self.Is == nil && self.Cause == nil && self.Since == UnclaimedSeq
}

func (self *Revision) Retracted() bool {
	return self.Is == nil && !self.Unclaimed()
}

func (self *Revision) Validate() error {
	if err := self.Address().Validate(); err != nil {
		return err
	}
	if self.Is != nil && self.Cause == nil {
		return ErrMissingCause
	}
	return nil
}

// Ref computes the content hash of the fact portion of the revision.
// `since` is server bookkeeping, not identity, and never participates.
func (self *Revision) Ref() (Hash, error) {
	fact := map[string]any{
		"the": self.The,
		"of":  self.Of,
	}
	if self.Is != nil {
		fact["is"] = self.Is
	}
	if self.Cause != nil {
		fact["cause"] = self.Cause.String()
	}
	return RefOf(fact)
}

func (self *Revision) RequireRef() Hash {
	ref, err := self.Ref()
	if err != nil {
		panic(err)
	}
	return ref
}

func (self *Revision) Clone() *Revision {
	if self == nil {
		return nil
	}
	clone := *self
	if self.Is != nil {
		clone.Is = append(Value{}, self.Is...)
	}
	if self.Cause != nil {
		cause := *self.Cause
		clone.Cause = &cause
	}
	return &clone
}

func (self *Revision) String() string {
	switch {
	case self.Asserted():
		return fmt.Sprintf("%s=%s@%d", self.Address(), string(self.Is), self.Since)
	case self.Unclaimed():
		return fmt.Sprintf("%s=unclaimed", self.Address())
	default:
		return fmt.Sprintf("%s=retracted@%d", self.Address(), self.Since)
	}
}

// SchemaContext declares which linked addresses must accompany a fetched
// address, so the remote can push a connected subgraph in one round trip.
type SchemaContext struct {
	Path   []string        `json:"path"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// Key derives the canonical variant key for satisfied-check bookkeeping.
// Two schema contexts satisfy each other only when their keys are equal.
func (self *SchemaContext) Key() string {
	if self == nil {
		return ""
	}
	ref, err := RefOf(self)
	if err != nil {
		// a schema that cannot be canonicalized never satisfies anything
		return fmt.Sprintf("!%p", self)
	}
	return ref.String()
}
