package mirror

import (
	"errors"
	"fmt"

	"github.com/glasswing/mirror/fact"
	"github.com/glasswing/mirror/protocol"
)

// sentinel taxonomy, branchable with errors.Is
var (
	ErrSessionClosed = errors.New("session closed")
	ErrConnection    = errors.New("connection error")
	ErrQuery         = errors.New("query rejected")
	ErrConflict      = errors.New("conflict")
	ErrTransaction   = errors.New("transaction rejected")
	ErrAuthorization = errors.New("authorization rejected")
	ErrStore         = errors.New("store unavailable")
)

// ConflictError reports a write rejected because its causal base is no
// longer the authoritative head. Actual, when the remote supplied it, is
// the revision that won.
type ConflictError struct {
	Address  fact.Address
	Expected *fact.Hash
	Actual   *fact.Revision
}

func (self *ConflictError) Error() string {
	if self.Actual != nil {
		return fmt.Sprintf("conflict at %s: authoritative revision is at %d", self.Address, self.Actual.Since)
	}
	return fmt.Sprintf("conflict at %s", self.Address)
}

func (self *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// wireError maps a remote failure name onto the local taxonomy.
func wireError(wireErr *protocol.WireError) error {
	var sentinel error
	switch wireErr.Name {
	case protocol.ErrorNameConnection:
		sentinel = ErrConnection
	case protocol.ErrorNameQuery:
		sentinel = ErrQuery
	case protocol.ErrorNameConflict:
		sentinel = ErrConflict
	case protocol.ErrorNameTransaction:
		sentinel = ErrTransaction
	case protocol.ErrorNameAuthorization:
		sentinel = ErrAuthorization
	case protocol.ErrorNameStore:
		sentinel = ErrStore
	default:
		return fmt.Errorf("remote error %s: %s", wireErr.Name, wireErr.Message)
	}
	if wireErr.Message == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, wireErr.Message)
}
