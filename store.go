package mirror

import (
	"context"

	"github.com/glasswing/mirror/fact"
)

// MergeFunc decides the winner between a resident and an incoming revision.
// The engine always hands implementations fact.Merge; the indirection keeps
// the reconciliation rule in exactly one place.
type MergeFunc = func(existing *fact.Revision, incoming *fact.Revision) *fact.Revision

// Store is a durable local cache of confirmed revisions, keyed by address.
// The engine treats it as best effort: pull failures downgrade to cache
// misses and merge failures only log. A nil store just runs colder.
type Store interface {
	// Pull returns the cached revisions for whichever of the addresses the
	// store holds. Absent addresses are simply missing from the result.
	Pull(ctx context.Context, addresses []fact.Address) (map[fact.Address]*fact.Revision, error)

	// Merge folds revisions into the cache, resolving collisions per
	// address with the supplied merge rule.
	Merge(ctx context.Context, revisions []*fact.Revision, merge MergeFunc) error
}
