package mirror

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/glasswing/mirror/fact"
)

type nurseryEntry struct {
	revision *fact.Revision
	ref      fact.Hash
}

// nursery is the optimistic overlay: the latest staged, unconfirmed revision
// per address. Reads prefer it over the heap so writers observe their own
// writes immediately. Entries are matched for removal by revision identity
// (Ref), so a batch resolving late cannot clobber the entry a newer batch
// staged at the same address.
type nursery struct {
	stateLock sync.Mutex
	entries   map[fact.Address]*nurseryEntry
}

func newNursery() *nursery {
	return &nursery{
		entries: map[fact.Address]*nurseryEntry{},
	}
}

func (self *nursery) Get(address fact.Address) *fact.Revision {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if entry, ok := self.entries[address]; ok {
		return entry.revision
	}
	return nil
}

func (self *nursery) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}

func (self *nursery) Addresses() []fact.Address {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.entries)
}

func (self *nursery) Stage(revisions []*fact.Revision) error {
	entries := make([]*nurseryEntry, 0, len(revisions))
	for _, revision := range revisions {
		ref, err := revision.Ref()
		if err != nil {
			return err
		}
		entries = append(entries, &nurseryEntry{
			revision: revision,
			ref:      ref,
		})
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, entry := range entries {
		self.entries[entry.revision.Address()] = entry
	}
	return nil
}

// Discard removes the entries whose staged revision is one of the given
// revisions, leaving entries a later batch staged over them untouched.
// Returns the addresses actually cleared.
func (self *nursery) Discard(revisions []*fact.Revision) []fact.Address {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	discarded := []fact.Address{}
	for _, revision := range revisions {
		ref, err := revision.Ref()
		if err != nil {
			continue
		}
		address := revision.Address()
		if entry, ok := self.entries[address]; ok && entry.ref == ref {
			delete(self.entries, address)
			discarded = append(discarded, address)
		}
	}
	return discarded
}
