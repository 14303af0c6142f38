package mirror

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/glasswing/mirror/fact"
)

// factHeap is the in-session confirmed store: the winning revision per
// address plus the subscriber fan-out for that address. Revisions handed in
// or out are treated as immutable. The heap never evicts; it is bounded by
// the set of addresses the replica has resolved this session.
type factHeap struct {
	stateLock   sync.Mutex
	revisions   map[fact.Address]*fact.Revision
	subscribers map[fact.Address]*CallbackList[RevisionFunction]
}

func newFactHeap() *factHeap {
	return &factHeap{
		revisions:   map[fact.Address]*fact.Revision{},
		subscribers: map[fact.Address]*CallbackList[RevisionFunction]{},
	}
}

func (self *factHeap) Get(address fact.Address) *fact.Revision {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.revisions[address]
}

func (self *factHeap) Has(address fact.Address) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.revisions[address]
	return ok
}

func (self *factHeap) Addresses() []fact.Address {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.revisions)
}

func (self *factHeap) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.revisions)
}

// MergeAll folds a batch of revisions into the heap under the merge rule and
// returns the post-merge winners for the addresses whose winner changed.
// Subscribers of each changed address are notified once per batch, outside
// the lock. Re-merging an already-resident batch changes nothing and
// notifies no one.
func (self *factHeap) MergeAll(revisions []*fact.Revision) []*fact.Revision {
	changed := []*fact.Revision{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, incoming := range revisions {
			if incoming == nil {
				continue
			}
			address := incoming.Address()
			existing := self.revisions[address]
			next := fact.Merge(existing, incoming)
			if next != existing {
				self.revisions[address] = next
				changed = append(changed, next)
			}
		}
	}()

	for _, revision := range changed {
		self.notify(revision.Address(), revision)
	}
	return changed
}

// Subscribe registers a callback for one address. There is no replay: the
// callback fires on the next change, not with the current value.
func (self *factHeap) Subscribe(address fact.Address, callback RevisionFunction) func() {
	var callbacks *CallbackList[RevisionFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		callbacks = self.subscribers[address]
		if callbacks == nil {
			callbacks = NewCallbackList[RevisionFunction]()
			self.subscribers[address] = callbacks
		}
	}()

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// Notify fans an overlay-aware current value to an address's subscribers
// without touching the resident revision. The nursery uses this to surface
// staged writes and their discard.
func (self *factHeap) Notify(address fact.Address, revision *fact.Revision) {
	self.notify(address, revision)
}

func (self *factHeap) notify(address fact.Address, revision *fact.Revision) {
	var callbacks []RevisionFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if list, ok := self.subscribers[address]; ok {
			callbacks = list.Get()
		}
	}()

	for _, callback := range callbacks {
		func() {
			defer handleCallbackPanic()
			callback(revision)
		}()
	}
}
