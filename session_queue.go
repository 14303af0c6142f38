package mirror

import (
	"container/heap"
	"sync"

	"github.com/glasswing/mirror/fact"
	"github.com/glasswing/mirror/protocol"
)

// one outbound invocation, tracked from enqueue until its return arrives
type sessionItem struct {
	// correlation id: content hash of the invocation
	ref           fact.Hash
	command       string
	envelopeBytes []byte
	// nil for fire-and-forget commands (acks, re-issued subscriptions)
	result chan *protocol.Result

	sequenceNumber uint64
	sent           bool
	// the index of the item in the queued heap
	heapIndex int
}

// sessionQueue is the single pending/correlation structure for outbound
// commands: queued items flush in enqueue order, sent items stay tracked by
// ref until their return, and a reconnect moves sent items back into the
// queue at their original sequence so the flush order is preserved.
type sessionQueue struct {
	stateLock          sync.Mutex
	queuedItems        *sessionItemHeap
	refItems           map[fact.Hash]*sessionItem
	nextSequenceNumber uint64
}

func newSessionQueue() *sessionQueue {
	return &sessionQueue{
		queuedItems: newSessionItemHeap(),
		refItems:    map[fact.Hash]*sessionItem{},
	}
}

// Add registers a new item. Content addressing makes a duplicate of an item
// already tracked a no-op, which is what lets a re-issued subscription and
// its still-pending original coexist.
func (self *sessionQueue) Add(item *sessionItem) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.refItems[item.ref]; ok {
		return false
	}
	item.sequenceNumber = self.nextSequenceNumber
	self.nextSequenceNumber += 1
	self.refItems[item.ref] = item
	heap.Push(self.queuedItems, item)
	return true
}

// NextToSend pops the lowest-sequence queued item and marks it in flight.
// Fire-and-forget items leave tracking here: if their write fails the
// reconnect path regenerates them.
func (self *sessionQueue) NextToSend() *sessionItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.queuedItems.Len() == 0 {
		return nil
	}
	item := heap.Pop(self.queuedItems).(*sessionItem)
	item.sent = true
	if item.result == nil {
		delete(self.refItems, item.ref)
	}
	return item
}

// Resolve removes and returns the item a return correlates to, whether it
// was sent or still queued.
func (self *sessionQueue) Resolve(ref fact.Hash) *sessionItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.refItems[ref]
	if !ok {
		return nil
	}
	delete(self.refItems, ref)
	if !item.sent {
		item_ := heap.Remove(self.queuedItems, item.heapIndex)
		if any(item) != item_ {
			panic("Queue invariant broken.")
		}
	}
	return item
}

// Requeue puts a sent item whose write failed back into the queue at its
// original sequence.
func (self *sessionQueue) Requeue(item *sessionItem) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.refItems[item.ref]; !ok {
		// resolved while the write was failing
		return
	}
	if !item.sent {
		return
	}
	item.sent = false
	heap.Push(self.queuedItems, item)
}

// RequeueSent returns every in-flight item to the queue. Called after a
// connection drops; the next flush re-sends them in original order and the
// remote dedupes by content address and client tx id.
func (self *sessionQueue) RequeueSent() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, item := range self.refItems {
		if item.sent {
			item.sent = false
			heap.Push(self.queuedItems, item)
			count += 1
		}
	}
	return count
}

func (self *sessionQueue) QueueSize() (queuedCount int, sentCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	queuedCount = self.queuedItems.Len()
	sentCount = len(self.refItems) - queuedCount
	return
}

// ordered by `sequenceNumber`
type sessionItemHeap struct {
	orderedItems []*sessionItem
}

func newSessionItemHeap() *sessionItemHeap {
	sessionItemHeap := &sessionItemHeap{
		orderedItems: []*sessionItem{},
	}
	heap.Init(sessionItemHeap)
	return sessionItemHeap
}

// heap.Interface

func (self *sessionItemHeap) Push(x any) {
	item := x.(*sessionItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *sessionItemHeap) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *sessionItemHeap) Len() int {
	return len(self.orderedItems)
}

func (self *sessionItemHeap) Less(i int, j int) bool {
	return self.orderedItems[i].sequenceNumber < self.orderedItems[j].sequenceNumber
}

func (self *sessionItemHeap) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
