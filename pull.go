package mirror

import (
	"context"
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"

	"github.com/glasswing/mirror/protocol"
)

// variantKeyOf keys an address together with the schema context used to
// fetch it. The same address fetched under a different schema is a
// different variant and is never "already satisfied".
func variantKeyOf(entry protocol.QueryEntry) string {
	return entry.Address.Key() + "#" + entry.Schema.Key()
}

type pullRequest struct {
	entry      protocol.QueryEntry
	variantKey string
	// useGet re-fetches without registering new remote interest
	useGet   bool
	attempts int
	inFlight bool
	waiters  []chan error
}

// pullQueue coalesces pending fetches: requests registered close together
// flush as one selector, identical variants attach to the request already
// queued or in flight, and satisfied variants are remembered so repeat
// loads cost no round trip.
type pullQueue struct {
	ctx context.Context

	fetch func(entries []protocol.QueryEntry, useGet bool) error

	coalesceTimeout time.Duration
	attemptLimit    int

	stateLock sync.Mutex
	requests  map[string]*pullRequest
	satisfied mapset.Set[string]

	kick chan struct{}
}

func newPullQueue(
	ctx context.Context,
	fetch func(entries []protocol.QueryEntry, useGet bool) error,
	coalesceTimeout time.Duration,
	attemptLimit int,
) *pullQueue {
	pullQueue := &pullQueue{
		ctx:             ctx,
		fetch:           fetch,
		coalesceTimeout: coalesceTimeout,
		attemptLimit:    attemptLimit,
		requests:        map[string]*pullRequest{},
		satisfied:       mapset.NewSet[string](),
		kick:            make(chan struct{}, 1),
	}
	go pullQueue.run()
	return pullQueue
}

func (self *pullQueue) Satisfied(variantKey string) bool {
	return self.satisfied.Contains(variantKey)
}

// Enqueue registers interest in the given entries. force bypasses the
// satisfied check, useGet re-fetches without new remote interest, and wait
// returns one channel per entry to Await on. Entries already queued or in
// flight attach rather than duplicate.
func (self *pullQueue) Enqueue(entries []protocol.QueryEntry, force bool, useGet bool, wait bool) []chan error {
	waiters := []chan error{}
	kick := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, entry := range entries {
			variantKey := variantKeyOf(entry)
			if !force && self.satisfied.Contains(variantKey) {
				continue
			}
			request, ok := self.requests[variantKey]
			if !ok {
				request = &pullRequest{
					entry:      entry,
					variantKey: variantKey,
					useGet:     useGet,
				}
				self.requests[variantKey] = request
				kick = true
			}
			if wait {
				waiter := make(chan error, 1)
				request.waiters = append(request.waiters, waiter)
				waiters = append(waiters, waiter)
			}
		}
	}()

	if kick {
		self.notify()
	}
	return waiters
}

// Await blocks until every waiter resolves. The first failure wins.
func (self *pullQueue) Await(ctx context.Context, waiters []chan error) error {
	for _, waiter := range waiters {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return self.ctx.Err()
		case err := <-waiter:
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (self *pullQueue) notify() {
	select {
	case self.kick <- struct{}{}:
	default:
	}
}

func (self *pullQueue) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.kick:
		}

		// let near-simultaneous loads coalesce into one selector
		if 0 < self.coalesceTimeout {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.coalesceTimeout):
			}
		}

		for {
			batch, useGet := self.nextBatch()
			if len(batch) == 0 {
				break
			}
			self.fetchBatch(batch, useGet)
		}
	}
}

// nextBatch claims every queued request of one fetch class.
func (self *pullQueue) nextBatch() ([]*pullRequest, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	batch := []*pullRequest{}
	useGet := false
	first := true
	for _, request := range self.requests {
		if request.inFlight {
			continue
		}
		if first {
			useGet = request.useGet
			first = false
		}
		if request.useGet != useGet {
			continue
		}
		request.inFlight = true
		batch = append(batch, request)
	}
	return batch, useGet
}

func (self *pullQueue) fetchBatch(batch []*pullRequest, useGet bool) {
	entries := make([]protocol.QueryEntry, 0, len(batch))
	for _, request := range batch {
		entries = append(entries, request.entry)
	}

	err := self.fetch(entries, useGet)

	waiterGroups := [][]chan error{}
	retry := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, request := range batch {
			if err == nil {
				self.satisfied.Add(request.variantKey)
			} else if errors.Is(err, ErrConnection) {
				// transient; the entry returns to the queue untouched
				request.attempts += 1
				request.inFlight = false
				if request.attempts < self.attemptLimit {
					retry = true
					continue
				}
			}
			delete(self.requests, request.variantKey)
			waiterGroups = append(waiterGroups, request.waiters)
			request.waiters = nil
		}
	}()

	if err != nil {
		glog.V(2).Infof("[p]fetch error = %s\n", err)
	}
	for _, waiters := range waiterGroups {
		for _, waiter := range waiters {
			waiter <- err
		}
	}
	if retry {
		self.notify()
	}
}
