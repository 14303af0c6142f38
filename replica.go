package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/maps"

	"github.com/glasswing/mirror/fact"
	"github.com/glasswing/mirror/protocol"
)

// LoadQuery is one requested address, optionally with the schema context
// the remote should expand it under.
type LoadQuery struct {
	Address fact.Address
	Schema  *fact.SchemaContext
}

type ReplicaSettings struct {
	PullCoalesceTimeout time.Duration
	// attempts per pull before its waiters see the transport error
	PullAttemptLimit int
	// period of the background head re-pull; 0 disables the tick
	SyncTimeout time.Duration
	// attribute of the space's commit-log head, pulled alongside every load
	HeadAttribute    fact.Attribute
	AllowServerMerge bool
}

func DefaultReplicaSettings() *ReplicaSettings {
	return &ReplicaSettings{
		PullCoalesceTimeout: 10 * time.Millisecond,
		PullAttemptLimit:    3,
		SyncTimeout:         60 * time.Second,
		HeadAttribute:       "memory/head",
	}
}

// Replica is the local mirror of one space in the remote store. Reads are
// served synchronously from the nursery overlay and the confirmed heap;
// loads coalesce through the pull queue; pushes stage optimistically and
// reconcile on an engine goroutine when the remote answers.
type Replica struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	store     Store
	space     fact.Entity

	settings *ReplicaSettings

	heap    *factHeap
	nursery *nursery
	pulls   *pullQueue

	stateLock sync.Mutex
	since     fact.Seq

	removeDeliverCallback func()
}

func NewReplicaWithDefaults(
	ctx context.Context,
	transport Transport,
	store Store,
	space fact.Entity,
) *Replica {
	return NewReplica(ctx, transport, store, space, DefaultReplicaSettings())
}

func NewReplica(
	ctx context.Context,
	transport Transport,
	store Store,
	space fact.Entity,
	settings *ReplicaSettings,
) *Replica {
	cancelCtx, cancel := context.WithCancel(ctx)
	replica := &Replica{
		ctx:       cancelCtx,
		cancel:    cancel,
		transport: transport,
		store:     store,
		space:     space,
		settings:  settings,
		heap:      newFactHeap(),
		nursery:   newNursery(),
		since:     fact.UnclaimedSeq,
	}
	replica.pulls = newPullQueue(
		cancelCtx,
		replica.fetch,
		settings.PullCoalesceTimeout,
		settings.PullAttemptLimit,
	)
	replica.removeDeliverCallback = transport.AddDeliverCallback(replica.deliver)
	go replica.run()
	return replica
}

func (self *Replica) Space() fact.Entity {
	return self.space
}

// Since is the highest server sequence this replica has observed.
func (self *Replica) Since() fact.Seq {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.since
}

func (self *Replica) observeSince(since fact.Seq) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.since < since {
		self.since = since
	}
}

func (self *Replica) observeRevisions(revisions []*fact.Revision) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, revision := range revisions {
		if self.since < revision.Since {
			self.since = revision.Since
		}
	}
}

func (self *Replica) run() {
	if self.settings.SyncTimeout <= 0 {
		return
	}
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SyncTimeout):
		}
		if err := self.Sync(self.ctx); err != nil {
			glog.V(2).Infof("[r]sync error = %s\n", err)
		}
	}
}

// Get reads the current local view of an address: the staged overlay value
// if one is pending, else the confirmed value. nil means unresolved, which
// is distinct from a resolved unclaimed or retracted revision. Never blocks
// and never fetches.
func (self *Replica) Get(address fact.Address) *fact.Revision {
	return self.view(address).Clone()
}

func (self *Replica) view(address fact.Address) *fact.Revision {
	if revision := self.nursery.Get(address); revision != nil {
		return revision
	}
	return self.heap.Get(address)
}

func (self *Replica) satisfied(entry protocol.QueryEntry) bool {
	if entry.Schema == nil {
		return self.heap.Has(entry.Address)
	}
	return self.pulls.Satisfied(variantKeyOf(entry))
}

func (self *Replica) headAddress() fact.Address {
	return fact.Address{
		The: self.settings.HeadAttribute,
		Of:  self.space,
	}
}

// Load resolves the queried addresses locally, fetching only what is not
// already satisfied. The durable cache answers schema-less needs first;
// the rest coalesces through the pull queue. The commit-log head rides
// along on every load but never forces a wait when the caller's own
// addresses are all satisfied. The returned map holds the current local
// view per address, including unclaimed sentinels for addresses the remote
// holds nothing for.
func (self *Replica) Load(ctx context.Context, queries ...LoadQuery) (map[fact.Address]*fact.Revision, error) {
	needs := []protocol.QueryEntry{}
	for _, query := range queries {
		entry := protocol.QueryEntry{
			Address: query.Address,
			Schema:  query.Schema,
		}
		if self.satisfied(entry) {
			continue
		}
		needs = append(needs, entry)
	}

	if self.store != nil {
		cacheAddresses := []fact.Address{}
		for _, entry := range needs {
			if entry.Schema == nil {
				cacheAddresses = append(cacheAddresses, entry.Address)
			}
		}
		if 0 < len(cacheAddresses) {
			cached, err := self.store.Pull(ctx, cacheAddresses)
			if err != nil {
				// run colder
				glog.Warningf("[r]cache pull error = %s\n", err)
			} else if 0 < len(cached) {
				self.heap.MergeAll(maps.Values(cached))
				nextNeeds := []protocol.QueryEntry{}
				for _, entry := range needs {
					if !self.satisfied(entry) {
						nextNeeds = append(nextNeeds, entry)
					}
				}
				needs = nextNeeds
			}
		}
	}

	headEntries := []protocol.QueryEntry{{Address: self.headAddress()}}
	self.pulls.Enqueue(headEntries, true, false, false)

	// when the cache left every remaining need locally readable, the rest
	// is schema variants of resident addresses. Refresh those in the
	// background instead of holding the caller on the network.
	if self.store != nil && 0 < len(needs) {
		resident := true
		for _, entry := range needs {
			if self.view(entry.Address) == nil {
				resident = false
				break
			}
		}
		if resident {
			self.pulls.Enqueue(needs, false, false, false)
			needs = nil
		}
	}

	if 0 < len(needs) {
		waiters := self.pulls.Enqueue(needs, false, false, true)
		if err := self.pulls.Await(ctx, waiters); err != nil {
			return nil, err
		}
	}

	revisions := map[fact.Address]*fact.Revision{}
	for _, query := range queries {
		revisions[query.Address] = self.Get(query.Address)
	}
	return revisions, nil
}

// fetch runs one coalesced pull batch against the transport. Initial
// interest subscribes; sync re-fetches use get so they do not register
// duplicate remote interest.
func (self *Replica) fetch(entries []protocol.QueryEntry, useGet bool) error {
	query := protocol.NewQuery(entries)

	var result *protocol.Result
	var err error
	if useGet {
		result, err = self.transport.Get(self.ctx, query)
	} else {
		result, err = self.transport.Subscribe(self.ctx, query)
	}
	if err != nil {
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if result.Error != nil {
		return wireError(result.Error)
	}

	queryOk := &protocol.QueryOk{}
	if err := json.Unmarshal(result.Ok, queryOk); err != nil {
		return fmt.Errorf("malformed query result: %w", err)
	}

	// addresses the remote holds nothing for become unclaimed sentinels,
	// so the next load is answered locally
	revisions := queryOk.Facts
	found := map[fact.Address]bool{}
	for _, revision := range revisions {
		found[revision.Address()] = true
	}
	for _, entry := range entries {
		if !found[entry.Address] {
			revisions = append(revisions, fact.Unclaimed(entry.Address))
		}
	}

	changed := self.heap.MergeAll(revisions)
	self.persist(changed)
	self.observeRevisions(revisions)
	glog.V(2).Infof("[r]pull %d facts, %d changed\n", len(queryOk.Facts), len(changed))
	return nil
}

func (self *Replica) persist(revisions []*fact.Revision) {
	if self.store == nil || len(revisions) == 0 {
		return
	}
	if err := self.store.Merge(self.ctx, revisions, fact.Merge); err != nil {
		glog.Warningf("[r]cache merge error = %s\n", err)
	}
}

// deliver merges a pushed batch. Re-delivery of already-resident revisions
// changes nothing and notifies no one.
func (self *Replica) deliver(deliver *protocol.Deliver) {
	revisions := deliver.Revisions()
	changed := self.heap.MergeAll(revisions)
	self.persist(changed)
	self.observeSince(fact.Seq(deliver.Epoch))
	glog.V(2).Infof("[r]deliver epoch=%d docs=%d changed=%d\n", deliver.Epoch, len(deliver.Docs), len(changed))
}

// Push resolves the intents against the current optimistic view, stages the
// resulting revisions for read-your-writes, and submits one transaction.
// The engine owns the round trip: cancelling ctx stops waiting but the
// commit still reconciles when the transport answers. On success the
// confirmed revisions are returned; a rejected write surfaces a typed error
// and its staged entry is discarded.
func (self *Replica) Push(ctx context.Context, intents ...fact.Intent) ([]*fact.Revision, error) {
	if len(intents) == 0 {
		return nil, nil
	}

	// bind causes to observed state
	queries := make([]LoadQuery, 0, len(intents))
	for _, intent := range intents {
		queries = append(queries, LoadQuery{Address: intent.Address()})
	}
	if _, err := self.Load(ctx, queries...); err != nil {
		return nil, err
	}

	staged := []*fact.Revision{}
	built := map[fact.Address]*fact.Revision{}
	for _, intent := range intents {
		address := intent.Address()
		current, ok := built[address]
		if !ok {
			current = self.view(address)
		}
		revision, ok, err := fact.BuildRevision(current, intent)
		if err != nil {
			return nil, err
		}
		if !ok {
			// no-op retract
			continue
		}
		built[address] = revision
		staged = append(staged, revision)
	}
	if len(staged) == 0 {
		return nil, nil
	}

	if err := self.nursery.Stage(staged); err != nil {
		return nil, err
	}
	for _, revision := range staged {
		self.heap.Notify(revision.Address(), revision)
	}

	tx := protocol.NewTransaction(ulid.Make().String(), staged)
	if self.settings.AllowServerMerge {
		for i := range tx.Writes {
			tx.Writes[i].AllowServerMerge = true
		}
	}

	outcome := make(chan *pushOutcome, 1)
	go self.reconcile(tx, staged, outcome)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	case result := <-outcome:
		return result.confirmed, result.err
	}
}

type pushOutcome struct {
	confirmed []*fact.Revision
	err       error
}

func (self *Replica) reconcile(tx *protocol.Transaction, staged []*fact.Revision, outcome chan *pushOutcome) {
	result, err := self.transport.Transact(self.ctx, tx)
	if err != nil {
		// the transport only fails when the replica itself is closing;
		// connection loss is absorbed by the session queue
		outcome <- &pushOutcome{err: err}
		return
	}

	if result.Error != nil {
		self.reject(staged, result.Error)
		outcome <- &pushOutcome{err: self.rejectError(staged, result.Error)}
		return
	}

	commitOk := &protocol.CommitOk{}
	if err := json.Unmarshal(result.Ok, commitOk); err != nil {
		self.reject(staged, nil)
		outcome <- &pushOutcome{err: fmt.Errorf("malformed commit result: %w", err)}
		return
	}

	confirmed, failures := self.promote(staged, commitOk)
	if 0 < len(failures) {
		outcome <- &pushOutcome{confirmed: confirmed, err: failures[0]}
		return
	}
	outcome <- &pushOutcome{confirmed: confirmed}
}

// promote merges the commit outcome into the heap, then drops the staged
// entries it resolves. Merge happens first so reads between the two steps
// keep seeing the written value.
func (self *Replica) promote(staged []*fact.Revision, commitOk *protocol.CommitOk) ([]*fact.Revision, []error) {
	confirmed := []*fact.Revision{}
	resolved := []*fact.Revision{}
	rejected := []fact.Address{}
	authoritative := []*fact.Revision{}
	failures := []error{}

	if len(commitOk.Results) == 0 {
		for _, revision := range staged {
			next := revision.Clone()
			next.Since = commitOk.Since
			confirmed = append(confirmed, next)
		}
		resolved = staged
	} else {
		resultsByRef := map[string]protocol.RefResult{}
		for _, refResult := range commitOk.Results {
			resultsByRef[refResult.Ref] = refResult
		}
		for _, revision := range staged {
			refResult, ok := resultsByRef[revision.Address().Key()]
			if !ok {
				// no explicit outcome for this write; the batch committed
				next := revision.Clone()
				next.Since = commitOk.Since
				confirmed = append(confirmed, next)
				resolved = append(resolved, revision)
				continue
			}
			if refResult.Error != nil {
				failures = append(failures, self.refError(revision, refResult.Error))
				if refResult.Error.Actual != nil {
					authoritative = append(authoritative, refResult.Error.Actual)
				}
				rejected = append(rejected, revision.Address())
				resolved = append(resolved, revision)
				continue
			}
			if refResult.Revision != nil {
				confirmed = append(confirmed, refResult.Revision)
			} else {
				next := revision.Clone()
				next.Since = commitOk.Since
				confirmed = append(confirmed, next)
			}
			resolved = append(resolved, revision)
		}
	}

	// chained writes at one address share the batch since; only the last
	// staged one merges, or the tie would keep the earlier value
	confirmedByAddress := map[fact.Address]*fact.Revision{}
	for _, revision := range confirmed {
		confirmedByAddress[revision.Address()] = revision
	}
	merged := maps.Values(confirmedByAddress)
	merged = append(merged, authoritative...)
	merged = append(merged, commitOk.Facts...)

	changed := self.heap.MergeAll(merged)
	self.persist(changed)
	self.observeSince(commitOk.Since)
	self.observeRevisions(merged)

	self.nursery.Discard(resolved)

	// rejected addresses whose heap value did not change still need their
	// subscribers told the overlay rolled back
	changedAddresses := map[fact.Address]bool{}
	for _, revision := range changed {
		changedAddresses[revision.Address()] = true
	}
	for _, address := range rejected {
		if !changedAddresses[address] {
			self.heap.Notify(address, self.view(address))
		}
	}

	return confirmed, failures
}

// reject discards the whole staged batch. Discard happens before the
// authoritative merge so subscribers notified by the merge observe the
// rolled-back view.
func (self *Replica) reject(staged []*fact.Revision, wireErr *protocol.WireError) {
	discarded := self.nursery.Discard(staged)

	authoritative := []*fact.Revision{}
	if wireErr != nil && wireErr.Actual != nil {
		authoritative = append(authoritative, wireErr.Actual)
	}
	changed := self.heap.MergeAll(authoritative)
	self.persist(changed)

	changedAddresses := map[fact.Address]bool{}
	for _, revision := range changed {
		changedAddresses[revision.Address()] = true
	}
	for _, address := range discarded {
		if !changedAddresses[address] {
			self.heap.Notify(address, self.view(address))
		}
	}
}

func (self *Replica) refError(staged *fact.Revision, wireErr *protocol.WireError) error {
	if wireErr.Name == protocol.ErrorNameConflict {
		return &ConflictError{
			Address:  staged.Address(),
			Expected: staged.Cause,
			Actual:   wireErr.Actual,
		}
	}
	return wireError(wireErr)
}

func (self *Replica) rejectError(staged []*fact.Revision, wireErr *protocol.WireError) error {
	if wireErr.Name == protocol.ErrorNameConflict {
		for _, revision := range staged {
			if revision.Address().Key() == wireErr.Ref {
				return self.refError(revision, wireErr)
			}
		}
		if 0 < len(staged) {
			return self.refError(staged[0], wireErr)
		}
	}
	return wireError(wireErr)
}

// Subscribe registers a callback for changes to one address. The callback
// fires on confirmed merges that change the winner and on overlay staging
// and rollback. There is no replay of the current value.
func (self *Replica) Subscribe(address fact.Address, callback RevisionFunction) func() {
	return self.heap.Subscribe(address, callback)
}

// Sync re-fetches every resolved address plus the commit-log head, using
// get so no duplicate remote interest is registered.
func (self *Replica) Sync(ctx context.Context) error {
	head := self.headAddress()
	entries := []protocol.QueryEntry{}
	for _, address := range self.heap.Addresses() {
		if address == head {
			continue
		}
		entries = append(entries, protocol.QueryEntry{Address: address})
	}
	entries = append(entries, protocol.QueryEntry{Address: head})

	waiters := self.pulls.Enqueue(entries, true, true, true)
	return self.pulls.Await(ctx, waiters)
}

func (self *Replica) Close() {
	self.removeDeliverCallback()
	self.cancel()
}
