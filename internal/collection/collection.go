// Package collection holds the authoritative in-memory block list of an
// editing session.
//
// Every mutation is applied locally before its store call is dispatched, and
// subscribers see the new snapshot before the mutating method returns.
// Store calls run in the background: calls against the same block run in
// issue order, calls against different blocks run concurrently, and bulk
// reorders wait for every earlier call. A rejected call restores exactly the
// values the mutation replaced.
package collection

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/livetemplate/bioblocks"
	"github.com/livetemplate/bioblocks/internal/reorder"
)

// ErrClosed is returned by mutations on a closed collection.
var ErrClosed = errors.New("collection closed")

const placeholderPrefix = "tmp_"

// IsPlaceholder reports whether id was assigned locally to a block the store
// has not acknowledged yet.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}

// Store is the remote block store.
type Store interface {
	List(ctx context.Context, owner string) ([]bioblocks.Block, error)
	Create(ctx context.Context, fields bioblocks.Fields) (bioblocks.Block, error)
	Update(ctx context.Context, id string, fields bioblocks.Fields) (bioblocks.Block, error)
	Delete(ctx context.Context, id string) error
	Reorder(ctx context.Context, order []bioblocks.Placement) error
}

// Snapshot is an immutable copy of the collection at one version.
type Snapshot struct {
	Version uint64
	Blocks  []bioblocks.Block
}

// Visible returns the blocks shown on the public profile, in position order.
func (s Snapshot) Visible() []bioblocks.Block {
	out := make([]bioblocks.Block, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		if b.Visible() {
			out = append(out, b)
		}
	}
	return out
}

// Listener receives every snapshot. Listeners run synchronously on the
// mutating goroutine and must not mutate the collection.
type Listener func(Snapshot)

type entry struct {
	key    string // stable for the life of the block, even across id assignment
	block  bioblocks.Block
	owners map[bioblocks.Field]*Op // latest pending patch per field
	gone   bool                    // create was rejected
}

type subscription struct {
	id int
	fn Listener
}

// Option configures a Collection.
type Option func(*Collection)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAckSink registers fn to receive one Ack per settled op.
func WithAckSink(fn func(Ack)) Option {
	return func(c *Collection) {
		c.ackSink = fn
	}
}

// WithCallTimeout bounds each store call. Default: 30s.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Collection) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Collection is the ordered block list shared by the editor and the preview.
type Collection struct {
	store   Store
	logger  *zap.Logger
	timeout time.Duration
	queue   *keyedQueue

	mu        sync.Mutex
	entries   []*entry          // sorted by position
	ids       map[string]string // entry key -> store id
	owner     string
	gen       uint64 // bumped by Load and Close; older results are stale
	version   uint64
	inflight  int
	orderOp   *Op               // latest pending reorder
	removing  map[string]*entry // removed locally, delete not settled yet
	closed    bool
	subs      []subscription
	nextSub   int
	ackSink   func(Ack)

	notifyMu sync.Mutex
	notified uint64
}

// New creates an empty collection backed by store.
func New(store Store, opts ...Option) *Collection {
	c := &Collection{
		store:   store,
		logger:  zap.NewNop(),
		timeout: 30 * time.Second,
		queue:    newKeyedQueue(),
		ids:      make(map[string]string),
		removing: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load replaces the collection with the owner's blocks from the store. On
// failure the current blocks are kept and a *bioblocks.FetchError returned.
// Results of calls issued before Load are no longer applied.
func (c *Collection) Load(ctx context.Context, owner string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	blocks, err := c.store.List(ctx, owner)
	if err != nil {
		c.logger.Warn("failed to load blocks", zap.String("owner", owner), zap.Error(err))
		return &bioblocks.FetchError{Owner: owner, Err: err}
	}
	bioblocks.SortBlocks(blocks)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.gen++
	c.owner = owner
	c.orderOp = nil
	c.ids = make(map[string]string, len(blocks))
	c.removing = make(map[string]*entry)
	c.entries = make([]*entry, 0, len(blocks))
	for _, b := range blocks {
		if b.Content == nil {
			b.Content = bioblocks.LinkContent{}
		}
		c.entries = append(c.entries, &entry{key: b.ID, block: b})
		c.ids[b.ID] = b.ID
	}
	snap, subs := c.publishLocked()
	c.mu.Unlock()

	c.logger.Info("loaded blocks", zap.String("owner", owner), zap.Int("count", len(blocks)))
	c.deliver(snap, subs)
	return nil
}

// Append adds a block at the trailing position. Until the store assigns an
// id the block carries a placeholder id, which stays valid for Patch,
// Remove and Reorder after the real id arrives.
func (c *Collection) Append(fields bioblocks.Fields) (*Op, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	b := fields.NewBlock()
	key := placeholderPrefix + ulid.Make().String()
	b.ID = key
	b.Position = c.nextPositionLocked()
	b.ClickCount = 0

	e := &entry{key: key, block: b}
	c.entries = append(c.entries, e)

	op := newOp(bioblocks.ActionAppend, key, b.Title, c.gen)
	op.entry = e
	create := bioblocks.FieldsOf(b)

	// A create that reached the store before a pending reorder would make
	// the reorder name fewer blocks than the store holds.
	keys := []string{key}
	if c.orderOp != nil {
		keys = append(keys, orderLane)
	}

	c.scheduleLocked(op, keys, false,
		func(ctx context.Context) (func() bool, error) {
			created, err := c.store.Create(ctx, create)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.ids[key] = created.ID
			c.mu.Unlock()
			return func() bool {
				e.block.ID = created.ID
				e.block.ClickCount = created.ClickCount
				op.setBlockID(created.ID)
				return true
			}, nil
		},
		func() {
			e.gone = true
			c.detachLocked(e)
		})

	snap, subs := c.publishLocked()
	c.mu.Unlock()
	c.deliver(snap, subs)
	return op, nil
}

// Patch merges fields into the block with the given id. Patching an unknown
// id returns a *bioblocks.NotFoundError and changes nothing. Empty fields
// return a nil Op.
func (c *Collection) Patch(id string, fields bioblocks.Fields) (*Op, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	_, e := c.lookupLocked(id)
	if e == nil {
		c.mu.Unlock()
		return nil, &bioblocks.NotFoundError{ID: id}
	}
	if fields.IsEmpty() {
		c.mu.Unlock()
		return nil, nil
	}

	op := newOp(bioblocks.ActionPatch, e.block.ID, e.block.Title, c.gen)
	op.entry = e
	op.prior = fields.Capture(e.block)

	e.block = fields.Apply(e.block)
	if e.owners == nil {
		e.owners = make(map[bioblocks.Field]*Op)
	}
	for _, name := range fields.Names() {
		e.owners[name] = op
	}

	key := e.key
	c.scheduleLocked(op, []string{key}, false,
		func(ctx context.Context) (func() bool, error) {
			storeID, ok := c.resolve(key)
			if !ok {
				return nil, &bioblocks.NotFoundError{ID: id}
			}
			if _, err := c.store.Update(ctx, storeID, fields); err != nil {
				return nil, err
			}
			return func() bool {
				c.releaseLocked(op)
				return false
			}, nil
		},
		func() { c.undoPatchLocked(op) })

	snap, subs := c.publishLocked()
	c.mu.Unlock()
	c.deliver(snap, subs)
	return op, nil
}

// Remove deletes the block with the given id. A rejected delete reinserts the
// block at its original position.
func (c *Collection) Remove(id string) (*Op, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	idx, e := c.lookupLocked(id)
	if e == nil {
		c.mu.Unlock()
		return nil, &bioblocks.NotFoundError{ID: id}
	}
	c.entries = slices.Delete(c.entries, idx, idx+1)
	c.removing[e.key] = e

	op := newOp(bioblocks.ActionRemove, e.block.ID, e.block.Title, c.gen)
	op.entry = e

	key := e.key
	c.scheduleLocked(op, []string{key}, false,
		func(ctx context.Context) (func() bool, error) {
			commit := func() bool {
				delete(c.removing, key)
				delete(c.ids, key)
				return false
			}
			storeID, ok := c.resolve(key)
			if !ok {
				// the create was rejected, so the store never had it
				return commit, nil
			}
			if err := c.store.Delete(ctx, storeID); err != nil {
				return nil, err
			}
			return commit, nil
		},
		func() {
			delete(c.removing, key)
			if !e.gone {
				c.insertLocked(e)
				c.normalizeLocked()
			}
		})

	snap, subs := c.publishLocked()
	c.mu.Unlock()
	c.deliver(snap, subs)
	return op, nil
}

// Reorder drops sourceID onto targetID and persists the resulting order in
// one bulk request. A malformed gesture returns a
// *bioblocks.InvalidOrderError and changes nothing. A gesture that leaves the
// order unchanged returns a nil Op.
func (c *Collection) Reorder(sourceID, targetID string) (*Op, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	sourceID, targetID = c.canonicalLocked(sourceID), c.canonicalLocked(targetID)
	current := c.idsLocked()
	next, err := reorder.Move(current, sourceID, targetID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if reorder.Equal(current, next) {
		c.mu.Unlock()
		return nil, nil
	}

	_, src := c.lookupLocked(sourceID)
	op := c.applyOrderLocked(next, src.block.Title)

	snap, subs := c.publishLocked()
	c.mu.Unlock()
	c.deliver(snap, subs)
	return op, nil
}

// ApplyOrder sets the complete block order. ids must name every block
// exactly once.
func (c *Collection) ApplyOrder(ids []string) (*Op, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	next := make([]string, len(ids))
	for i, id := range ids {
		next[i] = c.canonicalLocked(id)
	}
	if err := reorder.Validate(next); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	current := c.idsLocked()
	if !reorder.SameSet(current, next) {
		c.mu.Unlock()
		return nil, &bioblocks.InvalidOrderError{Reason: "order does not match the collection"}
	}
	if reorder.Equal(current, next) {
		c.mu.Unlock()
		return nil, nil
	}

	op := c.applyOrderLocked(next, "")

	snap, subs := c.publishLocked()
	c.mu.Unlock()
	c.deliver(snap, subs)
	return op, nil
}

func (c *Collection) applyOrderLocked(next []string, title string) *Op {
	op := newOp(bioblocks.ActionReorder, "", title, c.gen)
	op.positions = make(map[*entry]int, len(c.entries))

	byID := make(map[string]*entry, len(c.entries))
	for _, e := range c.entries {
		op.positions[e] = e.block.Position
		byID[e.block.ID] = e
	}

	ordered := make([]*entry, len(next))
	keys := make([]string, len(next), len(next)+1)
	for i, id := range next {
		e := byID[id]
		e.block.Position = i
		ordered[i] = e
		keys[i] = e.key
	}
	c.entries = ordered
	c.orderOp = op

	c.scheduleLocked(op, append(keys, orderLane), true,
		func(ctx context.Context) (func() bool, error) {
			// Every earlier call has settled, so the order sent is the one
			// the editor shows now, not the one at gesture time.
			c.mu.Lock()
			op.dispatched = true
			placements, moved := c.placementsLocked()
			var snap Snapshot
			var subs []subscription
			if moved {
				snap, subs = c.publishLocked()
			}
			c.mu.Unlock()
			if moved {
				c.deliver(snap, subs)
			}

			if err := c.store.Reorder(ctx, placements); err != nil {
				return nil, err
			}
			return func() bool {
				if c.orderOp == op {
					c.orderOp = nil
				}
				return false
			}, nil
		},
		func() { c.undoReorderLocked(op) })

	return op
}

// placementsLocked numbers every block the store holds, including blocks
// whose delete has not run yet, and aligns local positions with them. It
// reports whether any local position changed.
func (c *Collection) placementsLocked() ([]bioblocks.Placement, bool) {
	merged := slices.Clone(c.entries)
	removing := make([]*entry, 0, len(c.removing))
	for _, e := range c.removing {
		removing = append(removing, e)
	}
	sort.Slice(removing, func(i, j int) bool { return removing[i].block.Position < removing[j].block.Position })
	for _, r := range removing {
		i := sort.Search(len(merged), func(i int) bool { return merged[i].block.Position >= r.block.Position })
		merged = slices.Insert(merged, i, r)
	}

	moved := false
	placements := make([]bioblocks.Placement, 0, len(merged))
	for i, e := range merged {
		if e.block.Position != i {
			e.block.Position = i
			moved = true
		}
		if id, ok := c.ids[e.key]; ok {
			placements = append(placements, bioblocks.Placement{ID: id, Position: i})
		}
	}
	return placements, moved
}

// normalizeLocked renumbers the blocks 0..N-1 when two share a position and
// makes sure a bulk reorder carries the new positions to the store.
func (c *Collection) normalizeLocked() {
	unique := true
	for i := 1; i < len(c.entries); i++ {
		if c.entries[i].block.Position <= c.entries[i-1].block.Position {
			unique = false
			break
		}
	}
	if unique {
		return
	}
	if c.orderOp != nil && !c.orderOp.dispatched {
		// The pending reorder reads positions when it is sent.
		for i, e := range c.entries {
			e.block.Position = i
		}
		return
	}
	fix := c.applyOrderLocked(c.idsLocked(), "")
	fix.quiet = true
	c.logger.Debug("positions collided, queued corrective reorder", zap.Int("blocks", len(c.entries)))
}

// Snapshot returns the current blocks in position order.
func (c *Collection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Get returns the block with the given id or placeholder id.
func (c *Collection) Get(id string) (bioblocks.Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, e := c.lookupLocked(id)
	if e == nil {
		return bioblocks.Block{}, false
	}
	return e.block, true
}

// Len returns the number of blocks.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Owner returns the owner passed to the last successful Load.
func (c *Collection) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// Pending returns the number of ops that have not settled.
func (c *Collection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// Subscribe registers fn for every future snapshot. Listeners are called in
// registration order with the same snapshot value.
func (c *Collection) Subscribe(fn Listener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscription{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.subs = slices.DeleteFunc(c.subs, func(s subscription) bool { return s.id == id })
	}
}

// Idle blocks until every dispatched store call has finished.
func (c *Collection) Idle(ctx context.Context) error {
	select {
	case <-c.queue.idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches the collection. Store calls already dispatched still run,
// but their results are neither applied nor acknowledged.
func (c *Collection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.gen++
	c.subs = nil
	c.ackSink = nil
}

// scheduleLocked dispatches call for op. commit runs under the lock when the
// call succeeds and reports whether it changed visible state; rollback runs
// under the lock when it fails.
func (c *Collection) scheduleLocked(op *Op, keys []string, barrier bool, call func(ctx context.Context) (func() bool, error), rollback func()) {
	c.inflight++
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		commit, err := call(ctx)
		cancel()
		c.finish(op, commit, rollback, err)
	}
	if barrier {
		c.queue.enqueueBarrier(keys, run)
	} else {
		c.queue.enqueue(keys, run)
	}
}

func (c *Collection) finish(op *Op, commit func() bool, rollback func(), err error) {
	c.mu.Lock()
	c.inflight--

	var persistErr error
	if err != nil {
		persistErr = &bioblocks.PersistError{
			Action:  op.action,
			BlockID: op.BlockID(),
			Title:   op.title,
			Err:     err,
		}
	}

	changed := false
	switch {
	case op.gen != c.gen:
		c.logger.Debug("dropping stale store result",
			zap.String("action", string(op.action)),
			zap.String("block", op.BlockID()),
			zap.Error(err))
	case err != nil:
		rollback()
		changed = true
		c.logger.Warn("store rejected mutation, rolled back",
			zap.String("action", string(op.action)),
			zap.String("block", op.BlockID()),
			zap.Error(err))
	case commit != nil:
		changed = commit()
	}

	var snap Snapshot
	var subs []subscription
	if changed {
		snap, subs = c.publishLocked()
	}
	sink := c.ackSink
	c.mu.Unlock()

	if changed {
		c.deliver(snap, subs)
	}
	if sink != nil && !op.quiet {
		sink(Ack{Action: op.action, BlockID: op.BlockID(), Title: op.title, Err: persistErr})
	}

	state := Committed
	if persistErr != nil {
		state = RolledBack
	}
	op.settle(state, persistErr)
}

func (c *Collection) undoPatchLocked(op *Op) {
	e := op.entry
	for _, name := range op.prior.Names() {
		switch owner := e.owners[name]; {
		case owner == op:
			e.block = op.prior.Only(name).Apply(e.block)
			delete(e.owners, name)
		case owner != nil:
			// A later patch captured our optimistic value as its prior.
			owner.prior = owner.prior.Merge(op.prior.Only(name))
		}
	}
}

func (c *Collection) releaseLocked(op *Op) {
	for name, owner := range op.entry.owners {
		if owner == op {
			delete(op.entry.owners, name)
		}
	}
}

func (c *Collection) undoReorderLocked(op *Op) {
	if c.orderOp != nil && c.orderOp != op {
		// A later reorder captured our optimistic positions as its prior.
		for e, pos := range op.positions {
			c.orderOp.positions[e] = pos
		}
		return
	}
	for e, pos := range op.positions {
		e.block.Position = pos
	}
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].block.Position < c.entries[j].block.Position
	})
	c.orderOp = nil
	c.normalizeLocked()
}

func (c *Collection) resolve(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[key]
	return id, ok
}

func (c *Collection) lookupLocked(id string) (int, *entry) {
	if id == "" {
		return -1, nil
	}
	for i, e := range c.entries {
		if e.block.ID == id || e.key == id {
			return i, e
		}
	}
	return -1, nil
}

// canonicalLocked maps a placeholder id to the block's current id.
func (c *Collection) canonicalLocked(id string) string {
	if _, e := c.lookupLocked(id); e != nil {
		return e.block.ID
	}
	return id
}

func (c *Collection) idsLocked() []string {
	ids := make([]string, len(c.entries))
	for i, e := range c.entries {
		ids[i] = e.block.ID
	}
	return ids
}

// nextPositionLocked is one past every position in use, counting blocks
// whose delete may still be rejected.
func (c *Collection) nextPositionLocked() int {
	next := 0
	if n := len(c.entries); n > 0 {
		next = c.entries[n-1].block.Position + 1
	}
	for _, e := range c.removing {
		if e.block.Position >= next {
			next = e.block.Position + 1
		}
	}
	return next
}

func (c *Collection) detachLocked(e *entry) {
	c.entries = slices.DeleteFunc(c.entries, func(x *entry) bool { return x == e })
}

func (c *Collection) insertLocked(e *entry) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].block.Position >= e.block.Position
	})
	c.entries = slices.Insert(c.entries, i, e)
}

func (c *Collection) snapshotLocked() Snapshot {
	blocks := make([]bioblocks.Block, len(c.entries))
	for i, e := range c.entries {
		blocks[i] = e.block
	}
	return Snapshot{Version: c.version, Blocks: blocks}
}

func (c *Collection) publishLocked() (Snapshot, []subscription) {
	c.version++
	return c.snapshotLocked(), slices.Clone(c.subs)
}

// deliver hands snap to subs unless a newer snapshot was already delivered.
func (c *Collection) deliver(snap Snapshot, subs []subscription) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if snap.Version <= c.notified {
		return
	}
	c.notified = snap.Version
	for _, s := range subs {
		s.fn(snap)
	}
}
