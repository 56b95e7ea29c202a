package collection

import (
	"context"
	"sync"

	"github.com/livetemplate/bioblocks"
)

// State is the lifecycle stage of an Op.
type State int

const (
	Pending State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	default:
		return "unknown"
	}
}

// Op is one optimistic mutation awaiting its store round trip.
// It settles exactly once, either committed or rolled back.
type Op struct {
	action bioblocks.Action
	title  string
	gen    uint64

	// rollback material, guarded by the collection mutex
	entry     *entry
	prior     bioblocks.Fields
	positions map[*entry]int

	dispatched bool // reorder call has read its placements, guarded by the collection mutex
	quiet      bool // issued by the collection itself, not acknowledged

	mu      sync.Mutex
	blockID string
	state   State
	err     error
	done    chan struct{}
}

func newOp(action bioblocks.Action, blockID, title string, gen uint64) *Op {
	return &Op{
		action:  action,
		blockID: blockID,
		title:   title,
		gen:     gen,
		done:    make(chan struct{}),
	}
}

// settle moves a pending op to its final state. It reports false when the op
// had already settled.
func (op *Op) settle(to State, err error) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state != Pending || to == Pending {
		return false
	}
	op.state = to
	op.err = err
	close(op.done)
	return true
}

// Action returns the mutation kind.
func (op *Op) Action() bioblocks.Action { return op.action }

// BlockID returns the id of the affected block. For an append it is the
// placeholder id until the store assigns one.
func (op *Op) BlockID() string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.blockID
}

func (op *Op) setBlockID(id string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.blockID = id
}

// Title returns the block title used in acknowledgments.
func (op *Op) Title() string { return op.title }

// State returns the current lifecycle stage.
func (op *Op) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Err returns the *bioblocks.PersistError of a rolled back op, nil otherwise.
func (op *Op) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Done is closed once the op settles.
func (op *Op) Done() <-chan struct{} {
	return op.done
}

// Wait blocks until the op settles or ctx ends, returning the op's error or
// the context's.
func (op *Op) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack is the acknowledgment delivered once per settled op.
type Ack struct {
	Action  bioblocks.Action
	BlockID string
	Title   string
	Err     error
}

// OK reports whether the op committed.
func (a Ack) OK() bool { return a.Err == nil }
