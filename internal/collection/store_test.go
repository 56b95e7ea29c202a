package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/livetemplate/bioblocks"
)

var errRejected = errors.New("store rejected")

// fakeStore is an in-memory Store that can fail or hold individual calls.
type fakeStore struct {
	mu     sync.Mutex
	blocks map[string]bioblocks.Block
	nextID int
	calls  []string
	orders [][]bioblocks.Placement
	fail   map[string][]error         // queued one-shot errors per operation
	holds  map[string][]chan struct{} // queued gates per operation
}

func newFakeStore(blocks ...bioblocks.Block) *fakeStore {
	s := &fakeStore{
		blocks: make(map[string]bioblocks.Block),
		fail:   make(map[string][]error),
		holds:  make(map[string][]chan struct{}),
	}
	for _, b := range blocks {
		s.blocks[b.ID] = b
	}
	return s
}

// failNext makes the next call of op return err.
func (s *fakeStore) failNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = append(s.fail[op], err)
}

// hold makes the next matching call block until release is called. The key
// is an operation ("update") or an operation and block id ("update:A").
func (s *fakeStore) hold(key string) (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.holds[key] = append(s.holds[key], ch)
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (s *fakeStore) enter(ctx context.Context, op, id, detail string) error {
	s.mu.Lock()
	var gate chan struct{}
	for _, key := range []string{op + ":" + id, op} {
		if q := s.holds[key]; len(q) > 0 {
			gate, s.holds[key] = q[0], q[1:]
			break
		}
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op+":"+detail)
	if q := s.fail[op]; len(q) > 0 {
		err := q[0]
		s.fail[op] = q[1:]
		return err
	}
	return nil
}

func (s *fakeStore) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeStore) lastOrder() []bioblocks.Placement {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.orders) == 0 {
		return nil
	}
	return s.orders[len(s.orders)-1]
}

func (s *fakeStore) stored(id string) (bioblocks.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	return b, ok
}

func (s *fakeStore) List(ctx context.Context, owner string) ([]bioblocks.Block, error) {
	if err := s.enter(ctx, "list", owner, owner); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bioblocks.Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	bioblocks.SortBlocks(out)
	return out, nil
}

func (s *fakeStore) Create(ctx context.Context, fields bioblocks.Fields) (bioblocks.Block, error) {
	title := ""
	if fields.Title != nil {
		title = *fields.Title
	}
	if err := s.enter(ctx, "create", "", title); err != nil {
		return bioblocks.Block{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	b := fields.NewBlock()
	b.ID = fmt.Sprintf("srv-%d", s.nextID)
	b.Position = len(s.blocks)
	s.blocks[b.ID] = b
	return b, nil
}

func (s *fakeStore) Update(ctx context.Context, id string, fields bioblocks.Fields) (bioblocks.Block, error) {
	detail := id
	if fields.Title != nil {
		detail += "=" + *fields.Title
	}
	if err := s.enter(ctx, "update", id, detail); err != nil {
		return bioblocks.Block{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return bioblocks.Block{}, &bioblocks.NotFoundError{ID: id}
	}
	b = fields.Apply(b)
	s.blocks[id] = b
	return b, nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	if err := s.enter(ctx, "delete", id, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, id)
	return nil
}

func (s *fakeStore) Reorder(ctx context.Context, order []bioblocks.Placement) error {
	if err := s.enter(ctx, "reorder", "", fmt.Sprint(len(order))); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, order)
	for _, p := range order {
		if b, ok := s.blocks[p.ID]; ok {
			b.Position = p.Position
			s.blocks[p.ID] = b
		}
	}
	return nil
}
