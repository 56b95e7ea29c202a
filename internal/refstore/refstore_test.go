package refstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/bioblocks"
	"github.com/livetemplate/bioblocks/internal/blockstore"
	"github.com/livetemplate/bioblocks/internal/collection"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite:"+filepath.Join(t.TempDir(), "blocks.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func linkFields(title, url string) bioblocks.Fields {
	return bioblocks.Fields{Title: bioblocks.Ptr(title), Content: bioblocks.LinkContent{URL: url}}
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = ? AND b = ?", (&Store{}).rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = $1 AND b = $2", (&Store{postgres: true}).rebind("a = ? AND b = ?"))
}

func TestOpenEmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "sqlite:", nil)
	assert.Error(t, err)
}

func TestCreateAppendsAtEnd(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, "alice", linkFields("Alpha", "https://a.test"))
	require.NoError(t, err)
	b, err := s.Create(ctx, "alice", bioblocks.Fields{
		Title:   bioblocks.Ptr("Sale"),
		Content: bioblocks.NoticeContent{Style: bioblocks.StylePromo, Message: "**now**"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 0, a.Position)
	assert.Equal(t, 1, b.Position)
	assert.True(t, a.IsActive, "new blocks are active")

	blocks, err := s.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, a, blocks[0])
	assert.Equal(t, bioblocks.NoticeContent{Style: bioblocks.StylePromo, Message: "**now**"}, blocks[1].Content)
}

func TestOwnersAreIsolated(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, "alice", linkFields("Alpha", "https://a.test"))
	require.NoError(t, err)
	b, err := s.Create(ctx, "bob", linkFields("Bob", "https://b.test"))
	require.NoError(t, err)
	assert.Equal(t, 0, b.Position, "positions are per owner")

	blocks, err := s.List(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, bioblocks.IDs(blocks))

	_, err = s.Update(ctx, "bob", a.ID, bioblocks.Fields{Title: bioblocks.Ptr("stolen")})
	assert.ErrorIs(t, err, bioblocks.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "bob", a.ID), bioblocks.ErrNotFound)
}

func TestUpdateAndDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, "alice", linkFields("Alpha", "https://a.test"))
	require.NoError(t, err)

	got, err := s.Update(ctx, "alice", a.ID, bioblocks.Fields{IsActive: bioblocks.Ptr(false), Title: bioblocks.Ptr("Renamed")})
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, a.Content, got.Content, "unset fields are kept")

	blocks, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, got, blocks[0])

	require.NoError(t, s.Delete(ctx, "alice", a.ID))
	assert.ErrorIs(t, s.Delete(ctx, "alice", a.ID), bioblocks.ErrNotFound)
	_, err = s.Update(ctx, "alice", a.ID, bioblocks.Fields{Title: bioblocks.Ptr("x")})
	assert.ErrorIs(t, err, bioblocks.ErrNotFound)
}

func TestReorder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var ids []string
	for _, title := range []string{"A", "B", "C"} {
		b, err := s.Create(ctx, "alice", linkFields(title, "https://x.test"))
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}

	next := []string{ids[2], ids[0], ids[1]}
	require.NoError(t, s.Reorder(ctx, "alice", bioblocks.Placements(next)))

	blocks, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, next, bioblocks.IDs(blocks))

	tests := []struct {
		name  string
		order []string
	}{
		{name: "missing block", order: ids[:2]},
		{name: "duplicate", order: []string{ids[0], ids[0], ids[1]}},
		{name: "foreign id", order: []string{ids[0], ids[1], "other"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Reorder(ctx, "alice", bioblocks.Placements(tt.order))
			assert.ErrorIs(t, err, bioblocks.ErrInvalidOrder)

			blocks, err := s.List(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, next, bioblocks.IDs(blocks), "order unchanged")
		})
	}
}

func TestProducts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.AddProduct(ctx, "alice", bioblocks.Product{Title: "Poster", Price: 20})
	require.NoError(t, err)
	_, err = s.AddProduct(ctx, "alice", bioblocks.Product{ID: "mug", Title: "Mug", Price: 12.5, Currency: "USD"})
	require.NoError(t, err)

	products, err := s.Products(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, bioblocks.Product{ID: "mug", Title: "Mug", Price: 12.5, Currency: "USD"}, products[0])

	products, err = s.Products(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, products)
}

func newServer(t *testing.T) (*Store, *httptest.Server) {
	t.Helper()
	s := openStore(t)
	srv := httptest.NewServer(NewHandler(s, map[string]string{"alice-token": "alice", "bob-token": "bob"}, nil))
	t.Cleanup(srv.Close)
	return s, srv
}

func newClient(t *testing.T, baseURL, token string) *blockstore.Client {
	t.Helper()
	c, err := blockstore.New(baseURL, blockstore.StaticToken(token), blockstore.Options{
		Retry: &blockstore.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, err)
	return c
}

func TestHandlerAuth(t *testing.T) {
	_, srv := newServer(t)

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{name: "no token", status: http.StatusUnauthorized},
		{name: "unknown token", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "other owner", header: "Bearer alice-token", query: "?owner=bob", status: http.StatusForbidden},
		{name: "own owner", header: "Bearer alice-token", query: "?owner=alice", status: http.StatusOK},
		{name: "owner from token", header: "Bearer alice-token", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/blocks"+tt.query, nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestHandlerRejectsBadBodies(t *testing.T) {
	_, srv := newServer(t)

	for _, body := range []string{"{", `{"kind":"carousel"}`} {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/blocks", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer alice-token")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestClientAgainstHandler(t *testing.T) {
	s, srv := newServer(t)
	ctx := context.Background()
	c := newClient(t, srv.URL, "alice-token")

	a, err := c.Create(ctx, linkFields("Alpha", "https://a.test"))
	require.NoError(t, err)
	b, err := c.Create(ctx, linkFields("Bravo", "https://b.test"))
	require.NoError(t, err)

	blocks, err := c.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, bioblocks.IDs(blocks))

	updated, err := c.Update(ctx, a.ID, bioblocks.Fields{IsFeatured: bioblocks.Ptr(true)})
	require.NoError(t, err)
	assert.True(t, updated.IsFeatured)

	require.NoError(t, c.Reorder(ctx, bioblocks.Placements([]string{b.ID, a.ID})))
	err = c.Reorder(ctx, bioblocks.Placements([]string{b.ID}))
	var httpErr *blockstore.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)

	require.NoError(t, c.Delete(ctx, a.ID))
	assert.NoError(t, c.Delete(ctx, a.ID), "a second delete finds nothing to do")

	stored, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, bioblocks.IDs(stored))

	_, err = s.AddProduct(ctx, "alice", bioblocks.Product{ID: "mug", Title: "Mug"})
	require.NoError(t, err)
	products, err := blockstore.NewProductClient(c).List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []bioblocks.Product{{ID: "mug", Title: "Mug"}}, products)
}

func TestCollectionEndToEnd(t *testing.T) {
	s, srv := newServer(t)
	ctx := context.Background()

	for _, title := range []string{"Alpha", "Bravo"} {
		_, err := s.Create(ctx, "alice", linkFields(title, "https://x.test"))
		require.NoError(t, err)
	}

	coll := collection.New(newClient(t, srv.URL, "alice-token"))
	defer coll.Close()
	require.NoError(t, coll.Load(ctx, "alice"))
	require.Equal(t, 2, coll.Len())

	op, err := coll.Append(linkFields("New Link", "https://new.test"))
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, op.Wait(waitCtx))

	snap := coll.Snapshot()
	require.Len(t, snap.Blocks, 3)
	last := snap.Blocks[2]
	assert.Equal(t, "New Link", last.Title)
	assert.Equal(t, 2, last.Position)
	assert.False(t, collection.IsPlaceholder(last.ID), "server id adopted")

	stored, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, bioblocks.IDs(snap.Blocks), bioblocks.IDs(stored))

	ids := bioblocks.IDs(snap.Blocks)
	op, err = coll.Reorder(ids[2], ids[0])
	require.NoError(t, err)
	require.NoError(t, op.Wait(waitCtx))

	stored, err = s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[0], ids[1]}, bioblocks.IDs(stored))

	other := collection.New(newClient(t, srv.URL, "bob-token"))
	defer other.Close()
	var fetchErr *bioblocks.FetchError
	assert.ErrorAs(t, other.Load(ctx, "alice"), &fetchErr, "bob cannot load alice's blocks")
}

func TestCollectionAppendAfterHeldReorder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, title := range []string{"Alpha", "Bravo", "Charlie"} {
		_, err := s.Create(ctx, "alice", linkFields(title, "https://x.test"))
		require.NoError(t, err)
	}

	gate := make(chan struct{})
	handler := NewHandler(s, map[string]string{"alice-token": "alice"}, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/blocks/order" {
			<-gate
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	coll := collection.New(newClient(t, srv.URL, "alice-token"))
	defer coll.Close()
	require.NoError(t, coll.Load(ctx, "alice"))
	ids := bioblocks.IDs(coll.Snapshot().Blocks)

	reorderOp, err := coll.Reorder(ids[2], ids[0])
	require.NoError(t, err)
	appendOp, err := coll.Append(linkFields("New Link", "https://new.test"))
	require.NoError(t, err)

	// The create must stay behind the held reorder.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, reorderOp.Wait(waitCtx))
	require.NoError(t, appendOp.Wait(waitCtx))

	titles := func(blocks []bioblocks.Block) []string {
		out := make([]string, len(blocks))
		for i, b := range blocks {
			out[i] = b.Title
		}
		return out
	}
	want := []string{"Charlie", "Alpha", "Bravo", "New Link"}
	assert.Equal(t, want, titles(coll.Snapshot().Blocks))

	stored, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, want, titles(stored))
	for i, b := range stored {
		assert.Equal(t, i, b.Position, b.Title)
	}
}
