package preview

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/bioblocks"
	"github.com/livetemplate/bioblocks/internal/collection"
)

func link(id, title string, pos int) bioblocks.Block {
	return bioblocks.Block{
		ID:       id,
		Title:    title,
		Content:  bioblocks.LinkContent{URL: "https://" + strings.ToLower(id) + ".test"},
		Position: pos,
		IsActive: true,
	}
}

func notice(id, title string, pos int, style bioblocks.NoticeStyle, msg string) bioblocks.Block {
	return bioblocks.Block{
		ID:       id,
		Title:    title,
		Content:  bioblocks.NoticeContent{Style: style, Message: msg},
		Position: pos,
		IsActive: true,
	}
}

func TestBuildFiltersAndOrders(t *testing.T) {
	hidden := link("B", "Bravo", 1)
	hidden.IsActive = false
	archived := link("D", "Delta", 3)
	archived.IsArchived = true

	blocks := []bioblocks.Block{
		link("C", "Charlie", 2),
		hidden,
		link("A", "Alpha", 0),
		archived,
		notice("N", "Heads up", 4, bioblocks.StyleWarning, "Shipping delays"),
	}

	v := Build(blocks, nil, nil, Presentation{})

	assert.Equal(t, []string{"N", "A", "C"}, v.Blocks(), "notices first, then links by position")
	assert.False(t, v.Empty)
	require.Len(t, v.Notices, 1)
	assert.Equal(t, "⚠️", v.Notices[0].Icon)
	assert.Equal(t, "https://a.test", v.Links[0].URL)
}

func TestBuildEmpty(t *testing.T) {
	hidden := link("A", "Alpha", 0)
	hidden.IsActive = false

	v := Build([]bioblocks.Block{hidden}, nil, nil, Presentation{})
	assert.True(t, v.Empty)
	assert.Empty(t, v.Blocks())

	v = Build(nil, nil, []bioblocks.Product{{ID: "p1", Title: "Mug"}}, Presentation{})
	assert.False(t, v.Empty, "products alone are content")
}

func TestIconPerStyle(t *testing.T) {
	seen := make(map[string]bool)
	for _, style := range []bioblocks.NoticeStyle{bioblocks.StyleInfo, bioblocks.StyleSuccess, bioblocks.StyleWarning, bioblocks.StylePromo} {
		icon := Icon(style)
		assert.NotEmpty(t, icon)
		assert.False(t, seen[icon], "icon %s reused", icon)
		seen[icon] = true
	}
	assert.Equal(t, Icon(bioblocks.StyleInfo), Icon("unknown"))
}

func TestBuildProducts(t *testing.T) {
	products := []bioblocks.Product{
		{ID: "p1", Title: "Coffee Mug", Price: 12.5, Currency: "USD"},
		{ID: "p2", Title: "Poster", Description: "A3 print of the mug", Price: 20},
		{ID: "p3", Title: "Sticker", Price: 2},
	}

	tests := []struct {
		name      string
		p         Presentation
		want      []string
		expanded  string
		noMatches bool
	}{
		{name: "all", want: []string{"p1", "p2", "p3"}},
		{name: "search title and description", p: Presentation{Search: " MUG "}, want: []string{"p1", "p2"}},
		{name: "expanded", p: Presentation{Expanded: "p3"}, want: []string{"p1", "p2", "p3"}, expanded: "p3"},
		{name: "no matches", p: Presentation{Search: "hoodie"}, noMatches: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Build(nil, nil, products, tt.p)
			var ids []string
			for _, card := range v.Products {
				ids = append(ids, card.ID)
				assert.Equal(t, card.ID == tt.expanded, card.Expanded)
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, tt.noMatches, v.NoMatches)
			assert.False(t, v.Empty)
		})
	}
}

func TestBuildThemeVars(t *testing.T) {
	theme := bioblocks.Theme{
		"title":     "Ada",
		"accent":    "#ff8800",
		"font size": "12px",
		"layout":    map[string]any{"columns": 2},
	}
	v := Build(nil, theme, nil, Presentation{})
	assert.Equal(t, "Ada", v.Title)
	assert.Equal(t, []ThemeVar{{Name: "accent", Value: "#ff8800"}, {Name: "title", Value: "Ada"}}, v.Vars)
}

func TestBuildDoesNotMutateInput(t *testing.T) {
	blocks := []bioblocks.Block{link("B", "Bravo", 1), link("A", "Alpha", 0)}
	_ = Build(blocks, nil, nil, Presentation{})
	assert.Equal(t, []string{"B", "A"}, bioblocks.IDs(blocks))
}

func TestRenderLinksOpenExternally(t *testing.T) {
	v := Build([]bioblocks.Block{link("A", "Alpha", 0)}, nil, nil, Presentation{})
	html, err := HTML(v)
	require.NoError(t, err)

	assert.Contains(t, html, `href="https://a.test" target="_blank" rel="noopener noreferrer"`)
	assert.Contains(t, html, "Alpha")
	assert.NotContains(t, html, "No content yet")
}

func TestRenderNoticeMarkdown(t *testing.T) {
	msg := "**30%** off, see [the shop](https://shop.test) <script>alert(1)</script>"
	v := Build([]bioblocks.Block{notice("N", "Sale", 0, bioblocks.StylePromo, msg)}, nil, nil, Presentation{})
	html, err := HTML(v)
	require.NoError(t, err)

	assert.Contains(t, html, "<strong>30%</strong> off")
	assert.Contains(t, html, `<a href="https://shop.test" target="_blank" rel="noopener noreferrer">the shop</a>`)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "bb-notice-promo")
}

func TestRenderUnsafeURL(t *testing.T) {
	b := link("A", "Alpha", 0)
	b.Content = bioblocks.LinkContent{URL: "javascript:alert(1)"}
	html, err := HTML(Build([]bioblocks.Block{b}, nil, nil, Presentation{}))
	require.NoError(t, err)
	assert.NotContains(t, html, "javascript:")
}

func TestRenderEmptyPlaceholder(t *testing.T) {
	html, err := HTML(Build(nil, nil, nil, Presentation{}))
	require.NoError(t, err)
	assert.Contains(t, html, "No content yet")
}

func TestRenderPage(t *testing.T) {
	var buf strings.Builder
	require.NoError(t, RenderPage(&buf, Build(nil, bioblocks.Theme{"title": "Ada"}, nil, Presentation{})))
	assert.True(t, strings.HasPrefix(buf.String(), "<!DOCTYPE html>"))
	assert.Contains(t, buf.String(), "<title>Ada</title>")
}

func TestText(t *testing.T) {
	featured := link("A", "Alpha", 1)
	featured.IsFeatured = true
	v := Build(
		[]bioblocks.Block{featured, notice("N", "Sale", 2, bioblocks.StylePromo, "**30%** off")},
		bioblocks.Theme{"title": "Ada"},
		[]bioblocks.Product{{ID: "p1", Title: "Mug", Price: 12.5, Currency: "USD", Description: "Big"}},
		Presentation{Expanded: "p1"},
	)

	want := "# Ada\n" +
		"🎉 [promo] Sale: **30%** off\n" +
		"* Alpha <https://a.test>\n" +
		"$ Mug 12.50 USD - Big\n"
	assert.Equal(t, want, Text(v))
	assert.Equal(t, "No content yet\n", Text(Build(nil, nil, nil, Presentation{})))
}

// flakyStore accepts every call except a pseudo-random share of them.
type flakyStore struct {
	mu     sync.Mutex
	rng    *rand.Rand
	nextID int
}

func (s *flakyStore) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Intn(4) == 0 {
		return errors.New("store unavailable")
	}
	return nil
}

func (s *flakyStore) List(context.Context, string) ([]bioblocks.Block, error) {
	return []bioblocks.Block{
		link("A", "Alpha", 0),
		link("B", "Bravo", 1),
		notice("N", "News", 2, bioblocks.StyleInfo, "hello"),
		link("C", "Charlie", 3),
	}, nil
}

func (s *flakyStore) Create(_ context.Context, f bioblocks.Fields) (bioblocks.Block, error) {
	if err := s.fail(); err != nil {
		return bioblocks.Block{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	b := f.NewBlock()
	b.ID = fmt.Sprintf("srv-%d", s.nextID)
	return b, nil
}

func (s *flakyStore) Update(_ context.Context, id string, _ bioblocks.Fields) (bioblocks.Block, error) {
	return bioblocks.Block{ID: id}, s.fail()
}

func (s *flakyStore) Delete(context.Context, string) error { return s.fail() }

func (s *flakyStore) Reorder(context.Context, []bioblocks.Placement) error { return s.fail() }

// expected applies the visibility filter directly to the collection blocks.
func expected(blocks []bioblocks.Block) []string {
	var visible []bioblocks.Block
	for _, b := range blocks {
		if b.IsActive && !b.IsArchived {
			visible = append(visible, b)
		}
	}
	bioblocks.SortBlocks(visible)
	var notices, links []string
	for _, b := range visible {
		if b.Kind() == bioblocks.KindUpdateNotice {
			notices = append(notices, b.ID)
		} else {
			links = append(links, b.ID)
		}
	}
	return append(append([]string{}, notices...), links...)
}

func TestPreviewConvergesWithCollection(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	coll := collection.New(&flakyStore{rng: rand.New(rand.NewSource(11))})
	require.NoError(t, coll.Load(context.Background(), "alice"))

	var (
		mu       sync.Mutex
		diverged []string
	)
	unsubscribe := coll.Subscribe(func(snap collection.Snapshot) {
		got := Build(snap.Blocks, nil, nil, Presentation{}).Blocks()
		if diff := cmp.Diff(expected(snap.Blocks), got); diff != "" {
			mu.Lock()
			diverged = append(diverged, diff)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	for step := 0; step < 200; step++ {
		snap := coll.Snapshot()
		ids := bioblocks.IDs(snap.Blocks)
		pick := func() string {
			if len(ids) == 0 {
				return "none"
			}
			return ids[rng.Intn(len(ids))]
		}

		switch rng.Intn(5) {
		case 0:
			id := pick()
			if b, ok := coll.Get(id); ok {
				_, _ = coll.Patch(id, bioblocks.Fields{IsActive: bioblocks.Ptr(!b.IsActive)})
			}
		case 1:
			_, _ = coll.Reorder(pick(), pick())
		case 2:
			_, _ = coll.Append(bioblocks.Fields{
				Title:    bioblocks.Ptr(fmt.Sprintf("New %d", step)),
				Content:  bioblocks.LinkContent{URL: "https://new.test"},
				IsActive: bioblocks.Ptr(true),
			})
		case 3:
			if len(ids) > 2 {
				_, _ = coll.Remove(pick())
			}
		case 4:
			_, _ = coll.Patch(pick(), bioblocks.Fields{IsArchived: bioblocks.Ptr(rng.Intn(2) == 0)})
		}

		now := coll.Snapshot()
		assert.Equal(t, expected(now.Blocks), Build(now.Blocks, nil, nil, Presentation{}).Blocks(), "step %d", step)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, coll.Idle(ctx))

	final := coll.Snapshot()
	assert.Equal(t, expected(final.Blocks), Build(final.Blocks, nil, nil, Presentation{}).Blocks())

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, diverged)
}

func TestFragmentSourceNeedsNoFuncs(t *testing.T) {
	src, err := FragmentSource()
	require.NoError(t, err)

	// Parsing without a FuncMap fails if the fragment calls an unknown func.
	_, err = template.New("fragment").Parse(string(src))
	require.NoError(t, err)
	assert.Contains(t, string(src), "bb-preview")
}
