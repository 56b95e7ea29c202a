// Package preview reconstructs the public profile from the block collection,
// the theme and the storefront products.
//
// Build is pure: the same inputs always produce the same View. Presentation
// state (search text, expanded product, scroll offset) only shapes the View
// and never feeds back into the collection.
package preview

import (
	"html/template"
	"regexp"
	"sort"
	"strings"

	"github.com/livetemplate/bioblocks"
)

// Presentation is preview-local UI state.
type Presentation struct {
	Search   string `json:"search,omitempty"`
	Expanded string `json:"expanded,omitempty"` // product id
	Scroll   int    `json:"scroll,omitempty"`
}

// View is the render model of one preview frame.
type View struct {
	Title        string
	Bio          string
	AvatarURL    string
	Vars         []ThemeVar
	Notices      []Notice
	Links        []Link
	Products     []ProductCard
	Presentation Presentation

	// Empty is set when there are no visible blocks and no products.
	Empty bool
	// NoMatches is set when products exist but none match the search.
	NoMatches bool
}

// Notice is a rendered update-notice block.
type Notice struct {
	ID       string
	Title    string
	Style    bioblocks.NoticeStyle
	Icon     string
	Message  string
	URL      string
	Featured bool

	MessageHTML template.HTML // Message rendered from markdown
}

// Link is a rendered link row.
type Link struct {
	ID        string
	Title     string
	URL       string
	Color     string
	Thumbnail string
	Featured  bool
}

// ProductCard is a storefront product with its expansion state.
type ProductCard struct {
	bioblocks.Product
	Expanded  bool
	PriceText string
}

// ThemeVar is one theme entry exposed to the page as a CSS custom property.
type ThemeVar struct {
	Name  string
	Value string
}

var icons = map[bioblocks.NoticeStyle]string{
	bioblocks.StyleInfo:    "ℹ️",
	bioblocks.StyleSuccess: "✅",
	bioblocks.StyleWarning: "⚠️",
	bioblocks.StylePromo:   "🎉",
}

// Icon returns the fixed icon of a notice style.
func Icon(style bioblocks.NoticeStyle) string {
	if icon, ok := icons[style]; ok {
		return icon
	}
	return icons[bioblocks.StyleInfo]
}

// Build assembles the view. Only blocks that are active and not archived are
// shown, in position order, with update-notices above links.
func Build(blocks []bioblocks.Block, theme bioblocks.Theme, products []bioblocks.Product, p Presentation) View {
	visible := make([]bioblocks.Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Visible() {
			visible = append(visible, b)
		}
	}
	bioblocks.SortBlocks(visible)

	v := View{
		Title:        theme.String("title"),
		Bio:          theme.String("bio"),
		AvatarURL:    theme.String("avatarUrl"),
		Vars:         themeVars(theme),
		Presentation: p,
	}

	for _, b := range visible {
		switch c := b.Content.(type) {
		case bioblocks.NoticeContent:
			v.Notices = append(v.Notices, Notice{
				ID:       b.ID,
				Title:    b.Title,
				Style:    c.Style,
				Icon:     Icon(c.Style),
				Message:  c.Message,
				URL:      c.URL,
				Featured: b.IsFeatured,

				MessageHTML: renderMarkdown(c.Message),
			})
		case bioblocks.LinkContent:
			v.Links = append(v.Links, Link{
				ID:        b.ID,
				Title:     b.Title,
				URL:       c.URL,
				Color:     c.Color,
				Thumbnail: b.Thumbnail,
				Featured:  b.IsFeatured,
			})
		default:
			v.Links = append(v.Links, Link{ID: b.ID, Title: b.Title, Thumbnail: b.Thumbnail, Featured: b.IsFeatured})
		}
	}

	query := strings.ToLower(strings.TrimSpace(p.Search))
	for _, prod := range products {
		if query != "" && !matches(prod, query) {
			continue
		}
		v.Products = append(v.Products, ProductCard{
			Product:   prod,
			Expanded:  prod.ID == p.Expanded,
			PriceText: formatPrice(prod),
		})
	}

	v.Empty = len(visible) == 0 && len(products) == 0
	v.NoMatches = len(products) > 0 && len(v.Products) == 0
	return v
}

// Blocks returns the ids of the blocks shown, in render order.
func (v View) Blocks() []string {
	ids := make([]string, 0, len(v.Notices)+len(v.Links))
	for _, n := range v.Notices {
		ids = append(ids, n.ID)
	}
	for _, l := range v.Links {
		ids = append(ids, l.ID)
	}
	return ids
}

func matches(p bioblocks.Product, query string) bool {
	return strings.Contains(strings.ToLower(p.Title), query) ||
		strings.Contains(strings.ToLower(p.Description), query)
}

var varName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*$`)

// themeVars exposes the theme's string values, sorted by name. Nested and
// non-string values are skipped.
func themeVars(theme bioblocks.Theme) []ThemeVar {
	var vars []ThemeVar
	for k, val := range theme {
		s, ok := val.(string)
		if !ok || !varName.MatchString(k) {
			continue
		}
		vars = append(vars, ThemeVar{Name: k, Value: s})
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars
}
