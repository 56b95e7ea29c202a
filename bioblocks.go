// Package bioblocks provides the core types for building a link-in-bio profile:
// ordered content blocks, the theme passed through to rendering, and the
// storefront products shown next to the blocks.
package bioblocks

import (
	"sort"
)

// Block is the unit of profile content.
//
// ID is assigned by the remote store and never changes. Position defines the
// render order and is the only field rewritten in bulk by a reorder.
// ClickCount is maintained by the server and is read-only here.
type Block struct {
	ID         string
	Title      string
	Content    Content
	Thumbnail  string
	Position   int
	IsActive   bool
	IsFeatured bool
	IsArchived bool
	ClickCount int
}

// Kind returns the variant tag of the block's content.
// A block without content is a link.
func (b Block) Kind() Kind {
	if b.Content == nil {
		return KindLink
	}
	return b.Content.Kind()
}

// Visible reports whether the block appears on the public profile.
func (b Block) Visible() bool {
	return b.IsActive && !b.IsArchived
}

// SortBlocks orders blocks by Position. Equal positions keep their
// current relative order, so insertion order breaks ties.
func SortBlocks(blocks []Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].Position < blocks[j].Position
	})
}

// IDs returns the block ids in slice order.
func IDs(blocks []Block) []string {
	ids := make([]string, len(blocks))
	for i, b := range blocks {
		ids[i] = b.ID
	}
	return ids
}

// Theme is the profile design configuration. It is opaque to the block core
// and handed to the preview renderer unchanged.
type Theme map[string]any

// String returns the string value stored under key, or "" if absent.
func (t Theme) String(key string) string {
	if t == nil {
		return ""
	}
	s, _ := t[key].(string)
	return s
}

// Clone returns a shallow copy of the theme.
func (t Theme) Clone() Theme {
	if t == nil {
		return nil
	}
	out := make(Theme, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Product is a storefront item shown by the preview in shop mode.
type Product struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency,omitempty"`
	ImageURL    string  `json:"imageUrl,omitempty"`
	URL         string  `json:"url,omitempty"`
}

// Placement is one entry of a bulk reorder request.
type Placement struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// Placements returns the placements for ids in slice order, numbered 0..N-1.
func Placements(ids []string) []Placement {
	out := make([]Placement, len(ids))
	for i, id := range ids {
		out[i] = Placement{ID: id, Position: i}
	}
	return out
}
