package bioblocks

import (
	"encoding/json"
	"fmt"
)

// Kind is the block variant tag.
type Kind string

const (
	KindLink         Kind = "link"
	KindUpdateNotice Kind = "update-notice"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindLink || k == KindUpdateNotice
}

// NoticeStyle selects the visual treatment of an update-notice block.
type NoticeStyle string

const (
	StyleInfo    NoticeStyle = "info"
	StyleSuccess NoticeStyle = "success"
	StyleWarning NoticeStyle = "warning"
	StylePromo   NoticeStyle = "promo"
)

// Valid reports whether s is one of the four notice styles.
func (s NoticeStyle) Valid() bool {
	switch s {
	case StyleInfo, StyleSuccess, StyleWarning, StylePromo:
		return true
	}
	return false
}

// Content is the kind-dependent payload of a block.
// It is implemented only by LinkContent and NoticeContent.
type Content interface {
	Kind() Kind
	isContent()
}

// LinkContent is the payload of a tappable link block.
type LinkContent struct {
	URL   string `json:"url"`
	Color string `json:"color,omitempty"`
}

func (LinkContent) Kind() Kind { return KindLink }
func (LinkContent) isContent() {}

// NoticeContent is the payload of a dismissible update-notice banner.
type NoticeContent struct {
	Style   NoticeStyle `json:"style"`
	Message string      `json:"message,omitempty"`
	URL     string      `json:"url,omitempty"`
}

func (NoticeContent) Kind() Kind { return KindUpdateNotice }
func (NoticeContent) isContent() {}

// DecodeContent decodes raw JSON into the content type selected by kind.
// An empty kind decodes as a link.
func DecodeContent(kind Kind, raw json.RawMessage) (Content, error) {
	if kind == "" {
		kind = KindLink
	}
	empty := len(raw) == 0 || string(raw) == "null"
	switch kind {
	case KindLink:
		var c LinkContent
		if !empty {
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, fmt.Errorf("decode link content: %w", err)
			}
		}
		return c, nil
	case KindUpdateNotice:
		c := NoticeContent{Style: StyleInfo}
		if !empty {
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, fmt.Errorf("decode notice content: %w", err)
			}
		}
		if c.Style == "" {
			c.Style = StyleInfo
		}
		if !c.Style.Valid() {
			return nil, fmt.Errorf("unknown notice style %q", c.Style)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown block kind %q", kind)
	}
}

// blockJSON is the wire shape of a block.
type blockJSON struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Kind       Kind            `json:"kind"`
	Content    json.RawMessage `json:"content,omitempty"`
	Thumbnail  string          `json:"thumbnail,omitempty"`
	Position   int             `json:"position"`
	IsActive   bool            `json:"isActive"`
	IsFeatured bool            `json:"isFeatured"`
	IsArchived bool            `json:"isArchived"`
	ClickCount int             `json:"clickCount"`
}

// MarshalJSON encodes the block with its kind tag next to the content.
func (b Block) MarshalJSON() ([]byte, error) {
	content, err := marshalContent(b.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(blockJSON{
		ID:         b.ID,
		Title:      b.Title,
		Kind:       b.Kind(),
		Content:    content,
		Thumbnail:  b.Thumbnail,
		Position:   b.Position,
		IsActive:   b.IsActive,
		IsFeatured: b.IsFeatured,
		IsArchived: b.IsArchived,
		ClickCount: b.ClickCount,
	})
}

// UnmarshalJSON decodes a block, dispatching content on the kind tag.
func (b *Block) UnmarshalJSON(data []byte) error {
	var raw blockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	content, err := DecodeContent(raw.Kind, raw.Content)
	if err != nil {
		return err
	}
	*b = Block{
		ID:         raw.ID,
		Title:      raw.Title,
		Content:    content,
		Thumbnail:  raw.Thumbnail,
		Position:   raw.Position,
		IsActive:   raw.IsActive,
		IsFeatured: raw.IsFeatured,
		IsArchived: raw.IsArchived,
		ClickCount: raw.ClickCount,
	}
	return nil
}

func marshalContent(c Content) (json.RawMessage, error) {
	if c == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s content: %w", c.Kind(), err)
	}
	return data, nil
}
