package bioblocks

import (
	"encoding/json"
)

// Fields is a partial block used for creates and field-level updates.
// Nil members are left untouched by Apply and omitted on the wire.
type Fields struct {
	Title      *string
	Content    Content
	Thumbnail  *string
	IsActive   *bool
	IsFeatured *bool
	IsArchived *bool
}

// Ptr returns a pointer to v. It keeps Fields literals short.
func Ptr[T any](v T) *T {
	return &v
}

// FieldsOf returns every writable field of b. Id, position and click count
// are not writable and are left out.
func FieldsOf(b Block) Fields {
	return Fields{
		Title:      Ptr(b.Title),
		Content:    b.Content,
		Thumbnail:  Ptr(b.Thumbnail),
		IsActive:   Ptr(b.IsActive),
		IsFeatured: Ptr(b.IsFeatured),
		IsArchived: Ptr(b.IsArchived),
	}
}

// IsEmpty reports whether no field is set.
func (f Fields) IsEmpty() bool {
	return f.Title == nil && f.Content == nil && f.Thumbnail == nil &&
		f.IsActive == nil && f.IsFeatured == nil && f.IsArchived == nil
}

// Apply returns b with every set field of f merged in.
func (f Fields) Apply(b Block) Block {
	if f.Title != nil {
		b.Title = *f.Title
	}
	if f.Content != nil {
		b.Content = f.Content
	}
	if f.Thumbnail != nil {
		b.Thumbnail = *f.Thumbnail
	}
	if f.IsActive != nil {
		b.IsActive = *f.IsActive
	}
	if f.IsFeatured != nil {
		b.IsFeatured = *f.IsFeatured
	}
	if f.IsArchived != nil {
		b.IsArchived = *f.IsArchived
	}
	return b
}

// Capture returns the current values in b of exactly the fields set in f.
// Applying the result undoes Apply(f).
func (f Fields) Capture(b Block) Fields {
	var prev Fields
	if f.Title != nil {
		prev.Title = Ptr(b.Title)
	}
	if f.Content != nil {
		prev.Content = b.Content
		if prev.Content == nil {
			prev.Content = LinkContent{}
		}
	}
	if f.Thumbnail != nil {
		prev.Thumbnail = Ptr(b.Thumbnail)
	}
	if f.IsActive != nil {
		prev.IsActive = Ptr(b.IsActive)
	}
	if f.IsFeatured != nil {
		prev.IsFeatured = Ptr(b.IsFeatured)
	}
	if f.IsArchived != nil {
		prev.IsArchived = Ptr(b.IsArchived)
	}
	return prev
}

// Field names a writable block field.
type Field string

const (
	FieldTitle      Field = "title"
	FieldContent    Field = "content"
	FieldThumbnail  Field = "thumbnail"
	FieldIsActive   Field = "isActive"
	FieldIsFeatured Field = "isFeatured"
	FieldIsArchived Field = "isArchived"
)

// Names returns the fields set in f in declaration order.
func (f Fields) Names() []Field {
	var names []Field
	if f.Title != nil {
		names = append(names, FieldTitle)
	}
	if f.Content != nil {
		names = append(names, FieldContent)
	}
	if f.Thumbnail != nil {
		names = append(names, FieldThumbnail)
	}
	if f.IsActive != nil {
		names = append(names, FieldIsActive)
	}
	if f.IsFeatured != nil {
		names = append(names, FieldIsFeatured)
	}
	if f.IsArchived != nil {
		names = append(names, FieldIsArchived)
	}
	return names
}

// Only returns the subset of f restricted to names.
func (f Fields) Only(names ...Field) Fields {
	var out Fields
	for _, n := range names {
		switch n {
		case FieldTitle:
			out.Title = f.Title
		case FieldContent:
			out.Content = f.Content
		case FieldThumbnail:
			out.Thumbnail = f.Thumbnail
		case FieldIsActive:
			out.IsActive = f.IsActive
		case FieldIsFeatured:
			out.IsFeatured = f.IsFeatured
		case FieldIsArchived:
			out.IsArchived = f.IsArchived
		}
	}
	return out
}

// Merge returns f with every set field of o overriding it.
func (f Fields) Merge(o Fields) Fields {
	if o.Title != nil {
		f.Title = o.Title
	}
	if o.Content != nil {
		f.Content = o.Content
	}
	if o.Thumbnail != nil {
		f.Thumbnail = o.Thumbnail
	}
	if o.IsActive != nil {
		f.IsActive = o.IsActive
	}
	if o.IsFeatured != nil {
		f.IsFeatured = o.IsFeatured
	}
	if o.IsArchived != nil {
		f.IsArchived = o.IsArchived
	}
	return f
}

// NewBlock builds an unsaved block from f. New blocks are active unless f
// says otherwise.
func (f Fields) NewBlock() Block {
	return f.Apply(Block{IsActive: true, Content: LinkContent{}})
}

// MarshalJSON encodes only the set fields. Content carries its kind tag.
func (f Fields) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if f.Title != nil {
		m["title"] = *f.Title
	}
	if f.Content != nil {
		content, err := marshalContent(f.Content)
		if err != nil {
			return nil, err
		}
		m["kind"] = f.Content.Kind()
		m["content"] = content
	}
	if f.Thumbnail != nil {
		m["thumbnail"] = *f.Thumbnail
	}
	if f.IsActive != nil {
		m["isActive"] = *f.IsActive
	}
	if f.IsFeatured != nil {
		m["isFeatured"] = *f.IsFeatured
	}
	if f.IsArchived != nil {
		m["isArchived"] = *f.IsArchived
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a partial block. Fields absent from data stay nil.
func (f *Fields) UnmarshalJSON(data []byte) error {
	var raw struct {
		Title      *string         `json:"title"`
		Kind       Kind            `json:"kind"`
		Content    json.RawMessage `json:"content"`
		Thumbnail  *string         `json:"thumbnail"`
		IsActive   *bool           `json:"isActive"`
		IsFeatured *bool           `json:"isFeatured"`
		IsArchived *bool           `json:"isArchived"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Fields{
		Title:      raw.Title,
		Thumbnail:  raw.Thumbnail,
		IsActive:   raw.IsActive,
		IsFeatured: raw.IsFeatured,
		IsArchived: raw.IsArchived,
	}
	if raw.Kind != "" || len(raw.Content) > 0 {
		content, err := DecodeContent(raw.Kind, raw.Content)
		if err != nil {
			return err
		}
		f.Content = content
	}
	return nil
}
