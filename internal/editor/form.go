package editor

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/livetemplate/bioblocks"
	"github.com/livetemplate/bioblocks/internal/security"
)

// Form is the edit dialog's input. One form covers both block kinds; fields
// that do not apply to the kind are ignored.
type Form struct {
	Kind       bioblocks.Kind        `json:"kind" validate:"required,oneof=link update-notice"`
	Title      string                `json:"title" validate:"required,max=120"`
	URL        string                `json:"url" validate:"omitempty,url,publicurl"`
	Color      string                `json:"color" validate:"omitempty,hexcolor"`
	Style      bioblocks.NoticeStyle `json:"style" validate:"omitempty,oneof=info success warning promo"`
	Message    string                `json:"message" validate:"max=500"`
	Thumbnail  string                `json:"thumbnail" validate:"omitempty,url,publicurl"`
	IsActive   bool                  `json:"isActive"`
	IsFeatured bool                  `json:"isFeatured"`
}

// FormOf pre-fills a form from b.
func FormOf(b bioblocks.Block) Form {
	f := Form{
		Kind:       b.Kind(),
		Title:      b.Title,
		Thumbnail:  b.Thumbnail,
		IsActive:   b.IsActive,
		IsFeatured: b.IsFeatured,
	}
	switch c := b.Content.(type) {
	case bioblocks.LinkContent:
		f.URL = c.URL
		f.Color = c.Color
	case bioblocks.NoticeContent:
		f.Style = c.Style
		f.Message = c.Message
		f.URL = c.URL
	}
	return f
}

// BlankForm returns the form for a new block of the given kind.
func BlankForm(kind bioblocks.Kind) Form {
	f := Form{Kind: kind, IsActive: true}
	if kind == bioblocks.KindUpdateNotice {
		f.Style = bioblocks.StyleInfo
	}
	return f
}

// Content returns the typed content described by the form.
func (f Form) Content() bioblocks.Content {
	if f.Kind == bioblocks.KindUpdateNotice {
		style := f.Style
		if style == "" {
			style = bioblocks.StyleInfo
		}
		return bioblocks.NoticeContent{Style: style, Message: f.Message, URL: f.URL}
	}
	return bioblocks.LinkContent{URL: f.URL, Color: f.Color}
}

// Fields returns every field of the form.
func (f Form) Fields() bioblocks.Fields {
	return bioblocks.Fields{
		Title:      bioblocks.Ptr(f.Title),
		Content:    f.Content(),
		Thumbnail:  bioblocks.Ptr(f.Thumbnail),
		IsActive:   bioblocks.Ptr(f.IsActive),
		IsFeatured: bioblocks.Ptr(f.IsFeatured),
	}
}

// Changes returns only the fields of the form that differ from b.
func (f Form) Changes(b bioblocks.Block) bioblocks.Fields {
	var out bioblocks.Fields
	if f.Title != b.Title {
		out.Title = bioblocks.Ptr(f.Title)
	}
	if content := f.Content(); content != b.Content {
		out.Content = content
	}
	if f.Thumbnail != b.Thumbnail {
		out.Thumbnail = bioblocks.Ptr(f.Thumbnail)
	}
	if f.IsActive != b.IsActive {
		out.IsActive = bioblocks.Ptr(f.IsActive)
	}
	if f.IsFeatured != b.IsFeatured {
		out.IsFeatured = bioblocks.Ptr(f.IsFeatured)
	}
	return out
}

// FormError reports invalid dialog input.
type FormError struct {
	Field   string
	Message string
}

func (e *FormError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("publicurl", func(fl validator.FieldLevel) bool {
		return security.ValidateLinkURL(fl.Field().String()) == nil
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		f := sl.Current().Interface().(Form)
		if f.Kind == bioblocks.KindLink && f.URL == "" {
			sl.ReportError(f.URL, "url", "URL", "required", "")
		}
	}, Form{})
	return v
}

// validateForm returns a *FormError for the first invalid field.
func validateForm(v *validator.Validate, f Form) error {
	err := v.Struct(f)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	return &FormError{Field: fe.Field(), Message: fieldMessage(fe)}
}

func fieldMessage(fe validator.FieldError) string {
	label := fieldLabels[fe.Field()]
	if label == "" {
		label = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		return label + " is required."
	case "max":
		return fmt.Sprintf("%s must be at most %s characters.", label, fe.Param())
	case "url":
		return label + " must be a valid URL."
	case "publicurl":
		return label + " must be a public http or https address."
	case "hexcolor":
		return label + " must be a hex color like #ff8800."
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s.", label, fe.Param())
	default:
		return label + " is invalid."
	}
}

var fieldLabels = map[string]string{
	"kind":      "Kind",
	"title":     "Title",
	"url":       "URL",
	"color":     "Color",
	"style":     "Style",
	"message":   "Message",
	"thumbnail": "Thumbnail",
}
