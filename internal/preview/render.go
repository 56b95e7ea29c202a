package preview

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"

	"github.com/livetemplate/bioblocks"
)

//go:embed templates/*.html
var templateFS embed.FS

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	goldmark.WithParserOptions(
		parser.WithASTTransformers(util.Prioritized(externalLinks{}, 100)),
	),
)

var templates = template.Must(template.New("preview").ParseFS(templateFS, "templates/*.html"))

// FragmentSource returns the preview fragment template. It uses no template
// funcs, so any html/template compatible engine can parse it.
func FragmentSource() ([]byte, error) {
	return templateFS.ReadFile("templates/preview.html")
}

// Render writes the preview fragment for v.
func Render(w io.Writer, v View) error {
	return templates.ExecuteTemplate(w, "preview.html", v)
}

// RenderPage writes a standalone HTML document around the preview fragment.
func RenderPage(w io.Writer, v View) error {
	return templates.ExecuteTemplate(w, "page.html", v)
}

// HTML returns the preview fragment as a string.
func HTML(v View) (string, error) {
	var buf bytes.Buffer
	if err := Render(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// renderMarkdown converts a notice message to HTML. Raw HTML in the source is
// dropped and links open in a new context.
func renderMarkdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(buf.String())
}

// formatPrice renders a price with two decimals and its currency code.
func formatPrice(p bioblocks.Product) string {
	if p.Currency == "" {
		return fmt.Sprintf("%.2f", p.Price)
	}
	return fmt.Sprintf("%.2f %s", p.Price, p.Currency)
}

// externalLinks marks every markdown link to open outside the preview.
type externalLinks struct{}

func (externalLinks) Transform(doc *ast.Document, _ text.Reader, _ parser.Context) {
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindLink, ast.KindAutoLink:
			n.SetAttributeString("target", []byte("_blank"))
			n.SetAttributeString("rel", []byte("noopener noreferrer"))
		}
		return ast.WalkContinue, nil
	})
}

// Text returns a plain-text projection of v, one line per rendered item.
func Text(v View) string {
	var b strings.Builder
	if v.Title != "" {
		fmt.Fprintf(&b, "# %s\n", v.Title)
	}
	if v.Empty {
		b.WriteString("No content yet\n")
		return b.String()
	}
	for _, n := range v.Notices {
		fmt.Fprintf(&b, "%s [%s] %s", n.Icon, n.Style, n.Title)
		if n.Message != "" {
			fmt.Fprintf(&b, ": %s", n.Message)
		}
		b.WriteString("\n")
	}
	for _, l := range v.Links {
		star := ""
		if l.Featured {
			star = "* "
		}
		fmt.Fprintf(&b, "%s%s <%s>\n", star, l.Title, l.URL)
	}
	for _, p := range v.Products {
		fmt.Fprintf(&b, "$ %s %s", p.Title, p.PriceText)
		if p.Expanded && p.Description != "" {
			fmt.Fprintf(&b, " - %s", p.Description)
		}
		b.WriteString("\n")
	}
	if v.NoMatches {
		fmt.Fprintf(&b, "No products match %q\n", v.Presentation.Search)
	}
	return b.String()
}
