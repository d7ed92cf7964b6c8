// Package htmlutil extracts taggable text from HTML pages.
package htmlutil

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/happyhackingspace/chemner/internal/textutil"
)

// LoadHTML parses HTML bytes into a goquery Document.
func LoadHTML(r io.Reader) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(r)
}

// LoadHTMLString parses HTML string into a goquery Document.
func LoadHTMLString(htmlStr string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
}

// LooksLikeHTML reports whether s starts like an HTML document or fragment.
func LooksLikeHTML(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "<")
}

var skipped = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"head": true, "svg": true, "iframe": true,
}

var blocks = map[string]bool{
	"p": true, "div": true, "li": true, "td": true, "th": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"caption": true, "figcaption": true, "dt": true, "dd": true,
	"blockquote": true, "pre": true, "section": true, "article": true,
	"header": true, "footer": true, "table": true, "ul": true, "ol": true,
	"body": true, "br": true, "hr": true,
}

// Title returns the trimmed document title.
func Title(doc *goquery.Document) string {
	return textutil.NormalizeWhitespaces(strings.TrimSpace(doc.Find("title").First().Text()))
}

// Blocks returns the visible text of doc split at block-level elements, in
// document order, with whitespace normalised. Scripts, styles and the head
// are skipped.
func Blocks(doc *goquery.Document) []string {
	var (
		out []string
		buf strings.Builder
	)
	flush := func() {
		text := strings.TrimSpace(textutil.NormalizeWhitespaces(buf.String()))
		if text != "" {
			out = append(out, text)
		}
		buf.Reset()
	}

	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			buf.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipped[n.Data] {
				return
			}
		}
		block := n.Type == html.ElementNode && blocks[n.Data]
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
		if block {
			flush()
		}
	}
	for _, n := range doc.Nodes {
		visit(n)
	}
	flush()
	return out
}
