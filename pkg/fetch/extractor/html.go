// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dyatlov/go-opengraph/opengraph"
	"golang.org/x/net/html"
)

// boilerplate is removed before text extraction.
const boilerplate = "script, style, noscript, template, svg, iframe, button, nav, header, footer, aside, " +
	"[role=navigation], [role=banner], [role=contentinfo], [aria-hidden=true], .cookie-banner, .advertisement"

// blockElements end a line of extracted text.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true,
	"article": true, "main": true, "pre": true, "blockquote": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "dd": true, "dt": true, "figcaption": true, "hr": true,
}

// extractHTML strips boilerplate and returns the readable text of the main
// content region along with OpenGraph metadata.
func extractHTML(content []byte) (*Document, error) {
	out := &Document{Format: "html"}

	og := opengraph.NewOpenGraph()
	if err := og.ProcessHTML(bytes.NewReader(content)); err == nil {
		out.Title = strings.TrimSpace(og.Title)
		out.SiteName = strings.TrimSpace(og.SiteName)
		out.Description = strings.TrimSpace(og.Description)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		// Fall back to raw text if HTML is malformed
		out.Text = string(content)
		return out, nil
	}

	if out.Title == "" {
		out.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if out.Description == "" {
		if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
			out.Description = strings.TrimSpace(desc)
		}
	}

	doc.Find(boilerplate).Remove()

	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("main, [role=main]").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	var sb strings.Builder
	for _, n := range root.Nodes {
		extractTextFromNode(n, &sb)
	}
	out.Text = normalizeLines(sb.String())
	return out, nil
}

func extractTextFromNode(n *html.Node, sb *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		// source line breaks are layout, not content
		sb.WriteString(strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' || r == '\t' {
				return ' '
			}
			return r
		}, n.Data))
		return
	case html.ElementNode:
		if blockElements[n.Data] {
			sb.WriteString("\n")
			defer sb.WriteString("\n")
		}
	case html.CommentNode:
		return
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractTextFromNode(c, sb)
	}
}

// normalizeLines collapses runs of whitespace within lines and drops empty
// lines.
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
