// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package extractor turns fetched response bodies into readable text.
package extractor

import (
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
)

// Document is the readable form of a fetched resource.
type Document struct {
	Title       string
	SiteName    string
	Description string
	Text        string
	// Format is the extractor that produced Text ("html", "pdf", ...).
	Format string
}

// UnsupportedTypeError is returned for media types with no extractor
// (images, archives, binaries).
type UnsupportedTypeError struct {
	ContentType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported content type: %s", e.ContentType)
}

// Extract picks an extractor from the response content type, falling back
// to the file extension of name (usually the URL path) and then to content
// sniffing when the server sent no useful type.
func Extract(content []byte, contentType, name string) (*Document, error) {
	mt := mediaType(contentType)
	if mt == "" || mt == "application/octet-stream" || mt == "binary/octet-stream" {
		if byExt := typeForExtension(path.Ext(strings.ToLower(name))); byExt != "" {
			mt = byExt
		} else {
			mt = mediaType(http.DetectContentType(content))
		}
	}

	switch {
	case mt == "application/pdf":
		text, err := extractPDF(content)
		if err != nil {
			return nil, err
		}
		return &Document{Text: text, Format: "pdf"}, nil
	case mt == "text/html" || mt == "application/xhtml+xml":
		return extractHTML(content)
	case mt == "application/x-ndjson" || mt == "application/jsonl" || mt == "application/x-jsonlines":
		return &Document{Text: extractJSONL(content), Format: "jsonl"}, nil
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return &Document{Text: extractJSON(content), Format: "json"}, nil
	case mt == "text/csv":
		return &Document{Text: extractCSV(content), Format: "csv"}, nil
	case strings.HasPrefix(mt, "text/"), mt == "application/xml", strings.HasSuffix(mt, "+xml"):
		return &Document{Text: extractText(content), Format: "text"}, nil
	default:
		return nil, &UnsupportedTypeError{ContentType: mt}
	}
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt
}

func typeForExtension(ext string) string {
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".html", ".htm":
		return "text/html"
	case ".json":
		return "application/json"
	case ".jsonl", ".ndjson":
		return "application/x-ndjson"
	case ".csv":
		return "text/csv"
	case ".txt", ".md", ".markdown", ".rst":
		return "text/plain"
	}
	return ""
}
