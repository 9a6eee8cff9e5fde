// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"
)

// extractText returns the content as-is (plain text pass-through).
func extractText(content []byte) string {
	return string(content)
}

// extractJSON pretty-prints a JSON document. Invalid JSON is returned as-is.
func extractJSON(content []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, content, "", "  "); err != nil {
		return string(content)
	}
	return buf.String()
}

// extractJSONL pretty-prints one JSON value per line.
func extractJSONL(content []byte) string {
	var sb strings.Builder
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(line), "", "  "); err != nil {
			sb.WriteString(line)
			continue
		}
		sb.WriteString(buf.String())
	}
	return sb.String()
}

// extractCSV returns rows joined by tabs, one per line. Unparseable input
// is returned as-is.
func extractCSV(content []byte) string {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var sb strings.Builder
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return string(content)
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(strings.Join(record, "\t"))
	}
	return sb.String()
}
