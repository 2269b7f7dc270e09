// Package manifest turns uploaded CSV or JSON manifests into message requests.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// Format identifies the manifest encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

var (
	// ErrUnsupportedFormat is returned for keys or formats other than csv/json.
	ErrUnsupportedFormat = errors.New("manifest: unsupported format")
	// ErrManifestUnreadable is returned when the manifest as a whole cannot be
	// interpreted, as opposed to a single bad row.
	ErrManifestUnreadable = errors.New("manifest: unreadable")
)

// ParseError describes one rejected row. Line is the physical line number for
// CSV and the 1-based array position for JSON.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("manifest: line %d: %s", e.Line, e.Reason)
}

// Result holds the accepted requests in input order and the rows that were
// rejected.
type Result struct {
	Messages []models.MessageRequest
	Errors   []*ParseError
}

// FormatFromKey picks the format from an object key's extension.
func FormatFromKey(key string) (Format, error) {
	switch strings.ToLower(path.Ext(key)) {
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, key)
	}
}

// ParseFormat validates a user supplied format name.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// Parse dispatches to the parser for format.
func Parse(data []byte, format Format) (*Result, error) {
	switch format {
	case FormatCSV:
		return ParseCSV(data)
	case FormatJSON:
		return ParseJSON(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// ParseCSV reads a header row followed by one message per line. Blank lines
// are ignored. Rows with fewer values than the header omit the missing
// fields; surplus values are dropped.
func ParseCSV(data []byte) (*Result, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	lines := strings.Split(string(data), "\n")

	var header []string
	headerLine := 0
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields, ok := splitRow(line)
		if !ok {
			return nil, fmt.Errorf("%w: malformed header on line %d", ErrManifestUnreadable, i+1)
		}
		header = fields
		headerLine = i
		break
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("%w: missing header row", ErrManifestUnreadable)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	res := &Result{}
	for i := headerLine + 1; i < len(lines); i++ {
		line := strings.TrimSuffix(lines[i], "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		values, ok := splitRow(line)
		if !ok {
			res.Errors = append(res.Errors, &ParseError{Line: i + 1, Reason: "malformed row"})
			continue
		}
		msg := make(models.MessageRequest, len(header))
		for col, name := range header {
			if name == "" || col >= len(values) {
				continue
			}
			msg[name] = values[col]
		}
		if reason := missingRequired(msg); reason != "" {
			res.Errors = append(res.Errors, &ParseError{Line: i + 1, Reason: reason})
			continue
		}
		res.Messages = append(res.Messages, msg)
	}
	return res, nil
}

// ParseJSON reads a document of the form {"messages": [{...}, ...]}.
func ParseJSON(data []byte) (*Result, error) {
	var doc struct {
		Messages []json.RawMessage `json:"messages"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnreadable, err)
	}
	if doc.Messages == nil {
		return nil, fmt.Errorf("%w: missing messages field", ErrManifestUnreadable)
	}

	res := &Result{}
	for i, raw := range doc.Messages {
		var msg models.MessageRequest
		entry := json.NewDecoder(bytes.NewReader(raw))
		entry.UseNumber()
		if err := entry.Decode(&msg); err != nil || msg == nil {
			res.Errors = append(res.Errors, &ParseError{Line: i + 1, Reason: "entry is not an object"})
			continue
		}
		if reason := missingRequired(msg); reason != "" {
			res.Errors = append(res.Errors, &ParseError{Line: i + 1, Reason: reason})
			continue
		}
		res.Messages = append(res.Messages, msg)
	}
	return res, nil
}

func missingRequired(msg models.MessageRequest) string {
	switch {
	case msg.Recipient() == "":
		return "missing " + models.ParamTo
	case msg.Sender() == "":
		return "missing " + models.ParamFrom
	default:
		return ""
	}
}
