// Package frontmatter reads and writes the fenced-header message format used
// across thread, ticket and design files: a "---" fence line, header
// "key: value" lines, a closing fence, a blank line, then a free-form body.
//
// Header keys the caller does not recognize are passed through verbatim; the
// codec never fails on an unknown key. Header order is preserved across a
// parse/render round trip.
package frontmatter

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fence is the header block delimiter line.
const Fence = "---"

// Field is a single ordered header entry.
type Field struct {
	Key   string
	Value string
}

// Document is a parsed fenced-header file.
type Document struct {
	Fields []Field
	Body   string
}

// ParseError names the offending line of an invalid header.
type ParseError struct {
	Line   int // 1-based line number within the file
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("frontmatter: line %d: %s", e.Line, e.Reason)
}

// Get returns the first value for key and whether it was present.
func (d *Document) Get(key string) (string, bool) {
	for _, f := range d.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the value for key, appending a new field if absent.
func (d *Document) Set(key, value string) {
	for i := range d.Fields {
		if d.Fields[i].Key == key {
			d.Fields[i].Value = value
			return
		}
	}
	d.Fields = append(d.Fields, Field{Key: key, Value: value})
}

// Parse decodes a fenced-header document. The first line must be the fence
// sentinel; an unterminated fence is an error.
func Parse(data []byte) (*Document, error) {
	text := string(data)
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r") != Fence {
		return nil, &ParseError{Line: 1, Reason: "missing opening fence"}
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], "\r") == Fence {
			end = i
			break
		}
	}
	if end == -1 {
		return nil, &ParseError{Line: len(lines), Reason: "unterminated fence"}
	}

	header := strings.Join(lines[1:end], "\n")
	fields, err := parseHeader(header)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			// Offset the header-relative line number past the opening fence.
			return nil, &ParseError{Line: pe.Line + 1, Reason: pe.Reason}
		}
		return nil, err
	}

	// Skip the single blank separator line after the closing fence.
	bodyStart := end + 1
	if bodyStart < len(lines) && strings.TrimRight(lines[bodyStart], "\r") == "" {
		bodyStart++
	}
	body := ""
	if bodyStart < len(lines) {
		body = strings.Join(lines[bodyStart:], "\n")
	}

	return &Document{Fields: fields, Body: body}, nil
}

// parseHeader decodes the header block through yaml so quoting and
// colon-bearing values behave. Only a flat scalar mapping is accepted.
func parseHeader(header string) ([]Field, error) {
	if strings.TrimSpace(header) == "" {
		return nil, nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(header), &root); err != nil {
		return nil, &ParseError{Line: 1, Reason: fmt.Sprintf("invalid header: %v", err)}
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, &ParseError{Line: mapping.Line, Reason: "header is not a key: value mapping"}
	}

	fields := make([]Field, 0, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		k, v := mapping.Content[i], mapping.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return nil, &ParseError{Line: k.Line, Reason: "header key is not a scalar"}
		}
		if v.Kind != yaml.ScalarNode {
			return nil, &ParseError{Line: v.Line, Reason: fmt.Sprintf("value for %q is not a scalar", k.Value)}
		}
		fields = append(fields, Field{Key: k.Value, Value: v.Value})
	}
	return fields, nil
}

// Render encodes the document back to its on-disk form.
func Render(d *Document) ([]byte, error) {
	var b strings.Builder
	b.WriteString(Fence)
	b.WriteByte('\n')

	if len(d.Fields) > 0 {
		mapping := &yaml.Node{Kind: yaml.MappingNode}
		for _, f := range d.Fields {
			mapping.Content = append(mapping.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.Key},
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.Value},
			)
		}
		out, err := yaml.Marshal(mapping)
		if err != nil {
			return nil, fmt.Errorf("frontmatter: render header: %w", err)
		}
		b.Write(out)
	}

	b.WriteString(Fence)
	b.WriteString("\n\n")
	b.WriteString(d.Body)
	return []byte(b.String()), nil
}
