package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
)

// document is the generic parse tree produced by decodeDocument: a
// nested table of key -> scalar/table/array-of-tables, generalizing
// the teacher's flat section/key/value TOML subset with the
// bracketed-array tables ("[[drives]]") the VM spec format needs.
type document map[string]interface{}

// decodeDocument parses the restricted configuration language
// described in SPEC_FULL.md §4.1: "#" comments (quote-aware), bare
// key = value pairs, "[section.path]" tables, and "[[array]]"
// array-of-table sections.
func decodeDocument(text string) (document, error) {
	root := document{}
	var currentTable document
	currentTable = root

	for lineNo, rawLine := range strings.Split(text, "\n") {
		line := stripComment(rawLine)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "[[") && strings.HasSuffix(line, "]]"):
			name := strings.TrimSpace(line[2 : len(line)-2])
			if name == "" {
				return nil, parseErrf(lineNo, "empty array-of-tables name")
			}
			entry := document{}
			arr, _ := root[name].([]document)
			root[name] = append(arr, entry)
			currentTable = entry

		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			path := strings.TrimSpace(line[1 : len(line)-1])
			if path == "" {
				return nil, parseErrf(lineNo, "empty section name")
			}
			table := root
			for _, part := range strings.Split(path, ".") {
				next, ok := table[part].(document)
				if !ok {
					next = document{}
					table[part] = next
				}
				table = next
			}
			currentTable = table

		default:
			key, rawValue, ok := splitAssignment(line)
			if !ok {
				return nil, parseErrf(lineNo, "expected key = value, got %q", line)
			}
			value, err := decodeValue(rawValue)
			if err != nil {
				return nil, parseErrf(lineNo, "%v", err)
			}
			currentTable[key] = value
		}
	}

	return root, nil
}

func parseErrf(lineNo int, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return domain.NewError(domain.ErrKindParse, fmt.Sprintf("parse error at line %d: %s", lineNo+1, msg), nil)
}

// stripComment removes a trailing "#..." comment, treating "#"
// encountered inside a quoted string as literal text rather than the
// start of a comment.
func stripComment(line string) string {
	var quote rune
	for i, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '#':
			return line[:i]
		}
	}
	return line
}

// splitAssignment splits "key = value" on the first "=" that is not
// inside a quoted string.
func splitAssignment(line string) (key, value string, ok bool) {
	var quote rune
	for i, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '=':
			return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
		}
	}
	return "", "", false
}

// decodeValue decodes one of: a double- or single-quoted string,
// true/false, a decimal number, or a bare token (kept as a string).
func decodeValue(raw string) (interface{}, error) {
	if raw == "" {
		return "", nil
	}

	if (strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) && len(raw) >= 2) ||
		(strings.HasPrefix(raw, "'") && strings.HasSuffix(raw, "'") && len(raw) >= 2) {
		inner := raw[1 : len(raw)-1]
		inner = strings.ReplaceAll(inner, `\"`, `"`)
		inner = strings.ReplaceAll(inner, `\\`, `\`)
		return inner, nil
	}

	if raw == "true" {
		return true, nil
	}
	if raw == "false" {
		return false, nil
	}

	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, nil
	}

	// Bare token: returned verbatim as a string.
	return raw, nil
}

// =============================================================================
// document accessors
// =============================================================================

func (d document) getString(key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (d document) getBool(key string) (bool, bool) {
	v, ok := d[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (d document) getInt(key string) (int64, bool) {
	switch v := d[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func (d document) getTable(key string) (document, bool) {
	t, ok := d[key].(document)
	return t, ok
}

func (d document) getArray(key string) ([]document, bool) {
	a, ok := d[key].([]document)
	return a, ok
}
