// Package structured pulls a single JSON object out of free-form model text.
//
// Models wrap their structured answers in prose, markdown fences or XML-style
// tags. Extract tries each of those shapes in turn and reports whether it
// found a well-formed object; Decode goes one step further and unmarshals it,
// returning an *errors.SchemaParseError naming the phase on failure. Neither
// function panics or coerces: a caller always gets an explicit miss.
package structured

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/eldavier/Kiro-sub000/internal/errors"
)

var (
	fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\r?\n?(.*?)```")
	tagRe   = regexp.MustCompile(`(?s)<([a-z_]+)>\s*(.*?)\s*</([a-z_]+)>`)
)

// Extract returns the first JSON object found in text. It tries, in order,
// the whole text, each fenced code block, each <tag>...</tag> block, and
// finally every balanced {...} span.
func Extract(text string) (json.RawMessage, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	if isObject(text) {
		return json.RawMessage(text), true
	}

	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if c := strings.TrimSpace(m[1]); isObject(c) {
			return json.RawMessage(c), true
		}
	}

	for _, m := range tagRe.FindAllStringSubmatch(text, -1) {
		if m[1] != m[3] {
			continue
		}
		if c := strings.TrimSpace(m[2]); isObject(c) {
			return json.RawMessage(c), true
		}
	}

	first := strings.IndexByte(text, '{')
	if first < 0 {
		return nil, false
	}
	ends := closingBraces(text, first)
	for start := first; start >= 0; {
		end, seen := ends[start]
		ok := end >= 0
		if !seen {
			// Inside a string as seen from the first brace; scan on its own.
			end, ok = matchBrace(text, start)
		}
		if ok {
			if c := text[start : end+1]; isObject(c) {
				return json.RawMessage(c), true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// Decode extracts the JSON object in text and unmarshals it into v.
func Decode(phase, text string, v any) error {
	raw, ok := Extract(text)
	if !ok {
		return errors.NewSchemaParseError(phase, "no JSON object found in response").WithExcerpt(text)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.NewSchemaParseError(phase, "response does not match the expected schema").
			WithExcerpt(text).
			WithCause(err)
	}
	return nil
}

// Get reads a field of an extracted object by gjson path.
func Get(raw json.RawMessage, path string) gjson.Result {
	return gjson.GetBytes(raw, path)
}

func isObject(s string) bool {
	return gjson.Valid(s) && gjson.Parse(s).IsObject()
}

// closingBraces scans s once from first and maps every '{' outside a JSON
// string to the index of its closing '}', or -1 when it is never closed. For
// those braces the result equals matchBrace, without rescanning the tail.
func closingBraces(s string, first int) map[int]int {
	ends := make(map[int]int)
	var open []int
	inString := false
	escaped := false
	for i := first; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			open = append(open, i)
			ends[i] = -1
		case '}':
			if n := len(open); n > 0 {
				ends[open[n-1]] = i
				open = open[:n-1]
			}
		}
	}
	return ends
}

// matchBrace returns the index of the '}' closing the '{' at start, skipping
// braces inside JSON strings.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
