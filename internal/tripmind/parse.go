package tripmind

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// parseStrategy extracts a JSON document from raw model output.
type parseStrategy func(text string) (json.RawMessage, error)

var errNoCandidate = errors.New("no candidate")

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parseStrategies run in order; the first one yielding valid JSON wins.
var parseStrategies = []parseStrategy{
	wholeText,
	fencedInterior,
	spanBetween('{', '}'),
	spanBetween('[', ']'),
}

func wholeText(text string) (json.RawMessage, error) {
	return validJSON(text)
}

func fencedInterior(text string) (json.RawMessage, error) {
	m := fencedBlock.FindStringSubmatch(text)
	if m == nil || m[1] == "" {
		return nil, errNoCandidate
	}
	return validJSON(m[1])
}

// spanBetween takes the first balanced open/close span. Delimiters inside
// JSON strings do not count toward nesting.
func spanBetween(open, close byte) parseStrategy {
	return func(text string) (json.RawMessage, error) {
		start := strings.IndexByte(text, open)
		if start < 0 {
			return nil, errNoCandidate
		}
		depth := 0
		inString, escaped := false, false
		for i := start; i < len(text); i++ {
			c := text[i]
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
			case open:
				depth++
			case close:
				depth--
				if depth == 0 {
					return validJSON(text[start : i+1])
				}
			}
		}
		return nil, errNoCandidate
	}
}

func validJSON(s string) (json.RawMessage, error) {
	b := bytes.TrimSpace([]byte(s))
	if !json.Valid(b) {
		return nil, errNoCandidate
	}
	return json.RawMessage(b), nil
}

// ExtractJSON returns the JSON document embedded in a model reply. The reply
// may be plain JSON, a fenced block, or JSON surrounded by prose.
func ExtractJSON(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyResponse
	}
	for _, try := range parseStrategies {
		if raw, err := try(text); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnparseable, snippet(text, 80))
}

// ParseJSON decodes the first embedded JSON document that fits v, which must
// be a non-nil pointer. v is left untouched when nothing fits.
func ParseJSON(text string, v any) error {
	return parseInto(text, v, nil)
}

// parseShaped is ParseJSON with candidates also checked against sch.
func parseShaped(text string, sch *jsonschema.Schema, v any) error {
	return parseInto(text, v, func(raw json.RawMessage) error {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		return sch.Validate(doc)
	})
}

func parseInto(text string, v any, accept func(json.RawMessage) error) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("parse target must be a non-nil pointer, got %T", v)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyResponse
	}

	var lastErr error
	for _, try := range parseStrategies {
		raw, err := try(text)
		if err != nil {
			continue
		}
		if accept != nil {
			if err := accept(raw); err != nil {
				lastErr = err
				continue
			}
		}
		fresh := reflect.New(rv.Elem().Type())
		if err := json.Unmarshal(raw, fresh.Interface()); err != nil {
			lastErr = err
			continue
		}
		rv.Elem().Set(fresh.Elem())
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrUnparseable, lastErr)
	}
	return fmt.Errorf("%w: %q", ErrUnparseable, snippet(text, 80))
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
