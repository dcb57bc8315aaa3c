package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed reports a message body that cannot be normalized.
var ErrMalformed = errors.New("transcript: malformed message")

// Normalize converts a raw message body into its canonical object form:
//
//	"hello"                                   -> {"text":"hello","type":"text"}
//	"{\"a\":1}"                               -> {"text":{"a":1},"type":"text"}
//	{"type":"code","language":"json","text":"{\"a\":1}"} -> text parsed to {"a":1}
//	{"type":"text","text":"{\"a\":1}"}        -> text parsed to {"a":1}
//
// Text that only looks like JSON but does not parse is left as a string.
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}

	var v any
	if err := decode(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg map[string]any
	switch vv := v.(type) {
	case string:
		msg = map[string]any{"type": "text", "text": vv}
		if parsed, ok := parseEmbedded(vv, false); ok {
			msg["text"] = parsed
		}
	case map[string]any:
		msg = vv
		if _, ok := msg["type"]; !ok {
			msg["type"] = "text"
		}
		if text, ok := msg["text"].(string); ok {
			if parsed, ok := parseEmbedded(text, msg["language"] == "json"); ok {
				msg["text"] = parsed
			}
		}
	default:
		msg = map[string]any{"type": "text", "text": string(raw)}
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

// parseEmbedded parses text when it is declared JSON or looks like a JSON
// object literal. A result that is itself a string is rejected so a second
// pass cannot unwrap another layer.
func parseEmbedded(text string, declared bool) (any, bool) {
	trimmed := strings.TrimSpace(text)
	if !declared && !(strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) {
		return nil, false
	}
	var parsed any
	if err := decode([]byte(trimmed), &parsed); err != nil {
		return nil, false
	}
	if _, isString := parsed.(string); isString {
		return nil, false
	}
	return parsed, true
}

func decode(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}

// Fields extracts the descriptive fields and plain text of a normalized
// message. Structured text is rendered as compact JSON.
func Fields(normalized json.RawMessage) (typ, language, text string) {
	var msg map[string]any
	if err := decode(normalized, &msg); err != nil {
		return "", "", ""
	}
	typ, _ = msg["type"].(string)
	language, _ = msg["language"].(string)
	switch t := msg["text"].(type) {
	case string:
		text = t
	case nil:
	default:
		if b, err := json.Marshal(t); err == nil {
			text = string(b)
		}
	}
	return typ, language, text
}
