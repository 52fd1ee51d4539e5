package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"pricerelay/config"
)

var (
	// ErrNotObject rejects payloads that are not a JSON object.
	ErrNotObject = errors.New("payload is not a JSON object")
	// ErrUnterminatedString rejects legacy payloads with an open quote.
	ErrUnterminatedString = errors.New("unterminated string in legacy payload")
)

// Decode returns the payload as a canonical JSON object. With the legacy
// single-quote encoding, a brace-delimited document that is not valid JSON
// has its single-quoted strings rewritten as JSON strings first; anything
// still invalid afterwards is rejected unchanged.
func Decode(data []byte, encoding string) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if isObject(trimmed) {
		return compact(trimmed)
	}

	switch encoding {
	case config.EncodingStrict, "":
		return nil, ErrNotObject
	case config.EncodingLegacySingleQuote:
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}

	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return nil, ErrNotObject
	}
	rewritten, err := swapSingleQuotes(trimmed)
	if err != nil {
		return nil, err
	}
	if !isObject(rewritten) {
		return nil, ErrNotObject
	}
	return compact(rewritten)
}

func isObject(data []byte) bool {
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	return json.Valid(data)
}

func compact(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// swapSingleQuotes turns 'text' into "text". Double-quoted strings are
// copied as-is, so apostrophes inside them are never touched. Inside a
// single-quoted string \' becomes ' and a bare " is escaped.
func swapSingleQuotes(in []byte) ([]byte, error) {
	const (
		outside = iota
		inDouble
		inSingle
	)
	out := make([]byte, 0, len(in)+8)
	state := outside

	for i := 0; i < len(in); i++ {
		c := in[i]
		switch state {
		case outside:
			switch c {
			case '\'':
				out = append(out, '"')
				state = inSingle
			case '"':
				out = append(out, c)
				state = inDouble
			default:
				out = append(out, c)
			}
		case inDouble:
			out = append(out, c)
			if c == '\\' && i+1 < len(in) {
				i++
				out = append(out, in[i])
			} else if c == '"' {
				state = outside
			}
		case inSingle:
			switch {
			case c == '\\' && i+1 < len(in) && in[i+1] == '\'':
				i++
				out = append(out, '\'')
			case c == '\\' && i+1 < len(in):
				i++
				out = append(out, c, in[i])
			case c == '"':
				out = append(out, '\\', '"')
			case c == '\'':
				out = append(out, '"')
				state = outside
			default:
				out = append(out, c)
			}
		}
	}
	if state != outside {
		return nil, ErrUnterminatedString
	}
	return out, nil
}
