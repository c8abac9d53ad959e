package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"
)

var (
	// ErrUnsupportedValue indicates a payload value that is not a string, bool or int.
	ErrUnsupportedValue = errors.New("protocol: unsupported payload value")

	// ErrInvalidPayload indicates payload text that is not a flat JSON object.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Field is one key/value pair of a Payload.
type Field struct {
	Key   string
	Value any
}

// Payload is an ordered set of string keys mapped to string, bool or int
// values. Keys are unique; encoding preserves insertion order.
type Payload []Field

// With returns p with key set to v. An existing key keeps its position.
func (p Payload) With(key string, v any) Payload {
	for i := range p {
		if p[i].Key == key {
			out := append(Payload(nil), p...)
			out[i].Value = v
			return out
		}
	}
	return append(append(Payload(nil), p...), Field{Key: key, Value: v})
}

// Get returns the value for key.
func (p Payload) Get(key string) (any, bool) {
	for _, f := range p {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Keys returns the keys in order.
func (p Payload) Keys() []string {
	keys := make([]string, len(p))
	for i, f := range p {
		keys[i] = f.Key
	}
	return keys
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	return EncodePayload(p)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	decoded, err := DecodePayload(data)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}

// EncodePayload renders p as a compact JSON object in field order. Keys
// must be unique and every string must be valid UTF-8, so the result always
// decodes back to p.
func EncodePayload(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	seen := make(map[string]struct{}, len(p))
	buf.WriteByte('{')
	for i, f := range p {
		if !utf8.ValidString(f.Key) {
			return nil, fmt.Errorf("%w: key %q is not valid UTF-8", ErrUnsupportedValue, f.Key)
		}
		if _, dup := seen[f.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidPayload, f.Key)
		}
		seen[f.Key] = struct{}{}

		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		switch v := f.Value.(type) {
		case string:
			if !utf8.ValidString(v) {
				return nil, fmt.Errorf("%w: key %q holds invalid UTF-8", ErrUnsupportedValue, f.Key)
			}
			s, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			buf.Write(s)
		case bool:
			buf.WriteString(strconv.FormatBool(v))
		case int:
			buf.WriteString(strconv.Itoa(v))
		default:
			return nil, fmt.Errorf("%w: key %q has type %T", ErrUnsupportedValue, f.Key, f.Value)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodePayload parses a flat JSON object, keeping key order. Integral
// numbers decode to int; nested values, null, fractions and repeated keys
// are rejected.
func DecodePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: expected object", ErrInvalidPayload)
	}

	p := Payload{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected key", ErrInvalidPayload)
		}
		if _, dup := p.Get(key); dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidPayload, key)
		}

		tok, err = dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}

		switch v := tok.(type) {
		case string, bool:
			p = p.With(key, v)
		case json.Number:
			n, err := strconv.Atoi(v.String())
			if err != nil {
				return nil, fmt.Errorf("%w: key %q is not an integer", ErrUnsupportedValue, key)
			}
			p = p.With(key, n)
		default:
			return nil, fmt.Errorf("%w: key %q", ErrUnsupportedValue, key)
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	return p, nil
}
