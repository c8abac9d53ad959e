package tools

import (
	"fmt"
	"strconv"
	"strings"
)

// Args holds the flat, text-typed arguments of one invocation.
type Args map[string]string

// String returns a required, non-blank argument with surrounding space trimmed.
func (a Args) String(name string) (string, error) {
	v := strings.TrimSpace(a[name])
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgument, name)
	}
	return v, nil
}

// Bool parses "true" or "false" (any case). Everything else is rejected.
func (a Args) Bool(name string) (bool, error) {
	v, err := a.String(name)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(v) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s must be true or false, got %q", ErrInvalidArgument, name, v)
	}
}

// Int parses a base-10 integer.
func (a Args) Int(name string) (int, error) {
	v, err := a.String(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a whole number, got %q", ErrInvalidArgument, name, v)
	}
	return n, nil
}

// Flatten converts model-supplied arguments into Args. Strings pass through;
// other scalars are formatted as text. Integral floats lose the ".0".
func Flatten(in map[string]any) Args {
	out := make(Args, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			out[k] = t
		case bool:
			out[k] = strconv.FormatBool(t)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}
