package protocol

import (
	"errors"
	"fmt"
	"slices"
)

// Outbound methods understood by the display app.
const (
	MethodDisplayWeather   = "display_weather"
	MethodChangeBackground = "change_background"
	MethodStartGame        = "start_game"
	MethodSelectExercise   = "select_exercise"
	MethodChangeReps       = "change_reps"
)

// Catalog lists the payload keys each method carries, in wire order.
var Catalog = map[string][]string{
	MethodDisplayWeather:   {"location", "weather"},
	MethodChangeBackground: {"color"},
	MethodStartGame:        {"Yes"},
	MethodSelectExercise:   {"exercise"},
	MethodChangeReps:       {"reps"},
}

// ErrUnknownMethod indicates a method outside Catalog.
var ErrUnknownMethod = errors.New("protocol: unknown method")

// Command is the {method, payload} envelope sent to an endpoint.
type Command struct {
	Method  string
	Payload Payload
}

// Validate checks the method is in Catalog and the payload carries exactly
// its keys.
func (c Command) Validate() error {
	keys, ok := Catalog[c.Method]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, c.Method)
	}
	if !slices.Equal(c.Payload.Keys(), keys) {
		return fmt.Errorf("%w: %s expects keys %v, got %v", ErrInvalidPayload, c.Method, keys, c.Payload.Keys())
	}
	return nil
}

// Encode validates the command and returns its payload as JSON text.
func (c Command) Encode() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	data, err := EncodePayload(c.Payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
