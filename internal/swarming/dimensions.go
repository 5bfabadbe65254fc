package swarming

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingDimension reports that a required dimension key is absent.
var ErrMissingDimension = errors.New("missing dimension")

// ErrAmbiguousDimension reports that a dimension key does not carry exactly
// one value.
var ErrAmbiguousDimension = errors.New("ambiguous dimension")

// DimensionsMap converts the wire form of a bot's dimensions into a map from
// key to values. Later pairs with a duplicate key are appended.
func DimensionsMap(pairs []DimensionPair) map[string][]string {
	dims := make(map[string][]string, len(pairs))
	for _, p := range pairs {
		dims[p.Key] = append(dims[p.Key], p.Values...)
	}
	return dims
}

// ExtractSingleValuedDimension returns the value of a dimension that the
// contract requires to carry exactly one value.
func ExtractSingleValuedDimension(dims map[string][]string, key string) (string, error) {
	values, ok := dims[key]
	if !ok {
		return "", fmt.Errorf("dimension %q: %w", key, ErrMissingDimension)
	}
	if len(values) != 1 {
		return "", fmt.Errorf("dimension %q has %d values: %w", key, len(values), ErrAmbiguousDimension)
	}
	return values[0], nil
}

// GetStateDimension returns the bot's dut_state dimension, or the empty state
// when the dimension is absent or multi-valued.
func GetStateDimension(dims map[string][]string) DutState {
	v, err := ExtractSingleValuedDimension(dims, DutStateDimensionKey)
	if err != nil {
		return ""
	}
	return DutState(v)
}

// BotState is the auxiliary per-bot condition data carried in the bot's
// free-form state blob. Each field lists marker values, most recent first.
type BotState struct {
	StorageState  []string `json:"storage_state"`
	ServoUSBState []string `json:"servo_usb_state"`
	RpmState      []string `json:"rpm_state"`
}

// ExtractBotState decodes a bot's state blob. Malformed or absent state
// yields the zero BotState; classification treats that as "no markers".
func ExtractBotState(b BotInfo) BotState {
	if len(b.State) == 0 {
		return BotState{}
	}
	var s BotState
	if err := json.Unmarshal(b.State, &s); err != nil {
		return BotState{}
	}
	return s
}
