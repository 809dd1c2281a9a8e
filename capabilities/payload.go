package capabilities

import (
	"encoding/json"
	"fmt"
)

type w3cCapabilities struct {
	AlwaysMatch map[string]any   `json:"alwaysMatch"`
	FirstMatch  []map[string]any `json:"firstMatch"`
}

// ParsePayload turns a new-session payload into the alternative capability sets it
// describes. W3C alwaysMatch/firstMatch, legacy desiredCapabilities and a bare capabilities
// object are understood; errors wrap ErrMalformed.
func ParsePayload(data []byte) ([]Capabilities, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformed)
	}

	var out []Capabilities

	w3c, hasW3C := raw["capabilities"]
	legacy, hasLegacy := raw["desiredCapabilities"]

	if hasW3C {
		alternatives, err := parseW3C(w3c)
		if err != nil {
			return nil, err
		}
		out = append(out, alternatives...)
	}

	if hasLegacy {
		var desired map[string]any
		if err := json.Unmarshal(legacy, &desired); err != nil {
			return nil, fmt.Errorf("%w: desiredCapabilities: %v", ErrMalformed, err)
		}
		out = append(out, New(desired))
	}

	if !hasW3C && !hasLegacy {
		var bare map[string]any
		if err := json.Unmarshal(data, &bare); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(bare) > 0 {
			out = append(out, New(bare))
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no capabilities in payload", ErrMalformed)
	}
	for _, c := range out {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseW3C(data json.RawMessage) ([]Capabilities, error) {
	var w w3cCapabilities
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: capabilities: %v", ErrMalformed, err)
	}

	always := New(w.AlwaysMatch)
	if len(w.FirstMatch) == 0 {
		return []Capabilities{always}, nil
	}

	out := make([]Capabilities, 0, len(w.FirstMatch))
	for i, first := range w.FirstMatch {
		for k := range first {
			if _, dup := w.AlwaysMatch[k]; dup {
				return nil, fmt.Errorf("%w: firstMatch[%d] redefines alwaysMatch key %q", ErrMalformed, i, k)
			}
		}
		out = append(out, always.Merge(New(first)))
	}
	return out, nil
}
