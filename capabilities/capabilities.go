package capabilities

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

const (
	BrowserNameKey    = "browserName"
	BrowserVersionKey = "browserVersion"
	PlatformNameKey   = "platformName"

	// legacy JSON Wire Protocol keys
	LegacyVersionKey  = "version"
	LegacyPlatformKey = "platform"
)

var ErrMalformed = errors.New("malformed capabilities")

// aliases maps legacy keys onto their W3C equivalents.
var aliases = map[string]string{
	LegacyVersionKey:  BrowserVersionKey,
	LegacyPlatformKey: PlatformNameKey,
}

// Capabilities is an immutable set of browser capabilities.
// The zero value is an empty set.
type Capabilities struct {
	values map[string]any
}

// New copies m into a new Capabilities value. Later changes to m are not observed.
func New(m map[string]any) Capabilities {
	if len(m) == 0 {
		return Capabilities{}
	}
	return Capabilities{values: copyMap(m)}
}

func (c Capabilities) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c Capabilities) IsEmpty() bool {
	return len(c.values) == 0
}

func (c Capabilities) Len() int {
	return len(c.values)
}

// Keys returns the capability names in sorted order.
func (c Capabilities) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsMap returns a deep copy of the underlying values.
func (c Capabilities) AsMap() map[string]any {
	return copyMap(c.values)
}

func (c Capabilities) BrowserName() string {
	return c.text(BrowserNameKey)
}

// BrowserVersion reads the W3C key when present, even if empty, and the legacy
// "version" otherwise. Normalize resolves the two spellings the same way.
func (c Capabilities) BrowserVersion() string {
	return c.aliased(BrowserVersionKey, LegacyVersionKey)
}

// PlatformName reads the W3C key when present and the legacy "platform" otherwise.
func (c Capabilities) PlatformName() string {
	return c.aliased(PlatformNameKey, LegacyPlatformKey)
}

func (c Capabilities) aliased(canonical, legacy string) string {
	if _, ok := c.values[canonical]; ok {
		return c.text(canonical)
	}
	return c.text(legacy)
}

// Normalize returns a copy with legacy keys rewritten to their W3C names.
// When both spellings are present the W3C value is kept.
func (c Capabilities) Normalize() Capabilities {
	if c.IsEmpty() {
		return c
	}
	out := copyMap(c.values)
	for legacy, canonical := range aliases {
		v, ok := out[legacy]
		if !ok {
			continue
		}
		delete(out, legacy)
		if _, exists := out[canonical]; !exists {
			out[canonical] = v
		}
	}
	return Capabilities{values: out}
}

// Merge returns a new value holding c overlaid with other; other wins on conflicts.
func (c Capabilities) Merge(other Capabilities) Capabilities {
	out := copyMap(c.values)
	if out == nil {
		out = make(map[string]any, len(other.values))
	}
	for k, v := range other.values {
		out[k] = copyValue(v)
	}
	if len(out) == 0 {
		return Capabilities{}
	}
	return Capabilities{values: out}
}

// Validate checks that the well-known keys hold scalar values.
func (c Capabilities) Validate() error {
	for _, key := range []string{BrowserNameKey, BrowserVersionKey, PlatformNameKey, LegacyVersionKey, LegacyPlatformKey} {
		v, ok := c.values[key]
		if !ok || v == nil {
			continue
		}
		switch v.(type) {
		case string, float64, float32, int, int64, json.Number:
		default:
			return fmt.Errorf("%w: %q must be a string, got %T", ErrMalformed, key, v)
		}
	}
	if v, ok := c.values[BrowserNameKey]; ok && v != nil {
		if _, isString := v.(string); !isString {
			return fmt.Errorf("%w: %q must be a string, got %T", ErrMalformed, BrowserNameKey, v)
		}
	}
	return nil
}

// Key is a canonical encoding of the normalized capabilities; equal sets produce equal keys
// regardless of key order or legacy spelling.
func (c Capabilities) Key() string {
	n := c.Normalize()
	if n.IsEmpty() {
		return "{}"
	}
	b, err := json.Marshal(n.values)
	if err != nil {
		return fmt.Sprintf("%v", n.values)
	}
	return string(b)
}

func (c Capabilities) String() string {
	if c.IsEmpty() {
		return "{}"
	}
	b, err := json.Marshal(c.values)
	if err != nil {
		return fmt.Sprintf("%v", c.values)
	}
	return string(b)
}

func (c Capabilities) MarshalJSON() ([]byte, error) {
	if c.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.values)
}

func (c *Capabilities) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	*c = Capabilities{values: m}
	if len(m) == 0 {
		*c = Capabilities{}
	}
	return nil
}

func (c Capabilities) text(key string) string {
	v, ok := c.values[key]
	if !ok {
		return ""
	}
	return textOf(v)
}

func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	default:
		return v
	}
}
