package iface

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Definition is the static schema of one interface direction: an ordered set
// of keys, each declaring either a primitive kind or a nested definition.
// It is built once at startup and frozen when a Buffer is constructed from it.
type Definition struct {
	keys   []string
	kinds  map[string]Kind
	nested map[string]*Definition
	frozen bool
}

// NewDefinition returns an empty definition; populate it with PutKind and
// PutNested before building a Buffer from it.
func NewDefinition() *Definition {
	return &Definition{
		kinds:  make(map[string]Kind),
		nested: make(map[string]*Definition),
	}
}

// Keys returns the keys at this level in declaration order.
func (d *Definition) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Len returns the number of keys at this level.
func (d *Definition) Len() int { return len(d.keys) }

// Kind returns the primitive kind declared for key; ok is false when the key
// is absent or names a nested definition.
func (d *Definition) Kind(key string) (Kind, bool) {
	k, ok := d.kinds[key]
	return k, ok
}

// Nested returns the nested definition behind key; ok is false when the key
// is absent or names a primitive.
func (d *Definition) Nested(key string) (*Definition, bool) {
	n, ok := d.nested[key]
	return n, ok
}

// PutKind declares a primitive member. Declaring an existing key replaces it.
func (d *Definition) PutKind(key string, k Kind) error {
	if d.frozen {
		return fmt.Errorf("%w: definition is frozen", ErrSchema)
	}
	if k == KindInvalid {
		return fmt.Errorf("%w: key %q declares no type", ErrSchema, key)
	}
	d.track(key)
	delete(d.nested, key)
	d.kinds[key] = k
	return nil
}

// PutNested declares a nested member. Declaring an existing key replaces it.
func (d *Definition) PutNested(key string, n *Definition) error {
	if d.frozen {
		return fmt.Errorf("%w: definition is frozen", ErrSchema)
	}
	if n == nil {
		return fmt.Errorf("%w: key %q declares a nil nested definition", ErrSchema, key)
	}
	d.track(key)
	delete(d.kinds, key)
	d.nested[key] = n
	return nil
}

func (d *Definition) track(key string) {
	if _, ok := d.kinds[key]; ok {
		return
	}
	if _, ok := d.nested[key]; ok {
		return
	}
	d.keys = append(d.keys, key)
}

// Clone returns an unfrozen deep copy. Callers that need to inject extra
// members into a shared (possibly frozen) definition clone it first so the
// original stays reusable.
func (d *Definition) Clone() *Definition {
	c := NewDefinition()
	for _, key := range d.keys {
		if n, ok := d.nested[key]; ok {
			c.nested[key] = n.Clone()
		} else {
			c.kinds[key] = d.kinds[key]
		}
		c.keys = append(c.keys, key)
	}
	return c
}

// freeze marks the whole definition tree immutable. Invoked by NewBuffer.
func (d *Definition) freeze() {
	d.frozen = true
	for _, n := range d.nested {
		n.freeze()
	}
}

// ParseDefinition builds a definition from the raw JSON of one arbitrarily
// nested object whose leaf values are type tags. Document key order is
// preserved, which is why this walks the token stream instead of unmarshaling
// into a map.
func ParseDefinition(raw []byte) (*Definition, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	d, err := parseObject(dec)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// parseObject consumes one full JSON object from dec, '{' through '}'.
func parseObject(dec *json.Decoder) (*Definition, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: expected an object, got %v", ErrSchema, tok)
	}
	return parseMembers(dec)
}

// parseMembers consumes the members and closing '}' of an object whose
// opening '{' was already read.
func parseMembers(dec *json.Decoder) (*Definition, error) {
	d := NewDefinition()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchema, err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string key %v", ErrSchema, keyTok)
		}
		valTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrSchema, key, err)
		}
		switch v := valTok.(type) {
		case string:
			k, err := ParseKind(v)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			if err := d.PutKind(key, k); err != nil {
				return nil, err
			}
		case json.Delim:
			if v != '{' {
				return nil, fmt.Errorf("%w: key %q must map to a type tag or an object, got %q", ErrSchema, key, v)
			}
			child, err := parseMembers(dec)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			if err := d.PutNested(key, child); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: key %q must map to a type tag or an object, got %T", ErrSchema, key, valTok)
		}
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return d, nil
}

// Top-level section keys of the declarative interface document.
const (
	ToDeviceKey   = "TO_DEVICE"
	FromDeviceKey = "FROM_DEVICE"
)

// Schema holds the two directional definitions of the interface description.
type Schema struct {
	ToDevice   *Definition
	FromDevice *Definition
}

// ParseSchema parses a full interface description document. Both top-level
// sections TO_DEVICE and FROM_DEVICE must be present.
func ParseSchema(data []byte) (*Schema, error) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	for _, key := range []string{ToDeviceKey, FromDeviceKey} {
		if _, ok := sections[key]; !ok {
			return nil, fmt.Errorf("%w: missing top-level section %q", ErrSchema, key)
		}
	}
	to, err := ParseDefinition(sections[ToDeviceKey])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ToDeviceKey, err)
	}
	from, err := ParseDefinition(sections[FromDeviceKey])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", FromDeviceKey, err)
	}
	return &Schema{ToDevice: to, FromDevice: from}, nil
}

// LoadSchema reads and parses the interface description file at path.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSchema(data)
}
