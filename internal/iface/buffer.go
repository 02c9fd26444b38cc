package iface

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Callback observes successful writes to one leaf. It runs synchronously on
// the writing goroutine while the buffer lock is held: a callback must not
// call back into the same buffer tree or it will deadlock.
type Callback func(Stamped)

// Buffer mirrors a Definition as a thread-safe, runtime-validated value
// store. Leaves hold Stamped values, branches hold nested buffers sharing the
// same lock and stamping function. The tree shape is fixed at construction;
// only the held values change afterwards.
//
// Keys passed to Get/Set/Nested/OnSet may be dotted paths ("pid.kp"): every
// segment but the last must name a nested buffer.
type Buffer struct {
	mu        *sync.Mutex // shared by the whole tree; the root allocates it
	def       *Definition
	stamper   Stamper
	leaves    map[string]Stamped
	children  map[string]*Buffer
	callbacks map[string]Callback
}

// NewBuffer builds the value tree for def and freezes the definition. Every
// leaf starts at its kind's zero value with timestamp 0. A nil stamper
// defaults to Uptime.
func NewBuffer(def *Definition, stamper Stamper) *Buffer {
	if stamper == nil {
		stamper = Uptime
	}
	def.freeze()
	return newBuffer(def, stamper, &sync.Mutex{})
}

func newBuffer(def *Definition, stamper Stamper, mu *sync.Mutex) *Buffer {
	b := &Buffer{
		mu:        mu,
		def:       def,
		stamper:   stamper,
		leaves:    make(map[string]Stamped),
		children:  make(map[string]*Buffer),
		callbacks: make(map[string]Callback),
	}
	for _, key := range def.keys {
		if child, ok := def.nested[key]; ok {
			b.children[key] = newBuffer(child, stamper, mu)
			continue
		}
		b.leaves[key] = Stamped{Value: def.kinds[key].Zero()}
	}
	return b
}

// Definition returns the frozen schema this buffer was built from.
func (b *Buffer) Definition() *Definition { return b.def }

// Keys returns this level's keys in declaration order.
func (b *Buffer) Keys() []string { return b.def.Keys() }

// Leaves returns the dotted paths of every leaf below this buffer in
// declaration order. The tree shape never changes, so no lock is taken.
func (b *Buffer) Leaves() []string {
	var out []string
	for _, key := range b.def.keys {
		if child, ok := b.children[key]; ok {
			for _, sub := range child.Leaves() {
				out = append(out, key+"."+sub)
			}
			continue
		}
		out = append(out, key)
	}
	return out
}

// Get returns the stamped value of the leaf behind key.
func (b *Buffer) Get(key string) (Stamped, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(strings.Split(key, "."))
}

func (b *Buffer) get(path []string) (Stamped, error) {
	if len(path) > 1 {
		child, err := b.child(path[0])
		if err != nil {
			return Stamped{}, err
		}
		return child.get(path[1:])
	}
	v, ok := b.leaves[path[0]]
	if !ok {
		if _, nested := b.children[path[0]]; nested {
			return Stamped{}, fmt.Errorf("%w: %q names a nested interface, not a value", ErrUnmatchedKey, path[0])
		}
		return Stamped{}, unmatchedKey(path[0], b.def.Keys())
	}
	return v, nil
}

// Nested returns the nested buffer behind key.
func (b *Buffer) Nested(key string) (*Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.descend(strings.Split(key, "."))
}

func (b *Buffer) descend(path []string) (*Buffer, error) {
	cur := b
	for _, seg := range path {
		child, err := cur.child(seg)
		if err != nil {
			return nil, err
		}
		cur = child
	}
	return cur, nil
}

func (b *Buffer) child(key string) (*Buffer, error) {
	child, ok := b.children[key]
	if !ok {
		if _, leaf := b.leaves[key]; leaf {
			return nil, fmt.Errorf("%w: %q does not point to a nested interface", ErrUnmatchedKey, key)
		}
		return nil, unmatchedKey(key, b.def.Keys())
	}
	return child, nil
}

// Set writes value under key. A leaf accepts a raw scalar or a Stamped value;
// a nested key accepts only a map of sub-keys, which is merged recursively and
// never replaces the nested buffer itself. Raw scalars are stamped with the
// buffer's stamping function at the moment of assignment.
func (b *Buffer) Set(key string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set(strings.Split(key, "."), value)
}

func (b *Buffer) set(path []string, value any) error {
	if len(path) > 1 {
		child, err := b.child(path[0])
		if err != nil {
			return err
		}
		return child.set(path[1:], value)
	}
	key := path[0]
	if child, ok := b.children[key]; ok {
		m, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %q points to a nested interface; it can only be merged key-by-key from a map", ErrSetNotAllowed, key)
		}
		for k, v := range m {
			if err := child.set(strings.Split(k, "."), v); err != nil {
				return err
			}
		}
		return nil
	}
	if _, ok := b.leaves[key]; !ok {
		return unmatchedKey(key, b.def.Keys())
	}
	sv, ok := value.(Stamped)
	if !ok {
		sv = Stamped{Value: value, Timestamp: b.stamper()}
	}
	kind, _ := b.def.Kind(key)
	converted, err := kind.Convert(sv.Value)
	if err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	b.leaves[key] = Stamped{Value: converted, Timestamp: sv.Timestamp}
	if cb := b.callbacks[key]; cb != nil {
		cb(b.leaves[key])
	}
	return nil
}

// Update applies m entry by entry under one lock acquisition. Application
// stops at the first failing entry; callers needing atomicity across keys
// must pre-validate.
func (b *Buffer) Update(m map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range m {
		if err := b.set(strings.Split(k, "."), v); err != nil {
			return err
		}
	}
	return nil
}

// OnSet registers cb to run after every successful write of the given leaf.
// One callback per leaf; a later registration replaces the earlier one.
// Registering on a nested key is an error.
func (b *Buffer) OnSet(key string, cb Callback) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	path := strings.Split(key, ".")
	target := b
	if len(path) > 1 {
		t, err := b.descend(path[:len(path)-1])
		if err != nil {
			return err
		}
		target = t
	}
	leaf := path[len(path)-1]
	if _, ok := target.leaves[leaf]; !ok {
		if _, nested := target.children[leaf]; nested {
			return fmt.Errorf("%w: %q names a nested interface; callbacks attach to values only", ErrUnmatchedKey, leaf)
		}
		return unmatchedKey(leaf, target.def.Keys())
	}
	target.callbacks[leaf] = cb
	return nil
}

// MarshalJSON emits the wire projection: a nested object of bare values in
// declaration order, timestamps omitted.
func (b *Buffer) MarshalJSON() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.marshal()
}

func (b *Buffer) marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range b.def.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if child, ok := b.children[key]; ok {
			cb, err := child.marshal()
			if err != nil {
				return nil, err
			}
			buf.Write(cb)
			continue
		}
		vb, err := json.Marshal(b.leaves[key].Value)
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
