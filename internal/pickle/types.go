package pickle

import (
	"bytes"
	"math/big"
	"reflect"
)

// Callable is implemented by hook values that the stream may call.
type Callable interface {
	Call(args Tuple) (any, error)
}

// StateSetter is implemented by values that accept a BUILD state.
type StateSetter interface {
	SetState(state any) error
}

// Tuple represents a Python tuple.
type Tuple []any

// List represents a Python list.
type List []any

// NewList makes and returns a new empty List.
func NewList() *List {
	l := make(List, 0, 4)
	return &l
}

// Append appends v to the list.
func (l *List) Append(v any) {
	*l = append(*l, v)
}

// Len returns the number of items.
func (l *List) Len() int {
	return len(*l)
}

// DictEntry is a single key/value pair of a Dict.
type DictEntry struct {
	Key   any
	Value any
}

// Dict represents a Python dict. Entries keep insertion order.
//
// Python allows keys that are not valid Go map keys (tuples), so entries live
// in a slice; string keys, the common case in checkpoints, are indexed.
type Dict struct {
	entries []DictEntry
	strIdx  map[string]int
}

// NewDict makes and returns a new empty Dict.
func NewDict() *Dict {
	return &Dict{strIdx: make(map[string]int)}
}

// Set stores value under key. Re-setting an existing key replaces its value
// and keeps its original position.
func (d *Dict) Set(key, value any) {
	if i, ok := d.find(key); ok {
		d.entries[i].Value = value
		return
	}
	if s, ok := key.(string); ok {
		if d.strIdx == nil {
			d.strIdx = make(map[string]int)
		}
		d.strIdx[s] = len(d.entries)
	}
	d.entries = append(d.entries, DictEntry{Key: key, Value: value})
}

// Get returns the value stored under key.
func (d *Dict) Get(key any) (any, bool) {
	i, ok := d.find(key)
	if !ok {
		return nil, false
	}
	return d.entries[i].Value, true
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	return len(d.entries)
}

// Entries returns the entries in insertion order.
// The returned slice must not be modified.
func (d *Dict) Entries() []DictEntry {
	return d.entries
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []any {
	keys := make([]any, len(d.entries))
	for i, e := range d.entries {
		keys[i] = e.Key
	}
	return keys
}

func (d *Dict) find(key any) (int, bool) {
	if s, ok := key.(string); ok {
		i, ok := d.strIdx[s]
		return i, ok
	}
	for i, e := range d.entries {
		if keysEqual(e.Key, key) {
			return i, true
		}
	}
	return 0, false
}

func keysEqual(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case *big.Int:
		bv, ok := b.(*big.Int)
		return ok && av.Cmp(bv) == 0
	}
	return reflect.DeepEqual(a, b)
}

// Set represents a Python set or frozenset.
type Set struct {
	Items  []any
	Frozen bool
}

// Add inserts v unless an equal item is present.
func (s *Set) Add(v any) {
	for _, it := range s.Items {
		if keysEqual(it, v) {
			return
		}
	}
	s.Items = append(s.Items, v)
}

// Global is a class or function reference written by the Encoder.
type Global struct {
	Module string
	Name   string
}

// String returns the dotted identity, e.g. "torch._utils._rebuild_tensor_v2".
func (g Global) String() string {
	return g.Module + "." + g.Name
}

// Reduce is a call written by the Encoder: Callable(*Args).
type Reduce struct {
	Callable any
	Args     Tuple
}

// PersistentID wraps a value written as a persistent id.
type PersistentID struct {
	ID any
}

// Build is an object followed by its BUILD state, written by the Encoder.
type Build struct {
	Object any
	State  any
}
