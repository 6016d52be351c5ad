package checkpoint

import (
	"strings"

	"github.com/born-ml/ckptrecover/internal/pickle"
)

// TensorMap is an ordered mapping of dotted keys to tensors.
// Setting an existing key replaces the tensor and keeps the key's position.
type TensorMap struct {
	keys    []string
	entries map[string]*TensorLeaf
}

// NewTensorMap returns an empty map.
func NewTensorMap() *TensorMap {
	return &TensorMap{entries: make(map[string]*TensorLeaf)}
}

// Set records t under key.
func (m *TensorMap) Set(key string, t *TensorLeaf) {
	if _, ok := m.entries[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.entries[key] = t
}

// Get returns the tensor stored under key.
func (m *TensorMap) Get(key string) (*TensorLeaf, bool) {
	t, ok := m.entries[key]
	return t, ok
}

// Len returns the number of keys.
func (m *TensorMap) Len() int {
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *TensorMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Flatten collects every tensor reachable from root through mappings and
// placeholder states. Keys join the string mapping keys on the path with
// ".". Non-string keys and all other values are skipped. A key reached twice
// keeps the tensor visited last.
func Flatten(root any) *TensorMap {
	f := &flattener{
		out:      NewTensorMap(),
		visiting: make(map[any]bool),
	}
	f.walk(root, "")
	return f.out
}

type flattener struct {
	out      *TensorMap
	visiting map[any]bool
}

func (f *flattener) walk(node any, prefix string) {
	var d *pickle.Dict
	switch n := node.(type) {
	case *TensorLeaf:
		f.out.Set(strings.TrimRight(prefix, "."), n)
		return
	case *OpaqueState:
		d = n.Mapping()
	default:
		d = asDict(node)
	}
	if d == nil || f.visiting[d] {
		return
	}

	f.visiting[d] = true
	defer delete(f.visiting, d)
	for _, e := range d.Entries() {
		k, ok := e.Key.(string)
		if !ok {
			continue
		}
		f.walk(e.Value, prefix+k+".")
	}
}
