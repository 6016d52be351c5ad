package checkpoint

import (
	"strings"

	"github.com/born-ml/ckptrecover/internal/pickle"
	"github.com/born-ml/ckptrecover/internal/tensor"
)

// Kind identifies a graph node variant.
type Kind int

// Graph node variants.
const (
	KindOther Kind = iota // Scalars, strings, tuples, lists
	KindTensor
	KindMapping
	KindOpaque
	KindNamespace
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case KindTensor:
		return "tensor"
	case KindMapping:
		return "mapping"
	case KindOpaque:
		return "opaque"
	case KindNamespace:
		return "namespace"
	default:
		return "other"
	}
}

// KindOf classifies a decoded graph value.
func KindOf(v any) Kind {
	switch v.(type) {
	case *TensorLeaf:
		return KindTensor
	case *MappingNode, *pickle.Dict:
		return KindMapping
	case *OpaqueState:
		return KindOpaque
	case *NamespaceStub:
		return KindNamespace
	default:
		return KindOther
	}
}

// TensorLeaf is a tensor rebuilt from a storage reference.
type TensorLeaf struct {
	Storage      *tensor.TypedBuffer
	StorageKey   string // Key the storage was referenced by in the source
	StorageClass string // Declared storage class, e.g. "FloatStorage"
	Offset       int64  // Storage offset, in elements
	Shape        tensor.Shape
	Stride       []int
	RequiresGrad bool
}

// MappingNode is a dict subclass such as collections.OrderedDict.
// Plain dicts decode as *pickle.Dict and are treated the same way.
type MappingNode struct {
	*pickle.Dict
	Class string
	Attrs any // BUILD state; instance attributes, not items
}

// SetState records instance attributes (e.g. OrderedDict._metadata).
func (m *MappingNode) SetState(state any) error {
	m.Attrs = state
	return nil
}

// PlaceholderType stands in for a class that is not available. One exists per
// class identity per load.
type PlaceholderType struct {
	Module    string
	Name      string
	Instances int
}

// Identity returns the dotted class identity.
func (p *PlaceholderType) Identity() string {
	if p.Module == "" {
		return p.Name
	}
	return p.Module + "." + p.Name
}

// Call accepts and discards construction arguments.
func (p *PlaceholderType) Call(pickle.Tuple) (any, error) {
	p.Instances++
	return &OpaqueState{Type: p}, nil
}

// OpaqueState is an instance of a placeholder type. State holds the BUILD
// payload verbatim; nothing about its shape is assumed.
type OpaqueState struct {
	Type     *PlaceholderType
	State    any
	HasState bool
}

// SetState records the restore-state payload.
func (o *OpaqueState) SetState(state any) error {
	o.State = state
	o.HasState = true
	return nil
}

// Mapping returns the state when it is a mapping, nil otherwise.
func (o *OpaqueState) Mapping() *pickle.Dict {
	return asDict(o.State)
}

// NamespaceStub is one materialized segment of a dotted module path.
type NamespaceStub struct {
	Path     string
	children map[string]*NamespaceStub
	types    map[string]*PlaceholderType
}

func newNamespaceStub(path string) *NamespaceStub {
	return &NamespaceStub{
		Path:     path,
		children: make(map[string]*NamespaceStub),
		types:    make(map[string]*PlaceholderType),
	}
}

// Child returns the named sub-namespace, if materialized.
func (n *NamespaceStub) Child(name string) (*NamespaceStub, bool) {
	c, ok := n.children[name]
	return c, ok
}

// Type returns the named placeholder type, if synthesized.
func (n *NamespaceStub) Type(name string) (*PlaceholderType, bool) {
	t, ok := n.types[name]
	return t, ok
}

// Registry owns the placeholder types and namespace stubs of one load.
type Registry struct {
	roots map[string]*NamespaceStub
	order []*PlaceholderType
	stubs int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{roots: make(map[string]*NamespaceStub)}
}

// Namespace returns the stub for a dotted module path, creating one stub per
// missing segment.
func (r *Registry) Namespace(module string) *NamespaceStub {
	parts := strings.Split(module, ".")
	cur, ok := r.roots[parts[0]]
	if !ok {
		cur = newNamespaceStub(parts[0])
		r.roots[parts[0]] = cur
		r.stubs++
	}
	for i, p := range parts[1:] {
		next, ok := cur.children[p]
		if !ok {
			next = newNamespaceStub(strings.Join(parts[:i+2], "."))
			cur.children[p] = next
			r.stubs++
		}
		cur = next
	}
	return cur
}

// Placeholder returns the placeholder type for module.name, synthesizing it
// on first reference.
func (r *Registry) Placeholder(module, name string) *PlaceholderType {
	ns := r.Namespace(module)
	if t, ok := ns.types[name]; ok {
		return t
	}
	t := &PlaceholderType{Module: module, Name: name}
	ns.types[name] = t
	r.order = append(r.order, t)
	return t
}

// Types returns the synthesized placeholder types in creation order.
func (r *Registry) Types() []*PlaceholderType {
	return r.order
}

// NamespaceCount returns how many namespace stubs were materialized.
func (r *Registry) NamespaceCount() int {
	return r.stubs
}

// asDict returns the entries of a mapping value, nil for anything else.
func asDict(v any) *pickle.Dict {
	switch m := v.(type) {
	case *pickle.Dict:
		return m
	case *MappingNode:
		return m.Dict
	default:
		return nil
	}
}
