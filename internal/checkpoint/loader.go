package checkpoint

import (
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/ckptrecover/internal/pickle"
	"github.com/born-ml/ckptrecover/internal/tensor"
)

// Graph is a fully materialized descriptor stream.
type Graph struct {
	Root     any
	Registry *Registry
	Storage  ResolveStats
	Protocol int
}

// StorageClass marks a storage type reference (any class name containing
// "Storage"). Persistent ids naming it are routed through the resolver.
type StorageClass struct {
	Module string
	Name   string
}

// StorageRef is the result of resolving one persistent storage id.
type StorageRef struct {
	Key      string
	Class    string
	Location string
	Buffer   *tensor.TypedBuffer
}

// graphLoader binds the pickle decoder hooks for one load.
type graphLoader struct {
	resolver *StorageResolver
	registry *Registry
}

// LoadGraph decodes a descriptor stream. Storage references are resolved
// synchronously through resolver while the stream is read. Any decoding error
// aborts the load; no partial graph is returned.
func LoadGraph(r io.Reader, resolver *StorageResolver, logger *slog.Logger) (*Graph, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &graphLoader{
		resolver: resolver,
		registry: NewRegistry(),
	}

	dec := pickle.NewDecoder(r)
	dec.FindClass = l.findClass
	dec.PersistentLoad = l.persistentLoad

	root, err := dec.Decode()
	if err != nil {
		return nil, err
	}

	for _, t := range l.registry.Types() {
		logger.Debug("synthesized placeholder type",
			slog.String("class", t.Identity()),
			slog.Int("instances", t.Instances))
	}

	return &Graph{
		Root:     root,
		Registry: l.registry,
		Storage:  resolver.Stats(),
		Protocol: dec.Protocol(),
	}, nil
}

func (l *graphLoader) findClass(module, name string) (any, error) {
	if strings.Contains(name, "Storage") {
		return &StorageClass{Module: module, Name: name}, nil
	}
	if rc, ok := reconstructors[module+"."+name]; ok {
		return rc, nil
	}
	return l.registry.Placeholder(module, name), nil
}

// persistentLoad handles ("storage", class, key, location, count) ids.
// Other ids decode to None.
func (l *graphLoader) persistentLoad(pid any) (any, error) {
	t, ok := pid.(pickle.Tuple)
	if !ok {
		return nil, errors.Errorf("persistent id is %T, not a tuple", pid)
	}
	if len(t) == 0 || t[0] != "storage" {
		return nil, nil
	}
	if len(t) < 5 {
		return nil, errors.Errorf("storage id has %d fields, want 5", len(t))
	}

	var className string
	switch c := t[1].(type) {
	case *StorageClass:
		className = c.Name
	case *PlaceholderType:
		className = c.Name
	case string:
		className = c
	default:
		return nil, errors.Errorf("storage type is %T", t[1])
	}
	key, err := storageKey(t[2])
	if err != nil {
		return nil, err
	}
	location, _ := t[3].(string)
	count, ok := t[4].(int64)
	if !ok {
		return nil, errors.Errorf("storage %s element count is %T", key, t[4])
	}

	buf, err := l.resolver.Resolve(className, key, count)
	if err != nil {
		return nil, err
	}
	return &StorageRef{Key: key, Class: className, Location: location, Buffer: buf}, nil
}

func storageKey(v any) (string, error) {
	switch k := v.(type) {
	case string:
		return k, nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	default:
		return "", errors.Errorf("storage key is %T", v)
	}
}

// reconstructors are the callables rebuilt natively instead of synthesized.
var reconstructors = map[string]pickle.Callable{
	"torch._utils._rebuild_tensor":               rebuildTensor{},
	"torch._utils._rebuild_tensor_v2":            rebuildTensor{},
	"torch._utils._rebuild_parameter":            rebuildParameter{},
	"torch._utils._rebuild_parameter_with_state": rebuildParameter{},
	"collections.OrderedDict":                    orderedDict{},
}

// rebuildTensor handles _rebuild_tensor(storage, offset, size, stride) and
// _rebuild_tensor_v2(..., requires_grad, backward_hooks[, metadata]).
type rebuildTensor struct{}

func (rebuildTensor) Call(args pickle.Tuple) (any, error) {
	if len(args) < 4 {
		return nil, errors.Errorf("_rebuild_tensor: %d arguments, want at least 4", len(args))
	}
	ref, ok := args[0].(*StorageRef)
	if !ok {
		return nil, errors.Errorf("_rebuild_tensor: storage is %T", args[0])
	}
	offset, ok := args[1].(int64)
	if !ok {
		return nil, errors.Errorf("_rebuild_tensor: storage offset is %T", args[1])
	}
	size, err := intTuple(args[2])
	if err != nil {
		return nil, errors.Wrap(err, "_rebuild_tensor: size")
	}
	stride, err := intTuple(args[3])
	if err != nil {
		return nil, errors.Wrap(err, "_rebuild_tensor: stride")
	}
	shape := tensor.Shape(size)
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "_rebuild_tensor")
	}
	if err := checkView(ref, offset, shape, stride); err != nil {
		return nil, errors.Wrap(err, "_rebuild_tensor")
	}
	leaf := &TensorLeaf{
		Storage:      ref.Buffer,
		StorageKey:   ref.Key,
		StorageClass: ref.Class,
		Offset:       offset,
		Shape:        shape,
		Stride:       stride,
	}
	if len(args) > 4 {
		leaf.RequiresGrad, _ = args[4].(bool)
	}
	return leaf, nil
}

// checkView rejects views reaching outside the declared storage count; torch
// refuses to load them.
func checkView(ref *StorageRef, offset int64, shape tensor.Shape, stride []int) error {
	extent, err := shape.Extent(stride)
	if err != nil {
		return err
	}
	count := ref.Buffer.Count
	if offset < 0 || (extent > 0 && (offset > count || extent > count-offset)) {
		return errors.Wrapf(ErrViewOutOfBounds, "storage %s: offset %d + extent %d > count %d",
			ref.Key, offset, extent, count)
	}
	return nil
}

// rebuildParameter handles _rebuild_parameter(data, requires_grad, hooks[, state]).
type rebuildParameter struct{}

func (rebuildParameter) Call(args pickle.Tuple) (any, error) {
	if len(args) < 2 {
		return nil, errors.Errorf("_rebuild_parameter: %d arguments, want at least 2", len(args))
	}
	leaf, ok := args[0].(*TensorLeaf)
	if !ok {
		return nil, errors.Errorf("_rebuild_parameter: data is %T", args[0])
	}
	leaf.RequiresGrad, _ = args[1].(bool)
	return leaf, nil
}

// orderedDict handles collections.OrderedDict([items]).
type orderedDict struct{}

func (orderedDict) Call(args pickle.Tuple) (any, error) {
	m := &MappingNode{Dict: pickle.NewDict(), Class: "collections.OrderedDict"}
	if len(args) == 0 || args[0] == nil {
		return m, nil
	}
	items, ok := args[0].(*pickle.List)
	if !ok {
		return nil, errors.Errorf("OrderedDict: items are %T", args[0])
	}
	for _, it := range *items {
		pair, ok := it.(pickle.Tuple)
		if !ok || len(pair) != 2 {
			return nil, errors.Errorf("OrderedDict: item is %T, not a pair", it)
		}
		m.Set(pair[0], pair[1])
	}
	return m, nil
}

func intTuple(v any) ([]int, error) {
	var items []any
	switch t := v.(type) {
	case pickle.Tuple:
		items = t
	case *pickle.List:
		items = *t
	default:
		return nil, errors.Errorf("expected tuple of ints, got %T", v)
	}
	out := make([]int, len(items))
	for i, it := range items {
		n, ok := it.(int64)
		if !ok {
			return nil, errors.Errorf("element %d is %T, not int", i, it)
		}
		out[i] = int(n)
	}
	return out, nil
}
