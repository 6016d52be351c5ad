package checkpoint

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ckptrecover/internal/pickle"
	"github.com/born-ml/ckptrecover/internal/tensor"
)

type entry struct {
	name string
	data []byte
}

// buildZip returns a deflated zip holding entries in order.
func buildZip(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func encodeGraph(t *testing.T, root any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, pickle.NewEncoder(&buf).Encode(root))
	return buf.Bytes()
}

// storageTensor is a contiguous _rebuild_tensor_v2 call over storage key.
func storageTensor(class, key string, count int, shape ...int) pickle.Reduce {
	return pickle.Reduce{
		Callable: pickle.Global{Module: "torch._utils", Name: "_rebuild_tensor_v2"},
		Args: pickle.Tuple{
			pickle.PersistentID{ID: pickle.Tuple{
				"storage", pickle.Global{Module: "torch", Name: class}, key, "cpu", count,
			}},
			0,
			intsTuple(shape),
			intsTuple(tensor.Shape(shape).ComputeStrides()),
			false,
			orderedDictCall(),
		},
	}
}

func orderedDictCall() pickle.Reduce {
	return pickle.Reduce{
		Callable: pickle.Global{Module: "collections", Name: "OrderedDict"},
		Args:     pickle.Tuple{},
	}
}

// object is an instance of module.name restored with state.
func object(module, name string, state any) pickle.Build {
	return pickle.Build{
		Object: pickle.Reduce{Callable: pickle.Global{Module: module, Name: name}, Args: pickle.Tuple{}},
		State:  state,
	}
}

func dict(kv ...any) *pickle.Dict {
	d := pickle.NewDict()
	for i := 0; i+1 < len(kv); i += 2 {
		d.Set(kv[i], kv[i+1])
	}
	return d
}

func float32Bytes(vals ...float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) + 0.5
	}
	return out
}

// legacyModel is a checkpoint of a model class that no longer exists:
// root "mhr_model/", blobs under data/, and a placeholder-typed graph.
func legacyModel(t *testing.T) []byte {
	t.Helper()
	graph := object("__main__", "MHRModel", dict(
		"training", false,
		"_modules", dict(
			"encoder", object("mhr.models.encoder", "Encoder", dict(
				"weight", storageTensor("FloatStorage", "0", 16, 4, 4),
			)),
			"head", object("mhr.models.head", "Head", dict(
				"bias", storageTensor("FloatStorage", "1", 4, 4),
			)),
		),
	))
	return buildZip(t,
		entry{"mhr_model/data.pkl", encodeGraph(t, graph)},
		entry{"mhr_model/data/0", float32Bytes(seq(16)...)},
		entry{"mhr_model/data/1", float32Bytes(seq(4)...)},
		entry{"mhr_model/version", []byte("3\n")},
	)
}

// memArchive is an Archive over in-memory entries.
type memArchive map[string][]byte

func (a memArchive) Has(name string) bool {
	_, ok := a[name]
	return ok
}

func (a memArchive) Open(name string) (io.ReadCloser, error) {
	b, ok := a[name]
	if !ok {
		return nil, errors.Errorf("entry %s not found", name)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// brokenArchive lists entries that cannot be read.
type brokenArchive map[string]bool

func (a brokenArchive) Has(name string) bool {
	return a[name]
}

func (a brokenArchive) Open(name string) (io.ReadCloser, error) {
	return nil, errors.Errorf("entry %s: checksum error", name)
}
