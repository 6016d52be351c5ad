package checkpoint

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/ckptrecover/internal/pickle"
	"github.com/born-ml/ckptrecover/internal/tensor"
)

// Standard checkpoint layout.
const (
	archiveName    = "archive"
	recordAlign    = 64
	formatVersion  = "3\n"
	byteOrder      = "little"
	paddingTag     = "FB"
	paddingFill    = 'Z'
	extraHeaderLen = 4
)

type record struct {
	name string
	data []byte
}

// WriteCheckpoint writes tensors as a standard torch.save zip checkpoint.
// The output depends only on the map contents, so equal maps produce equal
// bytes.
func WriteCheckpoint(w io.Writer, tensors *TensorMap) error {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	state, blobs, err := buildStateDict(tensors)
	if err != nil {
		return err
	}
	var pkl bytes.Buffer
	if err := pickle.NewEncoder(&pkl).Encode(state); err != nil {
		return errors.Wrap(err, "encode state dict")
	}

	records := []record{
		{archiveName + "/" + DescriptorSuffix, pkl.Bytes()},
		{archiveName + "/byteorder", []byte(byteOrder)},
	}
	for i, b := range blobs {
		records = append(records, record{archiveName + "/data/" + strconv.Itoa(i), b.Data})
	}
	records = append(records, record{archiveName + "/version", []byte(formatVersion)})

	for _, r := range records {
		if err := writeRecord(zw, cw, r.name, r.data); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "finish archive")
	}
	return nil
}

// buildStateDict returns the descriptor object and the distinct storages in
// first-use order.
func buildStateDict(tensors *TensorMap) (*pickle.Dict, []*tensor.TypedBuffer, error) {
	state := pickle.NewDict()
	index := make(map[*tensor.TypedBuffer]int)
	var blobs []*tensor.TypedBuffer

	for _, key := range tensors.Keys() {
		leaf, _ := tensors.Get(key)
		if leaf.Storage == nil {
			return nil, nil, errors.Errorf("tensor %s has no storage", key)
		}
		n, ok := index[leaf.Storage]
		if !ok {
			n = len(blobs)
			index[leaf.Storage] = n
			blobs = append(blobs, leaf.Storage)
		}

		pid := pickle.PersistentID{ID: pickle.Tuple{
			"storage",
			pickle.Global{Module: "torch", Name: storageClassName(leaf)},
			strconv.Itoa(n),
			"cpu",
			leaf.Storage.Count,
		}}
		state.Set(key, pickle.Reduce{
			Callable: pickle.Global{Module: "torch._utils", Name: "_rebuild_tensor_v2"},
			Args: pickle.Tuple{
				pid,
				leaf.Offset,
				intsTuple(leaf.Shape),
				intsTuple(leaf.Stride),
				leaf.RequiresGrad,
				pickle.Reduce{
					Callable: pickle.Global{Module: "collections", Name: "OrderedDict"},
					Args:     pickle.Tuple{},
				},
			},
		})
	}
	return state, blobs, nil
}

// storageClassName keeps the declared class so a converted file converts to
// itself; leaves built elsewhere fall back to the dtype's standard class.
func storageClassName(leaf *TensorLeaf) string {
	name := leaf.StorageClass
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return leaf.Storage.DType.StorageName()
	}
	return name
}

func intsTuple(v []int) pickle.Tuple {
	t := make(pickle.Tuple, len(v))
	for i, n := range v {
		t[i] = n
	}
	return t
}

// writeRecord stores data uncompressed with its payload aligned to
// recordAlign bytes from the start of the file.
func writeRecord(zw *zip.Writer, cw *countingWriter, name string, data []byte) error {
	if err := zw.Flush(); err != nil {
		return errors.Wrapf(err, "write %s", name)
	}
	start := cw.n + 30 + int64(len(name)) + extraHeaderLen
	pad := (recordAlign - start%recordAlign) % recordAlign

	extra := make([]byte, extraHeaderLen+pad)
	copy(extra, paddingTag)
	binary.LittleEndian.PutUint16(extra[2:], uint16(pad)) //nolint:gosec // G115: pad < recordAlign.
	for i := extraHeaderLen; i < len(extra); i++ {
		extra[i] = paddingFill
	}

	fw, err := zw.CreateRaw(&zip.FileHeader{
		Name:               name,
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(data),
		CompressedSize64:   uint64(len(data)),
		UncompressedSize64: uint64(len(data)),
		Extra:              extra,
	})
	if err != nil {
		return errors.Wrapf(err, "create %s", name)
	}
	if _, err := fw.Write(data); err != nil {
		return errors.Wrapf(err, "write %s", name)
	}
	return nil
}

// countingWriter tracks the absolute output offset.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
