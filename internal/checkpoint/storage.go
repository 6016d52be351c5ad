package checkpoint

import (
	"archive/zip"
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/born-ml/ckptrecover/internal/tensor"
)

// Archive gives read access to container entries by name.
type Archive interface {
	Has(name string) bool
	Open(name string) (io.ReadCloser, error)
}

// zipArchive indexes a zip reader by entry name. The first entry wins when a
// name repeats.
type zipArchive struct {
	files map[string]*zip.File
}

func newZipArchive(zr *zip.Reader) *zipArchive {
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if _, dup := files[f.Name]; !dup {
			files[f.Name] = f
		}
	}
	return &zipArchive{files: files}
}

func (a *zipArchive) Has(name string) bool {
	_, ok := a.files[name]
	return ok
}

func (a *zipArchive) Open(name string) (io.ReadCloser, error) {
	f, ok := a.files[name]
	if !ok {
		return nil, errors.Errorf("entry %s not found", name)
	}
	return f.Open()
}

// StorageCandidates returns the entry names tried for a storage key, in
// precedence order.
func StorageCandidates(rootPrefix, key string) []string {
	return []string{
		rootPrefix + key,
		rootPrefix + "data/" + key,
		key,
		"archive/data/" + key,
	}
}

// ResolveStats counts storage resolutions of one load.
type ResolveStats struct {
	Resolved int // Read from the archive
	Degraded int // Replaced by zero-filled buffers
}

// StorageResolver loads storage blobs referenced from the graph stream.
type StorageResolver struct {
	archive    Archive
	rootPrefix string
	logger     *slog.Logger
	cache      map[string]*tensor.TypedBuffer
	stats      ResolveStats
}

// NewStorageResolver returns a resolver reading from archive. A nil logger
// uses slog.Default().
func NewStorageResolver(archive Archive, rootPrefix string, logger *slog.Logger) *StorageResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageResolver{
		archive:    archive,
		rootPrefix: rootPrefix,
		logger:     logger,
		cache:      make(map[string]*tensor.TypedBuffer),
	}
}

// Stats returns the resolution counts so far.
func (r *StorageResolver) Stats() ResolveStats {
	return r.stats
}

// Resolve returns the buffer for a storage record. Missing or unreadable
// blobs yield a zero-filled buffer of count bytes; only a count outside
// [0, tensor.MaxCount] is an error. Repeated keys return the same buffer.
func (r *StorageResolver) Resolve(className, key string, count int64) (*tensor.TypedBuffer, error) {
	if count < 0 {
		return nil, errors.Wrapf(ErrNegativeCount, "storage %s (%s): %d", key, className, count)
	}
	if count > tensor.MaxCount {
		return nil, errors.Wrapf(ErrCountTooLarge, "storage %s (%s): %d > %d", key, className, count, tensor.MaxCount)
	}
	if buf, ok := r.cache[key]; ok {
		return buf, nil
	}

	dtype := tensor.DataTypeForStorage(className)
	candidates := StorageCandidates(r.rootPrefix, key)

	var (
		buf       *tensor.TypedBuffer
		readFails bool
	)
	for _, name := range candidates {
		if !r.archive.Has(name) {
			continue
		}
		data, err := r.read(name)
		if err != nil {
			r.logger.Error("failed to read storage, using zero-filled buffer",
				slog.String("key", key),
				slog.String("entry", name),
				slog.String("class", className),
				slog.String("error", err.Error()))
			readFails = true
			break
		}
		buf, err = tensor.NewTypedBuffer(data, dtype, count)
		if err != nil {
			return nil, err
		}
		if !buf.Consistent() {
			r.logger.Debug("storage size differs from declared count",
				slog.String("key", key),
				slog.Int("bytes", buf.ByteLen()),
				slog.Int64("count", count),
				slog.String("dtype", dtype.String()))
		}
		break
	}

	if buf == nil {
		var err error
		buf, err = tensor.NewDegradedBuffer(dtype, count)
		if err != nil {
			return nil, err
		}
		if !readFails {
			r.logger.Warn("storage not found in archive, using zero-filled buffer",
				slog.String("key", key),
				slog.String("class", className),
				slog.Int64("count", count),
				slog.Any("candidates", candidates),
				slog.String("error", ErrStorageUnresolved.Error()))
		}
		r.stats.Degraded++
	} else {
		r.stats.Resolved++
	}

	r.cache[key] = buf
	return buf, nil
}

func (r *StorageResolver) read(name string) ([]byte, error) {
	rc, err := r.archive.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close() // Read-only entry.
	}()
	return io.ReadAll(rc)
}
