package checkpoint

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// DescriptorSuffix identifies the graph descriptor entry of a container.
const DescriptorSuffix = "data.pkl"

const maxTempAttempts = 100

// Result summarizes one extraction or conversion.
type Result struct {
	Path         string
	Descriptor   string // Archive entry holding the graph stream
	RootPrefix   string // Descriptor name without DescriptorSuffix
	Protocol     int    // Pickle protocol of the descriptor stream
	Keys         []string
	Resolved     int // Storages read from the archive
	Degraded     int // Storages replaced by zero-filled buffers
	Placeholders int // Placeholder types synthesized while loading
	Namespaces   int
	Digest       digest.Digest // Digest of the written checkpoint; empty for Inspect
}

// Tensors returns the number of extracted tensors.
func (r *Result) Tensors() int {
	return len(r.Keys)
}

// Option configures a Converter.
type Option func(*Converter)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Converter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Converter rewrites legacy checkpoints in place. It holds no per-call state
// and may be reused.
type Converter struct {
	fs     billy.Filesystem
	logger *slog.Logger
}

// NewConverter returns a converter operating on fs.
func NewConverter(fs billy.Filesystem, opts ...Option) *Converter {
	c := &Converter{fs: fs, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Inspect extracts the tensors of the container at path without writing.
func (c *Converter) Inspect(path string) (*Result, *TensorMap, error) {
	return c.extract(path, c.logger.With(slog.String("path", path)))
}

// Convert replaces the container at path with a standard checkpoint holding
// only its tensors. On any failure the file is left untouched.
func (c *Converter) Convert(path string) (*Result, error) {
	logger := c.logger.With(slog.String("path", path))

	res, tensors, err := c.extract(path, logger)
	if err != nil {
		return nil, err
	}

	src, err := c.fs.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	tmp, err := c.createTemp(path, src.Mode().Perm())
	if err != nil {
		return nil, errors.Wrap(err, "creating temp file")
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = c.fs.Remove(tmpPath) // Best effort; the source is untouched either way.
		}
	}()

	digester := digest.Canonical.Digester()
	if err := WriteCheckpoint(io.MultiWriter(tmp, digester.Hash()), tensors); err != nil {
		_ = tmp.Close()
		return nil, errors.Wrap(err, "writing checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "closing temp file")
	}

	if err := c.verify(tmpPath, tensors); err != nil {
		return nil, newConversionError(ErrVerifyFailed, path, err)
	}

	if err := c.fs.Rename(tmpPath, path); err != nil {
		return nil, errors.Wrap(err, "renaming temp file over source")
	}
	committed = true

	res.Digest = digester.Digest()
	logger.Info("converted checkpoint",
		slog.Int("tensors", res.Tensors()),
		slog.Int("resolved", res.Resolved),
		slog.Int("degraded", res.Degraded),
		slog.String("digest", res.Digest.String()))
	return res, nil
}

// createTemp creates an empty sibling of path with the given permissions, so
// the rename keeps the source's mode. billy's TempFile always uses 0600.
func (c *Converter) createTemp(path string, perm os.FileMode) (billy.File, error) {
	prefix := c.fs.Join(filepath.Dir(path), "."+filepath.Base(path)+".converted-")
	for range maxTempAttempts {
		name := prefix + strconv.FormatUint(rand.Uint64(), 36)
		f, err := c.fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// OpenFile applies the umask; filesystems that can chmod get the
		// exact source mode.
		if ch, ok := c.fs.(billy.Change); ok {
			if err := ch.Chmod(name, perm); err != nil {
				_ = f.Close()
				_ = c.fs.Remove(name)
				return nil, errors.Wrap(err, "chmod temp file")
			}
		}
		return f, nil
	}
	return nil, errors.Errorf("no free temp name after %d attempts", maxTempAttempts)
}

// verify re-reads a written checkpoint and checks it yields the same keys.
// Re-read failures are reported as text only: the source parsed, so their
// categories do not describe it.
func (c *Converter) verify(path string, want *TensorMap) error {
	_, got, err := c.extract(path, c.logger.With(slog.String("path", path)))
	if err != nil {
		return errors.Errorf("re-reading output: %v", err)
	}
	if !slices.Equal(got.Keys(), want.Keys()) {
		return errors.Errorf("recovered %d keys, wrote %d", got.Len(), want.Len())
	}
	return nil
}

func (c *Converter) extract(path string, logger *slog.Logger) (*Result, *TensorMap, error) {
	res, graph, err := c.load(path, logger)
	if err != nil {
		return nil, nil, err
	}
	tensors := Flatten(graph.Root)
	if tensors.Len() == 0 {
		logRoot(logger, graph.Root)
		return nil, nil, newConversionError(ErrEmptyExtraction, path, nil)
	}
	res.Keys = tensors.Keys()
	return res, tensors, nil
}

// load materializes the graph of the container at path. The container is
// closed before load returns.
func (c *Converter) load(path string, logger *slog.Logger) (*Result, *Graph, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s", path)
	}
	defer func() {
		_ = f.Close() // Read-only.
	}()
	fi, err := c.fs.Stat(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "stat %s", path)
	}

	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return nil, nil, newConversionError(ErrUnsupportedContainer, path, err)
	}
	descriptor, ok := findDescriptor(zr)
	if !ok {
		return nil, nil, newConversionError(ErrMissingDescriptor, path, nil)
	}
	res := &Result{
		Path:       path,
		Descriptor: descriptor,
		RootPrefix: strings.TrimSuffix(descriptor, DescriptorSuffix),
	}
	logger.Debug("found graph descriptor",
		slog.String("descriptor", res.Descriptor),
		slog.String("root", res.RootPrefix))

	graph, err := loadDescriptor(newZipArchive(zr), res, logger)
	if err != nil {
		return nil, nil, newConversionError(ErrStructuralParse, path, err)
	}
	res.Protocol = graph.Protocol
	res.Resolved = graph.Storage.Resolved
	res.Degraded = graph.Storage.Degraded
	res.Placeholders = len(graph.Registry.Types())
	res.Namespaces = graph.Registry.NamespaceCount()
	return res, graph, nil
}

func loadDescriptor(archive *zipArchive, res *Result, logger *slog.Logger) (*Graph, error) {
	rc, err := archive.Open(res.Descriptor)
	if err != nil {
		return nil, errors.Wrap(err, "opening descriptor")
	}
	defer func() {
		_ = rc.Close() // Read-only entry.
	}()
	resolver := NewStorageResolver(archive, res.RootPrefix, logger)
	return LoadGraph(rc, resolver, logger)
}

// findDescriptor returns the first entry, in archive order, whose name ends
// in DescriptorSuffix.
func findDescriptor(zr *zip.Reader) (string, bool) {
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, DescriptorSuffix) {
			return f.Name, true
		}
	}
	return "", false
}

// logRoot describes a root that yielded no tensors.
func logRoot(logger *slog.Logger, root any) {
	attrs := []any{slog.String("kind", KindOf(root).String())}
	var state any = root
	switch n := root.(type) {
	case *OpaqueState:
		attrs = append(attrs, slog.String("class", n.Type.Identity()))
		state = n.State
	case *MappingNode:
		attrs = append(attrs, slog.String("class", n.Class))
	case *NamespaceStub:
		attrs = append(attrs, slog.String("class", n.Path))
	default:
		attrs = append(attrs, slog.String("class", fmt.Sprintf("%T", root)))
	}
	if d := asDict(state); d != nil {
		keys := make([]string, 0, d.Len())
		for _, k := range d.Keys() {
			keys = append(keys, fmt.Sprint(k))
		}
		attrs = append(attrs, slog.Any("keys", keys))
	}
	logger.Warn("no tensors found under graph root", attrs...)
}
