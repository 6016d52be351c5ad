// Package checkpoint recovers tensors from legacy zip checkpoints whose graph
// stream references classes that no longer exist.
//
// A conversion runs four stages in one synchronous pass:
//   - Container I/O: open the zip, locate the entry ending in data.pkl
//   - Graph loading: decode the stream with placeholder types standing in for
//     every unknown class, resolving storages as they are referenced
//   - Flattening: walk mappings and placeholder states, collecting tensors
//     under dotted keys
//   - Writing: replace the source with a standard checkpoint holding only
//     the tensors, through a temp file and a rename
//
// Missing storage blobs degrade to zero-filled buffers and are logged; every
// other failure leaves the source file unchanged.
//
// Example:
//
//	conv := checkpoint.NewConverter(osfs.New(dir))
//	res, err := conv.Convert("model.pt")
//	if errors.Is(err, checkpoint.ErrEmptyExtraction) {
//	    // nothing to recover
//	}
package checkpoint
