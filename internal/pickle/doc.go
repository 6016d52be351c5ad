// Package pickle decodes and encodes the Python pickle stream format used by
// torch checkpoints.
//
// The decoder is a plain stack machine. It never resolves classes on its own:
// every GLOBAL / STACK_GLOBAL / INST reference is handed to the FindClass hook,
// and every persistent id to the PersistentLoad hook. Values produced by the
// hooks take part in the stream through three small interfaces:
//
//   - Callable: invoked by REDUCE, NEWOBJ, NEWOBJ_EX, INST and OBJ
//   - StateSetter: receives the BUILD state
//   - the container methods Set (dicts), Append (lists) and Add (sets)
//
// Decoded values are limited to a closed set of Go types:
//
//	None           nil
//	bool           bool
//	int            int64, or *big.Int when it does not fit
//	float          float64
//	str            string
//	bytes          []byte
//	tuple          Tuple
//	list           *List
//	dict           *Dict (insertion ordered)
//	set/frozenset  *Set
//
// plus whatever the hooks return.
//
// The encoder writes protocol 2 streams for the same value set, with Global,
// Reduce, Build and PersistentID describing class references, calls, object
// state and persistent ids.
package pickle
