package pickle

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"math/big"

	"github.com/pkg/errors"
)

// batchSize matches CPython's APPENDS/SETITEMS batching.
const batchSize = 1000

// Encoder writes protocol 2 pickle streams.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes v as a complete stream (PROTO 2 ... STOP) and flushes.
func (e *Encoder) Encode(v any) error {
	e.op(OpProto)
	e.u8(2)
	if err := e.value(v); err != nil {
		return err
	}
	e.op(OpStop)
	if err := e.w.Flush(); err != nil {
		return errors.Wrap(err, "flush pickle stream")
	}
	return nil
}

//nolint:gocyclo,cyclop // One case per supported value type.
func (e *Encoder) value(v any) error {
	switch x := v.(type) {
	case nil:
		e.op(OpNone)
	case bool:
		if x {
			e.op(OpNewTrue)
		} else {
			e.op(OpNewFalse)
		}
	case int:
		e.integer(int64(x))
	case int64:
		e.integer(x)
	case *big.Int:
		if x.IsInt64() {
			e.integer(x.Int64())
		} else {
			e.long(encodeBigLong(x))
		}
	case float64:
		e.op(OpBinFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(x))
		e.raw(b[:])
	case string:
		e.op(OpBinUnicode)
		e.u32(uint32(len(x))) //nolint:gosec // G115: strings in checkpoints are far below 4GiB.
		_, _ = e.w.WriteString(x)
	case []byte:
		if len(x) < 256 {
			e.op(OpShortBinBytes)
			e.u8(byte(len(x)))
		} else {
			e.op(OpBinBytes)
			e.u32(uint32(len(x))) //nolint:gosec // G115: see string case.
		}
		e.raw(x)
	case Tuple:
		return e.tuple(x)
	case *List:
		e.op(OpEmptyList)
		return e.batched(OpAppends, len(*x), func(i int) error {
			return e.value((*x)[i])
		})
	case *Dict:
		e.op(OpEmptyDict)
		entries := x.Entries()
		return e.batched(OpSetItems, len(entries), func(i int) error {
			if err := e.value(entries[i].Key); err != nil {
				return err
			}
			return e.value(entries[i].Value)
		})
	case Global:
		e.op(OpGlobal)
		_, _ = e.w.WriteString(x.Module + "\n" + x.Name + "\n")
	case Reduce:
		if err := e.value(x.Callable); err != nil {
			return err
		}
		if err := e.tuple(x.Args); err != nil {
			return err
		}
		e.op(OpReduce)
	case PersistentID:
		if err := e.value(x.ID); err != nil {
			return err
		}
		e.op(OpBinPersID)
	case Build:
		if err := e.value(x.Object); err != nil {
			return err
		}
		if err := e.value(x.State); err != nil {
			return err
		}
		e.op(OpBuild)
	default:
		return errors.Errorf("pickle: cannot encode %T", v)
	}
	return nil
}

func (e *Encoder) tuple(t Tuple) error {
	switch len(t) {
	case 0:
		e.op(OpEmptyTuple)
		return nil
	case 1, 2, 3:
		for _, it := range t {
			if err := e.value(it); err != nil {
				return err
			}
		}
		e.op(OpTuple1 + Opcode(len(t)-1)) //nolint:gosec // G115: len is 1..3.
		return nil
	}
	e.op(OpMark)
	for _, it := range t {
		if err := e.value(it); err != nil {
			return err
		}
	}
	e.op(OpTuple)
	return nil
}

// batched writes n items as MARK ... op groups of at most batchSize.
func (e *Encoder) batched(op Opcode, n int, item func(i int) error) error {
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		e.op(OpMark)
		for i := start; i < end; i++ {
			if err := item(i); err != nil {
				return err
			}
		}
		e.op(op)
	}
	return nil
}

func (e *Encoder) integer(v int64) {
	switch {
	case v >= 0 && v <= math.MaxUint8:
		e.op(OpBinInt1)
		e.u8(byte(v))
	case v >= 0 && v <= math.MaxUint16:
		e.op(OpBinInt2)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		e.raw(b[:])
	case v >= math.MinInt32 && v <= math.MaxInt32:
		e.op(OpBinInt)
		e.u32(uint32(int32(v)))
	default:
		e.long(encodeLong(v))
	}
}

func (e *Encoder) long(b []byte) {
	e.op(OpLong1)
	e.u8(byte(len(b))) //nolint:gosec // G115: values encoded here fit in 255 bytes.
	e.raw(b)
}

func (e *Encoder) op(op Opcode) {
	_ = e.w.WriteByte(byte(op))
}

func (e *Encoder) u8(b byte) {
	_ = e.w.WriteByte(b)
}

func (e *Encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.raw(b[:])
}

// raw writes bytes; bufio keeps the first error and reports it on Flush.
func (e *Encoder) raw(b []byte) {
	_, _ = e.w.Write(b)
}

// encodeLong returns the shortest little-endian two's complement form of v.
func encodeLong(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v)) //nolint:gosec // G115: bit reinterpretation.
	n := 8
	for n > 1 {
		last, prev := b[n-1], b[n-2]
		if (last == 0x00 && prev&0x80 == 0) || (last == 0xff && prev&0x80 != 0) {
			n--
			continue
		}
		break
	}
	return b[:n]
}

func encodeBigLong(v *big.Int) []byte {
	n := v.BitLen()/8 + 1
	mod := new(big.Int).Lsh(big.NewInt(1), uint(8*n)) //nolint:gosec // G115: n is positive.
	u := new(big.Int).Set(v)
	if u.Sign() < 0 {
		u.Add(u, mod)
	}
	be := u.FillBytes(make([]byte, n))
	le := make([]byte, n)
	for i := range be {
		le[n-1-i] = be[i]
	}
	return le
}
