package pickle

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// MaxItemLength bounds a single length-prefixed string or bytes item.
const MaxItemLength = math.MaxInt32

// readChunk caps the buffer reserved for an item before its bytes arrive.
const readChunk = 64 << 10

// Decoder reads one pickled value from a stream.
type Decoder struct {
	// FindClass resolves GLOBAL, STACK_GLOBAL and INST references.
	FindClass func(module, name string) (any, error)
	// PersistentLoad resolves PERSID and BINPERSID ids.
	PersistentLoad func(pid any) (any, error)

	r     *bufio.Reader
	pos   int64
	stack []any
	marks [][]any
	memo  map[int64]any
	proto int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:     bufio.NewReader(r),
		stack: make([]any, 0, 16),
		memo:  make(map[int64]any),
	}
}

// Protocol returns the protocol announced by the stream, 0 if none was.
func (d *Decoder) Protocol() int {
	return d.proto
}

// Decode runs the stream up to STOP and returns the value on top of the stack.
// Any malformed or truncated input returns a *ParseError.
func (d *Decoder) Decode() (any, error) {
	for {
		start := d.pos
		b, err := d.readByte()
		if err != nil {
			return nil, &ParseError{Offset: start, Err: errors.Wrap(err, "read opcode")}
		}
		op := Opcode(b)
		if op == OpStop {
			v, err := d.pop()
			if err != nil {
				return nil, &ParseError{Offset: start, Op: op, Err: err}
			}
			return v, nil
		}
		if err := d.dispatch(op); err != nil {
			return nil, &ParseError{Offset: start, Op: op, Err: err}
		}
	}
}

//nolint:gocyclo,cyclop // One case per opcode.
func (d *Decoder) dispatch(op Opcode) error {
	switch op {
	case OpProto:
		v, err := d.readByte()
		if err != nil {
			return err
		}
		if int(v) > HighestProtocol {
			return errors.Wrapf(ErrUnsupportedProto, "protocol %d", v)
		}
		d.proto = int(v)
	case OpFrame:
		// Frames only group opcodes for buffered readers.
		if _, err := d.readUint(8); err != nil {
			return err
		}

	case OpMark:
		d.marks = append(d.marks, d.stack)
		d.stack = make([]any, 0, 8)
	case OpPop:
		if len(d.stack) == 0 && len(d.marks) > 0 {
			_, err := d.popMark()
			return err
		}
		_, err := d.pop()
		return err
	case OpPopMark:
		_, err := d.popMark()
		return err
	case OpDup:
		v, err := d.top()
		if err != nil {
			return err
		}
		d.push(v)

	case OpNone:
		d.push(nil)
	case OpNewTrue:
		d.push(true)
	case OpNewFalse:
		d.push(false)
	case OpInt:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		switch line {
		case "00":
			d.push(false)
		case "01":
			d.push(true)
		default:
			v, err := parseInt(line)
			if err != nil {
				return err
			}
			d.push(v)
		}
	case OpLong:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		v, err := parseInt(strings.TrimSuffix(line, "L"))
		if err != nil {
			return err
		}
		d.push(v)
	case OpBinInt:
		v, err := d.readUint(4)
		if err != nil {
			return err
		}
		d.push(int64(int32(uint32(v)))) //nolint:gosec // G115: two's complement reinterpretation.
	case OpBinInt1:
		v, err := d.readUint(1)
		if err != nil {
			return err
		}
		d.push(int64(v)) //nolint:gosec // G115: single byte.
	case OpBinInt2:
		v, err := d.readUint(2)
		if err != nil {
			return err
		}
		d.push(int64(v)) //nolint:gosec // G115: two bytes.
	case OpLong1:
		n, err := d.readUint(1)
		if err != nil {
			return err
		}
		b, err := d.readN(n)
		if err != nil {
			return err
		}
		d.push(decodeLong(b))
	case OpLong4:
		n, err := d.readUint(4)
		if err != nil {
			return err
		}
		if int32(uint32(n)) < 0 { //nolint:gosec // G115: sign check on wire value.
			return errors.Errorf("LONG4 negative byte count %d", int32(uint32(n))) //nolint:gosec // G115: as above.
		}
		b, err := d.readN(n)
		if err != nil {
			return err
		}
		d.push(decodeLong(b))
	case OpFloat:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return errors.Wrap(err, "parse float")
		}
		d.push(v)
	case OpBinFloat:
		b, err := d.readN(8)
		if err != nil {
			return err
		}
		d.push(math.Float64frombits(binary.BigEndian.Uint64(b)))

	case OpString:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		s, err := unquotePython(line)
		if err != nil {
			return err
		}
		d.push(s)
	case OpBinString, OpBinUnicode, OpBinBytes:
		return d.pushSized(op, 4)
	case OpShortBinString, OpShortBinUnicode, OpShortBinBytes:
		return d.pushSized(op, 1)
	case OpBinUnicode8, OpBinBytes8, OpByteArray8:
		return d.pushSized(op, 8)
	case OpUnicode:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		d.push(decodeRawUnicodeEscape(line))

	case OpEmptyTuple:
		d.push(Tuple{})
	case OpTuple:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		d.push(Tuple(items))
	case OpTuple1, OpTuple2, OpTuple3:
		items, err := d.popN(int(op-OpTuple1) + 1)
		if err != nil {
			return err
		}
		d.push(Tuple(items))
	case OpEmptyList:
		d.push(NewList())
	case OpList:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		l := List(items)
		d.push(&l)
	case OpAppend:
		v, err := d.pop()
		if err != nil {
			return err
		}
		return d.appendTop(v)
	case OpAppends:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		return d.appendTop(items...)
	case OpEmptyDict:
		d.push(NewDict())
	case OpDict:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		dict := NewDict()
		if err := setPairs(dict, items); err != nil {
			return err
		}
		d.push(dict)
	case OpSetItem:
		items, err := d.popN(2)
		if err != nil {
			return err
		}
		return d.setItemsTop(items)
	case OpSetItems:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		return d.setItemsTop(items)
	case OpEmptySet:
		d.push(&Set{})
	case OpAddItems:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		top, err := d.top()
		if err != nil {
			return err
		}
		s, ok := top.(*Set)
		if !ok {
			return errors.Errorf("ADDITEMS target is %T, not a set", top)
		}
		for _, it := range items {
			s.Add(it)
		}
	case OpFrozenSet:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		s := &Set{Frozen: true}
		for _, it := range items {
			s.Add(it)
		}
		d.push(s)

	case OpGlobal:
		module, err := d.readLine()
		if err != nil {
			return err
		}
		name, err := d.readLine()
		if err != nil {
			return err
		}
		cls, err := d.findClass(module, name)
		if err != nil {
			return err
		}
		d.push(cls)
	case OpStackGlobal:
		items, err := d.popN(2)
		if err != nil {
			return err
		}
		module, ok1 := items[0].(string)
		name, ok2 := items[1].(string)
		if !ok1 || !ok2 {
			return errors.Errorf("STACK_GLOBAL expects two strings, got %T and %T", items[0], items[1])
		}
		cls, err := d.findClass(module, name)
		if err != nil {
			return err
		}
		d.push(cls)
	case OpReduce, OpNewObj:
		items, err := d.popN(2)
		if err != nil {
			return err
		}
		args, ok := items[1].(Tuple)
		if !ok {
			return errors.Errorf("%s arguments are %T, not a tuple", op, items[1])
		}
		return d.callPush(items[0], args)
	case OpNewObjEx:
		// Keyword arguments are dropped; no reconstructor here takes any.
		items, err := d.popN(3)
		if err != nil {
			return err
		}
		args, ok := items[1].(Tuple)
		if !ok {
			return errors.Errorf("NEWOBJ_EX arguments are %T, not a tuple", items[1])
		}
		return d.callPush(items[0], args)
	case OpInst:
		module, err := d.readLine()
		if err != nil {
			return err
		}
		name, err := d.readLine()
		if err != nil {
			return err
		}
		args, err := d.popMark()
		if err != nil {
			return err
		}
		cls, err := d.findClass(module, name)
		if err != nil {
			return err
		}
		return d.callPush(cls, Tuple(args))
	case OpObj:
		items, err := d.popMark()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrStackUnderflow
		}
		return d.callPush(items[0], Tuple(items[1:]))
	case OpBuild:
		state, err := d.pop()
		if err != nil {
			return err
		}
		inst, err := d.top()
		if err != nil {
			return err
		}
		setter, ok := inst.(StateSetter)
		if !ok {
			return errors.Errorf("cannot BUILD %T", inst)
		}
		return setter.SetState(state)

	case OpPersID:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		return d.persistentLoad(line)
	case OpBinPersID:
		pid, err := d.pop()
		if err != nil {
			return err
		}
		return d.persistentLoad(pid)

	case OpPut:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		idx, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return errors.Wrap(err, "parse memo index")
		}
		return d.memoPut(idx)
	case OpBinPut:
		idx, err := d.readUint(1)
		if err != nil {
			return err
		}
		return d.memoPut(int64(idx)) //nolint:gosec // G115: single byte.
	case OpLongBinPut:
		idx, err := d.readUint(4)
		if err != nil {
			return err
		}
		return d.memoPut(int64(idx)) //nolint:gosec // G115: four bytes.
	case OpMemoize:
		return d.memoPut(int64(len(d.memo)))
	case OpGet:
		line, err := d.readLine()
		if err != nil {
			return err
		}
		idx, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return errors.Wrap(err, "parse memo index")
		}
		return d.memoGet(idx)
	case OpBinGet:
		idx, err := d.readUint(1)
		if err != nil {
			return err
		}
		return d.memoGet(int64(idx)) //nolint:gosec // G115: single byte.
	case OpLongBinGet:
		idx, err := d.readUint(4)
		if err != nil {
			return err
		}
		return d.memoGet(int64(idx)) //nolint:gosec // G115: four bytes.

	default:
		// EXT*, NEXT_BUFFER and READONLY_BUFFER need out-of-band state.
		return ErrUnsupportedOp
	}
	return nil
}

func (d *Decoder) push(v any) {
	d.stack = append(d.stack, v)
}

func (d *Decoder) pop() (any, error) {
	if len(d.stack) == 0 {
		return nil, ErrStackUnderflow
	}
	v := d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	return v, nil
}

func (d *Decoder) top() (any, error) {
	if len(d.stack) == 0 {
		return nil, ErrStackUnderflow
	}
	return d.stack[len(d.stack)-1], nil
}

// popN pops the top n items into a fresh slice, oldest first.
func (d *Decoder) popN(n int) ([]any, error) {
	if len(d.stack) < n {
		return nil, ErrStackUnderflow
	}
	items := make([]any, n)
	copy(items, d.stack[len(d.stack)-n:])
	d.stack = d.stack[:len(d.stack)-n]
	return items, nil
}

// popMark returns everything pushed since the last MARK and restores the
// enclosing stack.
func (d *Decoder) popMark() ([]any, error) {
	if len(d.marks) == 0 {
		return nil, ErrNoMark
	}
	items := d.stack
	d.stack = d.marks[len(d.marks)-1]
	d.marks = d.marks[:len(d.marks)-1]
	return items, nil
}

func (d *Decoder) appendTop(items ...any) error {
	top, err := d.top()
	if err != nil {
		return err
	}
	l, ok := top.(interface{ Append(v any) })
	if !ok {
		return errors.Errorf("cannot append to %T", top)
	}
	for _, it := range items {
		l.Append(it)
	}
	return nil
}

func (d *Decoder) setItemsTop(items []any) error {
	top, err := d.top()
	if err != nil {
		return err
	}
	m, ok := top.(interface{ Set(key, value any) })
	if !ok {
		return errors.Errorf("cannot set items on %T", top)
	}
	return setPairs(m, items)
}

func setPairs(m interface{ Set(key, value any) }, items []any) error {
	if len(items)%2 != 0 {
		return errors.Errorf("odd number of dict items: %d", len(items))
	}
	for i := 0; i < len(items); i += 2 {
		m.Set(items[i], items[i+1])
	}
	return nil
}

func (d *Decoder) findClass(module, name string) (any, error) {
	if d.FindClass == nil {
		return nil, errors.Wrapf(ErrNoClassResolver, "%s.%s", module, name)
	}
	cls, err := d.FindClass(module, name)
	if err != nil {
		return nil, errors.Wrapf(err, "find class %s.%s", module, name)
	}
	return cls, nil
}

func (d *Decoder) callPush(callable any, args Tuple) error {
	c, ok := callable.(Callable)
	if !ok {
		return errors.Wrapf(ErrNotCallable, "%T", callable)
	}
	v, err := c.Call(args)
	if err != nil {
		return err
	}
	d.push(v)
	return nil
}

func (d *Decoder) persistentLoad(pid any) error {
	if d.PersistentLoad == nil {
		return ErrNoPersistentLoad
	}
	v, err := d.PersistentLoad(pid)
	if err != nil {
		return errors.Wrap(err, "persistent load")
	}
	d.push(v)
	return nil
}

func (d *Decoder) memoPut(idx int64) error {
	v, err := d.top()
	if err != nil {
		return err
	}
	d.memo[idx] = v
	return nil
}

func (d *Decoder) memoGet(idx int64) error {
	v, ok := d.memo[idx]
	if !ok {
		return errors.Wrapf(ErrMemoMiss, "index %d", idx)
	}
	d.push(v)
	return nil
}

// pushSized reads a length-prefixed item with a width-byte little-endian length.
func (d *Decoder) pushSized(op Opcode, width int) error {
	n, err := d.readUint(width)
	if err != nil {
		return err
	}
	if op == OpBinString && int32(uint32(n)) < 0 { //nolint:gosec // G115: sign check on wire value.
		return errors.New("BINSTRING negative length")
	}
	b, err := d.readN(n)
	if err != nil {
		return err
	}
	switch op {
	case OpBinUnicode, OpShortBinUnicode, OpBinUnicode8:
		if !utf8.Valid(b) {
			return errors.New("invalid utf-8 in unicode string")
		}
		d.push(string(b))
	case OpBinString, OpShortBinString:
		d.push(string(b))
	default:
		d.push(b)
	}
	return nil
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, eofToUnexpected(err)
	}
	d.pos++
	return b, nil
}

// readN reads exactly n bytes. Lengths come from the stream, so items larger
// than readChunk grow with the bytes actually read instead of being allocated
// up front.
func (d *Decoder) readN(n uint64) ([]byte, error) {
	if n > MaxItemLength {
		return nil, errors.Wrapf(ErrTooLarge, "%d bytes", n)
	}
	if n <= readChunk {
		buf := make([]byte, n)
		read, err := io.ReadFull(d.r, buf)
		d.pos += int64(read)
		if err != nil {
			return nil, eofToUnexpected(err)
		}
		return buf, nil
	}
	var buf bytes.Buffer
	buf.Grow(readChunk)
	read, err := io.CopyN(&buf, d.r, int64(n))
	d.pos += read
	if err != nil {
		return nil, eofToUnexpected(err)
	}
	return buf.Bytes(), nil
}

// readUint reads a little-endian unsigned integer of width bytes.
func (d *Decoder) readUint(width int) (uint64, error) {
	b, err := d.readN(uint64(width)) //nolint:gosec // G115: width is 1, 2, 4 or 8.
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func (d *Decoder) readLine() (string, error) {
	line, err := d.r.ReadString('\n')
	d.pos += int64(len(line))
	if err != nil {
		return "", eofToUnexpected(err)
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

func eofToUnexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// decodeLong decodes a little-endian two's complement integer.
func decodeLong(b []byte) any {
	n := len(b)
	if n == 0 {
		return int64(0)
	}
	if n <= 8 {
		var v uint64
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
		shift := uint(64 - 8*n)
		return int64(v<<shift) >> shift //nolint:gosec // G115: sign extension.
	}
	be := make([]byte, n)
	for i := range b {
		be[n-1-i] = b[i]
	}
	v := new(big.Int).SetBytes(be)
	if b[n-1]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(8*n)))
	}
	return v
}

func parseInt(s string) (any, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		b, ok := new(big.Int).SetString(s, 10)
		if ok {
			return b, nil
		}
	}
	return nil, errors.Wrapf(err, "parse int %q", s)
}

// unquotePython decodes a protocol 0 STRING argument: a Python bytes repr in
// single or double quotes.
func unquotePython(s string) (string, error) {
	if len(s) < 2 || (s[0] != '\'' && s[0] != '"') || s[len(s)-1] != s[0] {
		return "", errors.Errorf("STRING argument is not quoted: %q", s)
	}
	s = s[1 : len(s)-1]
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch e := s[i]; e {
		case '\\', '\'', '"':
			sb.WriteByte(e)
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'a':
			sb.WriteByte(7)
		case 'b':
			sb.WriteByte(8)
		case 'f':
			sb.WriteByte(12)
		case 'v':
			sb.WriteByte(11)
		case 'x':
			if i+2 >= len(s) {
				return "", errors.Errorf("truncated \\x escape in %q", s)
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return "", errors.Wrap(err, "parse \\x escape")
			}
			sb.WriteByte(byte(v))
			i += 2
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			v, _ := strconv.ParseUint(s[i:j], 8, 16)
			sb.WriteByte(byte(v)) //nolint:gosec // G115: octal escapes are at most 0o777, truncated like Python.
			i = j - 1
		default:
			sb.WriteByte('\\')
			sb.WriteByte(e)
		}
	}
	return sb.String(), nil
}

// decodeRawUnicodeEscape decodes Python's raw-unicode-escape codec: only
// \uXXXX and \UXXXXXXXX are escapes, every other byte is a Latin-1 code point.
func decodeRawUnicodeEscape(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			width := 0
			switch s[i+1] {
			case 'u':
				width = 4
			case 'U':
				width = 8
			}
			if width > 0 && i+2+width <= len(s) {
				if v, err := strconv.ParseUint(s[i+2:i+2+width], 16, 32); err == nil {
					sb.WriteRune(rune(v)) //nolint:gosec // G115: parsed with 32-bit limit.
					i += 1 + width
					continue
				}
			}
		}
		sb.WriteRune(rune(s[i]))
	}
	return sb.String()
}
