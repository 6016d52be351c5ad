package pickle

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/big"
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, stream []byte) any {
	t.Helper()
	v, err := NewDecoder(bytes.NewReader(stream)).Decode()
	require.NoError(t, err)
	return v
}

func TestDecodeCPythonDict(t *testing.T) {
	// pickle.dumps({'a': 1}, protocol=2)
	stream := []byte("\x80\x02}q\x00X\x01\x00\x00\x00aq\x01K\x01s.")

	v := decode(t, stream)

	d, ok := v.(*Dict)
	require.True(t, ok, "got %T", v)
	assert.Equal(t, 1, d.Len())
	got, ok := d.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), got)
}

func TestDecodeProtocol0List(t *testing.T) {
	// pickle.dumps([1, 'x'], protocol=0)
	stream := []byte("(lp0\nI1\naVx\np1\na.")

	v := decode(t, stream)

	l, ok := v.(*List)
	require.True(t, ok, "got %T", v)
	assert.Equal(t, List{int64(1), "x"}, *l)
}

func TestDecodeProtocol0String(t *testing.T) {
	stream := []byte("S'a\\'b\\x41\\n'\np0\n.")

	v := decode(t, stream)

	assert.Equal(t, "a'bA\n", v)
}

func TestDecodeMemoSharesObjects(t *testing.T) {
	// (l, l) where both entries are the same list object.
	stream := []byte("\x80\x02]q\x00h\x00\x86.")

	v := decode(t, stream)

	tup, ok := v.(Tuple)
	require.True(t, ok)
	require.Len(t, tup, 2)
	assert.Same(t, tup[0], tup[1])
}

func TestDecodeIntegers(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   any
	}{
		{"bin int1", "\x80\x02K\xff.", int64(255)},
		{"bin int2", "\x80\x02M\x00\x01.", int64(256)},
		{"bin int negative", "\x80\x02J\xff\xff\xff\xff.", int64(-1)},
		{"long1 zero", "\x80\x02\x8a\x00.", int64(0)},
		{"long1 negative", "\x80\x02\x8a\x02\x7f\xff.", int64(-129)},
		{"long1 int64", "\x80\x02\x8a\x08\x00\x00\x00\x00\x00\x00\x00\x80.", int64(-1 << 63)},
		{"text int", "I12345\n.", int64(12345)},
		{"text long", "L7L\n.", int64(7)},
		{"bool true", "I01\n.", true},
		{"bool false", "\x80\x02\x89.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decode(t, []byte(tt.stream)))
		})
	}
}

func TestDecodeBigLong(t *testing.T) {
	// 2**64 needs nine bytes.
	stream := []byte("\x80\x02\x8a\x09\x00\x00\x00\x00\x00\x00\x00\x00\x01.")

	v := decode(t, stream)

	b, ok := v.(*big.Int)
	require.True(t, ok, "got %T", v)
	want := new(big.Int).Lsh(big.NewInt(1), 64)
	assert.Zero(t, want.Cmp(b))
}

func TestDecodeFloatsAndBytes(t *testing.T) {
	stream := []byte("\x80\x03G?\xf8\x00\x00\x00\x00\x00\x00C\x02hi\x86.")

	v := decode(t, stream)

	assert.Equal(t, Tuple{1.5, []byte("hi")}, v)
}

func TestDecodeSets(t *testing.T) {
	stream := []byte("\x80\x04\x8f(K\x01K\x01K\x02\x90.")

	v := decode(t, stream)

	s, ok := v.(*Set)
	require.True(t, ok)
	assert.Equal(t, []any{int64(1), int64(2)}, s.Items)
}

type testClass struct {
	module, name string
	calls        int
}

type testObject struct {
	cls   *testClass
	args  Tuple
	state any
}

func (c *testClass) Call(args Tuple) (any, error) {
	c.calls++
	return &testObject{cls: c, args: args}, nil
}

func (o *testObject) SetState(state any) error {
	o.state = state
	return nil
}

func TestDecodeHooks(t *testing.T) {
	// cmod\nCls\n ) NEWOBJ } ( 'k' 1 u BUILD  then BINPERSID on ('storage', 'k0')
	var buf bytes.Buffer
	buf.WriteString("\x80\x02cmod.sub\nCls\n)\x81")
	buf.WriteString("}(X\x01\x00\x00\x00kK\x01ub")
	buf.WriteString("X\x07\x00\x00\x00storageX\x02\x00\x00\x00k0\x86Q")
	buf.WriteString("\x86.")

	cls := &testClass{}
	var pids []any
	dec := NewDecoder(&buf)
	dec.FindClass = func(module, name string) (any, error) {
		cls.module, cls.name = module, name
		return cls, nil
	}
	dec.PersistentLoad = func(pid any) (any, error) {
		pids = append(pids, pid)
		return "resolved", nil
	}

	v, err := dec.Decode()
	require.NoError(t, err)

	assert.Equal(t, "mod.sub", cls.module)
	assert.Equal(t, "Cls", cls.name)
	assert.Equal(t, 1, cls.calls)
	assert.Equal(t, []any{Tuple{"storage", "k0"}}, pids)

	tup := v.(Tuple)
	obj, ok := tup[0].(*testObject)
	require.True(t, ok)
	state, ok := obj.state.(*Dict)
	require.True(t, ok)
	k, _ := state.Get("k")
	assert.Equal(t, int64(1), k)
	assert.Equal(t, "resolved", tup[1])
	assert.Equal(t, 2, dec.Protocol())
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		stream  string
		wantErr error
	}{
		{"empty stream", "", io.ErrUnexpectedEOF},
		{"truncated before stop", "\x80\x02}", io.ErrUnexpectedEOF},
		{"truncated string", "\x80\x02X\x10\x00\x00\x00abc", io.ErrUnexpectedEOF},
		{"truncated large string", "\x80\x02X\x00\x00\xff\x7fabc", io.ErrUnexpectedEOF},
		{"oversized bytes8", "\x80\x04\x8e\xff\xff\xff\xff\xff\xff\xff\x7f.", ErrTooLarge},
		{"stop on empty stack", "\x80\x02.", ErrStackUnderflow},
		{"tuple without mark", "\x80\x02t.", ErrNoMark},
		{"memo miss", "\x80\x02h\x05.", ErrMemoMiss},
		{"unknown opcode", "\x80\x02\xff.", ErrUnsupportedOp},
		{"extension registry", "\x80\x02\x82\x01.", ErrUnsupportedOp},
		{"future protocol", "\x80\x09N.", ErrUnsupportedProto},
		{"global without resolver", "\x80\x02cfoo\nbar\n.", ErrNoClassResolver},
		{"persid without hook", "\x80\x02NQ.", ErrNoPersistentLoad},
		{"reduce non callable", "\x80\x02N)R.", ErrNotCallable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(bytes.NewReader([]byte(tt.stream))).Decode()
			require.Error(t, err)
			var perr *ParseError
			require.True(t, errors.As(err, &perr), "want *ParseError, got %T", err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecodeBuildWithoutSetter(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader([]byte("\x80\x02]Nb."))).Decode()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot BUILD")
	assert.Contains(t, err.Error(), "BUILD")
}

func TestParseErrorOffset(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader([]byte("\x80\x02NN\xff"))).Decode()

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, int64(4), perr.Offset)
	assert.Equal(t, Opcode(0xff), perr.Op)
}

func TestDecodeDeclaredLengthDoesNotPreallocate(t *testing.T) {
	// BINUNICODE announcing 2 GiB with three bytes behind it.
	stream := []byte("\x80\x02X\x00\x00\xff\x7fabc")
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	_, err := NewDecoder(bytes.NewReader(stream)).Decode()

	runtime.ReadMemStats(&after)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
}

func TestDecodeLargeItem(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 3*readChunk+17)
	stream := append([]byte("\x80\x03B"), binary.LittleEndian.AppendUint32(nil, uint32(len(payload)))...)
	stream = append(stream, payload...)
	stream = append(stream, '.')

	assert.Equal(t, payload, decode(t, stream))
}

func TestDecodeRepeatedDictKeyKeepsLastValue(t *testing.T) {
	stream := []byte("\x80\x02}(X\x01\x00\x00\x00aK\x01X\x01\x00\x00\x00bK\x02X\x01\x00\x00\x00aK\x03u.")

	d := decode(t, stream).(*Dict)

	assert.Equal(t, []any{"a", "b"}, d.Keys())
	v, _ := d.Get("a")
	assert.Equal(t, int64(3), v)
}

func TestDecodeUnhashableSetItem(t *testing.T) {
	// {b"hi"} as EMPTY_SET MARK SHORT_BINBYTES ADDITEMS.
	stream := []byte("\x80\x04\x8f(C\x02hi\x90.")

	s := decode(t, stream).(*Set)

	assert.Equal(t, []any{[]byte("hi")}, s.Items)
}

func TestDecodeZeroLengthLong(t *testing.T) {
	assert.Equal(t, int64(0), decode(t, []byte("\x80\x02\x8a\x00.")))
}
