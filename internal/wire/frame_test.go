package wire

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// truncatingReader returns a short, non-EOF read once, then forwards to the
// underlying reader. It simulates a fault mid-payload (P5).
type truncatingReader struct {
	r        io.Reader
	budget   int
	tripped  bool
	shortErr error
}

func (t *truncatingReader) Read(p []byte) (int, error) {
	if !t.tripped {
		t.tripped = true
		if len(p) > t.budget {
			p = p[:t.budget]
		}
		n, err := t.r.Read(p)
		if err == nil && t.shortErr != nil {
			err = t.shortErr
		}
		return n, err
	}
	return t.r.Read(p)
}

func encodedDataFrame(t *testing.T, counter uint64, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := bufio.NewWriterSize(&buf, MaxHeaderSize+len(payload))
	require.NoError(t, EncodeData(bw, counter, payload))
	return buf.Bytes()
}

// P1: frame round-trip for DATA.
func TestDataRoundTrip(t *testing.T) {
	cases := [][]byte{
		{0xDE, 0xAD, 0xBE, 0xEF},
		[]byte("a"),
		bytes.Repeat([]byte{0x42}, DefaultBufSize),
	}
	for _, payload := range cases {
		wireBytes := encodedDataFrame(t, 7, payload)

		buf := make([]byte, DefaultBufSize)
		d, err := DecodeFrame(bytes.NewReader(wireBytes), buf)
		require.NoError(t, err)

		assert.Equal(t, TypeData, d.Type)
		assert.Equal(t, uint64(7), d.Counter)
		assert.Equal(t, len(payload), d.N)
		assert.Equal(t, payload, buf[:d.N])
	}
}

// Exact on-wire byte layout from spec scenario 1: type=1, length=4,
// counter=1, DE AD BE EF.
func TestDataOnWireLayout(t *testing.T) {
	got := encodedDataFrame(t, 1, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	want := []byte{
		0, 0, 0, 1, // type = 1
		0, 0, 0, 4, // length = 4
		0, 0, 0, 0, 0, 0, 0, 1, // counter = 1
		0xDE, 0xAD, 0xBE, 0xEF,
	}
	assert.Equal(t, want, got)
}

// P2: EXIT round-trip.
func TestExitRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeExit(&buf, ExitReasonNormal))

	d, err := DecodeFrame(&buf, make([]byte, DefaultBufSize))
	require.NoError(t, err)
	assert.Equal(t, TypeExit, d.Type)
	assert.Equal(t, ExitReasonNormal, d.Reason)
}

func TestExitOnWireLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeExit(&buf, 0))
	assert.Equal(t, []byte{0, 0, 0, 2, 0, 0, 0, 0}, buf.Bytes())
}

// P4: counters are carried byte-exact and not reinterpreted by the decoder;
// monotonicity itself is an engine-level property (see internal/engine).
func TestCounterCarriedByteExact(t *testing.T) {
	wireBytes := encodedDataFrame(t, 42, []byte{1})
	d, err := DecodeFrame(bytes.NewReader(wireBytes), make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), d.Counter)
}

// P7: unknown frame type is fatal.
func TestUnknownFrameTypeIsFatal(t *testing.T) {
	var buf bytes.Buffer
	var typeField [4]byte
	typeField[3] = 7
	buf.Write(typeField[:])

	_, err := DecodeFrame(&buf, make([]byte, 16))
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

// A non-zero EXIT reason is a protocol error (scenario 6).
func TestNonZeroExitReasonIsFatal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeExit(&buf, 1))

	_, err := DecodeFrame(&buf, make([]byte, 16))
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

// P8: oversize length is fatal, before any payload is handed to a caller.
func TestOversizeLengthIsFatal(t *testing.T) {
	wireBytes := encodedDataFrame(t, 1, make([]byte, 64))
	smallBuf := make([]byte, 8)

	_, err := DecodeFrame(bytes.NewReader(wireBytes), smallBuf)
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

// P5: a fault injected mid-payload errors the decode rather than handing
// back a partial frame.
func TestShortReadMidPayloadErrors(t *testing.T) {
	wireBytes := encodedDataFrame(t, 1, bytes.Repeat([]byte{0xAA}, 100))
	// Only the header and the first 10 payload bytes ever arrive.
	tr := &truncatingReader{r: bytes.NewReader(wireBytes[:MaxHeaderSize+10]), budget: 10}

	_, err := DecodeFrame(tr, make([]byte, DefaultBufSize))
	// io.ReadFull surfaces io.ErrUnexpectedEOF once the underlying reader
	// runs dry mid-payload; this must error, never silently yield a
	// partial Decoded value.
	require.Error(t, err)
}

func TestEncodeDataPropagatesWriteError(t *testing.T) {
	err := EncodeData(failingWriter{}, 1, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestEncodeExitPropagatesWriteError(t *testing.T) {
	err := EncodeExit(failingWriter{}, 0)
	require.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
