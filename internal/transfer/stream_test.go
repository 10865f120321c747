package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func patterned(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*31 + i/251)
	}
	return out
}

func TestSendRangeWritesExactSlice(t *testing.T) {
	data := patterned(200_000)
	path := writeTempFile(t, data)

	var buf bytes.Buffer
	var last int64
	err := SendRange(context.Background(), &buf, path, 1234, 150_000, func(sent int64) { last = sent })
	require.NoError(t, err)
	assert.Equal(t, data[1234:1234+150_000], buf.Bytes())
	assert.Equal(t, int64(150_000), last)
}

func TestSendRangeShortSource(t *testing.T) {
	path := writeTempFile(t, patterned(100))

	err := SendRange(context.Background(), io.Discard, path, 50, 100, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO))
}

func TestSendRangeMissingFile(t *testing.T) {
	err := SendRange(context.Background(), io.Discard, filepath.Join(t.TempDir(), "nope"), 0, 10, nil)
	assert.True(t, errors.Is(err, ErrIO))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestSendRangeWriteFailure(t *testing.T) {
	path := writeTempFile(t, patterned(100))
	err := SendRange(context.Background(), failingWriter{}, path, 0, 100, nil)
	assert.True(t, errors.Is(err, ErrIO))
}

func TestSendRangeZeroSize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendRange(context.Background(), &buf, "does-not-matter", 0, 0, nil))
	assert.Zero(t, buf.Len())
}

func TestRecvExactReadsAcrossPieces(t *testing.T) {
	data := patterned(300_000)
	got, err := RecvExact(context.Background(), io.MultiReader(
		bytes.NewReader(data[:7]),
		bytes.NewReader(data[7:100_000]),
		bytes.NewReader(data[100_000:]),
	), int64(len(data)), nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRecvExactLeavesTrailingBytes(t *testing.T) {
	r := bytes.NewReader([]byte("0123456789tail"))
	got, err := RecvExact(context.Background(), r, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))

	rest, _ := io.ReadAll(r)
	assert.Equal(t, "tail", string(rest))
}

func TestRecvExactTruncated(t *testing.T) {
	_, err := RecvExact(context.Background(), bytes.NewReader([]byte("short")), 10, nil)
	assert.True(t, errors.Is(err, ErrTruncatedTransfer))
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestRecvExactConnectionLost(t *testing.T) {
	_, err := RecvExact(context.Background(), brokenReader{}, 10, nil)
	assert.True(t, errors.Is(err, ErrConnectionLost))
}

func TestRecvExactZero(t *testing.T) {
	got, err := RecvExact(context.Background(), brokenReader{}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStreamRoundTripOverPipe(t *testing.T) {
	data := patterned(1 << 20)
	path := writeTempFile(t, data)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- SendRange(ctx, a, path, 4096, 500_000, nil) }()

	got, err := RecvExact(ctx, b, 500_000, nil)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, data[4096:4096+500_000], got)
}
