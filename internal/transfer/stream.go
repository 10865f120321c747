package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sheerbytes/chunkline/internal/bufpool"
)

const streamBufferSize = 64 * 1024

var streamBuffers = bufpool.New(streamBufferSize)

// SendRange writes exactly size bytes of path starting at start to w.
// report, when non-nil, receives the running byte count.
func SendRange(ctx context.Context, w io.Writer, path string, start, size int64, report func(sent int64)) error {
	if size == 0 {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: failed to open source: %w", ErrIO, err)
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("%w: failed to seek to %d: %w", ErrIO, start, err)
	}

	buf := streamBuffers.Get()
	defer streamBuffers.Put(buf)

	var sent int64
	for sent < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int64(len(buf))
		if rest := size - sent; rest < n {
			n = rest
		}
		read, err := io.ReadFull(f, buf[:n])
		if err != nil {
			return fmt.Errorf("%w: short read at offset %d: %w", ErrIO, start+sent, err)
		}
		if _, err := w.Write(buf[:read]); err != nil {
			return fmt.Errorf("%w: failed to write chunk data: %w", ErrIO, err)
		}
		sent += int64(read)
		if report != nil {
			report(sent)
		}
	}
	return nil
}

// RecvExact reads exactly size bytes from r. A stream that ends early fails
// with ErrTruncatedTransfer; any other read error is ErrConnectionLost.
func RecvExact(ctx context.Context, r io.Reader, size int64, report func(received int64)) ([]byte, error) {
	data := make([]byte, size)
	var got int64
	for got < size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := got + streamBufferSize
		if end > size {
			end = size
		}
		n, err := r.Read(data[got:end])
		if n > 0 {
			got += int64(n)
			if report != nil {
				report(got)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if got < size {
				return nil, fmt.Errorf("%w: got %d of %d bytes", ErrTruncatedTransfer, got, size)
			}
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return data, nil
}
