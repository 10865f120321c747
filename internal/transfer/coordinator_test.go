package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/chunkline/internal/chunk"
	"github.com/sheerbytes/chunkline/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	lines    []string
	progress []events.Progress
}

func (r *recordingSink) Log(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *recordingSink) Progress(p events.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recordingSink) last() events.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress[len(r.progress)-1]
}

// linkPair assembles a client and server link over an in-memory connection.
func linkPair(t *testing.T, chunks int) (client, server *Link) {
	t.Helper()
	dialer, listener := NewMockPair()
	a, cancel := serveAssembler(t, listener)
	t.Cleanup(cancel)

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	client, err := OpenLink(ctx, dialer, chunks)
	require.NoError(t, err)
	select {
	case server = <-a.Links():
	case <-ctx.Done():
		t.Fatal("link never assembled")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func streamSender(link *Link) SendFunc {
	return func(ctx context.Context, src string, d chunk.Descriptor, report func(int64)) error {
		return SendRange(ctx, link.Data[d.Index], src, int64(d.Start), int64(d.Size), report)
	}
}

func streamReceivers(link *Link, s *Session) []ReceiveFunc {
	var out []ReceiveFunc
	for _, d := range chunk.NonEmpty(s.Plan) {
		out = append(out, func(ctx context.Context, s *Session) error {
			if _, err := s.Claim(d.Index); err != nil {
				return err
			}
			data, err := RecvExact(ctx, link.Data[d.Index], int64(d.Size), s.Reporter(d.Index))
			if err != nil {
				return err
			}
			return s.Complete(d.Index, data)
		})
	}
	return out
}

func TestCoordinatorStreamTransfer(t *testing.T) {
	content := []byte("The quick brown fox jumps over the lazy dog")
	require.Len(t, content, 43)
	src := writeTempFile(t, content)

	for _, n := range []int{1, 4, 7} {
		t.Run(fmt.Sprintf("chunks=%d", n), func(t *testing.T) {
			client, server := linkPair(t, n)
			plan, err := chunk.Plan(43, uint32(n))
			require.NoError(t, err)

			recvSink := &recordingSink{}
			sendSink := &recordingSink{}
			recv := NewCoordinator(nil, recvSink)
			send := NewCoordinator(nil, sendSink)

			session, err := NewSession("a.txt", 43, n)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			sendErr := make(chan error, 1)
			go func() { sendErr <- send.Send(ctx, "a.txt", src, plan, streamSender(server)) }()

			dst := filepath.Join(t.TempDir(), "a.txt")
			require.NoError(t, recv.Receive(ctx, session, streamReceivers(client, session), dst))
			require.NoError(t, <-sendErr)

			got, err := os.ReadFile(dst)
			require.NoError(t, err)
			assert.Equal(t, content, got)

			final := recvSink.last()
			assert.True(t, final.Done)
			require.Len(t, final.Chunks, n)
			for _, c := range final.Chunks {
				assert.True(t, c.Done)
				assert.InDelta(t, 100.0, c.Percent, 0.001)
			}
			assert.Equal(t, int64(43), final.Stats.BytesDone)
			assert.True(t, sendSink.last().Done)
		})
	}
}

func TestCoordinatorSmallerThanChunkCount(t *testing.T) {
	client, server := linkPair(t, 4)
	src := writeTempFile(t, []byte("ab"))
	plan, err := chunk.Plan(2, 4)
	require.NoError(t, err)

	session, err := NewSession("ab", 2, 4)
	require.NoError(t, err)
	workers := streamReceivers(client, session)
	assert.Len(t, workers, 1, "only the last chunk carries data")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = NewCoordinator(nil, nil).Send(ctx, "ab", src, plan, streamSender(server)) }()

	dst := filepath.Join(t.TempDir(), "ab")
	require.NoError(t, NewCoordinator(nil, nil).Receive(ctx, session, workers, dst))
	got, _ := os.ReadFile(dst)
	assert.Equal(t, "ab", string(got))
}

func TestCoordinatorZeroSize(t *testing.T) {
	session, err := NewSession("empty", 0, 4)
	require.NoError(t, err)
	plan, _ := chunk.Plan(0, 4)

	calls := 0
	send := func(context.Context, string, chunk.Descriptor, func(int64)) error {
		calls++
		return nil
	}
	require.NoError(t, NewCoordinator(nil, nil).Send(context.Background(), "empty", "unused", plan, send))
	assert.Zero(t, calls)

	dst := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, NewCoordinator(nil, nil).Receive(context.Background(), session, nil, dst))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestCoordinatorFailureLeavesNoOutput(t *testing.T) {
	session, err := NewSession("f", 40, 4)
	require.NoError(t, err)

	boom := errors.New("lane reset")
	var workers []ReceiveFunc
	for i := range 4 {
		workers = append(workers, func(ctx context.Context, s *Session) error {
			if i == 2 {
				return boom
			}
			<-ctx.Done()
			return ctx.Err()
		})
	}

	sink := &recordingSink{}
	dst := filepath.Join(t.TempDir(), "f")
	err = NewCoordinator(nil, sink).Receive(context.Background(), session, workers, dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransferFailed))
	assert.True(t, errors.Is(err, boom), "the root cause wins over cancellations")
	assert.False(t, sink.last().Done)

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCoordinatorWorkersLeaveChunksOutstanding(t *testing.T) {
	session, err := NewSession("f", 40, 4)
	require.NoError(t, err)
	workers := []ReceiveFunc{func(context.Context, *Session) error { return nil }}

	err = NewCoordinator(nil, nil).Receive(context.Background(), session, workers, filepath.Join(t.TempDir(), "f"))
	assert.True(t, errors.Is(err, ErrTransferFailed))
}

func TestCoordinatorSendFailure(t *testing.T) {
	plan, _ := chunk.Plan(40, 4)
	boom := errors.New("no route")
	send := func(ctx context.Context, _ string, d chunk.Descriptor, _ func(int64)) error {
		if d.Index == 0 {
			return boom
		}
		return nil
	}
	err := NewCoordinator(nil, nil).Send(context.Background(), "f", "unused", plan, send)
	assert.True(t, errors.Is(err, ErrTransferFailed))
	assert.True(t, errors.Is(err, boom))
}

func TestCoordinatorReportsPeriodically(t *testing.T) {
	session, err := NewSession("f", 10, 1)
	require.NoError(t, err)
	sink := &recordingSink{}
	c := NewCoordinator(nil, sink)
	c.SetReportInterval(5 * time.Millisecond)

	workers := []ReceiveFunc{func(ctx context.Context, s *Session) error {
		if _, err := s.Claim(0); err != nil {
			return err
		}
		s.Reporter(0)(5)
		time.Sleep(40 * time.Millisecond)
		return s.Complete(0, make([]byte, 10))
	}}
	require.NoError(t, c.Receive(context.Background(), session, workers, filepath.Join(t.TempDir(), "f")))

	sink.mu.Lock()
	n := len(sink.progress)
	sink.mu.Unlock()
	assert.Greater(t, n, 1)
	assert.True(t, sink.last().Done)
}
