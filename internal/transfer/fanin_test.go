package transfer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanInMergesConnections(t *testing.T) {
	fan := NewFanIn(pipeAddr("fan"))
	defer fan.Close()

	d1, l1 := NewMockPair()
	d2, l2 := NewMockPair()
	fan.Add(l1)
	fan.Add(l2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, d := range []*MockConn{d1, d2} {
		s, err := d.OpenStream(ctx)
		require.NoError(t, err)
		go func(s Stream) {
			_, _ = s.Write([]byte("x"))
			s.Close()
		}(s)
	}

	for i := 0; i < 2; i++ {
		s, err := fan.AcceptStream(ctx)
		require.NoError(t, err)
		got, err := io.ReadAll(s)
		require.NoError(t, err)
		assert.Equal(t, "x", string(got))
	}
	assert.Equal(t, "fan", fan.RemoteAddr().String())
}

func TestFanInClose(t *testing.T) {
	fan := NewFanIn(pipeAddr("fan"))
	_, l := NewMockPair()
	fan.Add(l)
	require.NoError(t, fan.Close())

	_, err := fan.AcceptStream(context.Background())
	assert.Error(t, err)

	_, err = l.AcceptStream(context.Background())
	assert.Error(t, err, "added connections close with the fan-in")

	_, late := NewMockPair()
	fan.Add(late)
	_, err = late.AcceptStream(context.Background())
	assert.Error(t, err)
}

func TestFanInFail(t *testing.T) {
	fan := NewFanIn(pipeAddr("fan"))
	defer fan.Close()
	boom := errors.New("listener died")
	go fan.Fail(boom)

	_, err := fan.AcceptStream(context.Background())
	assert.ErrorIs(t, err, boom)

	_, err = fan.OpenStream(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
}
