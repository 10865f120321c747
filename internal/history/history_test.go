package history

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sheerbytes/chunkline/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStartedThenFinished(t *testing.T) {
	s := openStore(t)
	tr := events.Transfer{File: "a.bin", Size: 43, Chunks: 4, Binding: "tcp", Peer: "127.0.0.1:5000", Direction: "send"}

	s.Started(tr)
	rec, err := s.Last()
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Contains(t, rec.String(), "(running)")

	s.Finished(tr, 250*time.Millisecond, nil)
	rec, err = s.Last()
	require.NoError(t, err)
	assert.Equal(t, StatusDone, rec.Status)
	assert.Equal(t, int64(250), rec.DurationMS)
	assert.Equal(t, 4, rec.Chunks)
	assert.NotZero(t, rec.FinishedAt)

	all, err := s.Recent(10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFinishedWithoutStart(t *testing.T) {
	s := openStore(t)
	tr := events.Transfer{File: "b.bin", Binding: "udp", Direction: "receive"}

	s.Finished(tr, time.Second, errors.New("no ack"))
	rec, err := s.Last()
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "no ack", rec.Error)
	assert.Contains(t, rec.String(), "FAILED: no ack")
}

func TestByFileAndOrdering(t *testing.T) {
	s := openStore(t)
	for i := 0; i < 3; i++ {
		tr := events.Transfer{File: "a.bin", Direction: "send"}
		s.Started(tr)
		s.Finished(tr, time.Duration(i)*time.Millisecond, nil)
	}
	s.Finished(events.Transfer{File: "other"}, 0, nil)

	recs, err := s.ByFile("a.bin")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, int64(i), r.DurationMS)
		assert.Equal(t, StatusDone, r.Status)
	}

	recent, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "other", recent[0].File)
}

func TestLastEmpty(t *testing.T) {
	s := openStore(t)
	_, err := s.Last()
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestStoreInMultiSink(t *testing.T) {
	s := openStore(t)
	sink := events.Multi(events.Discard, s)
	tr := events.Transfer{File: "c.bin", Direction: "receive"}
	events.Started(sink, tr)
	events.Finished(sink, tr, time.Millisecond, nil)

	rec, err := s.Last()
	require.NoError(t, err)
	assert.Equal(t, "c.bin", rec.File)
	assert.Equal(t, StatusDone, rec.Status)
}
