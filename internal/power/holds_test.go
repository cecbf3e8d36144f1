package power

import (
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLock struct {
	backend *fakeBackend
	who     string
}

func (l *fakeLock) Close() error {
	l.backend.dropped = append(l.backend.dropped, l.who)
	return nil
}

type fakeBackend struct {
	taken   []string
	dropped []string
	err     error
}

func (b *fakeBackend) Take(who, why string) (io.Closer, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.taken = append(b.taken, who)
	return &fakeLock{backend: b, who: who}, nil
}

func newTestHolds() (*Holds, *fakeBackend) {
	backend := &fakeBackend{}
	return NewHolds(log.New(io.Discard, "", 0), backend), backend
}

func TestGoingIdleIsRefCounted(t *testing.T) {
	holds, backend := newTestHolds()

	holds.GoingIdle.Acquire()
	holds.GoingIdle.Acquire()
	assert.Equal(t, 2, holds.GoingIdle.Count())
	assert.Equal(t, []string{"doze-going-idle"}, backend.taken)

	holds.GoingIdle.Release()
	assert.True(t, holds.GoingIdle.Held())
	assert.Empty(t, backend.dropped)

	holds.GoingIdle.Release()
	assert.False(t, holds.GoingIdle.Held())
	assert.Equal(t, []string{"doze-going-idle"}, backend.dropped)
}

func TestActiveIdleIsNotRefCounted(t *testing.T) {
	holds, backend := newTestHolds()

	holds.ActiveIdle.Acquire()
	holds.ActiveIdle.Acquire()
	assert.Equal(t, 1, holds.ActiveIdle.Count())
	require.Len(t, backend.taken, 1)

	holds.ActiveIdle.Release()
	assert.False(t, holds.ActiveIdle.Held())
	assert.Len(t, backend.dropped, 1)
}

func TestReleaseUnheldIsIgnored(t *testing.T) {
	holds, backend := newTestHolds()

	holds.GoingIdle.Release()
	assert.Equal(t, 0, holds.GoingIdle.Count())
	assert.Empty(t, backend.dropped)
}

func TestBackendFailureStillCounts(t *testing.T) {
	holds, backend := newTestHolds()
	backend.err = errors.New("no bus")

	holds.GoingIdle.Acquire()
	assert.True(t, holds.GoingIdle.Held())

	holds.GoingIdle.Release()
	assert.False(t, holds.GoingIdle.Held())
	assert.Empty(t, backend.dropped)
}

func TestActiveAndClose(t *testing.T) {
	holds, backend := newTestHolds()

	holds.ActiveIdle.Acquire()
	holds.GoingIdle.Acquire()
	holds.GoingIdle.Acquire()
	assert.Equal(t, []string{"doze-active-idle-op", "doze-going-idle"}, holds.Active())

	holds.Close()
	assert.Empty(t, holds.Active())
	assert.Len(t, backend.dropped, 2)
}

func TestNilBackendOnlyCounts(t *testing.T) {
	holds := NewHolds(log.New(io.Discard, "", 0), nil)

	holds.GoingIdle.Acquire()
	assert.True(t, holds.GoingIdle.Held())
	holds.GoingIdle.Release()
	assert.False(t, holds.GoingIdle.Held())
}
