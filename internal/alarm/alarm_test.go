package alarm_test

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/doze-service/internal/alarm"
)

var epoch = time.Unix(1_000_000, 0)

func newManager(sources ...alarm.WakeSource) (*alarm.Manager, *alarm.ManualClock) {
	clock := alarm.NewManualClock(epoch)
	return alarm.NewManager(clock, log.New(io.Discard, "", 0), sources...), clock
}

func TestManualClockFiresInOrder(t *testing.T) {
	clock := alarm.NewManualClock(epoch)
	var fired []string

	clock.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	clock.AfterFunc(time.Second, func() {
		fired = append(fired, "a")
		clock.AfterFunc(time.Second, func() { fired = append(fired, "b") })
	})
	stopped := clock.AfterFunc(2500*time.Millisecond, func() { fired = append(fired, "x") })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	clock.Advance(10 * time.Second)

	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, epoch.Add(10*time.Second), clock.Now())
	assert.Equal(t, 0, clock.Pending())
}

func TestManagerReplacesNamedAlarm(t *testing.T) {
	m, clock := newManager()
	var fired []time.Time

	m.Set("deep", epoch.Add(10*time.Second), alarm.KindExact, func() { fired = append(fired, clock.Now()) })
	m.Set("deep", epoch.Add(20*time.Second), alarm.KindIdleUntil, func() { fired = append(fired, clock.Now()) })

	deadline, ok := m.Deadline("deep")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(20*time.Second), deadline)

	clock.Advance(time.Minute)
	assert.Equal(t, []time.Time{epoch.Add(20 * time.Second)}, fired)

	_, ok = m.Deadline("deep")
	assert.False(t, ok)
}

func TestManagerCancel(t *testing.T) {
	m, clock := newManager()
	fired := false

	m.Set("light", epoch.Add(time.Second), alarm.KindExact, func() { fired = true })
	assert.True(t, m.Cancel("light"))
	assert.False(t, m.Cancel("light"))

	clock.Advance(time.Minute)
	assert.False(t, fired)
}

func TestManagerDump(t *testing.T) {
	m, _ := newManager()
	m.Set("sensing", epoch.Add(4*time.Minute), alarm.KindExact, func() {})
	m.Set("deep", epoch.Add(time.Hour), alarm.KindIdleUntil, func() {})

	var sb strings.Builder
	m.Dump(&sb)
	assert.Equal(t, "    deep: in 1h0m0s (idle-until)\n    sensing: in 4m0s (exact)\n", sb.String())

	m.Close()
	sb.Reset()
	m.Dump(&sb)
	assert.Empty(t, sb.String())
}

func TestNextWakePicksSoonest(t *testing.T) {
	none := alarm.WakeFunc(func() (time.Duration, bool) { return 0, false })
	m, clock := newManager(none)

	_, ok := m.NextWake()
	assert.False(t, ok)

	m.AddSource(alarm.WakeFunc(func() (time.Duration, bool) { return 2 * time.Hour, true }))
	m.AddSource(alarm.WakeFunc(func() (time.Duration, bool) { return 90 * time.Minute, true }))

	clock.Advance(time.Minute)
	next, ok := m.NextWake()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(91*time.Minute), next)
}

func TestRTCWakeSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wakealarm")
	logger := log.New(io.Discard, "", 0)

	src := alarm.NewRTCWakeSource(path, logger)
	_, ok := src.UntilWake()
	assert.False(t, ok)

	at := time.Now().Add(2 * time.Hour).Unix()
	require.NoError(t, os.WriteFile(path, []byte(strconv.FormatInt(at, 10)+"\n"), 0644))
	src.Refresh()

	until, ok := src.UntilWake()
	require.True(t, ok)
	assert.InDelta(t, (2 * time.Hour).Seconds(), until.Seconds(), 5)

	require.NoError(t, os.WriteFile(path, []byte("\n"), 0644))
	src.Refresh()
	_, ok = src.UntilWake()
	assert.False(t, ok)
}

func TestRTCWakeSourceIgnoresPastAlarm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wakealarm")
	at := time.Now().Add(-time.Hour).Unix()
	require.NoError(t, os.WriteFile(path, []byte(strconv.FormatInt(at, 10)+"\n"), 0644))

	src := alarm.NewRTCWakeSource(path, log.New(io.Discard, "", 0))
	_, ok := src.UntilWake()
	assert.False(t, ok)
}

func TestNextWakeSkipsPastSources(t *testing.T) {
	past := alarm.WakeFunc(func() (time.Duration, bool) { return -time.Hour, true })
	m, _ := newManager(past)

	_, ok := m.NextWake()
	assert.False(t, ok)

	m.AddSource(alarm.WakeFunc(func() (time.Duration, bool) { return 2 * time.Hour, true }))
	next, ok := m.NextWake()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(2*time.Hour), next)
}
