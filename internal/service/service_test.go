package service

import (
	"bytes"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/librescoot/doze-service/internal/alarm"
	"github.com/librescoot/doze-service/internal/constants"
	"github.com/librescoot/doze-service/internal/fsm"
	"github.com/librescoot/doze-service/internal/idle"
	"github.com/librescoot/doze-service/internal/inhibitor"
	"github.com/librescoot/doze-service/internal/power"
	"github.com/librescoot/doze-service/internal/store"
	"github.com/librescoot/doze-service/internal/whitelist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu        sync.Mutex
	hashes    map[string]map[string]string
	sets      map[string][]int
	published []string
	fail      error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string][]int),
	}
}

func (f *fakeSink) WriteHash(hash string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.hashes[hash] == nil {
		f.hashes[hash] = make(map[string]string)
	}
	for k, v := range fields {
		f.hashes[hash][k] = v
	}
	return nil
}

func (f *fakeSink) ReplaceHash(hash string, fields map[string]string, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[hash] = make(map[string]string, len(fields))
	for k, v := range fields {
		f.hashes[hash][k] = v
	}
	f.published = append(f.published, hash+" "+message)
	return nil
}

func (f *fakeSink) WriteSet(key string, members []int, channel, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[key] = append([]int(nil), members...)
	f.published = append(f.published, channel+" "+message)
	return nil
}

func (f *fakeSink) Publish(channel, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, channel+" "+message)
	return nil
}

func (f *fakeSink) field(hash, field string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashes[hash][field]
}

func (f *fakeSink) set(key string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets[key]
}

type fakeHardware struct {
	motions   int
	governors []string
}

func (h *fakeHardware) InjectMotion() error {
	h.motions++
	return nil
}

func (h *fakeHardware) SetCPUGovernor(governor string) error {
	h.governors = append(h.governors, governor)
	return nil
}

type testService struct {
	*Service
	sink     *fakeSink
	hw       *fakeHardware
	deepIdle []bool
}

func newTestService(t *testing.T) *testService {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	clock := alarm.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	alarms := alarm.NewManager(clock, logger)

	ts := &testService{sink: newFakeSink(), hw: &fakeHardware{}}
	publisher := NewPublisher(logger, ts.sink, func(on bool) { ts.deepIdle = append(ts.deepIdle, on) })
	holds := power.NewHolds(logger, nil)

	resolver := store.NewResolver(map[string]int{
		"modem-service":    1010,
		"com.example.mail": 10010,
	})

	controller := idle.New(idle.Options{
		Logger:         logger,
		Alarms:         alarms,
		Constants:      constants.Default(),
		Notifier:       publisher,
		Resolver:       resolver,
		Whitelist:      whitelist.New(map[string]int{"modem-service": 1010}, nil),
		GoingIdleHold:  holds.GoingIdle,
		ActiveIdleHold: holds.ActiveIdle,
		DeepEnabled:    true,
		LightEnabled:   true,
	})
	require.NoError(t, controller.Start())
	controller.Flush()
	t.Cleanup(controller.Close)

	ts.Service = &Service{
		logger:     logger,
		controller: controller,
		publisher:  publisher,
		sink:       ts.sink,
		hardware:   ts.hw,
		holds:      holds,
	}
	return ts
}

func TestStartPublishesState(t *testing.T) {
	ts := newTestService(t)

	assert.Equal(t, "active", ts.sink.field(StateHash, "deep"))
	assert.Equal(t, "active", ts.sink.field(StateHash, "light"))
	assert.Equal(t, "start", ts.sink.field(StateHash, "reason"))
	assert.Equal(t, []int{1010}, ts.sink.set(WhitelistKey))
}

func TestForceDeepIdleCommand(t *testing.T) {
	ts := newTestService(t)

	require.NoError(t, ts.handleCommand("force-idle:deep"))
	ts.controller.Flush()

	assert.Equal(t, "idle", ts.sink.field(StateHash, "deep"))
	assert.Equal(t, "on", ts.sink.field(StateHash, "deep-idle"))
	assert.Equal(t, []bool{true}, ts.deepIdle)
	assert.Contains(t, ts.sink.published, IdleChangedChannel+" deep")
	assert.False(t, ts.holds.GoingIdle.Held(), "released once the mode is applied")

	require.NoError(t, ts.handleCommand("unforce"))
	ts.controller.Flush()

	assert.Equal(t, "off", ts.sink.field(StateHash, "deep-idle"))
	assert.Equal(t, []bool{true, false}, ts.deepIdle)
	assert.Equal(t, "active", ts.sink.field(StateHash, "deep"))
	assert.Equal(t, "exit-force", ts.sink.field(StateHash, "reason"))
}

func TestExitIdleCommand(t *testing.T) {
	ts := newTestService(t)
	ts.controller.OnScreenChanged(false)
	_, _ = ts.controller.Step(fsm.ModeDeep)
	require.Equal(t, fsm.DeepIdlePending, ts.controller.DeepState())

	require.NoError(t, ts.handleCommand("exit-idle:button"))
	ts.controller.Flush()

	// Screen is still off, so the countdown starts over
	assert.Equal(t, fsm.DeepInactive, ts.controller.DeepState())
	assert.Equal(t, "inactive", ts.sink.field(StateHash, "reason"))
	assert.Empty(t, ts.deepIdle)
}

func TestForceLightIdleCommand(t *testing.T) {
	ts := newTestService(t)

	require.NoError(t, ts.handleCommand("force-idle:light"))
	ts.controller.Flush()

	assert.Equal(t, "on", ts.sink.field(StateHash, "light-idle"))
	assert.Empty(t, ts.deepIdle)

	deep, light := ts.publisher.Modes()
	assert.False(t, deep)
	assert.True(t, light)
}

func TestCommands(t *testing.T) {
	ts := newTestService(t)

	require.NoError(t, ts.handleCommand("disable:light"))
	_, light := ts.controller.Enabled()
	assert.False(t, light)
	require.NoError(t, ts.handleCommand("enable:light"))
	_, light = ts.controller.Enabled()
	assert.True(t, light)

	require.NoError(t, ts.handleCommand("force-inactive"))
	assert.Equal(t, fsm.DeepInactive, ts.controller.DeepState())
	require.NoError(t, ts.handleCommand("unforce"))
	assert.Equal(t, fsm.DeepActive, ts.controller.DeepState())

	require.NoError(t, ts.handleCommand("motion"))
	require.NoError(t, ts.handleCommand("governor:powersave"))
	assert.Equal(t, 1, ts.hw.motions)
	assert.Equal(t, []string{"powersave"}, ts.hw.governors)

	assert.Error(t, ts.handleCommand("step:sideways"))
	assert.Error(t, ts.handleCommand("reboot"))
}

func TestForceIdleDisabledCommand(t *testing.T) {
	ts := newTestService(t)

	require.NoError(t, ts.handleCommand("disable:deep"))
	err := ts.handleCommand("force-idle:deep")
	assert.True(t, errors.Is(err, idle.ErrDisabled))
}

func TestCommandsWithoutHardware(t *testing.T) {
	ts := newTestService(t)
	ts.hardware = nil

	assert.ErrorIs(t, ts.handleCommand("motion"), errNoHardware)
}

func TestHoldsFeedController(t *testing.T) {
	ts := newTestService(t)

	ts.onHoldsChanged(inhibitor.Summary{Jobs: 1, Ops: 2})
	st := ts.controller.Status()
	assert.True(t, st.JobsActive)
	assert.False(t, st.AlarmsActive)
	assert.Equal(t, 2, st.ActiveIdleOps)

	ts.onHoldsChanged(inhibitor.Summary{Alarms: 1})
	st = ts.controller.Status()
	assert.False(t, st.JobsActive)
	assert.True(t, st.AlarmsActive)
	assert.Equal(t, 0, st.ActiveIdleOps)
}

func TestPublishHolds(t *testing.T) {
	ts := newTestService(t)

	ts.publishHolds([]inhibitor.Hold{
		{ID: "conn:1", Who: "update-service", What: inhibitor.KindJobs, Why: "downloading"},
	})
	assert.Equal(t, "jobs", ts.sink.field(BusyServicesHash, "update-service downloading conn:1"))
	assert.Contains(t, ts.sink.published, BusyServicesHash+" updated")
}

func TestWhitelistRequests(t *testing.T) {
	ts := newTestService(t)

	require.NoError(t, ts.onWhitelistRequest([]byte(`{"action":"add","package":"com.example.mail"}`)))
	ts.controller.Flush()
	assert.Equal(t, []string{"com.example.mail"}, ts.controller.Whitelist().User)
	assert.Equal(t, []int{1010, 10010}, ts.sink.set(WhitelistKey))

	require.NoError(t, ts.onWhitelistRequest([]byte(`{"action":"temp","package":"com.example.mail","duration":30000,"reason":"push"}`)))
	ts.controller.Flush()
	assert.True(t, ts.controller.IsTempWhitelisted(10010))
	assert.Equal(t, []int{10010}, ts.sink.set(TempWhitelistKey))

	require.NoError(t, ts.onWhitelistRequest([]byte(`{"action":"remove-system","package":"modem-service"}`)))
	assert.Equal(t, []string{"modem-service"}, ts.controller.Whitelist().Removed)

	assert.Error(t, ts.onWhitelistRequest([]byte(`{"action":"add","package":"com.unknown"}`)))
}

func TestParseWhitelistRequest(t *testing.T) {
	tests := []struct {
		name string
		data string
		ok   bool
	}{
		{"add", `{"action":"add","package":"a"}`, true},
		{"reset", `{"action":"reset-system"}`, true},
		{"message", `{"action":"temp-message","package":"a","message":"mms"}`, true},
		{"missing package", `{"action":"add"}`, false},
		{"temp without duration", `{"action":"temp","package":"a"}`, false},
		{"bad message kind", `{"action":"temp-message","package":"a","message":"fax"}`, false},
		{"unknown action", `{"action":"wipe"}`, false},
		{"extra field", `{"action":"reset-system","force":true}`, false},
		{"negative duration", `{"action":"temp","package":"a","duration":-1}`, false},
		{"not json", `add a`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWhitelistRequest([]byte(tt.data))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSignalMapping(t *testing.T) {
	assert.True(t, screenOn("on"))
	assert.False(t, screenOn("off"))
	assert.True(t, charging("charging"))
	assert.False(t, charging("not-charging"))
	assert.True(t, keyguardLocked("stand-by"))
	assert.False(t, keyguardLocked("ready-to-drive"))
	assert.False(t, keyguardLocked("parked"))
	assert.True(t, connected("connected"))
	assert.False(t, connected("disconnected"))
}

func TestPublisherLogsSinkFailure(t *testing.T) {
	var buf bytes.Buffer
	sink := newFakeSink()
	sink.fail = errors.New("redis down")
	p := NewPublisher(log.New(&buf, "", 0), sink, nil)

	assert.True(t, p.SetLightIdle(true))
	assert.False(t, p.SetLightIdle(true))
	assert.Contains(t, buf.String(), "Failed to publish idle state: redis down")
}

func TestDump(t *testing.T) {
	ts := newTestService(t)

	var buf bytes.Buffer
	ts.Dump(&buf)
	out := buf.String()
	assert.Contains(t, out, "Work holds:")
	assert.Contains(t, out, "Resource holds: []")
	assert.Contains(t, out, "Applied modes: deep=off light=off")
}
