package idle

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/doze-service/internal/constants"
	"github.com/librescoot/doze-service/internal/fsm"
)

func TestChargingKeepsDeviceActive(t *testing.T) {
	h := newHarness(t, nil)

	h.c.OnScreenChanged(false)
	require.Equal(t, fsm.DeepInactive, h.c.DeepState())

	h.c.OnChargingChanged(true)
	assert.Equal(t, fsm.DeepActive, h.c.DeepState())
	assert.Equal(t, fsm.LightActive, h.c.LightState())
	latest, _ := h.c.history.Latest()
	assert.Equal(t, "charging", latest.Reason)

	h.c.OnChargingChanged(false)
	assert.Equal(t, fsm.DeepInactive, h.c.DeepState())
	assert.Equal(t, fsm.LightInactive, h.c.LightState())
}

func TestScreenOnWaitsForUnlock(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		consts := constants.Default()
		consts.WaitForUnlock = true
		o.Constants = consts
	})

	h.c.OnKeyguardChanged(true)
	h.c.OnScreenChanged(false)
	require.Equal(t, fsm.DeepInactive, h.c.DeepState())

	h.c.OnScreenChanged(true)
	assert.Equal(t, fsm.DeepInactive, h.c.DeepState())

	h.c.OnKeyguardChanged(false)
	assert.Equal(t, fsm.DeepActive, h.c.DeepState())
	latest, _ := h.c.history.Latest()
	assert.Equal(t, "unlocked", latest.Reason)
}

func TestScreenOnIgnoresLockByDefault(t *testing.T) {
	h := newHarness(t, nil)

	h.c.OnKeyguardChanged(true)
	h.c.OnScreenChanged(false)
	h.c.OnScreenChanged(true)
	assert.Equal(t, fsm.DeepActive, h.c.DeepState())
	latest, _ := h.c.history.Latest()
	assert.Equal(t, "screen", latest.Reason)
}

func TestForceInactiveIgnoresScreen(t *testing.T) {
	h := newHarness(t, nil)

	deep, light := h.c.ForceInactive()
	assert.Equal(t, fsm.DeepInactive, deep)
	assert.Equal(t, fsm.LightInactive, light)

	// Screen changes do not count while forced
	h.c.OnScreenChanged(true)
	assert.Equal(t, fsm.DeepInactive, h.c.DeepState())

	deep, light = h.c.Unforce()
	assert.Equal(t, fsm.DeepActive, deep)
	assert.Equal(t, fsm.LightActive, light)
}

func TestExitIdle(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.c.ForceIdle(fsm.ModeDeep))
	h.c.Unforce()
	h.c.OnScreenChanged(false)
	require.NoError(t, h.c.ForceIdle(fsm.ModeDeep))

	h.c.ExitIdle("sync")
	st := h.c.Status()
	// Forced idle still holds, so the countdown starts over
	assert.Equal(t, fsm.DeepInactive, st.Deep)
	assert.Equal(t, fsm.LightInactive, st.Light)

	found := false
	for _, r := range h.c.History() {
		if r.Reason == "sync" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMaintenanceListeners(t *testing.T) {
	h := newHarness(t, nil)

	var got []bool
	id, active := h.c.RegisterMaintenanceListener(func(active bool) {
		got = append(got, active)
	})
	assert.False(t, active)

	h.c.SetJobsActive(true)
	h.c.SetJobsActive(true)
	h.c.Flush()
	assert.Equal(t, []bool{true}, got)

	h.c.UnregisterMaintenanceListener(id)
	h.c.SetJobsActive(false)
	h.c.Flush()
	assert.Equal(t, []bool{true}, got)
	assert.Equal(t, []bool{true, false}, h.notifier.activity)
}

func TestJobsFinishingEndsDeepMaintenance(t *testing.T) {
	h := newHarness(t, deepOnly)

	require.NoError(t, h.c.ForceIdle(fsm.ModeDeep))
	h.c.SetJobsActive(true)
	h.c.Step(fsm.ModeDeep)
	h.c.Flush()
	require.Equal(t, fsm.DeepIdleMaintenance, h.c.DeepState())

	h.at(30 * time.Second)
	assert.Equal(t, fsm.DeepIdleMaintenance, h.c.DeepState())

	h.c.SetJobsActive(false)
	assert.Equal(t, fsm.DeepIdle, h.c.DeepState())
}

func TestConstantsUpdateAppliesToNextStep(t *testing.T) {
	h := newHarness(t, deepOnly)

	consts := constants.Default()
	consts.IdleAfterInactiveTimeout = time.Minute
	h.c.UpdateConstants(consts)
	assert.Equal(t, time.Minute, h.c.Constants().IdleAfterInactiveTimeout)

	h.c.ForceInactive()
	h.c.Step(fsm.ModeDeep)
	d, ok := h.deadline(alarmDeep)
	require.True(t, ok)
	assert.Equal(t, time.Minute, d)
}

func TestDump(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.c.ForceIdle(fsm.ModeDeep))
	h.c.AddTempWhitelist(1000, time.Minute, "sync")

	var buf bytes.Buffer
	h.c.Dump(&buf)
	out := buf.String()
	assert.Contains(t, out, "deep: idle enabled=true")
	assert.Contains(t, out, "light: override enabled=true")
	assert.Contains(t, out, "    deep: in 1h0m0s (idle-until)")
	assert.Contains(t, out, "    1000: 1m0s left (sync)")
	assert.Contains(t, out, "deep-idle")
	assert.Contains(t, out, "inactive_to=1800000")
}
