package idle

import (
	"time"

	"github.com/librescoot/doze-service/internal/alarm"
	"github.com/librescoot/doze-service/internal/fsm"
	"github.com/librescoot/doze-service/internal/history"
)

// scaleDelay multiplies d by factor and clamps the result to [lo, hi].
func scaleDelay(d time.Duration, factor float64, lo, hi time.Duration) time.Duration {
	return clampDelay(time.Duration(float64(d)*factor), lo, hi)
}

func clampDelay(d, lo, hi time.Duration) time.Duration {
	if d > hi {
		d = hi
	}
	if d < lo {
		d = lo
	}
	return d
}

func (c *Controller) resetIdleManagementLocked() {
	c.nextIdlePendingDelay = c.consts.IdlePendingTimeout
	c.nextIdleDelay = c.consts.IdleTimeout
	c.cancelDeepAlarmLocked()
	c.cancelSensingTimeoutLocked()
	c.cancelLocatingLocked()
	c.stopMonitoringMotionLocked()
	c.stopAnyMotionLocked()
}

// becomeActiveLocked drops both machines back to ACTIVE.
func (c *Controller) becomeActiveLocked(reason string) {
	if c.deepState == fsm.DeepActive && c.lightState == fsm.LightActive {
		c.nextIdlePendingDelay = c.consts.IdlePendingTimeout
		c.nextIdleDelay = c.consts.IdleTimeout
		c.nextLightIdleDelay = c.consts.LightIdleTimeout
		return
	}

	c.logger.Printf("Becoming active: %s", reason)
	c.post(func() { c.reportActive(reason) })
	c.setDeepLocked(fsm.DeepActive, reason)
	c.setLightLocked(fsm.LightActive, reason)
	c.inactiveTimeout = c.consts.InactiveTimeout
	c.curIdleBudget = 0
	c.maintenanceStart = time.Time{}
	c.resetIdleManagementLocked()
	c.resetLightIdleManagementLocked()
	c.history.Add(history.CodeNormal, c.now(), reason)
}

// becomeInactiveIfAppropriateLocked starts the idle countdown of every
// enabled machine once the screen is off and power is unplugged, or
// unconditionally while idle is being forced.
func (c *Controller) becomeInactiveIfAppropriateLocked() {
	if c.closed {
		return
	}
	if !(c.forceIdle || (!c.screenOn && !c.charging)) {
		return
	}

	if c.deepState == fsm.DeepActive && c.deepEnabled {
		c.setDeepLocked(fsm.DeepInactive, "inactive")
		c.resetIdleManagementLocked()
		c.scheduleDeepAlarmLocked(c.inactiveTimeout, alarm.KindExact)
	}
	if c.lightState == fsm.LightActive && c.lightEnabled {
		c.setLightLocked(fsm.LightInactive, "inactive")
		c.resetLightIdleManagementLocked()
		c.scheduleLightAlarmLocked(c.consts.LightIdleAfterInactiveTimeout)
	}
}

// stepDeepLocked advances the deep machine by one state.
func (c *Controller) stepDeepLocked(reason string) {
	now := c.now()
	if wake, ok := c.alarms.NextWake(); ok && now.Add(c.consts.MinTimeToAlarm).After(wake) {
		// Not worth going deep idle right before something wakes us anyway
		if c.deepState != fsm.DeepActive {
			c.logger.Printf("Next wake in %v, staying awake", wake.Sub(now))
			c.becomeActiveLocked("alarm")
			c.becomeInactiveIfAppropriateLocked()
		}
		return
	}

	switch c.deepState {
	case fsm.DeepInactive:
		c.startMonitoringMotionLocked()
		c.scheduleDeepAlarmLocked(c.consts.IdleAfterInactiveTimeout, alarm.KindExact)
		c.nextIdlePendingDelay = c.consts.IdlePendingTimeout
		c.nextIdleDelay = c.consts.IdleTimeout
		c.setDeepLocked(fsm.DeepIdlePending, reason)

	case fsm.DeepIdlePending:
		c.setDeepLocked(fsm.DeepSensing, reason)
		c.scheduleSensingTimeoutLocked(c.consts.SensingTimeout)
		c.cancelLocatingLocked()
		c.notMoving = false
		c.located = false
		c.lastFix = nil
		c.lastGPSFix = nil
		c.checkAnyMotionLocked()

	case fsm.DeepSensing:
		c.cancelSensingTimeoutLocked()
		c.setDeepLocked(fsm.DeepLocating, reason)
		c.scheduleDeepAlarmLocked(c.consts.LocatingTimeout, alarm.KindExact)
		c.requestFixesLocked()
		if c.locating {
			return
		}
		// Nothing to locate with
		c.finishLocatingLocked()
		c.enterDeepIdleLocked(reason)

	case fsm.DeepLocating:
		c.finishLocatingLocked()
		c.enterDeepIdleLocked(reason)

	case fsm.DeepIdleMaintenance:
		c.enterDeepIdleLocked(reason)

	case fsm.DeepIdle:
		c.enterDeepMaintenanceLocked(reason)
	}
}

func (c *Controller) finishLocatingLocked() {
	c.cancelDeepAlarmLocked()
	c.cancelLocatingLocked()
	c.stopAnyMotionLocked()
}

func (c *Controller) enterDeepIdleLocked(reason string) {
	delay := clampDelay(c.nextIdleDelay, c.consts.IdleTimeout, c.consts.MaxIdleTimeout)
	c.scheduleDeepAlarmLocked(delay, alarm.KindIdleUntil)
	c.nextIdleDelay = scaleDelay(delay, c.consts.IdleFactor, c.consts.IdleTimeout, c.consts.MaxIdleTimeout)
	c.logger.Printf("Entering deep idle for %v, next %v", delay, c.nextIdleDelay)

	c.setDeepLocked(fsm.DeepIdle, reason)
	c.setLightLocked(fsm.LightOverride, "deep")
	c.cancelLightAlarmLocked()
	c.history.Add(history.CodeDeepIdle, c.now(), "")

	c.post(c.goingIdle.Acquire)
	c.post(func() { c.reportIdleOn(fsm.ModeDeep) })
}

func (c *Controller) enterDeepMaintenanceLocked(reason string) {
	c.activeIdleOps = 1
	c.acquireActiveHoldLocked()

	delay := clampDelay(c.nextIdlePendingDelay, c.consts.IdlePendingTimeout, c.consts.MaxIdlePendingTimeout)
	c.scheduleDeepAlarmLocked(delay, alarm.KindExact)
	c.maintenanceStart = c.now()
	c.nextIdlePendingDelay = scaleDelay(delay, c.consts.IdlePendingFactor,
		c.consts.IdlePendingTimeout, c.consts.MaxIdlePendingTimeout)
	c.logger.Printf("Entering deep maintenance for %v, next %v", delay, c.nextIdlePendingDelay)

	c.setDeepLocked(fsm.DeepIdleMaintenance, reason)
	c.history.Add(history.CodeDeepMaintenance, c.now(), "")
	c.post(c.reportIdleOff)
}

// Deep alarms are only useful with a motion sensor; without one the machine
// waits in place until stepped by hand.
func (c *Controller) scheduleDeepAlarmLocked(d time.Duration, kind alarm.Kind) {
	if c.motion == nil {
		return
	}
	c.deepSeq++
	seq := c.deepSeq
	c.alarms.Set(alarmDeep, c.now().Add(d), kind, func() { c.onDeepAlarm(seq) })
}

func (c *Controller) cancelDeepAlarmLocked() {
	c.deepSeq++
	c.alarms.Cancel(alarmDeep)
}

func (c *Controller) onDeepAlarm(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.deepSeq || c.closed {
		return
	}
	c.stepDeepLocked("s:alarm")
}

func (c *Controller) scheduleSensingTimeoutLocked(d time.Duration) {
	c.sensingSeq++
	seq := c.sensingSeq
	c.alarms.Set(alarmSensing, c.now().Add(d), alarm.KindExact, func() { c.onSensingTimeout(seq) })
}

func (c *Controller) cancelSensingTimeoutLocked() {
	c.sensingSeq++
	c.alarms.Cancel(alarmSensing)
}

// onSensingTimeout moves on to locating without a stationary verdict.
func (c *Controller) onSensingTimeout(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.sensingSeq || c.closed || c.deepState != fsm.DeepSensing {
		return
	}
	c.logger.Printf("No motion verdict after %v", c.consts.SensingTimeout)
	c.notMoving = false
	c.stepDeepLocked("s:timeout")
}

func (c *Controller) startMonitoringMotionLocked() {
	if c.motion == nil || c.motionActive {
		return
	}
	c.motionGen++
	gen := c.motionGen
	if err := c.motion.StartMonitoring(func() { c.onSignificantMotion(gen) }); err != nil {
		c.logger.Printf("Failed to start motion monitoring: %v", err)
		return
	}
	c.motionActive = true
}

func (c *Controller) stopMonitoringMotionLocked() {
	if !c.motionActive {
		return
	}
	c.motionGen++
	c.motionActive = false
	c.motion.StopMonitoring()
}

func (c *Controller) onSignificantMotion(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.motionGen || c.closed {
		return
	}
	c.significantMotionLocked()
}

func (c *Controller) significantMotionLocked() {
	c.logger.Printf("Significant motion")
	c.handleMotionDetectedLocked(c.consts.MotionInactiveTimeout, "motion")
}

func (c *Controller) checkAnyMotionLocked() {
	if c.motion == nil {
		return
	}
	c.anyMotionGen++
	gen := c.anyMotionGen
	c.checkingMotion = true
	c.motion.CheckAnyMotion(func(r MotionResult) { c.onAnyMotionResult(gen, r) })
}

func (c *Controller) stopAnyMotionLocked() {
	if !c.checkingMotion {
		return
	}
	c.anyMotionGen++
	c.checkingMotion = false
	c.motion.StopAnyMotion()
}

func (c *Controller) onAnyMotionResult(gen uint64, r MotionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.anyMotionGen || c.closed {
		return
	}
	c.checkingMotion = false
	c.motionResultLocked(r)
}

func (c *Controller) motionResultLocked(r MotionResult) {
	c.logger.Printf("Motion check: %s", r)
	if r != MotionUnknown {
		c.cancelSensingTimeoutLocked()
	}
	if r == MotionMoved || r == MotionUnknown {
		c.handleMotionDetectedLocked(c.consts.InactiveTimeout, "non_stationary")
		return
	}

	switch c.deepState {
	case fsm.DeepSensing:
		c.notMoving = true
		c.stepDeepLocked("s:stationary")
	case fsm.DeepLocating:
		c.notMoving = true
		if c.located {
			c.stepDeepLocked("s:stationary")
		}
	}
}

// handleMotionDetectedLocked restarts the deep countdown with timeout. The
// light machine keeps its state unless deep idle had taken it over.
func (c *Controller) handleMotionDetectedLocked(timeout time.Duration, reason string) {
	changed := false
	if c.deepState != fsm.DeepActive {
		changed = true
		lightIdling := c.lightState == fsm.LightIdle ||
			c.lightState == fsm.LightWaitingForNetwork ||
			c.lightState == fsm.LightIdleMaintenance
		if !lightIdling {
			c.post(func() { c.reportActive(reason) })
			c.history.Add(history.CodeNormal, c.now(), reason)
		}
		c.setDeepLocked(fsm.DeepActive, reason)
		c.inactiveTimeout = timeout
		c.curIdleBudget = 0
		c.maintenanceStart = time.Time{}
		c.resetIdleManagementLocked()
	}
	if c.lightState == fsm.LightOverride {
		c.setLightLocked(fsm.LightActive, reason)
		changed = true
	}
	if changed {
		c.becomeInactiveIfAppropriateLocked()
	}
}
