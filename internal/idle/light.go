package idle

import (
	"time"

	"github.com/librescoot/doze-service/internal/alarm"
	"github.com/librescoot/doze-service/internal/fsm"
	"github.com/librescoot/doze-service/internal/history"
)

func (c *Controller) resetLightIdleManagementLocked() {
	c.nextLightIdleDelay = c.consts.LightIdleTimeout
	c.cancelLightAlarmLocked()
}

// stepLightLocked advances the light machine by one state.
func (c *Controller) stepLightLocked(reason string) {
	if c.lightState == fsm.LightOverride {
		return
	}

	now := c.now()
	switch c.lightState {
	case fsm.LightInactive:
		c.curIdleBudget = c.consts.LightIdleMaintenanceMinBudget
		c.nextLightIdleDelay = c.consts.LightIdleTimeout
		c.maintenanceStart = time.Time{}
		if !c.isOpsInactiveLocked() {
			// Let in-flight work finish before dozing
			c.setLightLocked(fsm.LightPreIdle, reason)
			c.scheduleLightAlarmLocked(c.consts.LightPreIdleTimeout)
			return
		}
		c.enterLightIdleLocked(now, reason)

	case fsm.LightPreIdle, fsm.LightIdleMaintenance:
		c.enterLightIdleLocked(now, reason)

	case fsm.LightIdle, fsm.LightWaitingForNetwork:
		if c.networkConnected || c.lightState == fsm.LightWaitingForNetwork {
			c.enterLightMaintenanceLocked(now, reason)
			return
		}
		// Maintenance without a network is pointless; give it one more window
		c.scheduleLightAlarmLocked(c.nextLightIdleDelay)
		c.setLightLocked(fsm.LightWaitingForNetwork, reason)
	}
}

func (c *Controller) enterLightIdleLocked(now time.Time, reason string) {
	if !c.maintenanceStart.IsZero() {
		// Unused maintenance time is credited, overruns are debited
		spent := now.Sub(c.maintenanceStart)
		minBudget := c.consts.LightIdleMaintenanceMinBudget
		if spent < minBudget {
			c.curIdleBudget += minBudget - spent
			if c.curIdleBudget > c.consts.LightIdleMaintenanceMaxBudget {
				c.curIdleBudget = c.consts.LightIdleMaintenanceMaxBudget
			}
		} else {
			c.curIdleBudget -= spent - minBudget
		}
	}
	c.maintenanceStart = time.Time{}

	delay := clampDelay(c.nextLightIdleDelay, c.consts.LightIdleTimeout, c.consts.LightMaxIdleTimeout)
	c.scheduleLightAlarmLocked(delay)
	c.nextLightIdleDelay = scaleDelay(delay, c.consts.LightIdleFactor,
		c.consts.LightIdleTimeout, c.consts.LightMaxIdleTimeout)
	c.logger.Printf("Entering light idle for %v, next %v", delay, c.nextLightIdleDelay)

	c.setLightLocked(fsm.LightIdle, reason)
	c.history.Add(history.CodeLightIdle, now, "")
	c.post(c.goingIdle.Acquire)
	c.post(func() { c.reportIdleOn(fsm.ModeLight) })
}

func (c *Controller) enterLightMaintenanceLocked(now time.Time, reason string) {
	c.activeIdleOps = 1
	c.acquireActiveHoldLocked()
	c.curIdleBudget = clampDelay(c.curIdleBudget,
		c.consts.LightIdleMaintenanceMinBudget, c.consts.LightIdleMaintenanceMaxBudget)
	c.maintenanceStart = now
	c.scheduleLightAlarmLocked(c.curIdleBudget)
	c.logger.Printf("Entering light maintenance for %v", c.curIdleBudget)

	c.setLightLocked(fsm.LightIdleMaintenance, reason)
	c.history.Add(history.CodeLightMaintenance, now, "")
	c.post(c.reportIdleOff)
}

func (c *Controller) scheduleLightAlarmLocked(d time.Duration) {
	c.lightSeq++
	seq := c.lightSeq
	c.alarms.Set(alarmLight, c.now().Add(d), alarm.KindExact, func() { c.onLightAlarm(seq) })
}

func (c *Controller) cancelLightAlarmLocked() {
	c.lightSeq++
	c.alarms.Cancel(alarmLight)
}

func (c *Controller) onLightAlarm(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.lightSeq || c.closed {
		return
	}
	c.stepLightLocked("s:alarm")
}
