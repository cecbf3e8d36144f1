package idle

import (
	"github.com/librescoot/doze-service/internal/fsm"
)

func (c *Controller) isOpsInactiveLocked() bool {
	return c.activeIdleOps <= 0 && !c.jobsActive && !c.alarmsActive
}

func (c *Controller) acquireActiveHoldLocked() {
	if c.activeHeld {
		return
	}
	c.activeHeld = true
	c.post(c.activeHold.Acquire)
}

// IncActiveIdleOps records a piece of maintenance work in flight.
func (c *Controller) IncActiveIdleOps() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeIdleOps++
}

// DecActiveIdleOps records that a piece of maintenance work finished. When
// the last one finishes, a maintenance window is cut short.
func (c *Controller) DecActiveIdleOps() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decActiveIdleOpsLocked()
}

func (c *Controller) decActiveIdleOpsLocked() {
	c.activeIdleOps--
	if c.activeIdleOps > 0 {
		return
	}
	c.exitMaintenanceEarlyIfNeededLocked()
	if c.activeHeld {
		c.activeHeld = false
		c.post(c.activeHold.Release)
	}
}

func (c *Controller) exitMaintenanceEarlyIfNeededLocked() {
	if c.closed {
		return
	}
	if c.deepState != fsm.DeepIdleMaintenance &&
		c.lightState != fsm.LightIdleMaintenance &&
		c.lightState != fsm.LightPreIdle {
		return
	}
	if !c.isOpsInactiveLocked() {
		return
	}

	switch {
	case c.deepState == fsm.DeepIdleMaintenance:
		c.stepDeepLocked("s:early")
	case c.lightState == fsm.LightPreIdle:
		c.stepLightLocked("s:predone")
	default:
		c.stepLightLocked("s:early")
	}
}

// SetJobsActive reports whether deferred jobs are running.
func (c *Controller) SetJobsActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.jobsActive = active
	c.reportMaintenanceActivityLocked()
	if !active {
		c.exitMaintenanceEarlyIfNeededLocked()
	}
}

// SetAlarmsActive reports whether alarms are being delivered.
func (c *Controller) SetAlarmsActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.alarmsActive = active
	if !active {
		c.exitMaintenanceEarlyIfNeededLocked()
	}
}

func (c *Controller) reportMaintenanceActivityLocked() {
	if c.jobsActive == c.reportedActive {
		return
	}
	c.reportedActive = c.jobsActive
	active := c.jobsActive
	c.post(func() { c.notifyMaintenanceActivity(active) })
}

func (c *Controller) notifyMaintenanceActivity(active bool) {
	c.mu.Lock()
	listeners := make([]MaintenanceListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	c.notifier.MaintenanceActivity(active)
	for _, l := range listeners {
		l(active)
	}
}

// RegisterMaintenanceListener adds l and returns its id along with the
// current maintenance activity.
func (c *Controller) RegisterMaintenanceListener(l MaintenanceListener) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextListener++
	c.listeners[c.nextListener] = l
	return c.nextListener, c.jobsActive
}

// UnregisterMaintenanceListener removes a listener added earlier.
func (c *Controller) UnregisterMaintenanceListener(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

// The report functions run on the work queue.

// reportIdleOn switches the platform into one idle mode; deep and light
// idle are exclusive at this level.
func (c *Controller) reportIdleOn(mode fsm.Mode) {
	deep := mode.Has(fsm.ModeDeep)
	deepChanged := c.notifier.SetDeepIdle(deep)
	lightChanged := c.notifier.SetLightIdle(!deep)
	if deepChanged {
		c.notifier.BroadcastIdleChanged(fsm.ModeDeep)
	}
	if lightChanged {
		c.notifier.BroadcastIdleChanged(fsm.ModeLight)
	}
	c.goingIdle.Release()
}

// reportIdleOff ends an idle window. Every mode that actually changed keeps
// maintenance open for at least its minimum time, so receivers of the
// broadcast get a chance to act on it.
func (c *Controller) reportIdleOff() {
	deepChanged := c.notifier.SetDeepIdle(false)
	lightChanged := c.notifier.SetLightIdle(false)

	c.mu.Lock()
	consts := c.consts
	if deepChanged {
		c.activeIdleOps++
	}
	if lightChanged {
		c.activeIdleOps++
	}
	c.mu.Unlock()

	if deepChanged {
		c.notifier.BroadcastIdleChanged(fsm.ModeDeep)
		c.mu.Lock()
		c.afterLocked(consts.MinDeepMaintenanceTime, c.DecActiveIdleOps)
		c.mu.Unlock()
	}
	if lightChanged {
		c.notifier.BroadcastIdleChanged(fsm.ModeLight)
		c.mu.Lock()
		c.afterLocked(consts.MinLightMaintenanceTime, c.DecActiveIdleOps)
		c.mu.Unlock()
	}
	c.DecActiveIdleOps()
}

func (c *Controller) reportActive(reason string) {
	deepChanged := c.notifier.SetDeepIdle(false)
	lightChanged := c.notifier.SetLightIdle(false)
	if deepChanged {
		c.notifier.BroadcastIdleChanged(fsm.ModeDeep)
	}
	if lightChanged {
		c.notifier.BroadcastIdleChanged(fsm.ModeLight)
	}
	c.logger.Printf("Reported active (%s)", reason)
}
