package idle

import (
	"fmt"

	"github.com/librescoot/doze-service/internal/fsm"
)

// OnScreenChanged reports the display turning on or off.
func (c *Controller) OnScreenChanged(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !on && c.screenOn:
		c.screenOn = false
		if !c.forceIdle {
			c.becomeInactiveIfAppropriateLocked()
		}
	case on:
		c.screenOn = true
		if !c.forceIdle && (!c.screenLocked || !c.consts.WaitForUnlock) {
			c.becomeActiveLocked("screen")
		}
	}
}

// OnChargingChanged reports external power being connected or removed.
func (c *Controller) OnChargingChanged(charging bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !charging && c.charging:
		c.charging = false
		if !c.forceIdle {
			c.becomeInactiveIfAppropriateLocked()
		}
	case charging:
		c.charging = true
		if !c.forceIdle {
			c.becomeActiveLocked("charging")
		}
	}
}

// OnKeyguardChanged reports the lock screen being shown or dismissed.
func (c *Controller) OnKeyguardChanged(locked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.screenLocked == locked {
		return
	}
	c.screenLocked = locked
	if c.screenOn && !c.forceIdle && !locked {
		c.becomeActiveLocked("unlocked")
	}
}

// OnConnectivityChanged reports whether a usable network is up.
func (c *Controller) OnConnectivityChanged(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.networkConnected == connected {
		return
	}
	c.networkConnected = connected
	if connected && c.lightState == fsm.LightWaitingForNetwork {
		c.stepLightLocked("network")
	}
}

// OnMotion reports significant motion.
func (c *Controller) OnMotion() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.significantMotionLocked()
}

// OnMotionResult delivers the verdict of the pending motion check.
func (c *Controller) OnMotionResult(r MotionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.motionResultLocked(r)
}

// OnLocationFix delivers a fix from the named provider.
func (c *Controller) OnLocationFix(f Fix) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fixLocked(f)
}

func (c *Controller) requestFixesLocked() {
	c.cancelLocatingLocked()
	c.locateGen++
	gen := c.locateGen

	if c.network != nil {
		err := c.network.RequestFix(func(f Fix) {
			f.Provider = ProviderNetwork
			c.onFix(gen, f)
		})
		if err != nil {
			c.logger.Printf("Failed to request %s location: %v", c.network.Name(), err)
		} else {
			c.locatingNetwork = true
		}
	}
	if c.gps != nil {
		err := c.gps.RequestFix(func(f Fix) {
			f.Provider = ProviderGPS
			c.onFix(gen, f)
		})
		if err != nil {
			c.logger.Printf("Failed to request %s location: %v", c.gps.Name(), err)
		} else {
			c.locatingGPS = true
		}
	}
	c.locating = c.locatingNetwork || c.locatingGPS
}

func (c *Controller) cancelLocatingLocked() {
	if !c.locating {
		return
	}
	c.locateGen++
	if c.locatingNetwork {
		c.network.Cancel()
	}
	if c.locatingGPS {
		c.gps.Cancel()
	}
	c.locating = false
	c.locatingNetwork = false
	c.locatingGPS = false
}

func (c *Controller) onFix(gen uint64, f Fix) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.locateGen || c.closed {
		return
	}
	c.fixLocked(f)
}

func (c *Controller) fixLocked(f Fix) {
	if c.deepState != fsm.DeepLocating {
		c.cancelLocatingLocked()
		return
	}

	fix := f
	if f.Provider == ProviderGPS {
		c.lastGPSFix = &fix
		if f.Accuracy > c.consts.LocationAccuracy {
			return
		}
	} else {
		c.lastFix = &fix
		// A coarse fix is only good enough when there is no GPS to wait for
		if c.locatingGPS && f.Accuracy > c.consts.LocationAccuracy {
			return
		}
	}

	c.located = true
	if c.notMoving {
		c.stepDeepLocked("s:" + f.Provider)
	}
}

// ExitIdle brings the device out of idle on behalf of reason.
func (c *Controller) ExitIdle(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.becomeActiveLocked(reason)
	c.becomeInactiveIfAppropriateLocked()
}

// Step advances the machines covered by mode by one state and returns the
// resulting states.
func (c *Controller) Step(mode fsm.Mode) (fsm.DeepState, fsm.LightState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mode.Has(fsm.ModeDeep) {
		c.stepDeepLocked("s:manual")
	}
	if mode.Has(fsm.ModeLight) {
		c.stepLightLocked("s:manual")
	}
	return c.deepState, c.lightState
}

// ForceIdle makes the device idle now, regardless of screen and power, by
// stepping the chosen machine until it reaches IDLE. Forcing stays in effect
// until Unforce. Deep is forced when mode covers it.
func (c *Controller) ForceIdle(mode fsm.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mode.Has(fsm.ModeDeep) {
		if !c.deepEnabled {
			return fmt.Errorf("deep: %w", ErrDisabled)
		}
		c.forceIdle = true
		c.becomeInactiveIfAppropriateLocked()
		for cur := c.deepState; cur != fsm.DeepIdle; cur = c.deepState {
			c.stepDeepLocked("s:force")
			if c.deepState == cur {
				c.exitForceIdleLocked()
				return fmt.Errorf("deep stopped at %s: %w", cur, ErrForceIdleFailed)
			}
		}
		return nil
	}

	if !c.lightEnabled {
		return fmt.Errorf("light: %w", ErrDisabled)
	}
	c.forceIdle = true
	c.becomeInactiveIfAppropriateLocked()
	for cur := c.lightState; cur != fsm.LightIdle; cur = c.lightState {
		c.stepLightLocked("s:force")
		if c.lightState == cur {
			c.exitForceIdleLocked()
			return fmt.Errorf("light stopped at %s: %w", cur, ErrForceIdleFailed)
		}
	}
	return nil
}

// ForceInactive starts the idle countdown while ignoring screen and power.
func (c *Controller) ForceInactive() (fsm.DeepState, fsm.LightState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.forceIdle = true
	c.becomeInactiveIfAppropriateLocked()
	return c.deepState, c.lightState
}

// Unforce goes back to following screen and power.
func (c *Controller) Unforce() (fsm.DeepState, fsm.LightState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.exitForceIdleLocked()
	return c.deepState, c.lightState
}

func (c *Controller) exitForceIdleLocked() {
	if !c.forceIdle {
		return
	}
	c.forceIdle = false
	if c.screenOn || c.charging {
		c.becomeActiveLocked("exit-force")
	}
}

// SetEnabled switches the machines covered by mode on or off. Disabling a
// machine that was on brings the device back to active.
func (c *Controller) SetEnabled(mode fsm.Mode, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enabled {
		if mode.Has(fsm.ModeDeep) {
			c.deepEnabled = true
		}
		if mode.Has(fsm.ModeLight) {
			c.lightEnabled = true
		}
		c.becomeInactiveIfAppropriateLocked()
		return
	}

	wasOn := false
	if mode.Has(fsm.ModeDeep) && c.deepEnabled {
		c.deepEnabled = false
		wasOn = true
	}
	if mode.Has(fsm.ModeLight) && c.lightEnabled {
		c.lightEnabled = false
		wasOn = true
	}
	if wasOn {
		c.becomeActiveLocked(mode.String() + "-disabled")
	}
}

// Enabled reports which machines are switched on.
func (c *Controller) Enabled() (deep, light bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deepEnabled, c.lightEnabled
}
