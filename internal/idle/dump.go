package idle

import (
	"fmt"
	"io"
	"time"
)

// Dump writes a human-readable view of the controller: tuning, machine
// state, budgets, pending alarms, whitelists and recent history.
func (c *Controller) Dump(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	fmt.Fprintln(w, "Settings:")
	c.consts.Dump(w)

	fmt.Fprintf(w, "  deep: %s enabled=%t\n", c.deepState, c.deepEnabled)
	fmt.Fprintf(w, "  light: %s enabled=%t\n", c.lightState, c.lightEnabled)
	fmt.Fprintf(w, "  screen on=%t locked=%t charging=%t network=%t force=%t\n",
		c.screenOn, c.screenLocked, c.charging, c.networkConnected, c.forceIdle)
	fmt.Fprintf(w, "  motion sensor=%t monitoring=%t not moving=%t\n",
		c.motion != nil, c.motionActive, c.notMoving)
	fmt.Fprintf(w, "  locating=%t located=%t\n", c.locating, c.located)
	if c.lastFix != nil {
		fmt.Fprintf(w, "  last fix: %.6f,%.6f ±%.0fm\n", c.lastFix.Latitude, c.lastFix.Longitude, c.lastFix.Accuracy)
	}
	if c.lastGPSFix != nil {
		fmt.Fprintf(w, "  last gps fix: %.6f,%.6f ±%.0fm\n", c.lastGPSFix.Latitude, c.lastGPSFix.Longitude, c.lastGPSFix.Accuracy)
	}
	fmt.Fprintf(w, "  inactive timeout=%v\n", c.inactiveTimeout)
	fmt.Fprintf(w, "  next idle pending=%v next idle=%v next light idle=%v\n",
		c.nextIdlePendingDelay, c.nextIdleDelay, c.nextLightIdleDelay)
	fmt.Fprintf(w, "  idle budget=%v", c.curIdleBudget)
	if !c.maintenanceStart.IsZero() {
		fmt.Fprintf(w, " maintenance for %v", now.Sub(c.maintenanceStart).Truncate(time.Millisecond))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  active idle ops=%d jobs=%t alarms=%t\n", c.activeIdleOps, c.jobsActive, c.alarmsActive)

	if d, ok := c.alarms.(interface{ Dump(io.Writer) }); ok {
		fmt.Fprintln(w, "  Alarms:")
		d.Dump(w)
	}
	if wake, ok := c.alarms.NextWake(); ok {
		fmt.Fprintf(w, "  next wake in %v\n", wake.Sub(now).Truncate(time.Millisecond))
	}

	dumpList(w, "System whitelist", c.list.SystemPackages())
	dumpList(w, "Removed system whitelist", c.list.RemovedPackages())
	dumpList(w, "User whitelist", c.list.UserPackages())
	dumpList(w, "Except-idle whitelist", c.list.ExceptIdlePackages())
	if entries := c.list.TempEntries(); len(entries) > 0 {
		fmt.Fprintln(w, "  Temp whitelist:")
		for _, e := range entries {
			fmt.Fprintf(w, "    %d: %v left (%s)\n", e.AppID, e.Expiry.Sub(now).Truncate(time.Millisecond), e.Reason)
		}
	}

	fmt.Fprintln(w, "  History:")
	c.history.Dump(w, now)
}

func dumpList(w io.Writer, title string, pkgs []string) {
	if len(pkgs) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s:\n", title)
	for _, pkg := range pkgs {
		fmt.Fprintf(w, "    %s\n", pkg)
	}
}
