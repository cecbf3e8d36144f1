// Package alarm provides the clock the idle policy runs on, named one-shot
// alarms, and the sources that tell when the device must next be awake.
package alarm

import (
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a scheduled callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Clock is the time base for all idle decisions.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// BoottimeClock reads CLOCK_BOOTTIME, which keeps counting while the system
// is suspended, so elapsed time read from Now includes time spent asleep.
// The returned times are only meaningful relative to each other. AfterFunc
// uses runtime timers, which pause during suspend, so a timer armed before a
// suspend fires late by the time spent suspended.
type BoottimeClock struct{}

func (BoottimeClock) Now() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return time.Now()
	}
	return time.Unix(0, ts.Nano())
}

func (BoottimeClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
