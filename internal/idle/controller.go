// Package idle decides when the device may doze. Two state machines run side
// by side: a deep one that needs the device to be lying still, and a light
// one that only needs the screen off. Both open short maintenance windows in
// which deferred work is allowed to run, with backoff between windows.
package idle

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/librescoot/doze-service/internal/alarm"
	"github.com/librescoot/doze-service/internal/constants"
	"github.com/librescoot/doze-service/internal/fsm"
	"github.com/librescoot/doze-service/internal/history"
	"github.com/librescoot/doze-service/internal/whitelist"
)

var (
	// ErrForceIdleFailed is returned when forced stepping stops short of idle.
	ErrForceIdleFailed = errors.New("unable to reach idle")
	// ErrDisabled is returned when forcing a mode that is switched off.
	ErrDisabled = errors.New("idle mode not enabled")
)

// Alarm names used on the Alarms port.
const (
	alarmDeep    = "deep"
	alarmLight   = "light"
	alarmSensing = "sensing"
	alarmTemp    = "temp:"
)

// DefaultWriteDelay is how long whitelist edits are batched before saving.
const DefaultWriteDelay = 5 * time.Second

// Options wires a Controller to its collaborators. Only Alarms is required;
// a nil Motion or location provider means the device does not have one.
type Options struct {
	Logger    *log.Logger
	Alarms    Alarms
	Constants constants.Constants

	Motion  MotionSensor
	Network LocationProvider
	GPS     LocationProvider

	Notifier  Notifier
	Persister Persister
	Resolver  PackageResolver
	Whitelist *whitelist.Tracker

	GoingIdleHold  Hold
	ActiveIdleHold Hold

	DeepEnabled  bool
	LightEnabled bool

	HistorySize int
	WriteDelay  time.Duration
}

// Controller owns both idle state machines. All state is guarded by one
// mutex; side effects leave through a single ordered work queue.
type Controller struct {
	mu     sync.Mutex
	logger *log.Logger

	alarms     Alarms
	motion     MotionSensor
	network    LocationProvider
	gps        LocationProvider
	notifier   Notifier
	persister  Persister
	resolver   PackageResolver
	goingIdle  Hold
	activeHold Hold

	deepDef  *fsm.Definition[fsm.DeepState]
	lightDef *fsm.Definition[fsm.LightState]
	history  *history.History
	list     *whitelist.Tracker
	work     *workQueue

	consts     constants.Constants
	writeDelay time.Duration

	deepEnabled  bool
	lightEnabled bool
	deepState    fsm.DeepState
	lightState   fsm.LightState

	screenOn         bool
	screenLocked     bool
	charging         bool
	networkConnected bool
	forceIdle        bool

	inactiveTimeout      time.Duration
	nextIdlePendingDelay time.Duration
	nextIdleDelay        time.Duration
	nextLightIdleDelay   time.Duration
	curIdleBudget        time.Duration
	maintenanceStart     time.Time

	// callback tokens; bumping one makes late callbacks no-ops
	deepSeq    uint64
	lightSeq   uint64
	sensingSeq uint64
	tempSeq    map[int]uint64

	motionActive   bool
	motionGen      uint64
	checkingMotion bool
	anyMotionGen   uint64
	notMoving      bool

	locating        bool
	locateGen       uint64
	located         bool
	locatingNetwork bool
	locatingGPS     bool
	lastFix         *Fix
	lastGPSFix      *Fix

	activeIdleOps  int
	activeHeld     bool
	jobsActive     bool
	alarmsActive   bool
	reportedActive bool
	listeners      map[int]MaintenanceListener
	nextListener   int

	writePending bool
	delayed      map[alarm.Timer]struct{}
	closed       bool
}

// New creates a controller. Both machines start ACTIVE with the screen
// considered on; callers feed the real signal values before or after Start.
func New(opts Options) *Controller {
	c := &Controller{
		logger:       opts.Logger,
		alarms:       opts.Alarms,
		motion:       opts.Motion,
		network:      opts.Network,
		gps:          opts.GPS,
		notifier:     opts.Notifier,
		persister:    opts.Persister,
		resolver:     opts.Resolver,
		goingIdle:    opts.GoingIdleHold,
		activeHold:   opts.ActiveIdleHold,
		list:         opts.Whitelist,
		deepDef:      fsm.NewDeepDefinition(),
		lightDef:     fsm.NewLightDefinition(),
		history:      history.New(opts.HistorySize),
		consts:       opts.Constants,
		writeDelay:   opts.WriteDelay,
		deepEnabled:  opts.DeepEnabled,
		lightEnabled: opts.LightEnabled,
		screenOn:     true,
		tempSeq:      make(map[int]uint64),
		listeners:    make(map[int]MaintenanceListener),
		delayed:      make(map[alarm.Timer]struct{}),
	}
	if c.logger == nil {
		c.logger = log.New(io.Discard, "", 0)
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	if c.persister == nil {
		c.persister = nopPersister{}
	}
	if c.resolver == nil {
		c.resolver = noResolver{}
	}
	if c.goingIdle == nil {
		c.goingIdle = nopHold{}
	}
	if c.activeHold == nil {
		c.activeHold = nopHold{}
	}
	if c.list == nil {
		c.list = whitelist.New(nil, nil)
	}
	if c.writeDelay <= 0 {
		c.writeDelay = DefaultWriteDelay
	}

	c.work = newWorkQueue()
	c.inactiveTimeout = c.consts.InactiveTimeout
	c.resetIdleManagementLocked()
	c.resetLightIdleManagementLocked()
	return c
}

// Start restores the persisted whitelist, publishes the initial lists and
// evaluates whether the device can start going idle.
func (c *Controller) Start() error {
	p, err := c.persister.Load()
	if err != nil {
		c.logger.Printf("Failed to load whitelist: %v", err)
	}
	resolved := c.resolveAll(p.User)

	c.mu.Lock()
	defer c.mu.Unlock()

	skipped := c.list.Restore(p, func(pkg string) (int, error) {
		if id, ok := resolved[pkg]; ok {
			return id, nil
		}
		return 0, whitelist.ErrUnknownPackage
	})
	for _, pkg := range skipped {
		c.logger.Printf("Dropping unknown package %s from whitelist", pkg)
	}
	if len(skipped) > 0 {
		c.scheduleWriteLocked()
	}

	c.postWhitelistLocked()
	c.postTempWhitelistLocked()
	c.postStateLocked("start")
	c.becomeInactiveIfAppropriateLocked()
	c.logger.Printf("Idle controller started: deep=%s light=%s", c.deepState, c.lightState)
	return err
}

func (c *Controller) resolveAll(pkgs []string) map[string]int {
	resolved := make(map[string]int, len(pkgs))
	for _, pkg := range pkgs {
		id, err := c.resolver.AppID(pkg)
		if err != nil {
			continue
		}
		resolved[pkg] = id
	}
	return resolved
}

// Close stops all timers, sensors and location requests, saves a pending
// whitelist edit and drains the work queue.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	c.cancelDeepAlarmLocked()
	c.cancelLightAlarmLocked()
	c.cancelSensingTimeoutLocked()
	c.cancelLocatingLocked()
	c.stopMonitoringMotionLocked()
	c.stopAnyMotionLocked()
	for appID := range c.tempSeq {
		c.alarms.Cancel(tempAlarmName(appID))
	}
	c.tempSeq = make(map[int]uint64)
	for t := range c.delayed {
		t.Stop()
	}
	c.delayed = make(map[alarm.Timer]struct{})
	if c.activeHeld {
		c.activeHeld = false
		c.post(c.activeHold.Release)
	}
	if c.writePending {
		c.post(c.writeWhitelist)
	}
	c.mu.Unlock()

	c.work.close()
	c.logger.Printf("Idle controller stopped")
}

// Flush waits for every side effect decided so far to be carried out.
func (c *Controller) Flush() {
	c.work.flush()
}

// UpdateConstants swaps in new tuning. Running timers keep their deadlines;
// the new values apply from the next step.
func (c *Controller) UpdateConstants(consts constants.Constants) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consts = consts
	c.logger.Printf("Updated idle constants")
}

// Constants returns the tuning in effect.
func (c *Controller) Constants() constants.Constants {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consts
}

// DeepState returns the deep machine's state.
func (c *Controller) DeepState() fsm.DeepState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deepState
}

// LightState returns the light machine's state.
func (c *Controller) LightState() fsm.LightState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lightState
}

// Status is a point-in-time view of the controller.
type Status struct {
	Deep             fsm.DeepState
	Light            fsm.LightState
	DeepEnabled      bool
	LightEnabled     bool
	ForceIdle        bool
	ScreenOn         bool
	ScreenLocked     bool
	Charging         bool
	NetworkConnected bool
	NotMoving        bool
	Located          bool
	Locating         bool
	ActiveIdleOps    int
	JobsActive       bool
	AlarmsActive     bool
	InactiveTimeout  time.Duration
	NextIdlePending  time.Duration
	NextIdle         time.Duration
	NextLightIdle    time.Duration
	IdleBudget       time.Duration
	LastFix          *Fix
	LastGPSFix       *Fix
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Deep:             c.deepState,
		Light:            c.lightState,
		DeepEnabled:      c.deepEnabled,
		LightEnabled:     c.lightEnabled,
		ForceIdle:        c.forceIdle,
		ScreenOn:         c.screenOn,
		ScreenLocked:     c.screenLocked,
		Charging:         c.charging,
		NetworkConnected: c.networkConnected,
		NotMoving:        c.notMoving,
		Located:          c.located,
		Locating:         c.locating,
		ActiveIdleOps:    c.activeIdleOps,
		JobsActive:       c.jobsActive,
		AlarmsActive:     c.alarmsActive,
		InactiveTimeout:  c.inactiveTimeout,
		NextIdlePending:  c.nextIdlePendingDelay,
		NextIdle:         c.nextIdleDelay,
		NextLightIdle:    c.nextLightIdleDelay,
		IdleBudget:       c.curIdleBudget,
		LastFix:          c.lastFix,
		LastGPSFix:       c.lastGPSFix,
	}
}

// History returns the recorded idle events, newest first.
func (c *Controller) History() []history.Record {
	return c.history.Records()
}

func (c *Controller) now() time.Time {
	return c.alarms.Now()
}

func (c *Controller) post(fn func()) {
	if !c.work.post(fn) {
		c.logger.Printf("Dropping work item after shutdown")
	}
}

// afterLocked runs fn once d has passed unless the controller is closed first.
func (c *Controller) afterLocked(d time.Duration, fn func()) {
	if c.closed {
		return
	}
	var t alarm.Timer
	t = c.alarms.After(d, func() {
		c.mu.Lock()
		_, ok := c.delayed[t]
		delete(c.delayed, t)
		c.mu.Unlock()
		if ok {
			fn()
		}
	})
	c.delayed[t] = struct{}{}
}

func (c *Controller) setDeepLocked(s fsm.DeepState, reason string) {
	if c.deepState == s {
		return
	}
	if !c.deepDef.Allows(c.deepState, s) {
		c.logger.Printf("Unexpected deep transition %s -> %s (%s)", c.deepState, s, reason)
	}
	c.logger.Printf("Deep: %s -> %s (%s)", c.deepState, s, reason)
	c.deepState = s
	c.postStateLocked(reason)
}

func (c *Controller) setLightLocked(s fsm.LightState, reason string) {
	if c.lightState == s {
		return
	}
	if !c.lightDef.Allows(c.lightState, s) {
		c.logger.Printf("Unexpected light transition %s -> %s (%s)", c.lightState, s, reason)
	}
	c.logger.Printf("Light: %s -> %s (%s)", c.lightState, s, reason)
	c.lightState = s
	c.postStateLocked(reason)
}

func (c *Controller) postStateLocked(reason string) {
	deep, light := c.deepState, c.lightState
	c.post(func() { c.notifier.StateChanged(deep, light, reason) })
}
