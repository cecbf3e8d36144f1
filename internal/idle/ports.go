package idle

import (
	"time"

	"github.com/librescoot/doze-service/internal/alarm"
	"github.com/librescoot/doze-service/internal/fsm"
	"github.com/librescoot/doze-service/internal/whitelist"
)

// Ports are called with the controller lock held. They must return quickly
// and must never invoke the callbacks handed to them before returning.

// Alarms schedules the controller's wake-ups.
type Alarms interface {
	Now() time.Time
	Set(name string, deadline time.Time, kind alarm.Kind, fn func())
	Cancel(name string) bool
	After(d time.Duration, fn func()) alarm.Timer
	NextWake() (time.Time, bool)
}

// MotionResult is the verdict of a motion check.
type MotionResult int

const (
	MotionUnknown MotionResult = iota
	MotionStationary
	MotionMoved
)

func (r MotionResult) String() string {
	switch r {
	case MotionStationary:
		return "stationary"
	case MotionMoved:
		return "moved"
	default:
		return "unknown"
	}
}

// MotionSensor watches for movement. Monitoring reports significant motion
// for as long as it is armed; CheckAnyMotion asks for a single verdict on
// whether the device is lying still.
type MotionSensor interface {
	StartMonitoring(onMotion func()) error
	StopMonitoring()
	CheckAnyMotion(onResult func(MotionResult))
	StopAnyMotion()
}

// Provider names.
const (
	ProviderNetwork = "network"
	ProviderGPS     = "gps"
)

// Fix is a location report.
type Fix struct {
	Provider  string
	Latitude  float64
	Longitude float64
	Accuracy  float64 // metres
	Time      time.Time
}

// LocationProvider delivers fixes until cancelled.
type LocationProvider interface {
	Name() string
	RequestFix(onFix func(Fix)) error
	Cancel()
}

// Notifier carries idle decisions to the rest of the system. It is only
// called from the controller's work queue, in decision order.
type Notifier interface {
	// SetDeepIdle and SetLightIdle switch the platform mode and report
	// whether it changed.
	SetDeepIdle(on bool) bool
	SetLightIdle(on bool) bool
	// BroadcastIdleChanged returns once receivers have been told.
	BroadcastIdleChanged(mode fsm.Mode)
	SetWhitelist(all, exceptIdle []int)
	SetTempWhitelist(ids []int)
	MaintenanceActivity(active bool)
	StateChanged(deep fsm.DeepState, light fsm.LightState, reason string)
}

// Persister stores the user-editable part of the whitelist.
type Persister interface {
	Load() (whitelist.Persisted, error)
	Save(whitelist.Persisted) error
}

// Hold keeps the system from suspending while held.
type Hold interface {
	Acquire()
	Release()
}

// PackageResolver maps package names to app ids.
type PackageResolver interface {
	AppID(pkg string) (int, error)
}

// MaintenanceListener is told when maintenance work starts or stops.
type MaintenanceListener func(active bool)

type nopNotifier struct{}

func (nopNotifier) SetDeepIdle(bool) bool { return false }
func (nopNotifier) SetLightIdle(bool) bool { return false }
func (nopNotifier) BroadcastIdleChanged(fsm.Mode) {}
func (nopNotifier) SetWhitelist([]int, []int) {}
func (nopNotifier) SetTempWhitelist([]int) {}
func (nopNotifier) MaintenanceActivity(bool) {}
func (nopNotifier) StateChanged(fsm.DeepState, fsm.LightState, string) {}

type nopPersister struct{}

func (nopPersister) Load() (whitelist.Persisted, error) { return whitelist.Persisted{}, nil }
func (nopPersister) Save(whitelist.Persisted) error     { return nil }

type nopHold struct{}

func (nopHold) Acquire() {}
func (nopHold) Release() {}

type noResolver struct{}

func (noResolver) AppID(string) (int, error) { return 0, whitelist.ErrUnknownPackage }
