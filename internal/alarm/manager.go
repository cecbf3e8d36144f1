package alarm

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"
)

// Kind tells how an alarm relates to idle.
type Kind int

const (
	// KindExact fires at its deadline.
	KindExact Kind = iota
	// KindIdleUntil marks the end of a deep idle window; alarms of other
	// components are expected to be batched up to it.
	KindIdleUntil
)

func (k Kind) String() string {
	if k == KindIdleUntil {
		return "idle-until"
	}
	return "exact"
}

type entry struct {
	deadline time.Time
	kind     Kind
	timer    Timer
	gen      uint64
}

// Manager keeps named one-shot alarms. Setting an alarm under a name that is
// already armed replaces it, so each name has at most one pending callback.
type Manager struct {
	mutex   sync.Mutex
	clock   Clock
	logger  *log.Logger
	gen     uint64
	alarms  map[string]*entry
	sources []WakeSource
}

// NewManager creates a manager on the given clock.
func NewManager(clock Clock, logger *log.Logger, sources ...WakeSource) *Manager {
	return &Manager{
		clock:   clock,
		logger:  logger,
		alarms:  make(map[string]*entry),
		sources: sources,
	}
}

// Now returns the clock's current time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// Set arms the named alarm for deadline. fn runs on the clock's goroutine
// without any manager lock held.
func (m *Manager) Set(name string, deadline time.Time, kind Kind, fn func()) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.stopLocked(name)

	m.gen++
	gen := m.gen
	e := &entry{deadline: deadline, kind: kind, gen: gen}
	e.timer = m.clock.AfterFunc(deadline.Sub(m.clock.Now()), func() {
		m.fire(name, gen, fn)
	})
	m.alarms[name] = e
}

// After runs fn once d has passed. Unlike Set, the timer is anonymous and
// only the returned handle can stop it.
func (m *Manager) After(d time.Duration, fn func()) Timer {
	return m.clock.AfterFunc(d, fn)
}

// Cancel disarms the named alarm. Cancelling an alarm that is not armed is a
// no-op; it reports whether one was armed.
func (m *Manager) Cancel(name string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stopLocked(name)
}

func (m *Manager) stopLocked(name string) bool {
	e, ok := m.alarms[name]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(m.alarms, name)
	return true
}

func (m *Manager) fire(name string, gen uint64, fn func()) {
	m.mutex.Lock()
	e, ok := m.alarms[name]
	if !ok || e.gen != gen {
		// Replaced or cancelled after the timer had already started firing
		m.mutex.Unlock()
		return
	}
	delete(m.alarms, name)
	m.mutex.Unlock()

	fn()
}

// Deadline returns when the named alarm fires, if it is armed.
func (m *Manager) Deadline(name string) (time.Time, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	e, ok := m.alarms[name]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// AddSource registers another wake source.
func (m *Manager) AddSource(src WakeSource) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sources = append(m.sources, src)
}

// NextWake returns the earliest time, on this manager's clock, at which some
// wake source needs the device awake. Wake times already past are ignored;
// ok is false when none is left.
func (m *Manager) NextWake() (time.Time, bool) {
	m.mutex.Lock()
	sources := append([]WakeSource(nil), m.sources...)
	m.mutex.Unlock()

	var soonest time.Duration
	found := false
	for _, src := range sources {
		until, ok := src.UntilWake()
		if !ok || until <= 0 {
			continue
		}
		if !found || until < soonest {
			soonest = until
			found = true
		}
	}
	if !found {
		return time.Time{}, false
	}
	return m.clock.Now().Add(soonest), true
}

// Dump lists the armed alarms relative to now.
func (m *Manager) Dump(w io.Writer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	names := make([]string, 0, len(m.alarms))
	for name := range m.alarms {
		names = append(names, name)
	}
	sort.Strings(names)

	now := m.clock.Now()
	for _, name := range names {
		e := m.alarms[name]
		fmt.Fprintf(w, "    %s: in %v (%s)\n", name, e.deadline.Sub(now).Truncate(time.Millisecond), e.kind)
	}
}

// Close disarms every alarm.
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for name := range m.alarms {
		m.stopLocked(name)
	}
	m.logger.Printf("Closed alarm manager")
}
