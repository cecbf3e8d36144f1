package power

import (
	"io"
	"log"
	"sort"
	"sync"
)

// Backend takes the platform level block that keeps the device from
// sleeping. Closing the returned lock drops it.
type Backend interface {
	Take(who, why string) (io.Closer, error)
}

// Hold is a named resource hold. A ref-counted hold stays taken until every
// Acquire has been matched by a Release; a plain hold is either taken or not.
type Hold struct {
	logger     *log.Logger
	backend    Backend
	name       string
	why        string
	refCounted bool

	mutex sync.Mutex
	count int
	lock  io.Closer
}

func newHold(logger *log.Logger, backend Backend, name, why string, refCounted bool) *Hold {
	return &Hold{
		logger:     logger,
		backend:    backend,
		name:       name,
		why:        why,
		refCounted: refCounted,
	}
}

// Name returns the hold's name.
func (h *Hold) Name() string { return h.name }

// Acquire takes the hold.
func (h *Hold) Acquire() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.count > 0 && !h.refCounted {
		return
	}
	h.count++
	if h.count > 1 {
		return
	}

	if h.backend == nil {
		return
	}
	lock, err := h.backend.Take(h.name, h.why)
	if err != nil {
		h.logger.Printf("Failed to take %s hold: %v", h.name, err)
		return
	}
	h.lock = lock
}

// Release drops one reference. Releasing a hold that is not held is logged
// and ignored.
func (h *Hold) Release() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.count == 0 {
		h.logger.Printf("Release of %s hold that is not held", h.name)
		return
	}
	if h.refCounted {
		h.count--
	} else {
		h.count = 0
	}
	if h.count == 0 {
		h.dropLocked()
	}
}

func (h *Hold) dropLocked() {
	if h.lock == nil {
		return
	}
	if err := h.lock.Close(); err != nil {
		h.logger.Printf("Failed to drop %s hold: %v", h.name, err)
	}
	h.lock = nil
}

// Held reports whether the hold is taken.
func (h *Hold) Held() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.count > 0
}

// Count returns the number of outstanding references.
func (h *Hold) Count() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.count
}

func (h *Hold) forceRelease() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.count = 0
	h.dropLocked()
}

// Holds is the pair of holds the idle controller uses: one while it is
// finishing the switch to idle, one while maintenance work is running.
type Holds struct {
	GoingIdle  *Hold
	ActiveIdle *Hold
}

// NewHolds creates the going-idle (ref-counted) and active-idle-op
// (plain) holds on top of backend. A nil backend only keeps count.
func NewHolds(logger *log.Logger, backend Backend) *Holds {
	return &Holds{
		GoingIdle:  newHold(logger, backend, "doze-going-idle", "Applying idle policy", true),
		ActiveIdle: newHold(logger, backend, "doze-active-idle-op", "Idle maintenance in progress", false),
	}
}

// Active returns the names of the holds currently taken.
func (hs *Holds) Active() []string {
	var names []string
	for _, h := range []*Hold{hs.GoingIdle, hs.ActiveIdle} {
		if h.Held() {
			names = append(names, h.name)
		}
	}
	sort.Strings(names)
	return names
}

// Close drops every hold regardless of its count.
func (hs *Holds) Close() {
	hs.GoingIdle.forceRelease()
	hs.ActiveIdle.forceRelease()
}

// DryRunBackend only logs what it would do.
type DryRunBackend struct {
	Logger *log.Logger
}

func (b DryRunBackend) Take(who, why string) (io.Closer, error) {
	b.Logger.Printf("DRY RUN: Would take sleep block %s (%s)", who, why)
	return dryRunLock{logger: b.Logger, who: who}, nil
}

type dryRunLock struct {
	logger *log.Logger
	who    string
}

func (l dryRunLock) Close() error {
	l.logger.Printf("DRY RUN: Would drop sleep block %s", l.who)
	return nil
}
