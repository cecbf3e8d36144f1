package idle

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/doze-service/internal/alarm"
	"github.com/librescoot/doze-service/internal/constants"
	"github.com/librescoot/doze-service/internal/fsm"
	"github.com/librescoot/doze-service/internal/whitelist"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeMotion struct {
	mu         sync.Mutex
	onMotion   func()
	onResult   func(MotionResult)
	starts     int
	stops      int
	checks     int
	stopChecks int
}

func (m *fakeMotion) StartMonitoring(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMotion = fn
	m.starts++
	return nil
}

func (m *fakeMotion) StopMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMotion = nil
	m.stops++
}

func (m *fakeMotion) CheckAnyMotion(fn func(MotionResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResult = fn
	m.checks++
}

func (m *fakeMotion) StopAnyMotion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResult = nil
	m.stopChecks++
}

func (m *fakeMotion) move() {
	m.mu.Lock()
	fn := m.onMotion
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *fakeMotion) report(r MotionResult) {
	m.mu.Lock()
	fn := m.onResult
	m.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

type fakeLocation struct {
	mu       sync.Mutex
	name     string
	onFix    func(Fix)
	requests int
	cancels  int
}

func (l *fakeLocation) Name() string { return l.name }

func (l *fakeLocation) RequestFix(fn func(Fix)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFix = fn
	l.requests++
	return nil
}

func (l *fakeLocation) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFix = nil
	l.cancels++
}

func (l *fakeLocation) fix(accuracy float64) {
	l.mu.Lock()
	fn := l.onFix
	l.mu.Unlock()
	if fn != nil {
		fn(Fix{Latitude: 52.52, Longitude: 13.405, Accuracy: accuracy})
	}
}

type fakeNotifier struct {
	mu         sync.Mutex
	deep       bool
	light      bool
	broadcasts []fsm.Mode
	all        []int
	except     []int
	temp       [][]int
	activity   []bool
	states     []string
}

func (n *fakeNotifier) SetDeepIdle(on bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := n.deep != on
	n.deep = on
	return changed
}

func (n *fakeNotifier) SetLightIdle(on bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := n.light != on
	n.light = on
	return changed
}

func (n *fakeNotifier) BroadcastIdleChanged(mode fsm.Mode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, mode)
}

func (n *fakeNotifier) SetWhitelist(all, exceptIdle []int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all, n.except = all, exceptIdle
}

func (n *fakeNotifier) SetTempWhitelist(ids []int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.temp = append(n.temp, ids)
}

func (n *fakeNotifier) MaintenanceActivity(active bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.activity = append(n.activity, active)
}

func (n *fakeNotifier) StateChanged(deep fsm.DeepState, light fsm.LightState, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, deep.String()+"/"+light.String())
}

func (n *fakeNotifier) idle() (deep, light bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deep, n.light
}

func (n *fakeNotifier) broadcastCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.broadcasts)
}

type fakeHold struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (h *fakeHold) Acquire() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acquired++
}

func (h *fakeHold) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released++
}

func (h *fakeHold) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acquired, h.released
}

type fakePersister struct {
	mu      sync.Mutex
	loaded  whitelist.Persisted
	saveErr error
	saves   []whitelist.Persisted
}

func (p *fakePersister) Load() (whitelist.Persisted, error) {
	return p.loaded, nil
}

func (p *fakePersister) Save(w whitelist.Persisted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, w)
	return p.saveErr
}

func (p *fakePersister) saved() []whitelist.Persisted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]whitelist.Persisted(nil), p.saves...)
}

type fakeResolver map[string]int

func (r fakeResolver) AppID(pkg string) (int, error) {
	if id, ok := r[pkg]; ok {
		return id, nil
	}
	return 0, whitelist.ErrUnknownPackage
}

type harness struct {
	clock     *alarm.ManualClock
	alarms    *alarm.Manager
	motion    *fakeMotion
	notifier  *fakeNotifier
	persister *fakePersister
	goingIdle *fakeHold
	active    *fakeHold
	wakeAt    time.Time
	c         *Controller
}

func newHarness(t *testing.T, configure func(o *Options)) *harness {
	t.Helper()

	h := &harness{
		clock:     alarm.NewManualClock(epoch),
		motion:    &fakeMotion{},
		notifier:  &fakeNotifier{},
		persister: &fakePersister{},
		goingIdle: &fakeHold{},
		active:    &fakeHold{},
	}
	logger := log.New(io.Discard, "", 0)
	h.alarms = alarm.NewManager(h.clock, logger, alarm.WakeFunc(h.untilWake))

	opts := Options{
		Logger:    logger,
		Alarms:    h.alarms,
		Constants: constants.Default(),
		Motion:    h.motion,
		Notifier:  h.notifier,
		Persister: h.persister,
		Resolver: fakeResolver{
			"com.example.mail": 10010,
			"com.example.chat": 10020,
		},
		GoingIdleHold:  h.goingIdle,
		ActiveIdleHold: h.active,
		DeepEnabled:    true,
		LightEnabled:   true,
	}
	if configure != nil {
		configure(&opts)
	}

	h.c = New(opts)
	require.NoError(t, h.c.Start())
	h.c.Flush()
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) untilWake() (time.Duration, bool) {
	if h.wakeAt.IsZero() {
		return 0, false
	}
	return h.wakeAt.Sub(h.clock.Now()), true
}

// at moves the clock to epoch+d and waits for the resulting side effects.
func (h *harness) at(d time.Duration) {
	h.clock.AdvanceTo(epoch.Add(d))
	h.c.Flush()
}

func (h *harness) deadline(name string) (time.Duration, bool) {
	at, ok := h.alarms.Deadline(name)
	if !ok {
		return 0, false
	}
	return at.Sub(h.clock.Now()), true
}
