package hardware

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/librescoot/doze-service/internal/alarm"
	"github.com/librescoot/doze-service/internal/idle"
	"github.com/warthog618/go-gpiocdev"
)

// MotionConfig selects the GPIO line the motion interrupt is wired to.
type MotionConfig struct {
	Chip        string
	Line        int
	Debounce    time.Duration
	StillWindow time.Duration
	DryRun      bool
}

// MotionSensor reads a motion interrupt line. Any edge counts as movement;
// a check that sees no edge for StillWindow reports the device stationary.
type MotionSensor struct {
	logger *log.Logger
	clock  alarm.Clock
	window time.Duration
	dryRun bool

	chip *gpiocdev.Chip
	line *gpiocdev.Line

	mutex      sync.Mutex
	onMotion   func()
	onResult   func(idle.MotionResult)
	checkTimer alarm.Timer
	checkGen   uint64
}

// NewMotionSensor opens the motion line. In dry-run mode no line is opened
// and movement only comes from Inject.
func NewMotionSensor(logger *log.Logger, clock alarm.Clock, cfg MotionConfig) (*MotionSensor, error) {
	ms := &MotionSensor{
		logger: logger,
		clock:  clock,
		window: cfg.StillWindow,
		dryRun: cfg.DryRun,
	}
	if ms.window <= 0 {
		ms.window = 5 * time.Second
	}

	if cfg.DryRun {
		return ms, nil
	}

	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", cfg.Chip, err)
	}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { ms.handleEdge() }),
	}
	if cfg.Debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(cfg.Debounce))
	}

	line, err := chip.RequestLine(cfg.Line, opts...)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("failed to request motion GPIO %d: %w", cfg.Line, err)
	}
	ms.chip = chip
	ms.line = line

	logger.Printf("Watching motion interrupt on %s line %d", cfg.Chip, cfg.Line)
	return ms, nil
}

func (ms *MotionSensor) StartMonitoring(onMotion func()) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	ms.onMotion = onMotion
	return nil
}

func (ms *MotionSensor) StopMonitoring() {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	ms.onMotion = nil
}

func (ms *MotionSensor) CheckAnyMotion(onResult func(idle.MotionResult)) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	ms.stopCheckLocked()
	ms.checkGen++
	gen := ms.checkGen
	ms.onResult = onResult
	ms.checkTimer = ms.clock.AfterFunc(ms.window, func() { ms.stillElapsed(gen) })
}

func (ms *MotionSensor) StopAnyMotion() {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	ms.stopCheckLocked()
}

func (ms *MotionSensor) stopCheckLocked() {
	if ms.checkTimer != nil {
		ms.checkTimer.Stop()
		ms.checkTimer = nil
	}
	ms.onResult = nil
}

// takeCheckLocked ends the pending check and hands back its callback.
func (ms *MotionSensor) takeCheckLocked() func(idle.MotionResult) {
	fn := ms.onResult
	ms.stopCheckLocked()
	return fn
}

func (ms *MotionSensor) stillElapsed(gen uint64) {
	ms.mutex.Lock()
	if gen != ms.checkGen || ms.onResult == nil {
		ms.mutex.Unlock()
		return
	}
	fn := ms.takeCheckLocked()
	ms.mutex.Unlock()

	fn(idle.MotionStationary)
}

func (ms *MotionSensor) handleEdge() {
	ms.mutex.Lock()
	onMotion := ms.onMotion
	onResult := ms.takeCheckLocked()
	ms.mutex.Unlock()

	if onResult != nil {
		onResult(idle.MotionMoved)
	}
	if onMotion != nil {
		onMotion()
	}
}

// Inject reports movement as if the line had toggled.
func (ms *MotionSensor) Inject() {
	if ms.dryRun {
		ms.logger.Printf("DRY RUN: Injecting motion event")
	}
	ms.handleEdge()
}

// Close releases the line.
func (ms *MotionSensor) Close() error {
	ms.mutex.Lock()
	ms.stopCheckLocked()
	ms.onMotion = nil
	ms.mutex.Unlock()

	if ms.dryRun {
		return nil
	}

	var lastErr error
	if ms.line != nil {
		if err := ms.line.Close(); err != nil {
			ms.logger.Printf("Failed to close motion GPIO line: %v", err)
			lastErr = err
		}
	}
	if ms.chip != nil {
		if err := ms.chip.Close(); err != nil {
			ms.logger.Printf("Failed to close GPIO chip: %v", err)
			lastErr = err
		}
	}
	return lastErr
}
