package hardware

import (
	"context"
	"fmt"
	"log"

	"github.com/librescoot/doze-service/internal/alarm"
	"github.com/librescoot/doze-service/internal/idle"
	"github.com/redis/go-redis/v9"
)

// Config for the hardware the idle policy touches.
type Config struct {
	Motion         MotionConfig
	MotionEnabled  bool
	GovernorPath   string
	IdleGovernor   string
	ActiveGovernor string
	DryRun         bool
}

// Manager owns the motion line and the CPU governor and mirrors the
// governor into Redis.
type Manager struct {
	motion   *MotionSensor
	governor *Governor
	redis    *redis.Client
	logger   *log.Logger
	ctx      context.Context

	idleGovernor   string
	activeGovernor string
}

// NewManager opens the hardware. A motion line that cannot be opened is
// logged and left out; the idle policy then runs without motion.
func NewManager(ctx context.Context, redisClient *redis.Client, logger *log.Logger, clock alarm.Clock, cfg Config) *Manager {
	m := &Manager{
		governor:       NewGovernor(logger, cfg.GovernorPath, cfg.DryRun),
		redis:          redisClient,
		logger:         logger,
		ctx:            ctx,
		idleGovernor:   cfg.IdleGovernor,
		activeGovernor: cfg.ActiveGovernor,
	}

	if cfg.MotionEnabled {
		mc := cfg.Motion
		mc.DryRun = mc.DryRun || cfg.DryRun
		motion, err := NewMotionSensor(logger, clock, mc)
		if err != nil {
			logger.Printf("Motion sensor unavailable: %v", err)
		} else {
			m.motion = motion
		}
	}

	return m
}

// Motion returns the motion sensor, or nil when there is none.
func (m *Manager) Motion() idle.MotionSensor {
	if m.motion == nil {
		return nil
	}
	return m.motion
}

// InjectMotion simulates a motion interrupt.
func (m *Manager) InjectMotion() error {
	if m.motion == nil {
		return fmt.Errorf("no motion sensor")
	}
	m.motion.Inject()
	return nil
}

// SetDeepIdle switches to the idle governor while deep idle is in force and
// back to the active one afterwards. Empty governor names leave it alone.
func (m *Manager) SetDeepIdle(on bool) {
	governor := m.activeGovernor
	if on {
		governor = m.idleGovernor
	}
	if governor == "" {
		return
	}
	if err := m.SetCPUGovernor(governor); err != nil {
		m.logger.Printf("Failed to switch CPU governor: %v", err)
	}
}

// SetCPUGovernor sets the governor and updates Redis state.
func (m *Manager) SetCPUGovernor(governor string) error {
	if err := m.governor.Set(governor); err != nil {
		return err
	}
	m.publishGovernor(governor)
	return nil
}

func (m *Manager) publishGovernor(governor string) {
	if m.redis == nil {
		return
	}
	pipe := m.redis.Pipeline()
	pipe.HSet(m.ctx, "system", "cpu-governor", governor)
	pipe.Publish(m.ctx, "system", "cpu-governor")
	if _, err := pipe.Exec(m.ctx); err != nil {
		m.logger.Printf("Warning: Failed to update CPU governor state in Redis: %v", err)
	}
}

// InitializeRedisState publishes the governor found at startup.
func (m *Manager) InitializeRedisState() {
	governor, err := m.governor.Get()
	if err != nil {
		m.logger.Printf("Warning: Could not read current CPU governor: %v", err)
		governor = "unknown"
	}
	m.publishGovernor(governor)
}

func (m *Manager) Close() error {
	if m.motion == nil {
		return nil
	}
	return m.motion.Close()
}
