// Package service wires the idle controller to the device: signals in from
// Redis and D-Bus, decisions out to Redis, holds and hardware.
package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/librescoot/doze-service/internal/alarm"
	"github.com/librescoot/doze-service/internal/config"
	"github.com/librescoot/doze-service/internal/constants"
	"github.com/librescoot/doze-service/internal/hardware"
	"github.com/librescoot/doze-service/internal/idle"
	"github.com/librescoot/doze-service/internal/inhibitor"
	"github.com/librescoot/doze-service/internal/location"
	"github.com/librescoot/doze-service/internal/power"
	"github.com/librescoot/doze-service/internal/store"
	"github.com/librescoot/doze-service/internal/sysbus"
	"github.com/librescoot/doze-service/internal/whitelist"
	"github.com/redis/go-redis/v9"
	redis_ipc "github.com/rescoot/redis-ipc"
)

// Constants layers, lowest first.
const (
	layerFile  = "file"
	layerRedis = "redis"
	layerFlag  = "flag"
)

const rtcPollInterval = 30 * time.Second

type Service struct {
	config *config.Config
	logger *log.Logger
	redis  *redis_ipc.Client
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc

	controller *idle.Controller
	publisher  *Publisher
	sink       sink

	hwManager *hardware.Manager
	hardware  hardwareControl

	holds      *power.Holds
	logind     *power.LogindBackend
	inhibitors *inhibitor.Manager
	holdRedis  *inhibitor.RedisListener

	alarms    *alarm.Manager
	rtcWake   *alarm.RTCWakeSource
	redisWake *alarm.RedisWakeSource

	reloader       *constants.Reloader
	constantsFile  *constants.FileSource
	constantsRedis *constants.RedisSource

	db      *store.SQLite
	gps     *location.RedisProvider
	network *location.RedisProvider
	bus     *sysbus.Watcher

	opsMutex sync.Mutex
	ops      int
}

func New(cfg *config.Config, logger *log.Logger) (*Service, error) {
	redisConfig := redis_ipc.Config{
		Address:       cfg.RedisHost,
		Port:          cfg.RedisPort,
		RetryInterval: 5 * time.Second,
		MaxRetries:    3,
	}

	redisClient, err := redis_ipc.New(redisConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %v", err)
	}

	standardRedisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr(),
		DB:   0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		config: cfg,
		logger: logger,
		redis:  redisClient,
		client: standardRedisClient,
		ctx:    ctx,
		cancel: cancel,
	}
	s.sink = &redisSink{ipc: redisClient, client: standardRedisClient, ctx: ctx}

	clock := alarm.BoottimeClock{}

	s.hwManager = hardware.NewManager(ctx, standardRedisClient, logger, clock, hardware.Config{
		Motion: hardware.MotionConfig{
			Chip:        cfg.MotionChip,
			Line:        cfg.MotionLine,
			Debounce:    cfg.MotionDebounce,
			StillWindow: cfg.MotionStillWindow,
		},
		MotionEnabled:  cfg.Motion,
		GovernorPath:   cfg.GovernorPath,
		IdleGovernor:   cfg.IdleGovernor,
		ActiveGovernor: cfg.ActiveGovernor,
		DryRun:         cfg.DryRun,
	})
	s.hardware = s.hwManager
	s.publisher = NewPublisher(logger, s.sink, s.hwManager.SetDeepIdle)

	var backend power.Backend
	switch {
	case cfg.DryRun:
		backend = power.DryRunBackend{Logger: logger}
	case cfg.DBus:
		lb, err := power.NewLogindBackend()
		if err != nil {
			logger.Printf("Sleep blocks through logind unavailable: %v", err)
		} else {
			s.logind = lb
			backend = lb
		}
	}
	s.holds = power.NewHolds(logger, backend)

	var sources []alarm.WakeSource
	if cfg.RTCWakeAlarm != "" {
		s.rtcWake = alarm.NewRTCWakeSource(cfg.RTCWakeAlarm, logger)
		sources = append(sources, s.rtcWake)
	}
	s.redisWake = alarm.NewRedisWakeSource(standardRedisClient, logger)
	sources = append(sources, s.redisWake)
	s.alarms = alarm.NewManager(clock, logger, sources...)

	s.reloader = constants.NewReloader(logger, s.onConstantsChanged, layerFile, layerRedis, layerFlag)
	if cfg.ConfigFile != "" {
		s.constantsFile = constants.NewFileSource(cfg.ConfigFile, layerFile, s.reloader, logger)
		if err := s.constantsFile.Load(); err != nil {
			logger.Printf("Failed to load idle constants: %v", err)
		}
	}
	if cfg.Constants != "" {
		s.reloader.SetLayerString(layerFlag, cfg.Constants)
	}
	s.constantsRedis = constants.NewRedisSource(standardRedisClient, layerRedis, s.reloader, logger)

	baseline, err := store.LoadBaseline(cfg.SystemWhitelist)
	if err != nil {
		logger.Printf("Failed to load system whitelist: %v", err)
		baseline = &store.Baseline{}
	}
	resolver := store.NewResolver(baseline.Packages)
	system, exceptIdle, skipped := baseline.Resolve(resolver)
	for _, pkg := range skipped {
		logger.Printf("Unknown package %s in system whitelist", pkg)
	}

	var persister idle.Persister
	if cfg.WhitelistDB != "" {
		db, err := store.Open(cfg.WhitelistDB)
		if err != nil {
			logger.Printf("Whitelist edits will not be saved: %v", err)
		} else {
			s.db = db
			persister = db
		}
	}

	var gps, network idle.LocationProvider
	if cfg.GPS {
		s.gps = location.NewRedisProvider(ctx, standardRedisClient, location.GPSSource, logger)
		gps = s.gps
	}
	if cfg.NetworkLocation {
		s.network = location.NewRedisProvider(ctx, standardRedisClient, location.NetworkSource, logger)
		network = s.network
	}

	s.controller = idle.New(idle.Options{
		Logger:         logger,
		Alarms:         s.alarms,
		Constants:      s.reloader.Current(),
		Motion:         s.hwManager.Motion(),
		Network:        network,
		GPS:            gps,
		Notifier:       s.publisher,
		Persister:      persister,
		Resolver:       resolver,
		Whitelist:      whitelist.New(system, exceptIdle),
		GoingIdleHold:  s.holds.GoingIdle,
		ActiveIdleHold: s.holds.ActiveIdle,
		DeepEnabled:    cfg.DeepIdle,
		LightEnabled:   cfg.LightIdle,
	})

	inhibitors, err := inhibitor.NewManager(logger, cfg.SocketPath, s.onHoldsChanged)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create hold manager: %v", err)
	}
	s.inhibitors = inhibitors
	s.holdRedis = inhibitor.NewRedisListener(ctx, standardRedisClient, inhibitors, logger)

	return s, nil
}

func (s *Service) onConstantsChanged(c constants.Constants) {
	if s.controller == nil {
		return
	}
	s.logger.Printf("Idle constants changed: %s", c.Format())
	s.controller.UpdateConstants(c)
}

// onHoldsChanged feeds work hold counts into the controller and mirrors the
// holds into Redis.
func (s *Service) onHoldsChanged(sum inhibitor.Summary) {
	s.controller.SetJobsActive(sum.Jobs > 0)
	s.controller.SetAlarmsActive(sum.Alarms > 0)

	s.opsMutex.Lock()
	for ; s.ops < sum.Ops; s.ops++ {
		s.controller.IncActiveIdleOps()
	}
	for ; s.ops > sum.Ops; s.ops-- {
		s.controller.DecActiveIdleOps()
	}
	s.opsMutex.Unlock()

	if s.inhibitors != nil {
		s.publishHolds(s.inhibitors.Holds())
	}
}

func (s *Service) publishHolds(holds []inhibitor.Hold) {
	fields := make(map[string]string, len(holds))
	for _, h := range holds {
		fields[fmt.Sprintf("%s %s %s", h.Who, h.Why, h.ID)] = string(h.What)
	}
	if err := s.sink.ReplaceHash(BusyServicesHash, fields, busyServicesUpdated); err != nil {
		s.logger.Printf("Failed to publish work holds: %v", err)
	}
}

func (s *Service) Run(ctx context.Context) error {
	s.readInitialStates()

	if err := s.controller.Start(); err != nil {
		s.logger.Printf("Starting without saved whitelist edits")
	}
	s.hwManager.InitializeRedisState()

	if err := s.subscribeInputs(); err != nil {
		return err
	}
	s.redis.HandleRequests(WhitelistRequests, s.onWhitelistRequest)

	if err := s.holdRedis.Start(); err != nil {
		return fmt.Errorf("failed to start hold listener: %v", err)
	}

	if s.constantsFile != nil {
		if err := s.constantsFile.Watch(); err != nil {
			s.logger.Printf("Not watching %s: %v", s.config.ConfigFile, err)
		}
	}
	go s.constantsRedis.Run(ctx)
	go s.redisWake.Run(ctx)
	if s.rtcWake != nil {
		go s.rtcWake.Run(ctx, rtcPollInterval)
	}

	if s.config.DBus {
		bus, err := sysbus.NewWatcher(s.logger, sysbus.Handlers{
			Charging: s.controller.OnChargingChanged,
			Locked:   s.controller.OnKeyguardChanged,
		})
		if err != nil {
			s.logger.Printf("Not following the system bus: %v", err)
		} else if err := bus.Start(ctx); err != nil {
			s.logger.Printf("Not following the system bus: %v", err)
			bus.Close()
		} else {
			s.bus = bus
		}
	}

	go s.listenForCommands(ctx)

	<-ctx.Done()
	s.close()
	return nil
}

// close releases everything New and Run set up, in reverse order.
func (s *Service) close() {
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Printf("Failed to close system bus watcher: %v", err)
		}
	}
	if s.holdRedis != nil {
		s.holdRedis.Stop()
	}
	if s.inhibitors != nil {
		if err := s.inhibitors.Close(); err != nil {
			s.logger.Printf("Failed to close hold manager: %v", err)
		}
	}

	s.controller.Close()
	s.cancel()

	if s.constantsFile != nil {
		if err := s.constantsFile.Close(); err != nil {
			s.logger.Printf("Failed to close constants watcher: %v", err)
		}
	}
	s.alarms.Close()
	s.holds.Close()
	if s.logind != nil {
		if err := s.logind.Close(); err != nil {
			s.logger.Printf("Failed to close logind connection: %v", err)
		}
	}
	if err := s.hwManager.Close(); err != nil {
		s.logger.Printf("Failed to close hardware: %v", err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Printf("Failed to close whitelist database: %v", err)
		}
	}
	if err := s.client.Close(); err != nil {
		s.logger.Printf("Failed to close Redis client: %v", err)
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Printf("Failed to close Redis client: %v", err)
	}
}

// Dump writes the controller state followed by the holds.
func (s *Service) Dump(w io.Writer) {
	s.controller.Dump(w)

	fmt.Fprintln(w, "  Work holds:")
	if s.inhibitors != nil {
		for _, h := range s.inhibitors.Holds() {
			fmt.Fprintf(w, "    %s: %s %s (%s)\n", h.ID, h.Who, h.What, h.Why)
		}
	}
	fmt.Fprintf(w, "  Resource holds: %v\n", s.holds.Active())
	if s.publisher != nil {
		deep, light := s.publisher.Modes()
		fmt.Fprintf(w, "  Applied modes: deep=%s light=%s\n", onOff(deep), onOff(light))
	}
}
