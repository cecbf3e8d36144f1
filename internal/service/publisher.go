package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/librescoot/doze-service/internal/fsm"
	"github.com/redis/go-redis/v9"
	redis_ipc "github.com/rescoot/redis-ipc"
)

// Redis keys the service publishes.
const (
	StateHash           = "doze"
	IdleChangedChannel  = "doze:idle-changed"
	WhitelistKey        = "doze:whitelist"
	ExceptIdleKey       = "doze:whitelist-except-idle"
	TempWhitelistKey    = "doze:temp-whitelist"
	BusyServicesHash    = "doze:busy-services"
	busyServicesUpdated = "updated"
)

// sink is where published state ends up.
type sink interface {
	// WriteHash sets fields of hash and announces each field on the
	// channel named like the hash.
	WriteHash(hash string, fields map[string]string) error
	// ReplaceHash replaces the whole hash and announces message.
	ReplaceHash(hash string, fields map[string]string, message string) error
	// WriteSet replaces a set of ids and announces message on channel.
	WriteSet(key string, members []int, channel, message string) error
	Publish(channel, message string) error
}

type redisSink struct {
	ipc    *redis_ipc.Client
	client *redis.Client
	ctx    context.Context
}

func sortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *redisSink) WriteHash(hash string, fields map[string]string) error {
	tx := s.ipc.NewTxGroup(hash)
	keys := sortedKeys(fields)
	for _, k := range keys {
		tx.Add("HSET", hash, k, fields[k])
	}
	for _, k := range keys {
		tx.Add("PUBLISH", hash, k)
	}
	if _, err := tx.Exec(); err != nil {
		return fmt.Errorf("failed to write %s: %w", hash, err)
	}
	return nil
}

func (s *redisSink) ReplaceHash(hash string, fields map[string]string, message string) error {
	tx := s.ipc.NewTxGroup(hash)
	tx.Add("DEL", hash)
	for _, k := range sortedKeys(fields) {
		tx.Add("HSET", hash, k, fields[k])
	}
	tx.Add("PUBLISH", hash, message)
	if _, err := tx.Exec(); err != nil {
		return fmt.Errorf("failed to replace %s: %w", hash, err)
	}
	return nil
}

func (s *redisSink) WriteSet(key string, members []int, channel, message string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(s.ctx, key)
	if len(members) > 0 {
		values := make([]interface{}, len(members))
		for i, m := range members {
			values[i] = m
		}
		pipe.SAdd(s.ctx, key, values...)
	}
	pipe.Publish(s.ctx, channel, message)
	if _, err := pipe.Exec(s.ctx); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *redisSink) Publish(channel, message string) error {
	return s.client.Publish(s.ctx, channel, message).Err()
}

// Publisher carries the controller's decisions to Redis. It remembers the
// idle modes it last applied so that it can tell the controller whether a
// request changed anything.
type Publisher struct {
	logger *log.Logger
	sink   sink

	mutex     sync.Mutex
	deepIdle  bool
	lightIdle bool

	// onDeepIdle is called after the deep idle mode changed.
	onDeepIdle func(bool)
}

func NewPublisher(logger *log.Logger, s sink, onDeepIdle func(bool)) *Publisher {
	return &Publisher{
		logger:     logger,
		sink:       s,
		onDeepIdle: onDeepIdle,
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func (p *Publisher) write(fields map[string]string) {
	if err := p.sink.WriteHash(StateHash, fields); err != nil {
		p.logger.Printf("Failed to publish idle state: %v", err)
	}
}

func (p *Publisher) SetDeepIdle(on bool) bool {
	p.mutex.Lock()
	if p.deepIdle == on {
		p.mutex.Unlock()
		return false
	}
	p.deepIdle = on
	p.mutex.Unlock()

	p.logger.Printf("Deep idle mode %s", onOff(on))
	p.write(map[string]string{"deep-idle": onOff(on)})
	if p.onDeepIdle != nil {
		p.onDeepIdle(on)
	}
	return true
}

func (p *Publisher) SetLightIdle(on bool) bool {
	p.mutex.Lock()
	if p.lightIdle == on {
		p.mutex.Unlock()
		return false
	}
	p.lightIdle = on
	p.mutex.Unlock()

	p.logger.Printf("Light idle mode %s", onOff(on))
	p.write(map[string]string{"light-idle": onOff(on)})
	return true
}

// Modes returns the idle modes last applied.
func (p *Publisher) Modes() (deep, light bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.deepIdle, p.lightIdle
}

func (p *Publisher) BroadcastIdleChanged(mode fsm.Mode) {
	if err := p.sink.Publish(IdleChangedChannel, mode.String()); err != nil {
		p.logger.Printf("Failed to broadcast idle change: %v", err)
	}
}

func formatIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func (p *Publisher) SetWhitelist(all, exceptIdle []int) {
	if err := p.sink.WriteSet(WhitelistKey, all, StateHash, "whitelist"); err != nil {
		p.logger.Printf("Failed to publish whitelist: %v", err)
	}
	if err := p.sink.WriteSet(ExceptIdleKey, exceptIdle, StateHash, "whitelist-except-idle"); err != nil {
		p.logger.Printf("Failed to publish except-idle whitelist: %v", err)
	}
}

func (p *Publisher) SetTempWhitelist(ids []int) {
	if err := p.sink.WriteSet(TempWhitelistKey, ids, StateHash, "temp-whitelist"); err != nil {
		p.logger.Printf("Failed to publish temp whitelist [%s]: %v", formatIDs(ids), err)
	}
}

func (p *Publisher) MaintenanceActivity(active bool) {
	state := "idle"
	if active {
		state = "active"
	}
	p.write(map[string]string{"maintenance": state})
}

func (p *Publisher) StateChanged(deep fsm.DeepState, light fsm.LightState, reason string) {
	p.write(map[string]string{
		"deep":   deep.String(),
		"light":  light.String(),
		"reason": reason,
	})
}
