package alarm

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WakeSource reports how long until something needs the device awake, such
// as a calendar alarm. ok is false when nothing is scheduled or the wake
// time has already passed. It is called
// with the idle controller's lock held and must not block.
type WakeSource interface {
	UntilWake() (until time.Duration, ok bool)
}

// WakeFunc adapts a function to WakeSource.
type WakeFunc func() (time.Duration, bool)

func (f WakeFunc) UntilWake() (time.Duration, bool) { return f() }

// cachedWake holds the last known wall-clock wake time.
type cachedWake struct {
	mu sync.RWMutex
	at time.Time
	ok bool
}

func (c *cachedWake) set(at time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at, c.ok = at, ok
}

func (c *cachedWake) UntilWake() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ok {
		return 0, false
	}
	until := time.Until(c.at)
	if until <= 0 {
		return 0, false
	}
	return until, true
}

func parseUnix(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// RTCWakeSource follows the RTC wake alarm programmed in sysfs. The file
// holds seconds since the epoch, or nothing when no alarm is set.
type RTCWakeSource struct {
	cachedWake
	path   string
	logger *log.Logger
}

// NewRTCWakeSource creates a source reading path, typically
// /sys/class/rtc/rtc0/wakealarm, and reads it once.
func NewRTCWakeSource(path string, logger *log.Logger) *RTCWakeSource {
	r := &RTCWakeSource{path: path, logger: logger}
	r.Refresh()
	return r
}

// Refresh re-reads the sysfs file.
func (r *RTCWakeSource) Refresh() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Printf("Failed to read RTC wake alarm: %v", err)
		}
		r.set(time.Time{}, false)
		return
	}
	r.set(parseUnix(string(data)))
}

// Run re-reads the file every interval until ctx is cancelled.
func (r *RTCWakeSource) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh()
		}
	}
}

const (
	AlarmsHash      = "alarms"
	AlarmsChannel   = "alarms"
	AlarmsNextField = "next-wake"
)

// RedisWakeSource follows the next calendar wake-up other services announce
// in the alarms hash, as seconds since the epoch.
type RedisWakeSource struct {
	cachedWake
	client *redis.Client
	logger *log.Logger
}

// NewRedisWakeSource creates a source on an existing client.
func NewRedisWakeSource(client *redis.Client, logger *log.Logger) *RedisWakeSource {
	return &RedisWakeSource{client: client, logger: logger}
}

// Run loads the field and reloads it whenever it is announced on the alarms
// channel, until ctx is cancelled.
func (r *RedisWakeSource) Run(ctx context.Context) {
	pubsub := r.client.Subscribe(ctx, AlarmsChannel)
	defer pubsub.Close()

	r.load(ctx)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload == AlarmsNextField {
				r.load(ctx)
			}
		}
	}
}

func (r *RedisWakeSource) load(ctx context.Context) {
	val, err := r.client.HGet(ctx, AlarmsHash, AlarmsNextField).Result()
	if err == redis.Nil {
		r.set(time.Time{}, false)
		return
	}
	if err != nil {
		r.logger.Printf("Failed to read next wake from Redis: %v", err)
		return
	}
	r.set(parseUnix(val))
}
