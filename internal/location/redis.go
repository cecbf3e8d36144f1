// Package location reads position fixes that other services publish to Redis.
package location

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/librescoot/doze-service/internal/idle"
	"github.com/redis/go-redis/v9"
)

var ErrNoFix = errors.New("no usable fix")

// Source describes where a provider's fixes live: a hash holding the latest
// position and a channel announcing updates to it.
type Source struct {
	Name      string
	Hash      string
	Channel   string
	Latitude  string
	Longitude string
	Accuracy  string
	Timestamp string
	// State and Ready, when set, gate fixes on Hash[State] == Ready.
	State string
	Ready string
	// MaxAge drops fixes whose timestamp is older than this.
	MaxAge time.Duration
}

// GPSSource is the GNSS receiver's hash.
var GPSSource = Source{
	Name:      idle.ProviderGPS,
	Hash:      "gps",
	Channel:   "gps",
	Latitude:  "latitude",
	Longitude: "longitude",
	Accuracy:  "eph",
	Timestamp: "timestamp",
	State:     "state",
	Ready:     "fix-established",
	MaxAge:    time.Minute,
}

// NetworkSource is the modem's cell based position.
var NetworkSource = Source{
	Name:      idle.ProviderNetwork,
	Hash:      "internet",
	Channel:   "internet",
	Latitude:  "cell-latitude",
	Longitude: "cell-longitude",
	Accuracy:  "cell-accuracy",
	Timestamp: "cell-timestamp",
	MaxAge:    10 * time.Minute,
}

// RedisProvider delivers fixes from a Source until cancelled.
type RedisProvider struct {
	client *redis.Client
	src    Source
	logger *log.Logger
	ctx    context.Context

	mutex  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisProvider(ctx context.Context, client *redis.Client, src Source, logger *log.Logger) *RedisProvider {
	return &RedisProvider{
		client: client,
		src:    src,
		logger: logger,
		ctx:    ctx,
	}
}

func (p *RedisProvider) Name() string { return p.src.Name }

// RequestFix starts watching the source. The current value is reported
// first if it is usable, then every update that is.
func (p *RedisProvider) RequestFix(onFix func(idle.Fix)) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if err := p.ctx.Err(); err != nil {
		return fmt.Errorf("location provider %s stopped: %w", p.src.Name, err)
	}
	p.cancelLocked()

	ctx, cancel := context.WithCancel(p.ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.watch(ctx, onFix)
	return nil
}

func (p *RedisProvider) Cancel() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.cancelLocked()
}

func (p *RedisProvider) cancelLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Wait blocks until the watch goroutines have returned.
func (p *RedisProvider) Wait() {
	p.wg.Wait()
}

func (p *RedisProvider) watch(ctx context.Context, onFix func(idle.Fix)) {
	defer p.wg.Done()

	pubsub := p.client.Subscribe(ctx, p.src.Channel)
	defer pubsub.Close()

	p.report(ctx, onFix)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !p.src.relevant(msg.Payload) {
				continue
			}
			p.report(ctx, onFix)
		}
	}
}

func (p *RedisProvider) report(ctx context.Context, onFix func(idle.Fix)) {
	values, err := p.client.HGetAll(ctx, p.src.Hash).Result()
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Printf("Failed to read %s location: %v", p.src.Name, err)
		}
		return
	}

	fix, err := p.src.Parse(values, time.Now())
	if err != nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	onFix(fix)
}

func (s Source) relevant(field string) bool {
	switch field {
	case s.Latitude, s.Longitude, s.Accuracy, s.Timestamp:
		return true
	}
	return s.State != "" && field == s.State
}

// Parse builds a fix from the hash values. now is the wall clock time used
// for the age check and for fixes without a timestamp.
func (s Source) Parse(values map[string]string, now time.Time) (idle.Fix, error) {
	if s.State != "" && values[s.State] != s.Ready {
		return idle.Fix{}, ErrNoFix
	}

	lat, err := strconv.ParseFloat(values[s.Latitude], 64)
	if err != nil {
		return idle.Fix{}, fmt.Errorf("%w: latitude %q", ErrNoFix, values[s.Latitude])
	}
	lon, err := strconv.ParseFloat(values[s.Longitude], 64)
	if err != nil {
		return idle.Fix{}, fmt.Errorf("%w: longitude %q", ErrNoFix, values[s.Longitude])
	}
	acc, err := strconv.ParseFloat(values[s.Accuracy], 64)
	if err != nil || acc < 0 {
		return idle.Fix{}, fmt.Errorf("%w: accuracy %q", ErrNoFix, values[s.Accuracy])
	}

	at := now
	if ts := values[s.Timestamp]; ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return idle.Fix{}, fmt.Errorf("%w: timestamp %q", ErrNoFix, ts)
		}
		at = parsed
	}
	if s.MaxAge > 0 && now.Sub(at) > s.MaxAge {
		return idle.Fix{}, fmt.Errorf("%w: fix from %s is stale", ErrNoFix, at.Format(time.RFC3339))
	}

	return idle.Fix{
		Provider:  s.Name,
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  acc,
		Time:      at,
	}, nil
}
