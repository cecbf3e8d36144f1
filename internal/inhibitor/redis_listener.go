package inhibitor

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis keys for work holds
	HoldHashKey = "doze:holds"
	HoldChannel = "doze:holds"
)

// RedisListener mirrors the holds kept in the Redis hash into a Manager.
// Services announce changes on the channel as "add:<id>" or "remove:<id>";
// the hash is also rescanned periodically so a missed message is not lost.
type RedisListener struct {
	client  *redis.Client
	manager *Manager
	logger  *log.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mutex   sync.Mutex
	known   map[string]*redisHold
	scan    time.Duration
}

// redisHold is a hash entry seen by the listener. An entry whose duration
// ran out stays known, so the scan does not add it again while it lingers
// in the hash.
type redisHold struct {
	timer   *time.Timer
	expired bool
}

// NewRedisListener creates a listener on an existing client.
func NewRedisListener(ctx context.Context, client *redis.Client, manager *Manager, logger *log.Logger) *RedisListener {
	listenerCtx, cancel := context.WithCancel(ctx)
	return &RedisListener{
		client:  client,
		manager: manager,
		logger:  logger,
		ctx:     listenerCtx,
		cancel:  cancel,
		known:   make(map[string]*redisHold),
		scan:    time.Second,
	}
}

// Start subscribes to the hold channel and starts the hash scan.
func (r *RedisListener) Start() error {
	pubsub := r.client.Subscribe(r.ctx, HoldChannel)
	if _, err := pubsub.Receive(r.ctx); err != nil {
		pubsub.Close()
		return err
	}
	r.logger.Printf("Subscribed to Redis channel: %s", HoldChannel)

	r.wg.Add(2)
	go r.channelListener(pubsub)
	go r.hashMonitor()
	return nil
}

func (r *RedisListener) channelListener(pubsub *redis.PubSub) {
	defer r.wg.Done()
	defer pubsub.Close()

	channel := pubsub.Channel()
	for {
		select {
		case msg, ok := <-channel:
			if !ok {
				if r.ctx.Err() != nil {
					return
				}
				log.Fatalf("Redis connection lost, exiting to allow systemd restart")
			}

			action, id, found := strings.Cut(msg.Payload, ":")
			if !found {
				r.logger.Printf("Invalid hold message format: %s", msg.Payload)
				continue
			}
			switch action {
			case "add":
				r.handleAdd(id)
			case "remove":
				r.handleRemove(id)
			default:
				r.logger.Printf("Unknown hold action: %s", action)
			}

		case <-r.ctx.Done():
			return
		}
	}
}

func (r *RedisListener) hashMonitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.scan)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.reconcile()
		}
	}
}

// reconcile adds holds found in the hash and drops the ones that vanished.
func (r *RedisListener) reconcile() {
	holds, err := r.client.HGetAll(r.ctx, HoldHashKey).Result()
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Printf("Error getting holds from Redis: %v", err)
		}
		return
	}

	for id, value := range holds {
		if !r.isKnown(id) {
			r.addHold(id, value)
		}
	}

	r.mutex.Lock()
	var gone []string
	for id := range r.known {
		if _, ok := holds[id]; !ok {
			gone = append(gone, id)
		}
	}
	r.mutex.Unlock()
	for _, id := range gone {
		r.handleRemove(id)
	}
}

func (r *RedisListener) isKnown(id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	_, ok := r.known[id]
	return ok
}

func (r *RedisListener) handleAdd(id string) {
	if r.isKnown(id) {
		return
	}
	value, err := r.client.HGet(r.ctx, HoldHashKey, id).Result()
	if err != nil {
		r.logger.Printf("Error getting hold %s: %v", id, err)
		return
	}
	r.addHold(id, value)
}

func (r *RedisListener) addHold(id, value string) {
	data, err := ParseHold([]byte(value))
	if err != nil {
		r.logger.Printf("Ignoring hold %s: %v", id, err)
		return
	}

	if !r.manager.Add("redis:"+id, data.Who, data.What, data.Why) {
		return
	}

	hold := &redisHold{}
	if data.Duration > 0 {
		hold.timer = time.AfterFunc(time.Duration(data.Duration)*time.Second, func() {
			r.expire(id)
		})
	}
	r.mutex.Lock()
	r.known[id] = hold
	r.mutex.Unlock()
}

func (r *RedisListener) expire(id string) {
	// Stale expiry timers may still fire after Stop
	if r.ctx.Err() != nil {
		return
	}

	r.mutex.Lock()
	hold, ok := r.known[id]
	if !ok || hold.expired {
		r.mutex.Unlock()
		return
	}
	hold.expired = true
	r.mutex.Unlock()

	r.logger.Printf("Hold %s expired", id)
	r.manager.Remove("redis:" + id)
}

func (r *RedisListener) handleRemove(id string) {
	if r.ctx.Err() != nil {
		return
	}

	r.mutex.Lock()
	hold, ok := r.known[id]
	delete(r.known, id)
	r.mutex.Unlock()
	if !ok {
		return
	}
	if hold.timer != nil {
		hold.timer.Stop()
	}
	if !hold.expired {
		r.manager.Remove("redis:" + id)
	}
}

// Stop ends the listener and drops the holds it added.
func (r *RedisListener) Stop() {
	r.cancel()
	r.wg.Wait()

	r.mutex.Lock()
	known := r.known
	r.known = make(map[string]*redisHold)
	r.mutex.Unlock()

	for id, hold := range known {
		if hold.timer != nil {
			hold.timer.Stop()
		}
		if !hold.expired {
			r.manager.Remove("redis:" + id)
		}
	}
}
