// Package redissync mirrors KeyStore state to Redis and coordinates replicas
// over pub/sub (spec §4.9). It is authoritative only for the atomic counter
// operations (credit deduction, topup) that multiple replicas must agree on;
// everything else is an optimistic, eventually-consistent mirror of the
// local in-memory KeyStore.
package redissync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/paygate/gateway/internal/config"
	"github.com/paygate/gateway/internal/logger"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// EventType names a pub/sub invalidation message (spec §4.9).
type EventType string

const (
	EventKeyUpdated      EventType = "key_updated"
	EventTokenRevoked    EventType = "token_revoked"
	EventGroupUpdated    EventType = "group_updated"
	EventTemplateUpdated EventType = "template_updated"
)

// Event is the payload published on the coordination channel.
type Event struct {
	Type EventType `json:"type"`
	Key  string    `json:"key,omitempty"`
}

// keyPrefix is the Redis key namespace (spec §4.10 key layout table).
const keyPrefix = "paygate:"

func recordKey(key string) string  { return keyPrefix + "key:" + key }
func creditsKey(key string) string { return keyPrefix + "credits:" + key }
func totalsKey(key string) string  { return keyPrefix + "totals:" + key }

// deductScript implements DECRBY + rollback-on-underflow as a single atomic
// operation, the Redis-side equivalent of keystore.Store.TryDeduct (spec
// §4.9: "the decision uses DECR + rollback-on-underflow semantics"). Grounded
// on the teacher-adjacent `mihaimyh-goquota/storage/redis/redis.go` Lua
// "consume" script, generalized from a quota-limit comparison to a
// floor-at-zero balance check.
var deductScript = redis.NewScript(`
	local key = KEYS[1]
	local amount = tonumber(ARGV[1])
	local current = tonumber(redis.call('GET', key) or '0')
	if current < amount then
		return {0, current}
	end
	local newBalance = redis.call('DECRBY', key, amount)
	return {1, newBalance}
`)

// Sync mirrors KeyStore mutations into Redis and republishes invalidation
// events for peer replicas to consume.
type Sync struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger

	healthy atomic.Bool
	retry   *retryQueue
}

// RefreshFunc is supplied by the caller (typically KeyStore) to reload a
// record from Redis when a peer publishes an invalidation event for it.
type RefreshFunc func(ctx context.Context, key string, eventType EventType)

// New builds a Sync from application config. Returns (nil, nil) when Redis
// sync is disabled, so callers can treat a nil *Sync as "no distributed
// state" without a type-asserting wrapper.
func New(cfg config.RedisConfig, logger zerolog.Logger) (*Sync, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("redissync: url required when enabled")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redissync: parse url: %w", err)
	}

	dialTimeout := cfg.DialTimeout.Duration
	if dialTimeout > 0 {
		opts.DialTimeout = dialTimeout
	}

	channel := cfg.PubSubChannel
	if channel == "" {
		channel = "paygate:events"
	}

	s := &Sync{
		client:  redis.NewClient(opts),
		channel: channel,
		logger:  logger,
	}
	s.retry = newRetryQueue(s, logger)
	s.healthy.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.healthy.Store(false)
		s.logger.Warn().Err(err).Msg("redissync.initial_ping_failed, starting degraded")
	}

	return s, nil
}

// Healthy reports whether the last Redis operation succeeded. When false,
// callers proceed on in-memory state alone (spec §7 transient-infra-error
// handling: "health endpoint reflects the degraded status").
func (s *Sync) Healthy() bool {
	if s == nil {
		return true
	}
	return s.healthy.Load()
}

// Start launches the pub/sub subscriber loop. Call Stop to tear it down.
func (s *Sync) Start(ctx context.Context, onEvent RefreshFunc) {
	if s == nil {
		return
	}
	go s.subscribeLoop(ctx, onEvent)
	go s.retry.run(ctx)
}

// Stop releases the Redis client and its background goroutines.
func (s *Sync) Stop() error {
	if s == nil {
		return nil
	}
	s.retry.stop()
	return s.client.Close()
}

func (s *Sync) subscribeLoop(ctx context.Context, onEvent RefreshFunc) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				s.logger.Warn().Err(err).Str("payload", msg.Payload).Msg("redissync.malformed_event")
				continue
			}
			if onEvent != nil {
				onEvent(ctx, evt.Key, evt.Type)
			}
		}
	}
}

// MirrorRecord replaces the mirrored JSON snapshot of a record and notifies
// peers (spec §4.9: "SET paygate:key:<k> <json> + PUBLISH ... key_updated").
func (s *Sync) MirrorRecord(ctx context.Context, key string, record interface{}) {
	if s == nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		s.logger.Error().Err(err).Str("key", logger.TruncateAddress(key)).Msg("redissync.marshal_failed")
		return
	}
	s.runOrQueue(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, recordKey(key), data, 0).Err()
	}, func() {
		s.publish(ctx, Event{Type: EventKeyUpdated, Key: key})
	})
}

// DeductCredits performs the authoritative atomic DECRBY-with-rollback (spec
// §4.9). ok is false when the balance is insufficient; the caller must not
// forward the tool call in that case. When Redis is unreachable, err is
// non-nil and the caller should fall back to the local in-memory decision.
func (s *Sync) DeductCredits(ctx context.Context, key string, amount int64) (ok bool, remaining int64, err error) {
	if s == nil {
		return false, 0, fmt.Errorf("redissync: not configured")
	}
	res, err := deductScript.Run(ctx, s.client, []string{creditsKey(key)}, amount).Result()
	if err != nil {
		s.markUnhealthy(err)
		return false, 0, err
	}
	s.markHealthy()

	pair, ok2 := res.([]interface{})
	if !ok2 || len(pair) != 2 {
		return false, 0, fmt.Errorf("redissync: unexpected deduct script result shape")
	}
	allowed, _ := pair[0].(int64)
	balance, _ := pair[1].(int64)
	if allowed == 0 {
		return false, balance, nil
	}

	s.client.HIncrBy(ctx, totalsKey(key), "credits", amount)
	s.client.HIncrBy(ctx, totalsKey(key), "calls", 1)
	s.publish(ctx, Event{Type: EventKeyUpdated, Key: key})
	return true, balance, nil
}

// RefundCredits reverses a deduction (INCRBY), used when a tool forward
// fails and spec §4.7 step 14 calls for the charge to be undone.
func (s *Sync) RefundCredits(ctx context.Context, key string, amount int64) error {
	if s == nil {
		return fmt.Errorf("redissync: not configured")
	}
	err := s.client.IncrBy(ctx, creditsKey(key), amount).Err()
	if err != nil {
		s.markUnhealthy(err)
		return err
	}
	s.markHealthy()
	s.publish(ctx, Event{Type: EventKeyUpdated, Key: key})
	return nil
}

// Topup increments the mirrored balance (spec §4.9: "INCRBY then publish
// key_updated").
func (s *Sync) Topup(ctx context.Context, key string, amount int64) {
	if s == nil {
		return
	}
	s.runOrQueue(ctx, func(ctx context.Context) error {
		return s.client.IncrBy(ctx, creditsKey(key), amount).Err()
	}, func() {
		s.publish(ctx, Event{Type: EventKeyUpdated, Key: key})
	})
}

// RevokeToken publishes a token_revoked event so every replica adds the
// token to its in-memory revocation list (spec §4.9).
func (s *Sync) RevokeToken(ctx context.Context, tokenID string) {
	if s == nil {
		return
	}
	s.publish(ctx, Event{Type: EventTokenRevoked, Key: tokenID})
}

// NotifyGroupUpdated publishes a group_updated invalidation event.
func (s *Sync) NotifyGroupUpdated(ctx context.Context, groupID string) {
	if s == nil {
		return
	}
	s.publish(ctx, Event{Type: EventGroupUpdated, Key: groupID})
}

// NotifyTemplateUpdated publishes a template_updated invalidation event.
func (s *Sync) NotifyTemplateUpdated(ctx context.Context, templateID string) {
	if s == nil {
		return
	}
	s.publish(ctx, Event{Type: EventTemplateUpdated, Key: templateID})
}

func (s *Sync) publish(ctx context.Context, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		s.markUnhealthy(err)
	} else {
		s.markHealthy()
	}
}

// runOrQueue executes op immediately; on failure it queues op for
// out-of-band retry with bounded backoff (spec §7: "operations are retried
// asynchronously") and flags the sync unhealthy. onSuccess runs only after
// op itself eventually succeeds.
func (s *Sync) runOrQueue(ctx context.Context, op func(context.Context) error, onSuccess func()) {
	if err := op(ctx); err != nil {
		s.markUnhealthy(err)
		s.retry.enqueue(op, onSuccess)
		return
	}
	s.markHealthy()
	if onSuccess != nil {
		onSuccess()
	}
}

func (s *Sync) markHealthy() {
	s.healthy.Store(true)
}

func (s *Sync) markUnhealthy(err error) {
	if s.healthy.CompareAndSwap(true, false) {
		s.logger.Warn().Err(err).Msg("redissync.degraded")
	}
}
