// Package coordinator keeps multiple manager instances consistent through
// Redis: tenant invalidation events fan out over Pub/Sub, and a heartbeat
// keeps a live-instance set for introspection and dead-instance cleanup.
//
// When Redis is unreachable and fallback is enabled, the coordinator degrades
// to local-only operation: invalidations still apply on this instance, they
// just do not reach peers until Redis comes back.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskhive/tenantdb/internal/config"
	"github.com/taskhive/tenantdb/internal/metrics"
)

const (
	keyInstanceHB     = "tenantdb:instance:%s:heartbeat"
	keyInstanceList   = "tenantdb:instances"
	channelInvalidate = "tenantdb:invalidate"
)

// invalidateEvent is the Pub/Sub payload. The origin instance ID lets
// subscribers skip their own broadcasts.
type invalidateEvent struct {
	InstanceID string `json:"instance_id"`
	TenantID   string `json:"tenant_id"`
}

// Coordinator connects this instance to its peers through Redis.
type Coordinator struct {
	client     redis.UniversalClient
	cfg        *config.Config
	logger     *zap.Logger
	instanceID string

	// onInvalidate applies a remote invalidation locally.
	onInvalidate func(tenantID string)

	fallbackMode atomic.Bool

	subMu sync.Mutex
	sub   *redis.PubSub

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New connects to Redis and registers this instance. With fallback enabled an
// unreachable Redis is not fatal; the coordinator starts degraded and the
// heartbeat loop keeps trying to reconnect.
func New(ctx context.Context, cfg *config.Config, onInvalidate func(tenantID string), logger *zap.Logger) (*Coordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	c := &Coordinator{
		client:       client,
		cfg:          cfg,
		logger:       logger,
		instanceID:   cfg.Manager.InstanceID,
		onInvalidate: onInvalidate,
		stopCh:       make(chan struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		if !cfg.Fallback.Enabled {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		logger.Warn("Redis unavailable, starting in fallback mode",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err))
		c.fallbackMode.Store(true)
	} else {
		metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
		if err := c.register(ctx); err != nil {
			return nil, fmt.Errorf("registering instance: %w", err)
		}
		if err := c.startSubscriber(ctx); err != nil {
			return nil, fmt.Errorf("subscribing invalidations: %w", err)
		}
		logger.Info("Coordinator connected",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("instance_id", c.instanceID))
	}

	c.wg.Add(1)
	go c.heartbeatLoop()

	return c, nil
}

// register adds this instance to the live set and writes its first heartbeat.
func (c *Coordinator) register(ctx context.Context) error {
	pipe := c.client.Pipeline()
	pipe.SAdd(ctx, keyInstanceList, c.instanceID)
	pipe.Set(ctx, fmt.Sprintf(keyInstanceHB, c.instanceID), time.Now().Unix(), c.cfg.Redis.HeartbeatTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// IsFallback reports whether the coordinator is operating without Redis.
func (c *Coordinator) IsFallback() bool {
	return c.fallbackMode.Load()
}

// PublishInvalidation broadcasts a tenant invalidation to peer instances.
// In fallback mode the event stays local.
func (c *Coordinator) PublishInvalidation(tenantID string) {
	if c.fallbackMode.Load() {
		c.logger.Debug("Invalidation not broadcast, coordinator in fallback mode",
			zap.String("tenant_id", tenantID))
		return
	}

	payload, _ := json.Marshal(invalidateEvent{
		InstanceID: c.instanceID,
		TenantID:   tenantID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Redis.WriteTimeout)
	defer cancel()

	if err := c.client.Publish(ctx, channelInvalidate, payload).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("publish", "error").Inc()
		c.logger.Warn("Invalidation broadcast failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		c.enterFallback()
		return
	}
	metrics.RedisOperations.WithLabelValues("publish", "ok").Inc()
}

// startSubscriber opens the invalidation subscription and consumes it until
// the subscription is closed. It returns only after the server has confirmed
// the subscription, so an event published right after has a listener; before
// that confirmation peer invalidations would be lost without a trace.
func (c *Coordinator) startSubscriber(ctx context.Context) error {
	sub := c.client.Subscribe(context.Background(), channelInvalidate)

	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}

	c.subMu.Lock()
	c.sub = sub
	c.subMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for msg := range sub.Channel() {
			var ev invalidateEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.logger.Warn("Malformed invalidation event", zap.Error(err))
				continue
			}
			if ev.InstanceID == c.instanceID {
				continue
			}
			c.logger.Info("Remote invalidation received",
				zap.String("tenant_id", ev.TenantID),
				zap.String("origin", ev.InstanceID))
			if c.onInvalidate != nil {
				c.onInvalidate(ev.TenantID)
			}
		}
	}()

	return nil
}

// enterFallback flips to local-only mode; the heartbeat loop will retry Redis.
func (c *Coordinator) enterFallback() {
	if !c.fallbackMode.CompareAndSwap(false, true) {
		return
	}
	c.logger.Warn("Coordinator entering fallback mode")

	c.subMu.Lock()
	if c.sub != nil {
		_ = c.sub.Close()
		c.sub = nil
	}
	c.subMu.Unlock()
}

// exitFallback re-registers and resubscribes after Redis comes back.
func (c *Coordinator) exitFallback(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return err
	}
	if err := c.register(ctx); err != nil {
		return err
	}
	if err := c.startSubscriber(ctx); err != nil {
		return err
	}
	c.fallbackMode.Store(false)
	c.logger.Info("Coordinator recovered from fallback mode")
	return nil
}

// heartbeatLoop refreshes this instance's presence and prunes instances whose
// heartbeat key expired. Cleanup runs every third tick.
func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()

	interval := c.cfg.Redis.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Redis.WriteTimeout)

			if c.fallbackMode.Load() {
				if err := c.exitFallback(ctx); err != nil {
					cancel()
					continue
				}
			}

			c.sendHeartbeat(ctx)

			tick++
			if tick%3 == 0 {
				c.cleanupDeadInstances(ctx)
			}
			cancel()
		}
	}
}

func (c *Coordinator) sendHeartbeat(ctx context.Context) {
	key := fmt.Sprintf(keyInstanceHB, c.instanceID)
	if err := c.client.Set(ctx, key, time.Now().Unix(), c.cfg.Redis.HeartbeatTTL).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		c.logger.Warn("Heartbeat failed", zap.Error(err))
		c.enterFallback()
		return
	}
	metrics.InstanceHeartbeat.WithLabelValues(c.instanceID).Set(1)
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
}

// cleanupDeadInstances drops registered instances whose heartbeat expired.
func (c *Coordinator) cleanupDeadInstances(ctx context.Context) {
	instances, err := c.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		return
	}

	for _, id := range instances {
		if id == c.instanceID {
			continue
		}
		exists, err := c.client.Exists(ctx, fmt.Sprintf(keyInstanceHB, id)).Result()
		if err != nil || exists > 0 {
			continue
		}
		if err := c.client.SRem(ctx, keyInstanceList, id).Err(); err == nil {
			c.logger.Info("Pruned dead instance", zap.String("instance_id", id))
		}
	}
}

// ActiveInstances lists registered instances with a live heartbeat.
func (c *Coordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	if c.fallbackMode.Load() {
		return []string{c.instanceID}, nil
	}

	instances, err := c.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	alive := make([]string, 0, len(instances))
	for _, id := range instances {
		exists, err := c.client.Exists(ctx, fmt.Sprintf(keyInstanceHB, id)).Result()
		if err != nil {
			continue
		}
		if exists > 0 {
			alive = append(alive, id)
		}
	}
	return alive, nil
}

// Ping reports Redis reachability for health checks.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close unregisters this instance and releases the Redis client.
func (c *Coordinator) Close(ctx context.Context) error {
	close(c.stopCh)

	c.subMu.Lock()
	if c.sub != nil {
		_ = c.sub.Close()
		c.sub = nil
	}
	c.subMu.Unlock()

	c.wg.Wait()

	if !c.fallbackMode.Load() {
		pipe := c.client.Pipeline()
		pipe.SRem(ctx, keyInstanceList, c.instanceID)
		pipe.Del(ctx, fmt.Sprintf(keyInstanceHB, c.instanceID))
		if _, err := pipe.Exec(ctx); err != nil {
			c.logger.Warn("Instance unregister failed", zap.Error(err))
		}
	}

	metrics.InstanceHeartbeat.WithLabelValues(c.instanceID).Set(0)
	return c.client.Close()
}
