// Package notify mirrors session phase changes to external observers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhouzirui/clm-bridge/backend/internal/config"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

const (
	defaultBuffer = 256
	writeTimeout  = 2 * time.Second
)

// PhaseEvent 是发布到 Redis 频道的消息。
type PhaseEvent struct {
	SessionID      string    `json:"sessionId"`
	Phase          string    `json:"phase"`
	From           string    `json:"from,omitempty"`
	ActiveProvider string    `json:"activeProvider,omitempty"`
	Turns          int       `json:"turns"`
	LastError      string    `json:"lastError,omitempty"`
	Closed         bool      `json:"closed,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// RedisPublisher publishes phase changes on a channel and keeps a per-session
// status hash with a TTL. Writes happen on a background goroutine; when the
// buffer is full events are dropped.
type RedisPublisher struct {
	client    *redis.Client
	channel   string
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	events chan PhaseEvent
	wg     sync.WaitGroup
}

// NewRedisPublisher 连接 Redis 并启动后台写入。
func NewRedisPublisher(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	p := newRedisPublisher(client, cfg, logger)
	logger.Info("redis phase publisher initialized",
		zap.String("addr", cfg.Addr),
		zap.String("channel", cfg.Channel),
	)
	return p, nil
}

func newRedisPublisher(client *redis.Client, cfg config.RedisConfig, logger *zap.Logger) *RedisPublisher {
	p := &RedisPublisher{
		client:    client,
		channel:   cfg.Channel,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.StatusTTL,
		logger:    logger.With(zap.String("component", "notify")),
		events:    make(chan PhaseEvent, defaultBuffer),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// PhaseChanged implements orchestrator.Observer.
func (p *RedisPublisher) PhaseChanged(snapshot chat.Session, from chat.Phase) {
	p.enqueue(PhaseEvent{
		SessionID:      snapshot.ID,
		Phase:          string(snapshot.Phase),
		From:           string(from),
		ActiveProvider: string(snapshot.ActiveProvider),
		Turns:          len(snapshot.History),
		LastError:      snapshot.LastError,
		Timestamp:      snapshot.UpdatedAt,
	})
}

// SessionClosed implements orchestrator.Observer.
func (p *RedisPublisher) SessionClosed(id string) {
	p.enqueue(PhaseEvent{SessionID: id, Closed: true, Timestamp: time.Now()})
}

func (p *RedisPublisher) enqueue(ev PhaseEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("phase event dropped, buffer full", zap.String("session_id", ev.SessionID))
	}
}

func (p *RedisPublisher) run() {
	defer p.wg.Done()
	for ev := range p.events {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := p.write(ctx, ev); err != nil {
			p.logger.Warn("failed to publish phase event",
				zap.String("session_id", ev.SessionID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (p *RedisPublisher) write(ctx context.Context, ev PhaseEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal phase event: %w", err)
	}

	key := p.statusKey(ev.SessionID)
	pipe := p.client.Pipeline()
	if ev.Closed {
		pipe.Del(ctx, key)
	} else {
		pipe.HSet(ctx, key,
			"phase", ev.Phase,
			"activeProvider", ev.ActiveProvider,
			"turns", ev.Turns,
			"lastError", ev.LastError,
			"updatedAt", ev.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if p.ttl > 0 {
			pipe.Expire(ctx, key, p.ttl)
		}
	}
	pipe.Publish(ctx, p.channel, data)

	_, err = pipe.Exec(ctx)
	return err
}

func (p *RedisPublisher) statusKey(id string) string {
	return p.keyPrefix + id
}

// Close flushes queued events and closes the client.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	p.wg.Wait()
	return p.client.Close()
}
