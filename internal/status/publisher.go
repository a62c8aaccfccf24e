package status

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	logx "medremind/pkg/logx"
)

// RedisConfig configures snapshot publishing for external monitors.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	// Key holds the latest snapshot under "<Key>:<worker>"; the same JSON is
	// published on Channel.
	Key      string
	Channel  string
	Interval time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if strings.TrimSpace(c.Key) == "" {
		c.Key = "medremind:status"
	}
	if strings.TrimSpace(c.Channel) == "" {
		c.Channel = "medremind:status"
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	return c
}

// NewRedisClient builds the go-redis client for cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

type Publisher struct {
	cfg     RedisConfig
	client  *redis.Client
	tracker *Tracker
	log     logx.Logger
}

func NewPublisher(cfg RedisConfig, client *redis.Client, t *Tracker, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{cfg: cfg.withDefaults(), client: client, tracker: t, log: log.With(logx.String("comp", "status.redis"))}
}

func (p *Publisher) key(worker string) string {
	if worker == "" {
		return p.cfg.Key
	}
	return p.cfg.Key + ":" + worker
}

// PublishOnce refreshes counts, stores the snapshot with a TTL of three
// intervals and announces it on the channel.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	if err := p.tracker.Refresh(ctx); err != nil {
		p.log.Debug("count refresh failed; publishing last known counts", logx.Err(err))
	}
	snap := p.tracker.Snapshot()
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	pipe := p.client.Pipeline()
	pipe.Set(ctx, p.key(snap.Worker), b, 3*p.cfg.Interval)
	pipe.Publish(ctx, p.cfg.Channel, b)
	_, err = pipe.Exec(ctx)
	return err
}

// Run publishes every Interval until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		if err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("status publish failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (p *Publisher) Close() error { return p.client.Close() }
