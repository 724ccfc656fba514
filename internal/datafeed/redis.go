package datafeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/fedgate/internal/errs"
)

// StreamClient is the subset of *redis.Client used by the transport.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Handler processes one envelope. *Consumer implements it.
type Handler interface {
	Consume(ctx context.Context, raw []byte) error
}

// StreamConfig configures RedisStream.
type StreamConfig struct {
	Stream   string
	Group    string
	Consumer string // prefix; worker i reads as "<Consumer>-<i>"
	Field    string // entry field holding the envelope
	Workers  int
	Count    int64
	Block    time.Duration
	Backoff  time.Duration // pause before re-reading pending entries
}

func (c *StreamConfig) defaults() {
	if c.Field == "" {
		c.Field = "envelope"
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Count <= 0 {
		c.Count = 10
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
}

// RedisStream delivers feed envelopes from a Redis stream consumer group.
// An entry is acknowledged once the handler accepted it or rejected it as
// malformed; anything else stays pending and is retried.
type RedisStream struct {
	client  StreamClient
	handler Handler
	cfg     StreamConfig
	log     *zap.Logger
}

// NewRedisStream constructs the transport.
func NewRedisStream(client StreamClient, handler Handler, cfg StreamConfig, log *zap.Logger) *RedisStream {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStream{client: client, handler: handler, cfg: cfg, log: log.With(zap.String("stream", cfg.Stream))}
}

// Run creates the consumer group if needed and reads until ctx is done.
func (r *RedisStream) Run(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", r.cfg.Group, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		name := fmt.Sprintf("%s-%d", r.cfg.Consumer, i)
		g.Go(func() error { return r.work(gctx, name) })
	}
	r.log.Info("feed transport started", zap.String("group", r.cfg.Group), zap.Int("workers", r.cfg.Workers))
	return g.Wait()
}

// Publish appends an envelope to the stream.
func (r *RedisStream) Publish(ctx context.Context, raw []byte) (string, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.Stream,
		Values: map[string]any{r.cfg.Field: string(raw)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", r.cfg.Stream, err)
	}
	return id, nil
}

func (r *RedisStream) work(ctx context.Context, consumer string) error {
	log := r.log.With(zap.String("consumer", consumer))
	// Entries left pending by a previous run are drained first.
	pending := true
	for ctx.Err() == nil {
		start := ">"
		if pending {
			start = "0"
		}
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.Group,
			Consumer: consumer,
			Streams:  []string{r.cfg.Stream, start},
			Count:    r.cfg.Count,
			Block:    r.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("xreadgroup failed", zap.Error(err))
			sleep(ctx, r.cfg.Backoff)
			continue
		}

		n, failed := 0, false
		for _, s := range streams {
			for _, m := range s.Messages {
				n++
				if !r.handle(ctx, log, m) {
					failed = true
				}
			}
		}
		switch {
		case failed:
			pending = true
			sleep(ctx, r.cfg.Backoff)
		case pending && n == 0:
			pending = false
		}
	}
	return nil
}

// handle reports whether m was acknowledged.
func (r *RedisStream) handle(ctx context.Context, log *zap.Logger, m redis.XMessage) bool {
	log = log.With(zap.String("entryId", m.ID))
	raw, ok := m.Values[r.cfg.Field].(string)
	if !ok {
		log.Error("entry without envelope field, discarding", zap.String("field", r.cfg.Field))
		return r.ack(ctx, log, m.ID)
	}

	err := r.handler.Consume(ctx, []byte(raw))
	switch {
	case err == nil:
		return r.ack(ctx, log, m.ID)
	case errors.Is(err, errs.ErrEnvelopeParse):
		log.Error("unprocessable envelope, discarding", zap.Error(err))
		return r.ack(ctx, log, m.ID)
	default:
		if ctx.Err() == nil {
			log.Warn("envelope left pending", zap.Error(err))
		}
		return false
	}
}

func (r *RedisStream) ack(ctx context.Context, log *zap.Logger, id string) bool {
	if err := r.client.XAck(ctx, r.cfg.Stream, r.cfg.Group, id).Err(); err != nil {
		log.Warn("xack failed", zap.Error(err))
		return false
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
