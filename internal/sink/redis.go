package sink

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Default Redis key layout.
const (
	DefaultKeyPrefix = "paybench"
	DefaultKeep      = 500
)

// Redis publishes run summaries.
//
// Every summary is stored in the hash <prefix>:runs keyed by run ID,
// indexed by start time in the sorted set <prefix>:runs:by_time, and
// announced on the channel <prefix>:runs:events. Only the newest Keep
// runs are retained.
type Redis struct {
	client *redis.Client
	prefix string
	keep   int64
}

// RedisOption configures a Redis sink.
type RedisOption func(*Redis)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

// WithKeep overrides DefaultKeep.
func WithKeep(n int) RedisOption {
	return func(r *Redis) {
		if n > 0 {
			r.keep = int64(n)
		}
	}
}

// NewRedis wraps client. The caller owns the client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: DefaultKeyPrefix, keep: DefaultKeep}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) hashKey() string    { return r.prefix + ":runs" }
func (r *Redis) indexKey() string   { return r.prefix + ":runs:by_time" }
func (r *Redis) channelKey() string { return r.prefix + ":runs:events" }

// Record implements Sink.
func (r *Redis) Record(ctx context.Context, run Run) error {
	payload, err := encodeSummary(run)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.hashKey(), run.ID, payload)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(run.StartedAt.UnixMilli()),
			Member: run.ID,
		})
		pipe.Publish(ctx, r.channelKey(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis sink: record %s: %w", run.ID, err)
	}
	return r.trim(ctx)
}

// trim drops runs beyond the newest keep.
func (r *Redis) trim(ctx context.Context) error {
	stale, err := r.client.ZRange(ctx, r.indexKey(), 0, -r.keep-1).Result()
	if err != nil {
		return fmt.Errorf("redis sink: trim: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	members := make([]any, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.hashKey(), stale...)
		pipe.ZRem(ctx, r.indexKey(), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis sink: trim: %w", err)
	}
	return nil
}

// Recent returns up to n summaries, newest first.
func (r *Redis) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis sink: recent: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := r.client.HMGet(ctx, r.hashKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis sink: recent: %w", err)
	}

	runs := make([]Run, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Index entry whose hash field was trimmed concurrently.
			continue
		}
		run, err := decodeSummary([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("redis sink: run %s: %w", ids[i], err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Subscribe delivers summaries published after it is called until ctx is
// done. The returned channel is closed on exit.
func (r *Redis) Subscribe(ctx context.Context) (<-chan Run, error) {
	sub := r.client.Subscribe(ctx, r.channelKey())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis sink: subscribe: %w", err)
	}

	out := make(chan Run)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				run, err := decodeSummary([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- run:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func encodeSummary(run Run) ([]byte, error) {
	data, err := sonic.ConfigFastest.Marshal(run.Summary())
	if err != nil {
		return nil, fmt.Errorf("redis sink: encode %s: %w", run.ID, err)
	}
	return data, nil
}

func decodeSummary(data []byte) (Run, error) {
	var run Run
	if err := sonic.ConfigFastest.Unmarshal(data, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}
