// Package janitor sweeps abandoned room streams out of Redis. Streams carry
// their last activity in the broker-assigned entry IDs, so the janitor reads
// each stream's last-generated ID and deletes streams idle past the TTL.
// Consumer-group state lives inside the stream key and goes with it.
//
// The sweep runs on a Pulse pool ticker, so across a cluster exactly one
// instance performs each pass.
package janitor

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/pool"

	"goa.design/pilot/telemetry"
)

// Defaults.
const (
	// DefaultIdleTTL is how long a stream may sit without new entries
	// before it is deleted.
	DefaultIdleTTL = time.Hour
	// DefaultSweepInterval is the pause between passes.
	DefaultSweepInterval = 5 * time.Minute
	// tickerName identifies the distributed ticker within the pool.
	tickerName = "stream_janitor"
	// scanCount is the SCAN batch size.
	scanCount = 100
)

// DefaultPatterns match the Redis keys Pulse creates for room streams.
func DefaultPatterns() []string {
	return []string{"pulse:stream:commands:*", "pulse:stream:state:*"}
}

type (
	// Options configures the janitor.
	Options struct {
		// Redis is the broker connection. Required.
		Redis *redis.Client
		// Node is the Pulse pool node used for the distributed ticker.
		// Required by Run; Sweep works without it.
		Node *pool.Node
		// Patterns are the key globs swept. Empty applies
		// DefaultPatterns.
		Patterns []string
		// IdleTTL is the idle threshold. Zero applies DefaultIdleTTL.
		IdleTTL time.Duration
		// SweepInterval is the tick period. Zero applies
		// DefaultSweepInterval.
		SweepInterval time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
	}

	// Janitor deletes idle room streams.
	Janitor struct {
		rdb      *redis.Client
		node     *pool.Node
		patterns []string
		idleTTL  time.Duration
		interval time.Duration
		log      telemetry.Logger
		metrics  telemetry.Metrics

		// now is replaceable so tests can pin the clock.
		now func() time.Time
	}
)

// New builds a janitor.
func New(opts Options) (*Janitor, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	j := &Janitor{
		rdb:      opts.Redis,
		node:     opts.Node,
		patterns: opts.Patterns,
		idleTTL:  opts.IdleTTL,
		interval: opts.SweepInterval,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
	if len(j.patterns) == 0 {
		j.patterns = DefaultPatterns()
	}
	if j.idleTTL <= 0 {
		j.idleTTL = DefaultIdleTTL
	}
	if j.interval <= 0 {
		j.interval = DefaultSweepInterval
	}
	if j.log == nil {
		j.log = telemetry.NewNoopLogger()
	}
	if j.metrics == nil {
		j.metrics = telemetry.NewNoopMetrics()
	}
	return j, nil
}

// Run sweeps on the distributed ticker until ctx is canceled. Only one
// instance in the pool receives each tick.
func (j *Janitor) Run(ctx context.Context) error {
	if j.node == nil {
		return errors.New("pool node is required")
	}
	ticker, err := j.node.NewTicker(ctx, tickerName, j.interval)
	if err != nil {
		return err
	}
	defer ticker.Stop()

	j.log.Info(ctx, "stream janitor started", "idle_ttl", j.idleTTL.String(), "interval", j.interval.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			swept, err := j.Sweep(ctx)
			if err != nil {
				j.log.Error(ctx, "stream sweep failed", "err", err)
				continue
			}
			if swept > 0 {
				j.log.Info(ctx, "idle streams swept", "count", swept)
			}
		}
	}
}

// Sweep runs one pass and returns how many streams were deleted.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	swept := 0
	for _, pattern := range j.patterns {
		n, err := j.sweepPattern(ctx, pattern)
		swept += n
		if err != nil {
			return swept, err
		}
	}
	j.metrics.IncCounter("janitor.streams_swept", float64(swept))
	return swept, nil
}

func (j *Janitor) sweepPattern(ctx context.Context, pattern string) (int, error) {
	swept := 0
	iter := j.rdb.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		idle, err := j.idleFor(ctx, key)
		if err != nil {
			// The key may have been deleted or replaced mid-scan.
			j.log.Debug(ctx, "skip stream during sweep", "key", key, "err", err)
			continue
		}
		if idle < j.idleTTL {
			continue
		}
		if err := j.rdb.Del(ctx, key).Err(); err != nil {
			j.log.Warn(ctx, "delete idle stream failed", "key", key, "err", err)
			continue
		}
		j.log.Info(ctx, "idle stream deleted", "key", key, "idle", idle.String())
		swept++
	}
	return swept, iter.Err()
}

// idleFor returns how long the stream has gone without new entries, taken
// from the millisecond prefix of its last-generated entry ID.
func (j *Janitor) idleFor(ctx context.Context, key string) (time.Duration, error) {
	info, err := j.rdb.XInfoStream(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	ms, err := streamIDMillis(info.LastGeneratedID)
	if err != nil {
		return 0, err
	}
	return j.now().Sub(time.UnixMilli(ms)), nil
}

// streamIDMillis extracts the millisecond timestamp of a Redis stream entry
// ID of the form "<ms>-<seq>".
func streamIDMillis(id string) (int64, error) {
	msPart, _, ok := strings.Cut(id, "-")
	if !ok {
		msPart = id
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, errors.New("malformed stream entry id: " + id)
	}
	return ms, nil
}
