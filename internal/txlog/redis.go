package txlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
)

// appendScript adds the record to the topic stream unless its ULID was
// appended before.
var appendScript = redis.NewScript(`
if redis.call("SADD", KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call("XADD", KEYS[1], "*", "ulid", ARGV[1], "record", ARGV[2])
return 1
`)

// RedisLog stores each topic as a Redis stream.
type RedisLog struct {
	client   redis.UniversalClient
	prefix   string
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
}

// RedisOption configures a RedisLog.
type RedisOption func(*RedisLog)

// WithRetry sets the number of append attempts and the initial backoff.
func WithRetry(attempts uint, delay time.Duration) RedisOption {
	return func(l *RedisLog) {
		l.attempts = attempts
		l.delay = delay
	}
}

// NewRedisLog returns a log whose keys start with prefix.
func NewRedisLog(client redis.UniversalClient, prefix string, logger *slog.Logger, opts ...RedisOption) *RedisLog {
	if logger == nil {
		logger = slog.Default()
	}
	l := &RedisLog{
		client:   client,
		prefix:   prefix,
		logger:   logger,
		attempts: 3,
		delay:    50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLog) streamKey(topic string) string {
	return fmt.Sprintf("%s:txlog:%s", l.prefix, topic)
}

func (l *RedisLog) seenKey(topic string) string {
	return fmt.Sprintf("%s:txlog:%s:ulids", l.prefix, topic)
}

// Append implements Log. Transient failures are retried with backoff.
func (l *RedisLog) Append(ctx context.Context, topic string, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("txlog: encode record %s: %w", rec.ULID, err)
	}
	keys := []string{l.streamKey(topic), l.seenKey(topic)}

	err = retry.Do(
		func() error {
			return appendScript.Run(ctx, l.client, keys, rec.ULID.String(), body).Err()
		},
		retry.OnRetry(func(n uint, err error) {
			l.logger.WarnContext(ctx, "txlog append failed, retrying",
				"topic", topic, "ulid", rec.ULID.String(), "attempt", n+1, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.Attempts(l.attempts),
		retry.Delay(l.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("txlog: append %s to %q: %w", rec.ULID, topic, err)
	}
	return nil
}

// Last implements Log.
func (l *RedisLog) Last(ctx context.Context, topic string) (Record, bool, error) {
	msgs, err := l.client.XRevRangeN(ctx, l.streamKey(topic), "+", "-", 1).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("txlog: read last of %q: %w", topic, err)
	}
	if len(msgs) == 0 {
		return Record{}, false, nil
	}
	raw, ok := msgs[0].Values["record"].(string)
	if !ok {
		return Record{}, false, fmt.Errorf("txlog: stream entry %s of %q has no record", msgs[0].ID, topic)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("txlog: decode stream entry %s of %q: %w", msgs[0].ID, topic, err)
	}
	return rec, true, nil
}
