package journal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// streamMaxLen caps each stream via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

const DefaultRedisStream = "esentrader"

// Redis appends records to two streams, <prefix>:signals and
// <prefix>:orders.
type Redis struct {
	rdb     *redis.Client
	signals string
	orders  string
}

// NewRedis connects to addr and pings it.
func NewRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis journal: addr is required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis journal: ping %s: %w", addr, err)
	}
	return NewRedisClient(rdb, prefix), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisStream
	}
	return &Redis{
		rdb:     rdb,
		signals: prefix + ":signals",
		orders:  prefix + ":orders",
	}
}

// Streams returns the signal and order stream keys.
func (j *Redis) Streams() (signals, orders string) {
	return j.signals, j.orders
}

func (j *Redis) RecordSignal(ctx context.Context, s SignalRecord) error {
	return j.add(ctx, j.signals, map[string]any{
		"id":           s.ID,
		"received_at":  s.ReceivedAt.UTC().Format(time.RFC3339Nano),
		"source":       s.Source,
		"symbol":       s.Symbol,
		"side":         s.Side,
		"sizing":       s.Sizing,
		"quantity":     optional(s.Quantity),
		"notional_usd": optional(s.NotionalUSD),
		"note":         s.Note,
		"raw":          s.Raw,
	})
}

func (j *Redis) RecordOrder(ctx context.Context, o OrderRecord) error {
	return j.add(ctx, j.orders, map[string]any{
		"signal_id":  o.SignalID,
		"time":       o.Time.UTC().Format(time.RFC3339Nano),
		"adapter":    o.Adapter,
		"symbol":     o.Symbol,
		"side":       o.Side,
		"quantity":   f(o.Quantity),
		"ok":         strconv.FormatBool(o.OK),
		"order_id":   o.OrderID,
		"status":     o.Status,
		"error_kind": o.ErrorKind,
		"error":      o.Error,
	})
}

func (j *Redis) add(ctx context.Context, stream string, values map[string]any) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}
	if err := j.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis journal: xadd %s: %w", stream, err)
	}
	return nil
}

func (j *Redis) Close() error {
	return j.rdb.Close()
}
