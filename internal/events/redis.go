package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLog implements Log on Redis Streams: one stream per partition key,
// so XADD's single-stream ordering gives per-portfolio ordering for free.
// Consumers read with XREAD/XREADGROUP and deduplicate by order_id.
type RedisLog struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLog creates a Redis Streams-backed event log. Streams are named
// {prefix}:{partitionKey}.
func NewRedisLog(rdb *redis.Client, prefix string) *RedisLog {
	if prefix == "" {
		prefix = "orders"
	}
	return &RedisLog{rdb: rdb, prefix: prefix}
}

func (l *RedisLog) Append(ctx context.Context, partitionKey string, fact OrderPlaced) error {
	err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(l.prefix, partitionKey),
		Values: map[string]interface{}{
			"order_id":     fact.OrderID,
			"portfolio_id": fact.PortfolioID,
			"security":     fact.Security,
			"side":         fact.Side,
			"quantity":     fact.Quantity.String(),
			"timestamp":    fact.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append order %s to stream: %w", fact.OrderID, err)
	}
	return nil
}

func streamKey(prefix, partitionKey string) string {
	return fmt.Sprintf("%s:%s", prefix, partitionKey)
}
