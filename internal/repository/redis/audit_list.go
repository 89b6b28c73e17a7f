// Package redis — Sink журнала аудита в Redis List (RPUSH, одна JSON-строка на запись).
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/capi-tool-gateway/internal/audit"
)

// Pusher — подмножество redis.Cmdable, которое нужно журналу.
type Pusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

type AuditList struct {
	rdb Pusher
	key string
}

var _ audit.Sink = (*AuditList)(nil)

func NewAuditList(rdb Pusher, key string) *AuditList {
	return &AuditList{rdb: rdb, key: key}
}

// NewClient создает клиента и проверяет соединение.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return rdb, nil
}

// WriteBatch — один RPUSH на пачку, порядок записей сохраняется.
func (l *AuditList) WriteBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("redis: marshal audit entry %s: %w", e.ID, err)
		}
		values = append(values, string(raw))
	}
	if err := l.rdb.RPush(ctx, l.key, values...).Err(); err != nil {
		return fmt.Errorf("redis: rpush %s: %w", l.key, err)
	}
	return nil
}
