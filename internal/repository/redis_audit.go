package repository

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/GoPolymarket/shieldgate/internal/audit"
	"github.com/GoPolymarket/shieldgate/internal/model"
)

// RedisEventRepo keeps a capped list of recent events, newest at the head.
type RedisEventRepo struct {
	client  redis.UniversalClient
	listKey string
	listMax int
}

func NewRedisEventRepo(client redis.UniversalClient, listKey string, listMax int) *RedisEventRepo {
	if listKey == "" {
		listKey = "security_events"
	}
	if listMax <= 0 {
		listMax = 10000
	}
	return &RedisEventRepo{
		client:  client,
		listKey: listKey,
		listMax: listMax,
	}
}

func (r *RedisEventRepo) Name() string { return "redis" }

func (r *RedisEventRepo) Write(ctx context.Context, ev *model.SecurityEvent) error {
	if ev == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.listKey, payload)
	pipe.LTrim(ctx, r.listKey, 0, int64(r.listMax-1))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisEventRepo) List(ctx context.Context, f audit.Filter) ([]*model.SecurityEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	fetch := limit * 5
	if fetch < 100 {
		fetch = 100
	}
	if fetch > r.listMax {
		fetch = r.listMax
	}
	items, err := r.client.LRange(ctx, r.listKey, 0, int64(fetch-1)).Result()
	if err != nil {
		return nil, err
	}
	results := make([]*model.SecurityEvent, 0, limit)
	for _, raw := range items {
		var ev model.SecurityEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		if !f.Match(&ev) {
			continue
		}
		results = append(results, &ev)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}
