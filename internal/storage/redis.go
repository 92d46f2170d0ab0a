package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/sagarail/pkg/api"
)

// NewRedisStore wraps a subject whose task log lives in a Redis hash, one
// field per task id. Status and state stay in the subject blob; only the log,
// which grows with every transition, is offloaded.
func NewRedisStore(client redis.UniversalClient, subject api.Subject) (Store, error) {
	log := &redisLog{
		client: client,
		key:    fmt.Sprintf("sagarail:tasks:%s", subject.SubjectKey()),
	}
	return newStore(subject, log, false)
}

type redisLog struct {
	client redis.UniversalClient
	key    string
}

var _ taskLog = (*redisLog)(nil)

func (l *redisLog) Put(ctx context.Context, t *api.Task) error {
	data, err := encodeTaskRecord(t)
	if err != nil {
		return err
	}
	if err := l.client.HSet(ctx, l.key, t.ID, data).Err(); err != nil {
		return fmt.Errorf("storage: write task %s: %w", t.ID, err)
	}
	return nil
}

func (l *redisLog) Get(ctx context.Context, id string) (*api.Task, error) {
	data, err := l.client.HGet(ctx, l.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read task %s: %w", id, err)
	}
	return decodeTaskRecord([]byte(data))
}

func (l *redisLog) Clear(ctx context.Context) error {
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("storage: clear task log: %w", err)
	}
	return nil
}
