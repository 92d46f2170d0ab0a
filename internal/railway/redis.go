package railway

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/sagarail/pkg/api"
)

const redisKeyPrefix = "sagarail"

// popScript atomically removes the head of a task list and records it as the
// queue's processing task. An empty list drops a stale marker instead.
var popScript = redis.NewScript(`
local head = redis.call("LPOP", KEYS[1])
if head then
  redis.call("SET", KEYS[2], head)
  return head
end
redis.call("DEL", KEYS[2])
return false
`)

// finishScript closes a transaction only if the caller still owns it: the
// owner marker is compared against the caller's transaction id before the
// subject's railway keys are deleted.
var finishScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", unpack(KEYS))
  return 1
end
return 0
`)

// RedisRailways hands out railways backed by a shared Redis deployment.
type RedisRailways struct {
	client redis.UniversalClient
}

// NewRedisRailways wraps an existing Redis client.
func NewRedisRailways(client redis.UniversalClient) *RedisRailways {
	return &RedisRailways{client: client}
}

// Railway returns the railway for a subject, bound to the given transaction
// id.
func (s *RedisRailways) Railway(subjectKey, transactionID string) Railway {
	return &redisRailway{client: s.client, subjectKey: subjectKey, txid: transactionID}
}

type redisRailway struct {
	client     redis.UniversalClient
	subjectKey string
	txid       string
}

var _ Railway = (*redisRailway)(nil)

func (r *redisRailway) tasksKey(op Operation) string {
	return fmt.Sprintf("%s:queue:%s:op_%s:txid_%s:tasks", redisKeyPrefix, r.subjectKey, op, r.txid)
}

func (r *redisRailway) processingKey(op Operation) string {
	return fmt.Sprintf("%s:queue:%s:op_%s:txid_%s:active", redisKeyPrefix, r.subjectKey, op, r.txid)
}

func (r *redisRailway) activeOpKey() string {
	return fmt.Sprintf("%s:rail:%s:active_operation", redisKeyPrefix, r.subjectKey)
}

func (r *redisRailway) activeTxKey() string {
	return fmt.Sprintf("%s:rail:%s:active_transaction", redisKeyPrefix, r.subjectKey)
}

func (r *redisRailway) ID() string { return r.txid }

func (r *redisRailway) Queue(op Operation) Queue {
	return &redisQueue{
		client:        r.client,
		tasksKey:      r.tasksKey(op),
		processingKey: r.processingKey(op),
	}
}

func (r *redisRailway) Active(ctx context.Context) (Operation, error) {
	val, err := r.client.Get(ctx, r.activeOpKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("railway: read active operation: %w", err)
	}
	return Operation(val), nil
}

func (r *redisRailway) SwitchTo(ctx context.Context, op Operation) error {
	current, err := r.Active(ctx)
	if err != nil {
		return err
	}
	if !CanSwitch(current, op) {
		return switchError(current, op)
	}
	if err := r.client.Set(ctx, r.activeOpKey(), string(op), 0).Err(); err != nil {
		return fmt.Errorf("railway: switch operation: %w", err)
	}
	return nil
}

func (r *redisRailway) RunningTransaction(ctx context.Context) (string, error) {
	val, err := r.client.Get(ctx, r.activeTxKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("railway: read running transaction: %w", err)
	}
	return val, nil
}

func (r *redisRailway) Next(ctx context.Context) (*api.Task, error) {
	claimed, err := r.client.SetNX(ctx, r.activeTxKey(), r.txid, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("railway: claim transaction: %w", err)
	}
	if !claimed {
		owner, err := r.RunningTransaction(ctx)
		if err != nil {
			return nil, err
		}
		if owner != r.txid {
			return nil, nil
		}
	} else {
		if err := r.client.SetNX(ctx, r.activeOpKey(), string(OpCall), 0).Err(); err != nil {
			return nil, fmt.Errorf("railway: activate call rail: %w", err)
		}
	}

	active, err := r.Active(ctx)
	if err != nil {
		return nil, err
	}
	if active == "" {
		active = OpCall
	}

	task, err := r.Queue(active).Pop(ctx)
	if err != nil {
		return nil, err
	}
	if task == nil {
		if err := r.finish(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return task, nil
}

func (r *redisRailway) finish(ctx context.Context) error {
	keys := []string{r.activeTxKey(), r.activeOpKey()}
	for _, op := range Operations {
		keys = append(keys, r.tasksKey(op), r.processingKey(op))
	}
	if err := finishScript.Run(ctx, r.client, keys, r.txid).Err(); err != nil {
		return fmt.Errorf("railway: finish transaction: %w", err)
	}
	return nil
}

func (r *redisRailway) Clear(ctx context.Context) error {
	keys := []string{r.activeTxKey(), r.activeOpKey()}
	for _, op := range Operations {
		keys = append(keys, r.tasksKey(op), r.processingKey(op))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("railway: clear: %w", err)
	}
	return nil
}

type redisQueue struct {
	client        redis.UniversalClient
	tasksKey      string
	processingKey string
}

var _ Queue = (*redisQueue)(nil)

func (q *redisQueue) Push(ctx context.Context, t *api.Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.tasksKey, data).Err(); err != nil {
		return fmt.Errorf("railway: push task: %w", err)
	}
	return nil
}

func (q *redisQueue) PushFront(ctx context.Context, t *api.Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.tasksKey, data).Err(); err != nil {
		return fmt.Errorf("railway: push task front: %w", err)
	}
	return nil
}

func (q *redisQueue) Pop(ctx context.Context) (*api.Task, error) {
	res, err := popScript.Run(ctx, q.client, []string{q.tasksKey, q.processingKey}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("railway: pop task: %w", err)
	}
	data, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("railway: pop task: unexpected reply %T", res)
	}
	return DecodeTask([]byte(data))
}

func (q *redisQueue) PeekAll(ctx context.Context) ([]*api.Task, error) {
	items, err := q.client.LRange(ctx, q.tasksKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("railway: peek tasks: %w", err)
	}
	out := make([]*api.Task, 0, len(items))
	for _, item := range items {
		t, err := DecodeTask([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (q *redisQueue) ProcessingTask(ctx context.Context) (*api.Task, error) {
	val, err := q.client.Get(ctx, q.processingKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("railway: read processing task: %w", err)
	}
	return DecodeTask([]byte(val))
}

func (q *redisQueue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.tasksKey, q.processingKey).Err(); err != nil {
		return fmt.Errorf("railway: clear queue: %w", err)
	}
	return nil
}
