package railway

import (
	"context"
	"strings"
	"sync"

	"github.com/petrijr/sagarail/pkg/api"
)

// Hub is the in-process railway backend. One Hub plays the role a Redis or
// SQL server plays for the other backends: railways created from the same Hub
// share queue and marker state, so concurrent pipelines over the same subject
// contend the same way they would against a shared store.
type Hub struct {
	mu     sync.Mutex
	queues map[string]*memQueueState
	rails  map[string]*memRailState
}

type memQueueState struct {
	tasks      [][]byte
	processing []byte
}

type memRailState struct {
	activeOp Operation
	activeTx string
}

// NewHub creates an empty in-memory railway backend.
func NewHub() *Hub {
	return &Hub{
		queues: map[string]*memQueueState{},
		rails:  map[string]*memRailState{},
	}
}

// Railway returns the railway for a subject, bound to the given transaction
// id.
func (h *Hub) Railway(subjectKey, transactionID string) Railway {
	return &memRailway{hub: h, subjectKey: subjectKey, txid: transactionID}
}

func (h *Hub) queueKey(subjectKey string, op Operation, txid string) string {
	return subjectKey + "\x00" + string(op) + "\x00" + txid
}

// queue fetches or creates queue state. Callers hold h.mu.
func (h *Hub) queue(key string) *memQueueState {
	q, ok := h.queues[key]
	if !ok {
		q = &memQueueState{}
		h.queues[key] = q
	}
	return q
}

// rail fetches or creates rail markers. Callers hold h.mu.
func (h *Hub) rail(subjectKey string) *memRailState {
	r, ok := h.rails[subjectKey]
	if !ok {
		r = &memRailState{}
		h.rails[subjectKey] = r
	}
	return r
}

type memRailway struct {
	hub        *Hub
	subjectKey string
	txid       string
}

var _ Railway = (*memRailway)(nil)

func (r *memRailway) ID() string { return r.txid }

func (r *memRailway) Queue(op Operation) Queue {
	return &memQueue{hub: r.hub, key: r.hub.queueKey(r.subjectKey, op, r.txid)}
}

func (r *memRailway) Active(ctx context.Context) (Operation, error) {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	return r.hub.rail(r.subjectKey).activeOp, nil
}

func (r *memRailway) SwitchTo(ctx context.Context, op Operation) error {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	rail := r.hub.rail(r.subjectKey)
	if !CanSwitch(rail.activeOp, op) {
		return switchError(rail.activeOp, op)
	}
	rail.activeOp = op
	return nil
}

func (r *memRailway) RunningTransaction(ctx context.Context) (string, error) {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	return r.hub.rail(r.subjectKey).activeTx, nil
}

func (r *memRailway) Next(ctx context.Context) (*api.Task, error) {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()

	rail := r.hub.rail(r.subjectKey)
	if rail.activeTx != "" && rail.activeTx != r.txid {
		return nil, nil
	}
	if rail.activeTx == "" {
		rail.activeTx = r.txid
		if rail.activeOp == "" {
			rail.activeOp = OpCall
		}
	}

	q := r.hub.queue(r.hub.queueKey(r.subjectKey, rail.activeOp, r.txid))
	data, ok := q.pop()
	if !ok {
		r.finishLocked(rail)
		return nil, nil
	}
	return DecodeTask(data)
}

// finishLocked closes the transaction: queues and markers are wiped so the
// next caller starts on a fresh railway. Callers hold hub.mu.
func (r *memRailway) finishLocked(rail *memRailState) {
	if rail.activeTx != r.txid {
		return
	}
	for _, op := range Operations {
		delete(r.hub.queues, r.hub.queueKey(r.subjectKey, op, r.txid))
	}
	rail.activeOp = ""
	rail.activeTx = ""
}

func (r *memRailway) Clear(ctx context.Context) error {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	prefix := r.subjectKey + "\x00"
	for key := range r.hub.queues {
		if strings.HasPrefix(key, prefix) {
			delete(r.hub.queues, key)
		}
	}
	delete(r.hub.rails, r.subjectKey)
	return nil
}

type memQueue struct {
	hub *Hub
	key string
}

var _ Queue = (*memQueue)(nil)

func (q *memQueue) Push(ctx context.Context, t *api.Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	q.hub.mu.Lock()
	defer q.hub.mu.Unlock()
	state := q.hub.queue(q.key)
	state.tasks = append(state.tasks, data)
	return nil
}

func (q *memQueue) PushFront(ctx context.Context, t *api.Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	q.hub.mu.Lock()
	defer q.hub.mu.Unlock()
	state := q.hub.queue(q.key)
	state.tasks = append([][]byte{data}, state.tasks...)
	return nil
}

func (q *memQueue) Pop(ctx context.Context) (*api.Task, error) {
	q.hub.mu.Lock()
	defer q.hub.mu.Unlock()
	data, ok := q.hub.queue(q.key).pop()
	if !ok {
		return nil, nil
	}
	return DecodeTask(data)
}

func (q *memQueue) PeekAll(ctx context.Context) ([]*api.Task, error) {
	q.hub.mu.Lock()
	defer q.hub.mu.Unlock()
	state := q.hub.queue(q.key)
	out := make([]*api.Task, 0, len(state.tasks))
	for _, data := range state.tasks {
		t, err := DecodeTask(data)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (q *memQueue) ProcessingTask(ctx context.Context) (*api.Task, error) {
	q.hub.mu.Lock()
	defer q.hub.mu.Unlock()
	state := q.hub.queue(q.key)
	if state.processing == nil {
		return nil, nil
	}
	return DecodeTask(state.processing)
}

func (q *memQueue) Clear(ctx context.Context) error {
	q.hub.mu.Lock()
	defer q.hub.mu.Unlock()
	delete(q.hub.queues, q.key)
	return nil
}

// pop removes the head task, updating the processing marker. An empty queue
// clears a stale marker and reports false. Callers hold hub.mu.
func (s *memQueueState) pop() ([]byte, bool) {
	if len(s.tasks) == 0 {
		s.processing = nil
		return nil, false
	}
	data := s.tasks[0]
	s.tasks = s.tasks[1:]
	s.processing = data
	return data, true
}
