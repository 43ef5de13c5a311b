package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/durable/pkg/api"
)

// RedisBackend is a Backend backed by Redis.
// It uses the following key structure:
//
//	<prefix>exec:<id>  => JSON encoded execution record
//	<prefix>hist:<id>  => ZSET of JSON encoded events scored by seq
//	<prefix>pend:<id>  => HASH of event id to JSON encoded pending event
//	<prefix>pvis:<id>  => ZSET of pending event ids scored by visibleAt (ms, 0 when unset)
//	<prefix>due        => ZSET of execution ids scored by their earliest pending event
//	<prefix>lock:<id>  => claim token, expires with the lock
//	<prefix>tx:<id>    => transaction token, serializes writers of one execution
//
// Writes made in a transaction are buffered and committed with MULTI/EXEC.
type RedisBackend struct {
	client *redis.Client
	prefix string
	opts   options
	// txTimeout bounds how long a crashed writer can block an execution.
	// A live writer renews its lock every third of it.
	txTimeout time.Duration
}

var _ Backend = (*RedisBackend)(nil)

// ErrTxLockLost is returned when a transaction's lock expired or was taken
// over before commit. Nothing of the transaction is written.
var ErrTxLockLost = errors.New("redis transaction lock lost")

// NewRedisBackend creates a RedisBackend.
// prefix is optional but recommended (e.g. "durable:").
func NewRedisBackend(client *redis.Client, prefix string, opts ...Option) *RedisBackend {
	if prefix == "" {
		prefix = "durable:"
	}
	return &RedisBackend{
		client:    client,
		prefix:    prefix,
		opts:      buildOptions(opts),
		txTimeout: 30 * time.Second,
	}
}

func (b *RedisBackend) keyExec(id string) string    { return b.prefix + "exec:" + id }
func (b *RedisBackend) keyHistory(id string) string { return b.prefix + "hist:" + id }
func (b *RedisBackend) keyPending(id string) string { return b.prefix + "pend:" + id }
func (b *RedisBackend) keyVisible(id string) string { return b.prefix + "pvis:" + id }
func (b *RedisBackend) keyDue() string              { return b.prefix + "due" }
func (b *RedisBackend) keyTx(id string) string      { return b.prefix + "tx:" + id }

// refreshDueScript keeps the due index in step with the pending set.
var refreshDueScript = redis.NewScript(`
local exec = redis.call('GET', KEYS[1])
if not exec then
	redis.call('ZREM', KEYS[3], ARGV[1])
	return 0
end
local status = cjson.decode(exec)['status']
if status == 'completed' or status == 'canceled' then
	redis.call('ZREM', KEYS[3], ARGV[1])
	return 0
end
local first = redis.call('ZRANGE', KEYS[2], 0, 0, 'WITHSCORES')
if #first == 0 then
	redis.call('ZREM', KEYS[3], ARGV[1])
	return 0
end
redis.call('ZADD', KEYS[3], first[2], ARGV[1])
return 1
`)

// claimScript locks up to ARGV[2] due executions.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local out = {}
for _, id in ipairs(ids) do
	if #out >= tonumber(ARGV[2]) then
		break
	end
	if redis.call('SET', ARGV[5] .. 'lock:' .. id, ARGV[4], 'NX', 'PX', ARGV[3]) then
		table.insert(out, id)
	end
end
return out
`)

// extendScript resets the TTL of KEYS[1] to ARGV[2] ms while it holds ARGV[1].
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (b *RedisBackend) WithinTransaction(ctx context.Context, executionID string, fn func(ctx context.Context, tx Tx) error) error {
	token, err := b.lockTx(ctx, executionID)
	if err != nil {
		return err
	}
	defer func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), b.client, []string{b.keyTx(executionID)}, token).Err()
	}()

	var lost atomic.Bool
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		b.renewTx(ctx, executionID, token, stop, &lost)
	}()
	// Renewal touches the watched lock key, so it ends before the commit.
	stopRenewal := sync.OnceFunc(func() {
		close(stop)
		<-renewed
	})
	defer stopRenewal()

	tx := &redisTx{backend: b, id: executionID, token: token, deleted: map[string]struct{}{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	stopRenewal()
	if lost.Load() {
		return ErrTxLockLost
	}
	if err := tx.commit(ctx); err != nil {
		return err
	}
	tx.wake.fire(b.opts.wake, executionID)
	return nil
}

func (b *RedisBackend) lockTx(ctx context.Context, id string) (string, error) {
	token := uuid.NewString()
	for {
		ok, err := b.client.SetNX(ctx, b.keyTx(id), token, b.txTimeout).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// renewTx extends the transaction lock until stop is closed. It flags lost
// once the lock no longer holds token.
func (b *RedisBackend) renewTx(ctx context.Context, id, token string, stop <-chan struct{}, lost *atomic.Bool) {
	ticker := time.NewTicker(b.txTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := extendScript.Run(ctx, b.client, []string{b.keyTx(id)}, token, b.txTimeout.Milliseconds()).Int()
		if err != nil {
			continue
		}
		if n == 0 {
			lost.Store(true)
			return
		}
	}
}

func (b *RedisBackend) PendingExecutions(ctx context.Context, lockDuration time.Duration, limit int) ([]Claim, error) {
	if limit <= 0 {
		return nil, nil
	}
	token := uuid.NewString()
	now := b.opts.now()

	ids, err := claimScript.Run(ctx, b.client, []string{b.keyDue()},
		now.UnixMilli(), limit, lockDuration.Milliseconds(), token, b.prefix,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	claims := make([]Claim, 0, len(ids))
	for _, id := range ids {
		lockKey := b.prefix + "lock:" + id
		claims = append(claims, NewClaim(id, func(ctx context.Context) error {
			return releaseScript.Run(ctx, b.client, []string{lockKey}, token).Err()
		}))
	}
	return claims, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

type redisTx struct {
	backend *RedisBackend
	id      string
	token   string

	exec    *api.WorkflowExecution
	history []api.Event
	pending []api.Event
	deleted map[string]struct{}
	wake    wakeTracker
}

func (t *redisTx) Execution() ExecutionStore { return redisExecutions{t} }
func (t *redisTx) History() HistoryStore     { return redisHistory{t} }
func (t *redisTx) Pending() PendingStore     { return redisPending{t} }

func (t *redisTx) commit(ctx context.Context) error {
	b := t.backend
	if t.exec == nil && len(t.history) == 0 && len(t.pending) == 0 && len(t.deleted) == 0 {
		return nil
	}

	execData, err := json.Marshal(t.exec)
	if err != nil {
		return err
	}
	history := make([]redis.Z, 0, len(t.history))
	for _, e := range t.history {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		history = append(history, redis.Z{Score: float64(e.Seq), Member: data})
	}
	pending := make(map[string]any, len(t.pending))
	visible := make([]redis.Z, 0, len(t.pending))
	for _, e := range t.pending {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		pending[e.ID] = data
		visible = append(visible, redis.Z{Score: visibleScore(e), Member: e.ID})
	}

	// The commit only applies while this transaction still holds its lock.
	err = b.client.Watch(ctx, func(rtx *redis.Tx) error {
		owner, err := rtx.Get(ctx, b.keyTx(t.id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if owner != t.token {
			return ErrTxLockLost
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			t.queue(ctx, pipe, execData, history, pending, visible)
			return nil
		})
		return err
	}, b.keyTx(t.id))
	if errors.Is(err, redis.TxFailedErr) {
		return ErrTxLockLost
	}
	return err
}

func (t *redisTx) queue(ctx context.Context, pipe redis.Pipeliner, execData []byte, history []redis.Z, pending map[string]any, visible []redis.Z) {
	b := t.backend
	if t.exec != nil {
		pipe.Set(ctx, b.keyExec(t.id), execData, 0)
	}
	if len(history) > 0 {
		pipe.ZAdd(ctx, b.keyHistory(t.id), history...)
	}
	for id := range t.deleted {
		pipe.HDel(ctx, b.keyPending(t.id), id)
		pipe.ZRem(ctx, b.keyVisible(t.id), id)
	}
	if len(pending) > 0 {
		pipe.HSet(ctx, b.keyPending(t.id), pending)
		pipe.ZAdd(ctx, b.keyVisible(t.id), visible...)
	}
	refreshDueScript.Eval(ctx, pipe,
		[]string{b.keyExec(t.id), b.keyVisible(t.id), b.keyDue()},
		t.id,
	)
}

func visibleScore(e api.Event) float64 {
	if e.VisibleAt == nil {
		return 0
	}
	return float64(e.VisibleAt.UnixMilli())
}

type redisExecutions struct{ t *redisTx }

func (s redisExecutions) Get(ctx context.Context) (*api.WorkflowExecution, error) {
	if s.t.exec != nil {
		return s.t.exec.Clone(), nil
	}
	data, err := s.t.backend.client.Get(ctx, s.t.backend.keyExec(s.t.id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrExecutionNotFound
		}
		return nil, err
	}
	var exec api.WorkflowExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", s.t.id, err)
	}
	return &exec, nil
}

func (s redisExecutions) Create(ctx context.Context, exec *api.WorkflowExecution) error {
	if s.t.exec != nil {
		return api.ErrExecutionExists
	}
	n, err := s.t.backend.client.Exists(ctx, s.t.backend.keyExec(s.t.id)).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return api.ErrExecutionExists
	}
	s.t.exec = exec.Clone()
	return nil
}

func (s redisExecutions) Update(ctx context.Context, exec *api.WorkflowExecution) error {
	if _, err := s.Get(ctx); err != nil {
		return err
	}
	s.t.exec = exec.Clone()
	return nil
}

type redisHistory struct{ t *redisTx }

func (s redisHistory) Get(ctx context.Context, page *api.Pagination) ([]api.Event, error) {
	b := s.t.backend
	reverse := page != nil && page.Reverse

	// Buffered events force the page to be cut in memory.
	if len(s.t.history) == 0 && page != nil && page.PageSize > 0 {
		start := int64(page.Offset())
		stop := start + int64(page.PageSize) - 1
		var (
			members []string
			err     error
		)
		if reverse {
			members, err = b.client.ZRevRange(ctx, b.keyHistory(s.t.id), start, stop).Result()
		} else {
			members, err = b.client.ZRange(ctx, b.keyHistory(s.t.id), start, stop).Result()
		}
		if err != nil {
			return nil, err
		}
		return decodeEvents(members)
	}

	members, err := b.client.ZRange(ctx, b.keyHistory(s.t.id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	events, err := decodeEvents(members)
	if err != nil {
		return nil, err
	}
	events = append(events, s.t.history...)
	if reverse {
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	return paginate(events, page), nil
}

func (s redisHistory) Add(ctx context.Context, events ...api.Event) error {
	s.t.history = append(s.t.history, events...)
	return nil
}

type redisPending struct{ t *redisTx }

func (s redisPending) Get(ctx context.Context, page *api.Pagination) ([]api.Event, error) {
	b := s.t.backend
	stored, err := b.client.HGetAll(ctx, b.keyPending(s.t.id)).Result()
	if err != nil {
		return nil, err
	}

	now := b.opts.now()
	events := []api.Event{}
	keep := func(e api.Event) {
		if _, gone := s.t.deleted[e.ID]; !gone && e.DueAt(now) {
			events = append(events, e)
		}
	}
	for _, data := range stored {
		var e api.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, err
		}
		keep(e)
	}
	for _, e := range s.t.pending {
		keep(e)
	}

	sort.SliceStable(events, func(i, j int) bool { return pendingLess(events[i], events[j]) })
	if page != nil && page.Reverse {
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	return paginate(events, page), nil
}

func (s redisPending) Add(ctx context.Context, events ...api.Event) error {
	for _, e := range events {
		delete(s.t.deleted, e.ID)
	}
	s.t.pending = append(s.t.pending, events...)
	s.t.wake.track(s.t.backend.opts.now(), events)
	return nil
}

func (s redisPending) Delete(ctx context.Context, events ...api.Event) error {
	for _, e := range events {
		s.t.deleted[e.ID] = struct{}{}
	}
	kept := s.t.pending[:0:0]
	for _, e := range s.t.pending {
		if _, gone := s.t.deleted[e.ID]; !gone {
			kept = append(kept, e)
		}
	}
	s.t.pending = kept
	return nil
}

func decodeEvents(members []string) ([]api.Event, error) {
	events := make([]api.Event, 0, len(members))
	for _, m := range members {
		var e api.Event
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
