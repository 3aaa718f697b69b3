package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTxRetries    = 8
	defaultClockRefresh = time.Minute
)

// Config for the Redis-backed store.
type Config struct {
	Client redis.UniversalClient

	// Prefix namespaces every key and channel, so several deployments can
	// share one Redis.
	Prefix string

	// TxRetries bounds optimistic retries of a conflicting transaction.
	TxRetries int

	// ClockRefresh is how often the server clock offset is re-probed.
	ClockRefresh time.Duration
}

// Redis implements Store on a Redis instance. Logical slash-separated paths
// map to colon-separated keys under the configured prefix, and every mutation
// publishes the new value on the key's channel in the same pipeline, so
// subscribers observe a monotonically advancing sequence of full snapshots
// per path.
type Redis struct {
	rdb       redis.UniversalClient
	prefix    string
	txRetries int

	offsetNs atomic.Int64

	mu         sync.Mutex
	disconnect map[string]struct{}

	stopClock context.CancelFunc
	clockDone chan struct{}
}

var _ Store = (*Redis)(nil)

// Open connects the adapter and probes the server clock once synchronously.
func Open(ctx context.Context, c Config) (*Redis, error) {
	if c.TxRetries <= 0 {
		c.TxRetries = defaultTxRetries
	}
	if c.ClockRefresh <= 0 {
		c.ClockRefresh = defaultClockRefresh
	}

	r := &Redis{
		rdb:        c.Client,
		prefix:     c.Prefix,
		txRetries:  c.TxRetries,
		disconnect: make(map[string]struct{}),
	}

	if err := r.probeClock(ctx); err != nil {
		return nil, fmt.Errorf("store: probe server clock: %w", err)
	}

	clockCtx, cancel := context.WithCancel(context.Background())
	r.stopClock = cancel
	r.clockDone = make(chan struct{})
	go r.refreshClock(clockCtx, c.ClockRefresh)

	return r, nil
}

func (r *Redis) key(path string) string {
	return r.prefix + ":" + strings.ReplaceAll(path, "/", ":")
}

func (r *Redis) path(key string) string {
	return strings.ReplaceAll(strings.TrimPrefix(key, r.prefix+":"), ":", "/")
}

func (r *Redis) Get(ctx context.Context, path string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, r.key(path)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", path, err)
	}
	return b, nil
}

func (r *Redis) Set(ctx context.Context, path string, value []byte) error {
	key := r.key(path)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, value, 0)
		p.Publish(ctx, key, value)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: set %s: %w", path, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, path string) error {
	key := r.key(path)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.Publish(ctx, key, "")
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: remove %s: %w", path, err)
	}
	return nil
}

// Update merges fields into the JSON object at path via a transaction, so a
// partial update never clobbers concurrent writes to sibling fields.
func (r *Redis) Update(ctx context.Context, path string, fields map[string]any) error {
	_, _, err := r.Transact(ctx, path, func(cur []byte) ([]byte, error) {
		doc := make(map[string]any)
		if len(cur) > 0 {
			if err := json.Unmarshal(cur, &doc); err != nil {
				return nil, fmt.Errorf("current value is not an object: %w", err)
			}
		}
		for k, v := range fields {
			setField(doc, strings.Split(k, "/"), v)
		}
		return json.Marshal(doc)
	})
	if err != nil {
		return fmt.Errorf("store: update %s: %w", path, err)
	}
	return nil
}

// setField writes v at the slash-path segs inside doc, creating intermediate
// objects as needed. A nil v deletes the field.
func setField(doc map[string]any, segs []string, v any) {
	last := len(segs) - 1
	for _, s := range segs[:last] {
		child, ok := doc[s].(map[string]any)
		if !ok {
			child = make(map[string]any)
			doc[s] = child
		}
		doc = child
	}
	if v == nil {
		delete(doc, segs[last])
		return
	}
	doc[segs[last]] = v
}

func (r *Redis) Transact(ctx context.Context, path string, fn TxFunc) (bool, []byte, error) {
	key := r.key(path)

	var (
		committed bool
		result    []byte
	)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			cur = nil
		} else if err != nil {
			return err
		}

		next, err := fn(cur)
		if err == ErrTxAbort {
			committed = false
			result = cur
			return nil
		}
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if next == nil {
				p.Del(ctx, key)
				p.Publish(ctx, key, "")
			} else {
				p.Set(ctx, key, next, 0)
				p.Publish(ctx, key, next)
			}
			return nil
		})
		if err != nil {
			return err
		}
		committed = true
		result = next
		return nil
	}

	for i := 0; i < r.txRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return false, nil, fmt.Errorf("store: transact %s: %w", path, err)
		}
		return committed, result, nil
	}
	return false, nil, fmt.Errorf("store: transact %s: %w", path, ErrTxConflict)
}

func (r *Redis) Subscribe(ctx context.Context, path string) (<-chan Snapshot, func()) {
	ctx, cancel := context.WithCancel(ctx)
	key := r.key(path)
	ps := r.rdb.Subscribe(ctx, key)
	out := make(chan Snapshot, 16)

	go func() {
		defer close(out)
		defer ps.Close()

		// Initial snapshot after the subscription is established, so no
		// change between the two is lost. One change may be observed
		// twice; snapshots carry full values so that is harmless.
		cur, err := r.Get(ctx, path)
		if err != nil {
			slog.ErrorContext(ctx, "store: initial snapshot failed", "path", path, "error", err)
		} else if !send(ctx, out, Snapshot{Path: path, Value: cur}) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ps.Channel():
				if !ok {
					return
				}
				if !send(ctx, out, r.snapshot(m)) {
					return
				}
			}
		}
	}()

	return out, cancel
}

func (r *Redis) SubscribePrefix(ctx context.Context, prefix string) (<-chan Snapshot, func()) {
	ctx, cancel := context.WithCancel(ctx)
	ps := r.rdb.PSubscribe(ctx, r.key(prefix)+"*")
	out := make(chan Snapshot, 16)

	go func() {
		defer close(out)
		defer ps.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ps.Channel():
				if !ok {
					return
				}
				if !send(ctx, out, r.snapshot(m)) {
					return
				}
			}
		}
	}()

	return out, cancel
}

func (r *Redis) snapshot(m *redis.Message) Snapshot {
	s := Snapshot{Path: r.path(m.Channel)}
	if m.Payload != "" {
		s.Value = []byte(m.Payload)
	}
	return s
}

func send(ctx context.Context, out chan<- Snapshot, s Snapshot) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- s:
		return true
	}
}

func (r *Redis) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := r.rdb.Scan(ctx, 0, r.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		b, err := r.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: list %s: %w", prefix, err)
		}
		out[r.path(key)] = b
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: list %s: %w", prefix, err)
	}
	return out, nil
}

func (r *Redis) OnDisconnectRemove(path string) {
	r.mu.Lock()
	r.disconnect[path] = struct{}{}
	r.mu.Unlock()
}

func (r *Redis) ClearDisconnect(path string) {
	r.mu.Lock()
	delete(r.disconnect, path)
	r.mu.Unlock()
}

func (r *Redis) ServerClockOffset() time.Duration {
	return time.Duration(r.offsetNs.Load())
}

func (r *Redis) Now() time.Time {
	return time.Now().Add(r.ServerClockOffset())
}

func (r *Redis) probeClock(ctx context.Context) error {
	st, err := r.rdb.Time(ctx).Result()
	if err != nil {
		return err
	}
	r.offsetNs.Store(int64(st.Sub(time.Now())))
	return nil
}

func (r *Redis) refreshClock(ctx context.Context, every time.Duration) {
	defer close(r.clockDone)

	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.probeClock(ctx); err != nil {
				slog.ErrorContext(ctx, "store: refresh server clock failed", "error", err)
			}
		}
	}
}

// Close fires the registered disconnect cleanups. Removal is best effort:
// a failed delete is logged, not returned, matching the contract that
// cleanup hooks never fail the primary operation.
func (r *Redis) Close(ctx context.Context) error {
	r.stopClock()
	<-r.clockDone

	r.mu.Lock()
	paths := make([]string, 0, len(r.disconnect))
	for p := range r.disconnect {
		paths = append(paths, p)
	}
	r.disconnect = make(map[string]struct{})
	r.mu.Unlock()

	for _, p := range paths {
		if err := r.Remove(ctx, p); err != nil {
			slog.ErrorContext(ctx, "store: disconnect cleanup failed", "path", p, "error", err)
		}
	}
	return nil
}
