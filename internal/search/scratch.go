package search

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the per-ride search progress kept outside the ride record.
type State struct {
	Phase       int
	Iterations  int
	InnerKm     float64
	OuterKm     float64
	Phase1Iters int
	Phase2Iters int
}

// Scratch holds per-ride search state and the set of drivers already
// offered the ride. Everything expires with the ride's maximum search time.
type Scratch interface {
	Init(ctx context.Context, rideID string, st State, ttl time.Duration) error
	Load(ctx context.Context, rideID string) (State, bool, error)
	Save(ctx context.Context, rideID string, st State) error
	// MarkNotified records ids and returns the ones not seen before, in
	// input order.
	MarkNotified(ctx context.Context, rideID string, ids []string) ([]string, error)
	Notified(ctx context.Context, rideID string) ([]string, error)
	Clear(ctx context.Context, rideID string) error
}

type memoryEntry struct {
	state    State
	notified map[string]struct{}
	expires  time.Time
}

type MemoryScratch struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryScratch() *MemoryScratch {
	return &MemoryScratch{entries: make(map[string]*memoryEntry), now: time.Now}
}

func (m *MemoryScratch) get(rideID string) *memoryEntry {
	e, ok := m.entries[rideID]
	if !ok {
		return nil
	}
	if m.now().After(e.expires) {
		delete(m.entries, rideID)
		return nil
	}
	return e
}

func (m *MemoryScratch) Init(_ context.Context, rideID string, st State, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[rideID] = &memoryEntry{state: st, notified: make(map[string]struct{}), expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryScratch) Load(_ context.Context, rideID string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(rideID)
	if e == nil {
		return State{}, false, nil
	}
	return e.state, true, nil
}

func (m *MemoryScratch) Save(_ context.Context, rideID string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.get(rideID); e != nil {
		e.state = st
	}
	return nil
}

func (m *MemoryScratch) MarkNotified(_ context.Context, rideID string, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(rideID)
	if e == nil {
		return nil, nil
	}
	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, seen := e.notified[id]; seen {
			continue
		}
		e.notified[id] = struct{}{}
		fresh = append(fresh, id)
	}
	return fresh, nil
}

func (m *MemoryScratch) Notified(_ context.Context, rideID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(rideID)
	if e == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.notified))
	for id := range e.notified {
		out = append(out, id)
	}
	return out, nil
}

func (m *MemoryScratch) Clear(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, rideID)
	return nil
}

// RedisScratch keeps the state in a hash and the notified drivers in a set,
// both expiring together.
type RedisScratch struct {
	client redis.UniversalClient
}

func NewRedisScratch(client redis.UniversalClient) *RedisScratch {
	return &RedisScratch{client: client}
}

func stateKey(rideID string) string    { return "search:" + rideID + ":state" }
func notifiedKey(rideID string) string { return "search:" + rideID + ":notified" }

func (r *RedisScratch) Init(ctx context.Context, rideID string, st State, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, stateKey(rideID), notifiedKey(rideID))
	fields := encodeState(st)
	// the set is created on first SADD; remember the TTL on the hash
	fields["ttl_ms"] = ttl.Milliseconds()
	pipe.HSet(ctx, stateKey(rideID), fields)
	pipe.Expire(ctx, stateKey(rideID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisScratch) Load(ctx context.Context, rideID string) (State, bool, error) {
	m, err := r.client.HGetAll(ctx, stateKey(rideID)).Result()
	if err != nil {
		return State{}, false, err
	}
	if len(m) == 0 {
		return State{}, false, nil
	}
	return decodeState(m), true, nil
}

// Save only touches an existing hash so a cleared ride is not resurrected.
func (r *RedisScratch) Save(ctx context.Context, rideID string, st State) error {
	n, err := r.client.Exists(ctx, stateKey(rideID)).Result()
	if err != nil || n == 0 {
		return err
	}
	return r.client.HSet(ctx, stateKey(rideID), encodeState(st)).Err()
}

func (r *RedisScratch) MarkNotified(ctx context.Context, rideID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ttl, err := r.ttl(ctx, rideID)
	if err != nil {
		return nil, err
	}
	pipe := r.client.TxPipeline()
	adds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		adds[i] = pipe.SAdd(ctx, notifiedKey(rideID), id)
	}
	if ttl > 0 {
		pipe.Expire(ctx, notifiedKey(rideID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	fresh := make([]string, 0, len(ids))
	for i, id := range ids {
		if adds[i].Val() == 1 {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

func (r *RedisScratch) ttl(ctx context.Context, rideID string) (time.Duration, error) {
	v, err := r.client.HGet(ctx, stateKey(rideID), "ttl_ms").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ms, _ := strconv.ParseInt(v, 10, 64)
	return time.Duration(ms) * time.Millisecond, nil
}

func (r *RedisScratch) Notified(ctx context.Context, rideID string) ([]string, error) {
	return r.client.SMembers(ctx, notifiedKey(rideID)).Result()
}

func (r *RedisScratch) Clear(ctx context.Context, rideID string) error {
	return r.client.Del(ctx, stateKey(rideID), notifiedKey(rideID)).Err()
}

func encodeState(st State) map[string]interface{} {
	return map[string]interface{}{
		"phase":    st.Phase,
		"iter":     st.Iterations,
		"inner_km": strconv.FormatFloat(st.InnerKm, 'f', -1, 64),
		"outer_km": strconv.FormatFloat(st.OuterKm, 'f', -1, 64),
		"p1_iters": st.Phase1Iters,
		"p2_iters": st.Phase2Iters,
	}
}

func decodeState(m map[string]string) State {
	atoi := func(k string) int { v, _ := strconv.Atoi(m[k]); return v }
	atof := func(k string) float64 { v, _ := strconv.ParseFloat(m[k], 64); return v }
	return State{
		Phase:       atoi("phase"),
		Iterations:  atoi("iter"),
		InnerKm:     atof("inner_km"),
		OuterKm:     atof("outer_km"),
		Phase1Iters: atoi("p1_iters"),
		Phase2Iters: atoi("p2_iters"),
	}
}
