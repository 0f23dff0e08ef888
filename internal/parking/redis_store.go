package parking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const maxUpdateRetries = 50

// RedisStore keeps each queue as one JSON document and runs Update as an
// optimistic WATCH/MULTI transaction, retrying on conflict.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func queueKey(id string) string          { return "parking:queue:" + id }
func airportKey(airportID string) string { return "parking:airport:" + airportID }

func (r *RedisStore) Get(ctx context.Context, id string) (*models.ParkingQueue, error) {
	return r.read(ctx, r.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) read(ctx context.Context, c getter, id string) (*models.ParkingQueue, error) {
	b, err := c.Get(ctx, queueKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueNotFound
	}
	if err != nil {
		return nil, err
	}
	var q models.ParkingQueue
	if err := json.Unmarshal(b, &q); err != nil {
		return nil, fmt.Errorf("decode queue %s: %w", id, err)
	}
	if q.Entries == nil {
		q.Entries = make(map[string]*models.QueueEntry)
	}
	if q.ActiveOffers == nil {
		q.ActiveOffers = make(map[string]*models.ActiveOffer)
	}
	return &q, nil
}

func (r *RedisStore) FindActiveByAirport(ctx context.Context, airportID string) (*models.ParkingQueue, error) {
	ids, err := r.client.SMembers(ctx, airportKey(airportID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	for _, id := range ids {
		q, err := r.Get(ctx, id)
		if errors.Is(err, ErrQueueNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if q.IsActive {
			return q, nil
		}
	}
	return nil, ErrNoActiveQueue
}

func (r *RedisStore) Save(ctx context.Context, q *models.ParkingQueue) error {
	b, err := json.Marshal(q)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, queueKey(q.ID), b, 0)
		pipe.SAdd(ctx, airportKey(q.AirportID), q.ID)
		return nil
	})
	return err
}

func (r *RedisStore) Update(ctx context.Context, id string, fn func(q *models.ParkingQueue) error) (*models.ParkingQueue, error) {
	var out *models.ParkingQueue
	txf := func(tx *redis.Tx) error {
		q, err := r.read(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(q); err != nil {
			return err
		}
		q.Version++
		b, err := json.Marshal(q)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, queueKey(id), b, 0)
			return nil
		})
		if err == nil {
			out = q
		}
		return err
	}
	for i := 0; i < maxUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, queueKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			// another writer committed first; re-read and re-apply
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}
