package guard

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFixStore shares last-fix state across server instances. The swap uses
// a WATCH transaction so two gateways validating the same bus cannot both
// win against the same prior fix.
type RedisFixStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisFixStore keeps fixes for ttl; stale buses simply age out.
func NewRedisFixStore(client *redis.Client, ttl time.Duration) *RedisFixStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisFixStore{client: client, ttl: ttl}
}

// storedFix uses unix millis so equality survives the JSON round trip.
type storedFix struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	AtMs int64   `json:"at_ms"`
}

func toStored(f Fix) storedFix {
	return storedFix{Lat: f.Lat, Lng: f.Lng, AtMs: f.At.UnixMilli()}
}

func (s storedFix) fix() Fix {
	return Fix{Lat: s.Lat, Lng: s.Lng, At: time.UnixMilli(s.AtMs)}
}

func fixKey(busID string) string { return "bus:lastfix:" + busID }

func (r *RedisFixStore) Load(ctx context.Context, busID string) (Fix, bool, error) {
	raw, err := r.client.Get(ctx, fixKey(busID)).Result()
	if errors.Is(err, redis.Nil) {
		return Fix{}, false, nil
	}
	if err != nil {
		return Fix{}, false, err
	}
	var s storedFix
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Fix{}, false, err
	}
	return s.fix(), true, nil
}

func (r *RedisFixStore) CompareAndSwap(ctx context.Context, busID string, old *Fix, next Fix) (bool, error) {
	key := fixKey(busID)
	swapped := false

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if old != nil {
				return nil
			}
		case err != nil:
			return err
		default:
			if old == nil {
				return nil
			}
			var cur storedFix
			if err := json.Unmarshal([]byte(raw), &cur); err != nil {
				return err
			}
			want := toStored(*old)
			if cur != want {
				return nil
			}
		}

		b, err := json.Marshal(toStored(next))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, r.ttl)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return swapped, err
}
