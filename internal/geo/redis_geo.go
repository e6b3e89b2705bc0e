package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIndex implements Index using Redis GEO commands so the bus index is
// shared across server instances and refreshed by the history consumer.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(f Fix) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: f.Lng, Latitude: f.Lat, Name: f.BusID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(f.BusID), map[string]interface{}{"updated": time.Now().Format(time.RFC3339)}).Err()
}

func (r *RedisIndex) Nearby(lat, lng float64, limit int) []Fix {
	res, err := r.client.GeoRadius(r.ctx, r.key, lng, lat, &redis.GeoRadiusQuery{Radius: 5000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]Fix, 0, len(res))
	for _, g := range res {
		f := Fix{BusID: g.Name, Lat: g.Latitude, Lng: g.Longitude}
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["updated"]; ok {
				if t, err := time.Parse(time.RFC3339, v); err == nil {
					f.Updated = t
				}
			}
		}
		out = append(out, f)
	}
	return out
}

func metaKey(id string) string { return "bus:meta:" + id }
