// The consumer drains the bus-locations topic into the position history
// table and the Redis geo index. Appends here are the durable history the
// gateway only publishes best-effort.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total bus location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	samplesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_samples_applied_total",
		Help: "Total samples written to history and the geo index",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_apply_errors_total",
		Help: "Total samples dropped after exhausting retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, samplesApplied, applyErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := []string{"localhost:9092"}
	if env := os.Getenv("KAFKA_BROKERS"); env != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(env, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "bus-locations"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "transit-history"
	}
	geoKey := os.Getenv("REDIS_GEO_KEY")
	if geoKey == "" {
		geoKey = "buses_geo"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})

	pgDSN := os.Getenv("PG_DSN")
	if pgDSN == "" {
		log.Fatal("PG_DSN is required")
	}
	pg, err := storage.NewPostgresStore(pgDSN)
	if err != nil {
		log.Fatalf("postgres unreachable: %v", err)
	}

	sink := &storeSink{history: pg, geo: &redisGeo{c: rc}, geoKey: geoKey}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			if err := pg.DB().PingContext(r.Context()); err != nil {
				http.Error(w, "postgres not ready", 503)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
		_ = pg.DB().Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var s models.PositionSample
		if err := json.Unmarshal(m.Value, &s); err != nil || s.BusID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		if err := applyWithRetry(ctx, sink, s, 3, 200*time.Millisecond); err != nil {
			applyErrors.Inc()
			log.Printf("apply failed for bus=%s: %v", s.BusID, err)
			continue
		}
		samplesApplied.Inc()
	}
}

// SampleSink is the small surface the apply loop needs; tests substitute
// an in-memory implementation.
type SampleSink interface {
	Apply(ctx context.Context, s models.PositionSample) error
}

// GeoUpdater is the subset of redis operations the sink needs.
type GeoUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisGeo struct{ c *redis.Client }

func (r *redisGeo) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisGeo) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// storeSink appends the durable history row first; the geo index refresh
// rides along so nearby-bus queries stay current even if the gateway's
// own broadcast was missed.
type storeSink struct {
	history interface {
		AppendHistory(ctx context.Context, s models.PositionSample) error
	}
	geo    GeoUpdater
	geoKey string
}

func (k *storeSink) Apply(ctx context.Context, s models.PositionSample) error {
	if err := k.history.AppendHistory(ctx, s); err != nil {
		return err
	}
	if err := k.geo.GeoAdd(ctx, k.geoKey, &redis.GeoLocation{Longitude: s.Lng, Latitude: s.Lat, Name: s.BusID}); err != nil {
		return err
	}
	return k.geo.HSet(ctx, "bus:meta:"+s.BusID, map[string]interface{}{
		"updated":  s.CapturedAt.UnixMilli(),
		"route_id": s.RouteID,
	})
}

// applyWithRetry applies one sample with bounded retry and backoff.
func applyWithRetry(ctx context.Context, sink SampleSink, s models.PositionSample, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = sink.Apply(ctx, s); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
