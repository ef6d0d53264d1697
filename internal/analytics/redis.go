package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder aggregates events into Redis hashes:
//
//	<prefix>:total              allowed|blocked, source:<S>:<outcome>, reason:<R>
//	<prefix>:minute:<yyyymmddhhmm>  same fields, expiring after ttl
//	<prefix>:route              "<METHOD> <route>:<outcome>"
//	<prefix>:ruleset            "<name>:<outcome>"
//	<prefix>:hits               <ruleId>
type RedisRecorder struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisRecorder.
type RedisOption func(*RedisRecorder)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRecorder) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

// WithBucketTTL sets how long per-minute buckets are kept.
func WithBucketTTL(d time.Duration) RedisOption {
	return func(r *RedisRecorder) { r.ttl = d }
}

// NewRedisRecorder creates a recorder on an existing client.
func NewRedisRecorder(rdb redis.UniversalClient, opts ...RedisOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:    rdb,
		prefix: "shieldgate:decisions",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect parses a redis:// URL, pings the server and returns a client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Record implements Recorder with a single pipelined round trip.
func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	if r == nil || r.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	out := outcome(ev.Allowed)
	fields := []string{out, "source:" + string(ev.Source) + ":" + out}
	if !ev.Allowed && ev.Reason != "" {
		fields = append(fields, "reason:"+string(ev.Reason))
	}

	totalKey := r.prefix + ":total"
	bucketKey := fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504"))

	pipe := r.rdb.Pipeline()
	for _, f := range fields {
		pipe.HIncrBy(ctx, totalKey, f, 1)
		pipe.HIncrBy(ctx, bucketKey, f, 1)
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, bucketKey, r.ttl)
	}
	pipe.HIncrBy(ctx, r.prefix+":route", routeField(ev)+":"+out, 1)
	if ev.RuleSet != "" {
		pipe.HIncrBy(ctx, r.prefix+":ruleset", ev.RuleSet+":"+out, 1)
	}
	for _, h := range ev.Hits {
		pipe.HIncrBy(ctx, r.prefix+":hits", h.RuleID, 1)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Totals reads the cumulative hash.
func (r *RedisRecorder) Totals(ctx context.Context) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, r.prefix+":total").Result()
}

// RuleSets reads per-rule-set counters.
func (r *RedisRecorder) RuleSets(ctx context.Context) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, r.prefix+":ruleset").Result()
}

func routeField(ev Event) string {
	route := ev.Route
	if route == "" {
		route = "unmatched"
	}
	return strings.TrimSpace(ev.Method + " " + route)
}
