package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "mirrorbot/pkg/logx"
)

// redisStore keeps links as hashes with an optional TTL, stats in one
// hash, disabled routes in a set and dedup windows as expiring strings.
type redisStore struct {
	client *redis.Client
	log    logx.Logger
	prefix string
	ttl    time.Duration
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.RedisURL)
	if url == "" {
		return nil, errors.New("storage.redis_url is required for redis driver")
	}
	client, err := connectRedis(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "mirrorbot"
	}
	return newRedisStore(client, prefix, cfg.LinkTTL, log), nil
}

// connectRedis accepts either a redis:// URL or a bare host:port.
func connectRedis(url string) (*redis.Client, error) {
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: url}), nil
}

func newRedisStore(client *redis.Client, prefix string, ttl time.Duration, log logx.Logger) *redisStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, log: log, prefix: prefix, ttl: ttl}
}

func (s *redisStore) linkKey(k LinkKey) string {
	return fmt.Sprintf("%s:link:%d:%d:%d", s.prefix, k.Source, k.SourceID, k.Dest)
}

func (s *redisStore) statsKey() string    { return s.prefix + ":stats" }
func (s *redisStore) disabledKey() string { return s.prefix + ":disabled" }
func (s *redisStore) dedupKey(k string) string {
	return s.prefix + ":dedup:" + k
}

func (s *redisStore) PutLink(ctx context.Context, l Link) error {
	if l.At.IsZero() {
		l.At = time.Now()
	}
	key := s.linkKey(l.Key())
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"dest_id", l.DestID,
			"kind", l.Kind,
			"media_ref", l.MediaRef,
			"at", l.At.UnixMilli(),
		)
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

func (s *redisStore) GetLink(ctx context.Context, k LinkKey) (Link, bool, error) {
	data, err := s.client.HGetAll(ctx, s.linkKey(k)).Result()
	if err != nil {
		return Link{}, false, err
	}
	if len(data) == 0 {
		return Link{}, false, nil
	}
	l := Link{Source: k.Source, SourceID: k.SourceID, Dest: k.Dest, Kind: data["kind"], MediaRef: data["media_ref"]}
	id, err := strconv.Atoi(data["dest_id"])
	if err != nil {
		return Link{}, false, fmt.Errorf("link %s: bad dest_id %q", s.linkKey(k), data["dest_id"])
	}
	l.DestID = id
	if ms, err := strconv.ParseInt(data["at"], 10, 64); err == nil {
		l.At = time.UnixMilli(ms)
	}
	return l, true, nil
}

func (s *redisStore) DeleteLink(ctx context.Context, k LinkKey) error {
	return s.client.Del(ctx, s.linkKey(k)).Err()
}

func (s *redisStore) AddStat(ctx context.Context, name string, n int64) error {
	return s.client.HIncrBy(ctx, s.statsKey(), name, n).Err()
}

func (s *redisStore) Stats(ctx context.Context) (map[string]int64, error) {
	data, err := s.client.HGetAll(ctx, s.statsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(data))
	for k, raw := range data {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.log.Debug("skipping malformed stat", logx.String("name", k), logx.String("value", raw))
			continue
		}
		out[k] = v
	}
	return out, nil
}

func routeMember(r Route) string { return fmt.Sprintf("%d:%d", r.Source, r.Dest) }

func parseRouteMember(m string) (Route, bool) {
	a, b, ok := strings.Cut(m, ":")
	if !ok {
		return Route{}, false
	}
	src, err1 := strconv.ParseInt(a, 10, 64)
	dst, err2 := strconv.ParseInt(b, 10, 64)
	if err1 != nil || err2 != nil {
		return Route{}, false
	}
	return Route{Source: src, Dest: dst}, true
}

func (s *redisStore) DisableRoute(ctx context.Context, r Route) error {
	return s.client.SAdd(ctx, s.disabledKey(), routeMember(r)).Err()
}

func (s *redisStore) EnableRoute(ctx context.Context, r Route) error {
	return s.client.SRem(ctx, s.disabledKey(), routeMember(r)).Err()
}

func (s *redisStore) DisabledRoutes(ctx context.Context) ([]Route, error) {
	members, err := s.client.SMembers(ctx, s.disabledKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Route, 0, len(members))
	for _, m := range members {
		if r, ok := parseRouteMember(m); ok {
			out = append(out, r)
		}
	}
	sortRoutes(out)
	return out, nil
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.dedupKey(key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.client.Get(ctx, s.dedupKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *redisStore) Close() error { return s.client.Close() }
