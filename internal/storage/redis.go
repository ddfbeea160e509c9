package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "announcebot/pkg/logx"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "announcebot"

// redisStore keeps values as plain strings under <prefix>:<scope>:<key> and
// the audit trail in a sorted set scored by unix milliseconds.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis storage ready", logx.String("addr", addr))
	return NewRedis(client, cfg.KeyPrefix, log), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string, log logx.Logger) Store {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) key(scope, key string) string {
	return s.prefix + ":" + scope + ":" + key
}

func (s *redisStore) auditKey() string { return s.prefix + ":audit" }

func (s *redisStore) Put(ctx context.Context, scope, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	return s.client.Set(ctx, s.key(scope, key), value, 0).Err()
}

func (s *redisStore) Get(ctx context.Context, scope, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.key(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.auditKey(), redis.Z{Score: float64(e.At.UnixMilli()), Member: b}).Err()
}

func (s *redisStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	upper := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	pipe := s.client.TxPipeline()
	removed := pipe.ZRemRangeByScore(ctx, s.auditKey(), "-inf", upper)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline: %w", err)
	}
	return removed.Val(), nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
