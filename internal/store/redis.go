package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "remix:session:"

// RedisStore is a Redis-backed implementation of Store. Records are JSON
// values under remix:session:<code>; the TTL is set once at creation and
// updates keep the remaining window (SET KEEPTTL).
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
	TTL      time.Duration
}

// NewRedisStore connects to Redis and verifies the connection before
// returning the store.
func NewRedisStore(config RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", config.Addr).
		Int("db", config.DB).
		Dur("ttl", config.TTL).
		Msg("connected to session store")

	return &RedisStore{
		client: client,
		ttl:    config.TTL,
		logger: logger,
	}, nil
}

// Get retrieves a session record.
func (s *RedisStore) Get(ctx context.Context, code string) (*Record, error) {
	val, err := s.client.Get(ctx, keyPrefix+code).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("code", code).Msg("redis get failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		s.logger.Warn().Err(err).Str("code", code).Msg("corrupt session record")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &rec, nil
}

// Create writes a fresh record, applying the TTL. SET NX makes the store
// itself reject duplicate codes, which the code-generation retry loop
// depends on.
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ok, err := s.client.SetNX(ctx, keyPrefix+rec.Code, data, s.ttl).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("code", rec.Code).Msg("redis create failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// Update overwrites the record without touching its remaining TTL. SET XX
// fails when the record has already expired.
func (s *RedisStore) Update(ctx context.Context, code string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ok, err := s.client.SetXX(ctx, keyPrefix+code, data, redis.KeepTTL).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("code", code).Msg("redis update failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Ping checks if Redis is available.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
