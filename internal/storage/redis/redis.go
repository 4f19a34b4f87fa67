package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/klimit/internal/config"
	"github.com/goodtune/klimit/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client        *redis.Client
	ledgerStore   *ledgerStore
	trainingStore *trainingStore
	modelStore    *modelStore
	stateStore    *stateStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return newStore(client), nil
}

// NewClient connects to Redis and verifies the connection.
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func newStore(client *redis.Client) *Store {
	return &Store{
		client:        client,
		ledgerStore:   &ledgerStore{client: client},
		trainingStore: &trainingStore{client: client},
		modelStore:    &modelStore{client: client},
		stateStore:    &stateStore{client: client},
	}
}

// Client exposes the underlying connection so that other components (the
// pub/sub notifier) can share it.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ledgers returns the LedgerStore implementation
func (s *Store) Ledgers() storage.LedgerStore {
	return s.ledgerStore
}

// Training returns the TrainingStore implementation
func (s *Store) Training() storage.TrainingStore {
	return s.trainingStore
}

// Models returns the ModelStore implementation
func (s *Store) Models() storage.ModelStore {
	return s.modelStore
}

// State returns the StateStore implementation
func (s *Store) State() storage.StateStore {
	return s.stateStore
}
