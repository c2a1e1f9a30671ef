// Package infrastructure builds and caches the process-wide clients.
// Each binary asks only for what it needs; connections are reused and
// closed together.
package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pgxpool "github.com/jackc/pgx/v5/pgxpool"
	go_redis "github.com/redis/go-redis/v9"

	"github.com/traqueamentohot-netizen/typebot-conect/internal/config"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/crypto"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/domain/lead"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/infrastructure/kafka"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/infrastructure/postgres"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/infrastructure/redis"
	"github.com/traqueamentohot-netizen/typebot-conect/internal/stream"
)

type Factory struct {
	cfg      *config.Config
	logger   *slog.Logger
	pgPool   *pgxpool.Pool
	redisCli *go_redis.Client
	producer *kafka.Producer
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:    cfg,
		logger: logger.With("component", "factory"),
	}
}

func (f *Factory) Redis(ctx context.Context) (*go_redis.Client, error) {
	if f.redisCli != nil {
		return f.redisCli, nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		URL:      f.cfg.Redis.URL,
		Addr:     f.cfg.Redis.Addr,
		Password: f.cfg.Redis.Password,
		DB:       f.cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	f.redisCli = client
	return client, nil
}

func (f *Factory) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}

	var pool *pgxpool.Pool
	var err error

	// Retry connection up to 5 times
	for i := 0; i < 5; i++ {
		pool, err = postgres.NewClient(ctx, postgres.Config{
			URL:      f.cfg.Postgres.URL,
			Host:     f.cfg.Postgres.Host,
			Port:     f.cfg.Postgres.Port,
			User:     f.cfg.Postgres.User,
			Password: f.cfg.Postgres.Password,
			DBName:   f.cfg.Postgres.DBName,
		})
		if err == nil {
			break
		}
		f.logger.Warn("postgres connect failed, retrying in 2s",
			"attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to init postgres after retries: %w", err)
	}

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	f.pgPool = pool
	return pool, nil
}

// Leads returns the durable store when DATABASE_URL is configured and
// an in-memory one otherwise, so the pipeline runs without Postgres in
// development.
func (f *Factory) Leads(ctx context.Context) (lead.Repository, error) {
	if f.cfg.Postgres.URL == "" {
		f.logger.Warn("DATABASE_URL not set, using in-memory lead store")
		return lead.NewMemoryRepository(), nil
	}

	pool, err := f.Postgres(ctx)
	if err != nil {
		return nil, err
	}

	var cipher *crypto.Cipher
	if f.cfg.Crypto.Key != "" {
		cipher, err = crypto.New(f.cfg.Crypto.Key)
		if err != nil {
			return nil, fmt.Errorf("init cookie cipher: %w", err)
		}
	}

	return postgres.NewLeadRepository(pool, cipher), nil
}

// StorePing exposes the pool's health probe for the admin surface; nil
// when the store is in-memory.
func (f *Factory) StorePing() func(context.Context) error {
	if f.pgPool == nil {
		return nil
	}
	return f.pgPool.Ping
}

func (f *Factory) Stream(ctx context.Context) (stream.Stream, error) {
	client, err := f.Redis(ctx)
	if err != nil {
		return nil, err
	}
	return stream.NewRedisStream(
		client,
		f.cfg.Stream.Name,
		f.cfg.Stream.Group,
		f.cfg.Stream.ConsumerName(),
	), nil
}

// Kafka returns the outcome producer, or nil when brokers are not
// configured.
func (f *Factory) Kafka() *kafka.Producer {
	if f.producer != nil {
		return f.producer
	}
	if len(f.cfg.Kafka.Brokers) == 0 || f.cfg.Kafka.Topic == "" {
		return nil
	}
	f.producer = kafka.NewProducer(kafka.Config{
		Brokers: f.cfg.Kafka.Brokers,
		Topic:   f.cfg.Kafka.Topic,
	})
	return f.producer
}

func (f *Factory) Close() {
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	if f.redisCli != nil {
		f.redisCli.Close()
	}
	if f.producer != nil {
		f.producer.Close()
	}
}
