package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	saga "github.com/grafikui/saga-orchestrator-go"
	"github.com/grafikui/saga-orchestrator-go/internal/config"
	"github.com/grafikui/saga-orchestrator-go/kafkachannel"
	"github.com/grafikui/saga-orchestrator-go/redisstore"
	"github.com/grafikui/saga-orchestrator-go/redisstream"
)

// backends holds the connections shared by the store, channel and lock.
type backends struct {
	db    *sql.DB
	redis redis.UniversalClient
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.StoreDriver == config.StorePostgres {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		logger.Info().Msg("connected to PostgreSQL")
		b.db = db
	}

	if cfg.UsesRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			b.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
		b.redis = client
	}
	return b, nil
}

func (b *backends) close() {
	if b.db != nil {
		b.db.Close()
	}
	if b.redis != nil {
		b.redis.Close()
	}
}

func buildStore(ctx context.Context, cfg *config.Config, b *backends) (saga.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return saga.NewMemoryStore(), nil
	case config.StorePostgres:
		store, err := saga.NewPostgresStore(b.db, cfg.TableName)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return store, nil
	case config.StoreRedis:
		return redisstore.New(b.redis, ""), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// transport is a channel plus the loop that consumes its replies.
type transport struct {
	channel saga.Channel
	run     func(ctx context.Context) error
	close   func() error
}

func buildTransport(cfg *config.Config, b *backends, logger *zerolog.Logger) (*transport, error) {
	var t transport
	switch cfg.ChannelDriver {
	case config.ChannelMemory:
		t.channel = saga.NewMemoryChannel()
	case config.ChannelRedis:
		opts := redisstream.DefaultOptions()
		opts.Logger = logger
		ch := redisstream.NewChannel(b.redis, opts)
		t.channel, t.run = ch, ch.Run
	case config.ChannelKafka:
		kcfg := kafkachannel.Config{Brokers: cfg.KafkaBrokers, Logger: logger}
		ch := kafkachannel.NewChannel(
			kafkachannel.NewWriter(cfg.KafkaBrokers),
			kafkachannel.NewReader(cfg.KafkaBrokers, kafkachannel.DefaultReplyTopic, kafkachannel.DefaultGroupID),
			kcfg,
		)
		t.channel, t.run, t.close = ch, ch.Run, ch.Close
	default:
		return nil, fmt.Errorf("unknown channel driver %q", cfg.ChannelDriver)
	}

	policy := saga.DefaultRetryPolicy
	policy.Attempts = cfg.SendAttempts
	t.channel = saga.NewRetryingChannel(t.channel, policy, logger)
	return &t, nil
}

func buildLock(cfg *config.Config, b *backends) saga.Lock {
	switch cfg.LockDriver {
	case config.LockKeyed:
		return saga.NewKeyedLock()
	case config.LockPostgres:
		return saga.NewPostgresLock(b.db)
	}
	return nil
}

func loadDefinitions(cfg *config.Config) ([]*saga.SagaDefinition, error) {
	if cfg.DefinitionsFile != "" {
		return config.LoadDefinitions(cfg.DefinitionsFile)
	}
	return []*saga.SagaDefinition{orderCheckout()}, nil
}

// orderCheckout is registered when no definitions file is configured.
func orderCheckout() *saga.SagaDefinition {
	return saga.MustSagaDefinition("order-checkout", []saga.StepDefinition{
		{
			Participant:         "credit",
			ForwardCommand:      "ReserveCredit",
			CompensatingCommand: "ReleaseCredit",
			Replies: map[string]saga.Outcome{
				"CreditReserved":      saga.OutcomeSuccess,
				"CreditLimitExceeded": saga.OutcomeFailure,
			},
			CompensationReplies: map[string]saga.Outcome{"CreditReleased": saga.OutcomeSuccess},
			CompensationRetries: 3,
		},
		{
			Participant:         "inventory",
			ForwardCommand:      "ReserveInventory",
			CompensatingCommand: "ReleaseInventory",
			Replies: map[string]saga.Outcome{
				"InventoryReserved": saga.OutcomeSuccess,
				"OutOfStock":        saga.OutcomeFailure,
			},
			CompensationReplies: map[string]saga.Outcome{"InventoryReleased": saga.OutcomeSuccess},
			CompensationRetries: 3,
		},
		{
			Participant:    "payment",
			ForwardCommand: "ChargePayment",
			NoCompensation: true,
			Replies: map[string]saga.Outcome{
				"PaymentCharged":  saga.OutcomeSuccess,
				"PaymentDeclined": saga.OutcomeFailure,
			},
		},
	})
}
