package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"billing-api/internal/config"
	"billing-api/internal/repository"
)

// Database bundles the storage clients and the repositories built on them.
type Database struct {
	MongoDB      *mongo.Database
	RedisDB      *redis.Client
	Repositories *Repositories
}

type Repositories struct {
	Balance     repository.BalanceRepository
	Transaction repository.TransactionRepository
	Payment     repository.PaymentRepository
	Lock        repository.LockRepository
	LockManager repository.UserLockManager
	TxRunner    repository.TxRunner
}

func Initialize(ctx context.Context, cfg *config.Config) (*Database, error) {
	mongoDB, err := initializeMongoDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MongoDB: %w", err)
	}

	redisDB, err := initializeRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	lockRepo := repository.NewLockRepository(redisDB)
	repos := &Repositories{
		Balance:     repository.NewBalanceRepository(mongoDB),
		Transaction: repository.NewTransactionRepository(mongoDB),
		Payment:     repository.NewPaymentRepository(mongoDB),
		Lock:        lockRepo,
		LockManager: repository.NewUserLockManager(lockRepo, cfg.Lock.TTL, cfg.Lock.MaxRetries, cfg.Lock.RetryDelay),
		TxRunner:    repository.NewMongoTxRunner(mongoDB.Client()),
	}

	if err := createIndexes(ctx, repos); err != nil {
		return nil, fmt.Errorf("failed to create database indexes: %w", err)
	}

	return &Database{
		MongoDB:      mongoDB,
		RedisDB:      redisDB,
		Repositories: repos,
	}, nil
}

func initializeMongoDB(ctx context.Context, cfg config.DatabaseConfig) (*mongo.Database, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetConnectTimeout(cfg.ConnectTimeout)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(cfg.Database), nil
}

func initializeRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func createIndexes(ctx context.Context, repos *Repositories) error {
	if err := repos.Balance.CreateIndexes(ctx); err != nil {
		return fmt.Errorf("balance indexes: %w", err)
	}
	if err := repos.Transaction.CreateIndexes(ctx); err != nil {
		return fmt.Errorf("transaction indexes: %w", err)
	}
	if err := repos.Payment.CreateIndexes(ctx); err != nil {
		return fmt.Errorf("payment indexes: %w", err)
	}
	return nil
}

func (db *Database) Close(ctx context.Context) error {
	var errs []error

	if db.MongoDB != nil {
		if err := db.MongoDB.Client().Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close MongoDB: %w", err))
		}
	}
	if db.RedisDB != nil {
		if err := db.RedisDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing database connections: %v", errs)
	}
	return nil
}
