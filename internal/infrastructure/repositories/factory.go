package repositories

import (
	"context"

	"streamcast/internal/core/ports"
	"streamcast/internal/infrastructure/repositories/memory"
	redisrepo "streamcast/internal/infrastructure/repositories/redis"
	"streamcast/pkg/config"
	"streamcast/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Repositories bundles the persistence backends behind their ports.
type Repositories struct {
	Streams ports.StreamRepository
	Chat    ports.ChatRepository

	// RedisClient is non-nil when Redis is the backend; the event bus
	// reuses it.
	RedisClient *redis.Client
}

// New selects the backend from config: Redis when enabled, otherwise
// in-process maps.
func New(cfg *config.Config, logger *zap.SugaredLogger) (*Repositories, error) {
	if !cfg.Redis.Enabled {
		logger.Info("using in-memory repositories")
		return &Repositories{
			Streams: memory.NewStreamRepository(),
			Chat:    memory.NewChatRepository(),
		}, nil
	}

	// Redis may come up after us in dev compose setups; retry briefly
	// before giving up.
	var client *redis.Client
	err := retry.Do(context.Background(), retry.DefaultConfig(), func() error {
		var connErr error
		client, connErr = redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		return connErr
	})
	if err != nil {
		return nil, err
	}

	if err := redisrepo.Migrate(context.Background(), client, logger); err != nil {
		redisrepo.CloseRedisClient(client)
		return nil, err
	}

	return &Repositories{
		Streams:     redisrepo.NewStreamRepository(client),
		Chat:        redisrepo.NewChatRepository(client),
		RedisClient: client,
	}, nil
}

// Close releases backend resources.
func (r *Repositories) Close() error {
	if r.RedisClient != nil {
		return redisrepo.CloseRedisClient(r.RedisClient)
	}
	return nil
}
