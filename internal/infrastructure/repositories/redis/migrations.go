package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey = "streamcast:schema_version"
	schemaVersion    = 1
)

// Migrate brings the keyspace to the current schema version. Version 1
// only records itself; later versions rewrite keys as the layout evolves.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	raw, err := client.Get(ctx, schemaVersionKey).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	current := 0
	if err == nil {
		current, err = strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("corrupt schema version %q: %w", raw, err)
		}
	}

	if current > schemaVersion {
		return fmt.Errorf("keyspace schema version %d is newer than supported %d", current, schemaVersion)
	}
	if current == schemaVersion {
		return nil
	}

	if err := client.Set(ctx, schemaVersionKey, schemaVersion, 0).Err(); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	if logger != nil {
		logger.Infow("migrated Redis keyspace", "from", current, "to", schemaVersion)
	}
	return nil
}
