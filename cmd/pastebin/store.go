package main

import (
	"context"
	"fmt"

	"pastebin-lite/internal/config"
	"pastebin-lite/internal/storage"
	"pastebin-lite/internal/storage/boltstore"
	"pastebin-lite/internal/storage/dynamostore"
	"pastebin-lite/internal/storage/memstore"
	"pastebin-lite/internal/storage/mongostore"
	"pastebin-lite/internal/storage/pgstore"
	"pastebin-lite/internal/storage/redisstore"
	"pastebin-lite/internal/storage/sqlitestore"
)

// openStore opens the configured driver. In test mode, stores with their own
// wall-clock expiry have it turned off so simulated times stay readable.
func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memstore.New(), nil
	case config.DriverBolt:
		return boltstore.Open(cfg.DataPath)
	case config.DriverSQLite:
		return sqlitestore.Open(cfg.DataPath)
	case config.DriverPostgres:
		return pgstore.Open(ctx, cfg.PostgresDSN)
	case config.DriverRedis:
		return redisstore.Open(ctx, redisstore.Options{
			Addr:           cfg.RedisAddr,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			NoServerExpiry: cfg.TestMode,
		})
	case config.DriverMongo:
		return mongostore.Open(ctx, mongostore.Options{
			URI:            cfg.MongoURI,
			Database:       cfg.MongoDatabase,
			NoServerExpiry: cfg.TestMode,
		})
	case config.DriverDynamo:
		return dynamostore.Open(ctx, dynamostore.Options{
			Table:          cfg.DynamoTable,
			Region:         cfg.DynamoRegion,
			Endpoint:       cfg.DynamoEndpoint,
			NoServerExpiry: cfg.TestMode,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
