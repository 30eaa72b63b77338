// Package settings persists trust decisions. Every backend implements
// safety.TrustStore; Open picks one from configuration.
package settings

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"goyais/toolhost/internal/agentcore/config"
	"goyais/toolhost/internal/agentcore/safety"
	"goyais/toolhost/internal/db"
	"goyais/toolhost/internal/logging"
)

// Store is a trust store that holds resources until closed.
type Store interface {
	safety.TrustStore
	Close() error
}

// Open returns the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.TrustStoreConfig, log *logrus.Entry) (Store, error) {
	log = logging.OrDefault(log, "settings")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = log.WithField("backend", cfg.Backend)

	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case config.TrustBackendMemory:
		store = NewMemoryStore()
	case config.TrustBackendFile:
		store = NewFileStore(cfg.Path)
	case config.TrustBackendSQLite:
		store, err = OpenSQLStore(ctx, db.DriverSQLite, cfg.Path)
	case config.TrustBackendPostgres:
		store, err = OpenSQLStore(ctx, db.DriverPostgres, cfg.DSN)
	case config.TrustBackendRedis:
		store, err = OpenRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
	case config.TrustBackendS3:
		store, err = OpenObjectStore(ObjectOptions{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Object:    cfg.S3.Object,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Secure:    cfg.S3.Secure,
		})
	default:
		err = fmt.Errorf("unsupported trust backend %q", cfg.Backend)
	}
	if err != nil {
		log.WithError(err).Error("failed to open trust store")
		return nil, fmt.Errorf("open %s trust store: %w", cfg.Backend, err)
	}
	log.Debug("trust store opened")
	return store, nil
}

func sortDecisions(decisions []safety.TrustDecision) []safety.TrustDecision {
	sort.Slice(decisions, func(i, j int) bool {
		return decisions[i].Tool < decisions[j].Tool
	})
	return decisions
}

func noDecision(tool string) error {
	return fmt.Errorf("%w: %s", safety.ErrNoDecision, tool)
}
