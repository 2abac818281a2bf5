package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	sagapkg "github.com/drblury/flowbus/internal/runtime/saga"
	timeoutpkg "github.com/drblury/flowbus/internal/runtime/timeout"
	typeregistrypkg "github.com/drblury/flowbus/internal/runtime/typeregistry"
)

// Backend bundles the persisters selected by configuration.
type Backend struct {
	Name     string
	Sagas    sagapkg.Persister
	Timeouts timeoutpkg.Persister

	close func() error
}

// Close releases the underlying connection, if any.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// Open builds the saga and timeout persisters for conf.PersistenceBackend.
func Open(ctx context.Context, conf *configpkg.Config, types *typeregistrypkg.Registry, log loggingpkg.ServiceLogger) (*Backend, error) {
	if conf == nil {
		return nil, fmt.Errorf("store: config is required")
	}
	if types == nil {
		types = typeregistrypkg.New()
	}
	name := strings.ToLower(conf.PersistenceBackend)
	if name == "" {
		name = configpkg.BackendMemory
	}
	log = loggingpkg.Component(log, "store")

	var (
		backend *Backend
		err     error
	)
	switch name {
	case configpkg.BackendMemory:
		backend = &Backend{
			Sagas:    sagapkg.NewMemoryPersister(),
			Timeouts: timeoutpkg.NewMemoryPersister(),
		}
	case configpkg.BackendSQLite:
		var db *sql.DB
		if db, err = OpenSQLite(conf.SQLiteFile); err == nil {
			backend, err = openSQL(ctx, db, SQLite, types)
		}
	case configpkg.BackendPostgres:
		var db *sql.DB
		if db, err = OpenPostgres(ctx, conf.PostgresURL); err == nil {
			backend, err = openSQL(ctx, db, Postgres, types)
		}
	case configpkg.BackendRedis:
		var client *redis.Client
		client, err = OpenRedis(ctx, RedisOptions{Addr: conf.RedisAddr, Password: conf.RedisPassword, DB: conf.RedisDB})
		if err == nil {
			backend = &Backend{
				Sagas:    NewRedisSagaPersister(client, DefaultRedisPrefix, types),
				Timeouts: NewRedisTimeoutPersister(client, DefaultRedisPrefix, types),
				close:    client.Close,
			}
		}
	default:
		err = fmt.Errorf("store: unknown backend %q", conf.PersistenceBackend)
	}
	if err != nil {
		return nil, err
	}

	backend.Name = name
	log.Info("Persistence backend ready", loggingpkg.LogFields{"backend": name})
	return backend, nil
}

func openSQL(ctx context.Context, db *sql.DB, dialect Dialect, types *typeregistrypkg.Registry) (*Backend, error) {
	sagas, err := NewSQLSagaPersister(ctx, db, dialect, types)
	if err != nil {
		db.Close()
		return nil, err
	}
	timeouts, err := NewSQLTimeoutPersister(ctx, db, dialect, types)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Backend{Sagas: sagas, Timeouts: timeouts, close: db.Close}, nil
}
