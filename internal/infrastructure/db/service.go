package db

import (
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/arkade-os/fedmint/internal/core/ports"
	badgerdb "github.com/arkade-os/fedmint/internal/infrastructure/db/badger"
	boltdb "github.com/arkade-os/fedmint/internal/infrastructure/db/bolt"
	"github.com/arkade-os/fedmint/internal/infrastructure/db/sqlkv"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

//go:embed sqlite/migration/*
var migrations embed.FS

//go:embed postgres/migration/*
var pgMigration embed.FS

const sqliteDbFile = "sqlite.db"

var (
	kvStoreTypes = map[string]func(...interface{}) (ports.KVStore, error){
		"badger":   badgerdb.NewKVStore,
		"bolt":     boltdb.NewKVStore,
		"sqlite":   sqlkv.NewSqliteKVStore,
		"postgres": sqlkv.NewPostgresKVStore,
	}
	peerHealthStoreTypes = map[string]func(...interface{}) (ports.PeerHealthRepository, error){
		"badger": badgerdb.NewPeerHealthRepository,
	}
)

// ServiceConfig selects the backends of the repositories.
//
// DataStoreConfig is [baseDir, logger] for badger, [baseDir] for bolt and sqlite,
// [dsn, autoCreate] for postgres. HealthStoreConfig is [baseDir, logger].
type ServiceConfig struct {
	DataStoreType   string
	HealthStoreType string

	DataStoreConfig   []interface{}
	HealthStoreConfig []interface{}
}

type service struct {
	kvStore     ports.KVStore
	healthStore ports.PeerHealthRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	kvStoreFactory, ok := kvStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("kv store type not supported")
	}
	healthStoreFactory, ok := peerHealthStoreTypes[config.HealthStoreType]
	if !ok {
		return nil, fmt.Errorf("peer health store type not supported")
	}

	var (
		kvStore ports.KVStore
		err     error
	)
	switch config.DataStoreType {
	case "badger", "bolt":
		kvStore, err = kvStoreFactory(config.DataStoreConfig...)
		if err != nil {
			return nil, fmt.Errorf("failed to open kv store: %s", err)
		}
	case "postgres":
		if len(config.DataStoreConfig) != 2 {
			return nil, fmt.Errorf("invalid data store config for postgres")
		}

		dsn, ok := config.DataStoreConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid DSN for postgres")
		}

		autoCreate, ok := config.DataStoreConfig[1].(bool)
		if !ok {
			return nil, fmt.Errorf("invalid autocreate flag for postgres")
		}

		db, err := sqlkv.OpenPostgresDb(dsn, autoCreate)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres db: %s", err)
		}

		pgDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to init postgres migration driver: %s", err)
		}
		if err := runMigrations(pgMigration, "postgres/migration", "postgres", pgDriver); err != nil {
			return nil, err
		}

		kvStore, err = kvStoreFactory(db)
		if err != nil {
			return nil, fmt.Errorf("failed to open kv store: %s", err)
		}
	case "sqlite":
		if len(config.DataStoreConfig) != 1 {
			return nil, fmt.Errorf("invalid data store config")
		}

		baseDir, ok := config.DataStoreConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid base directory")
		}

		db, err := sqlkv.OpenSqliteDb(filepath.Join(baseDir, sqliteDbFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open db: %s", err)
		}

		driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to init driver: %s", err)
		}
		if err := runMigrations(migrations, "sqlite/migration", "fedmintdb", driver); err != nil {
			return nil, err
		}

		kvStore, err = kvStoreFactory(db)
		if err != nil {
			return nil, fmt.Errorf("failed to open kv store: %s", err)
		}
	}

	healthStore, err := healthStoreFactory(config.HealthStoreConfig...)
	if err != nil {
		kvStore.Close()
		return nil, fmt.Errorf("failed to open peer health store: %s", err)
	}

	return &service{kvStore, healthStore}, nil
}

func (s *service) KV() ports.KVStore {
	return s.kvStore
}

func (s *service) PeerHealth() ports.PeerHealthRepository {
	return s.healthStore
}

func (s *service) Close() {
	s.kvStore.Close()
	s.healthStore.Close()
}

func runMigrations(fs embed.FS, dir, dbName string, driver database.Driver) error {
	source, err := iofs.New(fs, dir)
	if err != nil {
		return fmt.Errorf("failed to embed migrations: %s", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %s", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %s", err)
	}
	if version, dirty, err := m.Version(); err == nil {
		log.Debugf("%s schema at version %d (dirty: %t)", dbName, version, dirty)
	}
	return nil
}
