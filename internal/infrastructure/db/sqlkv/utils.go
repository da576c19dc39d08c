package sqlkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	sqliteDriverName   = "sqlite"
	postgresDriverName = "postgres"
)

// OpenSqliteDb opens the sqlite db at the given path, creating the file if missing.
func OpenSqliteDb(dbFile string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbFile,
	)
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %v", err)
	}
	// writers are serialized by sqlite anyway, a single connection avoids busy errors
	// between readers and writers of the same process.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("unable to establish connection with db: %v", err)
	}
	return db, nil
}

// OpenPostgresDb opens a connection with the DB.
// If the DB in the DSN does not exist and autoCreate is set, it is created first.
func OpenPostgresDb(dsn string, autoCreate bool) (*sql.DB, error) {
	db, err := sql.Open(postgresDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := connectDB(ctx, db, dsn, autoCreate); err != nil {
		return nil, fmt.Errorf("unable to establish connection with db: %v", err)
	}

	return db, nil
}

// connectDB pings the db since sql.Open only validates its arguments.
func connectDB(ctx context.Context, db *sql.DB, dsn string, autoCreate bool) error {
	if err := db.PingContext(ctx); err != nil {
		var dbErr *pq.Error
		// 3D000: invalid_catalog_name, the db does not exist.
		if errors.As(err, &dbErr) && dbErr.Code == "3D000" && autoCreate {
			log.Info("postgres database does not exist, creating it...")

			if err = createDB(ctx, dsn); err != nil {
				return err
			}
			return connectDB(ctx, db, dsn, false)
		}

		return err
	}

	return nil
}

func createDB(ctx context.Context, dsn string) error {
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return fmt.Errorf("cannot auto-create database unless the DSN uses URL format")
	}

	parsedURL, err := url.Parse(dsn)
	if err != nil {
		return err
	}

	dbName := strings.TrimPrefix(parsedURL.Path, "/")
	if dbName == "" {
		return fmt.Errorf("cannot auto-create when database name is empty")
	}
	parsedURL.Path = ""

	rootDB, err := sql.Open(postgresDriverName, parsedURL.String())
	if err != nil {
		return err
	}
	// nolint:all
	defer rootDB.Close()

	query := "CREATE DATABASE " + pq.QuoteIdentifier(dbName)
	log.Infof("executing query '%s'", query)
	if _, err := rootDB.ExecContext(ctx, query); err != nil {
		return err
	}

	return nil
}

func isSqliteConflict(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func isPostgresConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	// 40001: serialization_failure, 40P01: deadlock_detected
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
