package tools

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

// ConnectSqlite opens the results database and applies the migrations.
func ConnectSqlite(filePath string, log logrus.FieldLogger) (*sql.DB, error) {
	db, err := connectWithBackoff("sqlite3", filePath, 3, log)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// RunMigrations executes every embedded migration in file name order.
// The statements are idempotent, so they run on every start.
func RunMigrations(db *sql.DB) error {
	dirEntries, err := fs.ReadDir(migrationFiles, "migration")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		fileData, err := fs.ReadFile(migrationFiles, path.Join("migration", name))
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(fileData)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func connectWithBackoff(driver string, connStr string, maxRetries int, log logrus.FieldLogger) (*sql.DB, error) {
	var db *sql.DB
	var err error
	for i := 0; i < maxRetries; i++ {
		db, err = sql.Open(driver, connStr)
		if err == nil {
			if err = db.Ping(); err == nil {
				return db, nil
			}
			db.Close()
		}
		log.WithError(err).WithField("attempt", i+1).Warnf("Failed attempt to connect to %s", driver)
		if i < maxRetries-1 {
			time.Sleep(time.Duration(i+1) * (3 * time.Second))
		}
	}
	return nil, err
}
