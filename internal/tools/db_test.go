package tools

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestConnectSqlite(t *testing.T) {
	log, _ := test.NewNullLogger()
	db, err := ConnectSqlite(filepath.Join(t.TempDir(), "readings.db"), log)
	if err != nil {
		t.Fatalf("ConnectSqlite() error = %v", err)
	}
	defer db.Close()

	// migrations are idempotent
	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	_, err = db.Exec(`INSERT INTO readings (job_id, lux, raw, exponent, mantissa) VALUES (?, ?, ?, ?, ?)`,
		"job", 2818.56, 0x789A, 7, 0x89A)
	if err != nil {
		t.Fatalf("insert error = %v", err)
	}
	var lux float64
	var createdAt string
	if err := db.QueryRow(`SELECT lux, created_at FROM readings WHERE job_id = ?`, "job").Scan(&lux, &createdAt); err != nil {
		t.Fatalf("select error = %v", err)
	}
	if lux != 2818.56 || createdAt == "" {
		t.Errorf("row = %v, %q", lux, createdAt)
	}
}
