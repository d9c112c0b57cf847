// Command migrate initializes or upgrades a device store database without
// starting the full service. Useful for provisioning clinic devices ahead of
// first launch.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"

	"telemedsync/internal/migrations"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "./telemedsync.db", "Path to the device store database file")
	flag.Parse()

	db, err := sql.Open("sqlite3", *dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		log.Fatalf("Failed to create migrations table: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = 1").Scan(&count); err != nil {
		log.Fatalf("Failed to check migration status: %v", err)
	}
	if count > 0 {
		fmt.Println("Schema already at version 1, nothing to do")
		return
	}

	fmt.Println("Applying migration 1: initial device store schema")

	if _, err := db.Exec(migrations.GetInitialSchema()); err != nil {
		log.Fatalf("Failed to apply initial schema: %v", err)
	}
	if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (1)"); err != nil {
		log.Fatalf("Failed to record migration: %v", err)
	}

	fmt.Printf("Device store ready at %s\n", *dbPath)
}
