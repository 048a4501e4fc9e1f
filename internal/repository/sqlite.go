package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencare-jp/kasan/internal/domain"
	_ "modernc.org/sqlite"
)

// openSQLite opens the Community tier store. modernc.org/sqlite keeps
// the binary pure Go, so a single-station deployment needs no CGO
// toolchain and no external database.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kasan.db"
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL keeps rule reloads from blocking concurrent evaluations;
	// busy_timeout covers the writer handoff.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}
