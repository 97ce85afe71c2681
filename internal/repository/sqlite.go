package repository

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// sqliteDriver uses modernc.org/sqlite, a pure Go build with no cgo.
var sqliteDriver = driver{
	name:       "sqlite",
	sqlDriver:  "sqlite",
	dialect:    goose.DialectSQLite3,
	dsn:        sqliteDSN,
	singleConn: sqliteInMemory,
}

// sqlitePragmas are applied to every connection.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

func sqliteInMemory(cfg domain.RepositoryConfig) bool {
	return cfg.SQLitePath == ":memory:"
}

func sqliteDSN(cfg domain.RepositoryConfig) (string, error) {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}

	// An in-memory database lives as long as its one connection.
	if sqliteInMemory(cfg) {
		return "file::memory:?" + q.Encode(), nil
	}

	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database directory: %w", err)
		}
	}
	return "file:" + path + "?" + q.Encode(), nil
}
