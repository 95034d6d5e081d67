package repository

import (
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/opensource-finance/merlin/internal/domain"
)

const memoryPath = ":memory:"

// sqliteDSN builds the modernc.org/sqlite DSN and creates the parent
// directory of a file database. ":memory:" opens a private in-memory DB.
func sqliteDSN(cfg domain.RepositoryConfig) (string, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./merlin.db"
	}
	if path == memoryPath {
		return "file::memory:?_pragma=foreign_keys(ON)", nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL keeps audit inserts from blocking concurrent reads.
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path), nil
}
