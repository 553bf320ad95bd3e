package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "snapshots.db"

type Config struct {
	// StateDir is the orchestrator state directory (usually <workspace>/.scopeline).
	StateDir string
}

func dbPath(stateDir string) string {
	if stateDir == "" {
		stateDir = ".scopeline"
	}
	return filepath.Join(stateDir, defaultDBName)
}

// EnsureStateDir creates the state directory if missing.
func EnsureStateDir(stateDir string) (string, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", err
	}
	return stateDir, nil
}

// Open opens the SQLite snapshot store. Connections are capped at one so
// concurrent attempts serialize on the database instead of hitting SQLITE_BUSY.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureStateDir(cfg.StateDir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.StateDir))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the state directory.
func Path(stateDir string) string {
	return dbPath(stateDir)
}
