// Package sqlstore は sqlx を使った UserRepository の実装です。
// Postgres（pgx）と SQLite（modernc.org/sqlite）の両方で動作します。
package sqlstore

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Open はデータベースに接続します。SQLite の場合はファイルのディレクトリも作成します。
func Open(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case DriverSQLite:
		if path := sqlitePath(dsn); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}

	if driver == DriverSQLite {
		// SQLite は書き込みが1本しか通らないので接続を1つに絞る
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}
	return db, nil
}

// Migrate は埋め込みのマイグレーションを最新まで適用します。
func Migrate(db *sqlx.DB) error {
	var (
		dir string
		drv database.Driver
		err error
	)
	switch db.DriverName() {
	case DriverPostgres:
		dir = "migrations/postgres"
		drv, err = migratepgx.WithInstance(db.DB, &migratepgx.Config{})
	case DriverSQLite:
		dir = "migrations/sqlite"
		drv, err = migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	default:
		return fmt.Errorf("unsupported driver %q", db.DriverName())
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// m.Close() は db まで閉じてしまうため呼ばない
	m, err := migrate.NewWithInstance("iofs", src, db.DriverName(), drv)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	return path
}
