package db

import (
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("db")

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Connect opens the database for driver and runs migrations.
func Connect(driver, dsn string) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverPostgres:
		db, err = sqlx.Connect(DriverPostgres, dsn)
	case DriverSQLite:
		db, err = OpenSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a SQLite file with foreign keys and WAL enabled on every
// connection. All access goes through a single connection so write
// transactions serialize.
func OpenSQLite(path string) (*sqlx.DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sqlx.Connect(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL DEFAULT '',
            email TEXT UNIQUE NOT NULL,
            public_key TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS chats (
            id TEXT PRIMARY KEY,
            pair_key TEXT UNIQUE NOT NULL,
            created_at BIGINT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS memberships (
            chat_id TEXT NOT NULL REFERENCES chats(id),
            user_id TEXT NOT NULL REFERENCES users(id),
            PRIMARY KEY (chat_id, user_id)
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT UNIQUE NOT NULL,
            chat_id TEXT NOT NULL REFERENCES chats(id),
            sender_id TEXT NOT NULL,
            receiver_id TEXT NOT NULL,
            ciphertext TEXT NOT NULL,
            ts BIGINT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS messages_chat_ts ON messages (chat_id, ts, seq);`,
		`CREATE TABLE IF NOT EXISTS login_tokens (
            token TEXT PRIMARY KEY,
            email TEXT NOT NULL,
            issued_at BIGINT NOT NULL,
            consumed_at BIGINT
        );`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(dialect(db.DriverName(), m)); err != nil {
			return err
		}
	}
	log.Infow("database migrations applied", "driver", db.DriverName())
	return nil
}

func dialect(driver, stmt string) string {
	if driver == DriverPostgres {
		stmt = strings.ReplaceAll(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
	}
	return stmt
}
