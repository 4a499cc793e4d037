package repo

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Conn wraps the postgres connection shared by the registry and the vector
// index. Both live in one database so delete ordering can lean on
// transactions and foreign keys.
type Conn struct {
	conn   *sql.DB
	logger *zap.Logger
}

func (c *Conn) DB() *sql.DB {
	return c.conn
}

func NewDatabase(dsn string, logger *zap.Logger, migrate bool) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := retryConn(3, 5*time.Second, logger, func() (*sql.DB, error) {
		conn, err := otelsql.Open("postgres", dsn,
			otelsql.WithAttributes(attribute.String("db.system", "postgresql")))
		if err != nil {
			return nil, err
		}
		return conn, conn.Ping()
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to postgres")

	c := &Conn{conn: db, logger: logger}
	if migrate {
		if err := c.Migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// Migrate applies the embedded goose migrations.
func (c *Conn) Migrate() error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(c.conn, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func retryConn(attempts int, sleep time.Duration, logger *zap.Logger, callback func() (*sql.DB, error)) (*sql.DB, error) {
	var err error
	for i := 0; i <= attempts; i++ {
		var conn *sql.DB
		conn, err = callback()
		if err == nil {
			return conn, nil
		}
		logger.Warn("postgres connection failed, retrying", zap.Error(err))
		time.Sleep(sleep)
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, err)
}
