package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Поддерживаемые драйверы
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

func init() {
	// modernc регистрируется как "sqlite", которого нет в таблице плейсхолдеров sqlx
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Options параметры подключения.
type Options struct {
	Driver         string
	DSN            string
	MaxOpenConns   int
	MaxIdleConns   int
	ConnectTimeout time.Duration
}

// DBClient представляет клиент для работы с базой данных.
type DBClient struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NormalizeDriver приводит имя драйвера из конфигурации к имени database/sql.
func NormalizeDriver(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", name)
	}
}

// NewDBClient подключается к БД, повторяя попытки с экспоненциальной задержкой.
func NewDBClient(ctx context.Context, opts Options, log *logger.Logger) (*DBClient, error) {
	driver, err := NormalizeDriver(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}

	var conn *sqlx.DB
	operation := func() error {
		c, err := sqlx.Open(driver, opts.DSN)
		if err != nil {
			// неверный DSN не исправится повтором
			return backoff.Permanent(err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.PingContext(pingCtx); err != nil {
			_ = c.Close()
			log.Warnw("Database is not reachable yet", "driver", driver, "error", err)
			return err
		}
		conn = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = opts.ConnectTimeout
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		log.Errorw("Failed to connect to database", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	configurePool(conn, driver, opts)
	log.Infow("Database connection established", "driver", driver)
	return &DBClient{db: conn, log: log}, nil
}

// OpenSQLiteMemory открывает изолированную in-memory базу. Используется в тестах и для локальных прогонов.
func OpenSQLiteMemory(log *logger.Logger) (*DBClient, error) {
	conn, err := sqlx.Open(DriverSQLite, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	configurePool(conn, DriverSQLite, Options{DSN: ":memory:"})
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	return &DBClient{db: conn, log: log}, nil
}

func configurePool(conn *sqlx.DB, driver string, opts Options) {
	if driver == DriverSQLite {
		// один писатель; для :memory: это ещё и единственная копия базы
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
		return
	}
	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(opts.MaxIdleConns)
	}
	conn.SetConnMaxIdleTime(5 * time.Minute)
}

// DB возвращает пул соединений.
func (dc *DBClient) DB() *sqlx.DB {
	return dc.db
}

// Close закрывает соединение с базой данных.
func (dc *DBClient) Close() error {
	if err := dc.db.Close(); err != nil {
		dc.log.Errorw("Failed to close database connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// Ping проверяет доступность базы (используется health-check'ом).
func (dc *DBClient) Ping(ctx context.Context) error {
	return dc.db.PingContext(ctx)
}
