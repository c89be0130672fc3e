package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("invalid postgres config")
	// ErrNilContext is returned by methods that were handed a nil context.
	ErrNilContext = errors.New("context is required")
	// ErrNotConnected is returned by Primary when the resolver carries no primary.
	ErrNotConnected = errors.New("postgres client is not connected")
	// ErrInvalidDatabaseName rejects names that cannot be a migration target.
	ErrInvalidDatabaseName = errors.New("invalid database name")
	// ErrMigrationDirty means a previous migration stopped half way.
	ErrMigrationDirty = errors.New("migration left the database dirty")
)

var (
	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	runMigrationsFn = runMigrations

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config describes how to reach the database. ReplicaDSN defaults to
// PrimaryDSN. Migrations run on Connect when either Migrations or
// MigrationsPath is set; Migrations wins when both are.
type Config struct {
	PrimaryDSN           string
	ReplicaDSN           string
	DatabaseName         string
	Migrations           fs.FS
	MigrationsPath       string
	AllowMultiStatements bool
	MaxOpenConnections   int
	MaxIdleConnections   int
	Logger               log.Logger
}

func (cfg *Config) normalize() {
	cfg.PrimaryDSN = strings.TrimSpace(cfg.PrimaryDSN)
	cfg.ReplicaDSN = strings.TrimSpace(cfg.ReplicaDSN)

	if cfg.ReplicaDSN == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if nilcheck.IsNil(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}
}

func (cfg Config) migrates() bool {
	return cfg.Migrations != nil || strings.TrimSpace(cfg.MigrationsPath) != ""
}

// SanitizedError carries a driver error whose message had credentials
// stripped. Unwrap still reaches the original.
type SanitizedError struct {
	Message string
	Err     error
}

func (e *SanitizedError) Error() string { return e.Message }

func (e *SanitizedError) Unwrap() error { return e.Err }

func newSanitizedError(prefix string, err error) *SanitizedError {
	return &SanitizedError{Message: prefix + ": " + sanitizeSensitiveError(err), Err: err}
}

// Client owns a primary/replica pair behind a dbresolver.
type Client struct {
	cfg      Config
	mu       sync.RWMutex
	resolver dbresolver.DB
}

// New validates cfg. It does not connect.
func New(cfg Config) (*Client, error) {
	cfg.normalize()

	if cfg.PrimaryDSN == "" {
		return nil, fmt.Errorf("%w: primary dsn is required", ErrInvalidConfig)
	}

	if cfg.migrates() {
		if err := validateDBName(cfg.DatabaseName); err != nil {
			return nil, err
		}
	}

	return &Client{cfg: cfg}, nil
}

// Connect opens both pools, applies migrations and pings. A previous
// connection is replaced only after the new one is healthy.
func (c *Client) Connect(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	logger := c.cfg.Logger

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done before database connection: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "connecting to postgres primary and replica")

	dbPrimary, err := dbOpenFn("pgx", c.cfg.PrimaryDSN)
	if err != nil {
		sanitized := newSanitizedError("open primary database", err)
		logger.Log(ctx, log.LevelError, sanitized.Message)

		return sanitized
	}

	dbPrimary.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	dbPrimary.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	dbPrimary.SetConnMaxLifetime(defaultConnMaxLifetime)
	dbPrimary.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	dbReplica, err := dbOpenFn("pgx", c.cfg.ReplicaDSN)
	if err != nil {
		_ = dbPrimary.Close()

		sanitized := newSanitizedError("open replica database", err)
		logger.Log(ctx, log.LevelError, sanitized.Message)

		return sanitized
	}

	dbReplica.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	dbReplica.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	dbReplica.SetConnMaxLifetime(defaultConnMaxLifetime)
	dbReplica.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	resolver, err := createResolverFn(dbPrimary, dbReplica)
	if err != nil {
		_ = dbPrimary.Close()
		_ = dbReplica.Close()

		logger.Log(ctx, log.LevelError, "create resolver failed", log.Err(err))

		return fmt.Errorf("create resolver: %w", err)
	}

	if c.cfg.migrates() {
		if err := runMigrationsFn(ctx, dbPrimary, c.cfg, logger); err != nil {
			_ = resolver.Close()

			return err
		}
	}

	if err := resolver.PingContext(ctx); err != nil {
		_ = resolver.Close()

		logger.Log(ctx, log.LevelError, "ping database failed", log.String("error", sanitizeSensitiveError(err)))

		return fmt.Errorf("ping database: %w", err)
	}

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			logger.Log(ctx, log.LevelWarn, "close previous connection failed", log.Err(err))
		}
	}

	c.resolver = resolver

	logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

// Resolver returns the connection, connecting lazily on first use.
//
//nolint:ireturn
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	c.mu.RLock()
	if c.resolver != nil {
		resolver := c.resolver
		c.mu.RUnlock()

		return resolver, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Primary returns the writable pool.
func (c *Client) Primary(ctx context.Context) (*sql.DB, error) {
	resolver, err := c.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	return PrimaryDB(resolver)
}

// PrimaryDB picks the first primary pool of resolver.
func PrimaryDB(resolver dbresolver.DB) (*sql.DB, error) {
	if nilcheck.IsNil(resolver) {
		return nil, ErrNotConnected
	}

	primaries := resolver.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNotConnected
	}

	return primaries[0], nil
}

// WithTx runs fn inside a transaction on the primary. fn's error, or a panic,
// rolls back; otherwise the transaction commits. This is the unit of work an
// application uses to write its own rows together with an outbox record.
func (c *Client) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := c.Primary(ctx)
	if err != nil {
		return err
	}

	return WithTx(ctx, db, fn)
}

// WithTx is Client.WithTx for a plain *sql.DB.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	if db == nil {
		return ErrNotConnected
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			_ = tx.Rollback()

			panic(recovered)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Close releases both pools. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil

	return err
}

// IsConnected reports whether Connect has succeeded and Close has not run since.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("%w: migrations path %q escapes its root", ErrInvalidConfig, path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, name)
	}

	return nil
}

func newMigrate(db *sql.DB, cfg Config) (*migrate.Migrate, error) {
	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{
		MultiStatementEnabled: cfg.AllowMultiStatements,
		DatabaseName:          cfg.DatabaseName,
		SchemaName:            "public",
	})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	if cfg.Migrations != nil {
		source, err := iofs.New(cfg.Migrations, ".")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}

		return migrate.NewWithInstance("iofs", source, cfg.DatabaseName, driver)
	}

	path, err := sanitizePath(cfg.MigrationsPath)
	if err != nil {
		return nil, err
	}

	sourceURL := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}

	return migrate.NewWithDatabaseInstance(sourceURL.String(), cfg.DatabaseName, driver)
}

func runMigrations(ctx context.Context, db *sql.DB, cfg Config, logger log.Logger) error {
	m, err := newMigrate(db, cfg)
	if err != nil {
		logger.Log(ctx, log.LevelError, "prepare migrations failed", log.Err(err))

		return err
	}

	return classifyMigrationError(ctx, m.Up(), logger)
}

func classifyMigrationError(ctx context.Context, err error, logger log.Logger) error {
	if err == nil {
		logger.Log(ctx, log.LevelInfo, "migrations applied")

		return nil
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Log(ctx, log.LevelInfo, "no new migrations")

		return nil
	}

	if errors.Is(err, os.ErrNotExist) {
		logger.Log(ctx, log.LevelWarn, "no migration files found")

		return nil
	}

	var dirtyErr migrate.ErrDirty
	if errors.As(err, &dirtyErr) {
		logger.Log(ctx, log.LevelError, "migration left a dirty version", log.Int("version", dirtyErr.Version))

		return fmt.Errorf("%w: version %d", ErrMigrationDirty, dirtyErr.Version)
	}

	logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

	return fmt.Errorf("migration failed: %w", err)
}
