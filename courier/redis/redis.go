package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxPoolSize         = 1000
	reconnectBackoffCap = 30 * time.Second
)

var (
	// ErrNilClient is returned when a redis client receiver is nil.
	ErrNilClient = errors.New("redis client is nil")
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
	// ErrReconnectThrottled is returned by GetClient while a failed reconnect is
	// still backing off.
	ErrReconnectThrottled = errors.New("redis reconnect throttled")
)

// Config defines Redis client topology, auth, TLS, and connection settings.
type Config struct {
	Topology Topology
	TLS      *TLSConfig
	Auth     Auth
	Options  ConnectionOptions
	Logger   log.Logger
}

// Topology selects exactly one Redis deployment mode.
type Topology struct {
	Standalone *StandaloneTopology
	Sentinel   *SentinelTopology
	Cluster    *ClusterTopology
}

type StandaloneTopology struct {
	Address string
}

type SentinelTopology struct {
	Addresses  []string
	MasterName string
}

type ClusterTopology struct {
	Addresses []string
}

// TLSConfig configures TLS validation for Redis connections.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

type Auth struct {
	Username string
	Password string
}

// String returns a redacted representation to prevent accidental credential logging.
func (a Auth) String() string {
	return fmt.Sprintf("Auth{Username:%s, Password:REDACTED}", a.Username)
}

// GoString returns a redacted representation for fmt %#v.
func (a Auth) GoString() string { return a.String() }

// ConnectionOptions configures timeouts, pools, and retries.
type ConnectionOptions struct {
	DB              int
	PoolSize        int
	MinIdleConns    int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	DialTimeout     time.Duration
	PoolTimeout     time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// Client wraps a redis.UniversalClient and reconnects on demand.
type Client struct {
	mu     sync.RWMutex
	cfg    Config
	logger log.Logger
	client redis.UniversalClient

	lastReconnectAttempt time.Time
	reconnectAttempts    int

	// test hook
	newClient func(opts *redis.UniversalOptions) redis.UniversalClient
}

// New validates config, connects to Redis, and returns a ready client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       normalized,
		logger:    normalized.Logger,
		newClient: redis.NewUniversalClient,
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect dials Redis and pings it. A previous connection is replaced only
// once the new one answers.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "redis"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "connect to redis", err)

		return err
	}

	return nil
}

// GetClient returns the connected client, reconnecting if the connection was
// closed. Failed reconnects back off exponentially.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.reconnectAttempts > 0 {
		delay := backoff.Policy{Base: 500 * time.Millisecond, Max: reconnectBackoffCap}.Delay(c.reconnectAttempts)

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("%w: next attempt in %s", ErrReconnectThrottled, delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.reconnect")
	defer span.End()

	if err := c.connectLocked(ctx); err != nil {
		c.reconnectAttempts++

		libOpentelemetry.HandleSpanError(span, "reconnect redis", err)

		return nil, err
	}

	c.reconnectAttempts = 0

	return c.client, nil
}

// Close closes the underlying client. GetClient reconnects afterwards.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeClientLocked()
}

// IsConnected reports whether a client is currently held.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client != nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	opts, err := c.buildUniversalOptions()
	if err != nil {
		return err
	}

	newClient := c.newClient
	if newClient == nil {
		newClient = redis.NewUniversalClient
	}

	rdb := newClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return fmt.Errorf("redis ping: %w", err)
	}

	if err := c.closeClientLocked(); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "closing previous redis client failed", log.Err(err))
	}

	c.client = rdb

	c.logger.Log(ctx, log.LevelInfo, "connected to redis")

	return nil
}

func (c *Client) closeClientLocked() error {
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	return err
}

func (c *Client) buildUniversalOptions() (*redis.UniversalOptions, error) {
	o := c.cfg.Options

	opts := &redis.UniversalOptions{
		DB:              o.DB,
		Username:        c.cfg.Auth.Username,
		Password:        c.cfg.Auth.Password,
		PoolSize:        o.PoolSize,
		MinIdleConns:    o.MinIdleConns,
		ReadTimeout:     o.ReadTimeout,
		WriteTimeout:    o.WriteTimeout,
		DialTimeout:     o.DialTimeout,
		PoolTimeout:     o.PoolTimeout,
		MaxRetries:      o.MaxRetries,
		MinRetryBackoff: o.MinRetryBackoff,
		MaxRetryBackoff: o.MaxRetryBackoff,
	}

	switch topology := c.cfg.Topology; {
	case topology.Standalone != nil:
		opts.Addrs = []string{topology.Standalone.Address}
	case topology.Sentinel != nil:
		opts.Addrs = topology.Sentinel.Addresses
		opts.MasterName = topology.Sentinel.MasterName
	case topology.Cluster != nil:
		opts.Addrs = topology.Cluster.Addresses
		opts.IsClusterMode = true
	}

	if c.cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*c.cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("%w: tls: %w", ErrInvalidConfig, err)
		}

		opts.TLSConfig = tlsCfg
	}

	return opts, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	if nilcheck.IsNil(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	normalizeConnectionOptionsDefaults(&cfg.Options)

	if cfg.TLS != nil && cfg.TLS.MinVersion < tls.VersionTLS12 {
		cfg.TLS.MinVersion = tls.VersionTLS12
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func normalizeConnectionOptionsDefaults(options *ConnectionOptions) {
	if options.PoolSize <= 0 {
		options.PoolSize = 10
	}

	if options.PoolSize > maxPoolSize {
		options.PoolSize = maxPoolSize
	}

	if options.ReadTimeout == 0 {
		options.ReadTimeout = 3 * time.Second
	}

	if options.WriteTimeout == 0 {
		options.WriteTimeout = 3 * time.Second
	}

	if options.DialTimeout == 0 {
		options.DialTimeout = 5 * time.Second
	}

	if options.PoolTimeout == 0 {
		options.PoolTimeout = 2 * time.Second
	}

	if options.MaxRetries == 0 {
		options.MaxRetries = 3
	}

	if options.MinRetryBackoff == 0 {
		options.MinRetryBackoff = 8 * time.Millisecond
	}

	if options.MaxRetryBackoff == 0 {
		options.MaxRetryBackoff = time.Second
	}
}

func validateConfig(cfg Config) error {
	if err := validateTopology(cfg.Topology); err != nil {
		return err
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		return configError("TLS CA cert is required when TLS is configured")
	}

	return nil
}

func validateTopology(topology Topology) error {
	count := 0

	if topology.Standalone != nil {
		count++

		if strings.TrimSpace(topology.Standalone.Address) == "" {
			return configError("standalone address is required")
		}
	}

	if topology.Sentinel != nil {
		count++

		if strings.TrimSpace(topology.Sentinel.MasterName) == "" {
			return configError("sentinel master name is required")
		}

		if err := validateAddresses("sentinel", topology.Sentinel.Addresses); err != nil {
			return err
		}
	}

	if topology.Cluster != nil {
		count++

		if err := validateAddresses("cluster", topology.Cluster.Addresses); err != nil {
			return err
		}
	}

	if count != 1 {
		return configError("exactly one topology must be configured")
	}

	return nil
}

func validateAddresses(kind string, addresses []string) error {
	if len(addresses) == 0 {
		return configError(kind + " addresses are required")
	}

	for _, address := range addresses {
		if strings.TrimSpace(address) == "" {
			return configError(kind + " addresses cannot be empty")
		}
	}

	return nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	caCert, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, err
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("adding CA cert failed")
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: cfg.MinVersion,
	}, nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
