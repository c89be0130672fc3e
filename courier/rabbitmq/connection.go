package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultHeartbeat   = 10 * time.Second
)

var (
	ErrURLRequired        = errors.New("rabbitmq url is required")
	ErrNilConnection      = errors.New("rabbitmq connection is nil")
	ErrConnectionClosed   = errors.New("rabbitmq connection is closed")
	ErrReconnectThrottled = errors.New("rabbitmq reconnect throttled")
)

// amqpConn is the part of *amqp.Connection the wrapper uses.
type amqpConn interface {
	Channel() (*amqp.Channel, error)
	IsClosed() bool
	Close() error
}

// Connection owns one AMQP connection and hands out channels on it. A
// dropped connection is redialed on the next channel request, no more often
// than the reconnect backoff allows.
type Connection struct {
	url       string
	logger    libLog.Logger
	heartbeat time.Duration
	timeout   time.Duration
	reconnect backoff.Policy
	dial      func(ctx context.Context, url string, cfg amqp.Config) (amqpConn, error)
	now       func() time.Time

	mu                   sync.Mutex
	conn                 amqpConn
	shutdown             bool
	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

type ConnectionOption func(*Connection)

func WithConnectionLogger(logger libLog.Logger) ConnectionOption {
	return func(c *Connection) {
		if !nilcheck.IsNil(logger) {
			c.logger = logger
		}
	}
}

// WithDialTimeout bounds the TCP dial and AMQP handshake.
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithHeartbeat(heartbeat time.Duration) ConnectionOption {
	return func(c *Connection) {
		if heartbeat > 0 {
			c.heartbeat = heartbeat
		}
	}
}

// NewConnection validates rawURL. Nothing is dialed until Connect or the
// first channel request.
func NewConnection(rawURL string, opts ...ConnectionOption) (*Connection, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrURLRequired
	}

	if _, err := amqp.ParseURI(rawURL); err != nil {
		return nil, fmt.Errorf("parse rabbitmq url: %s", sanitizeAMQPErr(err, rawURL))
	}

	c := &Connection{
		url:       rawURL,
		logger:    libLog.NewNop(),
		heartbeat: defaultHeartbeat,
		timeout:   defaultDialTimeout,
		reconnect: backoff.Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second},
		dial:      dialAMQP,
		now:       time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

func dialAMQP(ctx context.Context, rawURL string, cfg amqp.Config) (amqpConn, error) {
	dialer := &net.Dialer{}

	cfg.Dial = func(network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}

	conn, err := amqp.DialConfig(rawURL, cfg)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Connect dials the broker if there is no open connection.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.connectLocked(ctx)

	return err
}

func (c *Connection) connectLocked(ctx context.Context) (amqpConn, error) {
	if c.shutdown {
		return nil, ErrConnectionClosed
	}

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	now := c.now()
	if c.reconnectAttempts > 0 && now.Sub(c.lastReconnectAttempt) < c.reconnect.Delay(c.reconnectAttempts-1) {
		return nil, ErrReconnectThrottled
	}

	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "rabbitmq"))

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(dialCtx, c.url, amqp.Config{
		Heartbeat: c.heartbeat,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "courier",
		},
	})
	if err != nil {
		c.conn = nil
		c.lastReconnectAttempt = now
		c.reconnectAttempts++

		sanitized := newSanitizedError(err, c.url, "connect to rabbitmq")
		libOpentelemetry.HandleSpanError(span, "connect to rabbitmq", sanitized)

		c.logger.Log(ctx, libLog.LevelError, "rabbitmq connect failed",
			libLog.String("error_detail", sanitizeAMQPErr(err, c.url)),
		)

		return nil, sanitized
	}

	c.conn = conn
	c.reconnectAttempts = 0
	c.lastReconnectAttempt = time.Time{}

	c.logger.Log(ctx, libLog.LevelInfo, "connected to rabbitmq")

	return conn, nil
}

// Channel opens a fresh channel, redialing when the connection dropped.
// After a failed dial the next one waits a jittered exponential delay; a
// request inside that window gets ErrReconnectThrottled.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connectLocked(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return ch, nil
}

// ConfirmChannel is Channel typed for NewBus.
func (c *Connection) ConfirmChannel(ctx context.Context) (ConfirmableChannel, error) {
	ch, err := c.Channel(ctx)
	if err != nil {
		return nil, err
	}

	return ch, nil
}

// ConsumeChannel is Channel typed for NewConsumer.
func (c *Connection) ConsumeChannel(ctx context.Context) (ConsumeChannel, error) {
	ch, err := c.Channel(ctx)
	if err != nil {
		return nil, err
	}

	return ch, nil
}

// Close closes the connection. Later channel requests fail.
func (c *Connection) Close() error {
	if c == nil {
		return ErrNilConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.shutdown = true

	if c.conn == nil || c.conn.IsClosed() {
		c.conn = nil

		return nil
	}

	err := c.conn.Close()
	c.conn = nil

	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}

	return nil
}

// sanitizedError keeps the broker error for errors.Is while hiding
// credentials from its message.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	errMsg := err.Error()

	if connectionString == "" {
		return errMsg
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return errMsg
	}

	redactedURL := referenceURL.Redacted()

	errMsg = strings.ReplaceAll(errMsg, connectionString, redactedURL)
	errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)

	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString assembles an AMQP url. An empty vhost selects the
// default vhost; a vhost containing '/' is percent-encoded.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}

	if vhost != "" {
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}

	return u.String()
}
