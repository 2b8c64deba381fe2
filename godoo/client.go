// godoo/client.go
package godoo

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kolo/xmlrpc"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// LoggerEnv define los tipos de entorno para la configuración del logger.
type LoggerEnv string

const (
	// EnvDevelopment configura el logger para un entorno de desarrollo (salida legible).
	EnvDevelopment LoggerEnv = "development"
	// EnvProduction configura el logger para un entorno de producción (salida JSON estructurada).
	EnvProduction LoggerEnv = "production"
)

// OdooClient is the Remote Store Client for one Odoo instance.
// It holds the connection parameters and the cached session, and is the only
// component allowed to write to the instance.
type OdooClient struct {
	name          string
	url           string
	db            string
	username      string
	password      string
	skipTLSVerify bool
	httpClient    *http.Client
	logger        *zap.Logger

	mu          sync.Mutex
	uid         int64
	rpcClient   *xmlrpc.Client
	lastAuth    time.Time
	authTimeout time.Duration

	callTimeout time.Duration
	retry       RetryPolicy
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	pageSize    int
}

// NewLogger builds a zap logger for the given environment. It is exported so the
// command and the client share one configuration.
func NewLogger(env LoggerEnv, level string) *zap.Logger {
	var cfg zap.Config
	if env == EnvDevelopment {
		cfg = zap.NewDevelopmentConfig()
		// Deshabilita el campo "caller" para logs más limpios en desarrollo
		cfg.EncoderConfig.CallerKey = ""
		cfg.DisableStacktrace = true
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.LevelKey = "level"
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.DisableStacktrace = false
	}
	if level != "" {
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	logger, err := cfg.Build()
	if err != nil {
		log.Printf("Failed to build Zap logger for env '%s', falling back to no-op logger: %v", env, err)
		return zap.NewNop()
	}
	return logger
}

// Option es una función que configura un OdooClient.
type Option func(*OdooClient)

// WithName labels the instance in every log line ("source", "target").
func WithName(name string) Option {
	return func(c *OdooClient) {
		c.name = name
	}
}

// WithAuthTimeout establece cuánto tiempo se reutiliza una sesión autenticada.
func WithAuthTimeout(d time.Duration) Option {
	return func(c *OdooClient) {
		c.authTimeout = d
	}
}

// WithSkipTLSVerify establece si se debe omitir la verificación de certificados TLS.
// ADVERTENCIA: No usar en producción.
func WithSkipTLSVerify(skip bool) Option {
	return func(c *OdooClient) {
		c.skipTLSVerify = skip
	}
}

// WithHTTPClient establece un *http.Client personalizado para OdooClient.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *OdooClient) {
		c.httpClient = httpClient
	}
}

// WithLogger establece un logger de Zap personalizado para OdooClient.
func WithLogger(logger *zap.Logger) Option {
	return func(c *OdooClient) {
		c.logger = logger
	}
}

// WithCallTimeout bounds every single RPC round trip.
func WithCallTimeout(d time.Duration) Option {
	return func(c *OdooClient) {
		c.callTimeout = d
	}
}

// WithRetryPolicy sets the retry policy for transient failures.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *OdooClient) {
		c.retry = p
	}
}

// WithRateLimit throttles calls to rps requests per second. Zero disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *OdooClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBreaker trips the circuit after failures consecutive transient errors and
// keeps it open for cooldown. A zero threshold disables the breaker.
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(c *OdooClient) {
		if failures == 0 {
			c.breaker = nil
			return
		}
		c.breaker = c.newBreaker(failures, cooldown)
	}
}

// WithPageSize sets the number of rows fetched per search_read round trip.
func WithPageSize(n int) Option {
	return func(c *OdooClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New creates a new OdooClient instance with functional options.
func New(urlStr, db, username, password string, opts ...Option) (*OdooClient, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Odoo URL: %w", err)
	}
	if parsedURL.Scheme != "https" && parsedURL.Scheme != "http" {
		return nil, fmt.Errorf("invalid Odoo URL scheme: %s, must be http or https", parsedURL.Scheme)
	}

	client := &OdooClient{
		name:        parsedURL.Host,
		url:         strings.TrimRight(urlStr, "/"),
		db:          db,
		username:    username,
		password:    password,
		authTimeout: 6 * time.Hour,
		httpClient:  &http.Client{},
		logger:      NewLogger(EnvProduction, ""),
		callTimeout: 60 * time.Second,
		retry:       DefaultRetryPolicy(),
		pageSize:    DefaultPageSize,
	}

	for _, opt := range opts {
		opt(client)
	}
	client.logger = client.logger.With(zap.String("instance", client.name))
	if client.breaker == nil {
		client.breaker = client.newBreaker(5, 30*time.Second)
	}

	if client.skipTLSVerify {
		client.logger.Warn("TLS certificate verification will be skipped for this Odoo connection. DO NOT USE IN PRODUCTION.",
			zap.String("component", "OdooClient"),
			zap.String("action", "New"),
		)
	}

	return client, nil
}

// Name returns the instance label used in logs.
func (c *OdooClient) Name() string {
	return c.name
}

func (c *OdooClient) newBreaker(failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "odoo-" + c.name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Server faults mean the instance answered; only transport trouble trips the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// transport returns the RoundTripper handed to kolo/xmlrpc, applying skipTLSVerify
// on a private copy so http.DefaultTransport is never mutated.
func (c *OdooClient) transport() http.RoundTripper {
	rt := c.httpClient.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	if !c.skipTLSVerify {
		return rt
	}
	tr, ok := rt.(*http.Transport)
	if !ok {
		c.logger.Warn("Cannot apply skipTLSVerify to a custom HTTP client's non-http.Transport. Manual configuration might be needed.",
			zap.String("transport_type", fmt.Sprintf("%T", rt)),
		)
		return rt
	}
	clone := tr.Clone()
	clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed dev instances
	return clone
}

// Authenticate opens a session eagerly. Callers use it at startup so a bad
// credential aborts the run before anything is read or written.
func (c *OdooClient) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticate(ctx)
}

// authenticate connects to the Odoo server and authenticates the user.
// Callers must hold c.mu.
func (c *OdooClient) authenticate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tr := c.transport()
	commonURL := fmt.Sprintf("%s/xmlrpc/2/common", c.url)
	commonRPCClient, err := newXMLRPCClient(commonURL, tr)
	if err != nil {
		c.logger.Error("Failed to connect to Odoo common endpoint during authentication",
			zap.Error(err),
			zap.String("url", commonURL),
			zap.String("op", "authenticate"),
		)
		return fmt.Errorf("failed to connect to Odoo common endpoint: %w", err)
	}
	defer commonRPCClient.Close()

	// Odoo answers False instead of a fault when the credentials are wrong.
	var reply interface{}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	err = callWithContext(callCtx, commonRPCClient, "authenticate",
		[]interface{}{c.db, c.username, c.password, map[string]interface{}{}}, &reply)
	if err != nil {
		if IsTransient(err) {
			c.logger.Error("Odoo authentication call failed", zap.Error(err), zap.String("op", "authenticate"))
			return fmt.Errorf("authenticate on %s: %w", c.name, err)
		}
		c.logger.Error("Odoo authentication failed",
			zap.Error(err),
			zap.String("db", c.db),
			zap.String("username", c.username),
			zap.String("op", "authenticate"),
		)
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, err.Error())
	}

	uid, ok := toInt64(reply)
	if !ok || uid <= 0 {
		c.logger.Error("Odoo rejected the credentials",
			zap.String("db", c.db),
			zap.String("username", c.username),
			zap.String("op", "authenticate"),
		)
		return fmt.Errorf("%w: db %q user %q", ErrAuthenticationFailed, c.db, c.username)
	}

	objectURL := fmt.Sprintf("%s/xmlrpc/2/object", c.url)
	objectRPCClient, err := newXMLRPCClient(objectURL, tr)
	if err != nil {
		c.logger.Error("Failed to connect to Odoo object endpoint after authentication",
			zap.Error(err),
			zap.String("url", objectURL),
			zap.String("op", "authenticate"),
		)
		return fmt.Errorf("failed to connect to Odoo object endpoint: %w", err)
	}

	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.uid = uid
	c.rpcClient = objectRPCClient
	c.lastAuth = time.Now()
	c.logger.Info("Successfully authenticated with Odoo",
		zap.Int64("uid", c.uid),
		zap.String("db", c.db),
		zap.String("op", "authenticate"),
	)
	return nil
}

// isAuthValid checks if the current authentication is valid (not expired and client exists).
func (c *OdooClient) isAuthValid() bool {
	return c.uid != 0 && c.rpcClient != nil && time.Since(c.lastAuth) < c.authTimeout
}

// getConnection returns the user ID and the RPC client, authenticating if necessary.
func (c *OdooClient) getConnection(ctx context.Context) (int64, *xmlrpc.Client, error) {
	if err := ctx.Err(); err != nil {
		c.logger.Debug("Context cancelled before getting Odoo connection", zap.Error(err))
		return 0, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isAuthValid() {
		if err := c.authenticate(ctx); err != nil {
			return 0, nil, err
		}
	}
	return c.uid, c.rpcClient, nil
}

// Close releases the object endpoint client.
func (c *OdooClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient == nil {
		return nil
	}
	err := c.rpcClient.Close()
	c.rpcClient = nil
	c.uid = 0
	return err
}

func (c *OdooClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// callWithContext makes a blocking kolo/xmlrpc call cancellable. kolo/xmlrpc has
// no context support, so the call runs in a goroutine and is abandoned when ctx ends.
func callWithContext(ctx context.Context, client *xmlrpc.Client, method string, args interface{}, reply interface{}) error {
	callChan := make(chan error, 1)
	go func() {
		callChan <- client.Call(method, args, reply)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-callChan:
		return err
	}
}

func newXMLRPCClient(endpoint string, tr http.RoundTripper) (*xmlrpc.Client, error) {
	return xmlrpc.NewClient(endpoint, tr)
}
