// Package integration provides a reusable test harness for end-to-end
// integration testing of the signoff server. It starts a full HTTP server
// with in-memory stores, a static user directory, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/audit"
	"github.com/pitabwire/signoff/internal/catalog"
	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/directory"
	"github.com/pitabwire/signoff/internal/idempotency"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/transport"
	"github.com/pitabwire/signoff/internal/workflow"
	"github.com/pitabwire/signoff/model"
)

// TestHarness encapsulates a fully wired signoff instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Store   *workflow.MemoryWorkflowStore
	Engine  *workflow.Engine
	Metrics *observability.Metrics
	Redis   *miniredis.Miniredis

	mu            sync.Mutex
	notifications []model.Notification
	audits        []model.AuditRecord

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	idempotency       bool
	redis             bool
	directoryFallback bool
	handlerTimeout    time.Duration
	users             []model.User
}

// WithIdempotency enables idempotent replay with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = true
	}
}

// WithRedis backs the idempotency store and the directory cache with an
// in-process redis server.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = true
		c.redis = true
	}
}

// WithoutDirectoryFallback disables directory role lookup when the token
// carries no role.
func WithoutDirectoryFallback() HarnessOption {
	return func(c *harnessConfig) {
		c.directoryFallback = false
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithUsers replaces the default directory users.
func WithUsers(users ...model.User) HarnessOption {
	return func(c *harnessConfig) {
		c.users = users
	}
}

// DefaultUsers is the directory used unless WithUsers is given.
func DefaultUsers() []model.User {
	return []model.User{
		{ID: "eo-1", Role: "Estates Officer", Email: "eo1@estates.example.com"},
		{ID: "pm-1", Role: "Property Manager", Email: "pm1@estates.example.com"},
		{ID: "pm-2", Role: "Property Manager", Email: "pm2@estates.example.com"},
		{ID: "lo-1", Role: "Legal Officer", Email: "lo1@estates.example.com"},
		{ID: "admin-1", Role: "Admin", Email: "admin@estates.example.com"},
	}
}

// NewTestHarness creates and starts a full signoff test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		directoryFallback: true,
		handlerTimeout:    10 * time.Second,
		users:             DefaultUsers(),
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	logger := zap.NewNop()

	// Step 1: Catalog.
	defs := catalog.Defaults()
	if verrs := catalog.Validate(defs); len(verrs) > 0 {
		t.Fatalf("built-in catalog invalid: %v", verrs)
	}
	registry := catalog.NewRegistry(defs)

	// Step 2: Metrics on a private registry so tests do not collide.
	promRegistry := prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(promRegistry)

	// Step 3: Directory, optionally cached in redis.
	static, err := directory.NewStaticDirectoryFromUsers(hc.users)
	if err != nil {
		t.Fatalf("build directory: %v", err)
	}
	var cache directory.Cache = directory.NewMemoryCache()
	var redisClient *redis.Client
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		redisClient = redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { redisClient.Close() })
		cache = directory.NewRedisCache(redisClient, "signoff:directory:")
	}
	dir := directory.NewCachedDirectory(static, cache, time.Minute, directory.WithCacheMetrics(h.Metrics))

	// Step 4: Recording collaborators.
	notifier := notifierFunc(func(_ context.Context, n model.Notification) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.notifications = append(h.notifications, n)
		return nil
	})
	auditor := audit.RecorderFunc(func(_ context.Context, rec model.AuditRecord) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.audits = append(h.audits, rec)
		return nil
	})

	// Step 5: Engine.
	h.Store = workflow.NewMemoryWorkflowStore()
	h.Engine = workflow.NewEngine(
		registry,
		h.Store,
		workflow.NewGate(dir,
			workflow.WithDirectoryFallback(hc.directoryFallback),
			workflow.WithGateMetrics(h.Metrics),
		),
		workflow.NewDispatcher(dir, notifier, auditor, workflow.WithDispatchMetrics(h.Metrics)),
		workflow.WithMetrics(h.Metrics),
		workflow.WithAdminRole("Admin"),
	)

	var idemStore idempotency.Store
	if hc.idempotency {
		idemStore = idempotency.NewMemoryStore()
		if redisClient != nil {
			idemStore = idempotency.NewRedisStore(redisClient)
		}
	}

	// Step 6: JWT issuer and config.
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	// Step 7: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:         h.cfg,
		Logger:         logger,
		Engine:         h.Engine,
		Authenticate:   transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Idempotency:    idemStore,
		Metrics:        h.Metrics,
		MetricsHandler: observability.HandlerFor(promRegistry),
		Readiness: observability.ReadinessChecks{
			CatalogLoaded: func() bool { return registry.Len() > 0 },
			Dependencies: map[string]observability.HealthChecker{
				"store": observability.CheckFunc(h.Store.Ping),
			},
		},
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

type notifierFunc func(ctx context.Context, n model.Notification) error

func (f notifierFunc) Notify(ctx context.Context, n model.Notification) error { return f(ctx, n) }

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// NotificationsFor returns the notifications delivered to userID so far.
func (h *TestHarness) NotificationsFor(userID string) []model.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.Notification
	for _, n := range h.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// AuditActions returns the audit actions recorded so far, in order.
func (h *TestHarness) AuditActions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.audits))
	for i, a := range h.audits {
		out[i] = a.Action
	}
	return out
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
		return
	}
	resp.Body.Close()
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error code in the response body.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// EstatesOfficerClaims returns TestClaims for eo-1.
func EstatesOfficerClaims() TestClaims {
	return TestClaims{SubjectID: "eo-1", Email: "eo1@estates.example.com", Role: "Estates Officer"}
}

// PropertyManagerClaims returns TestClaims for pm-1.
func PropertyManagerClaims() TestClaims {
	return TestClaims{SubjectID: "pm-1", Email: "pm1@estates.example.com", Role: "Property Manager"}
}

// AdminClaims returns TestClaims for admin-1.
func AdminClaims() TestClaims {
	return TestClaims{SubjectID: "admin-1", Email: "admin@estates.example.com", Role: "Admin"}
}
