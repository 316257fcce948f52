// Package integration provides a reusable test harness for end-to-end
// integration testing of the case portal. It starts a full HTTP server with
// deployed case definitions, in-memory stores, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/caseportal/internal/cases"
	"github.com/pitabwire/caseportal/internal/config"
	"github.com/pitabwire/caseportal/internal/definition"
	"github.com/pitabwire/caseportal/internal/events"
	"github.com/pitabwire/caseportal/internal/observability"
	"github.com/pitabwire/caseportal/internal/openapi"
	"github.com/pitabwire/caseportal/internal/schema"
	"github.com/pitabwire/caseportal/internal/transport"
	"github.com/pitabwire/caseportal/model"
)

// TestHarness encapsulates a fully wired portal instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry         *definition.Registry
	Deployer         *definition.Deployer
	Validator        *schema.Validator
	CaseStore        *cases.MemoryCaseStore
	DefinitionStore  *definition.MemoryDefinitionStore
	IdempotencyStore *cases.MemoryIdempotencyStore
	Publisher        *events.MemoryPublisher
	Service          *cases.Service
	Metrics          *observability.Metrics
	Logs             *observer.ObservedLogs

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs     []string
	idempotencyEnabled bool
	handlerTimeout     time.Duration
	maxBodyBytes       int64
}

// WithDefinitions overrides the case definition manifest directories.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(hc *harnessConfig) {
		hc.definitionDirs = dirs
	}
}

// WithIdempotency enables Idempotency-Key handling on case creation.
func WithIdempotency() HarnessOption {
	return func(hc *harnessConfig) {
		hc.idempotencyEnabled = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(hc *harnessConfig) {
		hc.handlerTimeout = d
	}
}

// WithMaxBodyBytes limits request body size.
func WithMaxBodyBytes(n int64) HarnessOption {
	return func(hc *harnessConfig) {
		hc.maxBodyBytes = n
	}
}

// NewTestHarness creates and starts a fully wired portal for integration
// testing. The server is automatically stopped when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		definitionDirs: []string{filepath.Join(testdataDir(), "definitions")},
		handlerTimeout: 10 * time.Second,
		maxBodyBytes:   1 << 20,
	}
	for _, opt := range opts {
		opt(hc)
	}

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	h := &TestHarness{
		t:                t,
		CaseStore:        cases.NewMemoryCaseStore(),
		DefinitionStore:  definition.NewMemoryDefinitionStore(),
		IdempotencyStore: cases.NewMemoryIdempotencyStore(),
		Publisher:        events.NewMemoryPublisher(),
		Metrics:          observability.InitMetrics(prometheus.NewRegistry()),
		Logs:             logs,
	}

	// Step 1: Load the API document.
	api, err := openapi.Load()
	if err != nil {
		t.Fatalf("load openapi document: %v", err)
	}

	// Step 2: Build the schema validator.
	h.Validator, err = schema.NewValidator(schema.WithCacheObserver(h.Metrics))
	if err != nil {
		t.Fatalf("create schema validator: %v", err)
	}

	// Step 3: Deploy case definitions.
	h.Registry = definition.NewRegistry(nil)
	h.Deployer = definition.NewDeployer(
		hc.definitionDirs,
		definition.NewLoader(),
		definition.NewValidator(""),
		h.Registry,
		h.Validator,
		logger,
		definition.WithStore(h.DefinitionStore),
		definition.WithDeployObserver(h.Metrics),
	)
	if _, err := h.Deployer.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy definitions: %v", err)
	}

	// Step 4: Build the case service.
	svcOpts := []cases.ServiceOption{
		cases.WithObserver(h.Metrics),
		cases.WithLogger(logger),
	}
	if hc.idempotencyEnabled {
		svcOpts = append(svcOpts, cases.WithIdempotencyStore(h.IdempotencyStore, time.Hour))
	}
	h.Service = cases.NewService(
		h.CaseStore,
		h.Registry,
		cases.NewAggregate(h.Validator),
		events.NewObservedPublisher(h.Publisher, h.Metrics),
		svcOpts...,
	)

	// Step 5: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 6: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.MaxBodyBytes = hc.maxBodyBytes
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	// Step 7: Build router with full middleware chain.
	keys := transport.NewKeySet(h.issuer.JWKSURL(), time.Hour, transport.WithKeySetLogger(logger))

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Authenticate: transport.NewAuthenticator(h.cfg.Identity, keys, logger).Middleware,
		Cases:        h.Service,
		Definitions:  h.Registry,
		API:          api,
		Metrics:      h.Metrics,
		Readiness: observability.NewReadiness(h.Registry).
			Add("case_store", h.CaseStore).
			Add("definition_store", h.DefinitionStore),
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

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

// GenerateTokenForAudience creates a JWT issued for another audience.
func (h *TestHarness) GenerateTokenForAudience(claims TestClaims, audience string) string {
	return h.issuer.GenerateTokenForAudience(claims, audience)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
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

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPatch, path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

// RawPOST sends body verbatim, without JSON encoding.
func (h *TestHarness) RawPOST(path, body, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, json.RawMessage(body), token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		bodyReader = strings.NewReader(string(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
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

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

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
	}
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

// AssertError checks the status and the error code of an error response and
// returns the decoded envelope.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// CreateCase creates a case and fails the test unless it succeeds.
func (h *TestHarness) CreateCase(t *testing.T, token, definitionID string, submission map[string]any) model.Case {
	t.Helper()
	resp := h.POST("/api/v1/cases", map[string]any{
		"case_definition_id": definitionID,
		"submission":         submission,
	}, token)
	var c model.Case
	h.AssertJSON(t, resp, http.StatusCreated, &c)
	return c
}

// --- Default test claims ---

// CitizenClaims returns TestClaims for a citizen logged in with DigiD: an
// opaque subject plus the bsn claim.
func CitizenClaims(bsn string) TestClaims {
	return TestClaims{
		Subject: "digid-" + bsn,
		Extra:   map[string]any{"bsn": bsn},
	}
}

// BusinessClaims returns TestClaims for a business logged in with
// eHerkenning, identified by its KVK number.
func BusinessClaims(kvk string) TestClaims {
	return TestClaims{
		Subject: "eherkenning-" + kvk,
		Extra:   map[string]any{"kvk": kvk},
	}
}

// ManagerClaims returns TestClaims for a case manager.
func ManagerClaims() TestClaims {
	return TestClaims{
		Subject: "medewerker-1",
		Roles:   []string{model.RoleCaseManager},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// PersonSubmission returns a valid submission for the person definition.
func PersonSubmission(firstName string) map[string]any {
	return map[string]any{
		"firstName": firstName,
		"lastName":  "de Vries",
		"address": map[string]any{
			"street": "Damrak 1",
			"city":   "Amsterdam",
		},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
