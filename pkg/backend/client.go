// Package backend is a typed client for the portfolio analytics service.
//
// Every read returns a record and a boolean. Network failures, timeouts,
// non-2xx statuses, malformed JSON and payloads that do not match the record
// schema are logged and reported as (nil, false); the client never returns an
// error to its callers and never retries.
package backend

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 8 << 20
)

//go:embed schemas/*.json
var schemaFS embed.FS

// record schema names, one file per record under schemas/.
const (
	schemaSnapshot  = "snapshot"
	schemaPositions = "positions"
	schemaFactors   = "factor_exposures"
	schemaRisk      = "risk_metrics"
	schemaStress    = "stress_test"
)

// Client reads analytics data. It is immutable after New and safe for
// concurrent use.
type Client struct {
	baseURL *url.URL
	token   string
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
	schemas map[string]*jsonschema.Schema
}

// Option configures a Client.
type Option func(*Client)

// WithBearerToken sets the default credential used when the call context
// carries none.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a Client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: base url %q must be http or https", baseURL)
	}
	c := &Client{baseURL: u, timeout: defaultTimeout, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	c.schemas, err = loadSchemas()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	names := []string{schemaSnapshot, schemaPositions, schemaFactors, schemaRisk, schemaStress}
	comp := jsonschema.NewCompiler()
	for _, name := range names {
		b, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("backend: read schema %s: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("backend: parse schema %s: %w", name, err)
		}
		if err := comp.AddResource(schemaURL(name), doc); err != nil {
			return nil, fmt.Errorf("backend: add schema %s: %w", name, err)
		}
	}
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		sch, err := comp.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("backend: compile schema %s: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
}

func schemaURL(name string) string { return "mem://backend/" + name + ".json" }

type credentialKey struct{}

// WithCredential attaches the caller's bearer credential to ctx. It is
// forwarded unchanged on every request made with that context.
func WithCredential(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialKey{}, token)
}

// CredentialFrom returns the credential attached by WithCredential.
func CredentialFrom(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(credentialKey{}).(string)
	return tok, ok && tok != ""
}

func (c *Client) PortfolioSnapshot(ctx context.Context, portfolioID, asOf string) (*Snapshot, bool) {
	var out Snapshot
	if !c.get(ctx, "portfolio_snapshot", schemaSnapshot, c.portfolioPath(portfolioID, "overview"), asOfQuery(asOf), portfolioID, &out) {
		return nil, false
	}
	return &out, true
}

func (c *Client) Positions(ctx context.Context, portfolioID, asOf string) (*PositionList, bool) {
	q := asOfQuery(asOf)
	q.Set("portfolio_id", portfolioID)
	var out PositionList
	if !c.get(ctx, "positions", schemaPositions, "/api/v1/data/positions/details", q, portfolioID, &out) {
		return nil, false
	}
	return &out, true
}

func (c *Client) FactorExposures(ctx context.Context, portfolioID, asOf string) (*FactorExposures, bool) {
	var out FactorExposures
	if !c.get(ctx, "factor_exposures", schemaFactors, c.portfolioPath(portfolioID, "factor-exposures"), asOfQuery(asOf), portfolioID, &out) {
		return nil, false
	}
	return &out, true
}

func (c *Client) RiskMetrics(ctx context.Context, portfolioID, asOf string) (*RiskMetrics, bool) {
	var out RiskMetrics
	if !c.get(ctx, "risk_metrics", schemaRisk, c.portfolioPath(portfolioID, "risk-metrics"), asOfQuery(asOf), portfolioID, &out) {
		return nil, false
	}
	return &out, true
}

func (c *Client) StressTest(ctx context.Context, portfolioID, asOf string) (*StressTestResults, bool) {
	var out StressTestResults
	if !c.get(ctx, "stress_test", schemaStress, c.portfolioPath(portfolioID, "stress-test"), asOfQuery(asOf), portfolioID, &out) {
		return nil, false
	}
	return &out, true
}

func (c *Client) portfolioPath(portfolioID, leaf string) string {
	return "/api/v1/analytics/portfolio/" + url.PathEscape(portfolioID) + "/" + leaf
}

func asOfQuery(asOf string) url.Values {
	q := url.Values{}
	if asOf != "" {
		q.Set("as_of_date", asOf)
	}
	return q
}

// get performs one GET on the escaped path, validates the body against the
// named schema and decodes it into dst. Any failure is logged and reported as false.
func (c *Client) get(ctx context.Context, op, schema, path string, query url.Values, portfolioID string, dst any) bool {
	ev := func(status int, err error) {
		c.log.Warn().
			Str("op", op).
			Str("portfolio_id", portfolioID).
			Int("status", status).
			Err(err).
			Msg("backend read failed")
	}

	// path is already escaped; Path holds the decoded form.
	u := *c.baseURL
	u.RawPath = c.baseURL.EscapedPath() + path
	decoded, err := url.PathUnescape(u.RawPath)
	if err != nil {
		ev(0, err)
		return false
	}
	u.Path = decoded
	u.RawQuery = query.Encode()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		ev(0, err)
		return false
	}
	req.Header.Set("Accept", "application/json")
	token := c.token
	if tok, ok := CredentialFrom(ctx); ok {
		token = tok
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		ev(0, err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		ev(resp.StatusCode, fmt.Errorf("read body: %w", err))
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ev(resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode))
		return false
	}
	if len(body) > maxBodyBytes {
		ev(resp.StatusCode, fmt.Errorf("response exceeds %d bytes", maxBodyBytes))
		return false
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		ev(resp.StatusCode, fmt.Errorf("invalid json: %w", err))
		return false
	}
	if err := c.schemas[schema].Validate(doc); err != nil {
		ev(resp.StatusCode, fmt.Errorf("schema %s: %w", schema, err))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		ev(resp.StatusCode, fmt.Errorf("decode: %w", err))
		return false
	}
	return true
}
