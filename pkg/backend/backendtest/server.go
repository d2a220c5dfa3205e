// Package backendtest serves canned analytics responses for tests.
package backendtest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// Endpoint keys for Fixtures.
const (
	Snapshot        = "overview"
	Positions       = "positions"
	FactorExposures = "factor-exposures"
	RiskMetrics     = "risk-metrics"
	StressTest      = "stress-test"
)

// Response is one canned reply. A zero Status means 200.
type Response struct {
	Status int    `json:"status,omitempty"`
	Body   string `json:"body"`
}

// Fixtures maps endpoint keys to replies. Missing keys answer 404.
type Fixtures map[string]Response

// Default returns a healthy three-position portfolio.
func Default() Fixtures {
	return Fixtures{
		Snapshot: {Body: `{"portfolio_id":"p1","total_value":1000000,"cash_balance":50000,"gross_exposure":1000000,` +
			`"net_exposure":600000,"long_exposure":800000,"short_exposure":-200000,"leverage":1.0,"position_count":3}`},
		Positions: {Body: `{"portfolio_id":"p1","positions":[` +
			`{"symbol":"AAPL","quantity":2500,"market_value":500000,"position_type":"LONG","sector":"Technology"},` +
			`{"symbol":"MSFT","quantity":700,"market_value":300000,"position_type":"LONG","sector":"Technology"},` +
			`{"symbol":"TSLA","quantity":-800,"market_value":-200000,"position_type":"SHORT","sector":"Consumer"}]}`},
		FactorExposures: {Body: `{"portfolio_id":"p1","factors":[{"name":"Market Beta","exposure":1.1},{"name":"Size","exposure":-0.2}]}`},
		RiskMetrics:     {Body: `{"portfolio_id":"p1","var_1d_99":25000,"es_1d_975":31000,"beta":1.05}`},
		StressTest: {Body: `{"portfolio_id":"p1","scenarios":[` +
			`{"name":"Covid Crash","category":"historical","pnl_pct":-0.12},` +
			`{"name":"Tech Rally","category":"hypothetical","pnl_pct":0.08}]}`},
	}
}

// With returns a copy of f with key replaced.
func (f Fixtures) With(key string, r Response) Fixtures {
	out := make(Fixtures, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[key] = r
	return out
}

// Server is a fake analytics backend.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	fixtures Fixtures
	auth     []string
	hits     map[string]int
}

// NewServer starts a fake backend that is closed with the test.
func NewServer(tb testing.TB, f Fixtures) *Server {
	tb.Helper()
	s := New(f)
	tb.Cleanup(s.Close)
	return s
}

// New starts a fake backend. The caller must Close it.
func New(f Fixtures) *Server {
	s := &Server{fixtures: f, hits: map[string]int{}}
	r := chi.NewRouter()
	r.Get("/api/v1/analytics/portfolio/{portfolioID}/{leaf}", func(w http.ResponseWriter, req *http.Request) {
		s.serve(w, req, chi.URLParam(req, "leaf"))
	})
	r.Get("/api/v1/data/positions/details", func(w http.ResponseWriter, req *http.Request) {
		s.serve(w, req, Positions)
	})
	s.Server = httptest.NewServer(r)
	return s
}

func (s *Server) serve(w http.ResponseWriter, req *http.Request, key string) {
	s.mu.Lock()
	s.auth = append(s.auth, req.Header.Get("Authorization"))
	s.hits[key]++
	resp, ok := s.fixtures[key]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(resp.Body))
}

// Authorizations returns the Authorization header of every request served.
func (s *Server) Authorizations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...)
}

// Hits reports how many requests reached the endpoint key.
func (s *Server) Hits(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}
