package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/price"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time                       { return c.t }
func (c fixedClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

type stubPrices struct{ st price.Status }

func (s stubPrices) Status() price.Status { return s.st }

type stubCounter struct {
	counts map[domain.PositionStatus]int
	err    error
}

func (s stubCounter) Counts(context.Context) (map[domain.PositionStatus]int, error) {
	return s.counts, s.err
}

type stubMirror struct {
	sample domain.PriceSample
	err    error
}

func (s stubMirror) GetPrice(context.Context, string) (domain.PriceSample, error) {
	return s.sample, s.err
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var day = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func loaded() stubPrices {
	return stubPrices{st: price.Status{
		Source:  "prices.csv",
		Samples: 30,
		Cursor:  4,
		Current: domain.PriceSample{Date: day, Price: fixed.MustParse("3012.5", fixed.PriceScale)},
	}}
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
	}
	return rec, body
}

func TestHealthOK(t *testing.T) {
	counter := stubCounter{counts: map[domain.PositionStatus]int{domain.PositionActive: 3, domain.PositionLiquidated: 1}}
	mirror := stubMirror{sample: domain.PriceSample{Date: day, Price: fixed.MustParse("3012.5", fixed.PriceScale)}}
	h := NewHealthHandler(loaded(), counter, mirror, "ETH", fixedClock{day}, testLogger())

	rec, body := get(t, NewRouter(h, testLogger()), "/health")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}
	px := body["price"].(map[string]any)
	if px["price"] != "3012.5" || px["date"] != "2026-03-01" || px["mirrored"] != "3012.5" {
		t.Fatalf("price = %v", px)
	}
	positions := body["positions"].(map[string]any)
	if positions["active"] != float64(3) || positions["liquidated"] != float64(1) {
		t.Fatalf("positions = %v", positions)
	}
}

func TestHealthDegraded(t *testing.T) {
	tests := []struct {
		name    string
		prices  stubPrices
		counter stubCounter
		mirror  MirroredPrice
	}{
		{"no price", stubPrices{}, stubCounter{}, nil},
		{"store error", loaded(), stubCounter{err: errors.New("boom")}, nil},
		{"mirror error", loaded(), stubCounter{}, stubMirror{err: errors.New("redis down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.prices, tt.counter, tt.mirror, "ETH", fixedClock{day}, testLogger())
			rec, body := get(t, NewRouter(h, testLogger()), "/health")
			if rec.Code != http.StatusServiceUnavailable || body["status"] != "degraded" {
				t.Fatalf("code=%d body=%v", rec.Code, body)
			}
		})
	}
}

func TestHealthIgnoresUnpublishedMirror(t *testing.T) {
	mirror := stubMirror{err: domain.ErrNotFound}
	h := NewHealthHandler(loaded(), stubCounter{}, mirror, "ETH", fixedClock{day}, testLogger())
	rec, body := get(t, NewRouter(h, testLogger()), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}
	if _, ok := body["price"].(map[string]any)["mirrored"]; ok {
		t.Fatal("mirrored price reported before any publish")
	}
}

func TestMetricsRoute(t *testing.T) {
	h := NewHealthHandler(loaded(), stubCounter{}, nil, "ETH", fixedClock{day}, testLogger())
	router := NewRouter(h, testLogger())
	get(t, router, "/health")

	rec, _ := get(t, router, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "levguard_http_requests_total") {
		t.Fatalf("code=%d, metrics body missing request counter", rec.Code)
	}
}
