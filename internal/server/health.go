package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/price"
	"github.com/alanyoungcy/leverageguard/internal/schedule"
)

// PriceStatus reports the price cache snapshot.
type PriceStatus interface {
	Status() price.Status
}

// PositionCounter counts mirrored positions by status.
type PositionCounter interface {
	Counts(ctx context.Context) (map[domain.PositionStatus]int, error)
}

// MirroredPrice reads back the price last published to the shared mirror.
type MirroredPrice interface {
	GetPrice(ctx context.Context, asset string) (domain.PriceSample, error)
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	prices    PriceStatus
	positions PositionCounter
	mirror    MirroredPrice
	asset     string
	clock     schedule.Clock
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. mirror may be nil when no shared
// price mirror is configured.
func NewHealthHandler(prices PriceStatus, positions PositionCounter, mirror MirroredPrice, asset string, clock schedule.Clock, logger *slog.Logger) *HealthHandler {
	if clock == nil {
		clock = schedule.SystemClock
	}
	return &HealthHandler{
		prices:    prices,
		positions: positions,
		mirror:    mirror,
		asset:     asset,
		clock:     clock,
		logger:    logger.With(slog.String("handler", "health")),
	}
}

type priceReport struct {
	Source      string    `json:"source"`
	Synthetic   bool      `json:"synthetic"`
	Samples     int       `json:"samples"`
	Cursor      int       `json:"cursor"`
	Date        string    `json:"date"`
	Price       string    `json:"price"`
	RefreshedAt time.Time `json:"refreshed_at"`
	Mirrored    string    `json:"mirrored,omitempty"`
}

type healthReport struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Price     priceReport    `json:"price"`
	Positions map[string]int `json:"positions"`
	Errors    []string       `json:"errors,omitempty"`
}

// ServeHTTP reports "ok" when a positive price is loaded and the mirror can
// be read, "degraded" with a 503 otherwise.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := h.prices.Status()
	report := healthReport{
		Status:    "ok",
		Timestamp: h.clock.Now(),
		Price: priceReport{
			Source:      st.Source,
			Synthetic:   st.Synthetic,
			Samples:     st.Samples,
			Cursor:      st.Cursor,
			Price:       st.Current.Price.String(),
			RefreshedAt: st.RefreshedAt,
		},
		Positions: map[string]int{},
	}
	if !st.Current.Date.IsZero() {
		report.Price.Date = st.Current.Date.Format(time.DateOnly)
	}
	if st.Current.Price.Sign() <= 0 {
		report.Errors = append(report.Errors, "no price loaded")
	}

	counts, err := h.positions.Counts(ctx)
	if err != nil {
		report.Errors = append(report.Errors, "positions: "+err.Error())
	}
	for status, n := range counts {
		report.Positions[string(status)] = n
	}

	if h.mirror != nil {
		sample, err := h.mirror.GetPrice(ctx, h.asset)
		switch {
		case err == nil:
			report.Price.Mirrored = sample.Price.String()
		case errors.Is(err, domain.ErrNotFound):
			// Nothing published yet.
		default:
			h.logger.WarnContext(ctx, "price mirror read failed", slog.String("error", err.Error()))
			report.Errors = append(report.Errors, "price mirror: "+err.Error())
		}
	}

	status := http.StatusOK
	if len(report.Errors) > 0 {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
