// Package httpapi serves the relayer's HTTP surface: sponsored transaction
// submission, health, and metrics, following the reference gateway's
// chi-router-plus-middleware-stack shape.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"onsocial-core/gateway/middleware"
	"onsocial-core/native/dispatch"
	"onsocial-core/observability"
	"onsocial-core/relayer"
)

// SponsorService executes a dispatch action under a leased, KMS-signed
// access key and reports the outcome. *relayer.Coordinator satisfies this.
type SponsorService interface {
	Sponsor(ctx context.Context, receiverID string, req dispatch.Request) (relayer.SponsorResult, error)
}

// Config configures the router.
type Config struct {
	Sponsor       SponsorService
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

// New builds the relayer's HTTP router: POST /sponsor, GET /health, GET
// /metrics.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware("root"))
	}

	r.Get("/health", handleHealth)

	r.Route("/sponsor", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware("sponsor"))
		}
		sr.Post("/", handleSponsor(cfg.Sponsor))
	})

	// Domain metrics (key pool, KMS, circuit breakers, storage) register
	// against the default Prometheus registerer, so /metrics is served from
	// there rather than the observability middleware's private registry.
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type sponsorRequest struct {
	ReceiverID string          `json:"receiverId"`
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	Params     json.RawMessage `json:"params"`
}

type sponsorResponse struct {
	RequestID   string          `json:"requestId"`
	Ok          bool            `json:"ok"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	TxHash      string          `json:"txHash,omitempty"`
	Broadcasted bool            `json:"broadcasted"`
}

func handleSponsor(svc SponsorService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		var body sponsorRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.ReceiverID == "" || body.Action == "" || body.Actor == "" {
			writeError(w, requestID, http.StatusBadRequest, "receiverId, action, and actor are required")
			return
		}

		start := time.Now()
		result, err := svc.Sponsor(r.Context(), body.ReceiverID, dispatch.Request{
			Action: body.Action,
			Actor:  body.Actor,
			Params: body.Params,
		})
		if err != nil {
			observability.RelayerHTTP().Observe("/sponsor", http.StatusBadGateway, time.Since(start))
			writeError(w, requestID, http.StatusBadGateway, err.Error())
			return
		}

		resp := sponsorResponse{
			RequestID:   requestID,
			Ok:          result.Response.Ok,
			Data:        result.Response.Data,
			Error:       result.Response.Error,
			TxHash:      result.TxHash,
			Broadcasted: result.Broadcasted,
		}
		status := http.StatusOK
		if !result.Response.Ok {
			status = http.StatusUnprocessableEntity
		}
		observability.RelayerHTTP().Observe("/sponsor", status, time.Since(start))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(sponsorResponse{RequestID: requestID, Ok: false, Error: message})
}
