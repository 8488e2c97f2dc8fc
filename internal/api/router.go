/**
 * @description
 * This file sets up the HTTP router for the settlement-service. Task endpoints are
 * mounted only for the roles this instance runs; operator reads sit behind JWT auth.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transfa/settlement-service/internal/app"
)

// SettlementRoutes creates the router for the settlement service.
func SettlementRoutes(h *SettlementHandlers, auth AuthConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	if h.orchestrator != nil {
		r.Post("/hooks/payment-confirmed", h.PaymentHookHandler)
		r.Post(app.PathPaymentConfirmed, h.PaymentConfirmedHandler)
		r.Post(app.PathEstimate, h.EstimateHandler)
		r.Post(app.PathExchangeStatus, h.ExchangeStatusHandler)
		r.Post(app.PathPayoutReport, h.PayoutReportHandler)

		r.Group(func(r chi.Router) {
			r.Use(OperatorAuthMiddleware(auth))
			r.Get("/settlements/{id}", h.GetSettlementHandler)
			r.Get("/settlements/by-payment/{paymentID}", h.GetSettlementByPaymentHandler)
			if h.accumulations != nil {
				r.Get("/accumulations/{clientID}", h.ListAccumulationsHandler)
			}
		})
	}

	if h.executor != nil {
		r.Post(app.PathExecute, h.ExecuteHandler)
		r.Post(app.PathConfirm, h.ConfirmHandler)
	}

	return r
}
