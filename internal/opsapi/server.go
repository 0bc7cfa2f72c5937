// Package opsapi is the operator HTTP surface: the approval queue, offer
// responses, order and driver intake, and read-only fleet statistics.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ppiankov/dispatchwatch/internal/alert"
	"github.com/ppiankov/dispatchwatch/internal/approval"
	"github.com/ppiankov/dispatchwatch/internal/dispatch"
	"github.com/ppiankov/dispatchwatch/internal/escalation"
	"github.com/ppiankov/dispatchwatch/internal/model"
	"github.com/ppiankov/dispatchwatch/internal/orchestrator"
	"github.com/ppiankov/dispatchwatch/internal/policy"
	"github.com/ppiankov/dispatchwatch/internal/store"
	"github.com/ppiankov/dispatchwatch/internal/telemetry"
)

type (
	Responder interface {
		Respond(orderID, driverID string, accept bool) error
	}
	Escalations interface {
		SLAStatus(ctx context.Context) (escalation.SLAStatus, error)
		Recent(n int) []escalation.Record
		Statistics() escalation.Stats
	}
	Cycles interface {
		Last() (orchestrator.Report, bool)
		Insights() map[policy.ActionType]orchestrator.Insight
	}
	AlertLog interface {
		Recent(n int) []alert.AlertEvent
	}
	Metrics interface {
		Snapshot(ctx context.Context) ([]telemetry.Sample, error)
	}
	GateStats interface {
		Statistics(window string) policy.Stats
	}
)

// Deps are the services the API reads and drives. Nil optional services
// answer 503 on their routes.
type Deps struct {
	Store        store.Store
	Approvals    *approval.Store
	Gate         GateStats
	Offers       Responder
	Escalations  Escalations
	Orchestrator Cycles
	Alerts       AlertLog
	Metrics      Metrics
	Logger       *slog.Logger
}

// Operator is the resolver recorded when a request names nobody.
const Operator = "ops-api"

type handler struct{ Deps }

// NewRouter mounts every route.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := handler{d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/approvals", func(r chi.Router) {
		r.Get("/", h.listApprovals)
		r.Get("/{id}", h.getApproval)
		r.Post("/{id}/approve", h.resolve(true))
		r.Post("/{id}/reject", h.resolve(false))
	})

	r.Post("/offers/{orderID}/respond", h.respond)

	r.Post("/orders", h.upsertOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/drivers", h.upsertDriver)
	r.Post("/drivers/{id}/location", h.updateLocation)

	r.Get("/stats", h.stats)
	r.Get("/sla", h.sla)
	r.Get("/escalations", h.escalations)
	r.Get("/alerts", h.alerts)
	r.Get("/orchestrator", h.orchestrator)
	r.Get("/metrics", h.metrics)
	return r
}

// Serve runs the API on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("ops api listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errUnavailable = errors.New("service not configured")

func (h handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	if h.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var (
		tickets []approval.Ticket
		err     error
	)
	if r.URL.Query().Get("status") == "all" {
		tickets, err = h.Approvals.List()
	} else {
		tickets, err = h.Approvals.Pending()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tickets == nil {
		tickets = []approval.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h handler) getApproval(w http.ResponseWriter, r *http.Request) {
	if h.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	t, err := h.Approvals.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, ticketStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type resolveReq struct {
	Resolver string `json:"resolver"`
	Note     string `json:"note"`
}

func (h handler) resolve(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Approvals == nil {
			writeError(w, http.StatusServiceUnavailable, errUnavailable)
			return
		}
		var req resolveReq
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		if req.Resolver == "" {
			req.Resolver = Operator
		}
		id := chi.URLParam(r, "id")
		var (
			t   *approval.Ticket
			err error
		)
		if approve {
			t, err = h.Approvals.Approve(id, req.Resolver, req.Note)
		} else {
			t, err = h.Approvals.Reject(id, req.Resolver, req.Note)
		}
		if err != nil {
			writeError(w, ticketStatus(err), err)
			return
		}
		h.Logger.Info("approval resolved", "ticket_id", id, "status", t.Status, "resolver", req.Resolver)
		writeJSON(w, http.StatusOK, t)
	}
}

func ticketStatus(err error) int {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrNotPending), errors.Is(err, approval.ErrConsumed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

type respondReq struct {
	DriverID string `json:"driver_id"`
	Accept   bool   `json:"accept"`
}

func (h handler) respond(w http.ResponseWriter, r *http.Request) {
	if h.Offers == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var req respondReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, errors.New(`invalid body: {"driver_id":"...","accept":true}`))
		return
	}
	orderID := chi.URLParam(r, "orderID")
	if err := h.Offers.Respond(orderID, req.DriverID, req.Accept); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dispatch.ErrNoOpenOffer) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"order_id": orderID, "driver_id": req.DriverID, "accept": req.Accept})
}

func (h handler) upsertOrder(w http.ResponseWriter, r *http.Request) {
	var o model.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil || o.ID == "" {
		writeError(w, http.StatusBadRequest, errors.New("invalid order: id is required"))
		return
	}
	if o.Deadline.IsZero() {
		writeError(w, http.StatusBadRequest, errors.New("invalid order: deadline is required"))
		return
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if err := h.Store.UpsertOrder(r.Context(), o); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Store.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h handler) upsertDriver(w http.ResponseWriter, r *http.Request) {
	var d model.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil || d.ID == "" {
		writeError(w, http.StatusBadRequest, errors.New("invalid driver: id is required"))
		return
	}
	if d.Status == "" {
		d.Status = model.DriverAvailable
	}
	if d.LastLocationAt.IsZero() {
		d.LastLocationAt = time.Now().UTC()
	}
	if err := h.Store.UpsertDriver(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h handler) updateLocation(w http.ResponseWriter, r *http.Request) {
	var p model.Point
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.Store.UpdateDriverLocation(r.Context(), id, p, time.Now().UTC()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handler) stats(w http.ResponseWriter, r *http.Request) {
	if h.Gate == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	window := r.URL.Query().Get("window")
	if window == "" {
		window = "24h"
	}
	writeJSON(w, http.StatusOK, h.Gate.Statistics(window))
}

func (h handler) sla(w http.ResponseWriter, r *http.Request) {
	if h.Escalations == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	st, err := h.Escalations.SLAStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func limit(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func (h handler) escalations(w http.ResponseWriter, r *http.Request) {
	if h.Escalations == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recent": h.Escalations.Recent(limit(r, 50)),
		"stats":  h.Escalations.Statistics(),
	})
}

func (h handler) alerts(w http.ResponseWriter, r *http.Request) {
	if h.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Alerts.Recent(limit(r, 50)))
}

func (h handler) orchestrator(w http.ResponseWriter, _ *http.Request) {
	if h.Orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	resp := map[string]any{"insights": h.Orchestrator.Insights()}
	if last, ok := h.Orchestrator.Last(); ok {
		resp["last_cycle"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h handler) metrics(w http.ResponseWriter, r *http.Request) {
	if h.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	samples, err := h.Metrics.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}
