package query

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cdrsync/pkg/datastore"
)

// Handler serves the read-only CDR endpoints
type Handler struct {
	Reader datastore.Reader
	logger *zap.Logger
}

// NewHandler creates a new query handler
func NewHandler(reader datastore.Reader, logger *zap.Logger) *Handler {
	return &Handler{
		Reader: reader,
		logger: logger,
	}
}

// Router wires the query endpoints, plus /metrics when gatherer is not nil
func (h *Handler) Router(gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/details", h.HandleDetails).Methods(http.MethodGet)
	router.HandleFunc("/summary", h.HandleSummary).Methods(http.MethodGet)
	router.HandleFunc("/logs", h.HandleLogs).Methods(http.MethodGet)
	router.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)

	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return router
}

// HandleDetails lists every CDR, most recent call first
func (h *Handler) HandleDetails(w http.ResponseWriter, r *http.Request) {
	records, err := h.Reader.Details(r.Context())
	if err != nil {
		h.fail(w, "details", err)
		return
	}
	h.writeJSON(w, records)
}

// HandleSummary counts a customer's CDRs per call id and day
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	custID, err := strconv.ParseInt(r.URL.Query().Get("cust_id"), 10, 64)
	if err != nil {
		http.Error(w, "cust_id must be an integer", http.StatusBadRequest)
		return
	}

	summary, err := h.Reader.Summary(r.Context(), custID)
	if err != nil {
		h.fail(w, "summary", err)
		return
	}
	h.writeJSON(w, summary)
}

// HandleLogs lists every CDR, most recently added first
func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	records, err := h.Reader.Logs(r.Context())
	if err != nil {
		h.fail(w, "logs", err)
		return
	}
	h.writeJSON(w, records)
}

// HandleHealth reports whether the database is reachable
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.Reader.Ping(r.Context()); err != nil {
		h.logger.Warn("Health check failed", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	h.writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) fail(w http.ResponseWriter, name string, err error) {
	h.logger.Error("Failure executing query", zap.String("query", name), zap.Error(err))
	http.Error(w, "Failure executing "+name, http.StatusInternalServerError)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}
