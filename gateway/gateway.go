// Package gateway exposes the transfer orchestrator over HTTP: job creation,
// cancellation, status queries and a live progress stream per job.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	kithttputil "github.com/rudderlabs/rudder-go-kit/httputil"
	"github.com/rudderlabs/rudder-go-kit/logger"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/counselsync/transferd/jsonrs"
	"github.com/counselsync/transferd/notifier"
	"github.com/counselsync/transferd/transfer"
	"github.com/counselsync/transferd/utils/crash"
)

type startTransferResponse struct {
	JobID      string `json:"jobId"`
	TotalItems int    `json:"totalItems"`
}

type cancelTransferResponse struct {
	Accepted bool `json:"accepted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handle is the HTTP boundary of the orchestrator.
type Handle struct {
	logger   logger.Logger
	registry *transfer.Registry
	notifier *notifier.Gateway

	config struct {
		webPort           int
		readHeaderTimeout time.Duration
		maxRequestSize    int64
	}
}

// New creates the HTTP boundary around the given registry and notification
// gateway.
func New(conf *config.Config, log logger.Logger, registry *transfer.Registry, notifierGateway *notifier.Gateway) *Handle {
	h := &Handle{
		logger:   log.Child("gateway"),
		registry: registry,
		notifier: notifierGateway,
	}
	h.config.webPort = conf.GetIntVar(8086, 1, "Gateway.webPort")
	h.config.readHeaderTimeout = conf.GetDurationVar(3, time.Second, "Gateway.readHeaderTimeout")
	h.config.maxRequestSize = int64(conf.GetIntVar(512*1024, 1, "Gateway.maxRequestSize"))
	return h
}

// Handler returns the full route tree.
func (h *Handle) Handler() http.Handler {
	srvMux := chi.NewRouter()
	srvMux.Get("/health", h.healthHandler)
	srvMux.Route("/v1/transfers", func(r chi.Router) {
		r.Post("/", h.startTransferHandler)
		r.Get("/{jobId}", h.statusHandler)
		r.Post("/{jobId}/cancel", h.cancelTransferHandler)
		r.Get("/{jobId}/events", h.eventsHandler)
	})
	return crash.Handler(cors.AllowAll().Handler(srvMux))
}

// StartServer runs the HTTP server until the context is done, then shuts it
// down gracefully.
func (h *Handle) StartServer(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", h.config.webPort),
		Handler:           h.Handler(),
		ReadHeaderTimeout: h.config.readHeaderTimeout,
	}
	h.logger.Infon("starting transfer gateway", logger.NewIntField("port", int64(h.config.webPort)))
	return kithttputil.ListenAndServe(ctx, srv)
}

func (h *Handle) startTransferHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.maxRequestSize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	tenantID := gjson.GetBytes(body, "tenantId").String()
	items := lo.Map(gjson.GetBytes(body, "items").Array(), func(item gjson.Result, _ int) string {
		return item.String()
	})

	jobID, err := h.registry.Create(tenantID, items)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, startTransferResponse{JobID: jobID, TotalItems: len(items)})
}

func (h *Handle) statusHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := h.registry.Get(chi.URLParam(r, "jobId"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	h.writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handle) cancelTransferHandler(w http.ResponseWriter, r *http.Request) {
	accepted := h.registry.Cancel(chi.URLParam(r, "jobId"))
	h.writeJSON(w, http.StatusOK, cancelTransferResponse{Accepted: accepted})
}

// eventsHandler is the live progress channel: a server-sent events stream that
// stays open until the client goes away. The connection joins the job's
// notification channel after the gateway has authorized the requesting user.
func (h *Handle) eventsHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	tenantID := r.URL.Query().Get("tenantId")
	userID := r.URL.Query().Get("userId")
	if tenantID == "" || userID == "" {
		h.writeError(w, http.StatusBadRequest, "tenantId and userId are required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming is not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := newSSEConn(w, flusher)
	if err := h.notifier.Subscribe(r.Context(), conn, jobID, tenantID, userID); err != nil {
		h.logger.Warnn("subscription rejected",
			logger.NewStringField("jobId", jobID),
			obskit.Error(err),
		)
		return
	}
	defer h.notifier.Disconnect(conn)

	<-r.Context().Done()
}

func (h *Handle) healthHandler(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "app": "transferd"})
}

func (h *Handle) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsonrs.Marshal(v)
	if err != nil {
		h.logger.Errorn("failed to marshal response", obskit.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (h *Handle) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}
