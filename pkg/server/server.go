// Package server exposes the Bundle Service's caller-facing operations
// over HTTP via gorilla/mux, plus a prometheus /metrics endpoint and a
// websocket sync listener. It is a thin adapter, not itself specified by
// spec.md §6.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solarmesh/btc/pkg/bundle"
	"github.com/solarmesh/btc/pkg/metrics"
	"github.com/solarmesh/btc/pkg/service"
	"github.com/solarmesh/btc/pkg/syncproto"
)

// Server wires the Bundle Service into an HTTP router.
type Server struct {
	bundles *service.Service
	sync    *syncproto.Session
	metrics *metrics.Collectors
	logger  *log.Logger
}

// New creates an HTTP Server. syncSession may be nil if this node does not
// accept inbound sync connections.
func New(bundles *service.Service, syncSession *syncproto.Session, collectors *metrics.Collectors) *Server {
	return &Server{
		bundles: bundles,
		sync:    syncSession,
		metrics: collectors,
		logger:  log.New(log.Writer(), "[http] ", log.LstdFlags),
	}
}

// Router builds the gorilla/mux router exposing all BTC HTTP endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/bundles", s.handleCreateBundle).Methods(http.MethodPost)
	r.HandleFunc("/bundles/receive", s.handleReceiveBundle).Methods(http.MethodPost)
	r.HandleFunc("/bundles/{id}", s.handleGetBundle).Methods(http.MethodGet)
	r.HandleFunc("/bundles/{id}/move-to-pending", s.handleMoveToPending).Methods(http.MethodPost)
	r.HandleFunc("/bundles/{id}/mark-delivered", s.handleMarkDelivered).Methods(http.MethodPost)

	r.HandleFunc("/queues/{queue}", s.handleListQueue).Methods(http.MethodGet)
	r.HandleFunc("/queues/{queue}/count", s.handleCountQueue).Methods(http.MethodGet)

	r.HandleFunc("/stats/cache", s.handleCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/stats/forwarding", s.handleForwardingStats).Methods(http.MethodGet)
	r.HandleFunc("/stats/trust", s.handleTrustStats).Methods(http.MethodGet)

	if s.sync != nil {
		r.HandleFunc("/sync", s.handleSync).Methods(http.MethodGet)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "nodeId": s.bundles.NodeID()})
}

type createBundleRequest struct {
	Payload       map[string]interface{} `json:"payload"`
	PayloadType   string                 `json:"payloadType"`
	Topic         string                 `json:"topic"`
	Priority      bundle.Priority        `json:"priority"`
	Audience      bundle.Audience        `json:"audience"`
	Tags          []string               `json:"tags"`
	TTLSeconds    int                    `json:"ttlSeconds"`
	ReceiptPolicy bundle.ReceiptPolicy   `json:"receiptPolicy"`
}

func (s *Server) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	var req createBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ttl := secondsToDuration(req.TTLSeconds)
	b, err := s.bundles.CreateBundle(r.Context(), req.Payload, req.PayloadType, req.Topic, req.Priority, req.Audience, req.Tags, ttl, req.ReceiptPolicy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleReceiveBundle(w http.ResponseWriter, r *http.Request) {
	var b bundle.Bundle
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	accepted, reason := s.bundles.ReceiveBundle(r.Context(), &b)
	writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": accepted, "reason": reason})
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	requester := r.URL.Query().Get("requester")
	b, err := s.bundles.GetBundle(r.Context(), id, requester)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleMoveToPending(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ok, err := s.bundles.MoveToPending(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"moved": ok})
}

func (s *Server) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ok, err := s.bundles.MarkDelivered(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"moved": ok})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	q := bundle.Queue(mux.Vars(r)["queue"])
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	bundles, err := s.bundles.ListBundles(r.Context(), q, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, bundles)
}

func (s *Server) handleCountQueue(w http.ResponseWriter, r *http.Request) {
	q := bundle.Queue(mux.Vars(r)["queue"])
	n, err := s.bundles.CountQueue(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.bundles.GetCacheStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleForwardingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.bundles.GetForwardingStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTrustStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bundles.GetTrustStats())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	t, err := syncproto.UpgradeHTTP(w, r)
	if err != nil {
		s.logger.Printf("sync upgrade failed: %v", err)
		return
	}
	defer t.Close()

	for {
		msg, err := t.Receive(r.Context())
		if err != nil {
			return
		}
		reply, err := s.sync.HandleIncoming(r.Context(), msg)
		if err != nil {
			s.logger.Printf("sync handling error: %v", err)
			return
		}
		if err := t.Send(r.Context(), reply); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
