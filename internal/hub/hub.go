// Package hub serves bridge peers over websockets and exposes them over HTTP.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/framjet-bridge/bridge"
	"github.com/gaspardpetit/framjet-bridge/internal/logx"
	"github.com/gaspardpetit/framjet-bridge/internal/peer"
	"github.com/gaspardpetit/framjet-bridge/metrics"
	"github.com/gaspardpetit/framjet-bridge/rpc"
	"github.com/gaspardpetit/framjet-bridge/transport/wsconn"
)

const maxCallBody = 1 << 20

// Config holds hub settings.
type Config struct {
	// BridgeID is used when the connecting client does not pass ?id=.
	BridgeID       string
	Bridge         bridge.Options
	AllowedOrigins []string
	CallTimeout    time.Duration
	// OnPeer runs for every accepted peer before its handshake completes.
	OnPeer func(*peer.Peer)
}

// Hub tracks one peer per websocket connection.
type Hub struct {
	cfg      Config
	log      zerolog.Logger
	registry *prometheus.Registry
	draining atomic.Bool

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	id        string
	peer      *peer.Peer
	conn      *wsconn.Conn
	connected time.Time
}

// PeerStatus describes a connected peer.
type PeerStatus struct {
	ID              string    `json:"id"`
	BridgeID        string    `json:"bridgeId"`
	Origin          string    `json:"origin"`
	State           string    `json:"state"`
	HandshakeFailed bool      `json:"handshakeFailed,omitempty"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastPong        time.Time `json:"lastPong,omitzero"`
	Pending         int       `json:"pending"`
}

// New creates a hub with its own metrics registry.
func New(cfg Config) *Hub {
	if cfg.BridgeID == "" {
		cfg.BridgeID = "default"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = rpc.DefaultTimeout
	}
	preg := prometheus.NewRegistry()
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg)
	return &Hub{
		cfg:      cfg,
		log:      logx.Component("hub"),
		registry: preg,
		sessions: make(map[string]*session),
	}
}

// Handler constructs the HTTP handler for the hub.
func (h *Hub) Handler() http.Handler {
	r := chi.NewRouter()
	if len(h.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Get("/healthz", h.healthz)
	r.Get("/bridge", h.accept)
	r.Route("/peers", func(pr chi.Router) {
		pr.Get("/", h.listPeers)
		pr.Post("/{id}/call/{command}", h.call)
	})
	r.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	return r
}

// Peer returns the connected peer with the given session id.
func (h *Hub) Peer(id string) (*peer.Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil, false
	}
	return s.peer, true
}

// Peers reports every connected peer ordered by connection time.
func (h *Hub) Peers() []PeerStatus {
	h.mu.RLock()
	out := make([]PeerStatus, 0, len(h.sessions))
	for _, s := range h.sessions {
		b := s.peer.Bridge
		out = append(out, PeerStatus{
			ID:              s.id,
			BridgeID:        b.ID(),
			Origin:          s.conn.RemoteOrigin(),
			State:           b.State().String(),
			HandshakeFailed: b.HandshakeFailed(),
			ConnectedAt:     s.connected,
			LastPong:        b.LastPong(),
			Pending:         len(s.peer.RPC.Pending()),
		})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Drain refuses new connections while existing peers keep running.
func (h *Hub) Drain() { h.draining.Store(true) }

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.Close()
	}
}

func (h *Hub) healthz(w http.ResponseWriter, _ *http.Request) {
	if h.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (h *Hub) accept(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	bridgeID := r.URL.Query().Get("id")
	if bridgeID == "" {
		bridgeID = h.cfg.BridgeID
	}
	conn, err := wsconn.Accept(w, r, wsconn.Options{OriginPatterns: originPatterns(h.cfg.AllowedOrigins)})
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	s := &session{
		id:        uuid.NewString(),
		conn:      conn,
		connected: time.Now(),
	}
	s.peer = peer.New(bridgeID, conn, h.cfg.Bridge, rpc.WithDefaultTimeout(h.cfg.CallTimeout))
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	if h.cfg.OnPeer != nil {
		h.cfg.OnPeer(s.peer)
	}
	h.log.Info().Str("session", s.id).Str("bridge_id", bridgeID).Str("origin", conn.RemoteOrigin()).Msg("peer connected")
	go h.watch(s)
}

func (h *Hub) watch(s *session) {
	<-s.conn.Done()
	s.peer.Close()
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.log.Info().Str("session", s.id).AnErr("reason", s.conn.Err()).Msg("peer disconnected")
}

func (h *Hub) listPeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Peers())
}

func (h *Hub) call(w http.ResponseWriter, r *http.Request) {
	p, ok := h.Peer(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "unknown peer", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var input any
	if len(body) > 0 {
		if !json.Valid(body) {
			http.Error(w, "body must be JSON", http.StatusBadRequest)
			return
		}
		input = json.RawMessage(body)
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.CallTimeout+time.Second)
	defer cancel()
	out, err := p.RPC.Call(ctx, chi.URLParam(r, "command"), input)
	switch {
	case err == nil:
		if len(out) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, json.RawMessage(rpc.MarshalError(err)))
	case errors.Is(err, bridge.ErrDestroyed):
		http.Error(w, "peer gone", http.StatusGone)
	default:
		writeJSON(w, http.StatusBadGateway, json.RawMessage(errorBody(err)))
	}
}

// errorBody returns the peer's error record, or the raw rejection value.
func errorBody(err error) []byte {
	var oe *rpc.OpaqueError
	if errors.As(err, &oe) && len(oe.Value) > 0 {
		return oe.Value
	}
	return rpc.MarshalError(err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// originPatterns strips schemes since websocket origin patterns match hosts.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if _, host, ok := strings.Cut(wsconn.OriginOf(o), "://"); ok {
			out = append(out, host)
			continue
		}
		out = append(out, o)
	}
	return out
}
