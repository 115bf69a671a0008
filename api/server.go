// Package api exposes a running PeerNetwork over HTTP for operators: stats,
// the peer table, manual sends and lifecycle control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ogzhanolguncu/peernet/assertions"
	"github.com/ogzhanolguncu/peernet/node"
	"github.com/ogzhanolguncu/peernet/peer"
	"github.com/ogzhanolguncu/peernet/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	mimeJson = "application/json"

	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	maxBodyBytes = 1 << 20
)

// Network is the part of node.PeerNetwork the API drives.
type Network interface {
	Stats() node.Stats
	Peers() []peer.Snapshot
	Broadcast(msgType string, data map[string]any)
	SendToPeer(peerID, msgType string, data map[string]any)
	Reconnect() error
	Disconnect()
}

// MessageRequest is the body of /broadcast and /peers/{id}/send.
type MessageRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Server is the admin HTTP server of one node.
type Server struct {
	network Network
	logger  *slog.Logger
	httpSrv *http.Server
}

func NewServer(addr string, network Network, logLevel slog.Level) *Server {
	assertions.Assert(addr != "", "api address cannot be empty")
	assertions.AssertNotNil(network, "network cannot be nil")

	s := &Server{
		network: network,
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})).With("[API]", addr),
	}
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler returns the chi router with every admin route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/stats", s.handleStats)
	r.Get("/peers", s.handlePeers)
	r.Post("/broadcast", s.handleBroadcast)
	r.Post("/peers/{id}/send", s.handleSend)
	r.Post("/reconnect", s.handleReconnect)
	r.Post("/disconnect", s.handleDisconnect)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("admin api listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.network.Stats())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.network.Peers())
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	req, err := decodeMessage(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.network.Stats().IsConnected {
		writeError(w, http.StatusServiceUnavailable, "node is not connected")
		return
	}

	active := 0
	for _, p := range s.network.Peers() {
		if p.State == peer.Active {
			active++
		}
	}
	s.network.Broadcast(req.Type, req.Data)
	s.logger.Debug("broadcast queued", "type", req.Type, "peers", active,
		"request_id", middleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]any{"type": req.Type, "peers": active})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := decodeMessage(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.network.Stats().IsConnected {
		writeError(w, http.StatusServiceUnavailable, "node is not connected")
		return
	}
	if !s.reachable(id) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("peer %s is not connected", id))
		return
	}

	s.network.SendToPeer(id, req.Type, req.Data)
	s.logger.Debug("unicast queued", "peer", id, "type", req.Type,
		"request_id", middleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"type": req.Type, "peer": id})
}

// reachable reports whether id has a stream SendToPeer can use.
func (s *Server) reachable(id string) bool {
	for _, p := range s.network.Peers() {
		if p.ID == id {
			return p.State == peer.Active || p.State == peer.Stale
		}
	}
	return false
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.network.Reconnect(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Info("reconnect requested over api")
	writeJSON(w, http.StatusAccepted, s.network.Stats())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.network.Disconnect()
	s.logger.Info("disconnect requested over api")
	writeJSON(w, http.StatusOK, s.network.Stats())
}

func decodeMessage(w http.ResponseWriter, r *http.Request) (MessageRequest, error) {
	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Type == "" {
		return req, fmt.Errorf("type cannot be empty")
	}
	if req.Type == protocol.TypeHello || req.Type == protocol.TypeHeartbeat {
		return req, fmt.Errorf("type %s is reserved", req.Type)
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", mimeJson)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
