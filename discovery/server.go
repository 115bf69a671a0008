package discovery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ogzhanolguncu/peernet/assertions"
	"github.com/ogzhanolguncu/peernet/metrics"
	"github.com/ogzhanolguncu/peernet/peer"
)

// Server is the bootstrap endpoint: nodes register under their ID, refresh
// the registration with heartbeats and list each other through /peers.
type Server struct {
	addr            string
	cleanupInterval time.Duration
	knownPeers      map[string]*registration
	mu              sync.Mutex
	httpSrv         *http.Server
	logger          *slog.Logger
	done            chan struct{}
	stopOnce        sync.Once
}

type registration struct {
	info     peer.Info
	lastSeen time.Time
}

// RegisterRequest is the body of /register and /heartbeat.
type RegisterRequest struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

func NewServer(addr string, cleanupInterval time.Duration, logLevel slog.Level) *Server {
	assertions.Assert(addr != "", "discovery server address cannot be empty")
	assertions.Assert(cleanupInterval > 0, "cleanup interval must be positive")

	ds := &Server{
		addr:            addr,
		cleanupInterval: cleanupInterval,
		knownPeers:      make(map[string]*registration),
		done:            make(chan struct{}),
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})).With("[DISCOVERY]", addr),
	}

	assertions.AssertNotNil(ds.knownPeers, "peers map must be initialized")
	assertions.AssertNotNil(ds.done, "done channel must be initialized")

	ds.httpSrv = &http.Server{
		Handler:      ds.Handler(),
		Addr:         addr,
		ReadTimeout:  httpSrvReadTimeout,
		WriteTimeout: httpSrvWriteTimeout,
	}

	go ds.cleanupInactivePeers()
	return ds
}

// Handler returns the chi router with every discovery route mounted.
func (ds *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post(registerEndpoint, ds.handleRegister)
	r.Post(heartbeatEndpoint, ds.handleHeartbeat)
	r.Get(peersEndpoint, ds.handlePeers)
	r.Delete(peersEndpoint+"/{id}", ds.handleDeregister)
	r.Get(healthEndpoint, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (ds *Server) Start() error {
	assertions.AssertNotNil(ds.httpSrv, "HTTP server cannot be nil")

	ds.logger.Info("discovery server listening")
	return ds.httpSrv.ListenAndServe()
}

// Stop halts cleanup and closes the listener. Later calls return nil.
func (ds *Server) Stop() error {
	var err error
	ds.stopOnce.Do(func() {
		close(ds.done)
		err = ds.httpSrv.Close()
	})
	return err
}

// Peers lists the current registrations sorted by ID.
func (ds *Server) Peers() []peer.Info {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.sortedPeersLocked()
}

func (ds *Server) sortedPeersLocked() []peer.Info {
	peerList := make([]peer.Info, 0, len(ds.knownPeers))
	for _, reg := range ds.knownPeers {
		assertions.Assert(reg.info.Addr != "", "peer address cannot be empty")
		peerList = append(peerList, reg.info)
	}
	sort.Slice(peerList, func(i, j int) bool { return peerList[i].ID < peerList[j].ID })

	assertions.AssertEqual(len(peerList), len(ds.knownPeers), "peer list must contain all known peers")
	return peerList
}

func decodeRegistration(r *http.Request) (RegisterRequest, error) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if req.ID == "" {
		return req, fmt.Errorf("id cannot be empty")
	}
	if req.Addr == "" {
		return req, fmt.Errorf("address cannot be empty")
	}
	return req, nil
}

func (ds *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRegistration(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ds.mu.Lock()
	previous, existed := ds.knownPeers[req.ID]
	ds.knownPeers[req.ID] = &registration{
		info:     peer.Info{ID: req.ID, Addr: req.Addr},
		lastSeen: time.Now(),
	}
	count := len(ds.knownPeers)
	assertions.AssertNotNil(ds.knownPeers[req.ID], "peer must be in map after registration")
	ds.mu.Unlock()

	metrics.DiscoveryRegistered.Set(float64(count))
	if existed && previous.info.Addr != req.Addr {
		ds.logger.Info("peer re-registered with new address", "peer", req.ID, "old", previous.info.Addr, "addr", req.Addr)
	} else {
		ds.logger.Info("registered peer", "peer", req.ID, "addr", req.Addr)
	}
	writeJSON(w, http.StatusOK, map[string]int{"peers": count})
}

// handleHeartbeat refreshes a registration. An unknown ID, e.g. one dropped
// by cleanup during a long pause, is registered again.
func (ds *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRegistration(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ds.mu.Lock()
	reg, found := ds.knownPeers[req.ID]
	if found {
		reg.info.Addr = req.Addr
		reg.lastSeen = time.Now()
	} else {
		ds.knownPeers[req.ID] = &registration{
			info:     peer.Info{ID: req.ID, Addr: req.Addr},
			lastSeen: time.Now(),
		}
	}
	count := len(ds.knownPeers)
	ds.mu.Unlock()

	if !found {
		metrics.DiscoveryRegistered.Set(float64(count))
		ds.logger.Info("heartbeat from unknown peer, registered again", "peer", req.ID)
	} else {
		ds.logger.Debug("heartbeat received", "peer", req.ID)
	}
	w.WriteHeader(http.StatusOK)
}

func (ds *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	ds.mu.Lock()
	peerList := ds.sortedPeersLocked()
	ds.mu.Unlock()

	tag := etag(peerList)
	w.Header().Set("ETag", tag)
	if r.Header.Get("If-None-Match") == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, peerList)
}

func (ds *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// chi matches on the raw path when the request carries escaped slashes.
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(id); err == nil {
			id = unescaped
		}
	}

	ds.mu.Lock()
	_, found := ds.knownPeers[id]
	delete(ds.knownPeers, id)
	count := len(ds.knownPeers)
	ds.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "unknown peer "+id)
		return
	}
	metrics.DiscoveryRegistered.Set(float64(count))
	ds.logger.Info("peer deregistered", "peer", id)
	w.WriteHeader(http.StatusNoContent)
}

func (ds *Server) cleanupInactivePeers() {
	ticker := time.NewTicker(ds.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ds.removeInactive(time.Now())
		case <-ds.done:
			return
		}
	}
}

func (ds *Server) removeInactive(now time.Time) int {
	ds.mu.Lock()
	initialCount := len(ds.knownPeers)
	removedCount := 0
	for id, reg := range ds.knownPeers {
		if now.Sub(reg.lastSeen) > ds.cleanupInterval {
			delete(ds.knownPeers, id)
			removedCount++
			ds.logger.Info("inactive peer removed", "peer", id, "addr", reg.info.Addr)
		}
	}
	assertions.AssertEqual(len(ds.knownPeers), initialCount-removedCount,
		"peer count must be reduced by the number of removed peers")
	count := len(ds.knownPeers)
	ds.mu.Unlock()

	if removedCount > 0 {
		metrics.DiscoveryRegistered.Set(float64(count))
	}
	return removedCount
}

// etag digests a sorted peer list, so equal lists yield equal tags.
func etag(peerList []peer.Info) string {
	d := xxhash.New()
	for _, p := range peerList {
		_, _ = d.WriteString(p.ID)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(p.Addr)
		_, _ = d.Write([]byte{0})
	}
	return strconv.Quote(strconv.FormatUint(d.Sum64(), 16))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", mimeJson)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
