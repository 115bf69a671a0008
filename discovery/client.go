package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/ogzhanolguncu/peernet/assertions"
	"github.com/ogzhanolguncu/peernet/peer"
)

var ErrUnexpectedStatus = errors.New("discovery: unexpected status")

// Client talks to a discovery Server. It caches the last peer list and its
// ETag so an unchanged list is not transferred again.
type Client struct {
	baseURL    string
	httpClient *http.Client

	logger     *slog.Logger

	mu     sync.Mutex
	etag   string
	cached []peer.Info
}

// NewClient accepts either host:port or a full http(s) URL.
func NewClient(srvAddr string) *Client {
	assertions.Assert(srvAddr != "", "discovery server address cannot be empty")

	baseURL := strings.TrimRight(srvAddr, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	client := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
		logger: slog.New(slog.NewTextHandler(os.Stdout, nil)).With("[DISCOVERY-CLIENT]", baseURL),
	}

	assertions.AssertNotNil(client.httpClient, "HTTP client must be initialized")
	return client
}

// Register announces self to the bootstrap endpoint.
func (dc *Client) Register(ctx context.Context, self peer.Info) error {
	if err := dc.post(ctx, registerEndpoint, self); err != nil {
		return fmt.Errorf("failed to register with discovery server: %w", err)
	}
	return nil
}

// Heartbeat refreshes the registration of self.
func (dc *Client) Heartbeat(ctx context.Context, self peer.Info) error {
	if err := dc.post(ctx, heartbeatEndpoint, self); err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	return nil
}

// Peers returns every registered node, the caller included.
func (dc *Client) Peers(ctx context.Context) ([]peer.Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dc.baseURL+peersEndpoint, nil)
	if err != nil {
		return nil, err
	}

	dc.mu.Lock()
	if dc.etag != "" {
		req.Header.Set("If-None-Match", dc.etag)
	}
	dc.mu.Unlock()

	resp, err := dc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get peer list: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		dc.mu.Lock()
		defer dc.mu.Unlock()
		return append([]peer.Info(nil), dc.cached...), nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("%w %d for peers", ErrUnexpectedStatus, resp.StatusCode)
	}

	var peerList []peer.Info
	if err := json.NewDecoder(resp.Body).Decode(&peerList); err != nil {
		return nil, fmt.Errorf("failed to decode peer list: %w", err)
	}
	peerList = dc.validPeers(peerList)

	dc.mu.Lock()
	dc.etag = resp.Header.Get("ETag")
	dc.cached = peerList
	dc.mu.Unlock()

	return append([]peer.Info(nil), peerList...), nil
}

// validPeers drops entries a node cannot dial. They come from the network,
// so they are logged rather than asserted on.
func (dc *Client) validPeers(peerList []peer.Info) []peer.Info {
	valid := peerList[:0]
	for _, p := range peerList {
		if p.ID == "" || p.Addr == "" {
			dc.logger.Warn("skipping invalid peer entry", "id", p.ID, "addr", p.Addr)
			continue
		}
		valid = append(valid, p)
	}
	return valid
}

// Deregister removes id from the endpoint. An ID the server no longer knows
// counts as success.
func (dc *Client) Deregister(ctx context.Context, id string) error {
	assertions.Assert(id != "", "node id cannot be empty")

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, dc.baseURL+peersEndpoint+"/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp, err := dc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deregister: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w %d for deregister", ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}

// Close releases idle connections.
func (dc *Client) Close() {
	dc.httpClient.CloseIdleConnections()
}

func (dc *Client) post(ctx context.Context, endpoint string, self peer.Info) error {
	assertions.Assert(self.ID != "", "node id cannot be empty")
	assertions.Assert(self.Addr != "", "node address cannot be empty")

	payload, err := json.Marshal(RegisterRequest{ID: self.ID, Addr: self.Addr})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dc.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mimeJson)

	resp, err := dc.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w %d for %s", ErrUnexpectedStatus, resp.StatusCode, endpoint)
	}
	return nil
}
