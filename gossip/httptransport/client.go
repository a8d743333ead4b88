package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ductridev/tessellation/gossip"
	"github.com/ductridev/tessellation/peer"
)

// Client implements [gossip.Transport] by POSTing JSON bodies to peer
// base URLs registered with [Client.SetPeer]/[Client.RemovePeer].
//
// Peer membership and addressing is an external collaborator (spec.md
// §1, "peer handshake/session management"); Client only needs a
// PeerId->base URL mapping, however that mapping is kept up to date.
type Client struct {
	httpClient *http.Client

	mu    sync.RWMutex
	peers map[peer.ID]string
}

// NewClient builds a Client using timeout as the per-request deadline
// (spec.md §5: "each gossip round has a per-peer timeout").
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		peers:      make(map[peer.ID]string),
	}
}

// SetPeer registers or updates the base URL (e.g. "http://10.0.0.5:9000")
// used to reach id.
func (c *Client) SetPeer(id peer.ID, baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[id] = baseURL
}

// RemovePeer forgets id.
func (c *Client) RemovePeer(id peer.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, id)
}

// Peers implements [gossip.Transport].
func (c *Client) Peers() []peer.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]peer.ID, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	return out
}

func (c *Client) baseURL(id peer.ID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.peers[id]
	return u, ok
}

// StartGossipRound implements [gossip.Transport].
func (c *Client) StartGossipRound(ctx context.Context, target peer.ID, req gossip.StartGossipRoundRequest) (gossip.StartGossipRoundResponse, error) {
	var resp gossip.StartGossipRoundResponse
	err := c.post(ctx, target, "/gossip/start", req, &resp)
	return resp, err
}

// EndGossipRound implements [gossip.Transport].
func (c *Client) EndGossipRound(ctx context.Context, target peer.ID, req gossip.EndGossipRoundRequest) (gossip.EndGossipRoundResponse, error) {
	var resp gossip.EndGossipRoundResponse
	err := c.post(ctx, target, "/gossip/end", req, &resp)
	return resp, err
}

func (c *Client) post(ctx context.Context, target peer.ID, path string, body, out any) error {
	base, ok := c.baseURL(target)
	if !ok {
		return fmt.Errorf("httptransport: no known address for peer %s", target)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("httptransport: encoding request to %s: %w", target, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, &buf)
	if err != nil {
		return fmt.Errorf("httptransport: building request to %s: %w", target, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("httptransport: request to %s: %w", target, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("httptransport: peer %s returned status %d", target, httpResp.StatusCode)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("httptransport: decoding response from %s: %w", target, err)
	}

	return nil
}
