package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ductridev/tessellation/peer"
)

// Client implements [consensus.RegistrationTransport] by POSTing JSON
// bodies to peer base URLs registered with [Client.SetPeer]. It mirrors
// gossip/httptransport.Client's peer-address-map shape.
type Client[K any] struct {
	httpClient *http.Client
	codec      interface {
		MarshalKey(K) []byte
		UnmarshalKey([]byte) (K, error)
	}

	mu    sync.RWMutex
	peers map[peer.ID]string
}

// NewClient builds a Client using timeout as the per-request deadline.
func NewClient[K any](codec interface {
	MarshalKey(K) []byte
	UnmarshalKey([]byte) (K, error)
}, timeout time.Duration) *Client[K] {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Client[K]{
		httpClient: &http.Client{Timeout: timeout},
		codec:      codec,
		peers:      make(map[peer.ID]string),
	}
}

// SetPeer registers or updates the base URL used to reach id.
func (c *Client[K]) SetPeer(id peer.ID, baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[id] = baseURL
}

// RemovePeer forgets id.
func (c *Client[K]) RemovePeer(id peer.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, id)
}

// IsResponsive reports whether id has a known address. It does not probe
// the peer; liveness tracking is an external collaborator (spec.md §1).
func (c *Client[K]) IsResponsive(id peer.ID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.peers[id]
	return ok
}

func (c *Client[K]) baseURL(id peer.ID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.peers[id]
	return u, ok
}

// ExchangeRegistration implements [consensus.RegistrationTransport].
func (c *Client[K]) ExchangeRegistration(ctx context.Context, target peer.ID, ownRegistration *K) (*K, error) {
	base, ok := c.baseURL(target)
	if !ok {
		return nil, fmt.Errorf("consensus/httptransport: no known address for peer %s", target)
	}

	req := wireRegistration{}
	if ownRegistration != nil {
		req.Key = c.codec.MarshalKey(*ownRegistration)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return nil, fmt.Errorf("consensus/httptransport: encoding request to %s: %w", target, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/consensus/registration/exchange", &buf)
	if err != nil {
		return nil, fmt.Errorf("consensus/httptransport: building request to %s: %w", target, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("consensus/httptransport: request to %s: %w", target, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("consensus/httptransport: peer %s returned status %d", target, httpResp.StatusCode)
	}

	var resp wireRegistration
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("consensus/httptransport: decoding response from %s: %w", target, err)
	}

	if resp.Key == nil {
		return nil, nil
	}
	k, err := c.codec.UnmarshalKey(resp.Key)
	if err != nil {
		return nil, fmt.Errorf("consensus/httptransport: decoding registration key from %s: %w", target, err)
	}
	return &k, nil
}
