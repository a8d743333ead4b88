package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ductridev/tessellation/healthcheck"
	"github.com/ductridev/tessellation/peer"
)

// Client sends `healthcheck/peer-declaration` requests to peer base URLs
// registered with [Client.SetPeer].
type Client[K any] struct {
	httpClient *http.Client
	codec      Codec[K]

	mu    sync.RWMutex
	peers map[peer.ID]string
}

// NewClient builds a Client using timeout as the per-request deadline.
func NewClient[K any](codec Codec[K], timeout time.Duration) *Client[K] {
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

func (c *Client[K]) baseURL(id peer.ID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.peers[id]
	return u, ok
}

// SendDeclaration POSTs this node's status to target and returns target's
// own status, if it has recorded one.
func (c *Client[K]) SendDeclaration(ctx context.Context, target peer.ID, roundIDs []healthcheck.RoundID, status healthcheck.Status[K]) (*healthcheck.Status[K], error) {
	base, ok := c.baseURL(target)
	if !ok {
		return nil, fmt.Errorf("healthcheck/httptransport: no known address for peer %s", target)
	}

	body := wireRequest{
		RoundIDs: roundIDs,
		Status: wireStatus{
			Key:     c.codec.MarshalKey(status.Key),
			Payload: status.Payload,
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("healthcheck/httptransport: encoding request to %s: %w", target, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/healthcheck/peer-declaration", &buf)
	if err != nil {
		return nil, fmt.Errorf("healthcheck/httptransport: building request to %s: %w", target, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("healthcheck/httptransport: request to %s: %w", target, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("healthcheck/httptransport: peer %s returned status %d", target, httpResp.StatusCode)
	}

	var resp wireResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("healthcheck/httptransport: decoding response from %s: %w", target, err)
	}

	if resp.Status == nil {
		return nil, nil
	}
	key, err := c.codec.UnmarshalKey(resp.Status.Key)
	if err != nil {
		return nil, fmt.Errorf("healthcheck/httptransport: decoding status key from %s: %w", target, err)
	}
	return &healthcheck.Status[K]{Key: key, Payload: resp.Status.Payload}, nil
}
