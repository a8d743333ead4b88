package httptransport

import (
	"net/http"
	"time"

	"github.com/tv42/httpunix"

	"github.com/ductridev/tessellation/peer"
)

// UnixSocketLocation is the location name [tv42/httpunix] dispatches the
// "http+unix" scheme's host component to.
const UnixSocketLocation = "tessellation-gossip"

// NewUnixSocketClient builds a Client that reaches a single peer over a
// Unix domain socket rather than TCP, for same-host clusters (e.g. a
// sidecar topology where every peer process shares a machine with this
// node). Only one socket path is registered per Client; multi-peer
// same-host clusters should run one Client per socket.
func NewUnixSocketClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	u := &httpunix.Transport{
		DialTimeout:           timeout,
		RequestTimeout:        timeout,
		ResponseHeaderTimeout: timeout,
	}
	u.RegisterLocation(UnixSocketLocation, socketPath)

	return &Client{
		httpClient: &http.Client{Transport: u, Timeout: timeout},
		peers:      make(map[peer.ID]string),
	}
}

// UnixSocketBaseURL is the base URL to pass to [Client.SetPeer] for any
// peer reachable through the socket this Client was constructed with.
func UnixSocketBaseURL() string {
	return "http+unix://" + UnixSocketLocation
}
