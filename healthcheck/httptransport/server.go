// Package httptransport is a reference HTTP binding of the
// `healthcheck/peer-declaration` RPC spec.md §6 names, following the same
// gorilla/mux shape as gossip/httptransport and consensus/httptransport.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ductridev/tessellation/healthcheck"
	"github.com/ductridev/tessellation/peer"
)

// Codec marshals a health-check [healthcheck.Status]'s opaque key for wire
// transport.
type Codec[K any] interface {
	MarshalKey(K) []byte
	UnmarshalKey([]byte) (K, error)
}

type wireStatus struct {
	Key     []byte `json:"key"`
	Payload []byte `json:"payload,omitempty"`
}

type wireRequest struct {
	RoundIDs []healthcheck.RoundID `json:"round_ids,omitempty"`
	Status   wireStatus            `json:"status"`
}

type wireResponse struct {
	Status *wireStatus `json:"status,omitempty"`
}

// Receiver is implemented by a [healthcheck.Round] (or a type composing
// several, keyed by round id) to serve the responder side of
// `healthcheck/peer-declaration`.
type Receiver[K any] interface {
	HandlePeerDeclaration(from peer.ID, req healthcheck.PeerDeclarationRequest[K]) healthcheck.PeerDeclarationResponse[K]
}

// Server exposes a [Receiver] over HTTP POST at
// `/healthcheck/peer-declaration`.
type Server[K any] struct {
	done chan struct{}
}

// ServerConfig configures a [Server].
type ServerConfig[K any] struct {
	Listener        net.Listener
	Receiver        Receiver[K]
	Codec           Codec[K]
	PeerFromRequest func(*http.Request) peer.ID
}

// NewServer starts serving cfg.Receiver on cfg.Listener in the background.
// The server stops when ctx is cancelled.
func NewServer[K any](ctx context.Context, log *slog.Logger, cfg ServerConfig[K]) *Server[K] {
	log = log.With("sys", "healthcheck.httptransport")

	srv := &http.Server{
		Handler: newMux(log, cfg),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s := &Server[K]{done: make(chan struct{})}
	go s.serve(log, cfg.Listener, srv)
	go s.waitForShutdown(ctx, srv)
	return s
}

// Wait blocks until the server has stopped.
func (s *Server[K]) Wait() {
	<-s.done
}

func (s *Server[K]) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-s.done:
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (s *Server[K]) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(s.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP healthcheck server shutting down")
		} else {
			log.Info("HTTP healthcheck server shutting down due to error", "err", err)
		}
	}
}

func newMux[K any](log *slog.Logger, cfg ServerConfig[K]) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthcheck/peer-declaration", handleDeclaration(log, cfg)).Methods("POST")
	return r
}

func handleDeclaration[K any](log *slog.Logger, cfg ServerConfig[K]) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body wireRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		key, err := cfg.Codec.UnmarshalKey(body.Status.Key)
		if err != nil {
			http.Error(w, fmt.Sprintf("decoding status key: %v", err), http.StatusBadRequest)
			return
		}

		from := cfg.PeerFromRequest(req)
		result := cfg.Receiver.HandlePeerDeclaration(from, healthcheck.PeerDeclarationRequest[K]{
			RoundIDs: body.RoundIDs,
			Status:   healthcheck.Status[K]{Key: key, Payload: body.Status.Payload},
		})

		resp := wireResponse{}
		if result.Status != nil {
			resp.Status = &wireStatus{
				Key:     cfg.Codec.MarshalKey(result.Status.Key),
				Payload: result.Status.Payload,
			}
		}

		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn("Failed to marshal peer-declaration response", "err", err)
		}
	}
}
