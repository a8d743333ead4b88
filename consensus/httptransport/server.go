// Package httptransport is a reference HTTP binding of the
// `consensus/registration/exchange` RPC spec.md §6 names, mirroring
// gossip/httptransport's shape (gorilla/mux routing, JSON bodies,
// PeerFromRequest hook). Transport selection is an external collaborator
// (spec.md §1); this package is one concrete choice.
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

	"github.com/ductridev/tessellation/consensus"
	"github.com/ductridev/tessellation/peer"
)

// wireRegistration is the JSON wire shape for a RegistrationExchangeRequest
// or RegistrationExchangeResponse: the marshaled key, or nil if the peer
// hasn't registered.
type wireRegistration struct {
	Key []byte `json:"key,omitempty"`
}

// Server exposes a [consensus.RegistrationReceiver] over HTTP POST at
// `/consensus/registration/exchange`.
type Server[K any] struct {
	done chan struct{}
}

// ServerConfig configures a [Server].
type ServerConfig[K any] struct {
	Listener net.Listener

	Receiver consensus.RegistrationReceiver[K]

	Codec interface {
		MarshalKey(K) []byte
		UnmarshalKey([]byte) (K, error)
	}

	// PeerFromRequest resolves the caller's peer.ID, same role as
	// gossip/httptransport.ServerConfig.PeerFromRequest.
	PeerFromRequest func(*http.Request) peer.ID
}

// NewServer starts serving cfg.Receiver on cfg.Listener in the background.
// The server stops when ctx is cancelled.
func NewServer[K any](ctx context.Context, log *slog.Logger, cfg ServerConfig[K]) *Server[K] {
	log = log.With("sys", "consensus.httptransport")

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
			log.Info("HTTP consensus server shutting down")
		} else {
			log.Info("HTTP consensus server shutting down due to error", "err", err)
		}
	}
}

func newMux[K any](log *slog.Logger, cfg ServerConfig[K]) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/consensus/registration/exchange", handleExchange(log, cfg)).Methods("POST")
	return r
}

func handleExchange[K any](log *slog.Logger, cfg ServerConfig[K]) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body wireRegistration
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var ownReg *K
		if body.Key != nil {
			k, err := cfg.Codec.UnmarshalKey(body.Key)
			if err != nil {
				http.Error(w, fmt.Sprintf("decoding registration key: %v", err), http.StatusBadRequest)
				return
			}
			ownReg = &k
		}

		from := cfg.PeerFromRequest(req)
		result := cfg.Receiver.HandleRegistrationExchange(req.Context(), from, ownReg)

		resp := wireRegistration{}
		if result != nil {
			resp.Key = cfg.Codec.MarshalKey(*result)
		}

		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn("Failed to marshal registration/exchange response", "err", err)
		}
	}
}
