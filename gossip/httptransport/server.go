// Package httptransport is a reference binding of the peer-to-peer RPC
// surface spec.md §6 describes over HTTP POST, using gorilla/mux for
// routing. Transport selection is an external collaborator (spec.md
// §1); this package is one concrete choice among several (see the
// sibling p2p package for a libp2p-backed alternative).
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ductridev/tessellation/gossip"
	"github.com/ductridev/tessellation/peer"
)

// Server exposes a [gossip.RoundReceiver] over HTTP POST endpoints
// `/gossip/start` and `/gossip/end`.
type Server struct {
	done chan struct{}
}

// ServerConfig configures a [Server].
type ServerConfig struct {
	Listener net.Listener

	Receiver gossip.RoundReceiver

	// PeerFromRequest resolves the caller's PeerId from an inbound
	// request (for example, from a mutually-authenticated TLS client
	// certificate, or a header set by a reverse proxy). Session/handshake
	// management is an external collaborator (spec.md §1); this hook is
	// how that collaborator's result reaches the gossip layer.
	PeerFromRequest func(*http.Request) peer.ID
}

// NewServer starts serving cfg.Receiver on cfg.Listener in the
// background. The server stops when ctx is cancelled.
func NewServer(ctx context.Context, log *slog.Logger, cfg ServerConfig) *Server {
	log = log.With("sys", "gossip.httptransport")

	srv := &http.Server{
		Handler: newMux(log, cfg),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s := &Server{done: make(chan struct{})}
	go s.serve(log, cfg.Listener, srv)
	go s.waitForShutdown(ctx, srv)
	return s
}

// Wait blocks until the server has stopped.
func (s *Server) Wait() {
	<-s.done
}

func (s *Server) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-s.done:
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (s *Server) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(s.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP gossip server shutting down")
		} else {
			log.Info("HTTP gossip server shutting down due to error", "err", err)
		}
	}
}

func newMux(log *slog.Logger, cfg ServerConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/gossip/start", handleStart(log, cfg)).Methods("POST")
	r.HandleFunc("/gossip/end", handleEnd(log, cfg)).Methods("POST")

	return r
}

func handleStart(log *slog.Logger, cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body gossip.StartGossipRoundRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		from := cfg.PeerFromRequest(req)
		resp := cfg.Receiver.HandleStart(req.Context(), from, body)

		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn("Failed to marshal gossip/start response", "err", err)
		}
	}
}

func handleEnd(log *slog.Logger, cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body gossip.EndGossipRoundRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		from := cfg.PeerFromRequest(req)
		resp := cfg.Receiver.HandleEnd(req.Context(), from, body)

		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn("Failed to marshal gossip/end response", "err", err)
		}
	}
}
