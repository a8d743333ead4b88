// Package gchan provides request/response-over-channel helpers for the
// pattern where a single goroutine owns a piece of mutable state and
// serves requests arriving on a channel, while callers block on ctx and a
// dedicated response channel rather than a mutex. Within this module,
// consensus.Manager's background loops use RecvC.
package gchan

import (
	"context"
	"log/slog"
)

// ReqResp sends req on reqCh and then waits for either a value on respCh or
// ctx to be cancelled, logging and reporting !ok in the latter case.
//
// desc is a short human-readable description of the request, used only for
// the log message emitted when ctx is cancelled before a response arrives
// or before the request could even be sent.
func ReqResp[Req, Resp any](
	ctx context.Context,
	log *slog.Logger,
	reqCh chan<- Req,
	req Req,
	respCh <-chan Resp,
	desc string,
) (resp Resp, ok bool) {
	select {
	case reqCh <- req:
		// Sent; fall through to wait for the response.
	case <-ctx.Done():
		log.Info("Context cancelled while sending request", "desc", desc, "cause", context.Cause(ctx))
		return resp, false
	}

	select {
	case resp = <-respCh:
		return resp, true
	case <-ctx.Done():
		log.Info("Context cancelled while awaiting response", "desc", desc, "cause", context.Cause(ctx))
		return resp, false
	}
}

// SendC sends val on ch, returning false without blocking indefinitely if
// ctx is cancelled first.
func SendC[T any](
	ctx context.Context,
	log *slog.Logger,
	ch chan<- T,
	val T,
	desc string,
) bool {
	select {
	case ch <- val:
		return true
	case <-ctx.Done():
		log.Info("Context cancelled while sending", "desc", desc, "cause", context.Cause(ctx))
		return false
	}
}

// RecvC receives a value from ch, returning false if ctx is cancelled
// first.
func RecvC[T any](
	ctx context.Context,
	log *slog.Logger,
	ch <-chan T,
	desc string,
) (val T, ok bool) {
	select {
	case val = <-ch:
		return val, true
	case <-ctx.Done():
		log.Info("Context cancelled while receiving", "desc", desc, "cause", context.Cause(ctx))
		return val, false
	}
}
