package gchan_test

import (
	"context"
	"testing"
	"time"

	"github.com/ductridev/tessellation/internal/gchan"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

func TestReqResp_DeliversResponse(t *testing.T) {
	log := slogt.New(t)

	type req struct {
		n    int
		resp chan int
	}
	reqCh := make(chan req, 1)

	go func() {
		r := <-reqCh
		r.resp <- r.n * 2
	}()

	r := req{n: 21, resp: make(chan int, 1)}
	got, ok := gchan.ReqResp(context.Background(), log, reqCh, r, r.resp, "double")
	require.True(t, ok)
	require.Equal(t, 42, got)
}

func TestReqResp_ContextCancelledBeforeSend(t *testing.T) {
	log := slogt.New(t)

	reqCh := make(chan int) // unbuffered, nothing reading.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := gchan.ReqResp(ctx, log, reqCh, 1, make(chan int), "never sent")
	require.False(t, ok)
}

func TestReqResp_ContextCancelledWhileAwaitingResponse(t *testing.T) {
	log := slogt.New(t)

	reqCh := make(chan int, 1)
	respCh := make(chan int) // never written to.

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := gchan.ReqResp(ctx, log, reqCh, 1, respCh, "never answered")
	require.False(t, ok)
}

func TestSendC(t *testing.T) {
	log := slogt.New(t)
	ch := make(chan int, 1)

	ok := gchan.SendC(context.Background(), log, ch, 7, "send")
	require.True(t, ok)
	require.Equal(t, 7, <-ch)

	// Fill the buffer so a second send would block, then cancel: the
	// cancellation must win rather than racing the send.
	ch <- 99
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok = gchan.SendC(ctx, log, ch, 8, "blocked send")
	require.False(t, ok)
}

func TestRecvC(t *testing.T) {
	log := slogt.New(t)
	ch := make(chan int, 1)
	ch <- 9

	got, ok := gchan.RecvC(context.Background(), log, ch, "recv")
	require.True(t, ok)
	require.Equal(t, 9, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok = gchan.RecvC(ctx, log, ch, "blocked recv")
	require.False(t, ok)
}
