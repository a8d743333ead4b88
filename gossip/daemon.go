package gossip

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/peer"
	"github.com/ductridev/tessellation/rumor"
)

// Config holds the gossip daemon's tunables, with the defaults spec.md §6
// names.
type Config struct {
	// Interval between spreader ticks.
	Interval time.Duration

	// Fanout is the number of peers sampled per spreader tick.
	Fanout int

	// MaxConcurrentHandlers is stored with the configuration but not read
	// by the Daemon: the consumer dispatches a batch's rumors to the
	// Handler one at a time, in canonical order.
	MaxConcurrentHandlers int
}

// DefaultConfig returns spec.md §6's default gossip configuration.
func DefaultConfig() Config {
	return Config{
		Interval:              200 * time.Millisecond,
		Fanout:                2,
		MaxConcurrentHandlers: 20,
	}
}

// Handler routes a validated, newly-stored rumor whose origin is not this
// node to application logic. Returning false means the rumor's
// content-type tag was unrecognized; the daemon logs a warning and moves
// on (spec.md §4.C step 5).
type Handler func(ctx context.Context, r rumor.Entry, storage *rumor.Storage) bool

// KeyLookup and Whitelist are re-exported so callers configuring a Daemon
// don't need to import the rumor package separately.
type (
	KeyLookup = rumor.KeyLookup
	Whitelist = rumor.Whitelist
)

// Daemon is spec component C: the consumer task draining inbound batches
// and the spreader task running periodic fanout rounds.
type Daemon struct {
	log *slog.Logger

	self      peer.ID
	cfg       Config
	storage   *rumor.Storage
	transport Transport
	keys      KeyLookup
	whitelist Whitelist
	handler   Handler

	inbound chan inboundBatch
}

type inboundBatch struct {
	from  peer.ID
	batch rumor.Batch
}

// New builds a Daemon. handler may be nil, in which case every
// non-self-origin rumor logs an "unhandled rumor" warning.
func New(
	log *slog.Logger,
	self peer.ID,
	cfg Config,
	storage *rumor.Storage,
	transport Transport,
	keys KeyLookup,
	whitelist Whitelist,
	handler Handler,
) *Daemon {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}

	return &Daemon{
		log:       log.With("sys", "gossip"),
		self:      self,
		cfg:       cfg,
		storage:   storage,
		transport: transport,
		keys:      keys,
		whitelist: whitelist,
		handler:   handler,
		inbound:   make(chan inboundBatch, 256),
	}
}

// Enqueue places a batch of signed rumors received from a peer (or from
// this node's own application logic, using the zero peer.ID) onto the
// inbound queue for the consumer task to validate and store. Enqueue
// never blocks: the inbound queue is conceptually unbounded, backed here
// by a large buffer with an overflow drop-and-warn rather than an
// unbounded Go channel, to keep the daemon's memory bounded under a
// misbehaving peer.
func (d *Daemon) Enqueue(from peer.ID, batch rumor.Batch) {
	select {
	case d.inbound <- inboundBatch{from: from, batch: batch}:
	default:
		d.log.Warn("Dropping inbound rumor batch; consumer queue full", "from", from, "count", len(batch))
	}
}

// Run drives the consumer and spreader tasks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	go d.runConsumer(ctx)
	d.runSpreader(ctx)
}

// runConsumer implements spec.md §4.C's consumer task.
func (d *Daemon) runConsumer(ctx context.Context) {
	for {
		var ib inboundBatch
		select {
		case <-ctx.Done():
			return
		case ib = <-d.inbound:
		}

		d.consumeBatch(ctx, ib)
	}
}

func (d *Daemon) consumeBatch(ctx context.Context, ib inboundBatch) {
	valid := make(rumor.Batch, 0, len(ib.batch))
	for _, e := range ib.batch {
		res := rumor.Validate(e.Hash, e.Signed, d.keys, d.whitelist)
		if res.BadHash {
			d.log.Warn("Dropping rumor with bad hash", "from", ib.from, "hash", e.Hash)
			continue
		}
		if !res.OK() {
			d.log.Warn("Dropping rumor failing signature validation",
				"from", ib.from, "hash", e.Hash,
				"missing_origin_proof", res.MissingOriginProof,
				"invalid_signers", len(res.InvalidSigners),
				"non_whitelisted_signers", len(res.NonWhitelistedSigners),
			)
			continue
		}
		valid = append(valid, e)
	}

	added := d.storage.AddRumors(valid)
	if len(added) == 0 {
		return
	}

	sortEntries(added)

	for _, e := range added {
		origin, hasOrigin := e.Value.Origin()
		if hasOrigin && origin == d.self {
			continue
		}

		if d.handler == nil {
			d.log.Warn("No rumor handler installed; dropping rumor", "content_type", e.Value.ContentTypeTag(), "hash", e.Hash)
			continue
		}

		if !d.handler(ctx, e, d.storage) {
			d.log.Warn("Unhandled rumor content type", "content_type", e.Value.ContentTypeTag(), "hash", e.Hash)
		}
	}
}

func sortEntries(es []rumor.Entry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && rumor.Compare(es[j], es[j-1]) < 0; j-- {
			es[j], es[j-1] = es[j-1], es[j]
		}
	}
}

// runSpreader implements spec.md §4.C's spreader task.
func (d *Daemon) runSpreader(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.spreadOnce(ctx)
		}
	}
}

func (d *Daemon) spreadOnce(ctx context.Context) {
	active := d.storage.GetActiveHashes()
	if len(active) == 0 {
		return
	}

	seen := d.storage.GetSeenHashes()
	peers := d.transport.Peers()
	if len(peers) == 0 {
		return
	}

	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	fanout := d.cfg.Fanout
	if fanout > len(peers) {
		fanout = len(peers)
	}

	for _, p := range peers[:fanout] {
		go d.runRound(ctx, p, active, seen)
	}
}

func (d *Daemon) runRound(ctx context.Context, target peer.ID, active, seen []gcrypto.Hash) {
	startResp, err := d.transport.StartGossipRound(ctx, target, StartGossipRoundRequest{Offer: active})
	if err != nil {
		d.log.Info("Gossip round start failed", "peer", target, "err", err)
		return
	}

	inquiry := hashDifference(startResp.Offer, seen)
	answer := d.storage.GetRumors(startResp.Inquiry)

	endResp, err := d.transport.EndGossipRound(ctx, target, EndGossipRoundRequest{Answer: answer, Inquiry: inquiry})
	if err != nil {
		d.log.Info("Gossip round end failed", "peer", target, "err", err)
		return
	}

	if len(endResp.Answer) > 0 {
		d.Enqueue(target, endResp.Answer)
	}
}

// HandleStart implements [RoundReceiver] for the responder side of a
// gossip round (spec.md §4.C "Receiver side"): respond with our active
// hashes, and ask for whatever in the initiator's offer we haven't seen.
func (d *Daemon) HandleStart(ctx context.Context, from peer.ID, req StartGossipRoundRequest) StartGossipRoundResponse {
	ourActive := d.storage.GetActiveHashes()
	ourSeen := d.storage.GetSeenHashes()

	return StartGossipRoundResponse{
		Offer:   ourActive,
		Inquiry: hashDifference(req.Offer, ourSeen),
	}
}

// HandleEnd implements [RoundReceiver]: enqueue the initiator's answer
// for validation and storage, then return whatever the initiator's
// inquiry asked for.
func (d *Daemon) HandleEnd(ctx context.Context, from peer.ID, req EndGossipRoundRequest) EndGossipRoundResponse {
	if len(req.Answer) > 0 {
		d.Enqueue(from, req.Answer)
	}

	return EndGossipRoundResponse{
		Answer: d.storage.GetRumors(req.Inquiry),
	}
}

// hashDifference returns the elements of offer not present in exclude.
func hashDifference(offer, exclude []gcrypto.Hash) []gcrypto.Hash {
	if len(offer) == 0 {
		return nil
	}

	excluded := make(map[gcrypto.Hash]struct{}, len(exclude))
	for _, h := range exclude {
		excluded[h] = struct{}{}
	}

	out := make([]gcrypto.Hash, 0, len(offer))
	for _, h := range offer {
		if _, ok := excluded[h]; !ok {
			out = append(out, h)
		}
	}
	return out
}
