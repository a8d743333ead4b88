package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/internal/gchan"
	"github.com/ductridev/tessellation/peer"
	"github.com/ductridev/tessellation/rumor"
)

// GossipSink is the narrow slice of [gossip.Daemon] the manager needs to
// publish rumors it produces. *gossip.Daemon satisfies this directly.
type GossipSink interface {
	Enqueue(from peer.ID, batch rumor.Batch)
}

// Role tracks this node's relationship to the consensus process, separate
// from any single round's [StatusKind] (spec.md §4.F "Observing" vs
// "Ready" vs actively facilitating).
type Role uint8

const (
	// RoleFacilitating is the steady state of a node that bootstrapped
	// with a known last artifact and actively proposes rounds.
	RoleFacilitating Role = iota

	// RoleObserving is a joining node's state: it has registered and is
	// installing rounds via TryObserveConsensus, but has not yet seen one
	// finish locally.
	RoleObserving

	// RoleReady is reached once an observing node has seen its first
	// round finish (spec.md §4.F "post-finish transitions").
	RoleReady
)

// ManagerConfig holds the scheduling manager's tunables.
type ManagerConfig struct {
	// TimeTriggerInterval is the period between scheduled time-triggered
	// rounds (spec.md §4.F).
	TimeTriggerInterval time.Duration

	// RegistrationQueueSize bounds the registration-exchange background
	// task's backlog.
	RegistrationQueueSize int
}

// DefaultManagerConfig returns reasonable defaults: a one-epoch-per-minute
// cadence and a modest registration backlog.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		TimeTriggerInterval:   time.Minute,
		RegistrationQueueSize: 64,
	}
}

// Manager is spec component F: the scheduling loop, the peer registration
// exchange background task, and the glue between [Storage]/[state.go]'s
// pure ladder and a gossip daemon.
//
// Grounded on tmmirror.Mirror's single-owner, request-driven lifecycle and
// on the gossip package's own consumer/spreader split: a dedicated pump
// goroutine serializes check_for_state_update calls so concurrent rumor
// arrivals for the same key don't pile up redundant advancement attempts,
// while registration exchange and the time trigger run as independent
// background tasks, matching [gossip.Daemon]'s own consumer/spreader
// separation.
type Manager[K Key[K], A Artifact] struct {
	log *slog.Logger

	self   peer.ID
	signer Signer

	storage *Storage[K, A]
	fns     Functions[K, A]
	codec   Codec[K, A]

	cluster   ClusterView[K]
	regXport  RegistrationTransport[K]
	gossip    GossipSink
	metrics   Metrics
	cfg       ManagerConfig
	ordinal   uint64
	ordinalMu sync.Mutex

	pumpRequests chan K
	regQueue     chan peer.ID

	mu   sync.Mutex
	role Role

	// onReady, if set, is called once when an observing node transitions
	// to RoleReady (spec.md §4.F post-finish transition).
	onReady func()
}

// NewManager builds a Manager in [RoleFacilitating]. The role is set by
// whichever entrypoint is called next: [Manager.StartFacilitatingAfter]
// for a node bootstrapped with a known last artifact, or
// [Manager.StartObservingAfter] ([RoleObserving]) for a joining node.
func NewManager[K Key[K], A Artifact](
	log *slog.Logger,
	self peer.ID,
	signer Signer,
	storage *Storage[K, A],
	fns Functions[K, A],
	codec Codec[K, A],
	cluster ClusterView[K],
	regXport RegistrationTransport[K],
	gossip GossipSink,
	metrics Metrics,
	cfg ManagerConfig,
) *Manager[K, A] {
	if cfg.TimeTriggerInterval <= 0 {
		cfg = DefaultManagerConfig()
	}
	if cfg.RegistrationQueueSize <= 0 {
		cfg.RegistrationQueueSize = DefaultManagerConfig().RegistrationQueueSize
	}

	return &Manager[K, A]{
		log:          log.With("sys", "consensus"),
		self:         self,
		signer:       signer,
		storage:      storage,
		fns:          fns,
		codec:        codec,
		cluster:      cluster,
		regXport:     regXport,
		gossip:       gossip,
		metrics:      metrics,
		cfg:          cfg,
		role:         RoleFacilitating,
		pumpRequests: make(chan K, 256),
		regQueue:     make(chan peer.ID, cfg.RegistrationQueueSize),
	}
}

// OnReady registers a callback invoked exactly once, when this manager's
// role transitions from Observing to Ready.
func (m *Manager[K, A]) OnReady(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReady = f
}

// Run drives the pump, the registration-exchange task, and the time
// trigger loop until ctx is cancelled. Run blocks; callers typically
// invoke it in its own goroutine.
func (m *Manager[K, A]) Run(ctx context.Context) {
	go m.runRegistrationExchange(ctx)
	go m.runTimeTrigger(ctx)
	m.runPump(ctx)
}

// Handler returns a [gossip.Handler]-shaped function dispatching every
// consensus content-type tag this package emits. Install it as the gossip
// daemon's handler alongside any other content types the surrounding
// program recognizes.
func (m *Manager[K, A]) Handler() func(ctx context.Context, e rumor.Entry, storage *rumor.Storage) bool {
	return func(ctx context.Context, e rumor.Entry, storage *rumor.Storage) bool {
		switch e.Value.ContentTypeTag() {
		case ContentTypeFacility:
			m.handleFacility(e)
		case ContentTypeProposal:
			m.handleProposal(e)
		case ContentTypeMajoritySignature:
			m.handleMajoritySignature(e)
		case ContentTypeArtifactCandidate:
			m.handleArtifactCandidate(e)
		case ContentTypeArtifactSigned:
			m.handleArtifactSigned(ctx, e)
		case ContentTypeDeregistration:
			m.handleDeregistration(e)
		default:
			return false
		}
		return true
	}
}

func (m *Manager[K, A]) handleFacility(e rumor.Entry) {
	origin, ok := e.Value.Origin()
	if !ok {
		m.log.Warn("Dropping facility rumor with no origin")
		return
	}
	key, bound, err := DecodeFacility[K, A](m.codec, e.Value.Payload())
	if err != nil {
		m.log.Warn("Dropping malformed facility rumor", "from", origin, "err", err)
		return
	}
	m.storage.AddPeerDeclaration(key, origin, Fragment{UpperBound: &bound})
	m.requestPump(key)
}

func (m *Manager[K, A]) handleProposal(e rumor.Entry) {
	origin, ok := e.Value.Origin()
	if !ok {
		m.log.Warn("Dropping proposal rumor with no origin")
		return
	}
	key, hash, err := DecodeProposal[K, A](m.codec, e.Value.Payload())
	if err != nil {
		m.log.Warn("Dropping malformed proposal rumor", "from", origin, "err", err)
		return
	}
	m.storage.AddPeerDeclaration(key, origin, Fragment{Proposal: &hash})
	m.requestPump(key)
}

func (m *Manager[K, A]) handleMajoritySignature(e rumor.Entry) {
	origin, ok := e.Value.Origin()
	if !ok {
		m.log.Warn("Dropping majority signature rumor with no origin")
		return
	}
	key, sig, err := DecodeMajoritySignature[K, A](m.codec, e.Value.Payload())
	if err != nil {
		m.log.Warn("Dropping malformed majority signature rumor", "from", origin, "err", err)
		return
	}
	m.storage.AddPeerDeclaration(key, origin, Fragment{Signature: sig})
	m.requestPump(key)
}

func (m *Manager[K, A]) handleArtifactCandidate(e rumor.Entry) {
	key, hash, artifact, err := DecodeArtifactCandidate[K, A](m.codec, e.Value.Payload())
	if err != nil {
		m.log.Warn("Dropping malformed artifact candidate rumor", "err", err)
		return
	}
	m.storage.AddArtifact(key, hash, artifact)
	m.requestPump(key)
}

func (m *Manager[K, A]) handleArtifactSigned(ctx context.Context, e rumor.Entry) {
	key, signed, err := DecodeArtifactSigned[K, A](m.codec, e.Value.Payload())
	if err != nil {
		m.log.Warn("Dropping malformed signed artifact rumor", "err", err)
		return
	}
	m.observeFinished(ctx, key, signed)
}

func (m *Manager[K, A]) handleDeregistration(e rumor.Entry) {
	origin, ok := e.Value.Origin()
	if !ok {
		return
	}
	key, err := DecodeDeregistration[K, A](m.codec, e.Value.Payload())
	if err != nil {
		m.log.Warn("Dropping malformed deregistration rumor", "from", origin, "err", err)
		return
	}
	m.log.Info("Peer deregistered", "peer", origin, "at", key)
}

// observeFinished records a finalized artifact this node learned about
// via gossip rather than by advancing the round itself — for example, an
// observer that never locally facilitated this key, or a facilitator that
// received the common rumor before its own ladder reached
// StatusMajoritySigned. It is the same terminal transition onFinished
// applies locally, reached from a different path.
func (m *Manager[K, A]) observeFinished(ctx context.Context, key K, signed gcrypto.Signed[A]) {
	last, ok := m.storage.GetLastKeyAndArtifact()
	if !ok {
		// No baseline yet; still bootstrapping via StartObservingAfter.
		return
	}

	// TryUpdateLastKeyAndArtifactWithCleanup's CAS refuses on its own if
	// key isn't last.Key's immediate successor, so no separate check is
	// needed here.
	if !m.storage.TryUpdateLastKeyAndArtifactWithCleanup(last.Key, key, signed) {
		return
	}

	m.finishRoleTransition()
	m.requestPump(key)
}

// requestPump asks the pump goroutine to run check_for_state_update for
// key. Non-blocking: a dropped request is harmless, since any subsequent
// rumor for the same key re-requests a pump.
func (m *Manager[K, A]) requestPump(key K) {
	select {
	case m.pumpRequests <- key:
	default:
		m.log.Warn("Dropping pump request; queue full", "key", key)
	}
}

func (m *Manager[K, A]) runPump(ctx context.Context) {
	for {
		key, ok := gchan.RecvC(ctx, m.log, m.pumpRequests, "pump request")
		if !ok {
			return
		}
		m.checkForStateUpdate(ctx, key)
	}
}

// checkForStateUpdate is spec.md §4.F's check_for_state_update: it pumps
// TryAdvanceConsensus until a tick reports no change, applying each
// step's effect along the way.
func (m *Manager[K, A]) checkForStateUpdate(ctx context.Context, key K) {
	for {
		current := m.storage.GetState(key)
		if current == nil {
			return
		}

		resources := m.storage.GetResources(key)
		next, effect, changed, err := TryAdvanceConsensus(ctx, m.self, current, resources, m.fns, m.storage, m.signer, time.Now(), m.codec)
		if err != nil {
			m.log.Warn("Consensus advancement failed", "key", key, "err", err)
			return
		}
		if !changed {
			return
		}

		_, installed := m.storage.CondModifyState(key, func(cur *State[K, A]) (*State[K, A], any, bool) {
			if cur != current {
				return cur, nil, false
			}
			return next, nil, true
		})
		if !installed {
			// Lost a race against a concurrent observeFinished/eviction;
			// retry against whatever is there now.
			continue
		}

		m.applyEffect(ctx, key, effect)

		if next.Status.Kind == StatusFinished {
			m.onFinished(ctx, key, next)
			return
		}
	}
}

func (m *Manager[K, A]) applyEffect(ctx context.Context, key K, effect Effect[A]) {
	if effect.isZero() {
		return
	}

	if effect.SelfDeclaration.UpperBound != nil || effect.SelfDeclaration.Proposal != nil || effect.SelfDeclaration.Signature != nil {
		m.storage.AddPeerDeclaration(key, m.self, effect.SelfDeclaration)
	}
	if effect.HasArtifact {
		m.storage.AddArtifact(key, effect.SelfArtifactHash, effect.SelfArtifact)
	}
	for _, r := range effect.Rumors {
		m.publish(ctx, r)
	}
}

func (m *Manager[K, A]) publish(ctx context.Context, r OutboundRumor) {
	var rr rumor.Rumor
	if r.Common {
		rr = rumor.CommonRumor{ContentType: r.ContentType, Content: r.Payload}
	} else {
		rr = rumor.PeerRumor{OriginID: m.self, Ordinal: m.nextOrdinal(), ContentType: r.ContentType, Content: r.Payload}
	}

	canonical := rr.CanonicalBytes()
	hash := gcrypto.SumHash(canonical)

	sig, err := m.signer.Sign(ctx, canonical)
	if err != nil {
		m.log.Warn("Failed to sign outbound consensus rumor", "content_type", r.ContentType, "err", err)
		return
	}

	signed := rumor.Signed{Value: rr, Proofs: []gcrypto.Proof{{Signer: m.self, Signature: sig}}}
	m.gossip.Enqueue(m.self, rumor.Batch{{Hash: hash, Signed: signed}})
}

func (m *Manager[K, A]) nextOrdinal() uint64 {
	m.ordinalMu.Lock()
	defer m.ordinalMu.Unlock()
	m.ordinal++
	return m.ordinal
}

// onFinished applies the terminal transition's global effects: advancing
// last-key-and-artifact, recording a metric, completing an observer's
// transition to Ready, and re-arming whichever trigger started this round
// (spec.md §4.F "post-finish transitions").
func (m *Manager[K, A]) onFinished(ctx context.Context, key K, state *State[K, A]) {
	last, hasLast := m.storage.GetLastKeyAndArtifact()
	if !hasLast || !m.storage.TryUpdateLastKeyAndArtifactWithCleanup(last.Key, key, state.Status.SignedArtifact) {
		// Already advanced via observeFinished, or we have no baseline at
		// all (shouldn't happen once a round reaches Finished locally).
		return
	}

	if m.metrics != nil {
		m.metrics.ObserveConsensusDuration(time.Since(state.CreatedAt).Seconds())
	}

	m.finishRoleTransition()

	switch state.Status.MajorityTrigger {
	case TriggerTime:
		m.storage.SetTimeTrigger(time.Now().Add(m.cfg.TimeTriggerInterval))
		if m.storage.ContainsTriggerEvent() {
			m.internalFacilitateWith(ctx, TriggerEvent)
		}

	case TriggerEvent:
		if next, ok := m.storage.GetTimeTrigger(); ok && !time.Now().Before(next) {
			m.storage.SetTimeTrigger(time.Now().Add(m.cfg.TimeTriggerInterval))
			m.internalFacilitateWith(ctx, TriggerTime)
		} else if m.storage.ContainsTriggerEvent() {
			m.internalFacilitateWith(ctx, TriggerEvent)
		} else if !ok {
			m.internalFacilitateWith(ctx, TriggerNone)
		}
	}
}

func (m *Manager[K, A]) finishRoleTransition() {
	m.mu.Lock()
	wasObserving := m.role == RoleObserving
	if wasObserving {
		m.role = RoleReady
	}
	cb := m.onReady
	m.mu.Unlock()

	if wasObserving && cb != nil {
		cb()
	}
}

// internalFacilitateWith is spec.md §4.F's internal_facilitate_with: it
// attempts to open the round following the last finalized key, recording
// this node's own declaration and broadcasting a facility rumor.
func (m *Manager[K, A]) internalFacilitateWith(ctx context.Context, trigger Trigger) {
	last, ok := m.storage.GetLastKeyAndArtifact()
	if !ok {
		return
	}

	nextKey := last.Key.Next()
	upperBound := m.storage.GetUpperBound()
	readyPeers := m.cluster.ReadyPeers()
	current := m.storage.GetState(nextKey)

	next, effect, changed := TryFacilitateConsensus(m.self, nextKey, last, current, readyPeers, upperBound, trigger, time.Now(), m.codec)
	if !changed {
		return
	}

	_, installed := m.storage.CondModifyState(nextKey, func(cur *State[K, A]) (*State[K, A], any, bool) {
		if cur != current {
			return cur, nil, false
		}
		return next, nil, true
	})
	if !installed {
		return
	}

	m.applyEffect(ctx, nextKey, effect)
	m.checkForStateUpdate(ctx, nextKey)
}

// FacilitateOnEvent is spec.md §4.F's facilitate_on_event: called by the
// surrounding program whenever a trigger-marked application event is
// recorded, so consensus doesn't have to wait for the next time trigger.
func (m *Manager[K, A]) FacilitateOnEvent(ctx context.Context) {
	for {
		m.internalFacilitateWith(ctx, TriggerEvent)

		next, hasNext := m.storage.GetTimeTrigger()
		if hasNext && !time.Now().Before(next) {
			m.fireTimeTrigger(ctx)
			return
		}
		if m.storage.ContainsTriggerEvent() {
			continue
		}
		if !hasNext {
			m.internalFacilitateWith(ctx, TriggerNone)
		}
		return
	}
}

func (m *Manager[K, A]) runTimeTrigger(ctx context.Context) {
	for {
		next, ok := m.storage.GetTimeTrigger()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if !time.Now().Before(next) {
			m.fireTimeTrigger(ctx)
		}
	}
}

func (m *Manager[K, A]) fireTimeTrigger(ctx context.Context) {
	m.storage.SetTimeTrigger(time.Now().Add(m.cfg.TimeTriggerInterval))
	m.internalFacilitateWith(ctx, TriggerTime)
	if m.storage.ContainsTriggerEvent() {
		m.FacilitateOnEvent(ctx)
	}
}

// StartFacilitatingAfter is spec.md §4.F's start_facilitating_after: the
// entrypoint for a node that already knows the last finalized (key,
// artifact) and will actively propose rounds from here on.
func (m *Manager[K, A]) StartFacilitatingAfter(last K, artifact gcrypto.Signed[A]) {
	m.storage.SetLastKeyAndArtifact(last, artifact)
	m.storage.SetOwnRegistration(last.Next())
	m.storage.SetTimeTrigger(time.Now().Add(m.cfg.TimeTriggerInterval))

	m.mu.Lock()
	m.role = RoleFacilitating
	m.mu.Unlock()
}

// StartObservingAfter is spec.md §4.F's start_observing_after: the
// entrypoint for a node joining the cluster, which knows only the last
// key it should treat as finalized (its artifact is learned later, via
// gossip, rather than supplied directly) and a peer to exchange
// registration with.
func (m *Manager[K, A]) StartObservingAfter(ctx context.Context, lastKey K, sourcePeer peer.ID) error {
	m.mu.Lock()
	m.role = RoleObserving
	m.mu.Unlock()

	ownReg := lastKey.Next().Next()
	m.storage.SetOwnRegistration(ownReg)

	resp, err := m.regXport.ExchangeRegistration(ctx, sourcePeer, &ownReg)
	if err != nil {
		return fmt.Errorf("consensus: exchange registration with %s: %w", sourcePeer, err)
	}
	if resp != nil {
		m.storage.RegisterPeer(sourcePeer, *resp)
	}

	m.storage.SetLastKeyAndArtifact(lastKey, gcrypto.Signed[A]{})

	observeKey := lastKey.Next()
	readyPeers := m.cluster.ReadyPeers()
	facilitators := make([]peer.ID, 0, len(readyPeers)+1)
	for _, rp := range readyPeers {
		if rp.RegisteredAt.Compare(observeKey) <= 0 {
			facilitators = append(facilitators, rp.ID)
		}
	}

	lastRecord, _ := m.storage.GetLastKeyAndArtifact()
	current := m.storage.GetState(observeKey)
	next, changed := TryObserveConsensus(observeKey, lastRecord, current, facilitators, TriggerNone, time.Now())
	if changed {
		m.storage.CondModifyState(observeKey, func(cur *State[K, A]) (*State[K, A], any, bool) {
			if cur != current {
				return cur, nil, false
			}
			return next, nil, true
		})
	}

	return nil
}

// EnqueuePeerForRegistration asks the registration-exchange background
// task to exchange registrations with p, if this node's ID sorts lower
// than p's (spec.md §9's cycle-avoidance tiebreaker: only the lower ID
// initiates, so two peers joining around the same time don't both dial
// each other).
func (m *Manager[K, A]) EnqueuePeerForRegistration(p peer.ID) {
	if !m.self.Less(p) {
		return
	}
	select {
	case m.regQueue <- p:
	default:
		m.log.Warn("Dropping registration-exchange request; queue full", "peer", p)
	}
}

func (m *Manager[K, A]) runRegistrationExchange(ctx context.Context) {
	for {
		p, ok := gchan.RecvC(ctx, m.log, m.regQueue, "registration exchange request")
		if !ok {
			return
		}
		m.exchangeRegistration(ctx, p)
	}
}

func (m *Manager[K, A]) exchangeRegistration(ctx context.Context, p peer.ID) {
	if !m.cluster.IsResponsive(p) {
		return
	}

	own, ok := m.storage.GetOwnRegistration()
	if !ok {
		return
	}

	resp, err := m.regXport.ExchangeRegistration(ctx, p, &own)
	if err != nil {
		m.log.Info("Registration exchange failed", "peer", p, "err", err)
		return
	}
	if resp != nil && m.storage.RegisterPeer(p, *resp) {
		m.log.Info("Registered peer", "peer", p, "key", *resp)
	}
}

// HandleRegistrationExchange implements [RegistrationReceiver]: the
// responder side of a registration exchange.
func (m *Manager[K, A]) HandleRegistrationExchange(ctx context.Context, from peer.ID, ownRegistration *K) *K {
	if ownRegistration != nil {
		m.storage.RegisterPeer(from, *ownRegistration)
	}

	own, ok := m.storage.GetOwnRegistration()
	if !ok {
		return nil
	}
	return &own
}

// NotifyLeaving broadcasts a Deregistration rumor for the key this node
// would next have participated at (spec.md §4.F "leaving-node hook").
func (m *Manager[K, A]) NotifyLeaving(ctx context.Context) {
	last, hasLast := m.storage.GetLastKeyAndArtifact()
	ownReg, hasOwnReg := m.storage.GetOwnRegistration()

	var key K
	switch {
	case hasLast && hasOwnReg:
		nextOfLast := last.Key.Next()
		if nextOfLast.Compare(ownReg) >= 0 {
			key = nextOfLast
		} else {
			key = ownReg
		}
	case hasLast:
		key = last.Key.Next()
	case hasOwnReg:
		key = ownReg
	default:
		return
	}

	m.publish(ctx, OutboundRumor{ContentType: ContentTypeDeregistration, Payload: encodeDeregistration(m.codec, key)})
}
