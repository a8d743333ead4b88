package consensus

import (
	"sync"
	"time"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/peer"
)

// Storage is spec component D: the keyed consensus state registry, the
// per-key resource aggregation, and the per-peer event buffers the
// state updater (component E) draws on.
//
// A single mutex guards every map here, the same shape [rumor.Storage]
// uses for its own active/seen sets: the consensus key space is small
// (single-digit to low-tens of concurrently open epochs) and every
// operation below is cheap, so a coarse lock is stricter than spec.md
// §4.D's "per-key locks or lock-free map operations" requires but still
// satisfies it — per-key updates are trivially serialized when every
// update is serialized.
type Storage[K Key[K], A Artifact] struct {
	mu sync.Mutex

	states    map[K]*State[K, A]
	resources map[K]Resources[A]

	// events is the PeerEventBuffer of spec.md §3: per-peer, ordinal-keyed
	// events awaiting inclusion in a proposal.
	events map[peer.ID]map[uint64]OrdinalEvent

	lastKey      K
	lastHasKey   bool
	lastArtifact gcrypto.Signed[A]

	timeTrigger    time.Time
	hasTimeTrigger bool

	ownRegistration    K
	hasOwnRegistration bool

	peerRegistrations map[peer.ID]K
}

// NewStorage builds an empty Storage.
func NewStorage[K Key[K], A Artifact]() *Storage[K, A] {
	return &Storage[K, A]{
		states:            make(map[K]*State[K, A]),
		resources:         make(map[K]Resources[A]),
		events:            make(map[peer.ID]map[uint64]OrdinalEvent),
		peerRegistrations: make(map[peer.ID]K),
	}
}

// CondModifyState atomically compares and modifies the slot for key: f
// receives the current state (nil if none), and returns the new state to
// store (nil to leave the key absent) alongside a caller-derived result
// and whether any change occurred. CondModifyState returns the result
// and true only when f reported a change.
func (s *Storage[K, A]) CondModifyState(key K, f func(cur *State[K, A]) (next *State[K, A], result any, changed bool)) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.states[key]
	next, result, changed := f(cur)
	if !changed {
		return nil, false
	}

	if next == nil {
		delete(s.states, key)
	} else {
		s.states[key] = next
	}
	return result, true
}

// GetState returns a copy of the pointer currently stored for key, or nil
// if no round has been opened for it. The returned State must be treated
// as read-only; mutate through CondModifyState.
func (s *Storage[K, A]) GetState(key K) *State[K, A] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key]
}

// GetResources returns the aggregated resources for key. GetResources
// never fails: a key with nothing buffered yet returns empty resources.
func (s *Storage[K, A]) GetResources(key K) Resources[A] {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[key]
	if !ok {
		return newResources[A]()
	}

	// Return a shallow copy so callers can't mutate the stored maps
	// without going through AddPeerDeclaration/AddArtifact.
	out := newResources[A]()
	for p, d := range res.PeerDeclarations {
		out.PeerDeclarations[p] = d
	}
	for h, a := range res.Artifacts {
		out.Artifacts[h] = a
	}
	return out
}

// AddPeerDeclaration merges fragment into peer's stored declaration for
// key, field by field. A field already set is left untouched
// (spec.md §4.D invariant 2, §5 ordering guarantee 3: first-writer-wins).
func (s *Storage[K, A]) AddPeerDeclaration(key K, p peer.ID, fragment Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[key]
	if !ok {
		res = newResources[A]()
	}

	d := res.PeerDeclarations[p]
	if d.UpperBound == nil && fragment.UpperBound != nil {
		b := fragment.UpperBound.Clone()
		d.UpperBound = &b
	}
	if d.Proposal == nil && fragment.Proposal != nil {
		h := *fragment.Proposal
		d.Proposal = &h
	}
	if d.Signature == nil && fragment.Signature != nil {
		d.Signature = fragment.Signature
	}
	res.PeerDeclarations[p] = d

	s.resources[key] = res
}

// AddArtifact records a candidate artifact for key, received via a
// common rumor. Insert-or-ignore: a hash's content is immutable once
// accepted, mirroring [rumor.Storage.AddRumors]'s same rule.
func (s *Storage[K, A]) AddArtifact(key K, hash gcrypto.Hash, artifact A) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[key]
	if !ok {
		res = newResources[A]()
	}
	if _, ok := res.Artifacts[hash]; !ok {
		res.Artifacts[hash] = artifact
	}
	s.resources[key] = res
}

// PullEvents removes and returns every buffered event, per peer, whose
// ordinal is at most bound[peer] (events from peers absent in bound are
// left untouched).
func (s *Storage[K, A]) PullEvents(bound Bound) map[peer.ID][]OrdinalEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[peer.ID][]OrdinalEvent)
	for p, max := range bound {
		byOrdinal, ok := s.events[p]
		if !ok {
			continue
		}

		var pulled []OrdinalEvent
		for ord, ev := range byOrdinal {
			if ord <= max {
				pulled = append(pulled, ev)
				delete(byOrdinal, ord)
			}
		}
		if len(pulled) == 0 {
			continue
		}

		sortOrdinalEvents(pulled)
		out[p] = pulled

		if len(byOrdinal) == 0 {
			delete(s.events, p)
		}
	}
	return out
}

// AddEvents re-inserts events a consensus function did not consume from
// a prior PullEvents call, or records newly-observed events arriving via
// PeerRumor dispatch.
func (s *Storage[K, A]) AddEvents(events map[peer.ID][]OrdinalEvent) {
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for p, evs := range events {
		byOrdinal, ok := s.events[p]
		if !ok {
			byOrdinal = make(map[uint64]OrdinalEvent, len(evs))
			s.events[p] = byOrdinal
		}
		for _, ev := range evs {
			byOrdinal[ev.Ordinal] = ev
		}
	}
}

// GetUpperBound returns the highest buffered ordinal per peer across the
// whole event buffer: the bound a node would declare if it proposed
// "everything I currently have" as its upper bound.
func (s *Storage[K, A]) GetUpperBound() Bound {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(Bound, len(s.events))
	for p, byOrdinal := range s.events {
		var max uint64
		for ord := range byOrdinal {
			if ord > max {
				max = ord
			}
		}
		out[p] = max
	}
	return out
}

// ContainsTriggerEvent reports whether at least one buffered event is
// marked as a trigger.
func (s *Storage[K, A]) ContainsTriggerEvent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, byOrdinal := range s.events {
		for _, ev := range byOrdinal {
			if ev.IsTrigger {
				return true
			}
		}
	}
	return false
}

// GetLastKeyAndArtifact returns the previously finalized epoch's key and
// artifact, and whether one has been recorded yet.
func (s *Storage[K, A]) GetLastKeyAndArtifact() (LastKeyAndArtifact[K, A], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastHasKey {
		return LastKeyAndArtifact[K, A]{}, false
	}
	return LastKeyAndArtifact[K, A]{Key: s.lastKey, Artifact: s.lastArtifact}, true
}

// SetLastKeyAndArtifact installs the initial (last key, artifact) pair,
// typically the genesis artifact a joining or freshly-facilitating node
// is bootstrapped with. It is not compare-and-swap; callers past the
// first installation should use TryUpdateLastKeyAndArtifactWithCleanup.
func (s *Storage[K, A]) SetLastKeyAndArtifact(key K, artifact gcrypto.Signed[A]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastKey = key
	s.lastHasKey = true
	s.lastArtifact = artifact
}

// TryUpdateLastKeyAndArtifactWithCleanup is spec.md §4.D's CAS-like
// operation: it advances the last-finalized (key, artifact) pair only if
// the caller's expected previous key matches what is currently stored
// and newLast is expectedLast's immediate successor, and on success
// evicts every open round whose key is at most expected.
func (s *Storage[K, A]) TryUpdateLastKeyAndArtifactWithCleanup(expectedLast K, newLast K, newArtifact gcrypto.Signed[A]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastHasKey || s.lastKey != expectedLast || newLast != expectedLast.Next() {
		return false
	}

	s.lastKey = newLast
	s.lastArtifact = newArtifact

	for k := range s.states {
		if k.Compare(expectedLast) <= 0 {
			delete(s.states, k)
			delete(s.resources, k)
		}
	}

	return true
}

// SetTimeTrigger records when the next periodic time trigger is due.
func (s *Storage[K, A]) SetTimeTrigger(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeTrigger = at
	s.hasTimeTrigger = true
}

// GetTimeTrigger returns the scheduled next-time-trigger deadline, and
// whether one has been scheduled yet.
func (s *Storage[K, A]) GetTimeTrigger() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeTrigger, s.hasTimeTrigger
}

// RegisterPeer records a remote peer's own_registration. Monotonic: a
// peer cannot regress to an earlier key than one already recorded.
// Returns true if the recorded key changed.
func (s *Storage[K, A]) RegisterPeer(p peer.ID, key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.peerRegistrations[p]
	if ok && cur.Compare(key) >= 0 {
		return false
	}
	s.peerRegistrations[p] = key
	return true
}

// PeerRegisteredAt returns the key at which p registered, and whether p
// has registered at all.
func (s *Storage[K, A]) PeerRegisteredAt(p peer.ID) (K, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.peerRegistrations[p]
	return k, ok
}

// SetOwnRegistration records the first key at which this node wishes to
// participate.
func (s *Storage[K, A]) SetOwnRegistration(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownRegistration = key
	s.hasOwnRegistration = true
}

// GetOwnRegistration returns this node's own_registration, and whether
// one has been set.
func (s *Storage[K, A]) GetOwnRegistration() (K, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownRegistration, s.hasOwnRegistration
}

func sortOrdinalEvents(evs []OrdinalEvent) {
	for i := 1; i < len(evs); i++ {
		for j := i; j > 0 && evs[j].Ordinal < evs[j-1].Ordinal; j-- {
			evs[j], evs[j-1] = evs[j-1], evs[j]
		}
	}
}
