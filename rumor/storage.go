package rumor

import (
	"sync"
	"time"

	"github.com/ductridev/tessellation/gcrypto"
)

// Default retention windows (spec.md §4.B). A hash lives in the active set
// for ActiveRetention before demoting to seen-only, and is forgotten
// entirely after SeenRetention.
const (
	DefaultActiveRetention = 2 * time.Second
	DefaultSeenRetention   = 2 * time.Minute
)

type record struct {
	entry      Entry
	insertedAt time.Time
}

// Storage is the two-tier rumor store of spec.md §4.B: an "active" set of
// recently-added hashes eligible for spreading, a superset "seen" set used
// to suppress re-ingestion of rumors already processed, and the signed
// rumor content addressable by hash.
//
// A hash is in active for ActiveRetention, then remains in seen (but not
// active) until SeenRetention elapses, at which point it is forgotten
// completely: active ⊆ seen at all times, and a hash leaves active
// strictly before it leaves seen.
//
// Storage owns a background sweep goroutine; callers must call Close to
// stop it.
type Storage struct {
	activeRetention time.Duration
	seenRetention   time.Duration

	mu     sync.Mutex
	byHash map[gcrypto.Hash]record
	active map[gcrypto.Hash]struct{}

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewStorage builds a Storage with the given retention windows. A zero
// duration selects the package default.
func NewStorage(activeRetention, seenRetention time.Duration) *Storage {
	if activeRetention <= 0 {
		activeRetention = DefaultActiveRetention
	}
	if seenRetention <= 0 {
		seenRetention = DefaultSeenRetention
	}

	s := &Storage{
		activeRetention: activeRetention,
		seenRetention:   seenRetention,
		byHash:          make(map[gcrypto.Hash]record),
		active:          make(map[gcrypto.Hash]struct{}),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}

	go s.sweepLoop()
	return s
}

// Close stops the background sweep goroutine. Safe to call more than once.
func (s *Storage) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *Storage) sweepLoop() {
	defer close(s.done)

	// Sweep at a finer grain than the shorter of the two retentions so
	// that a hash's active->seen->forgotten transitions stay close to
	// their nominal deadlines.
	interval := s.activeRetention / 4
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Storage) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, rec := range s.byHash {
		age := now.Sub(rec.insertedAt)
		if age >= s.activeRetention {
			delete(s.active, h)
		}
		if age >= s.seenRetention {
			delete(s.byHash, h)
			delete(s.active, h)
		}
	}
}

// AddRumors inserts every entry in batch not already seen, and returns the
// subset that was newly inserted, preserving batch's order. Entries already
// present (by hash) are silently ignored: insertion is insert-or-ignore,
// not insert-or-replace, since a hash's canonical content never changes
// once accepted.
//
// AddRumors does not validate signatures; callers are expected to run
// [Validate] first and only pass entries whose ValidationResult.OK is
// true.
func (s *Storage) AddRumors(batch Batch) []Entry {
	if len(batch) == 0 {
		return nil
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var added []Entry
	for _, e := range batch {
		if _, ok := s.byHash[e.Hash]; ok {
			continue
		}

		s.byHash[e.Hash] = record{entry: e, insertedAt: now}
		s.active[e.Hash] = struct{}{}
		added = append(added, e)
	}

	return added
}

// GetActiveHashes returns the hashes currently in the active set, in no
// particular order.
func (s *Storage) GetActiveHashes() []gcrypto.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]gcrypto.Hash, 0, len(s.active))
	for h := range s.active {
		out = append(out, h)
	}
	return out
}

// GetSeenHashes returns every hash this store currently knows about
// (active or seen-only), in no particular order.
func (s *Storage) GetSeenHashes() []gcrypto.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]gcrypto.Hash, 0, len(s.byHash))
	for h := range s.byHash {
		out = append(out, h)
	}
	return out
}

// GetRumors returns the signed entries for the requested hashes, in the
// same order as hashes. Hashes this store does not hold are silently
// omitted, so the result may be shorter than hashes (spec.md §4.B:
// "returns only those present; order preserved").
func (s *Storage) GetRumors(hashes []gcrypto.Hash) Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(Batch, 0, len(hashes))
	for _, h := range hashes {
		if rec, ok := s.byHash[h]; ok {
			out = append(out, rec.entry)
		}
	}
	return out
}

// Has reports whether hash is present in the seen set (active or not).
func (s *Storage) Has(hash gcrypto.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.byHash[hash]
	return ok
}
