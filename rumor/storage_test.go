package rumor_test

import (
	"testing"
	"time"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/rumor"
	"github.com/stretchr/testify/require"
)

func entryFor(content string) rumor.Entry {
	r := rumor.CommonRumor{ContentType: "t", Content: []byte(content)}
	return rumor.Entry{
		Hash:   gcrypto.SumHash(r.CanonicalBytes()),
		Signed: rumor.Signed{Value: r},
	}
}

func TestStorage_AddRumors_NewSubsetOnly(t *testing.T) {
	s := rumor.NewStorage(time.Minute, time.Minute)
	defer s.Close()

	a := entryFor("a")
	b := entryFor("b")

	added := s.AddRumors(rumor.Batch{a, b})
	require.Len(t, added, 2)

	// Re-adding the same batch plus one new entry returns only the new one.
	c := entryFor("c")
	added = s.AddRumors(rumor.Batch{a, b, c})
	require.Len(t, added, 1)
	require.Equal(t, c.Hash, added[0].Hash)
}

func TestStorage_GetRumorsAndHashes(t *testing.T) {
	s := rumor.NewStorage(time.Minute, time.Minute)
	defer s.Close()

	a := entryFor("a")
	b := entryFor("b")
	s.AddRumors(rumor.Batch{a, b})

	active := s.GetActiveHashes()
	require.ElementsMatch(t, []gcrypto.Hash{a.Hash, b.Hash}, active)

	seen := s.GetSeenHashes()
	require.ElementsMatch(t, []gcrypto.Hash{a.Hash, b.Hash}, seen)

	got := s.GetRumors([]gcrypto.Hash{a.Hash, {0xFF}})
	require.Len(t, got, 1)
	require.Equal(t, a.Hash, got[0].Hash)

	require.True(t, s.Has(a.Hash))
	require.False(t, s.Has(gcrypto.Hash{0xFF}))
}

func TestStorage_ActiveExpiresBeforeSeen(t *testing.T) {
	s := rumor.NewStorage(20*time.Millisecond, 200*time.Millisecond)
	defer s.Close()

	a := entryFor("a")
	s.AddRumors(rumor.Batch{a})

	require.Eventually(t, func() bool {
		return !contains(s.GetActiveHashes(), a.Hash)
	}, time.Second, 5*time.Millisecond)

	// Still remembered as seen even though no longer active.
	require.True(t, s.Has(a.Hash))

	require.Eventually(t, func() bool {
		return !s.Has(a.Hash)
	}, time.Second, 5*time.Millisecond)
}

func contains(hashes []gcrypto.Hash, h gcrypto.Hash) bool {
	for _, x := range hashes {
		if x == h {
			return true
		}
	}
	return false
}
