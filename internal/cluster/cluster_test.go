package cluster

import (
	"testing"

	"github.com/rs/zerolog"

	"horse.fit/marquee/internal/fingerprint"
)

// tokenOverlap scores fingerprints by title token jaccard, enough to
// exercise the index without the full similarity engine.
func tokenOverlap(a, b fingerprint.Fingerprint) float64 {
	if len(a.TitleTokens) == 0 || len(b.TitleTokens) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a.TitleTokens))
	for _, t := range a.TitleTokens {
		set[t] = struct{}{}
	}
	shared := 0
	for _, t := range b.TitleTokens {
		if _, ok := set[t]; ok {
			shared++
		}
	}
	union := len(a.TitleTokens) + len(b.TitleTokens) - shared
	return float64(shared) / float64(union)
}

func fp(id int64, tokens ...string) fingerprint.Fingerprint {
	return fingerprint.Fingerprint{EventID: id, TitleTokens: tokens}
}

func testIndex(cfg Config) *Index {
	return NewIndex(cfg, tokenOverlap, zerolog.Nop())
}

func TestAssign_GroupsSimilarFingerprints(t *testing.T) {
	t.Parallel()

	idx := testIndex(Config{Threshold: 0.5, MaxSize: 8})
	c1 := idx.Assign(fp(1, "jazz", "night"))
	c2 := idx.Assign(fp(2, "jazz", "night", "live"))
	c3 := idx.Assign(fp(3, "pottery", "workshop"))

	if c1 != c2 {
		t.Fatalf("similar events in clusters %d and %d", c1, c2)
	}
	if c3 == c1 {
		t.Fatal("dissimilar event joined the jazz cluster")
	}
}

func TestAssign_ReassignMovesEvent(t *testing.T) {
	t.Parallel()

	idx := testIndex(Config{Threshold: 0.5, MaxSize: 8})
	idx.Assign(fp(1, "jazz", "night"))
	idx.Assign(fp(2, "jazz", "night"))
	idx.Assign(fp(2, "pottery", "workshop"))

	got := idx.Candidates(fp(1, "jazz", "night"))
	if len(got) != 0 {
		t.Fatalf("candidates = %v after event 2 moved away", got)
	}
	if clusters, members := idx.Size(); members != 2 || clusters != 2 {
		t.Fatalf("size = %d clusters, %d members", clusters, members)
	}
}

func TestAssign_RespectsMaxSize(t *testing.T) {
	t.Parallel()

	idx := testIndex(Config{Threshold: 0.5, MaxSize: 2})
	c1 := idx.Assign(fp(1, "jazz", "night"))
	idx.Assign(fp(2, "jazz", "night"))
	c3 := idx.Assign(fp(3, "jazz", "night"))

	if c3 == c1 {
		t.Fatal("full cluster accepted a third member")
	}
}

func TestCandidates_ExcludesSelfAndSorts(t *testing.T) {
	t.Parallel()

	idx := testIndex(Config{Threshold: 0.5, MaxSize: 8})
	idx.Assign(fp(3, "jazz", "night"))
	idx.Assign(fp(1, "jazz", "night"))
	idx.Assign(fp(2, "jazz", "night"))

	got := idx.Candidates(fp(2, "jazz", "night"))
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("candidates = %v, want [1 3]", got)
	}
}

func TestCandidates_UnassignedProbesAllClusters(t *testing.T) {
	t.Parallel()

	idx := testIndex(Config{Threshold: 0.5, MaxSize: 8})
	idx.Assign(fp(1, "jazz", "night"))
	idx.Assign(fp(2, "pottery", "workshop"))

	got := idx.Candidates(fp(99, "jazz", "night"))
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("candidates = %v, want [1]", got)
	}
}

func TestRemove_DropsEmptyClusters(t *testing.T) {
	t.Parallel()

	idx := testIndex(Config{Threshold: 0.5, MaxSize: 8})
	idx.Assign(fp(1, "jazz", "night"))
	idx.Remove(1)
	idx.Remove(1)

	if clusters, members := idx.Size(); clusters != 0 || members != 0 {
		t.Fatalf("size = %d clusters, %d members after remove", clusters, members)
	}
}

func TestRebalance_MergesLinkedUndersizedClusters(t *testing.T) {
	t.Parallel()

	// Fill one cluster to its cap so the fifth jazz event spills into
	// a second cluster, then drain the first. Rebalancing should
	// reunite the two undersized remnants.
	idx := testIndex(Config{Threshold: 0.5, MaxSize: 4})
	for id := int64(1); id <= 4; id++ {
		idx.Assign(fp(id, "jazz", "night"))
	}
	idx.Assign(fp(5, "jazz", "night"))
	if clusters, _ := idx.Size(); clusters != 2 {
		t.Fatalf("precondition: want 2 clusters, got %d", clusters)
	}

	idx.Remove(2)
	idx.Remove(3)
	idx.Remove(4)
	idx.Rebalance()

	if clusters, members := idx.Size(); clusters != 1 || members != 2 {
		t.Fatalf("size = %d clusters, %d members after rebalance", clusters, members)
	}
	got := idx.Candidates(fp(1, "jazz", "night"))
	if len(got) != 1 || got[0] != 5 {
		t.Fatalf("candidates = %v, want [5]", got)
	}
}
