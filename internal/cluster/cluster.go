// Package cluster groups event fingerprints into loose similarity
// buckets so duplicate detection only compares an incoming event
// against plausible neighbours instead of the whole corpus. The index
// is an optimization layer: dropping it changes cost, never results.
package cluster

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"horse.fit/marquee/internal/fingerprint"
)

// ScoreFunc rates two fingerprints in [0,1]. The index uses it with a
// looser threshold than duplicate detection so true duplicates always
// land in the same bucket.
type ScoreFunc func(a, b fingerprint.Fingerprint) float64

// Config tunes the index.
type Config struct {
	// Threshold is the minimum single-linkage score to join an
	// existing cluster. Must not exceed the duplicate threshold.
	Threshold float64
	// MaxSize caps cluster membership; oversized clusters split on
	// the next rebalance.
	MaxSize int
	// RebalanceEvery triggers a rebalance after this many assigns
	// and removes. Zero disables periodic rebalancing.
	RebalanceEvery int
}

type group struct {
	id      int64
	members map[int64]fingerprint.Fingerprint
}

// Index is a mutable cluster registry, safe for concurrent use.
type Index struct {
	mu         sync.RWMutex
	cfg        Config
	score      ScoreFunc
	clusters   map[int64]*group
	membership map[int64]int64
	nextID     int64
	ops        int
	logger     zerolog.Logger
}

func NewIndex(cfg Config, score ScoreFunc, logger zerolog.Logger) *Index {
	return &Index{
		cfg:        cfg,
		score:      score,
		clusters:   make(map[int64]*group),
		membership: make(map[int64]int64),
		nextID:     1,
		logger:     logger.With().Str("component", "cluster").Logger(),
	}
}

// Assign places a fingerprint into the best-matching cluster, creating
// a new one when nothing scores above the threshold or every match is
// full. Reassigning an event moves it.
func (x *Index) Assign(fp fingerprint.Fingerprint) int64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeLocked(fp.EventID)

	bestID := int64(0)
	bestScore := 0.0
	for id, g := range x.clusters {
		if x.cfg.MaxSize > 0 && len(g.members) >= x.cfg.MaxSize {
			continue
		}
		if s := x.linkScore(g, fp); s >= x.cfg.Threshold && s > bestScore {
			bestID, bestScore = id, s
		}
	}
	if bestID == 0 {
		bestID = x.nextID
		x.nextID++
		x.clusters[bestID] = &group{id: bestID, members: make(map[int64]fingerprint.Fingerprint)}
	}
	x.clusters[bestID].members[fp.EventID] = fp
	x.membership[fp.EventID] = bestID

	x.bumpOpsLocked()
	return bestID
}

// Candidates returns the IDs of events sharing a plausible cluster with
// the fingerprint, excluding the event itself. An unassigned
// fingerprint is matched against clusters without joining one.
func (x *Index) Candidates(fp fingerprint.Fingerprint) []int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []int64
	if id, ok := x.membership[fp.EventID]; ok {
		out = x.memberIDs(x.clusters[id], fp.EventID)
	} else {
		for _, g := range x.clusters {
			if x.linkScore(g, fp) >= x.cfg.Threshold {
				out = append(out, x.memberIDs(g, fp.EventID)...)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Remove drops an event from the index. Removing an unknown event is a
// no-op.
func (x *Index) Remove(eventID int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(eventID)
	x.bumpOpsLocked()
}

// Size reports cluster and member counts.
func (x *Index) Size() (clusters, members int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.clusters), len(x.membership)
}

// Rebalance merges undersized cluster pairs whose members still link
// above the threshold, then splits any cluster over the size cap.
func (x *Index) Rebalance() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.rebalanceLocked()
}

func (x *Index) removeLocked(eventID int64) {
	id, ok := x.membership[eventID]
	if !ok {
		return
	}
	delete(x.membership, eventID)
	g := x.clusters[id]
	delete(g.members, eventID)
	if len(g.members) == 0 {
		delete(x.clusters, id)
	}
}

func (x *Index) bumpOpsLocked() {
	if x.cfg.RebalanceEvery <= 0 {
		return
	}
	x.ops++
	if x.ops >= x.cfg.RebalanceEvery {
		x.ops = 0
		x.rebalanceLocked()
	}
}

// linkScore is the single-linkage score: the best score against any
// member.
func (x *Index) linkScore(g *group, fp fingerprint.Fingerprint) float64 {
	best := 0.0
	for id, member := range g.members {
		if id == fp.EventID {
			continue
		}
		if s := x.score(member, fp); s > best {
			best = s
		}
	}
	return best
}

func (x *Index) memberIDs(g *group, exclude int64) []int64 {
	out := make([]int64, 0, len(g.members))
	for id := range g.members {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func (x *Index) rebalanceLocked() {
	ids := make([]int64, 0, len(x.clusters))
	for id := range x.clusters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// Merge undersized pairs while the combined size stays in cap.
	merged := make(map[int64]bool)
	for i := 0; i < len(ids); i++ {
		a := x.clusters[ids[i]]
		if a == nil || merged[ids[i]] || !x.undersized(a) {
			continue
		}
		for j := i + 1; j < len(ids); j++ {
			b := x.clusters[ids[j]]
			if b == nil || merged[ids[j]] || !x.undersized(b) {
				continue
			}
			if x.cfg.MaxSize > 0 && len(a.members)+len(b.members) > x.cfg.MaxSize {
				continue
			}
			if !x.groupsLink(a, b) {
				continue
			}
			for id, fp := range b.members {
				a.members[id] = fp
				x.membership[id] = a.id
			}
			delete(x.clusters, b.id)
			merged[b.id] = true
		}
	}

	if x.cfg.MaxSize <= 0 {
		return
	}
	for _, g := range x.snapshotGroups() {
		for len(g.members) > x.cfg.MaxSize {
			x.splitLocked(g)
		}
	}
	x.logger.Debug().Int("clusters", len(x.clusters)).Msg("rebalance complete")
}

func (x *Index) undersized(g *group) bool {
	return x.cfg.MaxSize <= 0 || len(g.members) < x.cfg.MaxSize/2
}

func (x *Index) groupsLink(a, b *group) bool {
	for _, fa := range a.members {
		for _, fb := range b.members {
			if x.score(fa, fb) >= x.cfg.Threshold {
				return true
			}
		}
	}
	return false
}

func (x *Index) snapshotGroups() []*group {
	out := make([]*group, 0, len(x.clusters))
	for _, g := range x.clusters {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// splitLocked moves the half of an oversized cluster least linked to
// its lowest-numbered member into a fresh cluster. Deterministic for a
// given member set.
func (x *Index) splitLocked(g *group) {
	ids := make([]int64, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	anchor := g.members[ids[0]]
	sort.SliceStable(ids, func(i, j int) bool {
		return x.score(anchor, g.members[ids[i]]) > x.score(anchor, g.members[ids[j]])
	})

	fresh := &group{id: x.nextID, members: make(map[int64]fingerprint.Fingerprint)}
	x.nextID++
	for _, id := range ids[len(ids)/2:] {
		fresh.members[id] = g.members[id]
		x.membership[id] = fresh.id
		delete(g.members, id)
	}
	x.clusters[fresh.id] = fresh
}
