// Package cluster groups unidentified voiceprint embeddings that likely
// belong to the same unknown speaker.
//
// The engine runs density-based clustering over cosine distances: core
// distances are derived from each point's minSamples-th neighbour, pairwise
// distances are lifted to mutual reachability, and clusters are read off a
// minimum spanning tree with a leaf-style selection policy. Leaf selection
// deliberately favours many small tight clusters over a few large merged
// ones — merging two distinct speakers is far more damaging to the
// correction workflow than splitting one speaker in two, especially for
// sparsely sampled voices.
//
// Points that never join a qualifying cluster are noise, and noise is never
// dropped: every noise point comes back as a singleton group, so the sum of
// group sizes always equals the number of input embeddings.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/MrWong99/vocalid/internal/identify"
	"github.com/MrWong99/vocalid/internal/observe"
	"github.com/MrWong99/vocalid/pkg/diarize"
	"github.com/MrWong99/vocalid/pkg/voiceprint"
)

// Group is one proposed speaker group.
type Group struct {
	// Members are the segment IDs in the group, ordered by segment start
	// time (ID as tie-break).
	Members []string

	// Exemplar is the member closest to the group's centroid; ties go to
	// the member with the earliest start time. For singleton groups the
	// exemplar is the sole member.
	Exemplar string

	// Noise marks singleton groups produced from noise points rather than
	// from a qualifying density cluster.
	Noise bool
}

// Params tunes cluster formation. The defaults were chosen empirically;
// treat them as a starting point and validate against held-out labeled data
// before changing them in production.
type Params struct {
	// MinClusterSize is the smallest member count that forms a cluster.
	MinClusterSize int

	// MinSamples is the neighbour count used for core distances. Larger
	// values demand denser evidence before points are considered part of a
	// cluster.
	MinSamples int

	// MaxIntraDistance caps the mutual-reachability distance at which a
	// cluster may still form. Merges above the cap only ever produce
	// noise, never a cluster.
	MaxIntraDistance float64
}

// DefaultParams returns the empirically tuned defaults.
func DefaultParams() Params {
	return Params{
		MinClusterSize:   3,
		MinSamples:       2,
		MaxIntraDistance: 0.45,
	}
}

// Validate reports the first invalid field of p.
func (p Params) Validate() error {
	if p.MinClusterSize < 2 {
		return fmt.Errorf("cluster: min cluster size must be at least 2, got %d", p.MinClusterSize)
	}
	if p.MinSamples < 1 {
		return fmt.Errorf("cluster: min samples must be at least 1, got %d", p.MinSamples)
	}
	if p.MaxIntraDistance <= 0 || p.MaxIntraDistance > 2 {
		return fmt.Errorf("cluster: max intra distance must be in (0, 2], got %f", p.MaxIntraDistance)
	}
	return nil
}

// Engine computes speaker groups for a run. It reads the voiceprint store
// only — clustering never writes — and tolerates staleness: a segment
// confirmed moments after the query simply shows up in a group and is
// no-opped by the correction workflow.
type Engine struct {
	prints   voiceprint.Store
	segments diarize.SegmentStore
	params   Params
	metrics  *observe.Metrics
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New returns an [Engine]. Params are validated on first use of Cluster.
func New(prints voiceprint.Store, segments diarize.SegmentStore, params Params, opts ...Option) *Engine {
	e := &Engine{prints: prints, segments: segments, params: params, metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Cluster groups the run's unidentified embeddings. The result is
// deterministic for a fixed input order: groups appear in formation order
// (tightest first), then noise singletons ordered by segment start.
func (e *Engine) Cluster(ctx context.Context, runID string) ([]Group, error) {
	if err := e.params.Validate(); err != nil {
		return nil, err
	}
	began := time.Now()
	defer func() {
		e.metrics.RecordClusterPass(ctx, time.Since(began).Seconds())
	}()

	recs, err := e.prints.QueryByRun(ctx, runID, true)
	if err != nil {
		return nil, fmt.Errorf("cluster: query embeddings: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	starts, err := e.segmentStarts(ctx, runID)
	if err != nil {
		return nil, err
	}

	clusters, noise := e.partition(recs)

	groups := make([]Group, 0, len(clusters)+len(noise))
	for _, members := range clusters {
		groups = append(groups, e.buildGroup(recs, members, starts, false))
	}

	sort.Slice(noise, func(i, j int) bool {
		return segmentLess(recs[noise[i]].SegmentID, recs[noise[j]].SegmentID, starts)
	})
	for _, idx := range noise {
		id := recs[idx].SegmentID
		groups = append(groups, Group{Members: []string{id}, Exemplar: id, Noise: true})
	}
	return groups, nil
}

// segmentStarts maps segment ID → start time for exemplar tie-breaking.
// Segments missing from the store fall back to +Inf-ish ordering by ID.
func (e *Engine) segmentStarts(ctx context.Context, runID string) (map[string]float64, error) {
	segs, err := e.segments.ListSegments(ctx, runID, diarize.SegmentFilter{})
	if err != nil {
		return nil, fmt.Errorf("cluster: list segments: %w", err)
	}
	starts := make(map[string]float64, len(segs))
	for _, seg := range segs {
		starts[seg.ID] = seg.Start
	}
	return starts, nil
}

// partition runs the density clustering and returns qualifying clusters
// (as index lists, in formation order) plus noise point indexes.
func (e *Engine) partition(recs []voiceprint.Embedding) (clusters [][]int, noise []int) {
	n := len(recs)
	if n == 1 {
		return nil, []int{0}
	}

	dist := pairwiseDistances(recs)
	core := coreDistances(dist, e.params.MinSamples)

	// Lift to mutual reachability: two points are only as close as the
	// sparser of their neighbourhoods allows.
	mreach := make([][]float64, n)
	for i := range mreach {
		mreach[i] = make([]float64, n)
		for j := range mreach[i] {
			if i == j {
				continue
			}
			d := dist[i][j]
			if core[i] > d {
				d = core[i]
			}
			if core[j] > d {
				d = core[j]
			}
			mreach[i][j] = d
		}
	}

	edges := minimumSpanningTree(mreach)
	sort.Slice(edges, func(a, b int) bool {
		if edges[a].weight != edges[b].weight {
			return edges[a].weight < edges[b].weight
		}
		if edges[a].u != edges[b].u {
			return edges[a].u < edges[b].u
		}
		return edges[a].v < edges[b].v
	})

	// Walk the dendrogram bottom-up. A component becomes a cluster the
	// first time it reaches MinClusterSize below the distance cap; once
	// formed it is frozen — later, looser merges neither grow it nor fuse
	// it with siblings. That is the leaf policy: the tightest qualifying
	// children win, the merged parents are discarded.
	uf := newUnionFind(n)
	frozen := make(map[int]bool) // root → cluster already formed

	for _, ed := range edges {
		ru, rv := uf.find(ed.u), uf.find(ed.v)
		if ru == rv {
			continue
		}
		uFrozen, vFrozen := frozen[ru], frozen[rv]
		root := uf.union(ru, rv)

		switch {
		case uFrozen || vFrozen:
			// Members joining past a formed cluster stay noise; two
			// formed clusters never fuse. Mark the merged component so
			// neither happens.
			frozen[root] = true
		case uf.size(root) >= e.params.MinClusterSize && ed.weight <= e.params.MaxIntraDistance:
			clusters = append(clusters, uf.members(root))
			frozen[root] = true
		}
	}

	claimed := make([]bool, n)
	for _, members := range clusters {
		for _, idx := range members {
			claimed[idx] = true
		}
	}
	for i := 0; i < n; i++ {
		if !claimed[i] {
			noise = append(noise, i)
		}
	}
	return clusters, noise
}

// buildGroup assembles a [Group] from record indexes: members sorted by
// segment start, exemplar closest to the centroid.
func (e *Engine) buildGroup(recs []voiceprint.Embedding, members []int, starts map[string]float64, noise bool) Group {
	dim := len(recs[members[0]].Vector)
	centroid := make([]float32, dim)
	for _, idx := range members {
		for d, v := range recs[idx].Vector {
			centroid[d] += v
		}
	}
	for d := range centroid {
		centroid[d] /= float32(len(members))
	}

	exemplar := ""
	bestDist := 0.0
	for _, idx := range members {
		id := recs[idx].SegmentID
		d := 1 - identify.Cosine(recs[idx].Vector, centroid)
		switch {
		case exemplar == "", d < bestDist:
			exemplar, bestDist = id, d
		case d == bestDist && segmentLess(id, exemplar, starts):
			exemplar = id
		}
	}

	ids := make([]string, 0, len(members))
	for _, idx := range members {
		ids = append(ids, recs[idx].SegmentID)
	}
	sort.Slice(ids, func(i, j int) bool { return segmentLess(ids[i], ids[j], starts) })

	return Group{Members: ids, Exemplar: exemplar, Noise: noise}
}

// segmentLess orders segment IDs by start time, then ID.
func segmentLess(a, b string, starts map[string]float64) bool {
	sa, okA := starts[a]
	sb, okB := starts[b]
	if okA && okB && sa != sb {
		return sa < sb
	}
	if okA != okB {
		return okA // known starts sort before unknown
	}
	return a < b
}

func pairwiseDistances(recs []voiceprint.Embedding) [][]float64 {
	n := len(recs)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := 1 - identify.Cosine(recs[i].Vector, recs[j].Vector)
			dist[i][j] = d
			dist[j][i] = d
		}
	}
	return dist
}

// coreDistances returns, per point, the distance to its minSamples-th
// nearest neighbour (clamped to the available neighbour count).
func coreDistances(dist [][]float64, minSamples int) []float64 {
	n := len(dist)
	k := minSamples
	if k > n-1 {
		k = n - 1
	}
	core := make([]float64, n)
	neighbours := make([]float64, 0, n-1)
	for i := 0; i < n; i++ {
		neighbours = neighbours[:0]
		for j := 0; j < n; j++ {
			if j != i {
				neighbours = append(neighbours, dist[i][j])
			}
		}
		sort.Float64s(neighbours)
		core[i] = neighbours[k-1]
	}
	return core
}

type edge struct {
	u, v   int
	weight float64
}

// minimumSpanningTree computes an MST over the complete mutual-reachability
// graph with Prim's algorithm. O(n²), fine for per-run point counts.
func minimumSpanningTree(mreach [][]float64) []edge {
	n := len(mreach)
	inTree := make([]bool, n)
	bestDist := make([]float64, n)
	bestFrom := make([]int, n)
	for i := range bestDist {
		bestDist[i] = 1e18
		bestFrom[i] = -1
	}

	edges := make([]edge, 0, n-1)
	bestDist[0] = 0
	for range n {
		next := -1
		for v := 0; v < n; v++ {
			if !inTree[v] && (next == -1 || bestDist[v] < bestDist[next]) {
				next = v
			}
		}
		inTree[next] = true
		if bestFrom[next] >= 0 {
			u, v := bestFrom[next], next
			if u > v {
				u, v = v, u
			}
			edges = append(edges, edge{u: u, v: v, weight: bestDist[next]})
		}
		for v := 0; v < n; v++ {
			if !inTree[v] && mreach[next][v] < bestDist[v] {
				bestDist[v] = mreach[next][v]
				bestFrom[v] = next
			}
		}
	}
	return edges
}

// unionFind is a size-tracking disjoint-set that can enumerate component
// members, used to read clusters off the MST.
type unionFind struct {
	parent []int
	rank   []int
	sizes  []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{
		parent: make([]int, n),
		rank:   make([]int, n),
		sizes:  make([]int, n),
	}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.sizes[i] = 1
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) int {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return ra
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.sizes[ra] += uf.sizes[rb]
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
	return ra
}

func (uf *unionFind) size(x int) int {
	return uf.sizes[uf.find(x)]
}

// members enumerates the component containing x in index order.
func (uf *unionFind) members(x int) []int {
	root := uf.find(x)
	var out []int
	for i := range uf.parent {
		if uf.find(i) == root {
			out = append(out, i)
		}
	}
	return out
}
