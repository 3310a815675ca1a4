package databank

import (
	"container/heap"
	"math/rand"
	"sort"

	"github.com/orneryd/databank/pkg/ternary"
)

const defaultIVFProbes = 4

// Cosine values used for cluster pruning are scaled by cosScale.
const cosScale = 1 << 16

// coneUnknown marks a cluster whose angular radius cannot be trusted
// (zero-norm member or centroid). Such clusters are never pruned.
const coneUnknown = int64(-2 * cosScale)

// boundSlack absorbs integer-sqrt rounding in the cluster bound, on the
// x256 score scale. Pruning only errs toward probing more clusters.
const boundSlack = 8

// IVFIndex is an inverted-file index: the vector space is partitioned into
// k centroids, each owning the list of entries nearest to it. Queries rank
// the clusters by cosine similarity between the query and each centroid and
// probe them in that order. After the nprobe nearest clusters, probing
// continues only while a remaining cluster's angular bound says it could
// still hold an entry scoring above the current kth result, so recall holds
// even when the clusters separate poorly.
//
// Centroids are stored as int32 vectors (signed values) so they can hold
// component means that are not representable as single signals. Distance
// for centroid assignment is the sum of squared differences of signed
// values, accumulated in int64.
//
// Sparse cues (any inactive query dimension) fall back to a full scan: the
// cluster bound is computed over the full vector space and does not hold on
// the cue's restricted subspace.
type IVFIndex struct {
	centroids   [][]int32
	assignments [][]EntryID
	// coneCos[i] is the minimum cosine (x65536) between any member of
	// cluster i and its centroid: the cluster's angular radius.
	coneCos []int64
	k       int
	nprobe  int
	rng     *rand.Rand
}

var _ VectorIndex = (*IVFIndex)(nil)

// NewIVFIndex creates an IVF index. k <= 0 means ceil(sqrt(n)) chosen at
// rebuild time; nprobe <= 0 falls back to the default of 4.
func NewIVFIndex(k, nprobe int) *IVFIndex {
	if nprobe <= 0 {
		nprobe = defaultIVFProbes
	}
	return &IVFIndex{
		k:      k,
		nprobe: nprobe,
		rng:    rand.New(rand.NewSource(0x17F)),
	}
}

// Insert assigns the entry to its nearest centroid and widens that
// cluster's cone if the entry sits outside it. Before the first rebuild
// there are no centroids; the entry is picked up by the next rebuild, and
// queries fall back to a full scan in the meantime.
func (ix *IVFIndex) Insert(id EntryID, vector []ternary.Signal) {
	if len(ix.centroids) == 0 {
		return
	}
	v := ternary.ToInt32s(vector)
	ci := ix.nearestCentroid(v)
	ix.assignments[ci] = append(ix.assignments[ci], id)
	if c := scaledCos(v, ix.centroids[ci]); c < ix.coneCos[ci] {
		ix.coneCos[ci] = c
	}
}

// Remove deregisters the entry from whichever cluster holds it. The
// cluster cone is left as is; a stale-wide cone only costs extra probing.
func (ix *IVFIndex) Remove(id EntryID) {
	for ci, bucket := range ix.assignments {
		for i, eid := range bucket {
			if eid == id {
				ix.assignments[ci] = append(bucket[:i], bucket[i+1:]...)
				return
			}
		}
	}
}

// Query probes clusters in descending query-to-centroid cosine order and
// scores their entries with the sparse cosine kernel. At least nprobe
// clusters are probed; further clusters are skipped only when their cone
// bound proves they cannot beat the kth best score found so far. Falls
// back to a full scan when the index has not been built yet, or when the
// cue is sparse.
func (ix *IVFIndex) Query(query []ternary.Signal, entries map[EntryID]*BankEntry, topK int) []QueryResult {
	if topK <= 0 || len(entries) == 0 {
		return nil
	}
	if len(ix.centroids) == 0 {
		return (&BruteForceIndex{}).Query(query, entries, topK)
	}
	for _, s := range query {
		if s.IsZero() {
			return (&BruteForceIndex{}).Query(query, entries, topK)
		}
	}

	qv := ternary.ToInt32s(query)
	order := ix.rankClusters(qv)

	h := make(resultHeap, 0, topK)
	probed := 0
	for _, rc := range order {
		if probed >= ix.nprobe && len(h) >= topK {
			if ix.clusterBound(rc)+boundSlack < int64(h[0].Score) {
				continue
			}
		}
		for _, id := range ix.assignments[rc.idx] {
			entry, ok := entries[id]
			if !ok {
				continue
			}
			r := QueryResult{EntryID: id, Score: ternary.SparseCosine(query, entry.Vector)}
			if len(h) < topK {
				heap.Push(&h, r)
			} else if resultLess(h[0], r) {
				h[0] = r
				heap.Fix(&h, 0)
			}
		}
		probed++
	}
	sortResults(h)
	return h
}

type rankedCluster struct {
	idx int
	// cos is the query-to-centroid cosine, x65536. coneUnknown when the
	// centroid norm is zero.
	cos int64
}

// rankClusters orders clusters by query-to-centroid cosine, best first.
// Ties and unknown cosines keep the lower index first for determinism.
func (ix *IVFIndex) rankClusters(qv []int32) []rankedCluster {
	order := make([]rankedCluster, len(ix.centroids))
	for i, c := range ix.centroids {
		order[i] = rankedCluster{idx: i, cos: scaledCos(qv, c)}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].cos != order[j].cos {
			return order[i].cos > order[j].cos
		}
		return order[i].idx < order[j].idx
	})
	return order
}

// clusterBound returns the highest x256 score any member of the cluster
// could reach against the query: cos(angle(query, centroid) - cone angle).
func (ix *IVFIndex) clusterBound(rc rankedCluster) int64 {
	cone := ix.coneCos[rc.idx]
	if rc.cos <= coneUnknown || cone <= coneUnknown {
		return 256
	}
	if rc.cos >= cone {
		// The query direction falls inside the cone.
		return 256
	}
	sinQ := ternary.Isqrt(cosScale*cosScale - rc.cos*rc.cos)
	sinC := ternary.Isqrt(cosScale*cosScale - cone*cone)
	return (rc.cos*cone + sinQ*sinC) / cosScale / 256
}

// scaledCos is the cosine between two signed vectors, x65536, over the
// common prefix. Returns coneUnknown when either norm is zero.
func scaledCos(a, b []int32) int64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb int64
	for i := 0; i < n; i++ {
		av, bv := int64(a[i]), int64(b[i])
		dot += av * bv
		na += av * av
		nb += bv * bv
	}
	denom := ternary.Isqrt(na) * ternary.Isqrt(nb)
	if denom == 0 {
		return coneUnknown
	}
	c := dot * cosScale / denom
	if c > cosScale {
		c = cosScale
	} else if c < -cosScale {
		c = -cosScale
	}
	return c
}

// Rebuild re-seeds centroids from a random sample of entries and assigns
// every entry to its nearest centroid. For refined clustering use
// RebuildKMeans.
func (ix *IVFIndex) Rebuild(entries map[EntryID]*BankEntry) {
	ix.initCentroids(entries)
	ix.assignAll(entries)
}

// RebuildKMeans refines centroids with integer k-means: up to maxIterations
// rounds of assigning entries to their nearest centroid and recomputing
// each centroid as the component-wise mean (int64 sums, int32 division).
// Terminates early when a full pass changes no assignment. Clusters left
// empty by a pass are re-seeded from a random entry.
func (ix *IVFIndex) RebuildKMeans(entries map[EntryID]*BankEntry, maxIterations int) {
	ix.initCentroids(entries)
	if len(ix.centroids) == 0 {
		return
	}

	width := len(ix.centroids[0])
	k := len(ix.centroids)

	ids := sortedEntryIDs(entries)
	vecs := make([][]int32, len(ids))
	for i, id := range ids {
		vecs[i] = ternary.ToInt32s(entries[id].Vector)
	}

	prev := make([]int, len(ids))
	for i := range prev {
		prev[i] = -1
	}

	for iter := 0; iter < maxIterations; iter++ {
		buckets := make([][]int, k)
		changed := false
		for i, v := range vecs {
			ci := ix.nearestCentroid(v)
			if ci != prev[i] {
				changed = true
				prev[i] = ci
			}
			buckets[ci] = append(buckets[ci], i)
		}
		if !changed && iter > 0 {
			break
		}

		for ci := 0; ci < k; ci++ {
			if len(buckets[ci]) == 0 {
				// Re-seed a starved cluster from a random entry.
				ix.centroids[ci] = append([]int32(nil), vecs[ix.rng.Intn(len(vecs))]...)
				continue
			}
			sums := make([]int64, width)
			for _, ei := range buckets[ci] {
				for j, v := range vecs[ei] {
					if j < width {
						sums[j] += int64(v)
					}
				}
			}
			n := int64(len(buckets[ci]))
			mean := make([]int32, width)
			for j, s := range sums {
				mean[j] = int32(s / n)
			}
			ix.centroids[ci] = mean
		}
	}

	ix.assignAll(entries)
}

// initCentroids samples k distinct entries as the initial centroids. k is
// clamped to the entry count; a configured k of zero means ceil(sqrt(n)).
func (ix *IVFIndex) initCentroids(entries map[EntryID]*BankEntry) {
	ix.centroids = nil
	ix.assignments = nil
	ix.coneCos = nil
	if len(entries) == 0 {
		return
	}

	k := ix.k
	if k <= 0 {
		n := int64(len(entries))
		r := ternary.Isqrt(n)
		if r*r < n {
			r++
		}
		k = int(r)
	}
	if k > len(entries) {
		k = len(entries)
	}
	if k < 1 {
		k = 1
	}

	ids := sortedEntryIDs(entries)
	ix.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	ix.centroids = make([][]int32, k)
	for i := 0; i < k; i++ {
		ix.centroids[i] = ternary.ToInt32s(entries[ids[i]].Vector)
	}
	ix.assignments = make([][]EntryID, k)
	ix.coneCos = make([]int64, k)
}

// assignAll routes every entry to its nearest centroid and recomputes each
// cluster's cone as the minimum member-to-centroid cosine.
func (ix *IVFIndex) assignAll(entries map[EntryID]*BankEntry) {
	for i := range ix.assignments {
		ix.assignments[i] = ix.assignments[i][:0]
		ix.coneCos[i] = cosScale
	}
	if len(ix.centroids) == 0 {
		return
	}
	for id, entry := range entries {
		v := ternary.ToInt32s(entry.Vector)
		ci := ix.nearestCentroid(v)
		ix.assignments[ci] = append(ix.assignments[ci], id)
		if c := scaledCos(v, ix.centroids[ci]); c < ix.coneCos[ci] {
			ix.coneCos[ci] = c
		}
	}
}

// nearestCentroid returns the index of the centroid with the smallest
// squared distance to v. First index wins ties.
func (ix *IVFIndex) nearestCentroid(v []int32) int {
	best := 0
	bestDist := int64(-1)
	for i, c := range ix.centroids {
		d := squaredDistance(v, c)
		if bestDist < 0 || d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// squaredDistance is the sum of squared component differences over the
// common prefix, accumulated in int64.
func squaredDistance(a, b []int32) int64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum int64
	for i := 0; i < n; i++ {
		d := int64(a[i]) - int64(b[i])
		sum += d * d
	}
	return sum
}

// sortedEntryIDs returns the map keys in ascending order so sampling and
// k-means passes are deterministic for a given seed.
func sortedEntryIDs(entries map[EntryID]*BankEntry) []EntryID {
	ids := make([]EntryID, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
