package retrieval

import (
	"container/heap"
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
)

// IVFIndex is an inverted-file approximate index layered over the exact
// store. Vectors are clustered with k-means; a query probes only the lists
// of the nearest centroids, trading a bounded recall loss for sub-linear
// scan cost. The probe width is calibrated after every rebuild so measured
// recall against exact search stays at or above the configured target.
//
// The exact store remains the durable copy; the IVF structure is rebuilt
// from it and can be discarded at any time.
type IVFIndex struct {
	exact     *ExactIndex
	minRecall float64
	log       zerolog.Logger

	mu        sync.RWMutex
	centroids [][]float64
	lists     [][]string // episode ids per centroid
	nprobe    int
	pending   []string // upserted since the last rebuild, scanned exhaustively
}

// kmeansIterations bounds Lloyd's algorithm; assignments stabilize long
// before this on embedding data.
const kmeansIterations = 10

// recallSampleSize is how many stored vectors are replayed as queries when
// calibrating the probe width.
const recallSampleSize = 32

// NewIVFIndex creates an approximate index over the exact store. The
// structure is empty until the first Rebuild.
func NewIVFIndex(exact *ExactIndex, minRecall float64, log zerolog.Logger) *IVFIndex {
	return &IVFIndex{
		exact:     exact,
		minRecall: minRecall,
		log:       log.With().Str("index", "ivf").Logger(),
	}
}

// Upsert persists through the exact store and queues the id for the next
// rebuild. Until then the id is scanned exhaustively, so fresh episodes are
// retrievable immediately at full recall.
func (idx *IVFIndex) Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error {
	if err := idx.exact.Upsert(ctx, id, vector, meta); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.pending = append(idx.pending, id)
	idx.mu.Unlock()
	return nil
}

// Delete removes the vector from the durable store. The id may linger in a
// cluster list until the next rebuild; lookups of deleted ids are skipped.
func (idx *IVFIndex) Delete(ctx context.Context, id string) error {
	return idx.exact.Delete(ctx, id)
}

// Count returns the number of indexed vectors.
func (idx *IVFIndex) Count() int {
	return idx.exact.Count()
}

// Query probes the nprobe nearest cluster lists plus any vectors added
// since the last rebuild. Before the first rebuild it falls back to exact
// search.
func (idx *IVFIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Candidate, error) {
	if k <= 0 {
		k = 10
	}

	idx.mu.RLock()
	built := len(idx.centroids) > 0
	idx.mu.RUnlock()

	if !built {
		return idx.exact.Query(ctx, vector, k, filter)
	}

	query := normalize(vector)
	query64 := toFloat64(query)

	idx.mu.RLock()
	probes := idx.nearestCentroids(query64, idx.nprobe)
	ids := make([]string, 0, k*idx.nprobe)
	for _, p := range probes {
		ids = append(ids, idx.lists[p]...)
	}
	ids = append(ids, idx.pending...)
	idx.mu.RUnlock()

	h := &candidateHeap{}
	heap.Init(h)

	for i, id := range ids {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		vec, meta, ok := idx.exact.get(id)
		if !ok || len(vec) != len(query) {
			continue
		}
		if !filter.matches(meta) {
			continue
		}

		score := dotProduct(query, vec)
		if h.Len() < k {
			heap.Push(h, Candidate{ID: id, Score: score, Meta: meta})
		} else if score > (*h)[0].Score {
			(*h)[0] = Candidate{ID: id, Score: score, Meta: meta}
			heap.Fix(h, 0)
		}
	}

	results := make([]Candidate, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(Candidate)
	}
	return results, nil
}

// Rebuild reclusters the corpus and recalibrates the probe width against
// the recall target. Run from the maintenance job, never on the query path.
func (idx *IVFIndex) Rebuild(ctx context.Context) error {
	vectors, _ := idx.exact.snapshot()
	n := len(vectors)
	if n == 0 {
		idx.mu.Lock()
		idx.centroids, idx.lists, idx.pending = nil, nil, nil
		idx.mu.Unlock()
		return nil
	}

	nlist := int(math.Sqrt(float64(n)))
	if nlist < 1 {
		nlist = 1
	}
	if nlist > 256 {
		nlist = 256
	}

	ids := make([]string, 0, n)
	points := make([][]float64, 0, n)
	for id, v := range vectors {
		ids = append(ids, id)
		points = append(points, toFloat64(v))
	}
	// Map iteration order is random; sort for a deterministic clustering.
	sort.Sort(&byID{ids: ids, points: points})

	centroids, assignments := kmeans(ctx, points, nlist)
	if centroids == nil {
		return ctx.Err()
	}

	lists := make([][]string, len(centroids))
	for i, c := range assignments {
		lists[c] = append(lists[c], ids[i])
	}

	idx.mu.Lock()
	idx.centroids = centroids
	idx.lists = lists
	idx.pending = nil
	idx.nprobe = 1
	idx.mu.Unlock()

	nprobe, recall, err := idx.calibrate(ctx, points, ids)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	idx.nprobe = nprobe
	idx.mu.Unlock()

	idx.log.Info().
		Int("vectors", n).
		Int("nlist", len(centroids)).
		Int("nprobe", nprobe).
		Float64("measured_recall", recall).
		Msg("Rebuilt approximate index")

	return nil
}

// calibrate replays a sample of stored vectors as queries and widens the
// probe count until measured recall against exact search meets the target.
func (idx *IVFIndex) calibrate(ctx context.Context, points [][]float64, ids []string) (int, float64, error) {
	sample := len(points)
	if sample > recallSampleSize {
		sample = recallSampleSize
	}
	step := len(points) / sample

	idx.mu.RLock()
	nlist := len(idx.centroids)
	idx.mu.RUnlock()

	const k = 10
	recall := 0.0

	for nprobe := 1; nprobe <= nlist; nprobe++ {
		idx.mu.Lock()
		idx.nprobe = nprobe
		idx.mu.Unlock()

		hits, total := 0, 0
		for s := 0; s < sample; s++ {
			i := s * step
			queryVec, _, ok := idx.exact.get(ids[i])
			if !ok {
				continue
			}

			exactTop, err := idx.exact.Query(ctx, queryVec, k, Filter{})
			if err != nil {
				return nprobe, 0, err
			}
			approxTop, err := idx.Query(ctx, queryVec, k, Filter{})
			if err != nil {
				return nprobe, 0, err
			}

			found := make(map[string]bool, len(approxTop))
			for _, c := range approxTop {
				found[c.ID] = true
			}
			for _, c := range exactTop {
				total++
				if found[c.ID] {
					hits++
				}
			}
		}

		if total == 0 {
			return nprobe, 1, nil
		}
		recall = float64(hits) / float64(total)
		if recall >= idx.minRecall {
			return nprobe, recall, nil
		}
	}

	return nlist, recall, nil
}

// nearestCentroids returns the indices of the n centroids closest to the
// query. Caller holds at least a read lock.
func (idx *IVFIndex) nearestCentroids(query []float64, n int) []int {
	type dist struct {
		i int
		d float64
	}
	ds := make([]dist, len(idx.centroids))
	for i, c := range idx.centroids {
		ds[i] = dist{i: i, d: floats.Distance(query, c, 2)}
	}
	sort.Slice(ds, func(a, b int) bool { return ds[a].d < ds[b].d })

	if n > len(ds) {
		n = len(ds)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = ds[i].i
	}
	return out
}

// kmeans runs Lloyd's algorithm with deterministic strided seeding.
// Returns nil centroids when the context is cancelled mid-run.
func kmeans(ctx context.Context, points [][]float64, k int) ([][]float64, []int) {
	if k > len(points) {
		k = len(points)
	}
	dims := len(points[0])

	centroids := make([][]float64, k)
	stride := len(points) / k
	for i := 0; i < k; i++ {
		centroids[i] = append([]float64(nil), points[i*stride]...)
	}

	assignments := make([]int, len(points))
	for iter := 0; iter < kmeansIterations; iter++ {
		if ctx.Err() != nil {
			return nil, nil
		}

		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				if d := floats.Distance(p, centroid, 2); d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dims)
		}
		for i, p := range points {
			floats.Add(sums[assignments[i]], p)
			counts[assignments[i]]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue // empty cluster keeps its previous centroid
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			centroids[c] = sums[c]
		}
	}

	return centroids, assignments
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// byID sorts parallel id/point slices by id.
type byID struct {
	ids    []string
	points [][]float64
}

func (s *byID) Len() int           { return len(s.ids) }
func (s *byID) Less(i, j int) bool { return s.ids[i] < s.ids[j] }
func (s *byID) Swap(i, j int) {
	s.ids[i], s.ids[j] = s.ids[j], s.ids[i]
	s.points[i], s.points[j] = s.points[j], s.points[i]
}

// get exposes one vector with its metadata for list scans.
func (idx *ExactIndex) get(id string) ([]float32, Metadata, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	vec, ok := idx.vectors[id]
	if !ok {
		return nil, Metadata{}, false
	}
	return vec, idx.meta[id], true
}

var _ VectorIndex = (*IVFIndex)(nil)
var _ VectorIndex = (*ExactIndex)(nil)
