package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/meridianfm/riskmatch/internal/domain"
)

// ExactIndex provides brute-force cosine search backed by SQLite BLOBs.
// Vectors live in memory for scoring; the vectors table is the durable
// copy reloaded on startup. Results are exact, and at corpus sizes up to
// the configured exact-search ceiling a full scan stays well inside the
// retrieval deadline.
type ExactIndex struct {
	db   *sql.DB
	dims int

	mu      sync.RWMutex
	vectors map[string][]float32
	meta    map[string]Metadata
}

// NewExactIndex creates an exact index over corpus.db and loads existing
// vectors (with their episode metadata) into memory.
func NewExactIndex(db *sql.DB, dims int) (*ExactIndex, error) {
	idx := &ExactIndex{
		db:      db,
		dims:    dims,
		vectors: make(map[string][]float32),
		meta:    make(map[string]Metadata),
	}

	if err := idx.loadAll(); err != nil {
		return nil, fmt.Errorf("failed to load vector index: %w", err)
	}

	return idx, nil
}

func (idx *ExactIndex) loadAll() error {
	rows, err := idx.db.Query(`
		SELECT v.item_id, v.embedding, v.dimensions,
		       e.fund_id, e.asset_class, e.vol_regime, e.recorded_at
		FROM vectors v
		JOIN episodes e ON e.id = v.item_id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, fundID, assetClass, regime string
		var blob []byte
		var dims int
		var recordedAt int64

		if err := rows.Scan(&id, &blob, &dims, &fundID, &assetClass, &regime, &recordedAt); err != nil {
			return err
		}

		idx.vectors[id] = blobToFloat32(blob, dims)
		idx.meta[id] = Metadata{
			FundID:     fundID,
			AssetClass: assetClass,
			VolRegime:  domain.VolRegime(regime),
			RecordedAt: time.Unix(recordedAt, 0).UTC(),
		}
	}
	return rows.Err()
}

// Upsert stores a vector for the given episode id. The vector is normalized
// on insert so dot product equals cosine similarity.
func (idx *ExactIndex) Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error {
	if len(vector) != idx.dims {
		return fmt.Errorf("vector dimension mismatch: got %d, want %d", len(vector), idx.dims)
	}

	normalized := normalize(vector)
	blob := float32ToBlob(normalized)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO vectors (item_id, embedding, dimensions)
		VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			embedding = excluded.embedding, dimensions = excluded.dimensions
	`, id, blob, len(normalized))
	if err != nil {
		return fmt.Errorf("failed to persist vector: %w", err)
	}

	idx.vectors[id] = normalized
	idx.meta[id] = meta
	return nil
}

// Query returns the top-k episodes by cosine similarity, after metadata
// filtering. Uses a min-heap so only k candidates are tracked during the
// scan. Fewer than k matches returns what exists.
func (idx *ExactIndex) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Candidate, error) {
	if k <= 0 {
		k = 10
	}
	query := normalize(vector)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	h := &candidateHeap{}
	heap.Init(h)

	i := 0
	for id, vec := range idx.vectors {
		// Check the deadline periodically, not on every iteration
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		i++

		if len(vec) != len(query) {
			continue
		}
		meta := idx.meta[id]
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

	// Extract results in descending score order
	results := make([]Candidate, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(Candidate)
	}
	return results, nil
}

// Delete removes a vector by episode id.
func (idx *ExactIndex) Delete(ctx context.Context, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, err := idx.db.ExecContext(ctx, `DELETE FROM vectors WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}

	delete(idx.vectors, id)
	delete(idx.meta, id)
	return nil
}

// Count returns the number of indexed vectors.
func (idx *ExactIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// snapshot copies the current vectors and metadata for offline clustering.
func (idx *ExactIndex) snapshot() (map[string][]float32, map[string]Metadata) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	vectors := make(map[string][]float32, len(idx.vectors))
	meta := make(map[string]Metadata, len(idx.meta))
	for id, v := range idx.vectors {
		vectors[id] = v
		meta[id] = idx.meta[id]
	}
	return vectors, meta
}

// candidateHeap implements heap.Interface for top-k selection (min at root).
type candidateHeap []Candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// --- math helpers ---

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return make([]float32, len(v))
	}

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// --- serialization helpers ---

func float32ToBlob(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func blobToFloat32(b []byte, dims int) []float32 {
	v := make([]float32, dims)
	for i := 0; i < dims && i*4+4 <= len(b); i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
