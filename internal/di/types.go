// Package di wires the application together: databases, repositories,
// services, handlers, and background work, in dependency order.
package di

import (
	"github.com/rs/zerolog"

	"github.com/meridianfm/riskmatch/internal/clients/embedder"
	"github.com/meridianfm/riskmatch/internal/config"
	"github.com/meridianfm/riskmatch/internal/database"
	"github.com/meridianfm/riskmatch/internal/events"
	"github.com/meridianfm/riskmatch/internal/modules/episodes"
	"github.com/meridianfm/riskmatch/internal/modules/fingerprint"
	"github.com/meridianfm/riskmatch/internal/modules/ingest"
	"github.com/meridianfm/riskmatch/internal/modules/retrieval"
	"github.com/meridianfm/riskmatch/internal/modules/review"
	"github.com/meridianfm/riskmatch/internal/modules/synthesis"
	"github.com/meridianfm/riskmatch/internal/pipeline"
	"github.com/meridianfm/riskmatch/internal/reliability"
	"github.com/meridianfm/riskmatch/internal/work"
)

// Container holds every wired component. It is assembled once at startup
// and handed to the server; nothing resolves dependencies at runtime.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	// Databases
	SignalsDB *database.DB
	CorpusDB  *database.DB
	ReviewDB  *database.DB

	// Shared infrastructure
	Bus      *events.Bus
	Embedder *embedder.Client

	// Repositories
	SignalRepo      *ingest.Repository
	FingerprintRepo *fingerprint.Repository
	EpisodeRepo     *episodes.Repository
	ReviewRepo      *review.Repository

	// Retrieval index
	ExactIndex *retrieval.ExactIndex
	IVFIndex   *retrieval.IVFIndex
	Index      *retrieval.AdaptiveIndex

	// Services
	IngestService  *ingest.Service
	Builder        *fingerprint.Builder
	Retriever      *retrieval.Retriever
	Synthesizer    *synthesis.Synthesizer
	EpisodeService *episodes.Service
	ReviewService  *review.Service
	Pipeline       *pipeline.Service

	// Review event stream
	StreamHub *review.StreamHub

	// Background work
	WorkRegistry   *work.Registry
	WorkCompletion *work.CompletionTracker
	WorkProcessor  *work.Processor

	// Backups (nil unless configured)
	Snapshots *reliability.SnapshotService
}

// Close releases the container's resources in reverse dependency order.
func (c *Container) Close() {
	for _, db := range []*database.DB{c.ReviewDB, c.CorpusDB, c.SignalsDB} {
		if db != nil {
			if err := db.Close(); err != nil {
				c.Log.Error().Err(err).Str("database", db.Name()).Msg("Failed to close database")
			}
		}
	}
}

// Databases returns the wired databases, used for health checks and backups.
func (c *Container) Databases() []*database.DB {
	return []*database.DB{c.SignalsDB, c.CorpusDB, c.ReviewDB}
}
