package di

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

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

// Wire builds the full container from configuration.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Log:    log,
		Bus:    events.NewBus(),
	}

	if err := wireDatabases(c); err != nil {
		c.Close()
		return nil, err
	}

	wireClients(c)

	if err := wireRepositories(c); err != nil {
		c.Close()
		return nil, err
	}

	wireServices(c)
	wireWork(c)

	if err := wireBackups(c); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// wireDatabases opens and migrates the three databases. The review trail is
// an audit record and gets the ledger profile; signals and the corpus use
// the standard profile.
func wireDatabases(c *Container) error {
	specs := []struct {
		name    string
		profile database.DatabaseProfile
		target  **database.DB
	}{
		{"signals", database.ProfileStandard, &c.SignalsDB},
		{"corpus", database.ProfileStandard, &c.CorpusDB},
		{"review", database.ProfileLedger, &c.ReviewDB},
	}

	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(c.Config.DataDir, spec.name+".db"),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			return fmt.Errorf("failed to open %s database: %w", spec.name, err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return fmt.Errorf("failed to migrate %s database: %w", spec.name, err)
		}
		*spec.target = db
	}

	return nil
}

func wireClients(c *Container) {
	c.Embedder = embedder.New(embedder.Config{
		BaseURL:    c.Config.EmbedderURL,
		Dimensions: c.Config.EmbeddingDim,
		MaxRetries: c.Config.EmbedMaxRetries,
		Timeout:    c.Config.EmbedTimeout,
	}, c.Log)
}

func wireRepositories(c *Container) error {
	c.SignalRepo = ingest.NewRepository(c.SignalsDB.Conn(), c.Log)
	c.FingerprintRepo = fingerprint.NewRepository(c.CorpusDB.Conn(), c.Log)
	c.EpisodeRepo = episodes.NewRepository(c.CorpusDB.Conn(), c.Log)
	c.ReviewRepo = review.NewRepository(c.ReviewDB.Conn(), c.Log)

	exact, err := retrieval.NewExactIndex(c.CorpusDB.Conn(), c.Config.EmbeddingDim)
	if err != nil {
		return err
	}
	c.ExactIndex = exact
	c.IVFIndex = retrieval.NewIVFIndex(exact, c.Config.MinRecall, c.Log)
	c.Index = retrieval.NewAdaptiveIndex(exact, c.IVFIndex, c.Config.ExactMaxCorpus)

	return nil
}

func wireServices(c *Container) {
	c.IngestService = ingest.NewService(c.SignalRepo, c.Bus, c.Log)

	c.Builder = fingerprint.NewBuilder(c.SignalRepo, fingerprint.Config{
		LookbackWindow:   c.Config.LookbackWindow,
		BaselinePeriod:   c.Config.BaselinePeriod,
		MissingSourceMax: c.Config.MissingSourceMax,
	}, c.Log)

	c.Retriever = retrieval.NewRetriever(c.Index, c.EpisodeRepo, retrieval.Config{
		K:       c.Config.RetrievalK,
		Epsilon: c.Config.RetrievalEpsilon,
		Timeout: c.Config.RetrievalTimeout,
	}, c.Log)

	c.Synthesizer = synthesis.NewSynthesizer(synthesis.Config{
		Timeout:          c.Config.SynthesisTimeout,
		ConfidenceFloor:  c.Config.ConfidenceFloor,
		WeightSimilarity: c.Config.WeightSimilarity,
		WeightRecency:    c.Config.WeightRecency,
		WeightOutcome:    c.Config.WeightOutcome,
		RecencyHalfLife:  c.Config.RecencyHalfLife,
		OutcomeScale:     c.Config.OutcomeScale,
	}, c.Log)

	c.EpisodeService = episodes.NewService(c.EpisodeRepo, c.Index, c.Embedder, c.Bus, c.Log)

	c.ReviewService = review.NewService(
		c.ReviewRepo,
		c.FingerprintRepo,
		c.EpisodeService,
		c.Bus,
		c.Config.ReviewSLA,
		c.Log,
	)

	c.Pipeline = pipeline.NewService(
		c.Builder,
		c.Embedder,
		c.FingerprintRepo,
		c.Retriever,
		c.Synthesizer,
		c.ReviewService,
		c.Bus,
		c.Log,
	)

	c.StreamHub = review.NewStreamHub(c.Bus, c.Log)
}

// wireWork registers the background work types and connects bus events to
// the processor trigger.
func wireWork(c *Container) {
	c.WorkRegistry = work.NewRegistry()
	c.WorkCompletion = work.NewCompletionTracker()
	c.WorkProcessor = work.NewProcessor(c.WorkRegistry, c.WorkCompletion)

	global := func() []string { return []string{""} }

	// Review SLA sweep: expire open recommendations past their deadline.
	c.WorkRegistry.Register(&work.WorkType{
		ID:           "review:expire",
		Interval:     5 * time.Minute,
		Priority:     work.PriorityHigh,
		FindSubjects: global,
		Execute: func(ctx context.Context, subject string) error {
			_, err := c.ReviewService.ExpireOverdue(time.Now().UTC())
			return err
		},
	})

	// Approximate index rebuild: recluster and recalibrate recall.
	c.WorkRegistry.Register(&work.WorkType{
		ID:           "index:rebuild",
		Interval:     6 * time.Hour,
		Priority:     work.PriorityMedium,
		FindSubjects: global,
		Execute: func(ctx context.Context, subject string) error {
			return c.IVFIndex.Rebuild(ctx)
		},
	})

	// WAL checkpoints keep the write-ahead logs from growing unbounded.
	c.WorkRegistry.Register(&work.WorkType{
		ID:           "db:checkpoint",
		Interval:     time.Hour,
		Priority:     work.PriorityLow,
		FindSubjects: global,
		Execute: func(ctx context.Context, subject string) error {
			for _, db := range c.Databases() {
				if err := db.WALCheckpoint("TRUNCATE"); err != nil {
					return err
				}
			}
			return nil
		},
	})

	// New episodes eventually shift cluster boundaries; wake the processor
	// so interval checks run soon after corpus writes.
	c.Bus.Subscribe(events.EpisodeRecorded, func(*events.Event) {
		c.WorkProcessor.Trigger()
	})
	c.Bus.Subscribe(events.RecommendationProposed, func(*events.Event) {
		c.WorkProcessor.Trigger()
	})
}

// wireBackups wires the snapshot service when an object store is configured.
func wireBackups(c *Container) error {
	if c.Config.Backup == nil || !c.Config.Backup.Enabled {
		c.Log.Info().Msg("Backups disabled: no object store configured")
		return nil
	}

	store, err := reliability.NewObjectStore(
		context.Background(),
		c.Config.Backup.Endpoint,
		c.Config.Backup.Region,
		c.Config.Backup.Bucket,
		c.Config.Backup.AccessKey,
		c.Config.Backup.SecretKey,
	)
	if err != nil {
		return fmt.Errorf("failed to create object store client: %w", err)
	}

	c.Snapshots = reliability.NewSnapshotService(
		store,
		c.Databases(),
		c.Config.DataDir,
		c.Config.Backup.Keep,
		c.Bus,
		c.Log,
	)

	// Backups run through the work processor so they serialize with other
	// maintenance instead of competing with it.
	c.WorkRegistry.Register(&work.WorkType{
		ID:           "corpus:backup",
		Interval:     24 * time.Hour,
		Priority:     work.PriorityLow,
		FindSubjects: func() []string { return []string{""} },
		Execute: func(ctx context.Context, subject string) error {
			return c.Snapshots.Run(ctx)
		},
	})

	return nil
}
