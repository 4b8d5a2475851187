// Package fingerprint builds risk fingerprints from recent signal records.
// A fingerprint is a pure function of the signal store contents at build
// time: same fund, same instant, same stored records give a bit-identical
// fingerprint, so re-running a pipeline never forks history.
package fingerprint

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/meridianfm/riskmatch/internal/domain"
)

// SignalReader is the slice of the signal store the builder needs.
type SignalReader interface {
	LatestInWindow(fundID string, until time.Time, window time.Duration) (map[domain.SignalSource]domain.SignalRecord, error)
	ValuesSince(source domain.SignalSource, fundID string, since time.Time) ([]float64, error)
}

// Config holds fingerprint builder tunables.
type Config struct {
	LookbackWindow   time.Duration
	BaselinePeriod   time.Duration
	MissingSourceMax float64
}

// Builder assembles fingerprints from the most recent record per source.
type Builder struct {
	signals SignalReader
	cfg     Config
	log     zerolog.Logger
}

// NewBuilder creates a new fingerprint builder.
func NewBuilder(signals SignalReader, cfg Config, log zerolog.Logger) *Builder {
	return &Builder{
		signals: signals,
		cfg:     cfg,
		log:     log.With().Str("service", "fingerprint").Logger(),
	}
}

// Build constructs the fingerprint for a fund at the given instant.
//
// For each source it takes the most recent record inside the lookback
// window and z-scores its value against the fund's trailing baseline.
// Sources with no record in the window become explicit missing markers.
// When the missing fraction of required sources exceeds the configured
// maximum, Build returns domain.InsufficientSignalError and no fingerprint.
func (b *Builder) Build(fundID string, asOf time.Time) (*domain.RiskFingerprint, error) {
	asOf = asOf.Truncate(time.Second).UTC()

	latest, err := b.signals.LatestInWindow(fundID, asOf, b.cfg.LookbackWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load signals for fingerprint: %w", err)
	}

	var features domain.FeatureVector
	var assetClass string

	for _, source := range []domain.SignalSource{
		domain.SourceMacro,
		domain.SourceSentiment,
		domain.SourceVolatility,
		domain.SourcePortfolio,
	} {
		rec, ok := latest[source]
		if !ok || !rec.Payload.Value.Present {
			b.setFeature(&features, source, domain.MissingFeature())
			continue
		}

		z, err := b.normalize(source, fundID, asOf, rec.Payload.Value.Value)
		if err != nil {
			return nil, err
		}
		b.setFeature(&features, source, domain.Feature{Value: z})

		if source == domain.SourcePortfolio {
			assetClass = rec.Payload.AssetClass
		}
	}

	required := domain.RequiredSources()
	missing := features.MissingRequired()
	if float64(len(missing))/float64(len(required)) > b.cfg.MissingSourceMax {
		return nil, &domain.InsufficientSignalError{
			FundID:    fundID,
			Missing:   missing,
			Threshold: b.cfg.MissingSourceMax,
		}
	}

	fp := &domain.RiskFingerprint{
		ID:         deterministicID(fundID, asOf),
		FundID:     fundID,
		Timestamp:  asOf,
		Features:   features,
		AssetClass: assetClass,
		VolRegime:  domain.ClassifyVolRegime(features.Volatility),
	}

	b.log.Debug().
		Str("fund_id", fundID).
		Str("fingerprint_id", fp.ID).
		Str("vol_regime", string(fp.VolRegime)).
		Int("missing_required", len(missing)).
		Msg("Built fingerprint")

	return fp, nil
}

// normalize z-scores a raw value against the fund's trailing baseline for
// the source. With fewer than two baseline observations there is no baseline
// at all and the feature scores zero; a flat series has no meaningful scale,
// so the deviation from the mean is used as-is.
func (b *Builder) normalize(source domain.SignalSource, fundID string, asOf time.Time, value float64) (float64, error) {
	baseline, err := b.signals.ValuesSince(source, fundID, asOf.Add(-b.cfg.BaselinePeriod))
	if err != nil {
		return 0, fmt.Errorf("failed to load %s baseline: %w", source, err)
	}

	if len(baseline) < 2 {
		return 0, nil
	}

	mean, std := stat.MeanStdDev(baseline, nil)
	if std == 0 {
		return value - mean, nil
	}
	return (value - mean) / std, nil
}

func (b *Builder) setFeature(fv *domain.FeatureVector, source domain.SignalSource, f domain.Feature) {
	switch source {
	case domain.SourceMacro:
		fv.Macro = f
	case domain.SourceSentiment:
		fv.Sentiment = f
	case domain.SourceVolatility:
		fv.Volatility = f
	case domain.SourcePortfolio:
		fv.Portfolio = f
	}
}

// deterministicID derives the fingerprint id from its identity (fund and
// build instant) so rebuilding the same fingerprint yields the same id.
func deterministicID(fundID string, asOf time.Time) string {
	key := fmt.Sprintf("fingerprint|%s|%d", fundID, asOf.Unix())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// Describe renders a fingerprint as the risk-state description sent to the
// embedding service. The wording is deterministic: the same fingerprint
// always produces the same text, and therefore the same embedding.
func Describe(fp *domain.RiskFingerprint) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Fund risk state in a %s volatility regime.", fp.VolRegime))

	describe := func(name string, f domain.Feature) {
		if f.Missing {
			sb.WriteString(fmt.Sprintf(" No recent %s reading.", name))
			return
		}
		sb.WriteString(fmt.Sprintf(" %s at %+.2f standard deviations from baseline.", name, f.Value))
	}

	describe("Macro conditions", fp.Features.Macro)
	describe("Market sentiment", fp.Features.Sentiment)
	describe("Volatility", fp.Features.Volatility)
	describe("Portfolio exposure", fp.Features.Portfolio)

	if fp.AssetClass != "" {
		sb.WriteString(fmt.Sprintf(" Dominant asset class: %s.", fp.AssetClass))
	}

	return sb.String()
}
