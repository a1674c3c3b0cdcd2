// Package quality records build/lint/test snapshots and detects
// regressions against a single baseline.
package quality

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/events"
	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/store"
	"github.com/apiary-io/apiary/pkg/task"
	"github.com/apiary-io/apiary/pkg/types"
)

// DefaultCoverageDropPts is the coverage drop, in percentage points,
// beyond which a snapshot is flagged.
const DefaultCoverageDropPts = 5.0

// Ledger stores quality snapshots and the baseline they are judged
// against. Snapshots bound to a task surface in the sync stream through
// the owning task's quality_snapshot_id; unbound snapshots and the
// baseline stay node-local.
type Ledger struct {
	store           *store.Store
	tasks           *task.Registry
	broker          *events.Broker
	logger          zerolog.Logger
	coverageDropPts float64
}

// NewLedger wires a quality ledger. tasks and broker may be nil; a
// non-positive coverageDropPts selects the default threshold.
func NewLedger(st *store.Store, tasks *task.Registry, broker *events.Broker, coverageDropPts float64) *Ledger {
	if coverageDropPts <= 0 {
		coverageDropPts = DefaultCoverageDropPts
	}
	return &Ledger{
		store:           st,
		tasks:           tasks,
		broker:          broker,
		logger:          log.WithComponent("quality"),
		coverageDropPts: coverageDropPts,
	}
}

// RecordSnapshot inserts a snapshot, assigning ID and recorded_at, and
// links it to its owning task when one is named. Linking to a task the
// store no longer has is skipped silently.
func (l *Ledger) RecordSnapshot(ctx context.Context, snap *types.QualitySnapshot) (*types.QualitySnapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	snap.RecordedAt = time.Now().UTC()

	if err := l.store.CreateQualitySnapshot(ctx, snap); err != nil {
		return nil, err
	}
	if snap.TaskID != nil && l.tasks != nil {
		if _, err := l.tasks.AttachSnapshot(ctx, *snap.TaskID, snap.ID); err != nil {
			return nil, err
		}
	}
	l.logger.Debug().Str("snapshot_id", snap.ID).
		Int("type_errors", snap.TypeErrors).Int("tests_failing", snap.TestsFailing).
		Msg("quality snapshot recorded")
	return snap, nil
}

// GetSnapshot returns one snapshot by ID.
func (l *Ledger) GetSnapshot(ctx context.Context, id string) (*types.QualitySnapshot, error) {
	return l.store.GetQualitySnapshot(ctx, id)
}

// ListSnapshots returns snapshots newest first, optionally restricted
// to one task.
func (l *Ledger) ListSnapshots(ctx context.Context, taskID string, limit int) ([]*types.QualitySnapshot, error) {
	return l.store.ListQualitySnapshots(ctx, taskID, limit)
}

// SetBaseline upserts the singleton baseline. The original created_at
// survives replacement.
func (l *Ledger) SetBaseline(ctx context.Context, b *types.QualityBaseline) (*types.QualityBaseline, error) {
	now := time.Now().UTC()
	existing, err := l.store.GetQualityBaseline(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		b.CreatedAt = existing.CreatedAt
	} else {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	if err := l.store.SetQualityBaseline(ctx, b); err != nil {
		return nil, err
	}
	l.logger.Info().Str("set_by", b.SetBy).Msg("quality baseline set")
	return b, nil
}

// GetBaseline returns the baseline, or nil when none has been set.
func (l *Ledger) GetBaseline(ctx context.Context) (*types.QualityBaseline, error) {
	return l.store.GetQualityBaseline(ctx)
}

// DetectRegressions compares a snapshot against the baseline and
// returns every metric that moved the wrong way. Without a baseline
// there is nothing to regress from and the result is empty. One event
// is emitted per regression.
//
// Default rules: a build that was succeeding and now fails is an error;
// any increase in type errors, lint errors, or failing tests is an
// error; a coverage drop beyond the threshold is a warning.
func (l *Ledger) DetectRegressions(ctx context.Context, snap *types.QualitySnapshot) ([]types.Regression, error) {
	baseline, err := l.store.GetQualityBaseline(ctx)
	if err != nil {
		return nil, err
	}
	if baseline == nil {
		return nil, nil
	}

	var regressions []types.Regression
	add := func(metric string, base, current float64, severity types.Severity) {
		regressions = append(regressions, types.Regression{
			Metric:   metric,
			Baseline: base,
			Current:  current,
			Delta:    current - base,
			Severity: severity,
		})
	}

	if baseline.BuildSuccess != nil && *baseline.BuildSuccess &&
		snap.BuildSuccess != nil && !*snap.BuildSuccess {
		add("buildSuccess", 1, 0, types.SeverityError)
	}
	if snap.TypeErrors > baseline.TypeErrors {
		add("typeErrors", float64(baseline.TypeErrors), float64(snap.TypeErrors), types.SeverityError)
	}
	if snap.LintErrors > baseline.LintErrors {
		add("lintErrors", float64(baseline.LintErrors), float64(snap.LintErrors), types.SeverityError)
	}
	if snap.TestsFailing > baseline.TestsFailing {
		add("testsFailing", float64(baseline.TestsFailing), float64(snap.TestsFailing), types.SeverityError)
	}
	if baseline.TestCoverage != nil && snap.TestCoverage != nil &&
		*snap.TestCoverage < *baseline.TestCoverage-l.coverageDropPts {
		add("testCoverage", *baseline.TestCoverage, *snap.TestCoverage, types.SeverityWarning)
	}

	for _, reg := range regressions {
		l.logger.Warn().Str("metric", reg.Metric).
			Float64("baseline", reg.Baseline).Float64("current", reg.Current).
			Str("severity", string(reg.Severity)).Msg("quality regression")
		if l.broker != nil {
			l.broker.Emit(events.EventQualityAlert, "quality regression",
				"metric", reg.Metric, "severity", string(reg.Severity))
		}
	}
	return regressions, nil
}
