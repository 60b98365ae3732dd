// Package reports is the report-generation collaborator fired by the
// completion trigger. Rendering failures are part of the routing unit of
// work: a trial is never CLOSED without its report.
package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/domain"
)

// ArtifactRef points at a rendered artifact.
type ArtifactRef struct {
	Path        string `json:"path"`
	GeneratedAt string `json:"generated_at" format:"date-time"`
}

// Generator renders the two completion artifacts. Both renders are
// idempotent overwrites: rerunning them for the same trial or pattern
// replaces the artifact, it never appends.
type Generator interface {
	RenderTrialReport(ctx context.Context, trial domain.Trial, entries []domain.ProgressEntry) (ArtifactRef, error)
	RenderConsolidatedReport(ctx context.Context, patternCode string, trials []domain.Trial) (ArtifactRef, error)
}

// FileRenderer writes JSON artifacts under Dir. It stands in for the
// document service that renders the printable trial card.
type FileRenderer struct {
	Dir string
	Now func() time.Time
}

func (f FileRenderer) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

type trialReport struct {
	GeneratedAt string                 `json:"generated_at"`
	Trial       domain.Trial           `json:"trial"`
	Progress    []domain.ProgressEntry `json:"progress"`
}

type consolidatedReport struct {
	GeneratedAt string         `json:"generated_at"`
	PatternCode string         `json:"pattern_code"`
	TrialCount  int            `json:"trial_count"`
	Trials      []domain.Trial `json:"trials"`
}

func (f FileRenderer) RenderTrialReport(ctx context.Context, trial domain.Trial, entries []domain.ProgressEntry) (ArtifactRef, error) {
	ts := f.now().UTC().Format(time.RFC3339)
	path := filepath.Join(f.Dir, "trials", trial.ID+".json")
	if err := f.write(path, trialReport{GeneratedAt: ts, Trial: trial, Progress: entries}); err != nil {
		return ArtifactRef{}, fmt.Errorf("render trial report %s: %w", trial.ID, err)
	}
	return ArtifactRef{Path: path, GeneratedAt: ts}, nil
}

func (f FileRenderer) RenderConsolidatedReport(ctx context.Context, patternCode string, trials []domain.Trial) (ArtifactRef, error) {
	ts := f.now().UTC().Format(time.RFC3339)
	path := filepath.Join(f.Dir, "patterns", patternCode+".json")
	rep := consolidatedReport{GeneratedAt: ts, PatternCode: patternCode, TrialCount: len(trials), Trials: trials}
	if err := f.write(path, rep); err != nil {
		return ArtifactRef{}, fmt.Errorf("render consolidated report %s: %w", patternCode, err)
	}
	return ArtifactRef{Path: path, GeneratedAt: ts}, nil
}

// write replaces the artifact atomically via temp-file rename.
func (f FileRenderer) write(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
