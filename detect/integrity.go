package detect

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"bastion/core"
	"bastion/metrics"
)

// PerformFileIntegrityScan hashes the configured critical artifacts and
// compares them to the persisted baseline. First observation of a path
// is "new"; a hash difference is "changed"; a previously-seen path that
// no longer resolves is "missing". Under memory pressure a random
// subset is scanned and the rest of the baseline is carried forward
// untouched.
func (d *Detector) PerformFileIntegrityScan(ctx context.Context) ([]core.ArtifactChecksum, error) {
	previous, err := d.checksums.GetChecksums(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load checksum baseline: %w", err)
	}

	paths := d.cfg.Artifacts
	if d.memory != nil && d.memory.UnderPressure() && len(paths) > 1 {
		paths = sampleArtifacts(paths, d.cfg.PressureSampleFraction)
		metrics.MemoryPressureSkips.WithLabelValues("detector").Inc()
		d.logger.Warnw("Memory pressure: scanning artifact subset",
			"scanned", len(paths),
			"total", len(d.cfg.Artifacts))
	}

	now := time.Now().UTC()
	scanned := make([]core.ArtifactChecksum, 0, len(paths))
	for _, path := range paths {
		scanned = append(scanned, d.scanArtifact(path, previous, now))
	}

	// Paths outside this cycle's coverage keep their previous entry so a
	// subset scan never degrades the baseline.
	next := make([]core.ArtifactChecksum, 0, len(previous)+len(scanned))
	covered := make(map[string]bool, len(scanned))
	for _, cs := range scanned {
		covered[cs.Path] = true
		next = append(next, cs)
	}
	for path, cs := range previous {
		if !covered[path] {
			next = append(next, cs)
		}
	}

	if err := d.checksums.ReplaceChecksums(ctx, next); err != nil {
		metrics.PersistenceFailures.WithLabelValues("checksum").Inc()
		d.logger.Errorw("Failed to persist checksum baseline", "error", err)
	}
	return scanned, nil
}

func (d *Detector) scanArtifact(path string, previous map[string]core.ArtifactChecksum, now time.Time) core.ArtifactChecksum {
	prev, seen := previous[path]

	data, err := os.ReadFile(path)
	if err != nil {
		if !seen {
			// Never observed and unreadable: record it as missing so the
			// operator notices a misconfigured path.
			d.logger.Warnw("Configured artifact is unreadable", "path", path, "error", err)
		}
		metrics.IntegrityViolations.WithLabelValues("artifact_missing").Inc()
		return core.ArtifactChecksum{
			Path:     path,
			Hash:     prev.Hash,
			Status:   core.ChecksumMissing,
			LastSeen: prev.LastSeen,
		}
	}

	hash := core.HashBytes(data)
	switch {
	case !seen:
		return core.ArtifactChecksum{Path: path, Hash: hash, Status: core.ChecksumNew, LastSeen: now}
	case prev.Hash != hash:
		metrics.IntegrityViolations.WithLabelValues("artifact_changed").Inc()
		return core.ArtifactChecksum{Path: path, Hash: hash, Status: core.ChecksumChanged, LastSeen: now}
	default:
		return core.ArtifactChecksum{Path: path, Hash: hash, Status: core.ChecksumUnchanged, LastSeen: now}
	}
}

// sampleArtifacts returns a random subset covering at least one path.
func sampleArtifacts(paths []string, fraction float64) []string {
	n := int(float64(len(paths)) * fraction)
	if n < 1 {
		n = 1
	}
	if n >= len(paths) {
		return paths
	}
	shuffled := make([]string, len(paths))
	copy(shuffled, paths)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}
