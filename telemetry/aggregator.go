package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
	"bastion/storage"
)

// Weights parameterize the anomaly score. The score is a weighted sum
// over severity counts plus extra weight for specific high-risk event
// keys; downstream threshold comparisons consume the score as-is.
type Weights struct {
	Severity  map[core.Severity]float64 `mapstructure:"severity"`
	EventKeys map[string]float64        `mapstructure:"event_keys"`
}

// DefaultWeights returns the stock anomaly-score weighting.
func DefaultWeights() Weights {
	return Weights{
		Severity: map[core.Severity]float64{
			core.SeverityLow:      0.1,
			core.SeverityMedium:   0.5,
			core.SeverityHigh:     2.0,
			core.SeverityCritical: 5.0,
		},
		EventKeys: map[string]float64{
			core.EventKeyAuthFailure:     1.0,
			core.EventKeyPaymentFailure:  2.0,
			core.EventKeyAccessDenied:    1.0,
			core.EventKeySensitiveChange: 3.0,
			core.EventKeyIntegrityBreach: 5.0,
		},
	}
}

// AggregatorConfig carries the aggregator tunables.
type AggregatorConfig struct {
	// BufferCap triggers an early reduction when the buffer reaches it.
	BufferCap int
	// Retention bounds the persisted snapshot history.
	Retention time.Duration
	// Weights parameterize the anomaly score.
	Weights Weights
}

// Aggregator buffers relevant security events and reduces them into
// immutable MetricsSnapshots, either on its cadence or when the buffer
// hits the cap. Raw events do not survive the reduction.
type Aggregator struct {
	cfg    AggregatorConfig
	store  storage.SnapshotStore
	memory *MemoryWatcher
	logger *zap.SugaredLogger

	mu          sync.Mutex
	buffer      []core.SecurityEvent
	windowStart time.Time

	// pending holds a sealed snapshot whose persist failed; it is
	// retried ahead of the next reduction.
	pendingMu sync.Mutex
	pending   *core.MetricsSnapshot

	running atomic.Bool
}

// NewAggregator builds an aggregator persisting through the given
// snapshot store.
func NewAggregator(cfg AggregatorConfig, store storage.SnapshotStore, memory *MemoryWatcher, logger *zap.SugaredLogger) *Aggregator {
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = 10000
	}
	if len(cfg.Weights.Severity) == 0 && len(cfg.Weights.EventKeys) == 0 {
		cfg.Weights = DefaultWeights()
	}
	return &Aggregator{
		cfg:         cfg,
		store:       store,
		memory:      memory,
		logger:      logger,
		buffer:      make([]core.SecurityEvent, 0, cfg.BufferCap),
		windowStart: time.Now().UTC(),
	}
}

// AddEvent offers an event to the buffer. Irrelevant events are dropped
// at the door; the buffer hitting the cap triggers an asynchronous
// reduction so the producer never blocks on one. Events arriving while
// the buffer is at the cap and a reduction is still draining it are
// dropped rather than growing the buffer without bound.
func (a *Aggregator) AddEvent(event core.SecurityEvent) {
	if !isRelevant(event) {
		metrics.EventsDropped.WithLabelValues("irrelevant").Inc()
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	a.mu.Lock()
	if len(a.buffer) >= a.cfg.BufferCap && a.running.Load() {
		a.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("buffer_full").Inc()
		return
	}
	a.buffer = append(a.buffer, event)
	size := len(a.buffer)
	a.mu.Unlock()

	metrics.EventsIngested.WithLabelValues(string(event.Severity)).Inc()
	metrics.BufferSize.Set(float64(size))

	if size >= a.cfg.BufferCap {
		go a.Flush(context.Background())
	}
}

// isRelevant implements the ingestion relevance filter: critical and
// high severity always pass, as do payment events, authentication
// failures, access-control events, and sensitive-data modifications.
// Raw events are assumed durably logged upstream; this bounds memory,
// it does not hide anything from audit.
func isRelevant(event core.SecurityEvent) bool {
	if event.Severity.AtLeast(core.SeverityHigh) {
		return true
	}
	switch event.Category() {
	case core.CategoryPayment, core.CategoryAccessControl, core.CategoryDataProtection:
		return true
	case core.CategoryAuthentication:
		return event.Subtype != "success"
	}
	return false
}

// Flush reduces the buffered events into a snapshot and persists it.
// Reentrant-safe: a flush already in progress makes this call a no-op.
// Returns true when a reduction ran (even if it produced no snapshot
// because the buffer was empty).
func (a *Aggregator) Flush(ctx context.Context) bool {
	if !a.running.CompareAndSwap(false, true) {
		return false
	}
	defer a.running.Store(false)

	started := time.Now()
	defer func() {
		metrics.AggregationDuration.Observe(time.Since(started).Seconds())
	}()

	a.retryPending(ctx)

	underPressure := a.memory != nil && a.memory.UnderPressure()

	a.mu.Lock()
	events := a.buffer
	a.buffer = make([]core.SecurityEvent, 0, a.cfg.BufferCap)
	windowStart := a.windowStart
	windowEnd := time.Now().UTC()
	a.windowStart = windowEnd
	a.mu.Unlock()
	metrics.BufferSize.Set(0)

	if underPressure {
		events = shedToEssential(events)
		metrics.MemoryPressureSkips.WithLabelValues("aggregator").Inc()
		a.logger.Warnw("Memory pressure: reducing only critical and high severity events",
			"kept", len(events))
	}

	if len(events) == 0 {
		return true
	}

	snapshot := a.reduce(events, windowStart, windowEnd)
	if err := snapshot.Seal(); err != nil {
		a.logger.Errorw("Failed to seal snapshot", "error", err)
		return true
	}

	a.persist(ctx, snapshot)
	return true
}

// shedToEssential keeps only critical and high severity events. The
// shed events were still counted at ingestion; the reduction proceeds
// on what remains rather than being skipped outright.
func shedToEssential(events []core.SecurityEvent) []core.SecurityEvent {
	kept := events[:0]
	for _, ev := range events {
		if ev.Severity.AtLeast(core.SeverityHigh) {
			kept = append(kept, ev)
		} else {
			metrics.EventsShed.Inc()
		}
	}
	return kept
}

// reduce collapses events into counting maps and the weighted anomaly
// score. Counts are commutative, so arrival order cannot influence the
// result.
func (a *Aggregator) reduce(events []core.SecurityEvent, windowStart, windowEnd time.Time) *core.MetricsSnapshot {
	snapshot := &core.MetricsSnapshot{
		ID:             uuid.New().String(),
		Timestamp:      windowEnd,
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		EventCounts:    make(map[string]int),
		SeverityCounts: make(map[core.Severity]int),
		ActorCounts:    make(map[string]int),
		AddressCounts:  make(map[string]int),
	}

	for _, ev := range events {
		snapshot.EventCounts[ev.Key()]++
		snapshot.SeverityCounts[ev.Severity]++
		if ev.ActorID != "" {
			snapshot.ActorCounts[ev.ActorID]++
		}
		if ev.SourceAddress != "" {
			snapshot.AddressCounts[ev.SourceAddress]++
		}
	}

	var score float64
	for severity, count := range snapshot.SeverityCounts {
		score += a.cfg.Weights.Severity[severity] * float64(count)
	}
	for key, count := range snapshot.EventCounts {
		score += a.cfg.Weights.EventKeys[key] * float64(count)
	}
	snapshot.AnomalyScore = score
	return snapshot
}

// persist stores the snapshot, keeping it for retry on the next cycle
// when the write fails. Persistence failure is transient by taxonomy;
// it must never crash the process.
func (a *Aggregator) persist(ctx context.Context, snapshot *core.MetricsSnapshot) {
	if err := a.store.InsertSnapshot(ctx, snapshot); err != nil {
		metrics.PersistenceFailures.WithLabelValues("snapshot").Inc()
		a.logger.Errorw("Failed to persist snapshot, will retry next cycle",
			"snapshot_id", snapshot.ID,
			"error", err)
		a.pendingMu.Lock()
		a.pending = snapshot
		a.pendingMu.Unlock()
		return
	}

	metrics.SnapshotsCreated.Inc()
	a.logger.Infow("Snapshot persisted",
		"snapshot_id", snapshot.ID,
		"events", snapshot.TotalEvents(),
		"anomaly_score", snapshot.AnomalyScore)

	if a.cfg.Retention > 0 {
		cutoff := time.Now().UTC().Add(-a.cfg.Retention)
		if n, err := a.store.PruneSnapshotsBefore(ctx, cutoff); err != nil {
			a.logger.Warnw("Snapshot retention pruning failed", "error", err)
		} else if n > 0 {
			a.logger.Debugw("Pruned aged snapshots", "pruned", n)
		}
	}
}

// retryPending re-attempts the persist of a snapshot left over from a
// failed write. A second failure keeps it pending.
func (a *Aggregator) retryPending(ctx context.Context) {
	a.pendingMu.Lock()
	snapshot := a.pending
	a.pending = nil
	a.pendingMu.Unlock()
	if snapshot == nil {
		return
	}

	if err := a.store.InsertSnapshot(ctx, snapshot); err != nil {
		metrics.PersistenceFailures.WithLabelValues("snapshot").Inc()
		a.logger.Errorw("Snapshot retry failed",
			"snapshot_id", snapshot.ID,
			"error", err)
		a.pendingMu.Lock()
		a.pending = snapshot
		a.pendingMu.Unlock()
		return
	}
	metrics.SnapshotsCreated.Inc()
	a.logger.Infow("Snapshot persisted on retry", "snapshot_id", snapshot.ID)
}

// GetLatestSnapshot returns the most recent snapshot, including one
// held for retry after a failed persist.
func (a *Aggregator) GetLatestSnapshot(ctx context.Context) (*core.MetricsSnapshot, error) {
	a.pendingMu.Lock()
	pending := a.pending
	a.pendingMu.Unlock()
	if pending != nil {
		clone := *pending
		return &clone, nil
	}
	return a.store.GetLatestSnapshot(ctx)
}

// GetSnapshotsInRange returns persisted snapshots within [start, end],
// oldest first.
func (a *Aggregator) GetSnapshotsInRange(ctx context.Context, start, end time.Time) ([]core.MetricsSnapshot, error) {
	return a.store.GetSnapshotsInRange(ctx, start, end)
}

// BufferLen reports the number of buffered events.
func (a *Aggregator) BufferLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}
