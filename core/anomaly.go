package core

import "time"

// AnomalyKind distinguishes how an anomaly was detected.
type AnomalyKind string

const (
	// AnomalyBehavioral flags a metric exceeding its rolling baseline.
	AnomalyBehavioral AnomalyKind = "behavioral"
	// AnomalyPattern flags a suspicious distribution within one snapshot
	// (e.g. one source address dominating the window).
	AnomalyPattern AnomalyKind = "pattern"
	// AnomalyIntegrity flags a changed or missing critical artifact.
	AnomalyIntegrity AnomalyKind = "integrity"
	// AnomalyScore flags a snapshot whose weighted anomaly score breached
	// the configured threshold.
	AnomalyScore AnomalyKind = "score"
)

// Anomaly is an ephemeral finding produced by the detector. It is
// consumed immediately by the incident responder or discarded; nothing
// persists anomalies themselves.
type Anomaly struct {
	Kind        AnomalyKind `json:"kind"`
	Category    Category    `json:"category"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
	// Resource identifies what the anomaly is about (event key, artifact
	// path, source address). Used for open-incident de-duplication.
	Resource string                 `json:"resource"`
	Evidence map[string]interface{} `json:"evidence,omitempty"`
	// Count carries the observed magnitude driving severity escalation.
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// ChecksumStatus is the lifecycle state of a monitored artifact.
type ChecksumStatus string

const (
	ChecksumUnchanged ChecksumStatus = "unchanged"
	ChecksumChanged   ChecksumStatus = "changed"
	ChecksumNew       ChecksumStatus = "new"
	ChecksumMissing   ChecksumStatus = "missing"
)

// ArtifactChecksum records the last known content hash of one monitored
// critical artifact. The set of checksums is the integrity baseline and
// is persisted to survive restarts.
type ArtifactChecksum struct {
	Path     string         `json:"path"`
	Hash     string         `json:"hash"`
	Status   ChecksumStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}
