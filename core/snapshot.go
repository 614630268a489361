package core

import "time"

// MetricsSnapshot is the immutable reduction of one aggregation window.
// Raw events are not retained past the reduction; only the counts and
// the derived anomaly score survive.
type MetricsSnapshot struct {
	ID             string           `json:"id"`
	Timestamp      time.Time        `json:"timestamp"`
	WindowStart    time.Time        `json:"window_start"`
	WindowEnd      time.Time        `json:"window_end"`
	EventCounts    map[string]int   `json:"event_counts"`
	SeverityCounts map[Severity]int `json:"severity_counts"`
	ActorCounts    map[string]int   `json:"actor_counts"`
	AddressCounts  map[string]int   `json:"address_counts"`
	AnomalyScore   float64          `json:"anomaly_score"`
	IntegrityHash  string           `json:"integrity_hash"`
}

// ComputeIntegrityHash hashes every snapshot field except the hash
// itself.
func (s *MetricsSnapshot) ComputeIntegrityHash() (string, error) {
	clone := *s
	clone.IntegrityHash = ""
	return IntegrityHash(&clone)
}

// Seal computes and stores the snapshot's integrity hash.
func (s *MetricsSnapshot) Seal() error {
	hash, err := s.ComputeIntegrityHash()
	if err != nil {
		return err
	}
	s.IntegrityHash = hash
	return nil
}

// VerifyIntegrity reports whether the stored hash matches a fresh
// computation over the snapshot's fields.
func (s *MetricsSnapshot) VerifyIntegrity() bool {
	hash, err := s.ComputeIntegrityHash()
	if err != nil {
		return false
	}
	return hash == s.IntegrityHash
}

// TotalEvents returns the number of events the snapshot reduced.
func (s *MetricsSnapshot) TotalEvents() int {
	total := 0
	for _, n := range s.SeverityCounts {
		total += n
	}
	return total
}
