package pipeline

import (
	"sync"
	"time"

	"github.com/streamduck/streamduck/pkg/event"
)

// PartitionStats is the per-partition slice of a mapping's counters.
type PartitionStats struct {
	LastSequence     int64     `json:"last_sequence"`
	MessagesIngested int64     `json:"messages_ingested"`
	BatchesIngested  int64     `json:"batches_ingested"`
	BytesIngested    int64     `json:"bytes_ingested"`
	Retries          int64     `json:"retries"`
	LastIngestAt     time.Time `json:"last_ingest_at"`

	// LagEstimate is the enqueue-to-ingest delay of the newest batch.
	LagEstimate time.Duration `json:"lag_estimate"`
}

// MappingStats is mutated by a mapping's workers and read by the
// orchestrator under the read lock.
type MappingStats struct {
	mu sync.RWMutex

	name             string
	running          bool
	startedAt        time.Time
	messagesIngested int64
	batchesIngested  int64
	bytesIngested    int64
	lastIngestAt     time.Time
	partitions       map[string]*PartitionStats
}

func NewMappingStats(name string) *MappingStats {
	return &MappingStats{name: name, partitions: make(map[string]*PartitionStats)}
}

func (s *MappingStats) markRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
	if running && s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
}

// RecordBatch accounts one durably ingested batch.
func (s *MappingStats) RecordBatch(batch event.Batch) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messagesIngested += int64(batch.Count)
	s.batchesIngested++
	s.bytesIngested += batch.SizeBytes()
	s.lastIngestAt = now

	p := s.partition(batch.PartitionID)
	p.LastSequence = batch.LastSequence
	p.MessagesIngested += int64(batch.Count)
	p.BatchesIngested++
	p.BytesIngested += batch.SizeBytes()
	p.LastIngestAt = now
	if !batch.LastEnqueued.IsZero() {
		p.LagEstimate = now.Sub(batch.LastEnqueued)
	}
}

// RecordRetry accounts one retried batch attempt on a partition.
func (s *MappingStats) RecordRetry(partitionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partition(partitionID).Retries++
}

func (s *MappingStats) partition(id string) *PartitionStats {
	p, ok := s.partitions[id]
	if !ok {
		p = &PartitionStats{}
		s.partitions[id] = p
	}
	return p
}

// Snapshot is a point-in-time copy safe to hand to callers.
type Snapshot struct {
	Name             string                    `json:"mapping"`
	Running          bool                      `json:"running"`
	StartedAt        time.Time                 `json:"started_at"`
	RuntimeSeconds   float64                   `json:"runtime_seconds"`
	MessagesIngested int64                     `json:"messages_ingested"`
	BatchesIngested  int64                     `json:"batches_ingested"`
	BytesIngested    int64                     `json:"bytes_ingested"`
	LastIngestAt     time.Time                 `json:"last_ingest_at"`
	Partitions       map[string]PartitionStats `json:"partitions"`
}

func (s *MappingStats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Name:             s.name,
		Running:          s.running,
		StartedAt:        s.startedAt,
		MessagesIngested: s.messagesIngested,
		BatchesIngested:  s.batchesIngested,
		BytesIngested:    s.bytesIngested,
		LastIngestAt:     s.lastIngestAt,
		Partitions:       make(map[string]PartitionStats, len(s.partitions)),
	}
	if !s.startedAt.IsZero() {
		snap.RuntimeSeconds = time.Since(s.startedAt).Seconds()
	}
	for id, p := range s.partitions {
		snap.Partitions[id] = *p
	}
	return snap
}

// Retries sums retry counters across partitions, for tests and status
// output.
func (s *MappingStats) Retries() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, p := range s.partitions {
		n += p.Retries
	}
	return n
}
