// Package pipeline drives events from Event Hubs partitions into
// Snowflake: per-partition workers, per-mapping supervisors, and the
// orchestrator that owns them all.
package pipeline

import (
	"fmt"
	"time"

	"github.com/streamduck/streamduck/pkg/checkpoint"
	"github.com/streamduck/streamduck/pkg/source"
)

// Mapping binds one event hub to one Snowflake table with its tuning.
type Mapping struct {
	Namespace     string
	Hub           string
	ConsumerGroup string

	TargetDB     string
	TargetSchema string
	TargetTable  string
	PipeName     string

	MaxBatchSize int
	MaxWait      time.Duration
	PollWait     time.Duration
	AckTimeout   time.Duration

	// StartPosition applies when a partition has no checkpoint.
	StartPosition source.StartPosition
}

// Defaults fills unset tuning fields. Called by the supervisor so
// hand-built mappings in tests behave.
func (m Mapping) withDefaults() Mapping {
	if m.MaxBatchSize <= 0 {
		m.MaxBatchSize = 1000
	}
	if m.MaxWait <= 0 {
		m.MaxWait = 60 * time.Second
	}
	if m.PollWait <= 0 {
		m.PollWait = 2 * time.Second
	}
	if m.AckTimeout <= 0 {
		m.AckTimeout = 45 * time.Second
	}
	return m
}

// Name is the human-readable mapping identity used in logs and stats.
func (m Mapping) Name() string {
	return fmt.Sprintf("%s/%s->%s.%s.%s", m.Namespace, m.Hub, m.TargetDB, m.TargetSchema, m.TargetTable)
}

// CheckpointKey builds the control-table key for one partition.
func (m Mapping) CheckpointKey(partitionID string) checkpoint.Key {
	return checkpoint.Key{
		Namespace:    m.Namespace,
		Hub:          m.Hub,
		TargetDB:     m.TargetDB,
		TargetSchema: m.TargetSchema,
		TargetTable:  m.TargetTable,
		PartitionID:  partitionID,
	}
}

// CheckpointTarget identifies this mapping's rows in the control table.
func (m Mapping) CheckpointTarget() checkpoint.Target {
	return checkpoint.Target{DB: m.TargetDB, Schema: m.TargetSchema, Table: m.TargetTable}
}
