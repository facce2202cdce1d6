// Package checkpoint persists per-partition high-water marks in a
// Snowflake hybrid table so a restarted pipeline resumes where the last
// durably ingested batch ended.
package checkpoint

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// Key identifies one checkpoint row: the composite primary key of the
// control table minus the mutable columns.
type Key struct {
	Namespace    string
	Hub          string
	TargetDB     string
	TargetSchema string
	TargetTable  string
	PartitionID  string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s -> %s.%s.%s partition %s",
		k.Namespace, k.Hub, k.TargetDB, k.TargetSchema, k.TargetTable, k.PartitionID)
}

// Target identifies a mapping's destination table; LoadAll returns all
// partitions checkpointed for one target.
type Target struct {
	DB     string
	Schema string
	Table  string
}

// Record is the stored state for one partition.
type Record struct {
	// Waterlevel is the sequence number of the last durably ingested
	// event for this partition.
	Waterlevel int64
	Metadata   map[string]interface{}
	TSInserted time.Time
}

// Store reads and writes checkpoints. Implementations must be safe for
// concurrent use by every worker of every mapping.
type Store interface {
	// LoadAll returns the checkpoint for every partition of the target.
	// Partitions that were never checkpointed are absent from the map.
	LoadAll(ctx context.Context, namespace, hub string, target Target) (map[string]Record, error)

	// Save atomically upserts the checkpoint row. On return without
	// error the checkpoint is durable.
	Save(ctx context.Context, key Key, waterlevel int64, metadata map[string]interface{}) error

	// EnsureTable idempotently creates the control table.
	EnsureTable(ctx context.Context) error
}

// PersistError wraps a SQL failure during Save. The worker must treat
// the batch as not-yet-durable and retry.
type PersistError struct {
	Key Key
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("checkpoint save failed for %s: %v", e.Key, e.Err)
}

func (e *PersistError) Unwrap() error   { return e.Err }
func (e *PersistError) Temporary() bool { return true }

// ErrControlTableMissing indicates the control table disappeared mid-run.
// Fatal: resuming without checkpoints would replay from start position.
var ErrControlTableMissing = errors.New("checkpoint control table missing")

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_$]+$`)

// ValidateIdentifier rejects names that are not plain Snowflake
// identifiers. Identifiers are interpolated into DDL and MERGE text, so
// anything else is refused outright.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return errors.Errorf("invalid Snowflake identifier: %q", name)
	}
	return nil
}
