package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/snowflakedb/gosnowflake"

	"github.com/streamduck/streamduck/pkg/snowauth"
)

// Location names the control table that holds checkpoint rows.
type Location struct {
	DB     string
	Schema string
	Table  string
}

func (l Location) qualified() string {
	return fmt.Sprintf("%s.%s.%s", l.DB, l.Schema, l.Table)
}

// SnowflakeStore persists checkpoints through the gosnowflake driver.
// The underlying database/sql pool is shared by all workers; save
// latency dominates the per-batch tail, so connections are kept warm
// and capped rather than opened per call.
type SnowflakeStore struct {
	db       *sql.DB
	location Location
	timeout  time.Duration
}

const defaultPoolSize = 4

// NewSnowflakeStore opens a pooled connection to the account in profile.
func NewSnowflakeStore(profile snowauth.Profile, location Location, saveTimeout time.Duration) (*SnowflakeStore, error) {
	for _, ident := range []string{location.DB, location.Schema, location.Table} {
		if err := ValidateIdentifier(ident); err != nil {
			return nil, err
		}
	}

	key, err := profile.LoadPrivateKey()
	if err != nil {
		return nil, err
	}

	cfg := gosnowflake.Config{
		Account:       profile.Account,
		User:          profile.User,
		PrivateKey:    key,
		Authenticator: gosnowflake.AuthTypeJwt,
		Warehouse:     profile.Warehouse,
		Database:      location.DB,
		Schema:        location.Schema,
		Role:          profile.Role,
	}

	dsn, err := gosnowflake.DSN(&cfg)
	if err != nil {
		return nil, errors.Wrap(err, "building Snowflake DSN")
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening Snowflake connection")
	}

	db.SetMaxOpenConns(defaultPoolSize)
	db.SetMaxIdleConns(defaultPoolSize)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging Snowflake")
	}

	log.Printf("Checkpoint store connected: account=%s control_table=%s",
		profile.Account, location.qualified())

	return newSnowflakeStoreWithDB(db, location, saveTimeout), nil
}

// newSnowflakeStoreWithDB wires a store over an existing handle; tests
// inject sqlmock through it.
func newSnowflakeStoreWithDB(db *sql.DB, location Location, saveTimeout time.Duration) *SnowflakeStore {
	if saveTimeout <= 0 {
		saveTimeout = 10 * time.Second
	}
	return &SnowflakeStore{db: db, location: location, timeout: saveTimeout}
}

// EnsureTable creates the hybrid control table if absent. Hybrid tables
// give row-level locking on the composite primary key, which is what
// makes concurrent per-partition upserts cheap.
func (s *SnowflakeStore) EnsureTable(ctx context.Context) error {
	schemaDDL := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s.%s", s.location.DB, s.location.Schema)
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return errors.Wrap(err, "creating control schema")
	}

	tableDDL := fmt.Sprintf(`CREATE HYBRID TABLE IF NOT EXISTS %s (
    TS_INSERTED TIMESTAMP_LTZ DEFAULT CURRENT_TIMESTAMP(),
    EVENTHUB_NAMESPACE VARCHAR(500),
    EVENTHUB VARCHAR(200),
    TARGET_DB VARCHAR(200),
    TARGET_SCHEMA VARCHAR(200),
    TARGET_TABLE VARCHAR(200),
    WATERLEVEL NUMBER(38, 0),
    PARTITION_ID VARCHAR(50) NOT NULL,
    METADATA VARIANT,
    PRIMARY KEY (EVENTHUB_NAMESPACE, EVENTHUB, TARGET_DB, TARGET_SCHEMA, TARGET_TABLE, PARTITION_ID)
)`, s.location.qualified())

	if _, err := s.db.ExecContext(ctx, tableDDL); err != nil {
		return errors.Wrap(err, "creating control table")
	}

	log.Printf("Control table verified: %s", s.location.qualified())
	return nil
}

// LoadAll is a snapshot read of every partition checkpoint for one target.
func (s *SnowflakeStore) LoadAll(ctx context.Context, namespace, hub string, target Target) (map[string]Record, error) {
	query := fmt.Sprintf(`SELECT PARTITION_ID, WATERLEVEL, METADATA, TS_INSERTED
FROM %s
WHERE EVENTHUB_NAMESPACE = ? AND EVENTHUB = ?
  AND TARGET_DB = ? AND TARGET_SCHEMA = ? AND TARGET_TABLE = ?
  AND PARTITION_ID IS NOT NULL`, s.location.qualified())

	rows, err := s.db.QueryContext(ctx, query, namespace, hub, target.DB, target.Schema, target.Table)
	if err != nil {
		if isMissingTable(err) {
			return nil, ErrControlTableMissing
		}
		return nil, errors.Wrap(err, "loading checkpoints")
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var (
			partition string
			level     int64
			metaRaw   sql.NullString
			inserted  sql.NullTime
		)
		if err := rows.Scan(&partition, &level, &metaRaw, &inserted); err != nil {
			return nil, errors.Wrap(err, "scanning checkpoint row")
		}

		rec := Record{Waterlevel: level}
		if inserted.Valid {
			rec.TSInserted = inserted.Time
		}
		if metaRaw.Valid && metaRaw.String != "" {
			if err := json.Unmarshal([]byte(metaRaw.String), &rec.Metadata); err != nil {
				log.Printf("Ignoring unreadable checkpoint metadata for partition %s: %v", partition, err)
			}
		}
		out[partition] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating checkpoint rows")
	}

	return out, nil
}

// Save upserts the checkpoint row via MERGE on the composite key.
// Concurrent saves on different partitions take different row locks;
// same-key saves serialize in Snowflake, last write wins.
func (s *SnowflakeStore) Save(ctx context.Context, key Key, waterlevel int64, metadata map[string]interface{}) error {
	for _, ident := range []string{key.TargetDB, key.TargetSchema, key.TargetTable} {
		if err := ValidateIdentifier(ident); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var metaJSON sql.NullString
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return errors.Wrap(err, "encoding checkpoint metadata")
		}
		metaJSON = sql.NullString{String: string(raw), Valid: true}
	}

	merge := fmt.Sprintf(`MERGE INTO %s AS target
USING (
    SELECT ? AS EVENTHUB_NAMESPACE, ? AS EVENTHUB,
           ? AS TARGET_DB, ? AS TARGET_SCHEMA, ? AS TARGET_TABLE,
           ? AS PARTITION_ID, ? AS WATERLEVEL,
           PARSE_JSON(?) AS METADATA,
           CURRENT_TIMESTAMP() AS TS_INSERTED
) AS source
ON target.EVENTHUB_NAMESPACE = source.EVENTHUB_NAMESPACE
   AND target.EVENTHUB = source.EVENTHUB
   AND target.TARGET_DB = source.TARGET_DB
   AND target.TARGET_SCHEMA = source.TARGET_SCHEMA
   AND target.TARGET_TABLE = source.TARGET_TABLE
   AND target.PARTITION_ID = source.PARTITION_ID
WHEN MATCHED THEN UPDATE SET
    target.WATERLEVEL = source.WATERLEVEL,
    target.TS_INSERTED = source.TS_INSERTED,
    target.METADATA = source.METADATA
WHEN NOT MATCHED THEN INSERT
    (TS_INSERTED, EVENTHUB_NAMESPACE, EVENTHUB, TARGET_DB, TARGET_SCHEMA, TARGET_TABLE, WATERLEVEL, PARTITION_ID, METADATA)
VALUES
    (source.TS_INSERTED, source.EVENTHUB_NAMESPACE, source.EVENTHUB, source.TARGET_DB, source.TARGET_SCHEMA, source.TARGET_TABLE, source.WATERLEVEL, source.PARTITION_ID, source.METADATA)`,
		s.location.qualified())

	_, err := s.db.ExecContext(ctx, merge,
		key.Namespace, key.Hub,
		key.TargetDB, key.TargetSchema, key.TargetTable,
		key.PartitionID, waterlevel, metaJSON)
	if err != nil {
		return &PersistError{Key: key, Err: err}
	}

	return nil
}

// Close releases the connection pool.
func (s *SnowflakeStore) Close() error {
	return s.db.Close()
}

func isMissingTable(err error) bool {
	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		// 002003 (42S02): object does not exist or not authorized.
		return sfErr.Number == 2003
	}
	return strings.Contains(err.Error(), "does not exist")
}
