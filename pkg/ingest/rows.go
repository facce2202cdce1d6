package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/streamduck/streamduck/pkg/event"
)

// Row is the serialized form of one event as it lands in the target
// table. Semi-structured columns are kept as native values and
// marshalled once per batch.
type Row struct {
	EventBody        interface{}            `json:"event_body"`
	PartitionID      string                 `json:"partition_id"`
	SequenceNumber   int64                  `json:"sequence_number"`
	EnqueuedTime     string                 `json:"enqueued_time"`
	Properties       map[string]interface{} `json:"properties,omitempty"`
	SystemProperties map[string]interface{} `json:"system_properties,omitempty"`
	RowID            string                 `json:"row_id"`
}

// enqueuedTimeLayout renders UTC wall time without a zone designator;
// the target column is timezone-naive.
const enqueuedTimeLayout = "2006-01-02 15:04:05.000000"

// SerializeRow converts an event to its target row. processSuffix salts
// the row id: the id depends only on partition, sequence and suffix, so
// re-sending the same event with the same suffix yields the same id. The
// runner draws a new suffix for every process run, so events re-ingested
// after a restart get different ids.
func SerializeRow(ev event.Event, processSuffix string) Row {
	return Row{
		EventBody:        bodyValue(ev.Body),
		PartitionID:      ev.PartitionID,
		SequenceNumber:   ev.SequenceNumber,
		EnqueuedTime:     ev.EnqueuedTime.UTC().Format(enqueuedTimeLayout),
		Properties:       ev.Properties.Native(),
		SystemProperties: ev.SystemProperties.Native(),
		RowID:            RowID(ev.PartitionID, ev.SequenceNumber, processSuffix),
	}
}

// RowID derives the deterministic per-event row id.
func RowID(partitionID string, sequence int64, processSuffix string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", partitionID, sequence, processSuffix)))
	return hex.EncodeToString(sum[:16])
}

// bodyValue parses the payload as JSON when it is valid JSON, so it
// lands as a queryable VARIANT; other UTF-8 text is stored as a string
// and non-UTF-8 bytes are hex-encoded.
func bodyValue(body []byte) interface{} {
	if len(body) == 0 {
		return nil
	}
	if gjson.ValidBytes(body) {
		var v interface{}
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	if utf8.Valid(body) {
		return string(body)
	}
	return hex.EncodeToString(body)
}

// SerializeBatch renders a batch as newline-delimited JSON rows, the
// wire format of the streaming ingest rows endpoint, and returns the
// batch's offset token.
func SerializeBatch(batch event.Batch, processSuffix string) ([]byte, string, error) {
	var buf []byte
	for _, ev := range batch.Events {
		row := SerializeRow(ev, processSuffix)
		line, err := json.Marshal(row)
		if err != nil {
			return nil, "", err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf, OffsetToken(batch.LastSequence), nil
}

// OffsetToken renders a sequence number as the channel offset token.
func OffsetToken(sequence int64) string {
	return strconv.FormatInt(sequence, 10)
}

// ParseOffsetToken is the inverse of OffsetToken. Unknown or empty
// tokens parse to -1 (nothing committed yet).
func ParseOffsetToken(token string) int64 {
	if token == "" {
		return -1
	}
	n, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// BatchMetadata is the free-form blob saved with each checkpoint.
func BatchMetadata(batch event.Batch, clientID string) map[string]interface{} {
	meta := map[string]interface{}{
		"client_id":  clientID,
		"batch_size": batch.Count,
	}
	if n := len(batch.Events); n > 0 {
		meta["offset"] = batch.Events[n-1].Offset
	}
	if !batch.LastEnqueued.IsZero() {
		meta["last_enqueued"] = batch.LastEnqueued.UTC().Format(time.RFC3339Nano)
	}
	return meta
}
