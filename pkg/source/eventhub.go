package source

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	azeventhubs "github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs/v2"
	"github.com/pkg/errors"

	"github.com/streamduck/streamduck/pkg/event"
)

// EventHubConfig names one hub and how to reach it. An empty
// ConnectionString means DefaultAzureCredential.
type EventHubConfig struct {
	Namespace        string // fully qualified, e.g. ns.servicebus.windows.net
	Hub              string
	ConsumerGroup    string
	ConnectionString string
	Prefetch         int32
}

// EventHubOpener opens partition cursors against Azure Event Hubs.
type EventHubOpener struct {
	client   *azeventhubs.ConsumerClient
	prefetch int32
}

func NewEventHubOpener(cfg EventHubConfig) (*EventHubOpener, error) {
	var (
		client *azeventhubs.ConsumerClient
		err    error
	)

	if cfg.ConnectionString != "" {
		client, err = azeventhubs.NewConsumerClientFromConnectionString(
			cfg.ConnectionString, cfg.Hub, cfg.ConsumerGroup, nil)
	} else {
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, errors.Wrap(credErr, "building Azure credential")
		}
		client, err = azeventhubs.NewConsumerClient(
			cfg.Namespace, cfg.Hub, cfg.ConsumerGroup, cred, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to event hub %s/%s", cfg.Namespace, cfg.Hub)
	}

	return &EventHubOpener{client: client, prefetch: cfg.Prefetch}, nil
}

// Partitions returns the hub's partition ids as reported by the broker.
func (o *EventHubOpener) Partitions(ctx context.Context) ([]string, error) {
	props, err := o.client.GetEventHubProperties(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "reading event hub properties")
	}
	log.Printf("Event hub %s reports %d partitions", props.Name, len(props.PartitionIDs))
	return props.PartitionIDs, nil
}

func (o *EventHubOpener) OpenPartition(ctx context.Context, partitionID string, start StartPosition) (Receiver, error) {
	pos := azeventhubs.StartPosition{}
	switch {
	case start.AfterSequence >= 0:
		pos.SequenceNumber = to.Ptr(start.AfterSequence)
		pos.Inclusive = false
	case start.Earliest:
		pos.Earliest = to.Ptr(true)
	default:
		pos.Latest = to.Ptr(true)
	}

	opts := &azeventhubs.PartitionClientOptions{StartPosition: pos}
	if o.prefetch > 0 {
		opts.Prefetch = o.prefetch
	}

	pc, err := o.client.NewPartitionClient(partitionID, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening partition %s", partitionID)
	}

	return &eventHubReceiver{partition: partitionID, client: pc}, nil
}

func (o *EventHubOpener) Close(ctx context.Context) error {
	return o.client.Close(ctx)
}

type eventHubReceiver struct {
	partition string
	client    *azeventhubs.PartitionClient
}

func (r *eventHubReceiver) Receive(ctx context.Context, max int, wait time.Duration) ([]event.Event, error) {
	recvCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	received, err := r.client.ReceiveEvents(recvCtx, max, nil)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ReceiveError{Partition: r.partition, Err: err}
	}

	out := make([]event.Event, 0, len(received))
	for _, rd := range received {
		out = append(out, convertReceived(r.partition, rd))
	}
	return out, nil
}

func (r *eventHubReceiver) Close(ctx context.Context) error {
	return r.client.Close(ctx)
}

func convertReceived(partition string, rd *azeventhubs.ReceivedEventData) event.Event {
	ev := event.Event{
		Body:             rd.Body,
		PartitionID:      partition,
		SequenceNumber:   rd.SequenceNumber,
		Offset:           rd.Offset,
		Properties:       convertProps(rd.Properties),
		SystemProperties: convertProps(rd.SystemProperties),
	}
	if rd.EnqueuedTime != nil {
		ev.EnqueuedTime = *rd.EnqueuedTime
	}
	return ev
}

// convertProps maps the AMQP property bag onto the typed PropertyMap.
// Unrecognized types fall back to their string rendering.
func convertProps(in map[string]interface{}) event.PropertyMap {
	if len(in) == 0 {
		return nil
	}
	out := make(event.PropertyMap, len(in))
	for k, v := range in {
		out[k] = convertValue(v)
	}
	return out
}

func convertValue(v interface{}) event.Value {
	switch t := v.(type) {
	case string:
		return event.String(t)
	case []byte:
		return event.Bytes(t)
	case bool:
		return event.Bool(t)
	case int:
		return event.Int(int64(t))
	case int8:
		return event.Int(int64(t))
	case int16:
		return event.Int(int64(t))
	case int32:
		return event.Int(int64(t))
	case int64:
		return event.Int(t)
	case uint8:
		return event.Int(int64(t))
	case uint16:
		return event.Int(int64(t))
	case uint32:
		return event.Int(int64(t))
	case uint64:
		return event.Int(int64(t))
	case float32:
		return event.Float(float64(t))
	case float64:
		return event.Float(t)
	case time.Time:
		return event.String(t.UTC().Format(time.RFC3339Nano))
	default:
		return event.String(stringify(v))
	}
}

func stringify(v interface{}) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v)
}
