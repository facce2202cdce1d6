package ingest

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/streamduck/streamduck/pkg/event"
	"github.com/streamduck/streamduck/pkg/snowauth"
)

// PipeTarget names the PIPE a client streams into.
type PipeTarget struct {
	Database string
	Schema   string
	Pipe     string
	Table    string
}

// SnowflakeClient talks to the Snowpipe Streaming REST API. One client
// per mapping; it exclusively owns the channels opened under it.
//
// The flow follows the high-performance streaming architecture: exchange
// a key-pair JWT for a scoped ingest token, discover the ingest host,
// open one channel per partition, append NDJSON rows with a continuation
// token, and poll channel status for the committed offset token.
type SnowflakeClient struct {
	profile snowauth.Profile
	target  PipeTarget
	suffix  string
	httpc   *http.Client
	tracer  traceSink

	key *rsa.PrivateKey

	mu         sync.Mutex
	channels   map[string]*snowflakeChannel
	ingestHost string
	scopedTok  string
	tokExpiry  time.Time
	closed     bool
}

// traceSink is the subset of trace.Tracer the client needs; kept as a
// local interface so ingest does not import the trace package.
type traceSink interface {
	CounterAdd(name string, n int64)
}

type noopSink struct{}

func (noopSink) CounterAdd(string, int64) {}

const (
	jwtLifetime      = 59 * time.Minute
	scopedTokenSlack = 5 * time.Minute
	statusPollEvery  = 500 * time.Millisecond
)

func NewSnowflakeClient(profile snowauth.Profile, target PipeTarget, processSuffix string, tracer traceSink) (*SnowflakeClient, error) {
	for _, ident := range []string{target.Database, target.Schema, target.Pipe} {
		if ident == "" {
			return nil, errors.New("pipe target requires database, schema and pipe names")
		}
	}
	key, err := profile.LoadPrivateKey()
	if err != nil {
		return nil, err
	}
	if tracer == nil {
		tracer = noopSink{}
	}
	return &SnowflakeClient{
		profile:  profile,
		target:   target,
		suffix:   processSuffix,
		httpc:    &http.Client{Timeout: 60 * time.Second},
		tracer:   tracer,
		key:      key,
		channels: make(map[string]*snowflakeChannel),
	}, nil
}

// Open returns the channel for partitionID, creating it on first use.
func (c *SnowflakeClient) Open(ctx context.Context, partitionID string) (Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, permanentErr("open", partitionID, errors.New("client closed"))
	}
	if ch, ok := c.channels[partitionID]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	name := fmt.Sprintf("%s_%s_%s", c.target.Table, partitionID, c.suffix)
	ch := &snowflakeChannel{
		client:    c,
		name:      name,
		partition: partitionID,
	}
	if err := ch.open(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.channels[partitionID]; ok {
		// Lost a race with a concurrent Open for the same partition.
		return existing, nil
	}
	c.channels[partitionID] = ch
	log.Printf("Channel opened: %s", name)
	return ch, nil
}

// Close closes every channel and invalidates the client.
func (c *SnowflakeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	channels := make([]*snowflakeChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[string]*snowflakeChannel)
	c.closed = true
	c.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		if err := ch.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// forget drops a channel from the registry so the next Open recreates
// it; called when a worker abandons a broken channel.
func (c *SnowflakeClient) forget(partition string) {
	c.mu.Lock()
	delete(c.channels, partition)
	c.mu.Unlock()
}

// scopedToken returns a cached ingest-scoped token, refreshing it from a
// fresh key-pair JWT when near expiry. It takes c.mu itself, so callers
// must not hold it.
func (c *SnowflakeClient) scopedToken(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scopedTok != "" && time.Until(c.tokExpiry) > scopedTokenSlack {
		return c.scopedTok, c.ingestHost, nil
	}

	assertion, err := snowauth.MintJWT(c.profile, c.key, jwtLifetime)
	if err != nil {
		return "", "", err
	}

	if c.ingestHost == "" {
		host, err := c.discoverHost(ctx, assertion)
		if err != nil {
			return "", "", err
		}
		c.ingestHost = host
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("scope", c.ingestHost)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.profile.AccountURL()+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", "", transientErr("token", "", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		err := errors.Errorf("token exchange returned %d: %s", resp.StatusCode, truncate(body))
		if classifyHTTP(resp.StatusCode) {
			return "", "", permanentErr("token", "", err)
		}
		return "", "", transientErr("token", "", err)
	}

	c.scopedTok = strings.TrimSpace(string(body))
	c.tokExpiry = time.Now().Add(jwtLifetime)
	return c.scopedTok, c.ingestHost, nil
}

func (c *SnowflakeClient) discoverHost(ctx context.Context, assertion string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.profile.AccountURL()+"/v2/streaming/hostname", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("X-Snowflake-Authorization-Token-Type", "KEYPAIR_JWT")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", transientErr("hostname", "", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		err := errors.Errorf("hostname discovery returned %d: %s", resp.StatusCode, truncate(body))
		if classifyHTTP(resp.StatusCode) {
			return "", permanentErr("hostname", "", err)
		}
		return "", transientErr("hostname", "", err)
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *SnowflakeClient) channelURL(host, channel, suffix string) string {
	return fmt.Sprintf("https://%s/v2/streaming/databases/%s/schemas/%s/pipes/%s/channels/%s%s",
		host, c.target.Database, c.target.Schema, c.target.Pipe, channel, suffix)
}

func (c *SnowflakeClient) do(ctx context.Context, method, rawURL string, payload []byte, out interface{}) (int, error) {
	tok, _, err := c.scopedToken(ctx)
	if err != nil {
		return 0, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, errors.Errorf("%s %s returned %d: %s", method, rawURL, resp.StatusCode, truncate(raw))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decoding streaming API response")
		}
	}
	return resp.StatusCode, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// snowflakeChannel is one partition's streaming session.
type snowflakeChannel struct {
	client       *SnowflakeClient
	name         string
	partition    string
	continuation string
}

type channelStatus struct {
	NextContinuationToken string `json:"next_continuation_token"`
	ChannelStatus         struct {
		LastCommittedOffsetToken string `json:"last_committed_offset_token"`
	} `json:"channel_status"`
}

func (ch *snowflakeChannel) open(ctx context.Context) error {
	_, host, err := ch.client.scopedToken(ctx)
	if err != nil {
		return err
	}

	var status channelStatus
	code, err := ch.client.do(ctx, http.MethodPut, ch.client.channelURL(host, ch.name, ""), []byte("{}"), &status)
	if err != nil {
		if code == 0 || !classifyHTTP(code) {
			return transientErr("open", ch.partition, err)
		}
		return permanentErr("open", ch.partition, err)
	}
	ch.continuation = status.NextContinuationToken
	return nil
}

// Send appends the batch's rows. The offset token carried with the
// append is the batch's last sequence; WaitDurable polls for it.
func (ch *snowflakeChannel) Send(ctx context.Context, batch event.Batch) (AckToken, error) {
	payload, offsetToken, err := SerializeBatch(batch, ch.client.suffix)
	if err != nil {
		return AckToken{}, permanentErr("serialize", ch.partition, err)
	}

	_, host, err := ch.client.scopedToken(ctx)
	if err != nil {
		return AckToken{}, err
	}

	u := ch.client.channelURL(host, ch.name, "/rows") +
		"?continuationToken=" + url.QueryEscape(ch.continuation) +
		"&offsetToken=" + url.QueryEscape(offsetToken)

	var status channelStatus
	code, err := ch.client.do(ctx, http.MethodPost, u, payload, &status)
	if err != nil {
		if code == 0 && isNetworkErr(err) {
			return AckToken{}, transientErr("send", ch.partition, err)
		}
		if code == 0 || !classifyHTTP(code) {
			return AckToken{}, transientErr("send", ch.partition, err)
		}
		return AckToken{}, permanentErr("send", ch.partition, err)
	}
	ch.continuation = status.NextContinuationToken

	ch.client.tracer.CounterAdd("ingest.rows_sent", int64(batch.Count))
	return AckToken{OffsetToken: offsetToken, LastSequence: batch.LastSequence}, nil
}

// WaitDurable polls channel status until the committed offset token
// reaches the batch's token or the deadline elapses.
func (ch *snowflakeChannel) WaitDurable(ctx context.Context, token AckToken, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(statusPollEvery)
	defer ticker.Stop()

	for {
		committed, err := ch.committedOffset(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &DurabilityTimeout{Partition: ch.partition, OffsetToken: token.OffsetToken}
			}
			return err
		}
		if committed >= token.LastSequence {
			ch.client.tracer.CounterAdd("ingest.batches_durable", 1)
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &DurabilityTimeout{Partition: ch.partition, OffsetToken: token.OffsetToken}
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (ch *snowflakeChannel) committedOffset(ctx context.Context) (int64, error) {
	_, host, err := ch.client.scopedToken(ctx)
	if err != nil {
		return -1, err
	}

	var status channelStatus
	code, err := ch.client.do(ctx, http.MethodGet, ch.client.channelURL(host, ch.name, ""), nil, &status)
	if err != nil {
		if code == 0 || !classifyHTTP(code) {
			return -1, transientErr("status", ch.partition, err)
		}
		return -1, permanentErr("status", ch.partition, err)
	}
	return ParseOffsetToken(status.ChannelStatus.LastCommittedOffsetToken), nil
}

// Close removes the channel from the client registry and deletes the
// server-side channel. Best effort: a failed delete only leaks an idle
// channel name that the server expires.
func (ch *snowflakeChannel) Close(ctx context.Context) error {
	ch.client.forget(ch.partition)

	_, host, err := ch.client.scopedToken(ctx)
	if err != nil {
		return nil
	}
	if _, err := ch.client.do(ctx, http.MethodDelete, ch.client.channelURL(host, ch.name, ""), nil, nil); err != nil {
		log.Printf("Closing channel %s: %v", ch.name, err)
	}
	return nil
}
