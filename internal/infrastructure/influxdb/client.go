package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/ish-core/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	// Used when the config leaves batching unset.
	defaultBatchSize     = 100
	defaultFlushInterval = 10 // seconds

	millisecondsPerSecond = 1000

	// sourceTag is added to every point so a shared bucket can tell mock
	// readings apart from real ones.
	sourceTag   = "source"
	sourceValue = "ish"
)

// Client records entity telemetry in one InfluxDB bucket.
//
// Points go through the upstream non-blocking write API, so a slow or
// unreachable server never stalls a store mutation. Points written after
// Close are dropped.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string

	connected bool
	mu        sync.RWMutex

	onError func(err error)
}

// writeOptions builds the upstream options for cfg, filling in the batch
// size and flush interval when the config leaves them unset.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- both values are positive
	return influxdb2.DefaultOptions().
		SetBatchSize(uint(batchSize)).
		SetFlushInterval(uint(flushInterval)*millisecondsPerSecond).
		AddDefaultTag(sourceTag, sourceValue)
}

// Connect opens the telemetry sink described by cfg.
//
// The server must answer a ping within the connect timeout; an unhealthy
// server is treated the same as an unreachable one.
//
// Parameters:
//   - cfg: the influxdb section of the configuration file
//
// Returns:
//   - *Client: ready to accept WriteEntityState calls
//   - error: ErrDisabled when cfg.Enabled is false, or ErrConnectionFailed
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s not healthy", ErrConnectionFailed, cfg.URL)
	}

	c := &Client{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:    cfg.Bucket,
		connected: true,
	}
	go c.forwardWriteErrors()

	return c, nil
}

// forwardWriteErrors hands asynchronous batch failures to the OnError
// callback. It returns when the upstream client closes the channel.
func (c *Client) forwardWriteErrors() {
	for err := range c.writeAPI.Errors() {
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()

		if callback != nil {
			callback(fmt.Errorf("influxdb: write to bucket %q: %w", c.bucket, err))
		}
	}
}

// Close flushes buffered points and releases the connection.
//
// Returns:
//   - error: always nil; kept so Close satisfies io.Closer
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected {
		c.writeAPI.Flush()
		c.client.Close()
	}
	return nil
}

// HealthCheck pings the server.
//
// Parameters:
//   - ctx: bounds the ping together with the client's own ping timeout
//
// Returns:
//   - error: ErrNotConnected after Close, otherwise nil when the server
//     reports itself healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// IsConnected reports whether Close has not yet been called. It does not
// contact the server; use HealthCheck for that.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetOnError sets the callback for asynchronous write failures. The error
// passed to it names the bucket and wraps the upstream failure.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Flush blocks until buffered points are sent. No-op after Close.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}
