// Package cache is the Redis-backed exchange between the REST service and
// the data-loader workers: job submission over pub/sub, load status and
// encoded chunk payloads with bounded lifetimes.
package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"freva/internal/logging"
)

// Channel is the pub/sub channel the workers listen on.
const Channel = "data-portal"

// Cache lifetimes. A status entry lives for an hour and is refreshed on
// every worker write; chunk payloads are short-lived since clients fetch
// them right after asking for them.
const (
	StatusTTL = 3600 * time.Second
	ChunkTTL  = 360 * time.Second
)

// Load status states.
const (
	StatusOK         = 0
	StatusFailed     = 1
	StatusWaiting    = 2
	StatusInProgress = 3
)

// StatusText translates a status code for humans.
func StatusText(status int) string {
	switch status {
	case StatusOK:
		return "finished, ok"
	case StatusFailed:
		return "finished, failed"
	case StatusWaiting:
		return "waiting"
	case StatusInProgress:
		return "processing"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned when a cache key does not exist (anymore).
var ErrNotFound = errors.New("cache key not found")

// LoadStatus tracks one dataset loading job. JSONMeta holds the
// consolidated zarr metadata document once the job succeeded.
type LoadStatus struct {
	Status   int             `msgpack:"status"`
	ObjPath  string          `msgpack:"obj_path"`
	Reason   string          `msgpack:"reason"`
	URL      string          `msgpack:"url"`
	JSONMeta json.RawMessage `msgpack:"json_meta"`
}

// Message is one job on the worker channel: either a dataset to load or
// a chunk to encode.
type Message struct {
	URI   *URIJob   `json:"uri,omitempty"`
	Chunk *ChunkJob `json:"chunk,omitempty"`
}

// URIJob asks a worker to open a dataset and publish its metadata.
type URIJob struct {
	Path string `json:"path"`
	UUID string `json:"uuid"`
}

// ChunkJob asks a worker to encode one chunk of a loaded dataset.
type ChunkJob struct {
	UUID     string `json:"uuid"`
	Variable string `json:"variable"`
	Chunk    string `json:"chunk"`
}

// ChunkKey is the cache key one encoded chunk is stored under.
func ChunkKey(uuid, variable, chunk string) string {
	return uuid + "-" + variable + "-" + chunk
}

// Options configure the cache connection.
type Options struct {
	URL      string
	Username string
	Password string
	TLS      *tls.Config
}

// Cache wraps the Redis connection used by both service and workers.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// Connect builds the cache client. The connection itself is lazy.
func Connect(opts Options, logger *slog.Logger) (*Cache, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.Username != "" {
		redisOpts.Username = opts.Username
	}
	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}
	if opts.TLS != nil {
		redisOpts.TLSConfig = opts.TLS
	}
	return &Cache{
		rdb:    redis.NewClient(redisOpts),
		logger: logging.Default(logger).With("component", "cache"),
	}, nil
}

// Close releases the connection pool.
func (c *Cache) Close() error { return c.rdb.Close() }

// Ping verifies the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetStatus stores a job's load status under its key for ttl.
func (c *Cache) SetStatus(ctx context.Context, key string, status *LoadStatus, ttl time.Duration) error {
	raw, err := msgpack.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode load status: %w", err)
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

// GetStatus fetches a job's load status, or ErrNotFound.
func (c *Cache) GetStatus(ctx context.Context, key string) (*LoadStatus, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var status LoadStatus
	if err := msgpack.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("decode load status: %w", err)
	}
	return &status, nil
}

// SetChunk stores one encoded chunk payload.
func (c *Cache) SetChunk(ctx context.Context, key string, data []byte) error {
	return c.rdb.Set(ctx, key, data, ChunkTTL).Err()
}

// GetBytes fetches a raw cache value, or ErrNotFound.
func (c *Cache) GetBytes(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return raw, err
}

// Publish sends a job message to the worker channel.
func (c *Cache) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, Channel, raw).Err()
}

// Subscribe opens the worker channel. The caller owns the subscription.
func (c *Cache) Subscribe(ctx context.Context) *redis.PubSub {
	return c.rdb.Subscribe(ctx, Channel)
}

// WaitBytes polls for a key once per second until it appears or the
// budget of polls is spent. A zero budget checks exactly once.
func (c *Cache) WaitBytes(ctx context.Context, key string, polls int) ([]byte, error) {
	raw, err := c.GetBytes(ctx, key)
	for i := 0; errors.Is(err, ErrNotFound) && i < polls; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
		raw, err = c.GetBytes(ctx, key)
	}
	return raw, err
}

// WaitStatus polls for a job's load status like WaitBytes.
func (c *Cache) WaitStatus(ctx context.Context, key string, polls int) (*LoadStatus, error) {
	status, err := c.GetStatus(ctx, key)
	for i := 0; errors.Is(err, ErrNotFound) && i < polls; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
		status, err = c.GetStatus(ctx, key)
	}
	return status, err
}
