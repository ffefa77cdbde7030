// Package portal fronts the data-portal workers: it derives stable zarr
// store ids for dataset URIs, submits loading jobs over the cache's
// pub/sub channel and reads back status, metadata and chunk payloads.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"freva/internal/cache"
	"freva/internal/logging"
	"freva/internal/zarr"
)

// PathPrefix is the public route prefix of the zarr endpoints.
const PathPrefix = "/api/freva-nextgen/data-portal/zarr"

// StatusError reports a job that has not (yet) produced a dataset. The
// HTTP layer maps it to 503 with the human-readable state.
type StatusError struct {
	Status int
	Reason string
}

func (e *StatusError) Error() string {
	text := cache.StatusText(e.Status)
	if e.Reason != "" {
		return text + ": " + e.Reason
	}
	return text
}

// Portal is the REST-side client of the data-loader workers.
type Portal struct {
	cache  *cache.Cache
	proxy  string
	logger *slog.Logger
}

// New builds a portal front-end. proxy is the public base URL the zarr
// store links are advertised under.
func New(c *cache.Cache, proxy string, logger *slog.Logger) *Portal {
	return &Portal{
		cache:  c,
		proxy:  strings.TrimRight(proxy, "/"),
		logger: logging.Default(logger).With("component", "portal"),
	}
}

// ZarrID derives the stable store id for a dataset URI: the same URI
// always maps to the same job, so repeated requests share one load.
func ZarrID(uri string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(uri)).String()
}

// ZarrURL is the public address of the zarr store for a dataset URI.
func (p *Portal) ZarrURL(uri string) string {
	return fmt.Sprintf("%s%s/%s.zarr", p.proxy, PathPrefix, ZarrID(uri))
}

// Stage submits a dataset for loading and returns its public zarr URL.
// Staging is idempotent; workers skip URIs that already loaded fine.
func (p *Portal) Stage(ctx context.Context, uri string) (string, error) {
	id := ZarrID(uri)
	err := p.cache.Publish(ctx, cache.Message{URI: &cache.URIJob{Path: uri, UUID: id}})
	if err != nil {
		return "", fmt.Errorf("submit load job: %w", err)
	}
	p.logger.Debug("staged dataset", "uri", uri, "uuid", id)
	return p.ZarrURL(uri), nil
}

// Status waits up to polls seconds for the job's status entry.
func (p *Portal) Status(ctx context.Context, id string, polls int) (*cache.LoadStatus, error) {
	return p.cache.WaitStatus(ctx, id, polls)
}

// Metadata returns the consolidated zarr metadata of a finished job. An
// unfinished or failed job yields a StatusError.
func (p *Portal) Metadata(ctx context.Context, id string, polls int) (*zarr.Consolidated, error) {
	status, err := p.cache.WaitStatus(ctx, id, polls)
	if err != nil {
		return nil, err
	}
	if status.Status != cache.StatusOK {
		return nil, &StatusError{Status: status.Status, Reason: status.Reason}
	}
	var meta zarr.Consolidated
	if err := json.Unmarshal(status.JSONMeta, &meta); err != nil {
		return nil, fmt.Errorf("decode store metadata: %w", err)
	}
	return &meta, nil
}

// Chunk asks the workers for one encoded chunk and waits for it to land
// in the cache.
func (p *Portal) Chunk(ctx context.Context, id, variable, chunk string, polls int) ([]byte, error) {
	err := p.cache.Publish(ctx, cache.Message{
		Chunk: &cache.ChunkJob{UUID: id, Variable: variable, Chunk: chunk},
	})
	if err != nil {
		return nil, fmt.Errorf("submit chunk job: %w", err)
	}
	return p.cache.WaitBytes(ctx, cache.ChunkKey(id, variable, chunk), polls)
}
