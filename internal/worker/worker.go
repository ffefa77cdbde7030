package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"freva/internal/cache"
	"freva/internal/callgroup"
	"freva/internal/logging"
	"freva/internal/portal"
)

// statusStore is the slice of the cache the job handlers need.
type statusStore interface {
	GetStatus(ctx context.Context, key string) (*cache.LoadStatus, error)
	SetStatus(ctx context.Context, key string, status *cache.LoadStatus, ttl time.Duration) error
	SetChunk(ctx context.Context, key string, data []byte) error
}

// Worker consumes load and chunk jobs from the cache's pub/sub channel.
type Worker struct {
	bus      *cache.Cache
	store    statusStore
	restURL  string
	instance string
	ttl      time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[string]*handleEntry
	reopen  callgroup.Group[string]
}

type handleEntry struct {
	handle *Handle
	used   time.Time
}

// New builds a worker. restURL is the public base address zarr store
// links are advertised under; ttl bounds both the cached load status
// and how long idle dataset handles stay open.
func New(c *cache.Cache, restURL string, ttl time.Duration, logger *slog.Logger) *Worker {
	if ttl <= 0 {
		ttl = cache.StatusTTL
	}
	instance := petname.Generate(2, "-")
	return &Worker{
		bus:      c,
		store:    c,
		restURL:  strings.TrimRight(restURL, "/"),
		instance: instance,
		ttl:      ttl,
		logger:   logging.Default(logger).With("component", "worker", "instance", instance),
		handles:  map[string]*handleEntry{},
	}
}

// Run subscribes to the job channel and processes messages until the
// context is cancelled. Jobs run on a bounded pool; idle dataset
// handles are evicted on the cache TTL schedule.
func (w *Worker) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create eviction scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(w.ttl),
		gocron.NewTask(w.evict),
		gocron.WithName("evict-idle-handles"),
	); err != nil {
		return fmt.Errorf("schedule handle eviction: %w", err)
	}
	sched.Start()
	defer sched.Shutdown()

	sub := w.bus.Subscribe(ctx)
	defer sub.Close()
	ch := sub.Channel()

	limit := runtime.NumCPU()*2 - 1
	if limit < 1 {
		limit = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)

	w.logger.Info("data loader listening", "channel", cache.Channel)
	for {
		select {
		case <-ctx.Done():
			g.Wait()
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				g.Wait()
				return nil
			}
			var job cache.Message
			if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
				w.logger.Warn("could not decode message", "error", err)
				continue
			}
			g.Go(func() error {
				w.dispatch(ctx, &job)
				return nil
			})
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, job *cache.Message) {
	switch {
	case job.URI != nil:
		w.handleLoad(ctx, job.URI)
	case job.Chunk != nil:
		w.handleChunk(ctx, job.Chunk)
	default:
		w.logger.Warn("message carries neither uri nor chunk job")
	}
}

// objPath is the public zarr store address of a job.
func (w *Worker) objPath(id string) string {
	return w.restURL + portal.PathPrefix + "/" + id + ".zarr"
}

// handleLoad runs the load state machine: unknown jobs start out
// waiting and get loaded, failed and still-waiting jobs are retried,
// finished and in-flight jobs are left alone.
func (w *Worker) handleLoad(ctx context.Context, job *cache.URIJob) {
	status, err := w.store.GetStatus(ctx, job.UUID)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		waiting := &cache.LoadStatus{
			Status:  cache.StatusWaiting,
			ObjPath: w.objPath(job.UUID),
			URL:     job.Path,
		}
		if err := w.store.SetStatus(ctx, job.UUID, waiting, w.ttl); err != nil {
			w.logger.Error("could not store load status", "uuid", job.UUID, "error", err)
			return
		}
		w.load(ctx, job.UUID, job.Path)
	case err != nil:
		w.logger.Error("could not read load status", "uuid", job.UUID, "error", err)
	case status.Status == cache.StatusFailed || status.Status == cache.StatusWaiting:
		w.load(ctx, job.UUID, job.Path)
	default:
		w.logger.Debug("job already processed", "uuid", job.UUID,
			"status", cache.StatusText(status.Status))
	}
}

// load opens the sources behind a job and publishes the outcome.
func (w *Worker) load(ctx context.Context, id, path string) {
	status := &cache.LoadStatus{
		Status:  cache.StatusInProgress,
		ObjPath: w.objPath(id),
		URL:     path,
	}
	if err := w.store.SetStatus(ctx, id, status, w.ttl); err != nil {
		w.logger.Error("could not store load status", "uuid", id, "error", err)
	}

	w.logger.Info("loading dataset", "uuid", id, "path", path)
	handle, err := w.open(ctx, path)
	if err == nil {
		var meta []byte
		if meta, err = json.Marshal(handle.Metadata()); err == nil {
			status.Status = cache.StatusOK
			status.JSONMeta = meta
			w.mu.Lock()
			w.handles[id] = &handleEntry{handle: handle, used: time.Now()}
			w.mu.Unlock()
		}
	}
	if err != nil {
		w.logger.Error("could not process dataset", "uuid", id, "error", err)
		status.Status = cache.StatusFailed
		status.Reason = err.Error()
	}
	if err := w.store.SetStatus(ctx, id, status, w.ttl); err != nil {
		w.logger.Error("could not store load status", "uuid", id, "error", err)
	}
}

// open materializes a handle for a job path. Multi-source jobs carry
// their URIs comma-separated and are aggregated into one store.
func (w *Worker) open(ctx context.Context, path string) (*Handle, error) {
	var uris []string
	for _, uri := range strings.Split(path, ",") {
		if uri = strings.TrimSpace(uri); uri != "" {
			uris = append(uris, uri)
		}
	}
	if len(uris) == 0 {
		return nil, errors.New("empty dataset path")
	}
	attrs, vars, err := openSources(ctx, uris, w.logger)
	if err != nil {
		return nil, err
	}
	return newHandle(attrs, vars)
}

// handleChunk encodes one block and drops it into the cache. Handles
// lost to eviction or a restart are reopened from the recorded source
// path of the load status.
func (w *Worker) handleChunk(ctx context.Context, job *cache.ChunkJob) {
	handle, err := w.handle(ctx, job.UUID)
	if err != nil {
		w.logger.Error("could not resolve dataset handle", "uuid", job.UUID, "error", err)
		return
	}
	data, err := handle.Encode(ctx, job.Variable, job.Chunk)
	if err != nil {
		w.logger.Error("could not encode chunk", "uuid", job.UUID,
			"variable", job.Variable, "chunk", job.Chunk, "error", err)
		return
	}
	key := cache.ChunkKey(job.UUID, job.Variable, job.Chunk)
	if err := w.store.SetChunk(ctx, key, data); err != nil {
		w.logger.Error("could not cache chunk", "key", key, "error", err)
	}
}

// cached returns the open handle for id and refreshes its idle timer,
// or nil when none is open.
func (w *Worker) cached(id string) *Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	if entry, ok := w.handles[id]; ok {
		entry.used = time.Now()
		return entry.handle
	}
	return nil
}

// handle returns the in-process handle of a job, reopening the sources
// when it is gone. Chunk jobs for the same store arrive in bursts, so
// concurrent reopens are collapsed into a single open.
func (w *Worker) handle(ctx context.Context, id string) (*Handle, error) {
	if h := w.cached(id); h != nil {
		return h, nil
	}
	if err := <-w.reopen.DoChan(id, func() error {
		status, err := w.store.GetStatus(ctx, id)
		if errors.Is(err, cache.ErrNotFound) {
			return fmt.Errorf("%s uuid does not exist (anymore)", id)
		}
		if err != nil {
			return err
		}
		if status.URL == "" {
			return fmt.Errorf("%s has no recorded source path", id)
		}
		handle, err := w.open(ctx, status.URL)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.handles[id] = &handleEntry{handle: handle, used: time.Now()}
		w.mu.Unlock()
		return nil
	}); err != nil {
		return nil, err
	}
	if h := w.cached(id); h != nil {
		return h, nil
	}
	return nil, fmt.Errorf("%s handle evicted while opening", id)
}

// evict drops dataset handles that have been idle past the TTL.
func (w *Worker) evict() {
	cutoff := time.Now().Add(-w.ttl)
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, entry := range w.handles {
		if entry.used.Before(cutoff) {
			delete(w.handles, id)
			w.logger.Debug("evicted idle dataset handle", "uuid", id)
		}
	}
}
