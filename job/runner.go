// Package job runs conversions end to end: validation, serial allocation,
// the photo or video pipeline, progress and event reporting, and the final
// publish of outputs.
package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediaforge/encoder"
	"mediaforge/events"
	"mediaforge/library"
	"mediaforge/logger"
	"mediaforge/metrics"
	"mediaforge/models"
	"mediaforge/progress"
	"mediaforge/serial"
	taskqueue "mediaforge/taskQueue"
	"mediaforge/transcode"
)

// Publisher copies finished outputs somewhere else. Failures never change
// the outcome of a job.
type Publisher interface {
	Publish(ctx context.Context, kind models.Kind, files []string) error
}

// PhotoSettings are the two resize targets for photos.
type PhotoSettings struct {
	Width, Height, Quality                int
	ThumbWidth, ThumbHeight, ThumbQuality int
}

// Options wires a Runner to its collaborators. Events, Limiter and
// Publisher are optional.
type Options struct {
	Allocator  *serial.Allocator
	Registry   *progress.Registry
	Events     *events.Broadcaster
	Supervisor *transcode.Supervisor
	Encoder    *encoder.Registry
	Limiter    *taskqueue.Limiter
	Library    *library.Library
	Publisher  Publisher
	Photo      PhotoSettings
	Video      transcode.Encoding
}

// Request asks for one conversion. Source is the original's file name and
// doubles as the job key. Target reuses an existing serial, which makes a
// retry overwrite the same outputs instead of consuming a new serial.
type Request struct {
	Kind         models.Kind `json:"kind"`
	Source       string      `json:"source"`
	Target       string      `json:"target,omitempty"`
	DeleteSource bool        `json:"delete_source,omitempty"`
}

// Result is what a finished job produced. A cancelled job returns a Result
// in the cancelled state and a nil error.
type Result struct {
	Job            models.ConversionJob `json:"job"`
	Output         string               `json:"output,omitempty"`
	Thumbnail      string               `json:"thumbnail,omitempty"`
	ThumbnailError string               `json:"thumbnail_error,omitempty"`
	Media          *models.MediaInfo    `json:"media,omitempty"`
	SourceDeleted  bool                 `json:"source_deleted,omitempty"`
	MirrorError    string               `json:"mirror_error,omitempty"`
}

type Runner struct {
	opts Options

	mu      sync.Mutex
	jobs    map[string]*tracker
	batches map[models.Kind]*batch
}

func NewRunner(opts Options) *Runner {
	if opts.Registry == nil {
		opts.Registry = progress.NewRegistry()
	}
	r := &Runner{
		opts:    opts,
		jobs:    make(map[string]*tracker),
		batches: make(map[models.Kind]*batch),
	}
	if opts.Library != nil && opts.Library.InUse == nil {
		opts.Library.InUse = r.InUse
	}
	return r
}

// Run executes a conversion and blocks until it reaches a terminal state.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	t, path, jctx, err := r.begin(ctx, &req)
	if err != nil {
		return Result{}, err
	}
	return r.execute(jctx, t, req, path)
}

// Start validates the request, registers the job and runs it in the
// background. The returned job is in the pending state.
func (r *Runner) Start(ctx context.Context, req Request) (models.ConversionJob, error) {
	t, path, jctx, err := r.begin(context.WithoutCancel(ctx), &req)
	if err != nil {
		return models.ConversionJob{}, err
	}
	job := t.snapshot()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorf("job %s panicked: %v", job.ID, rec)
				r.failed(t, fmt.Errorf("internal error: %v", rec))
			}
		}()
		if _, err := r.execute(jctx, t, req, path); err != nil {
			logger.Debugf("job %s finished with error: %v", job.ID, err)
		}
	}()
	return job, nil
}

// begin validates req, normalising its kind in place, and registers the job.
func (r *Runner) begin(ctx context.Context, req *Request) (*tracker, string, context.Context, error) {
	kind, err := models.ParseKind(string(req.Kind))
	if err != nil {
		return nil, "", nil, err
	}
	req.Kind = kind
	if req.Target != "" && !serial.Valid(req.Target) {
		return nil, "", nil, fmt.Errorf("%w: target %q", models.ErrInvalidSerial, req.Target)
	}
	path, err := r.resolve(kind, req.Source)
	if err != nil {
		return nil, "", nil, err
	}

	jctx, cancel := context.WithCancel(ctx)
	now := time.Now()
	t := &tracker{
		job: models.ConversionJob{
			ID:        uuid.NewString(),
			Kind:      kind,
			Source:    req.Source,
			State:     models.JobPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancel:   cancel,
		registry: r.opts.Registry,
		events:   r.opts.Events,
	}

	r.mu.Lock()
	if prev, ok := r.jobs[req.Source]; ok && !prev.isTerminal() {
		r.mu.Unlock()
		cancel()
		return nil, "", nil, fmt.Errorf("%w: %s", models.ErrJobActive, req.Source)
	}
	r.jobs[req.Source] = t
	r.mu.Unlock()

	t.mu.Lock()
	t.storeLocked()
	t.mu.Unlock()
	metrics.JobsActive.WithLabelValues(string(kind)).Inc()
	logger.Infof("job %s queued: %s %s", t.job.ID, kind, req.Source)
	return t, path, jctx, nil
}

func (r *Runner) resolve(kind models.Kind, name string) (string, error) {
	if r.opts.Library != nil {
		return r.opts.Library.ResolveOriginal(kind, name)
	}
	if name == "" {
		return "", fmt.Errorf("%w: empty source", models.ErrInvalidName)
	}
	return name, nil
}

func (r *Runner) dirs(kind models.Kind) (library.Dirs, error) {
	if r.opts.Library == nil {
		return library.Dirs{}, fmt.Errorf("%w: no output directories for %s", models.ErrInvalidKind, kind)
	}
	return r.opts.Library.Dirs(kind)
}

func (r *Runner) execute(ctx context.Context, t *tracker, req Request, path string) (Result, error) {
	defer t.cancel()

	t.transition(models.JobValidating)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r.failed(t, &models.SourceNotFoundError{Path: path})
		}
		return r.failed(t, &models.StorageError{Op: "stat", Path: path, Err: err})
	}

	var (
		res Result
		err error
	)
	if req.Kind == models.KindVideo {
		res, err = r.runVideo(ctx, t, req, path)
	} else {
		res, err = r.runPhoto(ctx, t, req, path)
	}
	if err != nil || res.Job.State != models.JobCompleted {
		return res, err
	}

	if req.DeleteSource {
		if rmErr := os.Remove(path); rmErr != nil {
			logger.Warnf("job %s: could not delete source %s: %v", res.Job.ID, path, rmErr)
		} else {
			res.SourceDeleted = true
			logger.Infof("job %s: deleted source %s", res.Job.ID, path)
		}
	}

	if r.opts.Publisher != nil {
		files := []string{res.Output}
		if res.Thumbnail != "" && res.ThumbnailError == "" {
			files = append(files, res.Thumbnail)
		}
		if pubErr := r.opts.Publisher.Publish(ctx, req.Kind, files); pubErr != nil {
			res.MirrorError = pubErr.Error()
			logger.Errorf("job %s: mirroring outputs failed: %v", res.Job.ID, pubErr)
		}
	}
	return res, nil
}

// allocate returns the requested target or the next serial for kind.
func (r *Runner) allocate(t *tracker, req Request) (string, error) {
	if req.Target != "" {
		t.setSerial(req.Target)
		return req.Target, nil
	}
	s, err := r.opts.Allocator.Allocate(req.Kind)
	if err != nil {
		return "", err
	}
	metrics.SerialAllocations.WithLabelValues(string(req.Kind)).Inc()
	t.setSerial(s)
	return s, nil
}

// processing moves the job into processing and announces it.
func (r *Runner) processing(t *tracker, command string) {
	t.transition(models.JobProcessing)
	e := t.event(events.TypeStart)
	e.Command = command
	t.emit(e)
	logger.Infof("job %s processing: %s", e.JobID, command)
}

func (r *Runner) completed(t *tracker, res Result) (Result, error) {
	t.advance(100, "", false)
	t.transition(models.JobCompleted)
	t.emit(t.event(events.TypeEnd))
	r.finished(t)
	res.Job = t.snapshot()
	logger.Infof("job %s completed: %s", res.Job.ID, res.Output)
	return res, nil
}

func (r *Runner) cancelled(t *tracker) (Result, error) {
	t.transition(models.JobCancelled)
	e := t.event(events.TypeCancelled)
	e.Message = "conversion cancelled"
	t.emit(e)
	r.finished(t)
	job := t.snapshot()
	logger.Infof("job %s cancelled", job.ID)
	return Result{Job: job}, nil
}

func (r *Runner) failed(t *tracker, err error) (Result, error) {
	t.fail(err)
	t.transition(models.JobFailed)
	e := t.event(events.TypeError)
	e.Error = err.Error()
	t.emit(e)
	r.finished(t)
	job := t.snapshot()
	logger.Errorf("job %s failed (%s): %v", job.ID, models.ErrorType(err), err)
	return Result{Job: job}, err
}

// finished records metrics once per job.
func (r *Runner) finished(t *tracker) {
	t.mu.Lock()
	if t.recorded || !t.job.State.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.recorded = true
	job := t.job
	t.mu.Unlock()

	metrics.JobsActive.WithLabelValues(string(job.Kind)).Dec()
	metrics.RecordJob(string(job.Kind), job.State.String(), job.UpdatedAt.Sub(job.CreatedAt))
}

// wasCancelled reports whether err is the fallout of a user cancel.
func wasCancelled(ctx context.Context, t *tracker) bool {
	return t.cancelRequested.Load() && ctx.Err() != nil
}

// Cancel stops the job for key. Running transcodes get SIGTERM; anything
// else has its context cancelled.
func (r *Runner) Cancel(key string) error {
	r.mu.Lock()
	t, ok := r.jobs[key]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, key)
	}
	if t.isTerminal() {
		return fmt.Errorf("%w: %s is %s", models.ErrNotCancellable, key, t.snapshot().State)
	}

	t.cancelRequested.Store(true)
	if r.opts.Supervisor != nil {
		if err := r.opts.Supervisor.Cancel(key); err == nil {
			return nil
		}
	}
	t.cancel()
	logger.Infof("job for %s: cancel requested", key)
	return nil
}

// Progress returns the latest snapshot for key, or the unknown sentinel.
func (r *Runner) Progress(key string) progress.Snapshot {
	return r.opts.Registry.Get(key)
}

func (r *Runner) Job(key string) (models.ConversionJob, bool) {
	r.mu.Lock()
	t, ok := r.jobs[key]
	r.mu.Unlock()
	if !ok {
		return models.ConversionJob{}, false
	}
	return t.snapshot(), true
}

// Active lists jobs that have not reached a terminal state, oldest first.
func (r *Runner) Active() []models.ConversionJob {
	return r.list(func(j models.ConversionJob) bool { return !j.State.IsTerminal() })
}

// Jobs lists every job still tracked, including recently finished ones.
func (r *Runner) Jobs() []models.ConversionJob {
	return r.list(func(models.ConversionJob) bool { return true })
}

func (r *Runner) list(keep func(models.ConversionJob) bool) []models.ConversionJob {
	r.mu.Lock()
	trackers := make([]*tracker, 0, len(r.jobs))
	for _, t := range r.jobs {
		trackers = append(trackers, t)
	}
	r.mu.Unlock()

	jobs := make([]models.ConversionJob, 0, len(trackers))
	for _, t := range trackers {
		if j := t.snapshot(); keep(j) {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs
}

// InUse reports whether an active job reads the original name of kind.
func (r *Runner) InUse(kind models.Kind, name string) bool {
	r.mu.Lock()
	t, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	j := t.snapshot()
	return j.Kind == kind && !j.State.IsTerminal()
}

// Evict forgets terminal jobs finished more than retention ago and returns
// how many were removed. Their progress snapshots are left to the registry
// sweep.
func (r *Runner) Evict(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, t := range r.jobs {
		t.mu.Lock()
		stale := t.job.State.IsTerminal() && !t.finishedAt.IsZero() && t.finishedAt.Before(cutoff)
		t.mu.Unlock()
		if stale {
			delete(r.jobs, key)
			n++
		}
	}
	return n
}

func outputPaths(d library.Dirs, kind models.Kind, serial string) (string, string) {
	return filepath.Join(d.Outputs, serial+kind.OutputExt()),
		filepath.Join(d.Thumbnails, serial+".jpg")
}
