package job

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mediaforge/logger"
	"mediaforge/models"
)

// Batch states.
const (
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchStopped   = "stopped"
)

// BatchItem is the outcome for one original of a batch.
type BatchItem struct {
	Source    string `json:"source"`
	Serial    string `json:"serial,omitempty"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// BatchStatus describes a conversion of every original of one kind. Files
// is the work list taken when the batch started; Skipped holds originals
// another job already had, Pending the ones a stop left untouched.
type BatchStatus struct {
	ID           string      `json:"id"`
	Kind         models.Kind `json:"kind"`
	State        string      `json:"state"`
	DeleteSource bool        `json:"delete_source"`
	Files        []string    `json:"files"`
	Results      []BatchItem `json:"results"`
	Skipped      []string    `json:"skipped,omitempty"`
	Pending      []string    `json:"pending,omitempty"`
	Succeeded    int         `json:"succeeded"`
	Failed       int         `json:"failed"`
	Cancelled    int         `json:"cancelled"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

type batch struct {
	mu     sync.Mutex
	status BatchStatus
	stop   atomic.Bool
	done   chan struct{}
}

func (b *batch) snapshot() BatchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.status
	s.Files = slices.Clone(s.Files)
	s.Results = slices.Clone(s.Results)
	s.Skipped = slices.Clone(s.Skipped)
	s.Pending = slices.Clone(s.Pending)
	return s
}

func (b *batch) running() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

func (b *batch) record(name string, res Result, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if errors.Is(err, models.ErrJobActive) {
		b.status.Skipped = append(b.status.Skipped, name)
		return
	}

	item := BatchItem{Source: name, Serial: res.Job.Serial, State: res.Job.State.String()}
	if err != nil {
		item.State = models.JobFailed.String()
		item.Error = err.Error()
		item.ErrorType = models.ErrorType(err)
	}
	switch {
	case err != nil:
		b.status.Failed++
	case res.Job.State == models.JobCancelled:
		b.status.Cancelled++
	default:
		b.status.Succeeded++
	}
	b.status.Results = append(b.status.Results, item)
}

func (b *batch) finish(pending []string) {
	b.mu.Lock()
	now := time.Now()
	b.status.FinishedAt = &now
	b.status.Pending = pending
	b.status.State = BatchCompleted
	if len(pending) > 0 {
		b.status.State = BatchStopped
	}
	b.mu.Unlock()
	close(b.done)
}

// StartAll converts every supported original of kind in the background,
// one file at a time in name order, so serials follow the listing.
// Originals that an active job already reads are skipped. Only one batch
// per kind runs at a time; a second one gets ErrJobActive.
func (r *Runner) StartAll(ctx context.Context, kind models.Kind, deleteSource bool) (BatchStatus, error) {
	kind, err := models.ParseKind(string(kind))
	if err != nil {
		return BatchStatus{}, err
	}
	if r.opts.Library == nil {
		return BatchStatus{}, fmt.Errorf("%w: no originals directory for %s", models.ErrInvalidKind, kind)
	}
	entries, err := r.opts.Library.ListOriginals(kind)
	if err != nil {
		return BatchStatus{}, err
	}

	b := &batch{
		status: BatchStatus{
			ID:           uuid.NewString(),
			Kind:         kind,
			State:        BatchRunning,
			DeleteSource: deleteSource,
			Files:        []string{},
			Results:      []BatchItem{},
			StartedAt:    time.Now(),
		},
		done: make(chan struct{}),
	}
	for _, e := range entries {
		if r.InUse(kind, e.Name) {
			b.status.Skipped = append(b.status.Skipped, e.Name)
			continue
		}
		b.status.Files = append(b.status.Files, e.Name)
	}

	r.mu.Lock()
	if prev, ok := r.batches[kind]; ok && prev.running() {
		r.mu.Unlock()
		return prev.snapshot(), fmt.Errorf("%w: %s batch %s", models.ErrJobActive, kind, prev.status.ID)
	}
	r.batches[kind] = b
	r.mu.Unlock()

	logger.Infof("batch %s started: %d %s originals, %d skipped", b.status.ID, len(b.status.Files), kind, len(b.status.Skipped))
	go r.runBatch(context.WithoutCancel(ctx), b)
	return b.snapshot(), nil
}

func (r *Runner) runBatch(ctx context.Context, b *batch) {
	files := b.snapshot().Files
	next := 0
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("batch %s panicked: %v", b.status.ID, rec)
		}
		b.finish(files[next:])
		s := b.snapshot()
		logger.Infof("batch %s %s: %d succeeded, %d failed, %d cancelled, %d not started",
			s.ID, s.State, s.Succeeded, s.Failed, s.Cancelled, len(s.Pending))
	}()

	for next < len(files) {
		if b.stop.Load() {
			return
		}
		name := files[next]
		res, err := r.Run(ctx, Request{Kind: b.status.Kind, Source: name, DeleteSource: b.status.DeleteSource})
		next++
		b.record(name, res, err)
	}
}

// StopAll ends the running batch of kind once its current job finishes.
// The current job is left alone; use Cancel to abort it too.
func (r *Runner) StopAll(kind models.Kind) (BatchStatus, error) {
	kind, err := models.ParseKind(string(kind))
	if err != nil {
		return BatchStatus{}, err
	}
	r.mu.Lock()
	b, ok := r.batches[kind]
	r.mu.Unlock()
	if !ok {
		return BatchStatus{}, fmt.Errorf("%w: no %s batch", models.ErrJobNotFound, kind)
	}
	if !b.running() {
		return b.snapshot(), fmt.Errorf("%w: %s batch is %s", models.ErrNotCancellable, kind, b.snapshot().State)
	}
	b.stop.Store(true)
	logger.Infof("batch %s: stop requested", b.status.ID)
	return b.snapshot(), nil
}

// StopBatches asks every running batch to stop and returns how many were.
func (r *Runner) StopBatches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		if b.running() {
			b.stop.Store(true)
			n++
		}
	}
	return n
}

// Batch returns the latest batch of kind, running or finished.
func (r *Runner) Batch(kind models.Kind) (BatchStatus, bool) {
	r.mu.Lock()
	b, ok := r.batches[kind]
	r.mu.Unlock()
	if !ok {
		return BatchStatus{}, false
	}
	return b.snapshot(), true
}
