package job

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mediaforge/events"
	"mediaforge/logger"
	"mediaforge/models"
	"mediaforge/progress"
)

// tracker is the runner's record of one job. It owns the job's state, its
// progress snapshot and the events published for it, so that progress only
// moves forward and exactly one terminal event goes out.
type tracker struct {
	mu         sync.Mutex
	job        models.ConversionJob
	percent    float64
	timemark   string
	media      *models.MediaInfo
	terminal   bool
	recorded   bool
	finishedAt time.Time

	cancel          context.CancelFunc
	cancelRequested atomic.Bool

	registry *progress.Registry
	events   *events.Broadcaster
}

func (t *tracker) snapshot() models.ConversionJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job
}

func (t *tracker) isTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.State.IsTerminal()
}

// transition moves the job forward and mirrors the new state into the
// registry. Illegal transitions are logged and ignored.
func (t *tracker) transition(to models.JobState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.job.Transition(to); err != nil {
		logger.Warnf("job %s: %v", t.job.ID, err)
		return false
	}
	if to.IsTerminal() {
		t.finishedAt = t.job.UpdatedAt
	}
	t.storeLocked()
	return true
}

func (t *tracker) setSerial(serial string) {
	t.mu.Lock()
	t.job.Serial = serial
	t.mu.Unlock()
}

func (t *tracker) setMedia(m models.MediaInfo) {
	t.mu.Lock()
	t.media = &m
	t.storeLocked()
	t.mu.Unlock()
}

func (t *tracker) fail(err error) {
	t.mu.Lock()
	if !t.job.State.IsTerminal() {
		t.job.Error = err.Error()
	}
	t.mu.Unlock()
}

// advance records progress, never letting percent go backwards.
func (t *tracker) advance(percent float64, timemark string, heartbeat bool) {
	t.mu.Lock()
	if percent > t.percent {
		t.percent = percent
	}
	if timemark != "" {
		t.timemark = timemark
	}
	t.storeLocked()
	e := t.eventLocked(events.TypeProgress)
	e.Heartbeat = heartbeat
	t.mu.Unlock()

	t.emit(e)
}

func (t *tracker) storeLocked() {
	if t.registry == nil {
		return
	}
	t.registry.Set(t.job.Source, progress.Snapshot{
		Status:   t.job.State.String(),
		Percent:  t.percent,
		Timemark: t.timemark,
		Error:    t.job.Error,
		Media:    t.media,
	})
}

func (t *tracker) eventLocked(typ events.Type) events.Event {
	return events.Event{
		Type:     typ,
		Filename: t.job.Source,
		JobID:    t.job.ID,
		Kind:     string(t.job.Kind),
		Percent:  t.percent,
		Timemark: t.timemark,
	}
}

func (t *tracker) event(typ events.Type) events.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eventLocked(typ)
}

// emit publishes e unless a terminal event already went out.
func (t *tracker) emit(e events.Event) {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return
	}
	if e.Type.Terminal() {
		t.terminal = true
	}
	t.mu.Unlock()

	if t.events != nil {
		t.events.Publish(e)
	}
}
