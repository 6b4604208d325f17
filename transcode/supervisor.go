// Package transcode owns the ffmpeg processes that turn uploaded videos into
// web-ready MP4 files.
//
// A Supervisor keeps a table of running processes keyed by job key. Each
// process writes into "<output>.part"; only a completed encode (and its
// thumbnail) is renamed into place. Cancellation sends SIGTERM and escalates
// to SIGKILL after the configured grace period.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"mediaforge/logger"
	"mediaforge/metrics"
	"mediaforge/models"
	"mediaforge/probe"
)

const (
	partSuffix   = ".part"
	stderrLimit  = 8192
	stderrLines  = 6
	updateBuffer = 64
)

// State is the lifecycle of one supervised process.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

var stateNames = [...]string{"idle", "starting", "running", "completed", "cancelled", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

type Config struct {
	FFmpeg      string
	FFprobe     string
	Heartbeat   time.Duration
	CancelGrace time.Duration
}

// Encoding holds the ffmpeg output settings for primaries and thumbnails.
type Encoding struct {
	Codec        string
	CRF          int
	Preset       string
	AudioCodec   string
	AudioBitrate string
	ThumbWidth   int
	ThumbHeight  int
	ThumbOffset  time.Duration
}

// Spec describes one transcode. Media may carry an earlier probe result;
// when nil the source is probed before spawning. An empty Thumbnail skips
// thumbnail generation.
type Spec struct {
	Key       string
	Source    string
	Output    string
	Thumbnail string
	Encoding  Encoding
	Media     *models.MediaInfo
}

// Result is the terminal outcome of a Handle.
type Result struct {
	State        State
	Err          error
	Media        models.MediaInfo
	Output       string
	Thumbnail    string
	ThumbnailErr error
}

// Handle tracks one process from spawn to terminal state.
type Handle struct {
	key     string
	command string

	ctx    context.Context
	cancel context.CancelFunc

	state           atomic.Int32
	cancelRequested atomic.Bool

	updates chan Update
	done    chan struct{}
	result  Result
}

func (h *Handle) Key() string { return h.key }

// Command is the ffmpeg command line, for display.
func (h *Handle) Command() string { return h.command }

func (h *Handle) State() State { return State(h.state.Load()) }

// Updates delivers progress and heartbeats; it is closed before Wait returns.
func (h *Handle) Updates() <-chan Update { return h.updates }

// Done is closed once the handle reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process and its thumbnail step finish.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Supervisor spawns, tracks and cancels ffmpeg processes.
type Supervisor struct {
	cfg Config

	mu    sync.Mutex
	procs map[string]*Handle
}

func NewSupervisor(cfg Config) *Supervisor {
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if cfg.FFprobe == "" {
		cfg.FFprobe = "ffprobe"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 2 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 10 * time.Second
	}
	return &Supervisor{cfg: cfg, procs: make(map[string]*Handle)}
}

// Probe inspects source and returns its media info. A file without a video
// stream, or one ffprobe cannot read, yields InvalidMediaError.
func (s *Supervisor) Probe(ctx context.Context, source string) (models.MediaInfo, error) {
	if _, err := os.Stat(source); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.MediaInfo{}, &models.SourceNotFoundError{Path: source}
		}
		return models.MediaInfo{}, &models.StorageError{Op: "stat", Path: source, Err: err}
	}
	res, err := probe.Inspect(ctx, s.cfg.FFprobe, source)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return models.MediaInfo{}, &models.SpawnError{Command: s.cfg.FFprobe, Err: err}
		}
		return models.MediaInfo{}, &models.InvalidMediaError{Path: source, Reason: "probe failed", Err: err}
	}
	return res.MediaInfo(source)
}

// Start probes (unless spec.Media is set) and spawns ffmpeg. Errors returned
// here mean nothing was spawned. A cancel that lands before the spawn yields
// a handle already in the cancelled state.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Key == "" {
		spec.Key = filepath.Base(spec.Source)
	}
	if _, err := os.Stat(spec.Source); err != nil {
		return nil, &models.SpawnError{Command: s.cfg.FFmpeg, Err: &models.SourceNotFoundError{Path: spec.Source}}
	}

	h := &Handle{
		key:     spec.Key,
		updates: make(chan Update, updateBuffer),
		done:    make(chan struct{}),
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.state.Store(int32(StateStarting))

	if err := s.register(h); err != nil {
		h.cancel()
		return nil, err
	}

	var media models.MediaInfo
	if spec.Media != nil {
		media = *spec.Media
	} else {
		m, err := s.Probe(h.ctx, spec.Source)
		if err != nil {
			if h.cancelRequested.Load() {
				s.finish(h, Result{State: StateCancelled, Output: spec.Output})
				return h, nil
			}
			s.abort(h)
			return nil, err
		}
		media = m
	}

	part := spec.Output + partSuffix
	if err := os.MkdirAll(filepath.Dir(spec.Output), 0755); err != nil {
		s.abort(h)
		return nil, &models.StorageError{Op: "mkdir", Path: filepath.Dir(spec.Output), Err: err}
	}

	args := encodeArgs(spec.Source, part, spec.Encoding)
	h.command = commandLine(s.cfg.FFmpeg, args)

	cmd := exec.CommandContext(h.ctx, s.cfg.FFmpeg, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.cfg.CancelGrace

	stderr := newTailBuffer(stderrLimit)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.abort(h)
		return nil, &models.SpawnError{Command: s.cfg.FFmpeg, Err: err}
	}

	if err := cmd.Start(); err != nil {
		if h.cancelRequested.Load() {
			s.finish(h, Result{State: StateCancelled, Media: media, Output: spec.Output})
			return h, nil
		}
		s.abort(h)
		return nil, &models.SpawnError{Command: s.cfg.FFmpeg, Err: err}
	}

	h.state.Store(int32(StateRunning))
	metrics.TranscodesRunning.Inc()
	logger.Infof("transcode %s started (pid %d): %s", h.key, cmd.Process.Pid, h.command)

	go s.supervise(h, cmd, stdout, stderr, spec, media)
	return h, nil
}

// Cancel requests termination of the process for key.
func (s *Supervisor) Cancel(key string) error {
	s.mu.Lock()
	h, ok := s.procs[key]
	s.mu.Unlock()
	if !ok {
		return models.ErrJobNotFound
	}
	if h.State().Terminal() {
		return models.ErrNotCancellable
	}
	h.cancelRequested.Store(true)
	h.cancel()
	logger.Infof("transcode %s: cancel requested", key)
	return nil
}

// Active reports whether key has a live process.
func (s *Supervisor) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[key]
	return ok
}

func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *Supervisor) register(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[h.key]; ok {
		return fmt.Errorf("%w: %s", models.ErrJobActive, h.key)
	}
	s.procs[h.key] = h
	return nil
}

// abort drops a handle that never spawned; nobody holds it, so done is
// closed without a result.
func (s *Supervisor) abort(h *Handle) {
	s.mu.Lock()
	delete(s.procs, h.key)
	s.mu.Unlock()
	h.cancel()
	h.state.Store(int32(StateFailed))
	close(h.updates)
	close(h.done)
}

func (s *Supervisor) finish(h *Handle, res Result) {
	s.mu.Lock()
	if s.procs[h.key] == h {
		delete(s.procs, h.key)
	}
	s.mu.Unlock()

	h.result = res
	h.state.Store(int32(res.State))
	h.cancel()
	close(h.updates)
	close(h.done)
}

func (s *Supervisor) supervise(h *Handle, cmd *exec.Cmd, stdout io.Reader, stderr *tailBuffer, spec Spec, media models.MediaInfo) {
	defer metrics.TranscodesRunning.Dec()

	s.relay(h, stdout, media.Duration)
	waitErr := cmd.Wait()

	part := spec.Output + partSuffix
	res := Result{Media: media, Output: spec.Output}

	switch {
	case waitErr == nil && !h.cancelRequested.Load():
		res.State = StateCompleted
	case h.cancelRequested.Load() && cancelledBySignal(waitErr):
		res.State = StateCancelled
		logger.Infof("transcode %s cancelled, partial output left at %s", h.key, part)
		s.finish(h, res)
		return
	default:
		res.State = StateFailed
		res.Err = &models.TranscodeError{
			Command:  s.cfg.FFmpeg,
			ExitCode: exitCode(waitErr),
			Stderr:   stderr.LastLines(stderrLines),
			Err:      waitErr,
		}
		logger.Errorf("transcode %s failed: %v", h.key, res.Err)
		s.finish(h, res)
		return
	}

	if spec.Thumbnail != "" {
		res.Thumbnail = spec.Thumbnail
		if err := s.thumbnail(h.ctx, part, spec.Thumbnail, spec.Encoding, media.Duration); err != nil {
			res.ThumbnailErr = err
			logger.Warnf("transcode %s: thumbnail failed: %v", h.key, err)
		}
	}

	if err := os.Rename(part, spec.Output); err != nil {
		res.State = StateFailed
		res.Err = &models.StorageError{Op: "rename", Path: spec.Output, Err: err}
		logger.Errorf("transcode %s: %v", h.key, res.Err)
	} else {
		logger.Infof("transcode %s completed: %s", h.key, spec.Output)
	}
	s.finish(h, res)
}

// relay forwards parsed progress and emits a heartbeat whenever a full
// interval passes without an update. The interval restarts on every update
// sent, so observers never wait longer than one interval. It returns once
// stdout reaches EOF.
func (s *Supervisor) relay(h *Handle, stdout io.Reader, duration float64) {
	parsed := make(chan Update)
	go parseProgress(stdout, duration, parsed)

	timer := time.NewTimer(s.cfg.Heartbeat)
	defer timer.Stop()

	var last Update
	for {
		select {
		case u, ok := <-parsed:
			if !ok {
				return
			}
			if u.Percent < last.Percent {
				u.Percent = last.Percent
			}
			if u.Timemark == "" {
				u.Timemark = last.Timemark
			}
			last = u
			h.send(u)
			timer.Reset(s.cfg.Heartbeat)
		case <-timer.C:
			beat := last
			beat.Heartbeat = true
			h.send(beat)
			timer.Reset(s.cfg.Heartbeat)
		}
	}
}

// send never blocks the relay; a consumer that stops reading loses updates.
func (h *Handle) send(u Update) {
	select {
	case h.updates <- u:
	default:
	}
}

func (s *Supervisor) thumbnail(ctx context.Context, input, output string, enc Encoding, duration float64) error {
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return &models.StorageError{Op: "mkdir", Path: filepath.Dir(output), Err: err}
	}
	part := output + partSuffix
	args := thumbnailArgs(input, part, enc, duration)

	stderr := newTailBuffer(stderrLimit)
	cmd := exec.CommandContext(ctx, s.cfg.FFmpeg, args...)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(part)
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return &models.SpawnError{Command: s.cfg.FFmpeg, Err: err}
		}
		return &models.TranscodeError{
			Command:  s.cfg.FFmpeg,
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.LastLines(stderrLines),
			Err:      err,
		}
	}
	if err := os.Rename(part, output); err != nil {
		_ = os.Remove(part)
		return &models.StorageError{Op: "rename", Path: output, Err: err}
	}
	return nil
}

func encodeArgs(input, output string, enc Encoding) []string {
	codec := orDefault(enc.Codec, "libx264")
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", input, "-c:v", codec}
	if enc.Preset != "" {
		args = append(args, "-preset", enc.Preset)
	}
	args = append(args, "-crf", strconv.Itoa(enc.CRF))
	args = append(args, "-c:a", orDefault(enc.AudioCodec, "aac"))
	if enc.AudioBitrate != "" {
		args = append(args, "-b:a", enc.AudioBitrate)
	}
	return append(args,
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		"-f", "mp4",
		output,
	)
}

// thumbnailArgs grabs a single frame at ThumbOffset, or halfway through
// clips shorter than twice the offset.
func thumbnailArgs(input, output string, enc Encoding, duration float64) []string {
	offset := enc.ThumbOffset.Seconds()
	if duration > 0 && offset > duration/2 {
		offset = duration / 2
	}
	w, h := enc.ThumbWidth, enc.ThumbHeight
	if w <= 0 || h <= 0 {
		w, h = 320, 180
	}
	scale := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h, w, h)
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-ss", strconv.FormatFloat(offset, 'f', 3, 64),
		"-i", input,
		"-frames:v", "1",
		"-vf", scale,
		"-f", "mjpeg",
		output,
	}
}

// cancelledBySignal reports whether the exit looks like the result of our
// own SIGTERM/SIGKILL. ffmpeg traps SIGTERM and exits 255.
func cancelledBySignal(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return sig == syscall.SIGTERM || sig == syscall.SIGKILL
	}
	return exitErr.ExitCode() == 255
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func commandLine(bin string, args []string) string {
	return strings.Join(append([]string{bin}, args...), " ")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
