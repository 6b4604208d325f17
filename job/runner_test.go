package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"mediaforge/encoder"
	"mediaforge/events"
	"mediaforge/library"
	"mediaforge/models"
	"mediaforge/progress"
	"mediaforge/serial"
	taskqueue "mediaforge/taskQueue"
	"mediaforge/transcode"
)

const fakeMagick = `#!/bin/sh
for last; do :; done
case "$1" in
*broken*) echo "magick: improper image header" >&2; exit 1 ;;
esac
printf 'jpeg' > "${last#jpg:}"
`

const fakeFFmpeg = `#!/bin/sh
for last; do :; done
case "$*" in
*-frames:v*) printf 'jpeg' > "$last"; exit 0 ;;
esac
case "$*" in
*slow*)
  trap 'exit 255' TERM
  printf 'partial' > "$last"
  while :; do
    printf 'out_time_us=500000\nprogress=continue\n'
    sleep 0.1
  done
  ;;
esac
printf 'out_time_us=1000000\nprogress=continue\n'
printf 'out_time_us=2000000\nprogress=end\n'
printf 'mp4data' > "$last"
`

const fakeFFprobe = `#!/bin/sh
for last; do :; done
case "$last" in
*audio*)
  echo '{"streams":[{"codec_type":"audio","codec_name":"mp3"}],"format":{"duration":"3.0"}}'
  ;;
*)
  echo '{"streams":[{"codec_type":"video","codec_name":"h264","width":640,"height":360}],"format":{"duration":"2.0"}}'
  ;;
esac
`

type env struct {
	root   string
	dirs   map[models.Kind]library.Dirs
	alloc  *serial.Allocator
	events *events.Broadcaster
	runner *Runner
	pub    *recordingPublisher
}

type recordingPublisher struct {
	mu    sync.Mutex
	files []string
	err   error
}

func (p *recordingPublisher) Publish(ctx context.Context, kind models.Kind, files []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = append(p.files, files...)
	return p.err
}

func script(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newEnv(t *testing.T) *env {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools are shell scripts")
	}
	root := t.TempDir()
	bin := filepath.Join(root, "bin")
	if err := os.MkdirAll(bin, 0755); err != nil {
		t.Fatal(err)
	}

	dirs := map[models.Kind]library.Dirs{
		models.KindPhoto: {
			Originals:  filepath.Join(root, "original", "images"),
			Outputs:    filepath.Join(root, "data", "photos"),
			Thumbnails: filepath.Join(root, "data", "photo_thumbnails"),
		},
		models.KindVideo: {
			Originals:  filepath.Join(root, "original", "videos"),
			Outputs:    filepath.Join(root, "data", "videos"),
			Thumbnails: filepath.Join(root, "data", "video_thumbnails"),
		},
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d.Originals, 0755); err != nil {
			t.Fatal(err)
		}
	}

	alloc := serial.NewAllocator(map[models.Kind]string{
		models.KindPhoto: filepath.Join(dirs[models.KindPhoto].Outputs, "sn.txt"),
		models.KindVideo: filepath.Join(dirs[models.KindVideo].Outputs, "sn.txt"),
	})

	enc := encoder.NewRegistry(script(t, bin, "magick", fakeMagick))
	enc.RegisterDefaults()

	sup := transcode.NewSupervisor(transcode.Config{
		FFmpeg:      script(t, bin, "ffmpeg", fakeFFmpeg),
		FFprobe:     script(t, bin, "ffprobe", fakeFFprobe),
		Heartbeat:   100 * time.Millisecond,
		CancelGrace: 2 * time.Second,
	})

	b := events.NewBroadcaster(64)
	pub := &recordingPublisher{}
	r := NewRunner(Options{
		Allocator:  alloc,
		Registry:   progress.NewRegistry(),
		Events:     b,
		Supervisor: sup,
		Encoder:    enc,
		Limiter:    taskqueue.NewLimiter(2),
		Library:    library.New(dirs),
		Publisher:  pub,
		Photo:      PhotoSettings{Width: 800, Height: 600, Quality: 80, ThumbWidth: 240, ThumbHeight: 240, ThumbQuality: 60},
		Video:      transcode.Encoding{Codec: "libx264", CRF: 23, ThumbWidth: 320, ThumbHeight: 180, ThumbOffset: time.Second},
	})
	return &env{root: root, dirs: dirs, alloc: alloc, events: b, runner: r, pub: pub}
}

func (e *env) original(t *testing.T, kind models.Kind, name string) string {
	t.Helper()
	path := filepath.Join(e.dirs[kind].Originals, name)
	if err := os.WriteFile(path, []byte("source"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// collect gathers events for filename until its terminal event arrives.
func collect(t *testing.T, sub *events.Subscription, filename string) []events.Event {
	t.Helper()
	var got []events.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-sub.C():
			if e.Filename != filename {
				continue
			}
			got = append(got, e)
			if e.Type.Terminal() {
				return got
			}
		case <-timeout:
			t.Fatalf("no terminal event for %s, got %+v", filename, got)
		}
	}
}

// expectSilence fails on any event for filename arriving within window.
func expectSilence(t *testing.T, sub *events.Subscription, filename string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if e.Filename == filename {
				t.Errorf("%s event for %s after the terminal event", e.Type, filename)
			}
		case <-deadline:
			return
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestPhotoJobCompletes(t *testing.T) {
	e := newEnv(t)
	src := e.original(t, models.KindPhoto, "beach.jpg")
	sub := e.events.Subscribe()
	defer e.events.Unsubscribe(sub)

	res, err := e.runner.Run(context.Background(), Request{Kind: models.KindPhoto, Source: "beach.jpg"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Job.State != models.JobCompleted || res.Job.Serial != "000001" {
		t.Errorf("job = %+v", res.Job)
	}
	if filepath.Base(res.Output) != "000001.jpg" || !exists(res.Output) || !exists(res.Thumbnail) {
		t.Errorf("outputs missing: %+v", res)
	}
	if exists(res.Output+partSuffix) || exists(res.Thumbnail+partSuffix) {
		t.Error(".part files should be renamed away")
	}
	if !exists(src) || res.SourceDeleted {
		t.Error("source must be kept unless deletion was requested")
	}
	if next, _ := e.alloc.Read(models.KindPhoto); next != "000002" {
		t.Errorf("counter = %s, want 000002", next)
	}

	evs := collect(t, sub, "beach.jpg")
	if evs[0].Type != events.TypeStart || evs[len(evs)-1].Type != events.TypeEnd {
		t.Errorf("events = %+v", evs)
	}
	last := -1.0
	for _, ev := range evs {
		if ev.Type == events.TypeProgress {
			if ev.Percent < last {
				t.Errorf("progress regressed: %v after %v", ev.Percent, last)
			}
			last = ev.Percent
		}
	}

	snap := e.runner.Progress("beach.jpg")
	if snap.Status != "completed" || snap.Percent != 100 {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(e.pub.files) != 2 {
		t.Errorf("published %v, want primary and thumbnail", e.pub.files)
	}
}

func TestConcurrentPhotoJobsTakeDistinctSerials(t *testing.T) {
	e := newEnv(t)
	e.original(t, models.KindPhoto, "a.jpg")
	e.original(t, models.KindPhoto, "b.png")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		serials = map[string]bool{}
	)
	for _, name := range []string{"a.jpg", "b.png"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			res, err := e.runner.Run(context.Background(), Request{Kind: models.KindPhoto, Source: name})
			if err != nil {
				t.Errorf("Run(%s): %v", name, err)
				return
			}
			mu.Lock()
			serials[res.Job.Serial] = true
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	if len(serials) != 2 || !serials["000001"] || !serials["000002"] {
		t.Errorf("serials = %v", serials)
	}
	if next, _ := e.alloc.Read(models.KindPhoto); next != "000003" {
		t.Errorf("counter = %s, want 000003", next)
	}
}

func TestRetryWithTargetReusesSerial(t *testing.T) {
	e := newEnv(t)
	e.original(t, models.KindPhoto, "cat.jpg")

	first, err := e.runner.Run(context.Background(), Request{Kind: models.KindPhoto, Source: "cat.jpg"})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := e.runner.Run(context.Background(), Request{Kind: models.KindPhoto, Source: "cat.jpg", Target: first.Job.Serial})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second.Output != first.Output || second.Job.Serial != first.Job.Serial {
		t.Errorf("retry wrote %s, first wrote %s", second.Output, first.Output)
	}
	if next, _ := e.alloc.Read(models.KindPhoto); next != "000002" {
		t.Errorf("retry consumed a serial, counter = %s", next)
	}

	_, err = e.runner.Run(context.Background(), Request{Kind: models.KindPhoto, Source: "cat.jpg", Target: "12"})
	if !errors.Is(err, models.ErrInvalidSerial) {
		t.Errorf("bad target err = %v", err)
	}
}

func TestDeleteSourceIsOptIn(t *testing.T) {
	e := newEnv(t)
	src := e.original(t, models.KindPhoto, "dog.jpg")

	res, err := e.runner.Run(context.Background(), Request{Kind: "images", Source: "dog.jpg", DeleteSource: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.SourceDeleted || exists(src) {
		t.Error("source should be deleted when requested")
	}
}

func TestPhotoFailureCleansUp(t *testing.T) {
	e := newEnv(t)
	e.original(t, models.KindPhoto, "broken.jpg")
	sub := e.events.Subscribe()
	defer e.events.Unsubscribe(sub)

	res, err := e.runner.Run(context.Background(), Request{Kind: models.KindPhoto, Source: "broken.jpg"})
	var te *models.TranscodeError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TranscodeError", err)
	}
	if res.Job.State != models.JobFailed || res.Job.Error == "" {
		t.Errorf("job = %+v", res.Job)
	}
	parts, _ := filepath.Glob(filepath.Join(e.root, "data", "*", "*"+partSuffix))
	if len(parts) != 0 {
		t.Errorf("leftover parts: %v", parts)
	}
	evs := collect(t, sub, "broken.jpg")
	if evs[len(evs)-1].Type != events.TypeError {
		t.Errorf("last event = %s", evs[len(evs)-1].Type)
	}
	if snap := e.runner.Progress("broken.jpg"); snap.Status != "failed" || snap.Error == "" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSourceNotFound(t *testing.T) {
	e := newEnv(t)
	_, err := e.runner.Run(context.Background(), Request{Kind: models.KindPhoto, Source: "ghost.jpg"})
	var nf *models.SourceNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want SourceNotFoundError", err)
	}
	if exists(filepath.Join(e.dirs[models.KindPhoto].Outputs, "sn.txt")) {
		t.Error("a missing source must not consume a serial")
	}

	_, err = e.runner.Run(context.Background(), Request{Kind: models.KindPhoto, Source: "../escape.jpg"})
	if !errors.Is(err, models.ErrInvalidName) {
		t.Errorf("traversal err = %v", err)
	}
}

func TestVideoJobCompletes(t *testing.T) {
	e := newEnv(t)
	e.original(t, models.KindVideo, "trip.mov")
	sub := e.events.Subscribe()
	defer e.events.Unsubscribe(sub)

	res, err := e.runner.Run(context.Background(), Request{Kind: models.KindVideo, Source: "trip.mov"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Job.State != models.JobCompleted || filepath.Base(res.Output) != "000001.mp4" {
		t.Errorf("result = %+v", res)
	}
	if res.Media == nil || res.Media.Duration != 2 {
		t.Errorf("media = %+v", res.Media)
	}
	if !exists(res.Output) || !exists(res.Thumbnail) {
		t.Error("video outputs missing")
	}

	evs := collect(t, sub, "trip.mov")
	if evs[len(evs)-1].Type != events.TypeEnd {
		t.Errorf("last event = %s", evs[len(evs)-1].Type)
	}
	terminals := 0
	for _, ev := range evs {
		if ev.Type.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("%d terminal events", terminals)
	}
	expectSilence(t, sub, "trip.mov", 350*time.Millisecond)
}

func TestVideoWithoutVideoStreamConsumesNoSerial(t *testing.T) {
	e := newEnv(t)
	e.original(t, models.KindVideo, "audio-only.mp4")

	res, err := e.runner.Run(context.Background(), Request{Kind: models.KindVideo, Source: "audio-only.mp4"})
	var invalid *models.InvalidMediaError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidMediaError", err)
	}
	if res.Job.State != models.JobFailed || res.Job.Serial != "" {
		t.Errorf("job = %+v", res.Job)
	}
	if exists(filepath.Join(e.dirs[models.KindVideo].Outputs, "sn.txt")) {
		t.Error("counter must not be touched")
	}
}

func TestCancelVideoLeavesPartialFile(t *testing.T) {
	e := newEnv(t)
	e.original(t, models.KindVideo, "slow.mov")
	sub := e.events.Subscribe()
	defer e.events.Unsubscribe(sub)

	if _, err := e.runner.Start(context.Background(), Request{Kind: models.KindVideo, Source: "slow.mov"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := e.runner.Start(context.Background(), Request{Kind: models.KindVideo, Source: "slow.mov"}); !errors.Is(err, models.ErrJobActive) {
		t.Errorf("duplicate Start = %v, want ErrJobActive", err)
	}

	time.Sleep(500 * time.Millisecond)
	if err := e.runner.Cancel("slow.mov"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	evs := collect(t, sub, "slow.mov")
	if last := evs[len(evs)-1]; last.Type != events.TypeCancelled {
		t.Fatalf("last event = %+v, want cancelled", last)
	}
	expectSilence(t, sub, "slow.mov", 350*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	var job models.ConversionJob
	for time.Now().Before(deadline) {
		job, _ = e.runner.Job("slow.mov")
		if job.State.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.State != models.JobCancelled || job.Error != "" {
		t.Errorf("job = %+v", job)
	}
	out := filepath.Join(e.dirs[models.KindVideo].Outputs, job.Serial+".mp4")
	if !exists(out+partSuffix) || exists(out) {
		t.Error("cancel should leave the .part file and publish nothing")
	}
	if err := e.runner.Cancel("slow.mov"); !errors.Is(err, models.ErrNotCancellable) {
		t.Errorf("Cancel after cancel = %v", err)
	}
	if e.runner.InUse(models.KindVideo, "slow.mov") {
		t.Error("a cancelled job does not hold its source")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	e := newEnv(t)
	if err := e.runner.Cancel("nobody.mov"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Cancel = %v, want ErrJobNotFound", err)
	}
	if snap := e.runner.Progress("nobody.mov"); snap.Status != progress.StatusUnknown || snap.Percent != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMirrorFailureDoesNotFailJob(t *testing.T) {
	e := newEnv(t)
	e.original(t, models.KindPhoto, "m.jpg")
	e.pub.err = errors.New("bucket unreachable")

	res, err := e.runner.Run(context.Background(), Request{Kind: models.KindPhoto, Source: "m.jpg"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Job.State != models.JobCompleted || !strings.Contains(res.MirrorError, "bucket unreachable") {
		t.Errorf("result = %+v", res)
	}
}

func TestEvictForgetsFinishedJobs(t *testing.T) {
	e := newEnv(t)
	e.original(t, models.KindPhoto, "old.jpg")
	if _, err := e.runner.Run(context.Background(), Request{Kind: models.KindPhoto, Source: "old.jpg"}); err != nil {
		t.Fatal(err)
	}
	if n := e.runner.Evict(time.Hour); n != 0 {
		t.Errorf("Evict(1h) = %d, want 0", n)
	}
	if len(e.runner.Jobs()) != 1 || len(e.runner.Active()) != 0 {
		t.Errorf("Jobs = %v, Active = %v", e.runner.Jobs(), e.runner.Active())
	}
	time.Sleep(5 * time.Millisecond)
	if n := e.runner.Evict(time.Millisecond); n != 1 {
		t.Errorf("Evict = %d, want 1", n)
	}
	if _, ok := e.runner.Job("old.jpg"); ok {
		t.Error("evicted job still tracked")
	}
}
