package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mediaforge/models"
)

func waitBatch(t *testing.T, r *Runner, kind models.Kind) BatchStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := r.Batch(kind); ok && st.State != BatchRunning {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s batch did not finish", kind)
	return BatchStatus{}
}

func TestStartAllConvertsInNameOrder(t *testing.T) {
	e := newEnv(t)
	for _, name := range []string{"c.jpg", "a.jpg", "b.png", "broken.gif"} {
		e.original(t, models.KindPhoto, name)
	}
	os.WriteFile(filepath.Join(e.dirs[models.KindPhoto].Originals, "notes.txt"), []byte("x"), 0644)

	st, err := e.runner.StartAll(context.Background(), "images", false)
	if err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if st.Kind != models.KindPhoto || len(st.Files) != 4 {
		t.Fatalf("status = %+v", st)
	}

	st = waitBatch(t, e.runner, models.KindPhoto)
	if st.State != BatchCompleted || st.FinishedAt == nil || len(st.Pending) != 0 {
		t.Errorf("status = %+v", st)
	}
	if st.Succeeded != 3 || st.Failed != 1 || len(st.Results) != 4 {
		t.Fatalf("results = %+v", st.Results)
	}

	want := map[string]string{"a.jpg": "000001", "b.png": "000002", "c.jpg": "000004"}
	for _, item := range st.Results {
		if item.Source == "broken.gif" {
			if item.State != "failed" || item.ErrorType != "transcode" {
				t.Errorf("broken item = %+v", item)
			}
			continue
		}
		if item.State != "completed" || item.Serial != want[item.Source] {
			t.Errorf("item = %+v, want serial %s", item, want[item.Source])
		}
	}
	if next, _ := e.alloc.Read(models.KindPhoto); next != "000005" {
		t.Errorf("counter = %s, failed files still consume a serial", next)
	}
}

func TestStartAllEmptyDirectory(t *testing.T) {
	e := newEnv(t)
	if _, err := e.runner.StartAll(context.Background(), models.KindVideo, false); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	st := waitBatch(t, e.runner, models.KindVideo)
	if st.State != BatchCompleted || len(st.Files) != 0 || len(st.Results) != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestStopAllEndsAfterCurrentJob(t *testing.T) {
	e := newEnv(t)
	e.original(t, models.KindVideo, "a-slow.mov")
	e.original(t, models.KindVideo, "b.mov")

	if _, err := e.runner.StartAll(context.Background(), models.KindVideo, false); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if _, err := e.runner.StartAll(context.Background(), models.KindVideo, false); !errors.Is(err, models.ErrJobActive) {
		t.Errorf("second StartAll = %v, want ErrJobActive", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := e.runner.Job("a-slow.mov"); ok && j.State == models.JobProcessing {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := e.runner.StopAll(models.KindVideo); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if j, _ := e.runner.Job("a-slow.mov"); j.State.IsTerminal() {
		t.Fatalf("stop must not touch the current job, state = %s", j.State)
	}
	if err := e.runner.Cancel("a-slow.mov"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	st := waitBatch(t, e.runner, models.KindVideo)
	if st.State != BatchStopped || st.Cancelled != 1 || len(st.Results) != 1 {
		t.Errorf("status = %+v", st)
	}
	if len(st.Pending) != 1 || st.Pending[0] != "b.mov" {
		t.Errorf("pending = %v", st.Pending)
	}
	if _, ok := e.runner.Job("b.mov"); ok {
		t.Error("b.mov should never have started")
	}
	if _, err := e.runner.StopAll(models.KindVideo); !errors.Is(err, models.ErrNotCancellable) {
		t.Errorf("StopAll after finish = %v", err)
	}
}

func TestStopAllWithoutBatch(t *testing.T) {
	e := newEnv(t)
	if _, err := e.runner.StopAll(models.KindPhoto); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("StopAll = %v, want ErrJobNotFound", err)
	}
	if _, err := e.runner.StopAll("audio"); !errors.Is(err, models.ErrInvalidKind) {
		t.Errorf("StopAll(audio) = %v", err)
	}
	if _, ok := e.runner.Batch(models.KindPhoto); ok {
		t.Error("no batch has run")
	}
}
