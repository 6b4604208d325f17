package library

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"mediaforge/models"
)

func newLibrary(t *testing.T) (*Library, map[models.Kind]Dirs) {
	t.Helper()
	root := t.TempDir()
	dirs := map[models.Kind]Dirs{
		models.KindPhoto: {
			Originals:  filepath.Join(root, "original", "images"),
			Outputs:    filepath.Join(root, "photos"),
			Thumbnails: filepath.Join(root, "photo_thumbnails"),
		},
		models.KindVideo: {
			Originals:  filepath.Join(root, "original", "videos"),
			Outputs:    filepath.Join(root, "videos"),
			Thumbnails: filepath.Join(root, "video_thumbnails"),
		},
	}
	for _, d := range dirs {
		for _, p := range []string{d.Originals, d.Outputs, d.Thumbnails} {
			if err := os.MkdirAll(p, 0755); err != nil {
				t.Fatal(err)
			}
		}
	}
	return New(dirs), dirs
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestListOriginalsFiltersExtensions(t *testing.T) {
	lib, dirs := newLibrary(t)
	for _, name := range []string{"b.PNG", "a.jpg", "notes.txt", "clip.mp4"} {
		touch(t, dirs[models.KindPhoto].Originals, name)
	}

	entries, err := lib.ListOriginals(models.KindPhoto)
	if err != nil {
		t.Fatalf("ListOriginals: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "a.jpg" || entries[1].Name != "b.PNG" {
		t.Errorf("entries = %+v", entries)
	}
	if entries[0].Size != 1 {
		t.Errorf("Size = %d", entries[0].Size)
	}
}

func TestListOriginalsMissingDir(t *testing.T) {
	lib := New(map[models.Kind]Dirs{models.KindVideo: {Originals: filepath.Join(t.TempDir(), "absent")}})
	entries, err := lib.ListOriginals(models.KindVideo)
	if err != nil || len(entries) != 0 {
		t.Errorf("entries = %v, err = %v", entries, err)
	}
	if _, err := lib.ListOriginals(models.KindPhoto); !errors.Is(err, models.ErrInvalidKind) {
		t.Errorf("unknown kind err = %v", err)
	}
}

func TestListOutputs(t *testing.T) {
	lib, dirs := newLibrary(t)
	out := dirs[models.KindVideo]
	touch(t, out.Outputs, "000002.mp4")
	touch(t, out.Outputs, "000001.mp4")
	touch(t, out.Outputs, "000003.mp4.part")
	touch(t, out.Outputs, "sn.txt")
	touch(t, out.Thumbnails, "000001.jpg")

	entries, err := lib.ListOutputs(models.KindVideo)
	if err != nil {
		t.Fatalf("ListOutputs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Serial != "000001" || entries[0].Thumbnail != "000001.jpg" {
		t.Errorf("first = %+v", entries[0])
	}
	if entries[1].Thumbnail != "" {
		t.Errorf("second should have no thumbnail: %+v", entries[1])
	}
}

func TestDeleteOriginalRejectsTraversal(t *testing.T) {
	lib, dirs := newLibrary(t)
	touch(t, filepath.Dir(dirs[models.KindPhoto].Originals), "secret.jpg")

	for _, name := range []string{"../secret.jpg", "..", "", "a/b.jpg", `a\b.jpg`} {
		if err := lib.DeleteOriginal(models.KindPhoto, name); !errors.Is(err, models.ErrInvalidName) {
			t.Errorf("DeleteOriginal(%q) = %v, want ErrInvalidName", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dirs[models.KindPhoto].Originals), "secret.jpg")); err != nil {
		t.Error("file outside originals must survive")
	}
}

func TestDeleteOriginal(t *testing.T) {
	lib, dirs := newLibrary(t)
	touch(t, dirs[models.KindPhoto].Originals, "a.jpg")

	if err := lib.DeleteOriginal(models.KindPhoto, "a.jpg"); err != nil {
		t.Fatalf("DeleteOriginal: %v", err)
	}
	var nf *models.SourceNotFoundError
	if err := lib.DeleteOriginal(models.KindPhoto, "a.jpg"); !errors.As(err, &nf) {
		t.Errorf("second delete = %v, want SourceNotFoundError", err)
	}
}

func TestDeleteAllOriginalsReportsFailures(t *testing.T) {
	lib, dirs := newLibrary(t)
	for _, name := range []string{"a.mp4", "b.mov", "busy.mp4", "readme.md"} {
		touch(t, dirs[models.KindVideo].Originals, name)
	}
	lib.InUse = func(kind models.Kind, name string) bool { return name == "busy.mp4" }

	res, err := lib.DeleteAllOriginals(models.KindVideo)
	if err != nil {
		t.Fatalf("DeleteAllOriginals: %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].Name != "busy.mp4" {
		t.Errorf("failures = %+v", res.Failures)
	}
	remaining, _ := os.ReadDir(dirs[models.KindVideo].Originals)
	if len(remaining) != 2 {
		t.Errorf("remaining = %d files, want busy.mp4 and readme.md", len(remaining))
	}
}
