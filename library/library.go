// Package library lists and removes the files around the pipeline: originals
// waiting for conversion and the converted outputs.
package library

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"mediaforge/logger"
	"mediaforge/metrics"
	"mediaforge/models"
)

var extensions = map[models.Kind][]string{
	models.KindPhoto: {".jpg", ".jpeg", ".png", ".gif", ".webp"},
	models.KindVideo: {".mp4", ".avi", ".mov", ".wmv", ".webm", ".mkv"},
}

var outputName = regexp.MustCompile(`^(\d{6})\.(jpg|mp4)$`)

// Dirs locates one kind's originals, primaries and thumbnails.
type Dirs struct {
	Originals  string
	Outputs    string
	Thumbnails string
}

// Entry describes one file. Serial and Thumbnail are set for outputs only.
type Entry struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
	Serial    string    `json:"serial,omitempty"`
	Thumbnail string    `json:"thumbnail,omitempty"`
}

// Failure is one file a bulk delete could not remove.
type Failure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// BulkResult reports a bulk delete file by file.
type BulkResult struct {
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Deleted   []string  `json:"deleted"`
	Failures  []Failure `json:"failures"`
}

type Library struct {
	dirs map[models.Kind]Dirs

	// InUse, when set, protects originals that an active job is reading.
	InUse func(kind models.Kind, name string) bool
}

func New(dirs map[models.Kind]Dirs) *Library {
	return &Library{dirs: dirs}
}

// Dirs returns the directories configured for kind.
func (l *Library) Dirs(kind models.Kind) (Dirs, error) {
	return l.kindDirs(kind)
}

func (l *Library) kindDirs(kind models.Kind) (Dirs, error) {
	d, ok := l.dirs[kind]
	if !ok {
		return Dirs{}, fmt.Errorf("%w: %q", models.ErrInvalidKind, kind)
	}
	return d, nil
}

// Supported reports whether name has an extension accepted for kind.
func Supported(kind models.Kind, name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions[kind] {
		if e == ext {
			return true
		}
	}
	return false
}

// ResolveOriginal returns the on-disk path of an original, rejecting
// names that would escape the originals directory.
func (l *Library) ResolveOriginal(kind models.Kind, name string) (string, error) {
	d, err := l.kindDirs(kind)
	if err != nil {
		return "", err
	}
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidName, name)
	}
	return filepath.Join(d.Originals, name), nil
}

// ListOriginals returns supported originals sorted by name. A missing
// directory is an empty list.
func (l *Library) ListOriginals(kind models.Kind) ([]Entry, error) {
	d, err := l.kindDirs(kind)
	if err != nil {
		return nil, err
	}
	return list(d.Originals, func(name string) (Entry, bool) {
		return Entry{Name: name}, Supported(kind, name)
	})
}

// ListOutputs returns converted primaries sorted by serial, each with its
// thumbnail name when one exists.
func (l *Library) ListOutputs(kind models.Kind) ([]Entry, error) {
	d, err := l.kindDirs(kind)
	if err != nil {
		return nil, err
	}
	return list(d.Outputs, func(name string) (Entry, bool) {
		m := outputName.FindStringSubmatch(name)
		if m == nil || "."+m[2] != kind.OutputExt() {
			return Entry{}, false
		}
		e := Entry{Name: name, Serial: m[1]}
		thumb := m[1] + ".jpg"
		if _, err := os.Stat(filepath.Join(d.Thumbnails, thumb)); err == nil {
			e.Thumbnail = thumb
		}
		return e, true
	})
}

func list(dir string, accept func(name string) (Entry, bool)) ([]Entry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, &models.StorageError{Op: "list", Path: dir, Err: err}
	}

	entries := make([]Entry, 0, len(des))
	for _, de := range des {
		if !de.Type().IsRegular() {
			continue
		}
		e, ok := accept(de.Name())
		if !ok {
			continue
		}
		if info, err := de.Info(); err == nil {
			e.Size = info.Size()
			e.ModTime = info.ModTime()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// DeleteOriginal removes one original.
func (l *Library) DeleteOriginal(kind models.Kind, name string) error {
	path, err := l.ResolveOriginal(kind, name)
	if err != nil {
		return err
	}
	if l.InUse != nil && l.InUse(kind, name) {
		metrics.OriginalsDeleted.WithLabelValues(string(kind), "in_use").Inc()
		return fmt.Errorf("%w: %s", models.ErrJobActive, name)
	}
	if err := os.Remove(path); err != nil {
		metrics.OriginalsDeleted.WithLabelValues(string(kind), "error").Inc()
		if errors.Is(err, os.ErrNotExist) {
			return &models.SourceNotFoundError{Path: path}
		}
		return &models.StorageError{Op: "delete", Path: path, Err: err}
	}
	metrics.OriginalsDeleted.WithLabelValues(string(kind), "ok").Inc()
	logger.Infof("deleted original %s", path)
	return nil
}

// DeleteAllOriginals removes every supported original of kind and reports
// each failure instead of stopping at the first.
func (l *Library) DeleteAllOriginals(kind models.Kind) (BulkResult, error) {
	entries, err := l.ListOriginals(kind)
	if err != nil {
		return BulkResult{}, err
	}

	res := BulkResult{Deleted: []string{}, Failures: []Failure{}}
	for _, e := range entries {
		if err := l.DeleteOriginal(kind, e.Name); err != nil {
			res.Failed++
			res.Failures = append(res.Failures, Failure{Name: e.Name, Error: err.Error()})
			continue
		}
		res.Succeeded++
		res.Deleted = append(res.Deleted, e.Name)
	}
	logger.Infof("bulk delete of %s originals: %d deleted, %d failed", kind, res.Succeeded, res.Failed)
	return res, nil
}
