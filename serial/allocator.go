// Package serial hands out fixed-width sequential identifiers, one counter
// file per media kind. The file always holds the next serial to hand out.
package serial

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/gofrs/flock"

	"mediaforge/logger"
	"mediaforge/models"
)

const (
	// Width of every serial.
	Width = 6

	// Initial is written when a counter is missing or corrupt.
	Initial = "000001"

	maxSerial = 999999
)

var pattern = regexp.MustCompile(`^\d{6}$`)

var bom = []byte{0xEF, 0xBB, 0xBF}

// Valid reports whether s is a well-formed serial.
func Valid(s string) bool {
	return pattern.MatchString(s)
}

// Format zero-pads n to Width digits.
func Format(n int) string {
	return fmt.Sprintf("%0*d", Width, n)
}

// Allocator owns the counter files. All read-modify-write cycles run under mu.
type Allocator struct {
	mu    sync.Mutex
	paths map[models.Kind]string
}

// NewAllocator maps each kind to its counter file.
func NewAllocator(paths map[models.Kind]string) *Allocator {
	cp := make(map[models.Kind]string, len(paths))
	for k, p := range paths {
		cp[k] = p
	}
	return &Allocator{paths: cp}
}

func (a *Allocator) path(kind models.Kind) (string, error) {
	p, ok := a.paths[kind]
	if !ok {
		return "", fmt.Errorf("%w: no counter for %q", models.ErrInvalidKind, kind)
	}
	return p, nil
}

// Read returns the current counter, repairing it to Initial when the file is
// missing, unreadable or malformed.
func (a *Allocator) Read(kind models.Kind) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.read(kind)
}

func (a *Allocator) read(kind models.Kind) (string, error) {
	path, err := a.path(kind)
	if err != nil {
		return "", err
	}

	value, readErr := readFile(path)
	if readErr == nil && Valid(value) {
		return value, nil
	}
	if readErr != nil && !os.IsNotExist(readErr) {
		logger.Warnf("serial counter %s unreadable, repairing: %v", path, readErr)
	} else if readErr == nil {
		logger.Warnf("serial counter %s holds %q, repairing to %s", path, value, Initial)
	}

	if err := writeAtomic(path, Initial); err != nil {
		return "", &models.StorageError{Op: "repair", Path: path, Err: err}
	}
	return Initial, nil
}

// Write persists serial and verifies it reads back unchanged.
func (a *Allocator) Write(kind models.Kind, serial string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.write(kind, serial)
}

func (a *Allocator) write(kind models.Kind, serial string) error {
	if !Valid(serial) {
		return fmt.Errorf("%w: %q", models.ErrInvalidSerial, serial)
	}
	path, err := a.path(kind)
	if err != nil {
		return err
	}
	if err := writeAtomic(path, serial); err != nil {
		return &models.StorageError{Op: "write", Path: path, Err: err}
	}
	got, err := readFile(path)
	if err != nil {
		return &models.StorageError{Op: "verify", Path: path, Err: err}
	}
	if got != serial {
		return &models.VerificationError{Path: path, Want: serial, Got: got}
	}
	return nil
}

// Next returns the serial after the current one without persisting it.
func (a *Allocator) Next(kind models.Kind) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, err := a.read(kind)
	if err != nil {
		return "", err
	}
	return a.increment(kind, cur)
}

// Allocate hands out the current serial and advances the counter by one.
func (a *Allocator) Allocate(kind models.Kind) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, err := a.read(kind)
	if err != nil {
		return "", err
	}
	next, err := a.increment(kind, cur)
	if err != nil {
		return "", err
	}
	if err := a.write(kind, next); err != nil {
		return "", err
	}
	logger.Debugf("allocated %s serial %s (next %s)", kind, cur, next)
	return cur, nil
}

func (a *Allocator) increment(kind models.Kind, cur string) (string, error) {
	n, err := strconv.Atoi(cur)
	if err != nil {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidSerial, cur)
	}
	if n >= maxSerial {
		path, _ := a.path(kind)
		return "", &models.StorageError{Op: "increment", Path: path, Err: fmt.Errorf("serial space exhausted at %s", cur)}
	}
	return Format(n + 1), nil
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	data = bytes.TrimPrefix(data, bom)
	return string(bytes.TrimSpace(data)), nil
}

// writeAtomic replaces path through a temp file in the same directory.
func writeAtomic(path, value string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sn-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// LockDir takes an exclusive lock file so a single process owns the counters.
// The caller releases it with Unlock.
func LockDir(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("another process holds %s", path)
	}
	return lock, nil
}
