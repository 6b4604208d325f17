// Package encoder resizes photos with ImageMagick.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"mediaforge/logger"
	"mediaforge/models"
)

// Mode selects how the source is fitted into the target box.
type Mode string

const (
	// ModeFit scales down to fit inside the box, keeping the aspect ratio.
	ModeFit Mode = "fit"
	// ModeCover fills the box and crops the overflow around the centre.
	ModeCover Mode = "cover"
)

// EncodeFunc is the function signature for any encoder
type EncodeFunc func(ctx context.Context, input, output string, opts EncodeOptions) error

type EncodeOptions struct {
	Width, Height int
	Quality       int
}

// Registry maps a mode to the function that produces it with one binary.
type Registry struct {
	binary string

	mu    sync.RWMutex
	funcs map[Mode]EncodeFunc
}

// NewRegistry returns a registry bound to the given magick binary.
func NewRegistry(binary string) *Registry {
	if binary == "" {
		binary = "magick"
	}
	return &Registry{binary: binary, funcs: map[Mode]EncodeFunc{}}
}

// Register adds fn if the underlying command exists, logs status
func (r *Registry) Register(mode Mode, fn EncodeFunc) bool {
	if _, err := exec.LookPath(r.binary); err != nil {
		logger.Warnf("encoder [%s] skipped: command '%s' not found in PATH", mode, r.binary)
		return false
	}
	r.mu.Lock()
	r.funcs[mode] = fn
	r.mu.Unlock()
	logger.Debugf("encoder [%s] registered (command: %s)", mode, r.binary)
	return true
}

// Lookup encoder by mode
func (r *Registry) Get(mode Mode) (EncodeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[mode]
	return fn, ok
}

// RegisterDefaults registers the fit and cover resizers.
func (r *Registry) RegisterDefaults() {
	r.Register(ModeFit, r.resizeFit)
	r.Register(ModeCover, r.resizeCover)
}

// Encode runs the encoder registered for mode. A missing binary surfaces as
// a SpawnError so callers see the same taxonomy as a failed exec.
func (r *Registry) Encode(ctx context.Context, mode Mode, input, output string, opts EncodeOptions) error {
	fn, ok := r.Get(mode)
	if !ok {
		return &models.SpawnError{Command: r.binary, Err: fmt.Errorf("no encoder registered for %q", mode)}
	}
	return fn(ctx, input, output, opts)
}

func (r *Registry) resizeFit(ctx context.Context, in, out string, o EncodeOptions) error {
	return r.magick(ctx, in, out, o,
		"-resize", fmt.Sprintf("%dx%d>", o.Width, o.Height),
	)
}

func (r *Registry) resizeCover(ctx context.Context, in, out string, o EncodeOptions) error {
	box := fmt.Sprintf("%dx%d", o.Width, o.Height)
	return r.magick(ctx, in, out, o,
		"-resize", box+"^",
		"-gravity", "center",
		"-extent", box,
	)
}

// magick always writes JPEG; the explicit jpg: prefix lets output carry a
// temporary suffix.
func (r *Registry) magick(ctx context.Context, in, out string, o EncodeOptions, geometry ...string) error {
	args := []string{in + "[0]", "-auto-orient", "-strip"}
	args = append(args, geometry...)
	args = append(args,
		"-quality", fmt.Sprint(o.Quality),
		"jpg:"+out,
	)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return &models.SpawnError{Command: r.binary, Err: err}
	}
	return &models.TranscodeError{
		Command:  r.binary,
		ExitCode: exitErr.ExitCode(),
		Stderr:   strings.TrimSpace(stderr.String()),
		Err:      err,
	}
}
