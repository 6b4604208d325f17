package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"mediaforge/encoder"
	"mediaforge/logger"
	"mediaforge/models"
)

const partSuffix = ".part"

// runPhoto resizes the source twice, a primary that fits the configured box
// and a cropped thumbnail, then renames both into place.
func (r *Runner) runPhoto(ctx context.Context, t *tracker, req Request, src string) (Result, error) {
	d, err := r.dirs(models.KindPhoto)
	if err != nil {
		return r.failed(t, err)
	}
	if r.opts.Encoder == nil {
		return r.failed(t, &models.SpawnError{Command: "magick", Err: fmt.Errorf("no photo encoder configured")})
	}

	sn, err := r.allocate(t, req)
	if err != nil {
		return r.failed(t, err)
	}
	primary, thumb := outputPaths(d, models.KindPhoto, sn)
	for _, dir := range []string{filepath.Dir(primary), filepath.Dir(thumb)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return r.failed(t, &models.StorageError{Op: "mkdir", Path: dir, Err: err})
		}
	}

	p := r.opts.Photo
	r.processing(t, fmt.Sprintf("magick %s -> %s (%dx%d q%d), %s (%dx%d q%d)",
		src, primary, p.Width, p.Height, p.Quality, thumb, p.ThumbWidth, p.ThumbHeight, p.ThumbQuality))
	t.advance(0, "", false)

	primaryPart, thumbPart := primary+partSuffix, thumb+partSuffix
	cleanup := func() {
		_ = os.Remove(primaryPart)
		_ = os.Remove(thumbPart)
	}

	err = r.opts.Encoder.Encode(ctx, encoder.ModeFit, src, primaryPart, encoder.EncodeOptions{
		Width: p.Width, Height: p.Height, Quality: p.Quality,
	})
	if err == nil {
		t.advance(50, "", false)
		err = r.opts.Encoder.Encode(ctx, encoder.ModeCover, src, thumbPart, encoder.EncodeOptions{
			Width: p.ThumbWidth, Height: p.ThumbHeight, Quality: p.ThumbQuality,
		})
	}
	if err != nil {
		cleanup()
		if wasCancelled(ctx, t) {
			return r.cancelled(t)
		}
		return r.failed(t, err)
	}

	if err := os.Rename(thumbPart, thumb); err != nil {
		cleanup()
		return r.failed(t, &models.StorageError{Op: "rename", Path: thumb, Err: err})
	}
	if err := os.Rename(primaryPart, primary); err != nil {
		cleanup()
		return r.failed(t, &models.StorageError{Op: "rename", Path: primary, Err: err})
	}
	logger.Debugf("photo %s written as %s", req.Source, sn)

	return r.completed(t, Result{Output: primary, Thumbnail: thumb})
}
