package job

import (
	"context"
	"fmt"

	"mediaforge/models"
	"mediaforge/transcode"
)

// runVideo probes before touching the counter, so a file without a video
// stream fails without consuming a serial. The transcode itself waits for a
// limiter slot.
func (r *Runner) runVideo(ctx context.Context, t *tracker, req Request, src string) (Result, error) {
	d, err := r.dirs(models.KindVideo)
	if err != nil {
		return r.failed(t, err)
	}
	sup := r.opts.Supervisor
	if sup == nil {
		return r.failed(t, &models.SpawnError{Command: "ffmpeg", Err: fmt.Errorf("no transcode supervisor configured")})
	}

	media, err := sup.Probe(ctx, src)
	if err != nil {
		if wasCancelled(ctx, t) {
			return r.cancelled(t)
		}
		return r.failed(t, err)
	}
	t.setMedia(media)

	sn, err := r.allocate(t, req)
	if err != nil {
		return r.failed(t, err)
	}
	output, thumb := outputPaths(d, models.KindVideo, sn)

	if r.opts.Limiter != nil {
		if err := r.opts.Limiter.Acquire(ctx); err != nil {
			if wasCancelled(ctx, t) {
				return r.cancelled(t)
			}
			return r.failed(t, fmt.Errorf("waiting for transcode slot: %w", err))
		}
		defer r.opts.Limiter.Release()
	}

	h, err := sup.Start(ctx, transcode.Spec{
		Key:       req.Source,
		Source:    src,
		Output:    output,
		Thumbnail: thumb,
		Encoding:  r.opts.Video,
		Media:     &media,
	})
	if err != nil {
		if wasCancelled(ctx, t) {
			return r.cancelled(t)
		}
		return r.failed(t, err)
	}

	r.processing(t, h.Command())
	for u := range h.Updates() {
		t.advance(u.Percent, u.Timemark, u.Heartbeat)
	}

	res := h.Wait()
	switch {
	case res.State == transcode.StateCompleted:
		out := Result{Output: res.Output, Thumbnail: res.Thumbnail, Media: &media}
		if res.ThumbnailErr != nil {
			out.ThumbnailError = res.ThumbnailErr.Error()
		}
		return r.completed(t, out)
	case res.State == transcode.StateCancelled, wasCancelled(ctx, t):
		return r.cancelled(t)
	default:
		return r.failed(t, res.Err)
	}
}
