// Package probe reads stream metadata with ffprobe.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"mediaforge/models"
)

// Result is the subset of `ffprobe -show_format -show_streams` output we use.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

type Stream struct {
	Index       int         `json:"index"`
	CodecName   string      `json:"codec_name"`
	CodecType   string      `json:"codec_type"`
	Duration    string      `json:"duration"`
	BitRate     string      `json:"bit_rate"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Disposition Disposition `json:"disposition"`
}

type Disposition struct {
	AttachedPic int `json:"attached_pic"`
}

// IsVideo reports a real video track. Embedded cover art is typed as video
// by ffprobe but carries the attached_pic disposition.
func (s Stream) IsVideo() bool {
	return strings.EqualFold(s.CodecType, "video") && s.Disposition.AttachedPic == 0
}

type Format struct {
	Filename   string `json:"filename"`
	NBStreams  int    `json:"nb_streams"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
	FormatName string `json:"format_name"`
}

// Inspect runs ffprobe against path.
func Inspect(ctx context.Context, binary, path string) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	if strings.TrimSpace(path) == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("ffprobe inspect: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return Result{}, fmt.Errorf("ffprobe inspect: %w", err)
	}
	return Parse(output)
}

// Parse decodes ffprobe JSON output.
func Parse(data []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// VideoStream returns the first video stream.
func (r Result) VideoStream() (Stream, bool) {
	for _, s := range r.Streams {
		if s.IsVideo() {
			return s, true
		}
	}
	return Stream{}, false
}

func (r Result) VideoStreamCount() int {
	count := 0
	for _, s := range r.Streams {
		if s.IsVideo() {
			count++
		}
	}
	return count
}

// DurationSeconds prefers the container duration and falls back to the video stream.
func (r Result) DurationSeconds() float64 {
	d := parseFloat(r.Format.Duration)
	if (math.IsNaN(d) || d <= 0) && len(r.Streams) > 0 {
		if v, ok := r.VideoStream(); ok {
			d = parseFloat(v.Duration)
		}
	}
	if math.IsNaN(d) || d < 0 {
		return 0
	}
	return d
}

func (r Result) SizeBytes() int64 {
	size := parseFloat(r.Format.Size)
	if math.IsNaN(size) || size < 0 {
		return 0
	}
	return int64(size)
}

func (r Result) BitRate() int64 {
	rate := parseFloat(r.Format.BitRate)
	if math.IsNaN(rate) || rate <= 0 {
		if v, ok := r.VideoStream(); ok {
			rate = parseFloat(v.BitRate)
		}
	}
	if math.IsNaN(rate) || rate < 0 {
		return 0
	}
	return int64(rate)
}

// MediaInfo summarises the result, failing when no video stream exists.
func (r Result) MediaInfo(path string) (models.MediaInfo, error) {
	v, ok := r.VideoStream()
	if !ok {
		return models.MediaInfo{}, &models.InvalidMediaError{Path: path, Reason: "no video stream"}
	}
	return models.MediaInfo{
		Duration: r.DurationSeconds(),
		Width:    v.Width,
		Height:   v.Height,
		Codec:    v.CodecName,
		BitRate:  r.BitRate(),
		Size:     r.SizeBytes(),
		Format:   r.Format.FormatName,
	}, nil
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" || cleaned == "N/A" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}
