package probe

import (
	"errors"
	"testing"

	"mediaforge/models"
)

const sampleVideo = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1920, "height": 1080, "duration": "12.500000", "bit_rate": "4000000"},
    {"index": 1, "codec_name": "aac", "codec_type": "audio", "duration": "12.480000"}
  ],
  "format": {"filename": "clip.mov", "nb_streams": 2, "duration": "12.500000", "size": "6250000", "bit_rate": "4000000", "format_name": "mov,mp4,m4a,3gp,3g2,mj2"}
}`

const sampleAudioOnly = `{
  "streams": [{"index": 0, "codec_name": "mp3", "codec_type": "audio"}],
  "format": {"filename": "song.mp3", "duration": "180.0", "format_name": "mp3"}
}`

func TestMediaInfo(t *testing.T) {
	res, err := Parse([]byte(sampleVideo))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.VideoStreamCount() != 1 {
		t.Errorf("VideoStreamCount = %d", res.VideoStreamCount())
	}

	info, err := res.MediaInfo("clip.mov")
	if err != nil {
		t.Fatalf("MediaInfo: %v", err)
	}
	if info.Duration != 12.5 || info.Width != 1920 || info.Height != 1080 {
		t.Errorf("info = %+v", info)
	}
	if info.Codec != "h264" || info.BitRate != 4000000 || info.Size != 6250000 {
		t.Errorf("info = %+v", info)
	}
}

func TestMediaInfoWithoutVideoStream(t *testing.T) {
	res, err := Parse([]byte(sampleAudioOnly))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = res.MediaInfo("song.mp3")
	var invalid *models.InvalidMediaError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidMediaError, got %v", err)
	}
}

func TestDurationFallsBackToStream(t *testing.T) {
	res := Result{
		Streams: []Stream{{CodecType: "video", Duration: "3.25"}},
		Format:  Format{Duration: "N/A"},
	}
	if got := res.DurationSeconds(); got != 3.25 {
		t.Errorf("DurationSeconds = %v, want 3.25", got)
	}
}

func TestParseFloatInvalid(t *testing.T) {
	res := Result{Format: Format{Size: "abc", BitRate: "-5"}}
	if res.SizeBytes() != 0 {
		t.Errorf("SizeBytes = %d, want 0", res.SizeBytes())
	}
	if res.BitRate() != 0 {
		t.Errorf("BitRate = %d, want 0", res.BitRate())
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not json")); err == nil {
		t.Error("expected parse error")
	}
}

const sampleCoverArt = `{
  "streams": [
    {"index": 0, "codec_name": "mp3", "codec_type": "audio"},
    {"index": 1, "codec_name": "mjpeg", "codec_type": "video", "width": 600, "height": 600, "disposition": {"default": 0, "attached_pic": 1}}
  ],
  "format": {"filename": "album.mp3", "duration": "200.0", "format_name": "mp3"}
}`

func TestCoverArtIsNotAVideoStream(t *testing.T) {
	res, err := Parse([]byte(sampleCoverArt))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n := res.VideoStreamCount(); n != 0 {
		t.Errorf("VideoStreamCount = %d, want 0", n)
	}
	_, err = res.MediaInfo("album.mp3")
	var invalid *models.InvalidMediaError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidMediaError, got %v", err)
	}
}
