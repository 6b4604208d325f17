package models

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the media family a job belongs to.
type Kind string

const (
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
)

// Kinds lists every supported media kind.
var Kinds = []Kind{KindPhoto, KindVideo}

// ParseKind accepts "photo"/"image" and "video" in any case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "photo", "photos", "image", "images":
		return KindPhoto, nil
	case "video", "videos":
		return KindVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// OutputExt is the extension of the primary artifact for the kind.
func (k Kind) OutputExt() string {
	if k == KindVideo {
		return ".mp4"
	}
	return ".jpg"
}

// JobState represents the current state of a conversion job
type JobState int

const (
	JobPending JobState = iota
	JobValidating
	JobProcessing
	JobCompleted
	JobCancelled
	JobFailed
)

var jobStateNames = map[JobState]string{
	JobPending:    "pending",
	JobValidating: "validating",
	JobProcessing: "processing",
	JobCompleted:  "completed",
	JobCancelled:  "cancelled",
	JobFailed:     "failed",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobState) UnmarshalText(text []byte) error {
	for state, name := range jobStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", text)
}

// IsTerminal reports whether no further transitions can follow.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to JobState) bool {
	if from.IsTerminal() || to <= from {
		return false
	}
	switch from {
	case JobPending:
		return to == JobValidating || to == JobCancelled || to == JobFailed
	case JobValidating:
		return to == JobProcessing || to == JobCancelled || to == JobFailed
	case JobProcessing:
		return to.IsTerminal()
	}
	return false
}

// ConversionJob is one source file turned into a primary asset and a thumbnail.
type ConversionJob struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Source    string    `json:"source"`
	Serial    string    `json:"serial,omitempty"`
	State     JobState  `json:"state"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition moves the job to the next state or reports why it cannot.
func (j *ConversionJob) Transition(to JobState) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.Source, j.State, to)
	}
	j.State = to
	j.UpdatedAt = time.Now()
	return nil
}

// MediaInfo is the stream metadata reported by the probe.
type MediaInfo struct {
	Duration float64 `json:"duration"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Codec    string  `json:"codec"`
	BitRate  int64   `json:"bitrate"`
	Size     int64   `json:"size"`
	Format   string  `json:"format"`
}
