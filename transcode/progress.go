package transcode

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Update is one progress report relayed to the job runner.
type Update struct {
	Percent   float64
	Timemark  string
	Heartbeat bool
}

// parseProgress reads `-progress pipe:1` key=value blocks and emits one
// Update per block. duration is in seconds; zero leaves Percent at 0 until
// the final block.
func parseProgress(r io.Reader, duration float64, out chan<- Update) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	var (
		outTime  float64
		timemark string
	)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// both are microseconds in ffmpeg's progress output
			if us, err := strconv.ParseFloat(value, 64); err == nil && us >= 0 {
				outTime = us / 1e6
			}
		case "out_time":
			timemark = formatTimemark(value)
		case "progress":
			u := Update{Timemark: timemark}
			if duration > 0 {
				u.Percent = clampPercent(outTime / duration * 100)
			}
			if value == "end" {
				u.Percent = 100
			}
			out <- u
		}
	}
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// formatTimemark trims ffmpeg's microsecond timestamps to hundredths.
func formatTimemark(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "-") || v == "N/A" {
		return "00:00:00.00"
	}
	if dot := strings.IndexByte(v, '.'); dot >= 0 && len(v) > dot+3 {
		return v[:dot+3]
	}
	return v
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// LastLines returns up to n trailing non-empty lines.
func (t *tailBuffer) LastLines(n int) string {
	t.mu.Lock()
	text := string(t.buf)
	t.mu.Unlock()

	var lines []string
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
