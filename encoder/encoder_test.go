package encoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"mediaforge/models"
)

// fakeMagick records its arguments next to itself and writes the output.
const fakeMagick = `#!/bin/sh
for last; do :; done
echo "$*" >> "$(dirname "$0")/calls.log"
case "$1" in
*broken*) echo "magick: improper image header" >&2; exit 1 ;;
esac
printf 'jpeg' > "${last#jpg:}"
`

func setup(t *testing.T) (*Registry, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake magick is a shell script")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "magick")
	if err := os.WriteFile(bin, []byte(fakeMagick), 0755); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(bin)
	r.RegisterDefaults()
	return r, dir
}

func TestEncoderRegistration(t *testing.T) {
	r, _ := setup(t)
	for _, mode := range []Mode{ModeFit, ModeCover} {
		if fn, ok := r.Get(mode); !ok || fn == nil {
			t.Errorf("encoder %s should be registered", mode)
		}
	}

	missing := NewRegistry(filepath.Join(t.TempDir(), "no-such-magick"))
	missing.RegisterDefaults()
	if _, ok := missing.Get(ModeFit); ok {
		t.Error("encoder with a missing binary should be skipped")
	}
	err := missing.Encode(context.Background(), ModeFit, "in.png", "out.jpg", EncodeOptions{Width: 1, Height: 1, Quality: 1})
	var spawn *models.SpawnError
	if !errors.As(err, &spawn) {
		t.Errorf("err = %v, want SpawnError", err)
	}
}

func TestEncodeArguments(t *testing.T) {
	r, dir := setup(t)
	in := filepath.Join(dir, "photo.png")
	fit := filepath.Join(dir, "000001.jpg.part")
	cover := filepath.Join(dir, "thumb.jpg.part")

	if err := r.Encode(context.Background(), ModeFit, in, fit, EncodeOptions{Width: 800, Height: 600, Quality: 80}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	if err := r.Encode(context.Background(), ModeCover, in, cover, EncodeOptions{Width: 240, Height: 240, Quality: 60}); err != nil {
		t.Fatalf("cover: %v", err)
	}
	for _, p := range []string{fit, cover} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("output %s missing: %v", p, err)
		}
	}

	log, err := os.ReadFile(filepath.Join(dir, "calls.log"))
	if err != nil {
		t.Fatal(err)
	}
	calls := strings.Split(strings.TrimSpace(string(log)), "\n")
	if len(calls) != 2 {
		t.Fatalf("calls = %q", calls)
	}
	if !strings.Contains(calls[0], "-resize 800x600>") || !strings.Contains(calls[0], "-quality 80 jpg:"+fit) {
		t.Errorf("fit call = %q", calls[0])
	}
	if !strings.Contains(calls[1], "-resize 240x240^ -gravity center -extent 240x240") {
		t.Errorf("cover call = %q", calls[1])
	}
}

func TestEncodeFailure(t *testing.T) {
	r, dir := setup(t)
	err := r.Encode(context.Background(), ModeFit, filepath.Join(dir, "broken.png"), filepath.Join(dir, "out.jpg"), EncodeOptions{Width: 10, Height: 10, Quality: 50})
	var te *models.TranscodeError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TranscodeError", err)
	}
	if te.ExitCode != 1 || !strings.Contains(te.Stderr, "improper image header") {
		t.Errorf("TranscodeError = %+v", te)
	}
}
