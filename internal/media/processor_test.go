package media

import (
	"image"
	"image/color"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

func TestTranscodeArgs(t *testing.T) {
	args := strings.Join(transcodeArgs("in.mp4", "out.mp4"), " ")
	for _, want := range []string{"libx264", "aac", "+faststart", "yuv420p", "out.mp4"} {
		if !strings.Contains(args, want) {
			t.Fatalf("transcode args missing %q: %s", want, args)
		}
	}
}

func TestResizeCoverScalesDown(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "frame.png")
	dst := filepath.Join(dir, "cover.jpg")

	frame := imaging.New(2000, 1000, color.NRGBA{R: 200, A: 255})
	if err := imaging.Save(frame, src); err != nil {
		t.Fatalf("save frame: %v", err)
	}

	if err := resizeCover(src, dst, 1080); err != nil {
		t.Fatalf("resize cover: %v", err)
	}

	out, err := imaging.Open(dst)
	if err != nil {
		t.Fatalf("open cover: %v", err)
	}
	if out.Bounds().Dx() != 1080 {
		t.Fatalf("expected width 1080, got %d", out.Bounds().Dx())
	}
	if out.Bounds().Dy() != 540 {
		t.Fatalf("aspect ratio not preserved, height %d", out.Bounds().Dy())
	}
}

func TestResizeCoverKeepsSmallFrames(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "frame.png")
	dst := filepath.Join(dir, "cover.jpg")

	frame := image.NewNRGBA(image.Rect(0, 0, 320, 240))
	if err := imaging.Save(frame, src); err != nil {
		t.Fatalf("save frame: %v", err)
	}
	if err := resizeCover(src, dst, 1080); err != nil {
		t.Fatalf("resize cover: %v", err)
	}
	out, err := imaging.Open(dst)
	if err != nil {
		t.Fatalf("open cover: %v", err)
	}
	if out.Bounds().Dx() != 320 {
		t.Fatalf("small frame should not be upscaled, got width %d", out.Bounds().Dx())
	}
}
