// Package media normalizes downloaded video for TikTok and extracts a cover
// thumbnail.
package media

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/phuslu/log"

	"reelcast/internal/pipeline"
)

// Processor shells out to ffmpeg for transcoding and frame extraction.
type Processor struct {
	ffmpegPath string
	coverWidth int
}

// Result is the process step's typed success payload. CoverPath is empty when
// frame extraction failed; the cover is best-effort.
type Result struct {
	VideoPath string
	CoverPath string
}

// New builds a processor. ffmpegPath defaults to "ffmpeg" on PATH.
func New(ffmpegPath string) *Processor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Processor{ffmpegPath: ffmpegPath, coverWidth: 1080}
}

// Process re-encodes the input to an H.264/AAC mp4 TikTok accepts and writes
// a resized cover frame beside it.
func (p *Processor) Process(ctx context.Context, inputPath, outputDir string) (Result, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Result{}, pipeline.Transientf("create output dir: %v", err)
	}
	videoPath := filepath.Join(outputDir, "processed.mp4")

	if err := p.runFFmpeg(ctx, transcodeArgs(inputPath, videoPath)); err != nil {
		return Result{}, err
	}
	if fi, err := os.Stat(videoPath); err != nil || fi.Size() == 0 {
		return Result{}, pipeline.Permanentf("transcode produced no output for %s", inputPath)
	}

	coverPath := filepath.Join(outputDir, "cover.jpg")
	if err := p.extractCover(ctx, videoPath, coverPath); err != nil {
		log.Warn().Err(err).Str("video", videoPath).Msg("cover extraction failed, continuing without cover")
		coverPath = ""
	}

	return Result{VideoPath: videoPath, CoverPath: coverPath}, nil
}

// transcodeArgs normalizes container, codecs and pixel format, and moves the
// moov atom up front for streaming playback.
func transcodeArgs(inputPath, outputPath string) []string {
	return []string{
		"-y",
		"-i", inputPath,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		outputPath,
	}
}

func coverFrameArgs(videoPath, framePath string) []string {
	return []string{
		"-y",
		"-ss", "1",
		"-i", videoPath,
		"-frames:v", "1",
		framePath,
	}
}

func (p *Processor) runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return pipeline.Transientf("ffmpeg timed out: %v", ctx.Err())
		}
		if errors.Is(err, exec.ErrNotFound) {
			return pipeline.Transientf("ffmpeg binary %q not found", p.ffmpegPath)
		}
		// ffmpeg exits non-zero on corrupt or unsupported input; retrying
		// the same bytes will not help.
		return pipeline.Permanentf("ffmpeg failed: %v: %s", err, stderrTail(stderr.String()))
	}
	return nil
}

// extractCover grabs a frame at the one-second mark and resizes it for use as
// the post cover.
func (p *Processor) extractCover(ctx context.Context, videoPath, coverPath string) error {
	framePath := coverPath + ".raw.png"
	defer os.Remove(framePath)

	if err := p.runFFmpeg(ctx, coverFrameArgs(videoPath, framePath)); err != nil {
		return err
	}
	return resizeCover(framePath, coverPath, p.coverWidth)
}

// resizeCover scales the extracted frame to the target width, preserving
// aspect ratio, and encodes it as JPEG.
func resizeCover(srcPath, dstPath string, width int) error {
	img, err := imaging.Open(srcPath)
	if err != nil {
		return err
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	return imaging.Save(img, dstPath, imaging.JPEGQuality(85))
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " | ")
}
