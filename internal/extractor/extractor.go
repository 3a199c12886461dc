package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Extractor wraps the ffmpeg and ffprobe binaries.
type Extractor struct {
	ffmpeg  string
	ffprobe string
	logger  *slog.Logger
}

// New creates an extractor using ffmpeg and ffprobe from PATH.
func New(logger *slog.Logger) *Extractor {
	return &Extractor{ffmpeg: "ffmpeg", ffprobe: "ffprobe", logger: logger}
}

// FrameFileName is the on-disk name of an extracted frame.
func FrameFileName(frameNum int) string {
	return fmt.Sprintf("frame_%06d.jpg", frameNum)
}

// FrameDirName names the cache directory holding a video's extracted frames.
// It is the file name followed by a short hash of the absolute path, size and
// modification time, so videos sharing a name or stem never share frames and
// a re-encoded file starts from an empty directory.
func FrameDirName(videoPath string) (string, error) {
	abs, err := filepath.Abs(videoPath)
	if err != nil {
		return "", fmt.Errorf("resolve video path '%s': %w", videoPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat video '%s': %w", videoPath, err)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d", abs, info.Size(), info.ModTime().UnixNano())
	return filepath.Base(abs) + "_" + hex.EncodeToString(h.Sum(nil))[:12], nil
}

// ExtractFrames writes the requested frame numbers of a video as JPEG files
// into frameDir and returns their paths keyed by frame number. Frames already
// present in frameDir are reused. Frames ffmpeg could not produce are absent
// from the result.
func (e *Extractor) ExtractFrames(ctx context.Context, videoPath, frameDir string, frames []int) (map[int]string, error) {
	// Check if video file exists
	if _, err := os.Stat(videoPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("video file does not exist at path: '%s'", videoPath)
	}

	if err := os.MkdirAll(frameDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory '%s': %w", frameDir, err)
	}

	paths := make(map[int]string, len(frames))
	var missing []int
	for _, n := range uniqueSorted(frames) {
		p := filepath.Join(frameDir, FrameFileName(n))
		if info, err := os.Stat(p); err == nil && info.Size() > 0 {
			paths[n] = p
			continue
		}
		missing = append(missing, n)
	}

	if len(missing) == 0 {
		e.logger.Debug("frames already extracted, skipping", "dir", frameDir, "frames", len(paths))
		return paths, nil
	}

	tmpDir, err := os.MkdirTemp(frameDir, ".extract-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	e.logger.Debug("extracting frames", "video", videoPath, "count", len(missing))

	ffmpegCommand := exec.CommandContext(ctx, e.ffmpeg,
		"-hide_banner", "-nostats", "-v", "error",
		"-i", videoPath,
		"-vf", selectFilter(missing),
		"-vsync", "vfr",
		"-q:v", "2",
		filepath.Join(tmpDir, "out_%04d.jpg"),
	)

	// Capture output for better error reporting
	output, err := ffmpegCommand.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %v\nOutput: %s", err, string(output))
	}

	// select emits frames in decode order, so the i-th output is the i-th
	// requested frame; frames past the end of the stream are never emitted.
	for i, n := range missing {
		src := filepath.Join(tmpDir, fmt.Sprintf("out_%04d.jpg", i+1))
		if _, err := os.Stat(src); err != nil {
			e.logger.Warn("failed to read frame", "frame", n, "video", videoPath)
			continue
		}
		dst := filepath.Join(frameDir, FrameFileName(n))
		if err := os.Rename(src, dst); err != nil {
			return nil, fmt.Errorf("failed to move frame %d: %w", n, err)
		}
		paths[n] = dst
	}

	return paths, nil
}

// ExtractFrame returns a single frame of a video encoded as JPEG.
func (e *Extractor) ExtractFrame(ctx context.Context, videoPath string, frameNum int) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.ffmpeg,
		"-hide_banner", "-nostats", "-v", "error",
		"-i", videoPath,
		"-vf", selectFilter([]int{frameNum}),
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)

	var stderr strings.Builder
	cmd.Stderr = &stderr
	data, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %v\nOutput: %s", err, stderr.String())
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("frame %d not found in '%s'", frameNum, videoPath)
	}
	return data, nil
}

// selectFilter builds an ffmpeg select expression matching the given frames.
func selectFilter(frames []int) string {
	terms := make([]string, len(frames))
	for i, n := range frames {
		terms[i] = `eq(n\,` + strconv.Itoa(n) + `)`
	}
	return "select=" + strings.Join(terms, "+")
}

func uniqueSorted(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, n := range in {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
