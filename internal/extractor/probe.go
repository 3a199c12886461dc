package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bdougie/framesearch/internal/models"
)

type probeOutput struct {
	Streams []struct {
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads frame rate, frame count and duration of the first video stream.
func (e *Extractor) Probe(ctx context.Context, videoPath string) (models.VideoInfo, error) {
	cmd := exec.CommandContext(ctx, e.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate,r_frame_rate,nb_frames,duration:format=duration",
		"-of", "json",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return models.VideoInfo{}, fmt.Errorf("ffprobe '%s': %v: %w", videoPath, err, models.ErrVideoUnreadable)
	}
	return parseProbe(output)
}

func parseProbe(data []byte) (models.VideoInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return models.VideoInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return models.VideoInfo{}, fmt.Errorf("no video stream: %w", models.ErrVideoUnreadable)
	}

	stream := out.Streams[0]
	fps := parseRate(stream.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(stream.RFrameRate)
	}

	duration := parseFloat(stream.Duration)
	if duration <= 0 {
		duration = parseFloat(out.Format.Duration)
	}

	frames, _ := strconv.Atoi(stream.NbFrames)
	if frames <= 0 && fps > 0 {
		frames = int(math.Floor(duration * fps))
	}

	return models.VideoInfo{FPS: fps, FrameCount: frames, Duration: duration}, nil
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseFloat(s)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
