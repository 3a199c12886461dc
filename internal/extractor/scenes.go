package extractor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"sort"

	"github.com/bdougie/framesearch/internal/models"
)

// MinSceneLen is the shortest scene, in frames, that a cut may produce.
const MinSceneLen = 15

var ptsTimeRe = regexp.MustCompile(`pts_time:\s*([0-9]+(?:\.[0-9]+)?)`)

// DetectScenes splits a video at content cuts. The threshold uses a 0-100
// scale and is passed to ffmpeg's scene score as threshold/100. A video
// without any cut yields no scenes.
func (e *Extractor) DetectScenes(ctx context.Context, videoPath string, threshold float64, info models.VideoInfo) ([]models.Scene, error) {
	cmd := exec.CommandContext(ctx, e.ffmpeg,
		"-hide_banner", "-nostats",
		"-i", videoPath,
		"-an",
		"-vf", fmt.Sprintf("select='gt(scene,%.4f)',showinfo", threshold/100),
		"-f", "null", "-",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg scene detection failed: %v\nOutput: %s", err, string(output))
	}

	cuts := parseSceneCuts(output, info.FPS)
	scenes := buildScenes(cuts, info.FrameCount)
	e.logger.Debug("scene detection", "threshold", threshold, "scenes", len(scenes))
	return scenes, nil
}

// parseSceneCuts converts showinfo pts_time values into frame numbers.
func parseSceneCuts(output []byte, fps float64) []int {
	var cuts []int
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.Contains(line, []byte("Parsed_showinfo")) {
			continue
		}
		m := ptsTimeRe.FindSubmatch(line)
		if m == nil {
			continue
		}
		cuts = append(cuts, int(math.Round(parseFloat(string(m[1]))*fps)))
	}
	return cuts
}

// buildScenes turns cut points into contiguous scenes covering [0, total).
// Cuts closer than MinSceneLen to the previous boundary are dropped.
func buildScenes(cuts []int, total int) []models.Scene {
	if len(cuts) == 0 || total <= 0 {
		return nil
	}
	sort.Ints(cuts)

	bounds := []int{0}
	for _, c := range cuts {
		if c <= 0 || c >= total {
			continue
		}
		if c-bounds[len(bounds)-1] < MinSceneLen {
			continue
		}
		bounds = append(bounds, c)
	}
	if len(bounds) == 1 {
		return nil
	}
	bounds = append(bounds, total)

	scenes := make([]models.Scene, 0, len(bounds)-1)
	for i := 0; i < len(bounds)-1; i++ {
		scenes = append(scenes, models.Scene{Start: bounds[i], End: bounds[i+1]})
	}
	return scenes
}

// SampleScene picks n frame numbers spread evenly from the start of a scene.
// Rounding the step up can overshoot short scenes, so samples past the last
// frame of the scene are clamped to it.
func SampleScene(scene models.Scene, n int) []int {
	length := scene.End - scene.Start
	if length < 0 {
		length = -length
	}
	step := int(math.RoundToEven(float64(length) / float64(n)))

	samples := make([]int, n)
	for k := range samples {
		samples[k] = scene.Start + step*k
		if scene.End > scene.Start && samples[k] >= scene.End {
			samples[k] = scene.End - 1
		}
	}
	return samples
}

// FallbackSamples spreads n samples across the whole video, treated as one scene.
func FallbackSamples(total, n int) []int {
	samples := make([]int, n)
	for i := range samples {
		samples[i] = total * i / n
	}
	return samples
}

// DetectFunc runs scene detection at one threshold.
type DetectFunc func(ctx context.Context, threshold float64) ([]models.Scene, error)

// PlanSamples tries each threshold in order and samples the scenes of the
// first one that finds any. Without scenes it falls back to even sampling.
func PlanSamples(ctx context.Context, info models.VideoInfo, thresholds []float64, n int, detect DetectFunc) ([][]int, float64, error) {
	for _, threshold := range thresholds {
		scenes, err := detect(ctx, threshold)
		if err != nil {
			return nil, 0, err
		}
		if len(scenes) == 0 {
			continue
		}

		plan := make([][]int, 0, len(scenes))
		for _, scene := range scenes {
			plan = append(plan, SampleScene(scene, n))
		}
		return plan, threshold, nil
	}

	if info.FrameCount <= 0 {
		return nil, 0, models.ErrNoFrames
	}
	return [][]int{FallbackSamples(info.FrameCount, n)}, 0, nil
}

// SampleScenes plans the frame samples for every scene of a video.
func (e *Extractor) SampleScenes(ctx context.Context, videoPath string, info models.VideoInfo, thresholds []float64, n int) ([][]int, error) {
	plan, threshold, err := PlanSamples(ctx, info, thresholds, n, func(ctx context.Context, t float64) ([]models.Scene, error) {
		return e.DetectScenes(ctx, videoPath, t, info)
	})
	if err != nil {
		return nil, err
	}

	if threshold > 0 {
		e.logger.Info("detected scenes", "threshold", threshold, "scenes", len(plan))
	} else {
		e.logger.Info("no scenes detected with any threshold, treating entire video as one scene",
			"frames", info.FrameCount, "fps", info.FPS, "duration", info.Duration, "samples", plan[0])
	}
	return plan, nil
}
