package models

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameID(t *testing.T) {
	assert.Equal(t, "cutting_pepper.mp4_scene_2_frame_1_sample_340", FrameID("cutting_pepper.mp4", 2, 1, 340))
}

func TestFrameID_KeyedOnFileName(t *testing.T) {
	// extensions keep same-stem videos apart
	assert.NotEqual(t, FrameID("clip.mp4", 0, 0, 0), FrameID("clip.mov", 0, 0, 0))
	// directories are not part of the id
	assert.Equal(t, FrameID(filepath.Base("/a/clip.mp4"), 0, 0, 0), FrameID(filepath.Base("/b/clip.mp4"), 0, 0, 0))
}

func TestNewMatch(t *testing.T) {
	m := NewMatch(FrameRecord{ID: "a"}, 0.25)
	assert.InDelta(t, 0.75, m.Similarity, 1e-9)
	assert.InDelta(t, 0.25, m.Distance, 1e-9)
}

func TestFilterMatches(t *testing.T) {
	scene := 1
	rec := FrameRecord{VideoName: "cat.mp4", SceneIdx: 1}

	assert.True(t, Filter{}.Matches(rec))
	assert.True(t, Filter{VideoName: "cat.mp4"}.Matches(rec))
	assert.False(t, Filter{VideoName: "dog.mp4"}.Matches(rec))
	assert.True(t, Filter{SceneIdx: &scene}.Matches(rec))

	other := 0
	assert.False(t, Filter{VideoName: "cat.mp4", SceneIdx: &other}.Matches(rec))
}
