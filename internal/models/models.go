package models

import (
	"fmt"
	"time"
)

// WorkItem represents a sampled frame waiting to be embedded
type WorkItem struct {
	FramePath string
	FrameNum  int
	Total     int
	Record    FrameRecord
}

// FrameRecord is a sampled video frame together with its embedding.
type FrameRecord struct {
	ID          string    `json:"id"`
	VideoName   string    `json:"video_name"`
	VideoPath   string    `json:"video_path"`
	SceneIdx    int       `json:"scene_idx"`
	FrameIdx    int       `json:"frame_idx"`
	FrameSample int       `json:"frame_sample"`
	Timestamp   float64   `json:"timestamp"`
	ImagePath   string    `json:"image_path,omitempty"`
	Caption     string    `json:"caption,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FrameID builds the record id for a sample. The video name keeps ids from
// differently named videos apart. Only the base name is used, so videos with
// the same file name in different directories share ids and the later ingest
// overwrites the earlier one's records.
func FrameID(videoName string, sceneIdx, frameIdx, frameSample int) string {
	return fmt.Sprintf("%s_scene_%d_frame_%d_sample_%d", videoName, sceneIdx, frameIdx, frameSample)
}

// Match is a single search hit.
type Match struct {
	Record     FrameRecord `json:"record"`
	Distance   float64     `json:"distance"`
	Similarity float64     `json:"similarity"`
}

// NewMatch derives the similarity from a cosine distance.
func NewMatch(rec FrameRecord, distance float64) Match {
	return Match{Record: rec, Distance: distance, Similarity: 1 - distance}
}

// Filter narrows queries by metadata. Zero values match everything.
type Filter struct {
	VideoName string
	SceneIdx  *int
}

// Matches reports whether rec satisfies the filter.
func (f Filter) Matches(rec FrameRecord) bool {
	if f.VideoName != "" && rec.VideoName != f.VideoName {
		return false
	}
	if f.SceneIdx != nil && rec.SceneIdx != *f.SceneIdx {
		return false
	}
	return true
}

// CollectionInfo describes the current state of a collection.
type CollectionInfo struct {
	Name     string `json:"collection_name"`
	Total    int    `json:"total_embeddings"`
	Location string `json:"db_path"`
}

// VideoInfo holds the stream properties reported by ffprobe.
type VideoInfo struct {
	FPS        float64 `json:"fps"`
	FrameCount int     `json:"frame_count"`
	Duration   float64 `json:"duration"`
}

// Scene is a half-open range of frame numbers [Start, End).
type Scene struct {
	Start int
	End   int
}

// ProcessResult is the outcome of ingesting one video.
type ProcessResult struct {
	VideoPath       string         `json:"video_path"`
	Success         bool           `json:"success"`
	EmbeddingsCount int            `json:"embeddings_count"`
	Error           string         `json:"error,omitempty"`
	Info            CollectionInfo `json:"collection_info"`
}
