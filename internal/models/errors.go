package models

import "errors"

var (
	// ErrVideoNotFound signals a missing video file.
	ErrVideoNotFound = errors.New("video file not found")
	// ErrVideoUnreadable signals a file ffprobe could not open.
	ErrVideoUnreadable = errors.New("could not open video file")
	// ErrNoFrames signals a video with no decodable frames.
	ErrNoFrames = errors.New("could not determine video frames")
	// ErrNoEmbeddings signals an ingest that produced nothing to store.
	ErrNoEmbeddings = errors.New("no embeddings generated from video")
	// ErrNotFound signals a missing frame record.
	ErrNotFound = errors.New("not found")
	// ErrDimensionMismatch signals an embedding of unexpected length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrEmbeddingProvider signals a failure of the embedding server.
	ErrEmbeddingProvider = errors.New("embedding provider error")
	// ErrToolMissing signals an external binary that is not installed.
	ErrToolMissing = errors.New("tool not found")
	// ErrQueueFull signals a saturated embedding queue.
	ErrQueueFull = errors.New("embedding queue is full, try again later")
)
