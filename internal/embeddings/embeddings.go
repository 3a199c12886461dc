package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/bdougie/framesearch/internal/metrics"
	"github.com/bdougie/framesearch/internal/models"
)

// Modality tells the embedder what kind of input it receives.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

// Input is a single piece of content to embed.
type Input struct {
	Modality Modality
	Text     string
	Image    []byte
}

// TextInput wraps a text query.
func TextInput(text string) Input { return Input{Modality: ModalityText, Text: text} }

// ImageInput wraps JPEG bytes.
func ImageInput(jpeg []byte) Input { return Input{Modality: ModalityImage, Image: jpeg} }

// Key identifies the input for caching.
func (in Input) Key(model string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(in.Modality))
	h.Write([]byte{0})
	if in.Modality == ModalityImage {
		h.Write(in.Image)
	} else {
		h.Write([]byte(in.Text))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Result represents the result of embedding generation
type Result struct {
	Input     Input
	Embedding []float32
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	ctx    context.Context
	Input  Input
	Result chan<- Result
}

// Options configures a Service.
type Options struct {
	Workers           int
	QueueSize         int
	Model             string
	Cache             Cache
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// Service manages embedding generation and caching
type Service struct {
	embedder   Embedder
	model      string
	numWorkers int
	workQueue  chan Work
	memo       sync.Map // Thread-safe map for caching embeddings
	cache      Cache
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewService creates a new embedding service with the specified number of workers
func NewService(embedder Embedder, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 4 // Default to 4 workers if not specified
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Service{
		embedder:   embedder,
		model:      opts.Model,
		numWorkers: opts.Workers,
		workQueue:  make(chan Work, opts.QueueSize),
		cache:      opts.Cache,
		logger:     opts.Logger,
	}
	if opts.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	// Start embedding workers
	s.startWorkers()

	return s
}

// startWorkers starts a pool of goroutines for generating embeddings
func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				embedding, err := s.process(work.ctx, work.Input)
				work.Result <- Result{
					Input:     work.Input,
					Embedding: embedding,
					Error:     err,
				}
			}
		}()
	}
}

func (s *Service) process(ctx context.Context, in Input) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := in.Key(s.model)

	// Check cache first
	if cached, ok := s.memo.Load(key); ok {
		metrics.EmbeddingCacheTotal.WithLabelValues("hit").Inc()
		return cached.([]float32), nil
	}
	if s.cache != nil {
		if vec, ok := s.cache.Get(ctx, key); ok {
			metrics.EmbeddingCacheTotal.WithLabelValues("hit").Inc()
			s.memo.Store(key, vec)
			return vec, nil
		}
	}
	metrics.EmbeddingCacheTotal.WithLabelValues("miss").Inc()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	metrics.ActiveWorkers.Inc()
	vec, err := s.generate(ctx, in)
	metrics.ActiveWorkers.Dec()
	if err != nil {
		return nil, err
	}

	// Cache the successful result
	s.memo.Store(key, vec)
	if s.cache != nil {
		if err := s.cache.Put(ctx, key, vec); err != nil {
			s.logger.Warn("failed to cache embedding", "error", err)
		}
	}
	return vec, nil
}

func (s *Service) generate(ctx context.Context, in Input) ([]float32, error) {
	switch in.Modality {
	case ModalityImage:
		return s.embedder.EmbedImage(ctx, in.Image)
	case ModalityText:
		return s.embedder.EmbedText(ctx, in.Text)
	default:
		return nil, fmt.Errorf("unknown modality %q", in.Modality)
	}
}

// Submit requests an embedding asynchronously. It never blocks: when the
// queue is full the returned channel carries ErrQueueFull.
func (s *Service) Submit(ctx context.Context, in Input) <-chan Result {
	resultChan := make(chan Result, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		resultChan <- Result{Input: in, Error: fmt.Errorf("embedding service closed")}
		return resultChan
	}

	select {
	case s.workQueue <- Work{ctx: ctx, Input: in, Result: resultChan}:
	default:
		resultChan <- Result{Input: in, Error: models.ErrQueueFull}
	}

	return resultChan
}

// Embed queues the input, waiting for room if needed, and returns its embedding.
func (s *Service) Embed(ctx context.Context, in Input) ([]float32, error) {
	resultChan := make(chan Result, 1)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("embedding service closed")
	}
	select {
	case s.workQueue <- Work{ctx: ctx, Input: in, Result: resultChan}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case res := <-resultChan:
		return res.Embedding, res.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EmbedText embeds a text query.
func (s *Service) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return s.Embed(ctx, TextInput(text))
}

// EmbedImage embeds JPEG bytes.
func (s *Service) EmbedImage(ctx context.Context, jpeg []byte) ([]float32, error) {
	return s.Embed(ctx, ImageInput(jpeg))
}

// Close shuts down the embedding service and waits for all workers to finish
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.workQueue)
	s.mu.Unlock()

	s.wg.Wait() // Wait for all workers to finish
}
