package embeddings

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/bdougie/framesearch/internal/metrics"
	"github.com/bdougie/framesearch/internal/models"
)

// Embedder turns text and images into vectors in a shared space.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, jpeg []byte) ([]float32, error)
}

// ClientConfig holds the embedding server settings.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
}

// Client talks to an OpenAI-compatible embeddings endpoint serving a CLIP
// model. Images travel as base64 data URLs in the input list, and every
// request names its modality since Infinity treats untagged input as text.
type Client struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// NewClient creates an embedding client.
func NewClient(cfg ClientConfig) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	return &Client{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return string(c.model)
}

// EmbedText implements Embedder.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, ModalityText, text)
}

// EmbedImage implements Embedder.
func (c *Client) EmbedImage(ctx context.Context, jpeg []byte) ([]float32, error) {
	return c.embed(ctx, ModalityImage, ImageDataURL(jpeg))
}

func (c *Client) embed(ctx context.Context, kind Modality, input string) ([]float32, error) {
	modality := string(kind)
	resp, err := c.client.CreateEmbeddings(ctx, embeddingRequest(c.model, kind, input))
	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues(modality, "error").Inc()
		return nil, parseAPIError(err)
	}
	if len(resp.Data) == 0 {
		metrics.EmbeddingRequestsTotal.WithLabelValues(modality, "error").Inc()
		return nil, fmt.Errorf("empty embedding response: %w", models.ErrEmbeddingProvider)
	}
	metrics.EmbeddingRequestsTotal.WithLabelValues(modality, "success").Inc()

	vec := resp.Data[0].Embedding
	if c.dimensions > 0 && len(vec) != c.dimensions {
		return nil, fmt.Errorf("got %d values, want %d: %w", len(vec), c.dimensions, models.ErrDimensionMismatch)
	}
	return Normalize(vec), nil
}

// embeddingRequest builds a single-input request. The modality rides in
// ExtraBody, which go-openai merges into the top level of the JSON body.
func embeddingRequest(model openai.EmbeddingModel, kind Modality, input string) openai.EmbeddingRequest {
	return openai.EmbeddingRequest{
		Input:          []string{input},
		Model:          model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
		ExtraBody:      map[string]any{"modality": string(kind)},
	}
}

// HealthCheck verifies the server answers the models endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// ImageDataURL encodes JPEG bytes as a data URL.
func ImageDataURL(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}

// Normalize scales v to unit length in place. Zero vectors are returned as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// parseAPIError keeps the server's message and wraps ErrEmbeddingProvider.
func parseAPIError(err error) error {
	wrap := models.ErrEmbeddingProvider

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if detail := extractDetail(reqErr.Body); detail != "" {
			return fmt.Errorf("embedding API error %d: %s: %w", reqErr.HTTPStatusCode, detail, wrap)
		}
		return fmt.Errorf("embedding API error %d: %s: %w", reqErr.HTTPStatusCode, string(reqErr.Body), wrap)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("embedding API error %d: %s: %w", apiErr.HTTPStatusCode, apiErr.Message, wrap)
	}

	return fmt.Errorf("embedding request failed: %v: %w", err, wrap)
}

func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
