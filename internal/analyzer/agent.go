package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agent-api/core/pkg/agent"
	"github.com/agent-api/core/types"
	"github.com/agent-api/ollama"
)

const captionPrompt = "Describe what is happening in this frame in one or two sentences. Name the people, objects and actions shown."

// Captioner describes a frame in words.
type Captioner interface {
	Caption(ctx context.Context, imagePath string) (string, error)
}

// CaptionConfig points at an Ollama server hosting a vision model.
type CaptionConfig struct {
	BaseURL string
	Port    int
	Model   string
}

// AgentCaptioner captions frames with a vision agent.
type AgentCaptioner struct {
	agent *agent.DefaultAgent
}

// NewAgentCaptioner initializes a vision agent backed by Ollama.
func NewAgentCaptioner(ctx context.Context, cfg CaptionConfig, logger *slog.Logger) (*AgentCaptioner, error) {
	// Check if Ollama is running
	if err := pingOllama(ctx, cfg); err != nil {
		return nil, err
	}

	// Set up Ollama provider
	opts := &ollama.ProviderOpts{
		Logger:  logger,
		BaseURL: cfg.BaseURL,
		Port:    cfg.Port,
	}
	provider := ollama.NewProvider(opts)

	model := &types.Model{
		ID: cfg.Model,
	}
	provider.UseModel(ctx, model)

	// Create agent configuration
	agentConf := &agent.NewAgentConfig{
		Provider:     provider,
		Logger:       logger,
		SystemPrompt: "You are a visual analysis assistant that writes short, literal captions for video frames.",
	}

	return &AgentCaptioner{agent: agent.NewAgent(agentConf)}, nil
}

// Caption implements Captioner.
func (c *AgentCaptioner) Caption(ctx context.Context, imagePath string) (string, error) {
	response := c.agent.Run(
		ctx,
		agent.WithInput(captionPrompt),
		agent.WithImagePath(imagePath),
	)
	if response.Err != nil {
		return "", response.Err
	}

	// Extract the actual response content
	if len(response.Messages) == 0 {
		return "", fmt.Errorf("no response messages received from model")
	}

	// Get the model's response (not the prompt)
	return strings.TrimSpace(response.Messages[len(response.Messages)-1].Content), nil
}

func pingOllama(ctx context.Context, cfg CaptionConfig) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s:%d/api/tags", strings.TrimRight(cfg.BaseURL, "/"), cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build ollama request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama is not reachable at %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned %s", resp.Status)
	}
	return nil
}
