package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible provider client.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	CompletionModel string
	EmbeddingModel  string
	EmbeddingDim    int
	Timeout         time.Duration
}

// OpenAI implements Completer and Embedder over an OpenAI-compatible API.
type OpenAI struct {
	client          *openai.Client
	completionModel string
	embeddingModel  string
	embeddingDim    int
	timeout         time.Duration
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = 1536
	}
	return &OpenAI{
		client:          openai.NewClientWithConfig(clientCfg),
		completionModel: cfg.CompletionModel,
		embeddingModel:  cfg.EmbeddingModel,
		embeddingDim:    cfg.EmbeddingDim,
		timeout:         cfg.Timeout,
	}, nil
}

func (o *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	res, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.completionModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1,
		MaxTokens:   400,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", errors.New("chat completion: empty choices")
	}
	return strings.TrimSpace(res.Choices[0].Message.Content), nil
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	res, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(res.Data) == 0 {
		return nil, errors.New("create embeddings: empty response")
	}
	return res.Data[0].Embedding, nil
}

func (o *OpenAI) Dimensions() int {
	return o.embeddingDim
}
