// Package providers implements embed.Provider backends, grounded in the
// teacher's internal/memory/embeddings/openai package.
package providers

import (
	"context"
	"strings"

	"github.com/conclave-run/conclave/internal/errs"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI embeddings backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIEmbedder implements embed.Provider against OpenAI's embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder builds an OpenAI-backed embed.Provider.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errs.New(errs.KindFatal, "openai embeddings: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{client: openai.NewClientWithConfig(clientCfg), model: cfg.Model}, nil
}

func (p *OpenAIEmbedder) Name() string { return "openai" }

func (p *OpenAIEmbedder) Dimension() int {
	switch p.model {
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

func (p *OpenAIEmbedder) MaxBatchSize() int { return 2048 }

func (p *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errs.New(errs.KindTransient, "openai embeddings: no embedding returned")
	}
	return out[0], nil
}

func (p *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err)
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}
