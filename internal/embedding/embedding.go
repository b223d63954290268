// Package embedding wraps the OpenAI embeddings API behind a small
// client used by the corpus indexer and the scorer.
package embedding

import (
	"context"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"
)

// maxBatch is the largest number of inputs sent in one embeddings
// request.
const maxBatch = 256

// Embedder produces one vector per input text, order-preserving.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelID() string
}

// Client calls the OpenAI embeddings endpoint. Inputs larger than
// maxBatch are split into sequential requests; results keep input
// order.
type Client struct {
	api   *openai.Client
	model string
}

// New creates an embeddings client. baseURL may be empty for the
// default OpenAI endpoint; model may be empty for a sensible default.
func New(apiKey, baseURL, model string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &Client{api: openai.NewClientWithConfig(cfg), model: model}
}

// ModelID returns the embedding model identifier. It participates in
// the corpus cache key so switching models invalidates cached indexes.
func (c *Client) ModelID() string { return c.model }

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := start + maxBatch
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: batch,
			Model: openai.EmbeddingModel(c.model),
		})
		if err != nil {
			return nil, fmt.Errorf("create embeddings (batch at %d): %w", start, err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(resp.Data), len(batch))
		}
		for _, d := range resp.Data {
			out = append(out, d.Embedding)
		}
	}
	return out, nil
}

// Normalize scales v to unit L2 length in place and returns it. A
// zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Cosine returns the cosine similarity of a and b. Vectors of unequal
// length or zero magnitude score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
