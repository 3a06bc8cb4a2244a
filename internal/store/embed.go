package store

import (
	"context"

	"golang.org/x/time/rate"
)

// Embedder turns texts into fixed-length vectors. Implementations are
// external collaborators (OpenAI-compatible APIs, local models); the
// store only depends on this interface.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// rateLimitedEmbedder wraps an Embedder with a token-bucket limiter so
// batch saves and query embedding share one request budget.
type rateLimitedEmbedder struct {
	inner   Embedder
	limiter *rate.Limiter
}

// RateLimited wraps e with a requests-per-minute limit. rpm <= 0
// returns e unchanged (unlimited).
func RateLimited(e Embedder, rpm int) Embedder {
	if e == nil || rpm <= 0 {
		return e
	}
	return &rateLimitedEmbedder{
		inner:   e,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}
}

func (r *rateLimitedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, texts)
}
