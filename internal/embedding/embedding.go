package embedding

import "context"

// Provider turns text into vectors. Implementations return one vector per
// input, in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
}
