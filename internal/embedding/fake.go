package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// FakeProvider is a deterministic embedder for tests and local runs. The
// same text always yields the same unit vector.
//
// Thread-safety: safe for concurrent use.
type FakeProvider struct {
	dim int

	mu    sync.Mutex
	calls int
	errs  []error
}

// NewFakeProvider creates a fake with dim dimensions (default 16).
func NewFakeProvider(dim int) *FakeProvider {
	if dim <= 0 {
		dim = 16
	}
	return &FakeProvider{dim: dim}
}

// Name returns "fake:hash-v1".
func (f *FakeProvider) Name() string { return "fake:hash-v1" }

// Dim returns the vector dimension.
func (f *FakeProvider) Dim() int { return f.dim }

// FailWith queues errors returned by the next Embed calls, one per call.
func (f *FakeProvider) FailWith(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

// Calls returns the number of Embed calls so far.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Embed returns one hashed vector per text.
func (f *FakeProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	f.mu.Lock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, f.dim)
	}
	return out, nil
}

// hashVector seeds an LCG with the FNV-1a hash of text and normalizes the
// result to unit length.
func hashVector(text string, dim int) []float64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float64, dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / float64(math.MaxInt64)
		vec[i] = v
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
