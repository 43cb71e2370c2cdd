// Package embedding defines the embedding provider contract and the
// embed_nodes backfill job that attaches vectors to memory nodes.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// Provider computes embeddings. Implementations must return one vector of
// length Dim() per input text, in input order.
type Provider interface {
	// Name identifies the provider and model, e.g. "openai:text-embedding-3-small".
	// It is persisted with every vector.
	Name() string
	Dim() int
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// ProviderError is a failed provider call with its HTTP status.
// StatusCode is 0 when no response was received.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// VectorError reports a provider response that cannot be persisted: a
// wrong count, a wrong dimension or a non-finite component.
type VectorError struct {
	Index  int // -1 when the whole response is wrong
	Reason string
}

func (e *VectorError) Error() string {
	if e.Index < 0 {
		return "invalid vectors: " + e.Reason
	}
	return fmt.Sprintf("invalid vector %d: %s", e.Index, e.Reason)
}

// Class is the retry classification of a provider failure.
type Class int

const (
	// Retryable failures may self-heal: 5xx, 429, network errors, timeouts.
	Retryable Class = iota
	// Fatal failures will not: 4xx other than 429, malformed vectors.
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

// Classify decides whether err is worth retrying. Network errors, timeouts
// and anything unrecognized are retryable; the outbox attempt budget
// bounds them.
func Classify(err error) Class {
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == 429:
			return Retryable
		case pe.StatusCode >= 400 && pe.StatusCode < 500:
			return Fatal
		default:
			return Retryable
		}
	}

	var ve *VectorError
	if errors.As(err, &ve) {
		return Fatal
	}

	return Retryable
}
