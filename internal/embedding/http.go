package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// HTTPProvider calls an OpenAI-compatible /embeddings endpoint.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

// NewHTTPProvider creates a provider for baseURL (e.g.
// "https://api.openai.com/v1"). timeout bounds each request.
func NewHTTPProvider(baseURL, apiKey, model string, dim int, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns "http:<model>".
func (p *HTTPProvider) Name() string { return "http:" + p.model }

// Dim returns the configured dimension.
func (p *HTTPProvider) Dim() int { return p.dim }

type embeddingsRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed posts texts in one request and returns vectors in input order.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}
	body, err := json.Marshal(embeddingsRequest{Model: p.model, Input: texts, Dimensions: p.dim})
	if err != nil {
		return nil, fmt.Errorf("encode embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: friendlyNetworkError(err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: "read body: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Message:    parseErrorBody(resp.StatusCode, respBody),
		}
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ProviderError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	if len(parsed.Data) != len(texts) {
		return nil, &ProviderError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("got %d embeddings for %d inputs", len(parsed.Data), len(texts)),
		}
	}

	sort.SliceStable(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float64, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// parseErrorBody extracts a human-readable message from an error response.
func parseErrorBody(statusCode int, body []byte) string {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		msg := errResp.Error.Message
		if msg == "" {
			msg = errResp.Message
		}
		if msg != "" {
			return msg
		}
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return "authentication failed, check the API key"
	case http.StatusNotFound:
		return "model or endpoint not found"
	case http.StatusTooManyRequests:
		return "rate limited"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "provider temporarily unavailable"
	}

	s := string(body)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func friendlyNetworkError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection refused: " + msg
	case strings.Contains(msg, "Client.Timeout") || strings.Contains(msg, "deadline exceeded"):
		return "timeout: " + msg
	default:
		return msg
	}
}
