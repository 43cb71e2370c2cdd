package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProvider_Embed(t *testing.T) {
	var got embeddingsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		// Out of order on purpose; the provider sorts by index.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/v1/", "sk-test", "text-embed", 2, time.Second)
	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)

	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, vecs)
	assert.Equal(t, "text-embed", got.Model)
	assert.Equal(t, []string{"a", "b"}, got.Input)
	assert.Equal(t, 2, got.Dimensions)
	assert.Equal(t, "http:text-embed", p.Name())
}

func TestHTTPProvider_StatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		class  Class
		msg    string
	}{
		{"bad request", 400, `{"error":{"message":"input too long"}}`, Fatal, "input too long"},
		{"unauthorized", 401, ``, Fatal, "authentication failed"},
		{"rate limited", 429, ``, Retryable, "rate limited"},
		{"server error", 500, `oops`, Retryable, "oops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewHTTPProvider(srv.URL, "", "m", 2, time.Second)
			_, err := p.Embed(context.Background(), []string{"a"})
			require.Error(t, err)

			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Contains(t, pe.Message, tt.msg)
			assert.Equal(t, tt.class, Classify(err))
		})
	}
}

func TestHTTPProvider_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", "m", 2, time.Second)
	_, err := p.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 1 embeddings for 2 inputs")
}

func TestHTTPProvider_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewHTTPProvider(srv.URL, "", "m", 2, 50*time.Millisecond)
	_, err := p.Embed(context.Background(), []string{"a"})
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Zero(t, pe.StatusCode)
	assert.Equal(t, Retryable, Classify(err))
}

func TestHTTPProvider_EmptyInput(t *testing.T) {
	p := NewHTTPProvider("http://127.0.0.1:1", "", "m", 2, time.Second)
	vecs, err := p.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}
