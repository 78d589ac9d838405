package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomhq/fathom/internal/retry"
	"github.com/fathomhq/fathom/internal/sources"
)

func TestNewGroundingClientValidation(t *testing.T) {
	_, err := NewGroundingClient(Config{APIKey: "k"}, nil)
	require.Error(t, err)

	_, err = NewGroundingClient(Config{BaseURL: "https://example.com"}, nil)
	require.Error(t, err)
}

func TestSearchMapsResults(t *testing.T) {
	var gotReq searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "Equasis", "url": "https://www.equasis.org/ship/1", "content": "registry record", "score": 0.9},
				{"title": "no url", "content": "dropped"},
				{"title": "News", "url": "https://gcaptain.com/a", "content": "report", "score": 0.4},
			},
		})
	}))
	defer srv.Close()

	c, err := NewGroundingClient(Config{BaseURL: srv.URL, APIKey: "k", MaxResults: 5}, nil)
	require.NoError(t, err)

	got, err := c.Search(context.Background(), "Ever Given", "container ship")
	require.NoError(t, err)

	assert.Equal(t, "Ever Given", gotReq.Query)
	assert.Equal(t, "container ship", gotReq.Context)
	assert.Equal(t, 5, gotReq.MaxResults)

	require.Len(t, got, 2, "results without a URL are dropped")
	assert.Equal(t, "https://www.equasis.org/ship/1", got[0].URL)
	assert.Equal(t, 0.9, got[0].IntelScore)
}

func TestSearchTransientStatuses(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		c, err := NewGroundingClient(Config{BaseURL: srv.URL, APIKey: "k"}, nil)
		require.NoError(t, err)

		_, err = c.Search(context.Background(), "q", "")
		require.Error(t, err)
		assert.True(t, retry.IsTransient(err), "status %d must be retryable", status)
		srv.Close()
	}
}

func TestSearchPermanentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewGroundingClient(Config{BaseURL: srv.URL, APIKey: "bad"}, nil)
	require.NoError(t, err)

	_, err = c.Search(context.Background(), "q", "")
	require.Error(t, err)
	assert.False(t, retry.IsTransient(err), "auth failures must not be retried")
}

func TestFuncAdapter(t *testing.T) {
	var gotQuery string
	var p Provider = Func(func(_ context.Context, q, _ string) ([]sources.Source, error) {
		gotQuery = q
		return []sources.Source{{URL: "https://example.com"}}, nil
	})

	got, err := p.Search(context.Background(), "adapter query", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "adapter query", gotQuery)
}
