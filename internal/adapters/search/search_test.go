package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/ports"
)

func TestSearxNG_Search_ParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query":"go","results":[{"title":"Go","url":"https://go.dev","content":"lang","score":0.9}]}`))
	}))
	defer srv.Close()

	provider := NewSearxNG(srv.URL)
	resp, err := provider.Search(context.Background(), "go", 5)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "https://go.dev", resp.Results[0].URL)
	assert.Equal(t, 0.9, resp.Results[0].Score)
}

func TestSearxNG_Search_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	provider := NewSearxNG(srv.URL)
	_, err := provider.Search(context.Background(), "go", 5)
	assert.Error(t, err)
}

func TestBrave_Search_SetsSubscriptionHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-key", r.Header.Get("X-Subscription-Token"))
		w.Write([]byte(`{"web":{"results":[{"title":"A","url":"https://a.example","description":"d"}]}}`))
	}))
	defer srv.Close()

	b := NewBrave("secret-key")
	b.baseURL = srv.URL
	b.httpClient = srv.Client()

	resp, err := b.Search(context.Background(), "go", 5)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "https://a.example", resp.Results[0].URL)
}

type fakeProvider struct {
	resp *ports.SearchResponse
	err  error
}

func (f *fakeProvider) Search(ctx context.Context, query string, maxResults int) (*ports.SearchResponse, error) {
	return f.resp, f.err
}

func TestFallback_UsesFirstSuccessfulProvider(t *testing.T) {
	failing := &fakeProvider{err: errors.New("down")}
	ok := &fakeProvider{resp: &ports.SearchResponse{Query: "q", TotalResults: 1}}

	fb := NewFallback(failing, ok)
	resp, err := fb.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalResults)
}

func TestFallback_AllFail(t *testing.T) {
	fb := NewFallback(&fakeProvider{err: errors.New("a")}, &fakeProvider{err: errors.New("b")})
	_, err := fb.Search(context.Background(), "q", 5)
	assert.Error(t, err)
}

func TestFallback_SkipsNilProviders(t *testing.T) {
	ok := &fakeProvider{resp: &ports.SearchResponse{Query: "q"}}
	fb := NewFallback(nil, ok)
	_, err := fb.Search(context.Background(), "q", 5)
	assert.NoError(t, err)
}
