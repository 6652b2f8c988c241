package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
)

// echoServer answers every /embeddings call with one vector of the given size
// per input.
func echoServer(size int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req apiRequest
		json.NewDecoder(r.Body).Decode(&req)
		var resp apiResponse
		for i := range req.Input {
			resp.Data = append(resp.Data, apiEmbeddingData{Index: i, Embedding: make([]float32, size)})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestAPIProviderLearnsDimension(t *testing.T) {
	srv := echoServer(3)
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "m", Dimension: 256}, srv.Client())
	if d := p.Dimension(); d != 256 {
		t.Fatalf("before first call: got %d, want configured 256", d)
	}
	vecs, err := p.Embed(context.Background(), []string{"revenue grew", "margins fell"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 || len(vecs[1]) != 3 {
		t.Fatalf("got %d vectors, want 2 of size 3", len(vecs))
	}
	if d := p.Dimension(); d != 3 {
		t.Fatalf("after first call: got %d, want 3", d)
	}
}

func TestEmbedNothingSkipsNetwork(t *testing.T) {
	for _, p := range []Provider{
		NewAPIProvider(Config{Endpoint: "http://127.0.0.1:1", Model: "m"}, nil),
		NewLocalProvider(Config{Endpoint: "http://127.0.0.1:1", Model: "m"}, nil),
	} {
		vecs, err := p.Embed(context.Background(), nil)
		if err != nil || vecs != nil {
			t.Errorf("%T: got %v, %v, want nil, nil", p, vecs, err)
		}
	}
}

func TestAPIProviderEmbed_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "m"}, srv.Client())
	_, err := p.Embed(context.Background(), []string{"x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !remote.IsTransient(err) {
		t.Errorf("429 should be transient, got %v", err)
	}
}

func TestAPIProviderEmbed_OrderAndBatches(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// Answer in reverse order; the first element of each vector echoes the input length.
		var resp apiResponse
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, apiEmbeddingData{Index: i, Embedding: []float32{float32(len(req.Input[i])), 1}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	texts := make([]string, maxBatch+3)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "m"}, srv.Client())
	vectors, err := p.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requests != 2 {
		t.Fatalf("got %d requests, want 2", requests)
	}
	for i, v := range vectors {
		if int(v[0]) != i+1 {
			t.Fatalf("vector %d belongs to input %d", i, int(v[0])-1)
		}
	}
}

func TestAPIProviderEmbed_DimensionChange(t *testing.T) {
	size := 3
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Data: []apiEmbeddingData{{Embedding: make([]float32, size)}}})
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "m", Dimension: 8}, srv.Client())
	if _, err := p.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatal(err)
	}
	size = 4
	_, err := p.Embed(context.Background(), []string{"b"})
	if err == nil {
		t.Fatal("expected error for a vector of another size")
	}
	if remote.IsTransient(err) {
		t.Errorf("dimension change should be permanent, got %v", err)
	}
	if p.Dimension() != 3 {
		t.Errorf("got dimension %d, want 3", p.Dimension())
	}
}

func TestLocalProviderEmbed(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(localResponse{Embedding: []float32{1, 0}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewLocalProvider(Config{Endpoint: srv.URL, Model: "nomic"}, nil)
	vectors, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 || calls != 2 {
		t.Fatalf("got %d vectors over %d calls, want 2 and 2", len(vectors), calls)
	}
	if p.Dimension() != 2 {
		t.Errorf("got dimension %d, want 2", p.Dimension())
	}
}

func TestNew(t *testing.T) {
	if New(Config{}, nil) != nil {
		t.Error("empty provider should disable embeddings")
	}
	if _, ok := New(Config{Provider: "api"}, nil).(*APIProvider); !ok {
		t.Error("want APIProvider")
	}
	if _, ok := New(Config{Provider: "local"}, nil).(*LocalProvider); !ok {
		t.Error("want LocalProvider")
	}
}
