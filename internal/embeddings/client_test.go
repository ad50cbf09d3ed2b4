package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{
			name:     "identical",
			a:        []float32{1, 0, 0},
			b:        []float32{1, 0, 0},
			expected: 1.0,
		},
		{
			name:     "orthogonal",
			a:        []float32{1, 0},
			b:        []float32{0, 1},
			expected: 0.0,
		},
		{
			name:     "opposite",
			a:        []float32{1, 1},
			b:        []float32{-1, -1},
			expected: -1.0,
		},
		{
			name:     "mismatched length",
			a:        []float32{1},
			b:        []float32{1, 2},
			expected: 0.0,
		},
		{
			name:     "zero vector",
			a:        []float32{0, 0},
			b:        []float32{1, 1},
			expected: 0.0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(float64(got-tc.expected)) > 0.0001 {
				t.Errorf("got %f, want %f", got, tc.expected)
			}
		})
	}
}

func TestTopK(t *testing.T) {
	query := []float32{1, 0, 0}
	vectors := [][]float32{
		{0, 1, 0},     // orthogonal, sim = 0
		{1, 0, 0},     // identical, sim = 1
		{-1, 0, 0},    // opposite, sim = -1
		{0.7, 0.7, 0}, // similar, sim ≈ 0.707
	}

	top2 := TopK(query, vectors, 2)
	if len(top2) != 2 {
		t.Fatalf("expected 2 results, got %d", len(top2))
	}
	if top2[0] != 1 {
		t.Errorf("expected index 1 (identical) first, got %d", top2[0])
	}
	if top2[1] != 3 {
		t.Errorf("expected index 3 (similar) second, got %d", top2[1])
	}
}

func TestTopK_KLargerThanInput(t *testing.T) {
	got := TopK([]float32{1}, [][]float32{{1}, {0.5}}, 10)
	if len(got) != 2 {
		t.Errorf("expected all 2 indices, got %d", len(got))
	}
}

// embedServer fakes the Ollama batch embed endpoint, returning a
// distinct vector per input so order can be verified.
func embedServer(t *testing.T, maxBatch *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if maxBatch != nil && len(req.Input) > *maxBatch {
			*maxBatch = len(req.Input)
		}
		vecs := make([][]float32, len(req.Input))
		for i, text := range req.Input {
			vecs[i] = []float32{float32(len(text)), 1}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": vecs})
	}))
}

func TestEmbed_PreservesOrder(t *testing.T) {
	srv := embedServer(t, nil)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Model: "nomic-embed-text"})
	texts := []string{"a", "bb", "ccc", "dddd"}

	vecs, err := c.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vecs))
	}
	for i, text := range texts {
		if vecs[i][0] != float32(len(text)) {
			t.Errorf("vector %d out of order: got length marker %f, want %d", i, vecs[i][0], len(text))
		}
	}
}

func TestEmbed_BatchesRequests(t *testing.T) {
	observed := 0
	srv := embedServer(t, &observed)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, BatchSize: 2})
	texts := []string{"one", "two", "three", "four", "five"}

	vecs, err := c.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(vecs) != 5 {
		t.Fatalf("expected 5 vectors, got %d", len(vecs))
	}
	if observed > 2 {
		t.Errorf("batch size exceeded: observed %d texts in one request", observed)
	}
}

func TestEmbed_Empty(t *testing.T) {
	c := New(Config{BaseURL: "http://unused"})
	vecs, err := c.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed(nil) error: %v", err)
	}
	if len(vecs) != 0 {
		t.Errorf("expected no vectors, got %d", len(vecs))
	}
}

func TestGenerate(t *testing.T) {
	srv := embedServer(t, nil)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	vec, err := c.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if len(vec) != 2 || vec[0] != 5 {
		t.Errorf("unexpected vector: %v", vec)
	}
}

func TestEmbed_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{1}}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Embed(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("expected error on count mismatch")
	}
}
