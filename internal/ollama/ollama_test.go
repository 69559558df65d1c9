package ollama

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newLocalHTTPServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot bind local test listener: %v", err)
	}

	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = ln
	srv.Start()
	return srv
}

func TestGenerate_Success(t *testing.T) {
	srv := newLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}

		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-model" {
			t.Errorf("expected model test-model, got %s", req.Model)
		}
		if req.Format != "" {
			t.Errorf("expected no format for Generate, got %q", req.Format)
		}
		if req.Stream {
			t.Error("expected stream=false")
		}

		json.NewEncoder(w).Encode(generateResponse{
			Response: "  The answer is 42.  ",
		})
	}))
	defer srv.Close()

	c := NewClientWithURL(srv.URL)
	answer, err := c.Generate("test-model", "What is the answer?")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if answer != "The answer is 42." {
		t.Errorf("expected trimmed answer, got %q", answer)
	}
}

// TestGenerateJSON_SetsFormatField reproduces the request shape
// knowledge.requestTagSuggestions and synthesize rely on to get a
// JSON-parseable completion back from Ollama.
func TestGenerateJSON_SetsFormatField(t *testing.T) {
	srv := newLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Format != "json" {
			t.Errorf("expected format=json, got %q", req.Format)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: `{"tags":[{"tag":"coffee","confidence":0.9}]}`})
	}))
	defer srv.Close()

	c := NewClientWithURL(srv.URL)
	raw, err := c.GenerateJSON("test-model", "suggest tags")
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	if raw != `{"tags":[{"tag":"coffee","confidence":0.9}]}` {
		t.Errorf("unexpected response: %q", raw)
	}
}

func TestGenerate_Error(t *testing.T) {
	srv := newLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("model not loaded"))
	}))
	defer srv.Close()

	c := NewClientWithURL(srv.URL)
	_, err := c.Generate("test-model", "hello")
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !contains(err.Error(), "500") {
		t.Errorf("expected error to mention 500, got: %s", err.Error())
	}
}

func TestGenerate_ConnectionRefused(t *testing.T) {
	c := NewClientWithURL("http://localhost:1") // port 1, should fail to connect
	_, err := c.Generate("test-model", "hello")
	if err == nil {
		t.Fatal("expected error for connection refused")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > 0 && containsHelper(s, substr))
}

func containsHelper(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
