package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/querymeter/gateway/internal/config"
)

func testClient(baseURL string, timeout time.Duration) *Client {
	return NewClient(config.ProviderConfig{
		BaseURL:     baseURL,
		APIKey:      "test-provider-key",
		CallTimeout: timeout,
	}, "tenant-a", zap.NewNop())
}

func TestSearchSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/semantic-search" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-provider-key" {
			t.Errorf("unexpected Authorization header %q", got)
		}

		var req struct {
			Query     string `json:"query"`
			Principal string `json:"principal"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Query != "what is metering" {
			t.Errorf("unexpected query %q", req.Query)
		}
		if req.Principal != "tenant-a" {
			t.Errorf("unexpected principal %q", req.Principal)
		}

		json.NewEncoder(w).Encode(map[string]string{"answer": "counting paid calls"})
	}))
	defer server.Close()

	client := testClient(server.URL, time.Second)
	if client.Identity() != "tenant-a" {
		t.Errorf("handle bound to wrong identity %q", client.Identity())
	}

	answer, err := client.Search(context.Background(), "what is metering")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "counting paid calls" {
		t.Errorf("unexpected answer %q", answer)
	}
}

func TestSearchNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := testClient(server.URL, time.Second).Search(context.Background(), "q")
	if err == nil {
		t.Fatal("expected an error for a 503 response")
	}
}

func TestSearchProviderErrorField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "index unavailable"})
	}))
	defer server.Close()

	_, err := testClient(server.URL, time.Second).Search(context.Background(), "q")
	if err == nil {
		t.Fatal("expected an error when the provider reports one")
	}
}

func TestSearchTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	start := time.Now()
	_, err := testClient(server.URL, 50*time.Millisecond).Search(context.Background(), "q")
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestSearchContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background connection
		// read; without it the client disconnect is never noticed and
		// r.Context() never fires, deadlocking server.Close.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := testClient(server.URL, 5*time.Second).Search(ctx, "q")
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
}
