package llm_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/omnibridge/omnibridge/internal/config"
	"github.com/omnibridge/omnibridge/internal/llm"
	"github.com/omnibridge/omnibridge/pkg/models"
)

func testConfig(endpoint string) config.LMConfig {
	return config.LMConfig{
		APIKey:      "test-key",
		Endpoint:    endpoint,
		Model:       "claude-3-5-haiku-20241022",
		MaxTokens:   1024,
		PriceInput:  0.80,
		PriceOutput: 4.00,
		PriceCached: 0.08,
	}
}

func testView() *models.AllowedTools {
	return models.NewAllowedTools("alice@x", []models.Tool{
		{Name: "get_database_health", MCP: "database_mcp", Description: "Check database health"},
		{Name: "list_available_databases", MCP: "database_mcp"},
	})
}

// respond writes a canned messages-API response.
func respond(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

func TestInvoke_FinalText(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = json.Marshal(readBody(r))
		respond(w, `{
			"id": "msg_1",
			"stop_reason": "end_turn",
			"content": [{"type": "text", "text": "All good."}],
			"usage": {"input_tokens": 120, "output_tokens": 15, "cache_read_input_tokens": 80}
		}`)
	}))
	defer srv.Close()

	c := llm.New(testConfig(srv.URL))
	view := testView()
	system := c.BuildSystemBlock(view, models.User{Email: "alice@x", Role: "dba"})

	resp, err := c.Invoke(context.Background(), system,
		[]llm.Message{llm.TextMessage(models.RoleUser, "Is the DB ok?")}, view.Tools)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if !resp.Final() {
		t.Fatal("Final() = false, want true")
	}
	if resp.Text != "All good." {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Usage.InputTokens != 120 || resp.Usage.OutputTokens != 15 || resp.Usage.CachedTokens != 80 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	// The request must declare qualified tool names and mark the system
	// block as one cacheable segment.
	body := string(captured)
	if !strings.Contains(body, `"database_mcp__get_database_health"`) {
		t.Error("request is missing the qualified tool declaration")
	}
	if !strings.Contains(body, `"cache_control":{"type":"ephemeral"}`) {
		t.Error("system block is not marked cacheable")
	}
}

func TestInvoke_ToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{
			"id": "msg_2",
			"stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "database_mcp__get_database_health",
				 "input": {"database": "db1"}}
			],
			"usage": {"input_tokens": 200, "output_tokens": 40}
		}`)
	}))
	defer srv.Close()

	c := llm.New(testConfig(srv.URL))
	resp, err := c.Invoke(context.Background(), llm.SystemBlock{},
		[]llm.Message{llm.TextMessage(models.RoleUser, "check db1")}, testView().Tools)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if resp.Final() {
		t.Fatal("Final() = true for a tool_use response")
	}
	if len(resp.ToolRequests) != 1 {
		t.Fatalf("got %d tool requests, want 1", len(resp.ToolRequests))
	}
	req := resp.ToolRequests[0]
	if req.ID != "toolu_1" || req.Name != "database_mcp__get_database_health" {
		t.Errorf("ToolRequest = %+v", req)
	}
	if req.Arguments["database"] != "db1" {
		t.Errorf("Arguments = %v", req.Arguments)
	}

	// The assistant message replayed next iteration carries both blocks.
	if len(resp.Assistant.Content) != 2 {
		t.Errorf("Assistant has %d blocks, want 2", len(resp.Assistant.Content))
	}
}

func TestInvoke_RetriesTransientFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		respond(w, `{
			"stop_reason": "end_turn",
			"content": [{"type": "text", "text": "recovered"}],
			"usage": {"input_tokens": 10, "output_tokens": 2}
		}`)
	}))
	defer srv.Close()

	c := llm.New(testConfig(srv.URL))
	resp, err := c.Invoke(context.Background(), llm.SystemBlock{},
		[]llm.Message{llm.TextMessage(models.RoleUser, "hi")}, nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v, want recovery on retry", err)
	}
	if resp.Text != "recovered" {
		t.Errorf("Text = %q", resp.Text)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestInvoke_DoesNotRetryClientError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "bad request"}}`))
	}))
	defer srv.Close()

	c := llm.New(testConfig(srv.URL))
	_, err := c.Invoke(context.Background(), llm.SystemBlock{},
		[]llm.Message{llm.TextMessage(models.RoleUser, "hi")}, nil)
	if err == nil {
		t.Fatal("Invoke() succeeded, want error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (client errors are not retried)", attempts)
	}
}

func TestCost(t *testing.T) {
	c := llm.New(testConfig("http://unused"))

	// 1M input + 1M output + 1M cached at the default prices.
	got := c.Cost(models.TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000, CachedTokens: 1_000_000})
	want := 0.80 + 4.00 + 0.08
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Cost() = %f, want %f", got, want)
	}

	if got := c.Cost(models.TokenUsage{}); got != 0 {
		t.Errorf("Cost(zero) = %f, want 0", got)
	}
}

func TestBuildSystemBlock_Deterministic(t *testing.T) {
	c := llm.New(testConfig("http://unused"))
	view := testView()
	user := models.User{Email: "alice@x", Role: "dba"}

	a := c.BuildSystemBlock(view, user).Fingerprint()
	b := c.BuildSystemBlock(view, user).Fingerprint()
	if a != b {
		t.Error("BuildSystemBlock() is not deterministic across calls")
	}
}

// readBody decodes the JSON request body into a generic map.
func readBody(r *http.Request) map[string]any {
	var m map[string]any
	json.NewDecoder(r.Body).Decode(&m)
	return m
}
