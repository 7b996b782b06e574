// Package llm adapts the upstream Anthropic messages API for the agentic
// loop: it submits messages plus the user's tool catalog, returns either
// final text or structured tool requests, accounts tokens (including
// prompt-cache reads), and estimates cost.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omnibridge/omnibridge/internal/config"
	"github.com/omnibridge/omnibridge/pkg/models"
)

// anthropicVersion is the API version header value.
const anthropicVersion = "2023-06-01"

// maxAttempts bounds retries for one invocation; only transient failures
// (429, 5xx, network) are retried.
const maxAttempts = 3

// ── Request / response surface for the loop ──────────────────

// ContentBlock is one provider content block. A single struct covers the
// text, tool_use, and tool_result variants.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one provider-shaped conversation message.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a plain text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: "text", Text: text}}}
}

// ToolResultsMessage packs tool results into the user-role message the
// provider expects, preserving request order.
func ToolResultsMessage(results []models.ToolResult) Message {
	blocks := make([]ContentBlock, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, ContentBlock{
			Type:      "tool_result",
			ToolUseID: r.ID,
			Content:   r.Content,
			IsError:   r.IsError,
		})
	}
	return Message{Role: models.RoleUser, Content: blocks}
}

// SystemBlock is the opaque, cacheable system context for one request.
type SystemBlock struct {
	blocks []systemContent
}

type systemContent struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

// Fingerprint returns a stable hash of the system segment. Iterations of
// one request share a fingerprint, which is what makes the provider's
// prompt cache effective.
func (s SystemBlock) Fingerprint() string {
	h := sha256.New()
	for _, b := range s.blocks {
		h.Write([]byte(b.Text))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Response is the adapter's view of one LM invocation: either final text
// (no tool requests) or one or more tool requests, plus usage.
type Response struct {
	Text         string
	ToolRequests []models.ToolRequest
	StopReason   string
	Usage        models.TokenUsage

	// Raw assistant content, replayed verbatim on the next iteration.
	Assistant Message
}

// Final reports whether the response carries no tool requests.
func (r *Response) Final() bool { return len(r.ToolRequests) == 0 }

// ── Client ───────────────────────────────────────────────────

// Client is the Anthropic messages adapter.
type Client struct {
	cfg    config.LMConfig
	client *http.Client
}

// New creates an adapter from LM configuration.
func New(cfg config.LMConfig) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// BuildSystemBlock renders the Allowed-Tools View and user profile into a
// single system segment marked cacheable. The text is deterministic for a
// given view so repeated iterations of one request hash identically and
// bill mostly at the cached rate.
func (c *Client) BuildSystemBlock(view *models.AllowedTools, user models.User) SystemBlock {
	var b strings.Builder
	b.WriteString("You are OmniBridge, an assistant that answers questions by orchestrating tools hosted on MCP servers.\n")
	b.WriteString("Call tools when they help; answer directly when they do not. ")
	b.WriteString("When a tool result reports an error or a permission denial, adapt: try another tool or explain the limitation.\n\n")

	fmt.Fprintf(&b, "Requesting user: %s (role %s).\n", user.Email, user.Role)

	if len(view.Tools) == 0 {
		b.WriteString("No tools are available to this user.\n")
	} else {
		byMCP := make(map[string][]models.Tool)
		var order []string
		for _, t := range view.Tools {
			if _, seen := byMCP[t.MCP]; !seen {
				order = append(order, t.MCP)
			}
			byMCP[t.MCP] = append(byMCP[t.MCP], t)
		}
		sort.Strings(order)

		b.WriteString("Available tool servers:\n")
		for _, mcpName := range order {
			fmt.Fprintf(&b, "- %s (%d tools)\n", mcpName, len(byMCP[mcpName]))
		}
	}

	return SystemBlock{blocks: []systemContent{{
		Type:         "text",
		Text:         b.String(),
		CacheControl: &cacheControl{Type: "ephemeral"},
	}}}
}

// ── Wire types ───────────────────────────────────────────────

type toolDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type apiRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    []systemContent `json:"system,omitempty"`
	Messages  []Message       `json:"messages"`
	Tools     []toolDecl      `json:"tools,omitempty"`
}

type apiResponse struct {
	ID         string `json:"id"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	Usage struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// Invoke submits the system block, accumulated messages, and tool
// declarations, returning final text or tool requests.
func (c *Client) Invoke(ctx context.Context, system SystemBlock, messages []Message, tools []models.Tool) (*Response, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key not configured")
	}

	decls := make([]toolDecl, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		decls = append(decls, toolDecl{
			Name:        t.Qualified(),
			Description: t.Description,
			InputSchema: schema,
		})
	}

	body, err := json.Marshal(apiRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System:    system.blocks,
		Messages:  messages,
		Tools:     decls,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, retryable, err := c.post(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable || attempt == maxAttempts {
			break
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("LM invocation failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, lastErr
}

// post performs one HTTP round trip. retryable reports whether the failure
// is transient.
func (c *Client) post(ctx context.Context, body []byte) (_ *Response, retryable bool, _ error) {
	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		transient := httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500
		return nil, transient, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var api apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&api); err != nil {
		return nil, false, fmt.Errorf("anthropic: decode response: %w", err)
	}

	out := &Response{
		StopReason: api.StopReason,
		Usage: models.TokenUsage{
			InputTokens:  api.Usage.InputTokens,
			OutputTokens: api.Usage.OutputTokens,
			CachedTokens: api.Usage.CacheReadInputTokens,
		},
		Assistant: Message{Role: models.RoleAssistant},
	}

	for _, block := range api.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
			out.Assistant.Content = append(out.Assistant.Content, ContentBlock{Type: "text", Text: block.Text})
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					log.Warn().Str("tool", block.Name).Err(err).Msg("Unparseable tool arguments")
				}
			}
			out.ToolRequests = append(out.ToolRequests, models.ToolRequest{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
			out.Assistant.Content = append(out.Assistant.Content, ContentBlock{
				Type:  "tool_use",
				ID:    block.ID,
				Name:  block.Name,
				Input: args,
			})
		}
	}

	return out, false, nil
}

// Cost estimates the USD cost of a usage using the configured
// per-million-token prices.
func (c *Client) Cost(usage models.TokenUsage) float64 {
	return float64(usage.InputTokens)/1e6*c.cfg.PriceInput +
		float64(usage.OutputTokens)/1e6*c.cfg.PriceOutput +
		float64(usage.CachedTokens)/1e6*c.cfg.PriceCached
}
