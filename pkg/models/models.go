// Package models defines the shared domain types for the OmniBridge
// orchestration bridge: users and roles, MCP server descriptors and their
// tools, permission decisions, chat messages, token usage, and the audit
// record written for every request.
package models

import (
	"time"
)

// ── Users & Roles ────────────────────────────────────────────

// User is a chat principal identified by an e-mail-like id. Users are
// immutable within a request; unknown ids resolve to the registry's
// default user.
type User struct {
	Email     string                 `json:"email" yaml:"email"`
	Name      string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Role      string                 `json:"role" yaml:"role"`
	Overrides map[string]MCPOverride `json:"mcp_permissions,omitempty" yaml:"mcp_permissions,omitempty"`

	// IsDefault marks the fallback principal used for unknown user ids.
	IsDefault bool `json:"is_default,omitempty" yaml:"-"`
}

// MCPOverride is a per-user permission block for one MCP.
//
// Mode semantics:
//   - "all":     every tool on the MCP is allowed
//   - "custom":  only tools matching the glob patterns in Tools
//   - "inherit": fall through to the MCP's tool policy and role defaults
//   - "none":    nothing on the MCP is allowed
type MCPOverride struct {
	Mode  string   `json:"mode" yaml:"mode"`
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

const (
	OverrideAll     = "all"
	OverrideCustom  = "custom"
	OverrideInherit = "inherit"
	OverrideNone    = "none"
)

// Role names a permission tier with a rate ceiling and an optional
// MCP allow-list. RateLimit is requests per hour; 0 means unlimited.
// A nil AllowedMCPs leaves every enabled MCP reachable for the role.
type Role struct {
	Name        string   `json:"name" yaml:"name"`
	RateLimit   int      `json:"rate_limit" yaml:"rate_limit"`
	AllowedMCPs []string `json:"allowed_mcps,omitempty" yaml:"allowed_mcps,omitempty"`
}

// ── MCP Servers & Tools ──────────────────────────────────────

// Transport kinds for MCP servers.
const (
	TransportHTTP  = "http"
	TransportSSE   = "sse"
	TransportStdio = "stdio"
)

// ToolPolicy filters which of an MCP's tools the bridge exposes at all,
// before any per-user permissioning.
type ToolPolicy struct {
	Mode  string   `json:"mode" yaml:"mode"`
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

const (
	PolicyAllowAll       = "allow_all"
	PolicyAllowOnly      = "allow_only"
	PolicyAllowAllExcept = "allow_all_except"
)

// MCPServer describes one remote tool-providing service.
type MCPServer struct {
	Name        string            `json:"name" yaml:"name"`
	DisplayName string            `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Transport   string            `json:"transport" yaml:"transport"`
	URL         string            `json:"url,omitempty" yaml:"url,omitempty"`
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	AuthToken   string            `json:"-" yaml:"auth_token,omitempty"`
	Headers     map[string]string `json:"-" yaml:"headers,omitempty"`
	ToolPolicy  *ToolPolicy       `json:"tool_policy,omitempty" yaml:"tool_policy,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Tool is a named callable hosted by an MCP. Identity is the (MCP, Name)
// pair; Qualified returns the globally unique form offered to the LM.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	MCP         string         `json:"mcp"`
}

// QualifiedSeparator joins MCP and tool name in LM-facing tool ids.
// User-facing prose uses "<mcp>.<tool>" instead.
const QualifiedSeparator = "__"

// Qualified returns the globally unique tool id, "<mcp>__<tool>".
func (t Tool) Qualified() string {
	return t.MCP + QualifiedSeparator + t.Name
}

// Display returns the user-facing "<mcp>.<tool>" form.
func (t Tool) Display() string {
	return t.MCP + "." + t.Name
}

// ── Health ───────────────────────────────────────────────────

type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// MCPStatus is the health-endpoint view of one configured MCP.
type MCPStatus struct {
	Name      string       `json:"name"`
	Enabled   bool         `json:"enabled"`
	Status    HealthStatus `json:"status"`
	Tools     int          `json:"tools"`
	LastCheck *time.Time   `json:"last_check,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

// ── Permissions ──────────────────────────────────────────────

// PermissionReason explains a permission decision.
type PermissionReason string

const (
	ReasonRoleDefault        PermissionReason = "role_default"
	ReasonUserOverride       PermissionReason = "user_override"
	ReasonMCPDisabled        PermissionReason = "mcp_disabled"
	ReasonMCPPolicyExcluded  PermissionReason = "mcp_policy_excluded"
	ReasonUserPolicyExcluded PermissionReason = "user_policy_excluded"
	ReasonUnknownTool        PermissionReason = "unknown_tool"
)

// PermissionDecision is the outcome of evaluating one (user, tool) pair.
type PermissionDecision struct {
	Allowed bool             `json:"allowed"`
	Reason  PermissionReason `json:"reason"`
}

// AllowedTools is the deterministic, ordered set of tools one user may
// invoke for one request. The order is stable for a given configuration
// snapshot so the serialized tool declarations hash identically across
// iterations (prompt-cache reuse).
type AllowedTools struct {
	UserID string `json:"user_id"`
	Tools  []Tool `json:"tools"`

	index map[string]int
}

// NewAllowedTools builds the view from an ordered tool list.
func NewAllowedTools(userID string, tools []Tool) *AllowedTools {
	v := &AllowedTools{UserID: userID, Tools: tools, index: make(map[string]int, len(tools))}
	for i, t := range tools {
		v.index[t.Qualified()] = i
	}
	return v
}

// Contains reports whether the qualified tool id is in the view.
func (v *AllowedTools) Contains(qualified string) bool {
	_, ok := v.index[qualified]
	return ok
}

// Lookup returns the tool for a qualified id.
func (v *AllowedTools) Lookup(qualified string) (Tool, bool) {
	i, ok := v.index[qualified]
	if !ok {
		return Tool{}, false
	}
	return v.Tools[i], true
}

// Names returns the qualified ids in view order.
func (v *AllowedTools) Names() []string {
	names := make([]string, len(v.Tools))
	for i, t := range v.Tools {
		names[i] = t.Qualified()
	}
	return names
}

// ── Configuration Snapshot ───────────────────────────────────

// Snapshot is the immutable configuration view a request holds for its
// entire lifetime. Registry reloads swap the current snapshot; in-flight
// requests keep the one they started with.
type Snapshot struct {
	MCPs        []MCPServer
	Users       map[string]User
	Roles       map[string]Role
	DefaultUser User

	mcpIndex map[string]int
}

// NewSnapshot indexes the MCP list for name lookup. The MCP slice order is
// preserved and defines tool-catalog ordering everywhere downstream.
func NewSnapshot(mcps []MCPServer, users map[string]User, roles map[string]Role, defaultUser User) *Snapshot {
	s := &Snapshot{MCPs: mcps, Users: users, Roles: roles, DefaultUser: defaultUser, mcpIndex: make(map[string]int, len(mcps))}
	for i, m := range mcps {
		s.mcpIndex[m.Name] = i
	}
	return s
}

// FindMCP returns the descriptor for a name.
func (s *Snapshot) FindMCP(name string) (MCPServer, bool) {
	i, ok := s.mcpIndex[name]
	if !ok {
		return MCPServer{}, false
	}
	return s.MCPs[i], true
}

// UserOrDefault resolves a user id, falling back to the default principal
// with the requested id attached.
func (s *Snapshot) UserOrDefault(userID string) User {
	if u, ok := s.Users[userID]; ok {
		return u
	}
	u := s.DefaultUser
	u.Email = userID
	u.IsDefault = true
	return u
}

// RoleOf returns the role record for a user, falling back to the default
// user's role and finally to a role carrying the user's role name with a
// ceiling of 30 requests per hour.
func (s *Snapshot) RoleOf(u User) Role {
	if r, ok := s.Roles[u.Role]; ok {
		return r
	}
	if r, ok := s.Roles[s.DefaultUser.Role]; ok {
		return r
	}
	return Role{Name: u.Role, RateLimit: 30}
}

// ── Chat ─────────────────────────────────────────────────────

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolRequest is one tool invocation the LM asked for.
type ToolRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"` // qualified "<mcp>__<tool>"
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult pairs 1:1 with a ToolRequest. Tool-level failures are carried
// here with IsError set; they never abort the loop.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ── Token Usage & Cost ───────────────────────────────────────

// TokenUsage carries per-invocation token counts. CachedTokens counts
// input tokens served from the provider's prompt cache.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
}

// Add accumulates another usage into the receiver.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CachedTokens += other.CachedTokens
}

// ── Requests & Responses ─────────────────────────────────────

// SourceContext identifies where an inbound request originated.
type SourceContext struct {
	Channel   string `json:"channel,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	SourceTag string `json:"source_tag,omitempty"`
}

// AskRequest is the inbound request from the chat/HTTP front-end.
type AskRequest struct {
	UserID         string         `json:"user_id"`
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Source         *SourceContext `json:"source,omitempty"`
}

// AskResponse is the synthesized answer plus request accounting.
type AskResponse struct {
	Success      bool       `json:"success"`
	Answer       string     `json:"answer"`
	ToolCalls    int        `json:"tool_calls"`
	ToolsUsed    []string   `json:"tools_used"`
	Iterations   int        `json:"iterations"`
	Warning      string     `json:"warning,omitempty"`
	CostEstimate float64    `json:"cost_estimate"`
	Usage        TokenUsage `json:"usage"`
}

// ── Audit ────────────────────────────────────────────────────

// Request terminal statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusWarning = "warning"
)

// Warning / error tags recorded on audit records.
const (
	TagRateLimited          = "rate_limited"
	TagMaxIterationsReached = "max_iterations_reached"
	TagTimeout              = "timeout"
	TagLMError              = "lm_error"
)

// AuditRecord is the single durable row summarizing one request. Once
// written it is immutable.
type AuditRecord struct {
	ID              string    `json:"id" db:"id"`
	UserID          string    `json:"user_id" db:"user_id"`
	Message         string    `json:"message" db:"message"`
	Iterations      int       `json:"iterations" db:"iterations"`
	ToolCallsCount  int       `json:"tool_calls_count" db:"tool_calls_count"`
	ToolsUsed       []string  `json:"tools_used" db:"tools_used"`
	MCPsAccessed    []string  `json:"mcps_accessed" db:"mcps_accessed"`
	TokensInput     int64     `json:"tokens_input" db:"tokens_input"`
	TokensOutput    int64     `json:"tokens_output" db:"tokens_output"`
	TokensCached    int64     `json:"tokens_cached" db:"tokens_cached"`
	CostEstimate    float64   `json:"cost_estimate" db:"cost_estimate"`
	Status          string    `json:"status" db:"status"`
	Warning         string    `json:"warning,omitempty" db:"warning"`
	DurationMs      int64     `json:"duration_ms" db:"duration_ms"`
	SourceTag       string    `json:"source_tag,omitempty" db:"source_tag"`
	ConversationRef string    `json:"conversation_ref,omitempty" db:"conversation_ref"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// AuditFilter provides query options for listing audit records.
type AuditFilter struct {
	UserID string
	Status string
	Since  *time.Time
	Limit  int
}
