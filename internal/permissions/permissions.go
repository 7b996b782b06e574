// Package permissions computes, per user, the exact set of MCP tools the
// LM may be offered. Evaluation is a pure function of the configuration
// snapshot and the discovered catalog, so results are memoizable and two
// resolutions against the same inputs are byte-identical.
//
// Evaluation order for a tool T on MCP M:
//  1. M disabled                 → deny (mcp_disabled)
//  2. user override mode "all"   → allow (user_override)
//  3. user override mode "custom"→ allow iff a pattern matches T
//  4. "inherit" or no override   → role MCP set, then M's tool policy
//  5. anything else              → deny
package permissions

import (
	"strings"

	"github.com/omnibridge/omnibridge/pkg/models"
)

// Decide evaluates one (user, tool) pair against a snapshot.
func Decide(snap *models.Snapshot, user models.User, tool models.Tool) models.PermissionDecision {
	server, ok := snap.FindMCP(tool.MCP)
	if !ok {
		return models.PermissionDecision{Allowed: false, Reason: models.ReasonUnknownTool}
	}
	if !server.Enabled {
		return models.PermissionDecision{Allowed: false, Reason: models.ReasonMCPDisabled}
	}

	override, hasOverride := user.Overrides[tool.MCP]
	if hasOverride {
		switch override.Mode {
		case models.OverrideAll:
			return models.PermissionDecision{Allowed: true, Reason: models.ReasonUserOverride}
		case models.OverrideCustom:
			if matchAny(tool.Name, override.Deny) {
				return models.PermissionDecision{Allowed: false, Reason: models.ReasonUserPolicyExcluded}
			}
			if matchAny(tool.Name, override.Tools) {
				return models.PermissionDecision{Allowed: true, Reason: models.ReasonUserOverride}
			}
			return models.PermissionDecision{Allowed: false, Reason: models.ReasonUserPolicyExcluded}
		case models.OverrideInherit, "":
			// fall through to role defaults + MCP policy
		default: // "none" and unknown modes deny
			return models.PermissionDecision{Allowed: false, Reason: models.ReasonUserPolicyExcluded}
		}
	}

	// Role defaults: a role may limit which MCPs it reaches at all.
	role := snap.RoleOf(user)
	if role.AllowedMCPs != nil && !contains(role.AllowedMCPs, tool.MCP) {
		return models.PermissionDecision{Allowed: false, Reason: models.ReasonRoleDefault}
	}

	return applyToolPolicy(server, tool)
}

// applyToolPolicy evaluates the MCP's own tool policy.
func applyToolPolicy(server models.MCPServer, tool models.Tool) models.PermissionDecision {
	policy := server.ToolPolicy
	if policy == nil || policy.Mode == "" || policy.Mode == models.PolicyAllowAll {
		return models.PermissionDecision{Allowed: true, Reason: models.ReasonRoleDefault}
	}
	switch policy.Mode {
	case models.PolicyAllowOnly:
		if matchAny(tool.Name, policy.Tools) {
			return models.PermissionDecision{Allowed: true, Reason: models.ReasonRoleDefault}
		}
		return models.PermissionDecision{Allowed: false, Reason: models.ReasonMCPPolicyExcluded}
	case models.PolicyAllowAllExcept:
		if matchAny(tool.Name, policy.Tools) {
			return models.PermissionDecision{Allowed: false, Reason: models.ReasonMCPPolicyExcluded}
		}
		return models.PermissionDecision{Allowed: true, Reason: models.ReasonRoleDefault}
	default:
		return models.PermissionDecision{Allowed: false, Reason: models.ReasonMCPPolicyExcluded}
	}
}

// BuildView filters the ordered catalog down to the user's Allowed-Tools
// View. Catalog order is preserved, so the view (and its serialized tool
// declarations) is stable for a given snapshot.
func BuildView(snap *models.Snapshot, catalog []models.Tool, userID string) *models.AllowedTools {
	user := snap.UserOrDefault(userID)

	var allowed []models.Tool
	for _, tool := range catalog {
		if Decide(snap, user, tool).Allowed {
			allowed = append(allowed, tool)
		}
	}
	return models.NewAllowedTools(userID, allowed)
}

// DecideQualified evaluates a qualified "<mcp>__<tool>" id against the
// catalog. Names that are unqualified or not in the catalog are denied as
// unknown tools; identity is the (mcp, tool) pair, never a bare name.
func DecideQualified(snap *models.Snapshot, user models.User, catalog []models.Tool, qualified string) models.PermissionDecision {
	mcpName, toolName, ok := SplitQualified(qualified)
	if !ok {
		return models.PermissionDecision{Allowed: false, Reason: models.ReasonUnknownTool}
	}
	for _, tool := range catalog {
		if tool.MCP == mcpName && tool.Name == toolName {
			return Decide(snap, user, tool)
		}
	}
	return models.PermissionDecision{Allowed: false, Reason: models.ReasonUnknownTool}
}

// SplitQualified splits "<mcp>__<tool>" into its parts.
func SplitQualified(qualified string) (mcpName, toolName string, ok bool) {
	i := strings.Index(qualified, models.QualifiedSeparator)
	if i <= 0 || i+len(models.QualifiedSeparator) >= len(qualified) {
		return "", "", false
	}
	return qualified[:i], qualified[i+len(models.QualifiedSeparator):], true
}

// ── Pattern matching ─────────────────────────────────────────

// Match reports whether a tool name matches a permission pattern. The only
// metacharacter is '*', matching any (possibly empty) character sequence.
func Match(name, pattern string) bool {
	if pattern == "*" {
		return true
	}
	return matchGlob(name, pattern)
}

func matchGlob(name, pattern string) bool {
	// Iterative '*' matcher with single-star backtracking.
	var ni, pi int
	starPi, starNi := -1, 0
	for ni < len(name) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			starPi, starNi = pi, ni
			pi++
		case pi < len(pattern) && pattern[pi] == name[ni]:
			pi++
			ni++
		case starPi >= 0:
			starNi++
			ni = starNi
			pi = starPi + 1
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

func matchAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if Match(name, p) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
