package permissions_test

import (
	"reflect"
	"testing"

	"github.com/omnibridge/omnibridge/internal/permissions"
	"github.com/omnibridge/omnibridge/pkg/models"
)

func testSnapshot() *models.Snapshot {
	mcps := []models.MCPServer{
		{
			Name:      "database_mcp",
			Transport: models.TransportHTTP,
			Enabled:   true,
		},
		{
			Name:      "github_mcp",
			Transport: models.TransportHTTP,
			Enabled:   true,
			ToolPolicy: &models.ToolPolicy{
				Mode:  models.PolicyAllowOnly,
				Tools: []string{"search_*"},
			},
		},
		{
			Name:      "admin_mcp",
			Transport: models.TransportHTTP,
			Enabled:   false,
		},
	}
	users := map[string]models.User{
		"alice@x": {Email: "alice@x", Role: "dba"},
		"contractor@ext": {
			Email: "contractor@ext",
			Role:  "contractor",
			Overrides: map[string]models.MCPOverride{
				"database_mcp": {
					Mode:  models.OverrideCustom,
					Tools: []string{"list_available_databases", "get_database_health"},
				},
			},
		},
		"root@x": {
			Email: "root@x",
			Role:  "super_admin",
			Overrides: map[string]models.MCPOverride{
				"database_mcp": {Mode: models.OverrideAll},
			},
		},
	}
	roles := map[string]models.Role{
		"super_admin": {Name: "super_admin", RateLimit: 0},
		"dba":         {Name: "dba", RateLimit: 200, AllowedMCPs: []string{"database_mcp"}},
		"contractor":  {Name: "contractor", RateLimit: 20},
		"read_only":   {Name: "read_only", RateLimit: 30},
	}
	return models.NewSnapshot(mcps, users, roles, models.User{Role: "read_only"})
}

func testCatalog() []models.Tool {
	return []models.Tool{
		{Name: "list_available_databases", MCP: "database_mcp"},
		{Name: "get_database_health", MCP: "database_mcp"},
		{Name: "compare_oracle_query_plans", MCP: "database_mcp"},
		{Name: "search_repositories", MCP: "github_mcp"},
		{Name: "create_issue", MCP: "github_mcp"},
		{Name: "drop_everything", MCP: "admin_mcp"},
	}
}

// ─── Pattern matching ────────────────────────────────────────

func TestMatch(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
		want    bool
	}{
		{"get_database_health", "get_*", true},
		{"set_health", "get_*", false},
		{"get_database_health", "*", true},
		{"anything_at_all", "*", true},
		{"get_database_health", "get_database_health", true},
		{"get_database_health", "get_database", false},
		{"compare_oracle_query_plans", "*_oracle_*", true},
		{"get_health", "*health", true},
		{"get_health_check", "*health", false},
		{"", "*", true},
	}
	for _, tc := range cases {
		if got := permissions.Match(tc.name, tc.pattern); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.name, tc.pattern, got, tc.want)
		}
	}
}

// ─── Decision evaluation ─────────────────────────────────────

func TestDecide_DisabledMCP(t *testing.T) {
	snap := testSnapshot()
	user := snap.UserOrDefault("root@x")

	d := permissions.Decide(snap, user, models.Tool{Name: "drop_everything", MCP: "admin_mcp"})
	if d.Allowed {
		t.Fatal("Decide() allowed a tool on a disabled MCP")
	}
	if d.Reason != models.ReasonMCPDisabled {
		t.Errorf("Decide().Reason = %q, want %q", d.Reason, models.ReasonMCPDisabled)
	}
}

func TestDecide_OverrideAll(t *testing.T) {
	snap := testSnapshot()
	user := snap.UserOrDefault("root@x")

	d := permissions.Decide(snap, user, models.Tool{Name: "compare_oracle_query_plans", MCP: "database_mcp"})
	if !d.Allowed || d.Reason != models.ReasonUserOverride {
		t.Errorf("Decide() = %+v, want allowed via user_override", d)
	}
}

func TestDecide_OverrideCustom(t *testing.T) {
	snap := testSnapshot()
	user := snap.UserOrDefault("contractor@ext")

	allowed := permissions.Decide(snap, user, models.Tool{Name: "get_database_health", MCP: "database_mcp"})
	if !allowed.Allowed {
		t.Error("custom override should allow a listed tool")
	}

	denied := permissions.Decide(snap, user, models.Tool{Name: "compare_oracle_query_plans", MCP: "database_mcp"})
	if denied.Allowed {
		t.Error("custom override should deny an unlisted tool")
	}
	if denied.Reason != models.ReasonUserPolicyExcluded {
		t.Errorf("Reason = %q, want %q", denied.Reason, models.ReasonUserPolicyExcluded)
	}
}

func TestDecide_MCPToolPolicy(t *testing.T) {
	snap := testSnapshot()
	user := snap.UserOrDefault("contractor@ext") // no override for github_mcp

	allowed := permissions.Decide(snap, user, models.Tool{Name: "search_repositories", MCP: "github_mcp"})
	if !allowed.Allowed || allowed.Reason != models.ReasonRoleDefault {
		t.Errorf("Decide() = %+v, want allowed via role_default", allowed)
	}

	denied := permissions.Decide(snap, user, models.Tool{Name: "create_issue", MCP: "github_mcp"})
	if denied.Allowed {
		t.Error("allow_only policy should deny non-matching tools")
	}
	if denied.Reason != models.ReasonMCPPolicyExcluded {
		t.Errorf("Reason = %q, want %q", denied.Reason, models.ReasonMCPPolicyExcluded)
	}
}

func TestDecide_AllowAllExcept(t *testing.T) {
	mcps := []models.MCPServer{{
		Name:    "database_mcp",
		Enabled: true,
		ToolPolicy: &models.ToolPolicy{
			Mode:  models.PolicyAllowAllExcept,
			Tools: []string{"drop_*"},
		},
	}}
	snap := models.NewSnapshot(mcps, nil, map[string]models.Role{
		"read_only": {Name: "read_only", RateLimit: 30},
	}, models.User{Role: "read_only"})
	user := snap.UserOrDefault("anyone@x")

	if d := permissions.Decide(snap, user, models.Tool{Name: "get_health", MCP: "database_mcp"}); !d.Allowed {
		t.Error("allow_all_except should allow non-matching tools")
	}
	if d := permissions.Decide(snap, user, models.Tool{Name: "drop_table", MCP: "database_mcp"}); d.Allowed {
		t.Error("allow_all_except should deny matching tools")
	}
}

func TestDecide_RoleMCPSet(t *testing.T) {
	snap := testSnapshot()
	user := snap.UserOrDefault("alice@x") // dba: allowed_mcps = [database_mcp]

	if d := permissions.Decide(snap, user, models.Tool{Name: "search_repositories", MCP: "github_mcp"}); d.Allowed {
		t.Error("role MCP set should deny tools on unlisted MCPs")
	}
	if d := permissions.Decide(snap, user, models.Tool{Name: "get_database_health", MCP: "database_mcp"}); !d.Allowed {
		t.Error("role MCP set should allow tools on listed MCPs")
	}
}

func TestDecideQualified_UnknownTool(t *testing.T) {
	snap := testSnapshot()
	user := snap.UserOrDefault("alice@x")
	catalog := testCatalog()

	for _, name := range []string{
		"get_database_health",                  // unqualified
		"database_mcp__no_such_tool",           // not in catalog
		"no_such_mcp__get_database_health",     // unknown mcp
		"__get_database_health",                // empty mcp part
		"database_mcp__",                       // empty tool part
	} {
		d := permissions.DecideQualified(snap, user, catalog, name)
		if d.Allowed {
			t.Errorf("DecideQualified(%q) allowed, want denied", name)
		}
		if d.Reason != models.ReasonUnknownTool {
			t.Errorf("DecideQualified(%q).Reason = %q, want %q", name, d.Reason, models.ReasonUnknownTool)
		}
	}
}

// ─── View construction ───────────────────────────────────────

func TestBuildView_Contractor(t *testing.T) {
	snap := testSnapshot()
	view := permissions.BuildView(snap, testCatalog(), "contractor@ext")

	want := []string{
		"database_mcp__list_available_databases",
		"database_mcp__get_database_health",
		"github_mcp__search_repositories",
	}
	if !reflect.DeepEqual(view.Names(), want) {
		t.Errorf("BuildView() names = %v, want %v", view.Names(), want)
	}
}

func TestBuildView_UnknownUserFallsBack(t *testing.T) {
	snap := testSnapshot()
	view := permissions.BuildView(snap, testCatalog(), "stranger@nowhere")

	// read_only default user: no overrides, no role MCP set, so only the
	// MCP tool policies apply.
	for _, name := range view.Names() {
		if name == "admin_mcp__drop_everything" {
			t.Error("disabled MCP leaked into the default user's view")
		}
	}
}

func TestBuildView_Idempotent(t *testing.T) {
	snap := testSnapshot()
	catalog := testCatalog()

	a := permissions.BuildView(snap, catalog, "contractor@ext")
	b := permissions.BuildView(snap, catalog, "contractor@ext")

	if !reflect.DeepEqual(a.Names(), b.Names()) {
		t.Errorf("BuildView() not idempotent: %v vs %v", a.Names(), b.Names())
	}
}
