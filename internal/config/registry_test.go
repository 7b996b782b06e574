package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/omnibridge/omnibridge/internal/config"
	"github.com/omnibridge/omnibridge/pkg/models"
)

const mcpYAML = `
mcps:
  - name: database_mcp
    transport: http
    url: http://localhost:8010/mcp
    enabled: true
    tool_policy:
      mode: allow_all_except
      tools: ["drop_*"]
  - name: github_mcp
    transport: sse
    url: http://localhost:8020/sse
    enabled: false
`

const userYAML = `
roles:
  - name: super_admin
    rate_limit: 0
  - name: dba
    rate_limit: 200
    allowed_mcps: [database_mcp]
  - name: read_only
    rate_limit: 30

default_user:
  role: read_only

users:
  - email: alice@x
    name: Alice
    role: dba
  - email: contractor@ext
    role: contractor
    mcp_permissions:
      database_mcp:
        mode: custom
        tools: ["get_*", "list_*"]
`

func writeRegistries(t *testing.T) config.RegistryConfig {
	t.Helper()
	dir := t.TempDir()
	mcpPath := filepath.Join(dir, "mcps.yaml")
	userPath := filepath.Join(dir, "users.yaml")
	if err := os.WriteFile(mcpPath, []byte(mcpYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(userPath, []byte(userYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return config.RegistryConfig{MCPPath: mcpPath, UserPath: userPath}
}

func TestNewRegistry_LoadsSnapshot(t *testing.T) {
	reg, err := config.NewRegistry(writeRegistries(t))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	snap := reg.Snapshot()
	if len(snap.MCPs) != 2 {
		t.Fatalf("snapshot has %d MCPs, want 2", len(snap.MCPs))
	}

	db, ok := snap.FindMCP("database_mcp")
	if !ok {
		t.Fatal("database_mcp missing from snapshot")
	}
	if !db.Enabled {
		t.Error("database_mcp should be enabled")
	}
	if db.ToolPolicy == nil || db.ToolPolicy.Mode != models.PolicyAllowAllExcept {
		t.Errorf("ToolPolicy = %+v, want allow_all_except", db.ToolPolicy)
	}

	gh, _ := snap.FindMCP("github_mcp")
	if gh.Enabled {
		t.Error("github_mcp should be disabled")
	}

	alice := snap.UserOrDefault("alice@x")
	if alice.Role != "dba" || alice.IsDefault {
		t.Errorf("alice = %+v, want dba non-default", alice)
	}

	stranger := snap.UserOrDefault("stranger@nowhere")
	if !stranger.IsDefault || stranger.Role != "read_only" {
		t.Errorf("unknown user = %+v, want read_only default principal", stranger)
	}
	if stranger.Email != "stranger@nowhere" {
		t.Errorf("default principal email = %q, want requested id", stranger.Email)
	}

	if role := snap.RoleOf(alice); role.RateLimit != 200 {
		t.Errorf("dba rate limit = %d, want 200", role.RateLimit)
	}
}

func TestReload_SwapsSnapshotAndRunsHooks(t *testing.T) {
	cfg := writeRegistries(t)
	reg, err := config.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	before := reg.Snapshot()

	hookRuns := 0
	reg.OnReload(func() { hookRuns++ })

	updated := mcpYAML + `
  - name: analytics_mcp
    transport: http
    url: http://localhost:8030/mcp
    enabled: true
`
	if err := os.WriteFile(cfg.MCPPath, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	after := reg.Snapshot()
	if len(after.MCPs) != 3 {
		t.Errorf("reloaded snapshot has %d MCPs, want 3", len(after.MCPs))
	}
	if hookRuns != 1 {
		t.Errorf("reload hook ran %d times, want 1", hookRuns)
	}

	// The pre-reload snapshot is untouched: in-flight requests keep it.
	if len(before.MCPs) != 2 {
		t.Errorf("old snapshot mutated: %d MCPs, want 2", len(before.MCPs))
	}
}

func TestReload_ParseFailureKeepsServing(t *testing.T) {
	cfg := writeRegistries(t)
	reg, err := config.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	if err := os.WriteFile(cfg.MCPPath, []byte("mcps: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err == nil {
		t.Fatal("Reload() succeeded on malformed YAML, want error")
	}

	if len(reg.Snapshot().MCPs) != 2 {
		t.Error("previous snapshot no longer serving after failed reload")
	}
}
