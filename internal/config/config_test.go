package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memgate.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `{
	"backend": {"type": "file", "file": {"root": "/tmp/memgate"}},
	"audit": {"log_path": "/tmp/memgate/audit.log", "rate_per_minute": 60},
	"agents": [{
		"agent_id": "researcher",
		"scope": "session_only",
		"allowed_kinds": ["episodic", "semantic"],
		"max_query_cost": 200,
		"max_results": 100,
		"max_token_budget": 4096
	}]
}`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Type != "file" {
		t.Fatalf("backend = %q", cfg.Backend.Type)
	}
	if !cfg.Audit.AnomalyDetection() {
		t.Fatal("anomaly detection should default to on")
	}
	caps, err := cfg.Capabilities()
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if _, ok := caps["researcher"]; !ok {
		t.Fatal("researcher capability missing")
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("MEMGATE_NEO4J_URI", "bolt://graph.internal:7687")
	t.Setenv("MEMGATE_NEO4J_PASS", "")

	cfg, err := Load(writeConfig(t, `{
		"backend": {"type": "neo4j", "neo4j": {
			"uri": "${MEMGATE_NEO4J_URI}",
			"user": "${MEMGATE_NEO4J_USER:neo4j}",
			"password": "${MEMGATE_NEO4J_PASS:fallback}"
		}},
		"agents": [{
			"agent_id": "a",
			"scope": "global",
			"allowed_kinds": ["working"],
			"max_query_cost": 100,
			"max_results": 50,
			"max_token_budget": 1000
		}]
	}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Neo4j.URI != "bolt://graph.internal:7687" {
		t.Fatalf("uri = %q", cfg.Backend.Neo4j.URI)
	}
	if cfg.Backend.Neo4j.User != "neo4j" {
		t.Fatalf("default not applied: user = %q", cfg.Backend.Neo4j.User)
	}
	// Empty env values fall back to the default too.
	if cfg.Backend.Neo4j.Password != "fallback" {
		t.Fatalf("password = %q", cfg.Backend.Neo4j.Password)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unknown backend", `{"backend": {"type": "dynamodb"}, "agents": []}`},
		{"file without root", `{"backend": {"type": "file"}, "agents": []}`},
		{"no agents", `{"backend": {"type": "file", "file": {"root": "/x"}}, "agents": []}`},
		{"bad capability", `{
			"backend": {"type": "file", "file": {"root": "/x"}},
			"agents": [{"agent_id": "a", "scope": "session_only", "allowed_kinds": [], "max_query_cost": 1, "max_results": 1, "max_token_budget": 1}]
		}`},
		{"duplicate agent", `{
			"backend": {"type": "file", "file": {"root": "/x"}},
			"agents": [
				{"agent_id": "a", "scope": "session_only", "allowed_kinds": ["working"], "max_query_cost": 1, "max_results": 1, "max_token_budget": 1},
				{"agent_id": "a", "scope": "session_only", "allowed_kinds": ["working"], "max_query_cost": 1, "max_results": 1, "max_token_budget": 1}
			]
		}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Fatal("expected load to fail")
			}
		})
	}
}
