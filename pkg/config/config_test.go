package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFabricConfigDefaults(t *testing.T) {
	var cfg Config
	out := cfg.FabricConfig()
	if out.Bind != ":8765" {
		t.Fatalf("bind %q", out.Bind)
	}
	if out.P2PRange != 200 || out.MaxHops != 5 || out.Difficulty != 2 {
		t.Fatalf("defaults %+v", out)
	}
}

func TestFabricConfigOverrides(t *testing.T) {
	var cfg Config
	cfg.Fabric.Bind = ":9000"
	cfg.Fabric.P2PRange = 350
	cfg.Ledger.Difficulty = 3
	cfg.Resync.TimeoutSec = 10

	out := cfg.FabricConfig()
	if out.Bind != ":9000" || out.P2PRange != 350 || out.Difficulty != 3 {
		t.Fatalf("overrides lost: %+v", out)
	}
	if out.ResyncTimeout.Seconds() != 10 {
		t.Fatalf("resync timeout %s", out.ResyncTimeout)
	}
}

func TestLoadRoster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.yaml")
	roster := `nodes:
  - id: alpha_1
    name: Alpha Team Lead
    rank: Sergeant
    unit: Alpha Company
    position: {x: 100, y: 150}
  - id: bravo_1
    name: Bravo Scout
    rank: Corporal
    unit: Bravo Company
    position: {x: 300, y: 200}
`
	if err := os.WriteFile(path, []byte(roster), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	nodes, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes %d want 2", len(nodes))
	}
	if nodes[0].ID != "alpha_1" || nodes[0].Position.X != 100 {
		t.Fatalf("node %+v", nodes[0])
	}
}

func TestLoadRosterRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dup.yaml")
	roster := `nodes:
  - id: alpha_1
    name: One
  - id: alpha_1
    name: Two
`
	if err := os.WriteFile(path, []byte(roster), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	if _, err := LoadRoster(path); err == nil {
		t.Fatalf("duplicate ids accepted")
	}
}

func TestEmptyPathGivesDemoRoster(t *testing.T) {
	nodes, err := LoadRoster("")
	if err != nil {
		t.Fatalf("demo roster: %v", err)
	}
	if len(nodes) != 5 || nodes[0].ID != "alpha_1" {
		t.Fatalf("demo roster %+v", nodes)
	}
}
