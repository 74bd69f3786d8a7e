package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joao-brasil/poolcore/internal/codel"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
pool:
  spares: 2
  maximum: 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Target != 2 {
		t.Errorf("target default = %d, want spares (2)", cfg.Pool.Target)
	}
	if cfg.Pool.Overload != "disabled" {
		t.Errorf("overload default = %q, want disabled", cfg.Pool.Overload)
	}
	if _, ok := cfg.Recovery["default"]; !ok {
		t.Error("expected a default recovery policy to be synthesized")
	}
}

func TestLoadAppliesServerDefaults(t *testing.T) {
	path := writeConfig(t, `
pool:
  spares: 1
  maximum: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.MetricsAddr != ":9090" {
		t.Errorf("metrics addr default = %q, want :9090", cfg.Server.MetricsAddr)
	}
	if cfg.Server.InstanceID == "" {
		t.Error("expected a non-empty instance id to be synthesized")
	}
	if cfg.Server.Backend != "tcp" {
		t.Errorf("backend default = %q, want tcp", cfg.Server.Backend)
	}
}

func TestLoadKeepsExplicitInstanceID(t *testing.T) {
	path := writeConfig(t, `
server:
  instance_id: fixed-id
pool:
  spares: 1
  maximum: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.InstanceID != "fixed-id" {
		t.Errorf("instance id = %q, want fixed-id", cfg.Server.InstanceID)
	}
}

func TestLoadRejectsMaximumBelowSpares(t *testing.T) {
	path := writeConfig(t, `
pool:
  spares: 4
  maximum: 2
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when maximum < spares")
	}
}

func TestLoadRejectsRecoveryMissingDefault(t *testing.T) {
	path := writeConfig(t, `
pool:
  spares: 1
  maximum: 1
recovery:
  connect:
    retries: 3
    timeout: 1s
    delay: 100ms
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when recovery is set without a default entry")
	}
}

func TestLoadRejectsUnknownOverloadVariant(t *testing.T) {
	path := writeConfig(t, `
pool:
  spares: 1
  maximum: 1
  overload: bogus
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unrecognized overload variant")
	}
}

func TestCodelVariantMapping(t *testing.T) {
	cfg := &Config{Pool: PoolConfig{Overload: "modifiedCodel"}}
	if cfg.CodelVariant() != codel.Modified {
		t.Errorf("CodelVariant() = %v, want Modified", cfg.CodelVariant())
	}
}

func TestDescriptorConversion(t *testing.T) {
	path := writeConfig(t, `
pool:
  spares: 1
  maximum: 1
recovery:
  default:
    retries: 3
    timeout: 1s
    delay: 100ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := cfg.Descriptor()
	p := d.For("default")
	if p.Retries != 3 {
		t.Errorf("retries = %d, want 3", p.Retries)
	}
}
