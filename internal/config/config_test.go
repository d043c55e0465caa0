package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
provider:
  ipv4:
    address: 10.0.0.2
    subnet_mask: 255.255.255.0
    remote_address: 10.0.0.1
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Provider.MTU != 1500 {
		t.Fatalf("expected default MTU 1500, got %d", c.Provider.MTU)
	}
	if c.Provider.Memory.PacketBatchLimit != 64 {
		t.Fatalf("expected default packet batch limit 64, got %d", c.Provider.Memory.PacketBatchLimit)
	}
}

func TestLoadRejectsMissingIPv4Address(t *testing.T) {
	path := writeTempConfig(t, `
provider:
  ipv4:
    subnet_mask: 255.255.255.0
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing ipv4 address")
	}
}

func TestLoadRejectsMismatchedIPv6Lengths(t *testing.T) {
	path := writeTempConfig(t, `
provider:
  ipv4:
    address: 10.0.0.2
    subnet_mask: 255.255.255.0
  ipv6:
    addresses: ["fd00::1", "fd00::2"]
    prefix_lengths: [64]
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for mismatched ipv6 address/prefix lengths")
	}
}

func TestLoadRejectsShapingRuleWithNoHosts(t *testing.T) {
	path := writeTempConfig(t, `
provider:
  ipv4:
    address: 10.0.0.2
    subnet_mask: 255.255.255.0
  policies:
    traffic_shaping:
      rules:
        - ports: [443]
          policy:
            fixed_latency_ms: 100
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for shaping rule with no hosts")
	}
}
