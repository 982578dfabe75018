package catalog

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/linnemanlabs/riskwatch/internal/risk"
)

const sample = `
services:
  ledger:
    criticality: critical
    assets: [db-1, kms]
  billing:
    criticality: low
    assets: [db-1]
  reports: {}
`

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx := context.Background()

	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}

	tests := []struct {
		service string
		want    risk.Criticality
	}{
		{"ledger", risk.CriticalityCritical},
		{"billing", risk.CriticalityLow},
		{"reports", risk.CriticalityMedium},
		{"unknown", risk.CriticalityMedium},
	}
	for _, tt := range tests {
		got, err := c.Criticality(ctx, tt.service)
		if err != nil || got != tt.want {
			t.Errorf("Criticality(%s) = %s, %v; want %s", tt.service, got, err, tt.want)
		}
	}

	assets, _ := c.AssetsOf(ctx, "ledger")
	if !slices.Equal(assets, []string{"db-1", "kms"}) {
		t.Errorf("AssetsOf(ledger) = %v", assets)
	}
	owners, _ := c.ServicesOfAsset(ctx, "db-1")
	if !slices.Equal(owners, []string{"billing", "ledger"}) {
		t.Errorf("ServicesOfAsset(db-1) = %v", owners)
	}
	if none, _ := c.ServicesOfAsset(ctx, "nope"); len(none) != 0 {
		t.Errorf("unknown asset owners = %v", none)
	}

	// results are copies
	assets[0] = "mutated"
	again, _ := c.AssetsOf(ctx, "ledger")
	if again[0] != "db-1" {
		t.Error("AssetsOf returned an aliased slice")
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "services: [unterminated"},
		{"unknown criticality", "services:\n  ledger:\n    criticality: extreme\n"},
	}
	for _, tt := range tests {
		path := filepath.Join(dir, tt.name+".yaml")
		if err := os.WriteFile(path, []byte(tt.body), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file: expected error")
	}
}
