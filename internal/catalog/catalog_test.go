package catalog_test

import (
	"testing"

	"gateflow/internal/catalog"
	"gateflow/internal/config"
)

func TestDefaultCatalog(t *testing.T) {
	cat, err := catalog.FromConfig(config.Default("test"))
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	if cat.Entry() != "product.discovery" {
		t.Fatalf("entry = %s", cat.Entry())
	}
	if cat.Terminal() != "pm.sync" {
		t.Fatalf("terminal = %s", cat.Terminal())
	}
	gates := cat.Gates()
	if len(gates) != 9 {
		t.Fatalf("expected 9 gates, got %d", len(gates))
	}
	for i := 1; i < len(gates); i++ {
		if gates[i].Ordinal <= gates[i-1].Ordinal {
			t.Fatalf("gates not in ordinal order at %d", i)
		}
	}
	next, err := cat.NextGates("qa.ready")
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 || next[0] != "qa.contract" {
		t.Fatalf("next of qa.ready = %v", next)
	}
}

func TestLookupUnknownGate(t *testing.T) {
	cat, err := catalog.FromConfig(config.Default("test"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cat.Lookup("qa.smoke"); err == nil {
		t.Fatal("expected error for unknown gate")
	}
}

func TestMissingCanonicalGateRejected(t *testing.T) {
	cfg := config.Default("test")
	delete(cfg.Gates, "qa.e2e")
	// patch the successor so validation reaches the canonical check
	spec := cfg.Gates["pm.sync"]
	spec.After = []string{"qa.contract"}
	cfg.Gates["pm.sync"] = spec
	if _, err := catalog.FromConfig(cfg); err == nil {
		t.Fatal("expected error for missing canonical gate")
	}
}

func TestCycleRejected(t *testing.T) {
	cfg := config.Default("test")
	spec := cfg.Gates["product.discovery"]
	spec.After = []string{"pm.sync"}
	cfg.Gates["product.discovery"] = spec
	if _, err := catalog.FromConfig(cfg); err == nil {
		t.Fatal("expected error for cyclic catalog")
	}
}

func TestTwoTerminalsRejected(t *testing.T) {
	cfg := config.Default("test")
	cfg.Gates["qa.perf"] = config.GateSpec{Ordinal: 10, Owner: "qa", After: []string{"qa.e2e"}}
	if _, err := catalog.FromConfig(cfg); err == nil {
		t.Fatal("expected error for second terminal gate")
	}
}
