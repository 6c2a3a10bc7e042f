package api

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"chatdesk/internal/store/storetest"
)

func TestLoadPlans_Embedded(t *testing.T) {
	plans, err := LoadPlans("")
	if err != nil {
		t.Fatalf("load embedded plans: %v", err)
	}
	if len(plans) == 0 {
		t.Fatalf("expected embedded plans")
	}
	for _, p := range plans {
		if p.Slug == "" || p.Name == "" || p.Currency == "" || !p.IsActive {
			t.Fatalf("incomplete plan: %+v", p)
		}
	}
}

func TestLoadPlans_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad price":  "- slug: x\n  name: X\n  price: abc\n",
		"negative":   "- slug: x\n  name: X\n  price: \"-1\"\n",
		"no slug":    "- name: X\n  price: \"1\"\n",
		"duplicate":  "- slug: x\n  price: \"1\"\n- slug: x\n  price: \"2\"\n",
		"not a list": "slug: x\n",
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "plans.yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := LoadPlans(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSeedPlans_Idempotent(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()

	n, err := SeedPlans(ctx, st, "")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := SeedPlans(ctx, st, ""); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	plans, err := st.ListPlans(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(plans) != n {
		t.Fatalf("expected %d plans after reseed, got %d", n, len(plans))
	}
	for i := 1; i < len(plans); i++ {
		if plans[i].Price.LessThan(plans[i-1].Price) {
			t.Fatalf("plans not ascending: %s before %s", plans[i-1].Slug, plans[i].Slug)
		}
	}
	if plans[0].Slug != "free" {
		t.Fatalf("expected free plan first, got %s", plans[0].Slug)
	}
}

func TestSeedPlans_InactiveHiddenFromListing(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "plans.yaml")
	body := "- slug: free\n  name: Free\n  price: \"0\"\n- slug: legacy\n  name: Legacy\n  price: \"5\"\n  active: false\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := SeedPlans(ctx, st, path); err != nil {
		t.Fatalf("seed: %v", err)
	}
	plans, err := st.ListPlans(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(plans) != 1 || plans[0].Slug != "free" {
		t.Fatalf("expected only the active plan, got %+v", plans)
	}
}
