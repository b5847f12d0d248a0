package access

import (
	"reflect"
	"testing"
)

func TestReconcile(t *testing.T) {
	registry := []RegistryEntry{
		{ResourceKey: "admin_users.menu", IsActive: true, Aliases: []string{"admin_user.menu", "admin_user.edit"}},
		{ResourceKey: "payments_log.menu", IsActive: false, Aliases: []string{"payment_log.menu"}},
		{ResourceKey: "audit.menu", IsActive: true},
		{ResourceKey: "admin_user.menu", IsActive: false},
	}
	declared := []UIResource{
		{ResourceKey: "admin_user.menu"},
		{ResourceKey: "payments_log.menu"},
		{ResourceKey: "reports.menu"},
		{ResourceKey: " "},
	}

	report := Reconcile(registry, declared)
	if report.Clean() {
		t.Fatalf("expected differences")
	}
	if !reflect.DeepEqual(report.MissingFromRegistry, []string{"reports.menu"}) {
		t.Fatalf("missing=%v", report.MissingFromRegistry)
	}
	if !reflect.DeepEqual(report.Undeclared, []string{"audit.menu"}) {
		t.Fatalf("undeclared=%v", report.Undeclared)
	}
	if !reflect.DeepEqual(report.InactiveButDeclared, []string{"payments_log.menu"}) {
		t.Fatalf("inactive=%v", report.InactiveButDeclared)
	}
	want := []AliasConflict{{ResourceKey: "admin_users.menu", Alias: "admin_user.edit", Resolved: "admin_users.edit"}}
	if !reflect.DeepEqual(report.AliasConflicts, want) {
		t.Fatalf("conflicts=%+v", report.AliasConflicts)
	}
}

func TestReconcileClean(t *testing.T) {
	registry := []RegistryEntry{{ResourceKey: "reports.menu", IsActive: true}}
	declared := []UIResource{{ResourceKey: "reports.menu"}}
	if report := Reconcile(registry, declared); !report.Clean() {
		t.Fatalf("expected clean report, got %+v", report)
	}
}

func TestReconcileAliasesOfMappings(t *testing.T) {
	registry := []RegistryEntry{
		{ResourceKey: "mandis.list", IsActive: true},
		{ResourceKey: "gates.list", IsActive: false},
		{ResourceKey: "legacy.list", IsActive: true},
		{ResourceKey: "org_mandi_mappings.list", IsActive: true, Aliases: []string{"org_mandi.list", "mappings.list"}},
	}
	declared := []UIResource{
		{ResourceKey: "mandis.list"},
		{ResourceKey: "gates.list"},
		{ResourceKey: "auctions.list"},
		{ResourceKey: "org_mandi.list"},
	}
	report := Reconcile(registry, declared)
	if !reflect.DeepEqual(report.MissingFromRegistry, []string{"auctions.list"}) {
		t.Fatalf("missing: %v", report.MissingFromRegistry)
	}
	if !reflect.DeepEqual(report.Undeclared, []string{"legacy.list"}) {
		t.Fatalf("undeclared: %v", report.Undeclared)
	}
	if !reflect.DeepEqual(report.InactiveButDeclared, []string{"gates.list"}) {
		t.Fatalf("inactive: %v", report.InactiveButDeclared)
	}
	if len(report.AliasConflicts) != 1 || report.AliasConflicts[0].Alias != "mappings.list" {
		t.Fatalf("alias conflicts: %+v", report.AliasConflicts)
	}
	if report.Clean() {
		t.Fatalf("report must not be clean")
	}
	if !Reconcile(nil, nil).Clean() {
		t.Fatalf("empty inputs must reconcile cleanly")
	}
}
