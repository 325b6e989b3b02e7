package identity

import "testing"

func TestAssignAndRemoveRole(t *testing.T) {
	r := NewRegistry()
	if err := r.AssignRole("bob", "r1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := r.AssignRole("bob", "r2"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	roles := r.Roles("bob")
	if len(roles) != 2 {
		t.Fatalf("expected 2 roles, got %v", roles)
	}

	if err := r.RemoveRole("bob", "r1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	roles = r.Roles("bob")
	if len(roles) != 1 || roles[0] != "r2" {
		t.Fatalf("expected only r2 remaining, got %v", roles)
	}
}

func TestUnknownIdentityHasNoRoles(t *testing.T) {
	r := NewRegistry()
	if roles := r.Roles("ghost"); len(roles) != 0 {
		t.Fatalf("expected no roles for unknown identity, got %v", roles)
	}
}

func TestAssignRoleIsIdempotent(t *testing.T) {
	r := NewRegistry()
	_ = r.AssignRole("bob", "r1")
	_ = r.AssignRole("bob", "r1")
	if roles := r.Roles("bob"); len(roles) != 1 {
		t.Fatalf("expected role assignment idempotent, got %v", roles)
	}
}

func TestDeleteRunsOnDeleteHook(t *testing.T) {
	r := NewRegistry()
	_ = r.AssignRole("carol", "r1")

	var deleted string
	r.OnDelete(func(id string) { deleted = id })
	r.Delete("carol")

	if deleted != "carol" {
		t.Fatalf("expected OnDelete hook to fire with carol, got %q", deleted)
	}
	if roles := r.Roles("carol"); len(roles) != 0 {
		t.Fatalf("expected deleted identity to have no roles, got %v", roles)
	}
}

func TestDeleteOfUnknownIdentitySkipsHook(t *testing.T) {
	r := NewRegistry()
	called := false
	r.OnDelete(func(id string) { called = true })
	r.Delete("ghost")
	if called {
		t.Fatal("expected OnDelete not to fire for an identity that never existed")
	}
}

func TestCredentialVerification(t *testing.T) {
	r := NewRegistry()
	if r.HasCredential("alice") {
		t.Fatal("expected no credential before SetCredential")
	}
	if err := r.SetCredential("alice", "hunter2"); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if !r.HasCredential("alice") {
		t.Fatal("expected credential after SetCredential")
	}
	if !r.VerifyCredential("alice", "hunter2") {
		t.Fatal("expected correct secret to verify")
	}
	if r.VerifyCredential("alice", "wrong") {
		t.Fatal("expected wrong secret to fail verification")
	}
	if r.VerifyCredential("ghost", "hunter2") {
		t.Fatal("expected unknown identity to fail verification")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Put("dave", map[string]string{"team": "infra"})
	_ = r.AssignRole("dave", "r1")

	doc := r.ExportDocument()
	if len(doc) != 1 || doc[0].ID != "dave" || doc[0].Attributes["team"] != "infra" {
		t.Fatalf("unexpected export: %+v", doc)
	}

	fresh := NewRegistry()
	fresh.Import(doc)
	if roles := fresh.Roles("dave"); len(roles) != 1 || roles[0] != "r1" {
		t.Fatalf("expected imported identity to carry its role, got %v", roles)
	}
}
