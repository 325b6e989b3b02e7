package policy

import (
	"testing"

	"github.com/obinexus/libpolycall/audit"
)

func TestDefaultDenyNoRoles(t *testing.T) {
	e := New(audit.NewRing(16), true)
	if e.Check("ghost", nil, "doc:public", "read", "") {
		t.Fatal("expected deny for identity with no roles")
	}
}

func TestDefaultDenyRoleWithNoPolicies(t *testing.T) {
	e := New(audit.NewRing(16), true)
	e.AddRole("empty")
	if e.Check("bob", []string{"empty"}, "doc:public", "read", "") {
		t.Fatal("expected deny for role with no policies")
	}
}

func TestDenyOverridesAllow(t *testing.T) {
	e := New(audit.NewRing(16), true)
	e.AddPolicy(Policy{Name: "allow-read", Statements: []Statement{
		{Effect: Allow, Actions: []string{"read"}, Resources: []string{"doc:*"}},
	}})
	e.AddPolicy(Policy{Name: "deny-secret", Statements: []Statement{
		{Effect: Deny, Actions: []string{"read"}, Resources: []string{"doc:secret"}},
	}})
	e.AttachPolicy("r1", "allow-read")
	e.AttachPolicy("r2", "deny-secret")

	roles := []string{"r1", "r2"}
	if e.Check("bob", roles, "doc:secret", "read", "") {
		t.Fatal("expected deny to win for doc:secret")
	}
	if !e.Check("bob", roles, "doc:public", "read", "") {
		t.Fatal("expected allow for doc:public")
	}
}

func TestGlobResourceMatch(t *testing.T) {
	e := New(audit.NewRing(16), true)
	e.AddPolicy(Policy{Name: "p", Statements: []Statement{
		{Effect: Allow, Actions: []string{"*"}, Resources: []string{"function:*"}},
	}})
	e.AttachPolicy("r1", "p")
	if !e.Check("alice", []string{"r1"}, "function:foo", "invoke", "") {
		t.Fatal("expected glob match to allow function:foo")
	}
	if e.Check("alice", []string{"r1"}, "other:foo", "invoke", "") {
		t.Fatal("expected no match outside the glob prefix")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	e := New(audit.NewRing(16), true)
	e.AddPolicy(Policy{Name: "allow-read", Statements: []Statement{
		{Effect: Allow, Actions: []string{"read"}, Resources: []string{"doc:*"}},
	}})
	e.AttachPolicy("r1", "allow-read")

	roles, policies := e.ExportDocument()
	if len(roles) != 1 || roles[0].Name != "r1" || roles[0].Policies[0] != "allow-read" {
		t.Fatalf("unexpected exported roles: %+v", roles)
	}
	if len(policies) != 1 || policies[0].Name != "allow-read" {
		t.Fatalf("unexpected exported policies: %+v", policies)
	}

	fresh := New(audit.NewRing(16), true)
	fresh.Import(roles, policies)
	if !fresh.Check("alice", []string{"r1"}, "doc:1", "read", "") {
		t.Fatal("expected imported role/policy to grant access")
	}
}

func TestDetachPolicyRemovesAccess(t *testing.T) {
	e := New(audit.NewRing(16), true)
	e.AddPolicy(Policy{Name: "p", Statements: []Statement{
		{Effect: Allow, Actions: []string{"read"}, Resources: []string{"doc:1"}},
	}})
	e.AttachPolicy("r1", "p")
	if !e.Check("alice", []string{"r1"}, "doc:1", "read", "") {
		t.Fatal("expected allow before detach")
	}
	e.DetachPolicy("r1", "p")
	if e.Check("alice", []string{"r1"}, "doc:1", "read", "") {
		t.Fatal("expected deny after detach")
	}
}
