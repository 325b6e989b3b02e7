// Package policy implements the policy engine: roles bundling policies,
// policies bundling statements, and the deny-overrides-allow,
// default-deny decision algorithm.
package policy

import (
	"strings"
	"sync"

	"github.com/obinexus/libpolycall/audit"
	"github.com/obinexus/libpolycall/identity"
)

// Effect is a statement's verdict when it matches.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Statement is one (effect, actions, resources, optional condition) rule.
type Statement struct {
	Effect    Effect
	Actions   []string
	Resources []string
	Condition string
}

// Policy is a named set of statements.
type Policy struct {
	Name       string
	Statements []Statement
}

// Role is a named bundle of policy names.
type Role struct {
	Name     string
	Policies []string
}

// Engine evaluates access decisions against roles, policies, and an
// identity registry. Mutation operations take a single global policy
// lock.
type Engine struct {
	mu       sync.Mutex
	roles    map[string]*Role
	policies map[string]*Policy
	sink     audit.Sink
	strict   bool
}

// New builds an Engine. strict is stored on the Engine but Check does not
// read it: a request no statement matches is denied whether strict is true
// or false.
func New(sink audit.Sink, strict bool) *Engine {
	return &Engine{
		roles:    make(map[string]*Role),
		policies: make(map[string]*Policy),
		sink:     sink,
		strict:   strict,
	}
}

// AddRole registers a new role name.
func (e *Engine) AddRole(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.roles[name]; !ok {
		e.roles[name] = &Role{Name: name}
	}
	e.sink.Emit(audit.Event{Kind: audit.KindRoleAssign, Success: true, Resource: name})
}

// AddPolicy registers a named policy.
func (e *Engine) AddPolicy(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = &p
	e.sink.Emit(audit.Event{Kind: audit.KindPolicyCreate, Success: true, Resource: p.Name})
}

// AttachPolicy attaches an existing policy to an existing role.
func (e *Engine) AttachPolicy(roleName, policyName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	role, ok := e.roles[roleName]
	if !ok {
		role = &Role{Name: roleName}
		e.roles[roleName] = role
	}
	for _, p := range role.Policies {
		if p == policyName {
			e.sink.Emit(audit.Event{Kind: audit.KindPolicyUpdate, Success: true, Resource: roleName, Action: policyName})
			return
		}
	}
	role.Policies = append(role.Policies, policyName)
	e.sink.Emit(audit.Event{Kind: audit.KindPolicyUpdate, Success: true, Resource: roleName, Action: policyName})
}

// DetachPolicy removes a policy from a role.
func (e *Engine) DetachPolicy(roleName, policyName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	role, ok := e.roles[roleName]
	if !ok {
		return
	}
	out := role.Policies[:0]
	for _, p := range role.Policies {
		if p != policyName {
			out = append(out, p)
		}
	}
	role.Policies = out
	e.sink.Emit(audit.Event{Kind: audit.KindPolicyUpdate, Success: true, Resource: roleName, Action: "detach:" + policyName})
}

// RemoveRole deletes a role entirely.
func (e *Engine) RemoveRole(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.roles, name)
	e.sink.Emit(audit.Event{Kind: audit.KindRoleRemove, Success: true, Resource: name})
}

// Check evaluates whether identityRoles may perform action on resource,
// given context (a free-form string condition statements are matched
// against): deny overrides allow, no match denies, and every decision
// emits an AccessGranted/AccessDenied audit event.
func (e *Engine) Check(identityID string, identityRoles []string, resource, action, context string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(identityRoles) == 0 {
		e.emit(identityID, resource, action, false)
		return false
	}

	sawAllow := false
	for _, roleName := range identityRoles {
		role, ok := e.roles[roleName]
		if !ok {
			continue
		}
		for _, policyName := range role.Policies {
			p, ok := e.policies[policyName]
			if !ok {
				continue
			}
			for _, stmt := range p.Statements {
				if !matches(stmt.Resources, resource) || !matches(stmt.Actions, action) {
					continue
				}
				if stmt.Condition != "" && !strings.Contains(context, stmt.Condition) {
					continue
				}
				if stmt.Effect == Deny {
					e.emit(identityID, resource, action, false)
					return false
				}
				if stmt.Effect == Allow {
					sawAllow = true
				}
			}
		}
	}

	e.emit(identityID, resource, action, sawAllow)
	return sawAllow
}

// CheckWithRegistry is a convenience wrapper that fetches roles from the
// identity registry before calling Check. Callers composing
// identity+policy locks must still acquire identity's lock first; this
// helper does not itself hold both locks at once, since Roles returns a
// copy before Check is invoked.
func (e *Engine) CheckWithRegistry(reg *identity.Registry, identityID, resource, action, context string) bool {
	roles := reg.Roles(identityID)
	return e.Check(identityID, roles, resource, action, context)
}

// ExportedStatement is one statement's export document shape:
// `{effect, actions:[], resources:[], condition?}`.
type ExportedStatement struct {
	Effect    Effect   `json:"effect"`
	Actions   []string `json:"actions"`
	Resources []string `json:"resources"`
	Condition string   `json:"condition,omitempty"`
}

// ExportedPolicy is one policy's export document shape:
// `{name, statements:[...]}`.
type ExportedPolicy struct {
	Name       string              `json:"name"`
	Statements []ExportedStatement `json:"statements"`
}

// ExportedRole is one role's export document shape:
// `{name, policies:[]}`.
type ExportedRole struct {
	Name     string   `json:"name"`
	Policies []string `json:"policies"`
}

// ExportDocument returns every role and policy currently registered, in
// the export document shape, for a caller assembling the combined
// identities/roles/policies document.
func (e *Engine) ExportDocument() ([]ExportedRole, []ExportedPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()

	roles := make([]ExportedRole, 0, len(e.roles))
	for _, r := range e.roles {
		roles = append(roles, ExportedRole{Name: r.Name, Policies: append([]string(nil), r.Policies...)})
	}

	policies := make([]ExportedPolicy, 0, len(e.policies))
	for _, p := range e.policies {
		stmts := make([]ExportedStatement, 0, len(p.Statements))
		for _, s := range p.Statements {
			stmts = append(stmts, ExportedStatement{
				Effect:    s.Effect,
				Actions:   append([]string(nil), s.Actions...),
				Resources: append([]string(nil), s.Resources...),
				Condition: s.Condition,
			})
		}
		policies = append(policies, ExportedPolicy{Name: p.Name, Statements: stmts})
	}
	return roles, policies
}

// Import replaces/creates every role and policy named in the documents.
// Mutations go through AddPolicy/AttachPolicy so audit events are emitted
// the same way manual mutation would.
func (e *Engine) Import(roles []ExportedRole, policies []ExportedPolicy) {
	for _, p := range policies {
		stmts := make([]Statement, 0, len(p.Statements))
		for _, s := range p.Statements {
			stmts = append(stmts, Statement{
				Effect:    s.Effect,
				Actions:   s.Actions,
				Resources: s.Resources,
				Condition: s.Condition,
			})
		}
		e.AddPolicy(Policy{Name: p.Name, Statements: stmts})
	}
	for _, r := range roles {
		e.AddRole(r.Name)
		for _, policyName := range r.Policies {
			e.AttachPolicy(r.Name, policyName)
		}
	}
}

func (e *Engine) emit(identityID, resource, action string, allowed bool) {
	kind := audit.KindAccessDenied
	if allowed {
		kind = audit.KindAccessGranted
	}
	e.sink.Emit(audit.Event{Kind: kind, IdentityID: identityID, Resource: resource, Action: action, Success: allowed})
}

// matches implements resource/action matching: exact match or a glob
// suffix ("function:*" matches "function:foo"), and "*" matches anything.
func matches(patterns []string, value string) bool {
	for _, p := range patterns {
		if p == "*" || p == value {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(value, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}
