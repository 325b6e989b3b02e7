// Package identity implements the identity registry: named principals,
// their assigned roles, hashed credentials, free-form attributes, and
// device/last-seen bookkeeping.
package identity

import (
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/obinexus/libpolycall/polyerr"
)

// Device records what last connected as an identity.
type Device struct {
	ID        string
	UserAgent string
}

// Identity is a named principal whose authorization is determined by its
// assigned roles. credentialHash is the stored credential reference; the
// raw credential is hashed on the way in and never retained.
type Identity struct {
	ID         string
	Roles      []string
	Attributes map[string]string
	Device     Device
	LastSeen   time.Time

	credentialHash []byte
}

// Registry is the mutex-guarded store of identities. Operations that span
// this registry and the policy engine take the identity lock first, then
// policy, never the reverse.
type Registry struct {
	mu         sync.Mutex
	identities map[string]*Identity
	onDelete   func(id string)
}

// NewRegistry builds an empty identity registry.
func NewRegistry() *Registry {
	return &Registry{identities: make(map[string]*Identity)}
}

// OnDelete registers a hook invoked (outside the registry's own lock)
// whenever Delete removes an identity, so a caller can wire
// token.Service.RevokeBySubject without this package importing token and
// creating a cycle.
func (r *Registry) OnDelete(fn func(id string)) {
	r.mu.Lock()
	r.onDelete = fn
	r.mu.Unlock()
}

// Delete removes id from the registry and runs the OnDelete hook, if any.
// Identity ids are immutable once created; Delete is the only way an id
// stops existing.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	_, existed := r.identities[id]
	delete(r.identities, id)
	hook := r.onDelete
	r.mu.Unlock()

	if existed && hook != nil {
		hook(id)
	}
}

// Lock exposes the registry mutex so callers composing a cross-package
// operation (identity then policy) can hold it across both registries in
// the mandated order.
func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// Put creates the identity if it does not exist and merges attrs into its
// attributes; attributes not named in attrs, roles and credential are kept.
func (r *Registry) Put(id string, attrs map[string]string) *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[id]
	if !ok {
		ident = &Identity{ID: id, Attributes: map[string]string{}}
		r.identities[id] = ident
	}
	for k, v := range attrs {
		ident.Attributes[k] = v
	}
	return ident
}

// Get fetches an identity by id.
func (r *Registry) Get(id string) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[id]
	if !ok {
		return nil, polyerr.New(polyerr.CodeInvalidArgument, "identity: unknown id "+id)
	}
	return ident, nil
}

// Roles returns the identity's currently assigned roles, or an empty slice
// for an unknown identity: no roles rather than an error, so policy
// evaluation can apply default-deny uniformly.
func (r *Registry) Roles(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[id]
	if !ok {
		return nil
	}
	return append([]string(nil), ident.Roles...)
}

// AssignRole attaches role to identity id if not already present.
func (r *Registry) AssignRole(id, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[id]
	if !ok {
		ident = &Identity{ID: id, Attributes: map[string]string{}}
		r.identities[id] = ident
	}
	for _, existing := range ident.Roles {
		if existing == role {
			return nil
		}
	}
	ident.Roles = append(ident.Roles, role)
	return nil
}

// RemoveRole detaches role from identity id.
func (r *Registry) RemoveRole(id, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[id]
	if !ok {
		return polyerr.New(polyerr.CodeInvalidArgument, "identity: unknown id "+id)
	}
	out := ident.Roles[:0]
	for _, existing := range ident.Roles {
		if existing != role {
			out = append(out, existing)
		}
	}
	ident.Roles = out
	return nil
}

// ExportedIdentity is one identity's export document shape:
// `{id, roles:[], attributes:{}}`.
type ExportedIdentity struct {
	ID         string            `json:"id"`
	Roles      []string          `json:"roles"`
	Attributes map[string]string `json:"attributes"`
}

// ExportDocument returns every identity in the registry in the export
// document shape, for a caller assembling the combined
// identities/roles/policies document.
func (r *Registry) ExportDocument() []ExportedIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ExportedIdentity, 0, len(r.identities))
	for _, ident := range r.identities {
		attrs := make(map[string]string, len(ident.Attributes))
		for k, v := range ident.Attributes {
			attrs[k] = v
		}
		out = append(out, ExportedIdentity{
			ID:         ident.ID,
			Roles:      append([]string(nil), ident.Roles...),
			Attributes: attrs,
		})
	}
	return out
}

// Import creates each identity named in docs, or updates an existing one
// by merging in the document's attributes and adding its roles; roles and
// attributes the document does not name are kept. Existing identities not
// named in docs are left untouched.
func (r *Registry) Import(docs []ExportedIdentity) {
	for _, d := range docs {
		r.Put(d.ID, d.Attributes)
		for _, role := range d.Roles {
			_ = r.AssignRole(d.ID, role)
		}
	}
}

// SetCredential stores a bcrypt hash of secret as the identity's
// credential reference. The raw secret is never retained.
func (r *Registry) SetCredential(id, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return polyerr.Wrap(polyerr.CodeInternal, err, "identity: hashing credential")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[id]
	if !ok {
		ident = &Identity{ID: id, Attributes: map[string]string{}}
		r.identities[id] = ident
	}
	ident.credentialHash = hash
	return nil
}

// HasCredential reports whether a credential reference is stored for id.
func (r *Registry) HasCredential(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[id]
	return ok && len(ident.credentialHash) > 0
}

// VerifyCredential checks secret against the identity's stored credential
// hash. An identity with no stored credential never verifies.
func (r *Registry) VerifyCredential(id, secret string) bool {
	r.mu.Lock()
	ident, ok := r.identities[id]
	var hash []byte
	if ok {
		hash = ident.credentialHash
	}
	r.mu.Unlock()
	if len(hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}

// Touch records last-seen time and device info for an identity.
func (r *Registry) Touch(id string, device Device, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[id]
	if !ok {
		ident = &Identity{ID: id, Attributes: map[string]string{}}
		r.identities[id] = ident
	}
	ident.Device = device
	ident.LastSeen = at
}
