// Package auth wires the zero-trust authentication middleware into a
// protocol.Context: auth.*-prefixed message kinds are exempted and routed
// to the token service, every other message has its token validated, its
// identity resolved, and its resource/action pair checked against the
// policy engine.
package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/obinexus/libpolycall/audit"
	"github.com/obinexus/libpolycall/identity"
	"github.com/obinexus/libpolycall/message"
	"github.com/obinexus/libpolycall/policy"
	"github.com/obinexus/libpolycall/polyerr"
	"github.com/obinexus/libpolycall/protocol"
	"github.com/obinexus/libpolycall/token"
)

// Integrator binds the token, identity, and policy services into a
// protocol.Context's middleware chain.
type Integrator struct {
	tokens *token.Service
	idents *identity.Registry
	eng    *policy.Engine
	sink   audit.Sink
}

// New builds an Integrator over the three zero-trust services. A nil sink
// falls back to a small private ring so login auditing is never silently
// disabled.
func New(tokens *token.Service, idents *identity.Registry, eng *policy.Engine, sink audit.Sink) *Integrator {
	if sink == nil {
		sink = audit.NewRing(256)
	}
	return &Integrator{tokens: tokens, idents: idents, eng: eng, sink: sink}
}

// Install registers the authentication middleware and the auth.* handlers
// on ctx.
func (a *Integrator) Install(ctx *protocol.Context) {
	ctx.Use(a.middleware)
	ctx.RegisterHandler(message.KindAuthLogin, a.handleLogin)
	ctx.RegisterHandler(message.KindAuthTokenRefresh, a.handleRefresh)
	ctx.RegisterHandler(message.KindAuthTokenValidate, a.handleValidate)
	ctx.RegisterHandler(message.KindAuthTokenRevoke, a.handleRevoke)
}

// middleware exempts auth.*-prefixed kinds and, for everything else,
// validates the message's token and checks policy for its resource/action
// pair, attaching the resolved identity id to the message on success.
func (a *Integrator) middleware(_ context.Context, m *message.Message) (protocol.Decision, error) {
	if m.Kind.IsAuthExempt() {
		return protocol.Allow, nil
	}

	claims, err := a.tokens.Validate(m.Token)
	if err != nil {
		return protocol.Deny, nil
	}
	m.IdentityID = claims.Identity

	if !a.eng.CheckWithRegistry(a.idents, claims.Identity, m.Resource, m.Action, "") {
		return protocol.Deny, nil
	}
	return protocol.Allow, nil
}

// DispatcherResource synthesizes the `<dispatcher>:<command-name>`
// resource string for external command-dispatcher hooks; the action is
// always "execute".
func DispatcherResource(dispatcher, command string) (resource, action string) {
	return dispatcher + ":" + command, "execute"
}

type loginRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret,omitempty"`
}

type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// handleLogin verifies the caller's credential against the identity
// registry's stored hash (when one is stored; identities enrolled without
// a credential log in bare, preserving the registry as the single gate)
// and answers with an access + refresh token pair.
func (a *Integrator) handleLogin(_ context.Context, req *message.Message) (*message.Message, error) {
	var lr loginRequest
	if err := json.Unmarshal(req.Payload, &lr); err != nil || lr.Identity == "" {
		return nil, polyerr.New(polyerr.CodeInvalidArgument, "auth.login: missing identity")
	}

	if a.idents != nil && a.idents.HasCredential(lr.Identity) && !a.idents.VerifyCredential(lr.Identity, lr.Secret) {
		a.sink.Emit(audit.Event{Kind: audit.KindLogin, IdentityID: lr.Identity, Success: false})
		return nil, polyerr.New(polyerr.CodeAccessDenied, "auth.login: credential verification failed")
	}

	access, err := a.tokens.Issue(lr.Identity, token.KindAccess, nil, nil)
	if err != nil {
		return nil, err
	}
	refresh, err := a.tokens.Issue(lr.Identity, token.KindRefresh, nil, nil)
	if err != nil {
		return nil, err
	}

	if a.idents != nil {
		a.idents.Touch(lr.Identity, identity.Device{}, time.Now().UTC())
	}
	a.sink.Emit(audit.Event{Kind: audit.KindLogin, IdentityID: lr.Identity, Success: true})

	body, _ := json.Marshal(tokenResponse{Token: access, RefreshToken: refresh})
	return &message.Message{Kind: message.KindResponse, Payload: body}, nil
}

func (a *Integrator) handleRefresh(_ context.Context, req *message.Message) (*message.Message, error) {
	next, err := a.tokens.Refresh(req.Token)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(tokenResponse{Token: next})
	return &message.Message{Kind: message.KindResponse, Payload: body}, nil
}

func (a *Integrator) handleValidate(_ context.Context, req *message.Message) (*message.Message, error) {
	claims, err := a.tokens.Validate(req.Token)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(struct {
		Identity string `json:"identity"`
	}{Identity: claims.Identity})
	return &message.Message{Kind: message.KindResponse, Payload: body}, nil
}

func (a *Integrator) handleRevoke(_ context.Context, req *message.Message) (*message.Message, error) {
	if err := a.tokens.Revoke(req.Token); err != nil {
		return nil, err
	}
	return &message.Message{Kind: message.KindResponse}, nil
}
