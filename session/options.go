package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/obinexus/libpolycall/audit"
	"github.com/obinexus/libpolycall/handshake"
	"github.com/obinexus/libpolycall/identity"
	"github.com/obinexus/libpolycall/policy"
	"github.com/obinexus/libpolycall/stream"
	"github.com/obinexus/libpolycall/token"
)

// Option configures Dial/Listen.
type Option func(*Config)

// Config holds the settings a Dial or Listen call applies to the session it
// builds. Zero value is never used directly; construct via defaultConfig
// and apply Options on top.
type Config struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	codec string

	handshakeCfg handshake.Config
	localCaps    handshake.Capabilities
	localMin     handshake.MinRequirements

	streamCfg stream.Config

	connectTimeout time.Duration
	pingInterval   time.Duration

	tokens     *token.Service
	identities *identity.Registry
	policies   *policy.Engine
	auditSink  audit.Sink
}

// defaultConfig returns library defaults: medium security with encryption
// and streaming on, no policy engine, and no token service (newSession
// installs the auth middleware only when a token service is configured, so
// a session built without WithTokenService runs without it).
func defaultConfig() *Config {
	ctx, cancel := context.WithCancel(context.Background())
	return &Config{
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default(),
		codec:  "json",

		handshakeCfg: handshake.DefaultConfig(),
		localCaps: handshake.Capabilities{
			SecurityLevel:     handshake.SecurityMedium,
			Encryption:        true,
			Streaming:         true,
			MaxMessageSize:    16 * 1024,
			HeartbeatInterval: 30000,
		},

		streamCfg: stream.DefaultConfig(),

		connectTimeout: 30 * time.Second,
		pingInterval:   30 * time.Second,

		auditSink: audit.NewRing(1024),
	}
}

func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithContext sets the base context Dial/Listen and every background
// goroutine derive from.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.ctx, c.cancel = context.WithCancel(ctx)
		}
	}
}

// WithLogger overrides the session's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCodec selects the registered message.Codec by name.
func WithCodec(name string) Option {
	return func(c *Config) {
		if name != "" {
			c.codec = name
		}
	}
}

// WithHandshakeConfig overrides the handshake engine's stage timeout and
// retry policy.
func WithHandshakeConfig(cfg handshake.Config) Option {
	return func(c *Config) { c.handshakeCfg = cfg }
}

// WithCapabilities sets the Capabilities this side declares during
// handshake negotiation.
func WithCapabilities(caps handshake.Capabilities) Option {
	return func(c *Config) { c.localCaps = caps }
}

// WithMinRequirements sets this side's non-negotiable security/feature
// floor; negotiation fails if the settled Params falls short of it.
func WithMinRequirements(min handshake.MinRequirements) Option {
	return func(c *Config) { c.localMin = min }
}

// WithStreamConfig overrides the duplex stream's buffer size, message
// size, poll interval, and idle timeout.
func WithStreamConfig(cfg stream.Config) Option {
	return func(c *Config) { c.streamCfg = cfg }
}

// WithConnectTimeout bounds how long Dial waits for the transport to
// connect before the handshake even starts.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithPingInterval sets the heartbeat cadence used when the negotiated
// heartbeat interval is zero; a non-zero negotiated interval takes
// precedence. With both zero, no heartbeats are sent.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

// WithTokenService installs the zero-trust token service. Sessions built
// without one skip the auth.Integrator entirely: every message dispatches
// unauthenticated.
func WithTokenService(s *token.Service) Option {
	return func(c *Config) { c.tokens = s }
}

// WithIdentityRegistry installs the identity registry the auth integrator
// and policy engine resolve roles against.
func WithIdentityRegistry(r *identity.Registry) Option {
	return func(c *Config) { c.identities = r }
}

// WithPolicyEngine installs the policy engine the auth integrator checks
// every non-exempt message against.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(c *Config) { c.policies = e }
}

// WithAuditSink overrides the default in-memory audit ring.
func WithAuditSink(sink audit.Sink) Option {
	return func(c *Config) {
		if sink != nil {
			c.auditSink = sink
		}
	}
}
