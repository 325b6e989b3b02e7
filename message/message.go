// Package message defines the typed envelope every protocol exchange is
// built from and the pluggable Codec interface used to serialize it.
package message

// Kind identifies the category of a Message. auth kinds are modeled as a
// dotted string prefix (e.g. "auth.login") rather than a closed enum, since
// the auth integrator dispatches on that prefix.
type Kind string

const (
	KindHandshake Kind = "handshake"
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindNotify    Kind = "notify"
	KindError     Kind = "error"
	KindHeartbeat Kind = "heartbeat"
	KindCancel    Kind = "cancel"

	// Auth-prefixed kinds are exempted from the access-control middleware
	// and routed to the token service's handlers.
	KindAuthLogin         Kind = "auth.login"
	KindAuthTokenRefresh  Kind = "auth.token.refresh"
	KindAuthTokenValidate Kind = "auth.token.validate"
	KindAuthTokenRevoke   Kind = "auth.token.revoke"
)

// AuthPrefix is the dotted prefix identifying auth-exempt message kinds.
const AuthPrefix = "auth."

// IsAuthExempt reports whether a message kind bypasses the access-control
// middleware.
func (k Kind) IsAuthExempt() bool {
	s := string(k)
	return len(s) >= len(AuthPrefix) && s[:len(AuthPrefix)] == AuthPrefix
}

// Flags are the per-message bit flags.
type Flags struct {
	Reliable     bool
	Priority     bool
	FragmentOf   uint16 // 0 when the message is not a fragment
	FragmentSeq  uint16
	MoreToFollow bool
}

// Message is the typed envelope carried over every session exchange.
type Message struct {
	Kind          Kind
	Flags         Flags
	CorrelationID uint64
	Payload       []byte
	// Token is the optional bearer credential attached to the message for
	// the integrator/token service to validate.
	Token string
	// Resource/Action are the optional authorization metadata the policy
	// engine evaluates the message against.
	Resource string
	Action   string
	// IdentityID is populated by the auth integrator once a token has
	// been validated, for the handler's use.
	IdentityID string
}

// Codec encodes/decodes a Message to/from bytes. Concrete codecs (JSON,
// binary, ...) are pluggable.
type Codec interface {
	Name() string
	Encode(m *Message) ([]byte, error)
	Decode(b []byte) (*Message, error)
}

var registry = make(map[string]Codec)

// Register installs a Codec under a name (e.g. "json", "binary") so
// protocol.Context can select one by configuration, mirroring transport's
// scheme registry.
func Register(c Codec) {
	registry[c.Name()] = c
}

// Lookup returns the codec registered under name, if any.
func Lookup(name string) (Codec, bool) {
	c, ok := registry[name]
	return c, ok
}
