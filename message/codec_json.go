package message

import jsoniter "github.com/json-iterator/go"

// jsonAPI is drop-in compatible with encoding/json but faster on the
// small envelope structs this codec round-trips.
var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	Register(jsonCodec{})
}

// wireMessage is the snake_case wire shape: kind, flags, cid, token,
// resource, action, payload.
type wireMessage struct {
	Kind     string    `json:"kind"`
	Flags    wireFlags `json:"flags"`
	CID      uint64    `json:"cid"`
	Token    string    `json:"token,omitempty"`
	Resource string    `json:"resource,omitempty"`
	Action   string    `json:"action,omitempty"`
	Payload  []byte    `json:"payload,omitempty"`
	Identity string    `json:"identity_id,omitempty"`
}

type wireFlags struct {
	Reliable     bool   `json:"reliable,omitempty"`
	Priority     bool   `json:"priority,omitempty"`
	FragmentOf   uint16 `json:"fragment_of,omitempty"`
	FragmentSeq  uint16 `json:"fragment_seq,omitempty"`
	MoreToFollow bool   `json:"more,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(m *Message) ([]byte, error) {
	w := wireMessage{
		Kind:     string(m.Kind),
		CID:      m.CorrelationID,
		Token:    m.Token,
		Resource: m.Resource,
		Action:   m.Action,
		Payload:  m.Payload,
		Identity: m.IdentityID,
		Flags: wireFlags{
			Reliable:     m.Flags.Reliable,
			Priority:     m.Flags.Priority,
			FragmentOf:   m.Flags.FragmentOf,
			FragmentSeq:  m.Flags.FragmentSeq,
			MoreToFollow: m.Flags.MoreToFollow,
		},
	}
	return jsonAPI.Marshal(w)
}

func (jsonCodec) Decode(b []byte) (*Message, error) {
	var w wireMessage
	if err := jsonAPI.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return &Message{
		Kind:          Kind(w.Kind),
		CorrelationID: w.CID,
		Token:         w.Token,
		Resource:      w.Resource,
		Action:        w.Action,
		Payload:       w.Payload,
		IdentityID:    w.Identity,
		Flags: Flags{
			Reliable:     w.Flags.Reliable,
			Priority:     w.Flags.Priority,
			FragmentOf:   w.Flags.FragmentOf,
			FragmentSeq:  w.Flags.FragmentSeq,
			MoreToFollow: w.Flags.MoreToFollow,
		},
	}, nil
}
