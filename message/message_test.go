package message

import "testing"

func roundTripCases() []*Message {
	return []*Message{
		{
			Kind:          KindRequest,
			Flags:         Flags{Reliable: true, Priority: false, FragmentOf: 3, FragmentSeq: 1, MoreToFollow: true},
			CorrelationID: 42,
			Payload:       []byte("hello"),
			Token:         "tok-abc",
			Resource:      "doc:public",
			Action:        "read",
			IdentityID:    "alice",
		},
		{
			Kind:          KindAuthLogin,
			CorrelationID: 0,
			Payload:       nil,
		},
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c, ok := Lookup("json")
	if !ok {
		t.Fatal("json codec not registered")
	}
	for _, m := range roundTripCases() {
		enc, err := c.Encode(m)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		dec, err := c.Decode(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		assertMessagesEqual(t, m, dec)
	}
}

func TestBinaryCodecRoundTrip(t *testing.T) {
	c, ok := Lookup("binary")
	if !ok {
		t.Fatal("binary codec not registered")
	}
	for _, m := range roundTripCases() {
		enc, err := c.Encode(m)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		dec, err := c.Decode(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		assertMessagesEqual(t, m, dec)
	}
}

func TestAuthExemptKinds(t *testing.T) {
	exempt := []Kind{KindAuthLogin, KindAuthTokenRefresh, KindAuthTokenValidate, KindAuthTokenRevoke}
	for _, k := range exempt {
		if !k.IsAuthExempt() {
			t.Fatalf("%s: expected auth-exempt", k)
		}
	}
	nonExempt := []Kind{KindRequest, KindResponse, KindNotify, KindHeartbeat}
	for _, k := range nonExempt {
		if k.IsAuthExempt() {
			t.Fatalf("%s: expected not auth-exempt", k)
		}
	}
}

func assertMessagesEqual(t *testing.T, want, got *Message) {
	t.Helper()
	if want.Kind != got.Kind {
		t.Fatalf("kind: got %s, want %s", got.Kind, want.Kind)
	}
	if want.CorrelationID != got.CorrelationID {
		t.Fatalf("cid: got %d, want %d", got.CorrelationID, want.CorrelationID)
	}
	if string(want.Payload) != string(got.Payload) {
		t.Fatalf("payload: got %q, want %q", got.Payload, want.Payload)
	}
	if want.Token != got.Token || want.Resource != got.Resource || want.Action != got.Action || want.IdentityID != got.IdentityID {
		t.Fatalf("metadata mismatch: got %+v, want %+v", got, want)
	}
	if want.Flags != got.Flags {
		t.Fatalf("flags: got %+v, want %+v", got.Flags, want.Flags)
	}
}
