package wire

import (
	"encoding/json"
	"testing"
)

func roundTrip(t *testing.T, env Envelope) Envelope {
	t.Helper()

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return decoded
}

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []Envelope{
		{Type: TypePing},
		Pong(),
		Connected("u1", "ada@example.com"),
		ConnectCode("X8K9MP"),
		Error("Peer not connected"),
		PresenceDelta(true, "u2"),
		PresenceDelta(false, "u2"),
		{Type: TypeAddFriend, Code: "x8k9mp"},
		{
			Type:       TypeSessionRequest,
			SessionID:  "S1",
			SenderID:   "u1",
			SenderName: "ada",
			FileName:   "r.bin",
			FileSize:   131072,
			FileType:   "bin",
		},
		{Type: TypeOffer, PeerID: "u2", Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)},
	}

	for _, env := range tests {
		decoded := roundTrip(t, env)
		reencoded, err := json.Marshal(decoded)
		if err != nil {
			t.Fatalf("re-marshal failed: %v", err)
		}
		original, _ := json.Marshal(env)
		if string(reencoded) != string(original) {
			t.Errorf("%s: round trip changed encoding:\n  %s\n  %s", env.Type, original, reencoded)
		}
	}
}

func TestEnvelopeOmitsUnusedFields(t *testing.T) {
	data, err := json.Marshal(Pong())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("expected bare pong, got %s", data)
	}
}

func TestFriendsListRoundTrip(t *testing.T) {
	env := FriendsList([]FriendView{
		{ID: "u2", Name: "grace", Email: "grace@example.com", IsOnline: true},
		{ID: "u3", Name: "alan", Email: "alan@example.com"},
	})

	decoded := roundTrip(t, env)
	if len(decoded.Friends) != 2 {
		t.Fatalf("expected 2 friends, got %d", len(decoded.Friends))
	}
	if !decoded.Friends[0].IsOnline || decoded.Friends[1].IsOnline {
		t.Errorf("presence flags lost in round trip")
	}
}

func TestOpaquePayloadPreserved(t *testing.T) {
	payload := `{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host","sdpMid":"0","sdpMLineIndex":0}`
	env := Envelope{Type: TypeICECandidate, PeerID: "u2", Payload: json.RawMessage(payload)}

	decoded := roundTrip(t, env)
	if string(decoded.Payload) != payload {
		t.Errorf("payload not relayed verbatim:\n  %s\n  %s", payload, decoded.Payload)
	}
}
