package hub

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxdrive/flux/internal/directory"
	"github.com/fluxdrive/flux/internal/identity"
	"github.com/fluxdrive/flux/internal/wire"
)

const readTimeout = 5 * time.Second

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()

	db, err := directory.NewDB(filepath.Join(t.TempDir(), "flux.sqlite3"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}

	verifier := identity.NewStaticVerifier(map[string]identity.Identity{
		"tok-a": {UserID: "u1", Email: "ada@example.com"},
		"tok-b": {UserID: "u2", Email: "grace@example.com"},
		"tok-c": {UserID: "u3", Email: "alan@example.com"},
	})

	h := New(Config{
		Verifier:  verifier,
		Directory: directory.NewStore(db),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/flux", h.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, srv
}

// dialHub connects with a token and consumes the connected handshake.
func dialHub(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	conn := rawDial(t, srv, token)
	env := readEnv(t, conn)
	if env.Type != wire.TypeConnected {
		t.Fatalf("expected connected handshake, got %q", env.Type)
	}
	return conn
}

func rawDial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/flux?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnv(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	var env wire.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("reading message: %v", err)
	}
	return env
}

func send(t *testing.T, conn *websocket.Conn, env wire.Envelope) {
	t.Helper()
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("writing %s: %v", env.Type, err)
	}
}

func waitCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHubRejectsBadToken(t *testing.T) {
	_, srv := newTestHub(t)

	for _, token := range []string{"", "bogus"} {
		conn := rawDial(t, srv, token)
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, _, err := conn.ReadMessage()
		if !websocket.IsCloseError(err, CloseAuthFailure) {
			t.Errorf("token %q: expected close %d, got %v", token, CloseAuthFailure, err)
		}
	}
}

var codePattern = regexp.MustCompile(`^[A-HJ-KM-NP-Z2-9]{6}$`)

func TestHubConnectCodeIssuance(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dialHub(t, srv, "tok-a")

	send(t, conn, wire.Envelope{Type: wire.TypeGetConnectCode})
	env := readEnv(t, conn)
	if env.Type != wire.TypeConnectCode {
		t.Fatalf("expected connect_code, got %q", env.Type)
	}
	if !codePattern.MatchString(env.Code) {
		t.Errorf("code %q not in the ambiguity-free alphabet", env.Code)
	}

	send(t, conn, wire.Envelope{Type: wire.TypeGetConnectCode})
	again := readEnv(t, conn)
	if again.Code != env.Code {
		t.Errorf("code changed between requests: %q then %q", env.Code, again.Code)
	}
}

func TestHubPingPong(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dialHub(t, srv, "tok-a")

	send(t, conn, wire.Envelope{Type: wire.TypePing})
	if env := readEnv(t, conn); env.Type != wire.TypePong {
		t.Errorf("expected pong, got %q", env.Type)
	}
}

func TestHubMalformedJSONKeepsSocket(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dialHub(t, srv, "tok-a")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	env := readEnv(t, conn)
	if env.Type != wire.TypeError || env.Message != "Internal error" {
		t.Fatalf("expected Internal error, got %+v", env)
	}

	// the socket must survive
	send(t, conn, wire.Envelope{Type: wire.TypePing})
	if env := readEnv(t, conn); env.Type != wire.TypePong {
		t.Errorf("socket unusable after malformed message: got %q", env.Type)
	}
}

func TestHubIgnoresUnknownTypes(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dialHub(t, srv, "tok-a")

	send(t, conn, wire.Envelope{Type: "frobnicate"})
	send(t, conn, wire.Envelope{Type: wire.TypePing})
	if env := readEnv(t, conn); env.Type != wire.TypePong {
		t.Errorf("expected the unknown type to be ignored silently, got %q", env.Type)
	}
}

// befriend links the two connected sockets via a's connect code.
func befriend(t *testing.T, a, b *websocket.Conn) {
	t.Helper()

	send(t, a, wire.Envelope{Type: wire.TypeGetConnectCode})
	code := readEnv(t, a).Code

	send(t, b, wire.Envelope{Type: wire.TypeAddFriend, Code: code})
	if env := readEnv(t, b); env.Type != wire.TypeFriendAdded {
		t.Fatalf("expected friend_added for requester, got %+v", env)
	}
	if env := readEnv(t, a); env.Type != wire.TypeFriendAdded {
		t.Fatalf("expected friend_added for code owner, got %+v", env)
	}
}

func TestHubAddFriend(t *testing.T) {
	_, srv := newTestHub(t)
	a := dialHub(t, srv, "tok-a")
	b := dialHub(t, srv, "tok-b")

	send(t, a, wire.Envelope{Type: wire.TypeGetConnectCode})
	code := readEnv(t, a).Code

	// codes resolve case-insensitively
	send(t, b, wire.Envelope{Type: wire.TypeAddFriend, Code: strings.ToLower(code)})
	env := readEnv(t, b)
	if env.Type != wire.TypeFriendAdded || env.Friend == nil {
		t.Fatalf("expected friend_added, got %+v", env)
	}
	if env.Friend.ID != "u1" || !env.Friend.IsOnline {
		t.Errorf("requester's view wrong: %+v", env.Friend)
	}
	if env.Friend.Name != "ada" {
		t.Errorf("expected display handle from email local-part, got %q", env.Friend.Name)
	}

	env = readEnv(t, a)
	if env.Type != wire.TypeFriendAdded || env.Friend == nil || env.Friend.ID != "u2" {
		t.Fatalf("expected symmetric friend_added for u1, got %+v", env)
	}

	// repeat is rejected
	send(t, b, wire.Envelope{Type: wire.TypeAddFriend, Code: code})
	env = readEnv(t, b)
	if env.Type != wire.TypeError || env.Message != "Already friends" {
		t.Errorf("expected Already friends, got %+v", env)
	}

	// own code is rejected
	send(t, a, wire.Envelope{Type: wire.TypeAddFriend, Code: code})
	env = readEnv(t, a)
	if env.Type != wire.TypeError || env.Message != "Cannot add yourself" {
		t.Errorf("expected Cannot add yourself, got %+v", env)
	}

	// unknown code is rejected
	send(t, b, wire.Envelope{Type: wire.TypeAddFriend, Code: "ZZZZZZ"})
	env = readEnv(t, b)
	if env.Type != wire.TypeError || env.Message != "Invalid connect code" {
		t.Errorf("expected Invalid connect code, got %+v", env)
	}
}

func TestHubFriendsListPresence(t *testing.T) {
	_, srv := newTestHub(t)
	a := dialHub(t, srv, "tok-a")
	b := dialHub(t, srv, "tok-b")
	befriend(t, a, b)

	send(t, a, wire.Envelope{Type: wire.TypeGetFriends})
	env := readEnv(t, a)
	if env.Type != wire.TypeFriendsList || len(env.Friends) != 1 {
		t.Fatalf("expected a 1-entry friends_list, got %+v", env)
	}
	if env.Friends[0].ID != "u2" || !env.Friends[0].IsOnline {
		t.Errorf("expected online friend u2, got %+v", env.Friends[0])
	}
}

func TestHubSessionNegotiation(t *testing.T) {
	h, srv := newTestHub(t)
	a := dialHub(t, srv, "tok-a")
	b := dialHub(t, srv, "tok-b")

	send(t, a, wire.Envelope{
		Type:      wire.TypeSessionRequest,
		PeerID:    "u2",
		SessionID: "S1",
		FileName:  "r.bin",
		FileSize:  131072,
	})

	env := readEnv(t, b)
	if env.Type != wire.TypeSessionRequest {
		t.Fatalf("expected relayed session request, got %+v", env)
	}
	if env.SenderID != "u1" || env.SenderName != "ada" || env.SessionID != "S1" {
		t.Errorf("request missing sender fields: %+v", env)
	}
	if env.FileName != "r.bin" || env.FileSize != 131072 {
		t.Errorf("file hint not carried through: %+v", env)
	}

	if s, ok := h.Sessions().Get("S1"); !ok || s.State != SessionPending {
		t.Fatalf("expected pending session, got %+v", s)
	}

	send(t, b, wire.Envelope{Type: wire.TypeSessionAccept, SessionID: "S1"})
	if env := readEnv(t, a); env.Type != wire.TypeSessionAccept || env.SenderID != "u2" {
		t.Fatalf("expected relayed accept, got %+v", env)
	}
	if s, _ := h.Sessions().Get("S1"); s.State != SessionAccepted {
		t.Fatalf("expected accepted state, got %s", s.State)
	}

	// opaque signaling relays verbatim
	offer := `{"type":"offer","sdp":"v=0 fake"}`
	send(t, a, wire.Envelope{Type: wire.TypeOffer, PeerID: "u2", SessionID: "S1", Payload: []byte(offer)})
	env = readEnv(t, b)
	if env.Type != wire.TypeOffer || string(env.Payload) != offer || env.SenderID != "u1" {
		t.Fatalf("offer not relayed verbatim: %+v", env)
	}

	answer := `{"type":"answer","sdp":"v=0 fake"}`
	send(t, b, wire.Envelope{Type: wire.TypeAnswer, PeerID: "u1", SessionID: "S1", Payload: []byte(answer)})
	if env := readEnv(t, a); string(env.Payload) != answer {
		t.Fatalf("answer not relayed verbatim: %+v", env)
	}

	ice := `{"candidate":"candidate:1 1 udp 1 192.0.2.7 9 typ host","sdpMid":"0"}`
	send(t, a, wire.Envelope{Type: wire.TypeICECandidate, PeerID: "u2", Payload: []byte(ice)})
	if env := readEnv(t, b); env.Type != wire.TypeICECandidate || string(env.Payload) != ice {
		t.Fatalf("candidate not relayed verbatim: %+v", env)
	}

	send(t, a, wire.Envelope{Type: wire.TypeSessionReady, SessionID: "S1"})
	if env := readEnv(t, b); env.Type != wire.TypeSessionReady {
		t.Fatalf("expected relayed ready, got %+v", env)
	}
	if s, _ := h.Sessions().Get("S1"); s.State != SessionConnected {
		t.Fatalf("expected connected state, got %s", s.State)
	}

	send(t, b, wire.Envelope{Type: wire.TypeSessionClose, SessionID: "S1"})
	if env := readEnv(t, a); env.Type != wire.TypeSessionClose {
		t.Fatalf("expected relayed close, got %+v", env)
	}
	if h.Sessions().Len() != 0 {
		t.Error("session not removed after close")
	}
}

func TestHubSessionRequestOfflinePeer(t *testing.T) {
	h, srv := newTestHub(t)
	a := dialHub(t, srv, "tok-a")

	send(t, a, wire.Envelope{Type: wire.TypeSessionRequest, PeerID: "u9", SessionID: "S1"})
	env := readEnv(t, a)
	if env.Type != wire.TypeError || env.Message != "Peer not connected" {
		t.Fatalf("expected Peer not connected, got %+v", env)
	}
	if h.Sessions().Len() != 0 {
		t.Error("no session may be allocated for an offline responder")
	}
}

func TestHubSessionReject(t *testing.T) {
	h, srv := newTestHub(t)
	a := dialHub(t, srv, "tok-a")
	b := dialHub(t, srv, "tok-b")

	send(t, a, wire.Envelope{Type: wire.TypeSessionRequest, PeerID: "u2", SessionID: "S1"})
	readEnv(t, b)

	send(t, b, wire.Envelope{Type: wire.TypeSessionReject, SessionID: "S1"})
	if env := readEnv(t, a); env.Type != wire.TypeSessionReject {
		t.Fatalf("expected relayed reject, got %+v", env)
	}
	if h.Sessions().Len() != 0 {
		t.Error("rejected session not removed")
	}
}

func TestHubSessionBadTransition(t *testing.T) {
	_, srv := newTestHub(t)
	a := dialHub(t, srv, "tok-a")
	b := dialHub(t, srv, "tok-b")

	send(t, a, wire.Envelope{Type: wire.TypeSessionRequest, PeerID: "u2", SessionID: "S1"})
	readEnv(t, b)

	// ready before accept does not match the pending state
	send(t, a, wire.Envelope{Type: wire.TypeSessionReady, SessionID: "S1"})
	if env := readEnv(t, a); env.Type != wire.TypeError {
		t.Errorf("expected an error for the bad transition, got %+v", env)
	}

	send(t, a, wire.Envelope{Type: wire.TypeSessionAccept, SessionID: "S9"})
	env := readEnv(t, a)
	if env.Type != wire.TypeError || env.Message != "Session not found" {
		t.Errorf("expected Session not found, got %+v", env)
	}
}

func TestHubDisconnectCleanup(t *testing.T) {
	h, srv := newTestHub(t)
	a := dialHub(t, srv, "tok-a")
	b := dialHub(t, srv, "tok-b")
	befriend(t, a, b)

	send(t, a, wire.Envelope{Type: wire.TypeSessionRequest, PeerID: "u2", SessionID: "S1"})
	readEnv(t, b)

	_ = a.Close()

	// the survivor sees the session close and the presence delta, in
	// either order
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		env := readEnv(t, b)
		switch env.Type {
		case wire.TypeSessionClose:
			if env.SessionID != "S1" {
				t.Errorf("close for wrong session: %+v", env)
			}
		case wire.TypeFriendOffline:
			if env.FriendID != "u1" {
				t.Errorf("offline delta for wrong friend: %+v", env)
			}
		default:
			t.Fatalf("unexpected message %+v", env)
		}
		seen[env.Type] = true
	}
	if !seen[wire.TypeSessionClose] || !seen[wire.TypeFriendOffline] {
		t.Errorf("missing cleanup messages, saw %v", seen)
	}

	waitCond(t, func() bool { return h.Sessions().Len() == 0 }, "session table not purged")
	waitCond(t, func() bool { return !h.Registry().IsOnline("u1") }, "registry kept the dead connection")
}

func TestHubPresenceDeltas(t *testing.T) {
	_, srv := newTestHub(t)
	a := dialHub(t, srv, "tok-a")
	b := dialHub(t, srv, "tok-b")
	befriend(t, a, b)

	_ = b.Close()
	if env := readEnv(t, a); env.Type != wire.TypeFriendOffline || env.FriendID != "u2" {
		t.Fatalf("expected friend_offline u2, got %+v", env)
	}

	_ = dialHub(t, srv, "tok-b")
	if env := readEnv(t, a); env.Type != wire.TypeFriendOnline || env.FriendID != "u2" {
		t.Fatalf("expected friend_online u2, got %+v", env)
	}
}

func TestHubSupersedesDuplicateConnection(t *testing.T) {
	h, srv := newTestHub(t)
	first := dialHub(t, srv, "tok-a")
	second := dialHub(t, srv, "tok-a")

	_ = first.SetReadDeadline(time.Now().Add(readTimeout))
	_, _, err := first.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected close 1001 on the superseded socket, got %v", err)
	}

	// the successor stays registered and usable
	waitCond(t, func() bool { return h.Registry().Count() == 1 }, "registry count wrong after supersession")
	send(t, second, wire.Envelope{Type: wire.TypePing})
	if env := readEnv(t, second); env.Type != wire.TypePong {
		t.Errorf("successor socket unusable: got %q", env.Type)
	}
}
