// Package wire defines the JSON control messages exchanged over the
// Flux signaling socket. Every message is a JSON object with a
// mandatory "type" field; payloads relayed between peers (SDP, ICE)
// are carried as opaque raw JSON and never interpreted by the hub.
package wire

import "encoding/json"

const (
	TypePing           = "ping"
	TypePong           = "pong"
	TypeConnected      = "connected"
	TypeGetConnectCode = "get_connect_code"
	TypeConnectCode    = "connect_code"
	TypeGetFriends     = "get_friends"
	TypeFriendsList    = "friends_list"
	TypeAddFriend      = "add_friend"
	TypeFriendAdded    = "friend_added"
	TypeFriendOnline   = "friend_online"
	TypeFriendOffline  = "friend_offline"
	TypeSessionRequest = "rtc_session_request"
	TypeSessionAccept  = "rtc_session_accept"
	TypeSessionReject  = "rtc_session_reject"
	TypeSessionReady   = "rtc_session_ready"
	TypeSessionClose   = "rtc_session_close"
	TypeOffer          = "rtc_offer"
	TypeAnswer         = "rtc_answer"
	TypeICECandidate   = "rtc_ice_candidate"
	TypeError          = "error"
)

// Envelope is the union of all recognized control messages. Fields not
// used by a given type are omitted from the encoded form.
type Envelope struct {
	Type string `json:"type"`

	// Auth handshake.
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`

	// Connect codes and friendships.
	Code    string       `json:"code,omitempty"`
	Friend  *FriendView  `json:"friend,omitempty"`
	Friends []FriendView `json:"friends,omitempty"`

	// Presence deltas.
	FriendID string `json:"friendId,omitempty"`

	// Session negotiation and relay addressing. PeerID is set by the
	// sender to name the target; SenderID and SenderName are stamped
	// by the hub on forward.
	PeerID     string `json:"peerId,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`

	// Optional file hint carried with a session request.
	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	FileType string `json:"fileType,omitempty"`

	// Opaque signaling payload (SDP offer/answer or ICE candidate).
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error reporting.
	Message string `json:"message,omitempty"`
}

// FriendView is a friend entry with presence overlaid.
type FriendView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	IsOnline bool   `json:"isOnline"`
}

func Error(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}

func Pong() Envelope {
	return Envelope{Type: TypePong}
}

func Connected(userID, email string) Envelope {
	return Envelope{Type: TypeConnected, UserID: userID, Email: email}
}

func ConnectCode(code string) Envelope {
	return Envelope{Type: TypeConnectCode, Code: code}
}

func FriendsList(friends []FriendView) Envelope {
	return Envelope{Type: TypeFriendsList, Friends: friends}
}

func FriendAdded(friend FriendView) Envelope {
	return Envelope{Type: TypeFriendAdded, Friend: &friend}
}

func PresenceDelta(online bool, friendID string) Envelope {
	t := TypeFriendOffline
	if online {
		t = TypeFriendOnline
	}
	return Envelope{Type: t, FriendID: friendID}
}
