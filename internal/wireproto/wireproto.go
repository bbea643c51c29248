// Package wireproto defines the JSON wire shapes exchanged over the
// WebSocket (§6): client messages discriminated by a lowercased
// messageType field, and the corresponding server messages. The
// struct-tag JSON style follows the teacher's MessageEnvelope
// (internal/single/messaging/message.go), reshaped from one generic
// envelope into per-message-type structs since this protocol's message
// types carry materially different fields rather than one opaque
// payload.
package wireproto

import "encoding/json"

// ClientEnvelope is the outer shape every inbound Text frame is first
// decoded into, so the dispatcher can read messageType before
// unmarshaling the type-specific fields.
type ClientEnvelope struct {
	MessageType string          `json:"messageType"`
	Raw         json.RawMessage `json:"-"`
}

func (e *ClientEnvelope) UnmarshalJSON(b []byte) error {
	type alias struct {
		MessageType string `json:"messageType"`
	}
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	e.MessageType = a.MessageType
	e.Raw = append([]byte(nil), b...)
	return nil
}

// Client message types (§6).
const (
	TypeHello              = "hello"
	TypeRegister           = "register"
	TypeUnregister         = "unregister"
	TypeBroadcastSubscribe = "broadcast_subscribe"
	TypeAck                = "ack"
	TypeNack               = "nack"
	TypePing               = "ping"
)

// Hello is the client's first message (§4.4.1).
type Hello struct {
	MessageType string            `json:"messageType"`
	UAID        string            `json:"uaid,omitempty"`
	UseWebPush  *bool             `json:"use_webpush,omitempty"`
	ChannelIDs  []string          `json:"channelIDs,omitempty"`
	Broadcasts  map[string]string `json:"broadcasts,omitempty"`
}

// HelloReply is the server's response to Hello.
type HelloReply struct {
	MessageType string            `json:"messageType"`
	UAID        string            `json:"uaid"`
	Status      int               `json:"status"`
	UseWebPush  bool              `json:"use_webpush"`
	Broadcasts  map[string]string `json:"broadcasts,omitempty"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// Register is the client's subscription request (§4.4.2).
type Register struct {
	MessageType string `json:"messageType"`
	ChannelID   string `json:"channelID"`
	Key         string `json:"key,omitempty"`
}

// RegisterReply is the server's response to Register.
type RegisterReply struct {
	MessageType string `json:"messageType"`
	ChannelID   string `json:"channelID"`
	Status      int    `json:"status"`
	PushEndpoint string `json:"pushEndpoint,omitempty"`
}

// Unregister cancels a subscription.
type Unregister struct {
	MessageType string `json:"messageType"`
	ChannelID   string `json:"channelID"`
	Code        int    `json:"code,omitempty"`
}

// UnregisterReply is the server's response to Unregister.
type UnregisterReply struct {
	MessageType string `json:"messageType"`
	ChannelID   string `json:"channelID"`
	Status      int    `json:"status"`
}

// BroadcastSubscribe carries desired broadcast versions (§4.4.2).
type BroadcastSubscribe struct {
	MessageType string            `json:"messageType"`
	Broadcasts  map[string]string `json:"broadcasts"`
}

// BroadcastMessage is the server's broadcast delta push.
type BroadcastMessage struct {
	MessageType string            `json:"messageType"`
	Broadcasts  map[string]string `json:"broadcasts"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// AckUpdate identifies one delivered notification being acknowledged.
type AckUpdate struct {
	ChannelID string `json:"channelID"`
	Version   string `json:"version"`
}

// Ack acknowledges delivered notifications.
type Ack struct {
	MessageType string      `json:"messageType"`
	Updates     []AckUpdate `json:"updates"`
}

// Nack reports client-side delivery failure (§4.4.2).
type Nack struct {
	MessageType string `json:"messageType"`
	Code        int    `json:"code,omitempty"`
}

// Ping is the application-level keepalive (§4.4.2), distinct from the
// WebSocket-protocol ping/pong the Connection Supervisor drives.
type Ping struct {
	MessageType string `json:"messageType"`
}

// PingReply is the server's Pong-equivalent response.
type PingReply struct {
	MessageType string `json:"messageType"`
}

// NotificationMessage is a server-pushed Notification (direct or
// stored, §4.4.5 / §4.4.4).
type NotificationMessage struct {
	MessageType string            `json:"messageType"`
	ChannelID   string            `json:"channelID"`
	Version     string            `json:"version"`
	TTL         int64             `json:"ttl"`
	Topic       string            `json:"topic,omitempty"`
	Data        string            `json:"data,omitempty"` // base64, opaque to the core
	Headers     map[string]string `json:"headers,omitempty"`
}
