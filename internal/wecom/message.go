package wecom

import "time"

// Kind is the message variant carried by an inbound callback.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVoice    Kind = "voice"
	KindLocation Kind = "location"
	KindEvent    Kind = "event"
	KindUnknown  Kind = "unknown"
)

// InboundMessage is a decrypted, validated callback message. Exactly one of the
// kind-specific bodies is set, matching Kind; KindUnknown carries none.
type InboundMessage struct {
	Kind       Kind
	MsgType    string // raw MsgType as sent by WeCom
	ToUser     string
	FromUser   string
	CreateTime time.Time
	MsgID      string // empty for events
	AgentID    string

	Text     *TextBody
	Image    *ImageBody
	Voice    *VoiceBody
	Location *LocationBody
	Event    *EventBody
}

type TextBody struct {
	Content string
}

type ImageBody struct {
	PicURL  string
	MediaID string
}

type VoiceBody struct {
	MediaID string
	Format  string
	// MediaURL is filled by the receiver once an access token is available.
	MediaURL string
}

type LocationBody struct {
	Latitude  float64
	Longitude float64
	Scale     int
	Label     string
}

type EventBody struct {
	Event    string
	EventKey string
}

// Query holds the signature parameters WeCom appends to every callback URL.
type Query struct {
	MsgSignature string
	Timestamp    string
	Nonce        string
}

// Envelope is the signed, encrypted wrapper used in both directions.
type Envelope struct {
	Encrypt      string
	MsgSignature string
	TimeStamp    string
	Nonce        string
}

// Query returns the URL parameters that accompany this envelope on an inbound POST.
func (e *Envelope) Query() Query {
	return Query{MsgSignature: e.MsgSignature, Timestamp: e.TimeStamp, Nonce: e.Nonce}
}
