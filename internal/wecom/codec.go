package wecom

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CodecConfig configures a Codec. All fields are required.
type CodecConfig struct {
	Token          string // callback token from the WeCom console
	EncodingAESKey string
	CorpID         string
}

// Codec verifies, decrypts and parses inbound callbacks, and seals outbound
// response envelopes.
type Codec struct {
	token  string
	corpID string
	crypto *Crypto
	now    func() time.Time
}

func NewCodec(cfg CodecConfig) (*Codec, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: callback token is empty", ErrConfiguration)
	}
	if cfg.CorpID == "" {
		return nil, fmt.Errorf("%w: corp id is empty", ErrConfiguration)
	}
	c, err := NewCrypto(cfg.EncodingAESKey)
	if err != nil {
		return nil, err
	}
	return &Codec{token: cfg.Token, corpID: cfg.CorpID, crypto: c, now: time.Now}, nil
}

// Crypto exposes the underlying envelope cipher.
func (c *Codec) Crypto() *Crypto { return c.crypto }

type encryptedBody struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	AgentID    string   `xml:"AgentID"`
	Encrypt    string   `xml:"Encrypt"`
}

type rawMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   string   `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	MsgID        string   `xml:"MsgId"`
	AgentID      string   `xml:"AgentID"`
	Content      string   `xml:"Content"`
	PicURL       string   `xml:"PicUrl"`
	MediaID      string   `xml:"MediaId"`
	Format       string   `xml:"Format"`
	LocationX    string   `xml:"Location_X"`
	LocationY    string   `xml:"Location_Y"`
	Scale        string   `xml:"Scale"`
	Label        string   `xml:"Label"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
}

// Parse verifies the signature over the envelope ciphertext, decrypts it and
// builds the typed message.
func (c *Codec) Parse(body []byte, q Query) (*InboundMessage, error) {
	var env encryptedBody
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if env.Encrypt == "" {
		return nil, fmt.Errorf("%w: Encrypt", ErrMissingField)
	}
	if !VerifySignature(c.token, q.Timestamp, q.Nonce, env.Encrypt, q.MsgSignature) {
		return nil, ErrSignatureMismatch
	}
	plain, err := c.crypto.Decrypt(env.Encrypt, c.corpID)
	if err != nil {
		return nil, err
	}
	return ParseMessage([]byte(plain))
}

// ParseMessage builds an InboundMessage from decrypted callback XML.
func ParseMessage(data []byte) (*InboundMessage, error) {
	var raw rawMessage
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: message: %v", ErrMalformed, err)
	}

	if err := requireFields(
		field{"MsgType", raw.MsgType},
		field{"FromUserName", raw.FromUserName},
		field{"CreateTime", raw.CreateTime},
	); err != nil {
		return nil, err
	}
	created, err := strconv.ParseInt(strings.TrimSpace(raw.CreateTime), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: CreateTime %q", ErrMalformed, raw.CreateTime)
	}

	msg := &InboundMessage{
		MsgType:    raw.MsgType,
		ToUser:     raw.ToUserName,
		FromUser:   raw.FromUserName,
		CreateTime: time.Unix(created, 0),
		MsgID:      raw.MsgID,
		AgentID:    raw.AgentID,
	}

	switch Kind(raw.MsgType) {
	case KindText:
		if err := requireFields(field{"Content", raw.Content}); err != nil {
			return nil, err
		}
		msg.Kind = KindText
		msg.Text = &TextBody{Content: raw.Content}

	case KindImage:
		msg.Kind = KindImage
		msg.Image = &ImageBody{PicURL: raw.PicURL, MediaID: raw.MediaID}

	case KindVoice:
		if err := requireFields(field{"MediaId", raw.MediaID}, field{"Format", raw.Format}); err != nil {
			return nil, err
		}
		msg.Kind = KindVoice
		msg.Voice = &VoiceBody{MediaID: raw.MediaID, Format: raw.Format}

	case KindLocation:
		if err := requireFields(
			field{"Location_X", raw.LocationX},
			field{"Location_Y", raw.LocationY},
			field{"Scale", raw.Scale},
			field{"Label", raw.Label},
		); err != nil {
			return nil, err
		}
		loc, err := parseLocation(raw)
		if err != nil {
			return nil, err
		}
		msg.Kind = KindLocation
		msg.Location = loc

	case KindEvent:
		if err := requireFields(field{"Event", raw.Event}); err != nil {
			return nil, err
		}
		msg.Kind = KindEvent
		msg.MsgID = ""
		msg.Event = &EventBody{Event: raw.Event, EventKey: raw.EventKey}

	default:
		msg.Kind = KindUnknown
	}
	return msg, nil
}

func parseLocation(raw rawMessage) (*LocationBody, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(raw.LocationX), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: Location_X %q", ErrMalformed, raw.LocationX)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(raw.LocationY), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: Location_Y %q", ErrMalformed, raw.LocationY)
	}
	scale, err := strconv.Atoi(strings.TrimSpace(raw.Scale))
	if err != nil {
		return nil, fmt.Errorf("%w: Scale %q", ErrMalformed, raw.Scale)
	}
	return &LocationBody{Latitude: lat, Longitude: lng, Scale: scale, Label: raw.Label}, nil
}

type field struct {
	name  string
	value string
}

func requireFields(fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}
	return nil
}

// VerifyURL checks the signature over echostr and returns its decrypted value.
func (c *Codec) VerifyURL(q Query, echostr string) (string, error) {
	if echostr == "" {
		return "", fmt.Errorf("%w: echostr", ErrMissingField)
	}
	if !VerifySignature(c.token, q.Timestamp, q.Nonce, echostr, q.MsgSignature) {
		return "", ErrSignatureMismatch
	}
	return c.crypto.Decrypt(echostr, c.corpID)
}

// Seal encrypts reply and signs it with a fresh timestamp and nonce.
func (c *Codec) Seal(reply string) (*Envelope, error) {
	ciphertext, err := c.crypto.Encrypt(reply, c.corpID)
	if err != nil {
		return nil, fmt.Errorf("encrypt reply: %w", err)
	}
	nonce, err := randomString(16)
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(c.now().Unix(), 10)
	return &Envelope{
		Encrypt:      ciphertext,
		MsgSignature: Signature(c.token, ts, nonce, ciphertext),
		TimeStamp:    ts,
		Nonce:        nonce,
	}, nil
}

type cdata struct {
	Value string `xml:",cdata"`
}

type responseEnvelope struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

// XML renders the envelope in the fixed response template.
func (e *Envelope) XML() ([]byte, error) {
	return xml.Marshal(responseEnvelope{
		Encrypt:      cdata{e.Encrypt},
		MsgSignature: cdata{e.MsgSignature},
		TimeStamp:    e.TimeStamp,
		Nonce:        cdata{e.Nonce},
	})
}

// BuildResponseEnvelope seals reply and serializes it into the WeCom response XML.
func (c *Codec) BuildResponseEnvelope(reply string) ([]byte, error) {
	env, err := c.Seal(reply)
	if err != nil {
		return nil, err
	}
	return env.XML()
}
