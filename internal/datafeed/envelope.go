// Package datafeed turns feed envelopes into domain events and runs the
// feed transport that delivers them.
package datafeed

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fedgate/internal/errs"
	"github.com/and161185/fedgate/internal/model"
)

// Outer payload types.
const (
	PayloadMessage       = "message"
	PayloadPlatformEvent = "platform-event"
)

// Platform event discriminators.
const (
	EventCreateIM            = "CREATE_IM"
	EventConnectionRequested = "CONNECTION_REQUESTED"
	EventConnectionAccepted  = "CONNECTION_ACCEPTED"
	EventConnectionRefused   = "CONNECTION_REFUSED"
	EventConnectionDeleted   = "CONNECTION_DELETED"
	EventCreateRoom          = "CREATE_ROOM"
	EventUpdateRoom          = "UPDATE_ROOM"
	EventDeactivateRoom      = "DEACTIVATE_ROOM"
	EventReactivateRoom      = "REACTIVATE_ROOM"
	EventJoinRoom            = "JOIN_ROOM"
	EventLeaveRoom           = "LEAVE_ROOM"
)

// Envelope is the outer transport envelope. Payload is base64 on the wire.
type Envelope struct {
	ID          string    `json:"id"`
	PayloadType string    `json:"payloadType"`
	Payload     []byte    `json:"payload"`
	Signature   string    `json:"signature,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Inner is the decoded Envelope payload.
type Inner struct {
	PodID            int64           `json:"podId"`
	DistributionList []int64         `json:"distributionList"`
	CreatedAt        int64           `json:"createdAt"` // epoch millis
	Payload          json.RawMessage `json:"payload"`
}

// Created converts CreatedAt to a time.
func (in *Inner) Created() time.Time {
	return time.UnixMilli(in.CreatedAt).UTC()
}

// SocialMessage is the payload of a message envelope. When Encrypted is
// set the text fields hold base64 ciphertext containers.
type SocialMessage struct {
	Type           string         `json:"_type,omitempty"`
	MessageID      string         `json:"messageId"`
	ThreadID       string         `json:"threadId"`
	FromUserID     int64          `json:"fromUserId"`
	ChatType       model.ChatType `json:"chatType"`
	Text           string         `json:"text,omitempty"`
	PresentationML string         `json:"presentationML,omitempty"`
	EntityJSON     string         `json:"entityJSON,omitempty"`
	Encrypted      bool           `json:"encrypted"`
	IngestionDate  int64          `json:"ingestionDate"` // epoch millis
}

// PlatformEvent is the payload of a platform-event envelope. Which fields
// are populated depends on Event.
type PlatformEvent struct {
	Type        string  `json:"_type,omitempty"`
	Event       string  `json:"event"`
	StreamID    string  `json:"streamId,omitempty"`
	ActorID     int64   `json:"actorId,omitempty"`
	FromUserID  int64   `json:"fromUserId,omitempty"`
	ToUserID    int64   `json:"toUserId,omitempty"`
	UserID      int64   `json:"userId,omitempty"`
	Members     []int64 `json:"members,omitempty"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
}

// ParseEnvelope decodes the outer envelope.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: outer: %w", errs.ErrEnvelopeParse, err)
	}
	if env.ID == "" || env.PayloadType == "" {
		return nil, fmt.Errorf("%w: outer: missing id or payloadType", errs.ErrEnvelopeParse)
	}
	return &env, nil
}

// ParseInner decodes the envelope payload.
func (e *Envelope) ParseInner() (*Inner, error) {
	var in Inner
	if err := json.Unmarshal(e.Payload, &in); err != nil {
		return nil, fmt.Errorf("%w: inner %s: %w", errs.ErrEnvelopeParse, e.ID, err)
	}
	if len(in.Payload) == 0 {
		return nil, fmt.Errorf("%w: inner %s: empty payload", errs.ErrEnvelopeParse, e.ID)
	}
	return &in, nil
}

// SocialMessage decodes the inner payload as a message.
func (in *Inner) SocialMessage() (*SocialMessage, error) {
	var m SocialMessage
	if err := json.Unmarshal(in.Payload, &m); err != nil {
		return nil, fmt.Errorf("%w: message: %w", errs.ErrEnvelopeParse, err)
	}
	if m.MessageID == "" || m.ThreadID == "" {
		return nil, fmt.Errorf("%w: message: missing messageId or threadId", errs.ErrEnvelopeParse)
	}
	return &m, nil
}

// PlatformEvent decodes the inner payload as a platform event.
func (in *Inner) PlatformEvent() (*PlatformEvent, error) {
	var ev PlatformEvent
	if err := json.Unmarshal(in.Payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: platform event: %w", errs.ErrEnvelopeParse, err)
	}
	return &ev, nil
}

// EncryptedMessage converts m into the decryptor's input. A ciphertext field
// that is not valid base64 is a content failure (errs.ErrDecryption).
func (m *SocialMessage) EncryptedMessage() (model.EncryptedMessage, error) {
	out := model.EncryptedMessage{MessageID: m.MessageID, ThreadID: m.ThreadID, Encrypted: m.Encrypted}
	fields := []struct {
		name string
		in   string
		dst  *[]byte
	}{
		{"text", m.Text, &out.Text},
		{"presentationML", m.PresentationML, &out.PresentationML},
		{"entityJSON", m.EntityJSON, &out.EntityJSON},
	}
	for _, f := range fields {
		if f.in == "" {
			continue
		}
		if !m.Encrypted {
			*f.dst = []byte(f.in)
			continue
		}
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return model.EncryptedMessage{}, fmt.Errorf("%w: message %s %s: %w", errs.ErrDecryption, m.MessageID, f.name, err)
		}
		*f.dst = b
	}
	return out, nil
}

// NewEnvelope wraps inner into a fresh outer envelope with a random id.
func NewEnvelope(payloadType string, inner *Inner) ([]byte, error) {
	payload, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("marshal inner: %w", err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("envelope id: %w", err)
	}
	return json.Marshal(Envelope{
		ID:          id.String(),
		PayloadType: payloadType,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	})
}
