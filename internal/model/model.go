// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zapcore"
)

// Account is a pod user managed by the gateway on behalf of an EMP user.
type Account struct {
	ID              uuid.UUID // PK
	SymphonyUserID  int64     // numeric pod user id, unique
	Username        string    // pod username, unique
	FederatedUserID string    // user id on the external platform
	EMP             string    // external platform name (e.g. "WHATSAPP")
	PrivateKeyPEM   []byte    // RSA key used to authenticate against the pod
	CreatedAt       time.Time
}

// Session is an authenticated identity against the pod. Values are never
// mutated after construction; a refresh produces a new Session.
type Session struct {
	Username        string
	UserID          int64
	SessionToken    string
	KeyManagerToken string
	Generation      uint64    // 1 for the first authentication, +1 per refresh
	AuthenticatedAt time.Time // for diagnostics
}

// String omits both tokens.
func (s *Session) String() string {
	if s == nil {
		return "<nil session>"
	}
	return fmt.Sprintf("session{user=%s id=%d gen=%d}", s.Username, s.UserID, s.Generation)
}

// MarshalLogObject lets sessions be logged with zap.Object without leaking tokens.
func (s *Session) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("username", s.Username)
	enc.AddInt64("userId", s.UserID)
	enc.AddUint64("generation", s.Generation)
	enc.AddTime("authenticatedAt", s.AuthenticatedAt)
	return nil
}

// KeyID identifies exactly one content key. It is comparable and used as a cache key.
type KeyID struct {
	ThreadID   string
	UserID     int64
	RotationID int64
}

// ChatType distinguishes one-to-one conversations from rooms.
type ChatType string

const (
	ChatTypeIM   ChatType = "IM"
	ChatTypeRoom ChatType = "ROOM"
)

// EncryptedMessage holds the encrypted fields of a single pod message.
// Each non-empty field is a self-describing ciphertext container.
type EncryptedMessage struct {
	MessageID      string
	ThreadID       string
	Encrypted      bool // false for legacy plaintext messages
	Text           []byte
	PresentationML []byte
	EntityJSON     []byte
}

// CustomEntity is one structured entity attached to a message. Unknown
// types are kept as raw JSON.
type CustomEntity struct {
	Type    string
	Version string
	Raw     json.RawMessage
}

// Plaintext is the decrypted content of a message.
type Plaintext struct {
	Text           string
	PresentationML string
	CustomEntities map[string]CustomEntity // keyed by entity id
}
