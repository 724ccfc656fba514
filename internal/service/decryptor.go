package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/fedgate/internal/crypto"
	"github.com/and161185/fedgate/internal/errs"
	"github.com/and161185/fedgate/internal/model"
)

// Decryptor turns an encrypted pod message into plaintext fields.
type Decryptor interface {
	// Decrypt opens every populated field with one content key. Either all
	// fields decrypt or the call fails with errs.ErrDecryption.
	Decrypt(ctx context.Context, msg model.EncryptedMessage, userID int64) (model.Plaintext, error)
}

type DecryptorImpl struct {
	keys   ContentKeyManager
	cipher crypto.Cipher
	log    *zap.Logger
}

var _ Decryptor = (*DecryptorImpl)(nil)

// NewDecryptor constructs a decryptor. A nil cipher selects AES-GCM.
func NewDecryptor(keys ContentKeyManager, c crypto.Cipher, log *zap.Logger) *DecryptorImpl {
	if c == nil {
		c = crypto.AESGCM{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DecryptorImpl{keys: keys, cipher: c, log: log}
}

type field struct {
	name string
	raw  []byte
	c    *crypto.Container
	out  []byte
}

// Decrypt resolves the key through the key manager and opens each field.
// Key manager errors (errs.ErrUnknownUser, errs.ErrKeyRetrieval) are returned unchanged.
func (d *DecryptorImpl) Decrypt(ctx context.Context, msg model.EncryptedMessage, userID int64) (model.Plaintext, error) {
	fields := []*field{
		{name: "text", raw: msg.Text},
		{name: "presentationML", raw: msg.PresentationML},
		{name: "entityJSON", raw: msg.EntityJSON},
	}

	if !msg.Encrypted {
		for _, f := range fields {
			f.out = f.raw
		}
		return d.plaintext(msg.MessageID, fields), nil
	}

	rotation := int64(-1)
	var populated []*field
	for _, f := range fields {
		if len(f.raw) == 0 {
			continue
		}
		c, err := crypto.ParseContainer(f.raw)
		if err != nil {
			return model.Plaintext{}, fmt.Errorf("%w: %s: %w", errs.ErrDecryption, f.name, err)
		}
		if rotation >= 0 && c.RotationID != rotation {
			return model.Plaintext{}, fmt.Errorf("%w: %s uses rotation %d, expected %d", errs.ErrDecryption, f.name, c.RotationID, rotation)
		}
		rotation = c.RotationID
		f.c = c
		populated = append(populated, f)
	}
	if len(populated) == 0 {
		return d.plaintext(msg.MessageID, fields), nil
	}

	key, err := d.keys.GetContentKey(ctx, msg.ThreadID, userID, rotation)
	if err != nil {
		return model.Plaintext{}, err
	}
	for _, f := range populated {
		out, err := d.cipher.Open(key, f.c)
		if err != nil {
			return model.Plaintext{}, fmt.Errorf("%w: %s: %w", errs.ErrDecryption, f.name, err)
		}
		f.out = out
	}
	return d.plaintext(msg.MessageID, fields), nil
}

func (d *DecryptorImpl) plaintext(messageID string, fields []*field) model.Plaintext {
	return model.Plaintext{
		Text:           string(fields[0].out),
		PresentationML: string(fields[1].out),
		CustomEntities: d.parseEntities(messageID, fields[2].out),
	}
}

type entityHeader struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// parseEntities decodes entity JSON permissively. Malformed documents are
// logged and dropped, entities of unknown shape keep their raw JSON.
func (d *DecryptorImpl) parseEntities(messageID string, b []byte) map[string]model.CustomEntity {
	out := map[string]model.CustomEntity{}
	if len(b) == 0 {
		return out
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		d.log.Warn("ignoring malformed entity JSON", zap.String("messageId", messageID), zap.Error(err))
		return out
	}
	for id, raw := range doc {
		var h entityHeader
		if err := json.Unmarshal(raw, &h); err != nil {
			d.log.Debug("entity without header", zap.String("messageId", messageID), zap.String("entity", id))
		}
		out[id] = model.CustomEntity{Type: h.Type, Version: h.Version, Raw: raw}
	}
	return out
}
