package pod

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/and161185/fedgate/internal/errs"
	"github.com/and161185/fedgate/internal/model"
)

// KeyFormatAES256 is the only key format the decrypt primitive accepts.
const KeyFormatAES256 = "AES256"

// KeyRetriever fetches a content key from the pod key manager. An expired or
// revoked session is reported as errs.ErrUnauthorized.
type KeyRetriever interface {
	RetrieveKey(ctx context.Context, s *model.Session, id model.KeyID) ([]byte, error)
}

var _ KeyRetriever = (*Client)(nil)

type keyResponse struct {
	Key        string `json:"key"`
	KeyFormat  string `json:"keyFormat"`
	RotationID int64  `json:"rotationId"`
}

// RetrieveKey fetches the key for id using the session's tokens.
func (c *Client) RetrieveKey(ctx context.Context, s *model.Session, id model.KeyID) ([]byte, error) {
	q := url.Values{}
	q.Set("userId", strconv.FormatInt(id.UserID, 10))
	q.Set("rotationId", strconv.FormatInt(id.RotationID, 10))
	u := c.keyManagerURL + "/relay/keys/" + url.PathEscape(id.ThreadID) + "?" + q.Encode()
	hdr := map[string]string{
		"sessionToken":    s.SessionToken,
		"keyManagerToken": s.KeyManagerToken,
	}

	var kr keyResponse
	if err := c.doJSON(ctx, http.MethodGet, u, hdr, nil, &kr); err != nil {
		var se *statusError
		switch {
		case errors.As(err, &se) && se.rejected():
			return nil, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
		case errors.As(err, &se) && se.Code == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %v", errs.ErrNotFound, err)
		default:
			return nil, err
		}
	}

	if kr.KeyFormat != KeyFormatAES256 {
		return nil, fmt.Errorf("unsupported key format %q", kr.KeyFormat)
	}
	if kr.RotationID != id.RotationID {
		return nil, fmt.Errorf("key manager answered rotation %d, asked %d", kr.RotationID, id.RotationID)
	}
	key, err := base64.StdEncoding.DecodeString(kr.Key)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("unexpected key length %d", len(key))
	}
	return key, nil
}
