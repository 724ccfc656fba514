package pod

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/and161185/fedgate/internal/errs"
	"github.com/and161185/fedgate/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// Authenticator exchanges a long-lived RSA key for short-lived pod tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, username string, privateKeyPEM []byte) (*model.Session, error)
}

var _ Authenticator = (*Client)(nil)

type tokenResponse struct {
	Token string `json:"token"`
}

type sessionInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Authenticate signs an RS512 JWT for username and trades it for a session
// token and a key manager token, then resolves the numeric user id.
// Rejected credentials are reported as errs.ErrAuthentication.
func (c *Client) Authenticate(ctx context.Context, username string, privateKeyPEM []byte) (*model.Session, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key for %s: %v", errs.ErrAuthentication, username, err)
	}
	now := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.jwtTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS512, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("sign auth token: %w", err)
	}

	var st tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, c.sessionAuthURL+"/login/pubkey/authenticate", nil, tokenResponse{Token: signed}, &st); err != nil {
		return nil, authErr("session auth", err)
	}
	var kt tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, c.keyAuthURL+"/relay/pubkey/authenticate", nil, tokenResponse{Token: signed}, &kt); err != nil {
		return nil, authErr("key manager auth", err)
	}
	if st.Token == "" || kt.Token == "" {
		return nil, errors.New("pod: empty token in authentication response")
	}

	var info sessionInfo
	hdr := map[string]string{"sessionToken": st.Token}
	if err := c.doJSON(ctx, http.MethodGet, c.podURL+"/pod/v2/sessioninfo", hdr, nil, &info); err != nil {
		return nil, authErr("session info", err)
	}

	return &model.Session{
		Username:        username,
		UserID:          info.ID,
		SessionToken:    st.Token,
		KeyManagerToken: kt.Token,
		AuthenticatedAt: now,
	}, nil
}

func authErr(step string, err error) error {
	var se *statusError
	if errors.As(err, &se) && se.rejected() {
		return fmt.Errorf("%w: %s: %v", errs.ErrAuthentication, step, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}
