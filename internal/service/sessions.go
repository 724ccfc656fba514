// Package service contains the ingestion pipeline services: the session
// pool, the content key manager and the message decryptor.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fedgate/internal/errs"
	"github.com/and161185/fedgate/internal/limiter"
	"github.com/and161185/fedgate/internal/model"
	"github.com/and161185/fedgate/internal/pod"
	"github.com/and161185/fedgate/internal/repository"
)

// SessionState is the per-account authentication state.
type SessionState int

const (
	NoSession SessionState = iota
	Authenticated
	Refreshed
)

func (s SessionState) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Refreshed:
		return "refreshed"
	default:
		return "no-session"
	}
}

// SessionPool caches pod sessions of gateway-managed accounts.
type SessionPool interface {
	// OpenSession always authenticates and replaces the cached session.
	OpenSession(ctx context.Context, account *model.Account) (*model.Session, error)
	// GetSession returns the cached session or opens one. Unmanaged users yield errs.ErrUnknownUser.
	GetSession(ctx context.Context, userID int64) (*model.Session, error)
	// SessionExists reports whether userID is gateway-managed, without authenticating.
	SessionExists(ctx context.Context, userID int64) bool
	// Refresh forces a new authentication for userID.
	Refresh(ctx context.Context, userID int64) (*model.Session, error)
	// RemoveSession evicts the cached session.
	RemoveSession(userID int64)
}

type SessionPoolImpl struct {
	accounts    repository.AccountRepository
	auth        pod.Authenticator
	lim         limiter.Limiter // optional
	authTimeout time.Duration
	log         *zap.Logger

	mu       sync.RWMutex
	sessions map[int64]*model.Session
}

var _ SessionPool = (*SessionPoolImpl)(nil)

// NewSessionPool constructs a pool. lim may be nil to disable throttling.
func NewSessionPool(accounts repository.AccountRepository, auth pod.Authenticator, lim limiter.Limiter, authTimeout time.Duration, log *zap.Logger) *SessionPoolImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionPoolImpl{
		accounts:    accounts,
		auth:        auth,
		lim:         lim,
		authTimeout: authTimeout,
		log:         log,
		sessions:    make(map[int64]*model.Session),
	}
}

// OpenSession authenticates account against the pod and stores the result.
func (p *SessionPoolImpl) OpenSession(ctx context.Context, account *model.Account) (*model.Session, error) {
	if p.lim != nil {
		allowed, retryAfter, err := p.lim.Allow(ctx, account.Username)
		if err != nil {
			return nil, fmt.Errorf("auth limiter: %w", err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s: %w (retry in %s)", errs.ErrAuthentication, account.Username, errs.ErrRateLimited, retryAfter.Round(time.Second))
		}
	}

	actx, cancel := p.withTimeout(ctx)
	defer cancel()
	s, err := p.auth.Authenticate(actx, account.Username, account.PrivateKeyPEM)
	if err != nil {
		if errors.Is(err, errs.ErrAuthentication) {
			p.log.Error("pod rejected account credentials", zap.String("username", account.Username), zap.Error(err))
			if p.lim != nil {
				// best-effort; the authentication error is what matters to the caller
				_, _, _ = p.lim.Failure(ctx, account.Username)
			}
		}
		return nil, err
	}
	if p.lim != nil {
		_ = p.lim.Success(ctx, account.Username)
	}
	if s.UserID != account.SymphonyUserID {
		p.log.Warn("pod user id differs from directory",
			zap.String("username", account.Username),
			zap.Int64("directory", account.SymphonyUserID),
			zap.Int64("pod", s.UserID))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Build the stored value completely before publishing it.
	stored := *s
	stored.Username = account.Username
	stored.UserID = account.SymphonyUserID
	stored.Generation = 1
	if prev, ok := p.sessions[account.SymphonyUserID]; ok {
		stored.Generation = prev.Generation + 1
	}
	p.sessions[account.SymphonyUserID] = &stored
	p.log.Debug("session opened", zap.Object("session", &stored))
	return &stored, nil
}

// GetSession returns the cached session for userID, authenticating on a miss.
func (p *SessionPoolImpl) GetSession(ctx context.Context, userID int64) (*model.Session, error) {
	if s := p.cached(userID); s != nil {
		return s, nil
	}
	account, err := p.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.OpenSession(ctx, account)
}

// SessionExists reports whether a session is cached or the directory manages userID.
func (p *SessionPoolImpl) SessionExists(ctx context.Context, userID int64) bool {
	if p.cached(userID) != nil {
		return true
	}
	_, err := p.accounts.GetBySymphonyID(ctx, userID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errs.ErrNotFound):
		return false
	default:
		p.log.Warn("account directory lookup failed", zap.Int64("userId", userID), zap.Error(err))
		return false
	}
}

// Refresh re-resolves the account and opens a fresh session. An account
// that left the directory is evicted and reported as errs.ErrUnknownUser.
func (p *SessionPoolImpl) Refresh(ctx context.Context, userID int64) (*model.Session, error) {
	account, err := p.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.OpenSession(ctx, account)
}

// RemoveSession evicts userID. Used when an account is deleted.
func (p *SessionPoolImpl) RemoveSession(userID int64) {
	p.mu.Lock()
	delete(p.sessions, userID)
	p.mu.Unlock()
}

// State reports where userID sits in the NoSession → Authenticated → Refreshed machine.
func (p *SessionPoolImpl) State(userID int64) SessionState {
	s := p.cached(userID)
	switch {
	case s == nil:
		return NoSession
	case s.Generation > 1:
		return Refreshed
	default:
		return Authenticated
	}
}

func (p *SessionPoolImpl) cached(userID int64) *model.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[userID]
}

// resolve is lookup that also drops the cached session of a deleted account.
func (p *SessionPoolImpl) resolve(ctx context.Context, userID int64) (*model.Account, error) {
	account, err := p.lookup(ctx, userID)
	if errors.Is(err, errs.ErrUnknownUser) {
		if p.cached(userID) != nil {
			p.log.Info("account left the directory, evicting session", zap.Int64("userId", userID))
		}
		p.RemoveSession(userID)
	}
	return account, err
}

func (p *SessionPoolImpl) lookup(ctx context.Context, userID int64) (*model.Account, error) {
	account, err := p.accounts.GetBySymphonyID(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", errs.ErrUnknownUser, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("account directory: %w", err)
	}
	return account, nil
}

func (p *SessionPoolImpl) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.authTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.authTimeout)
}
