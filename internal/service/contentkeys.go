package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fedgate/internal/errs"
	"github.com/and161185/fedgate/internal/model"
	"github.com/and161185/fedgate/internal/pod"
)

// ContentKeyManager resolves rotation-aware content keys.
type ContentKeyManager interface {
	// GetContentKey returns the key for (threadID, userID, rotationID).
	// Unmanaged users yield errs.ErrUnknownUser, every other failure errs.ErrKeyRetrieval.
	GetContentKey(ctx context.Context, threadID string, userID, rotationID int64) ([]byte, error)
}

// ContentKeyManagerImpl caches keys forever: a KeyID never maps to another key.
type ContentKeyManagerImpl struct {
	sessions   SessionPool
	keys       pod.KeyRetriever
	keyTimeout time.Duration
	log        *zap.Logger

	mu    sync.RWMutex
	cache map[model.KeyID][]byte
}

var _ ContentKeyManager = (*ContentKeyManagerImpl)(nil)

// NewContentKeyManager constructs a key manager backed by the session pool.
func NewContentKeyManager(sessions SessionPool, keys pod.KeyRetriever, keyTimeout time.Duration, log *zap.Logger) *ContentKeyManagerImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &ContentKeyManagerImpl{
		sessions:   sessions,
		keys:       keys,
		keyTimeout: keyTimeout,
		log:        log,
		cache:      make(map[model.KeyID][]byte),
	}
}

// GetContentKey looks up the cache, then fetches with at most one re-authentication.
func (m *ContentKeyManagerImpl) GetContentKey(ctx context.Context, threadID string, userID, rotationID int64) ([]byte, error) {
	id := model.KeyID{ThreadID: threadID, UserID: userID, RotationID: rotationID}
	if k, ok := m.lookup(id); ok {
		return k, nil
	}

	s, err := m.sessions.GetSession(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrUnknownUser) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: session for %d: %w", errs.ErrKeyRetrieval, userID, err)
	}

	key, err := m.fetch(ctx, s, id)
	if errors.Is(err, errs.ErrUnauthorized) {
		m.log.Info("key manager rejected session, re-authenticating",
			zap.Int64("userId", userID), zap.Uint64("generation", s.Generation))
		s, err = m.sessions.Refresh(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: re-authenticate %d: %w", errs.ErrKeyRetrieval, userID, err)
		}
		key, err = m.fetch(ctx, s, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: thread %s rotation %d: %w", errs.ErrKeyRetrieval, threadID, rotationID, err)
	}

	m.store(id, key)
	return bytes.Clone(key), nil
}

func (m *ContentKeyManagerImpl) fetch(ctx context.Context, s *model.Session, id model.KeyID) ([]byte, error) {
	fctx, cancel := ctx, context.CancelFunc(func() {})
	if m.keyTimeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, m.keyTimeout)
	}
	defer cancel()
	return m.keys.RetrieveKey(fctx, s, id)
}

func (m *ContentKeyManagerImpl) lookup(id model.KeyID) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.cache[id]
	if !ok {
		return nil, false
	}
	return bytes.Clone(k), true
}

func (m *ContentKeyManagerImpl) store(id model.KeyID, key []byte) {
	m.mu.Lock()
	m.cache[id] = bytes.Clone(key)
	m.mu.Unlock()
}

// Len returns the number of cached keys.
func (m *ContentKeyManagerImpl) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}
