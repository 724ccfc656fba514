package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/and161185/fedgate/internal/errs"
	"github.com/and161185/fedgate/internal/limiter"
	"github.com/and161185/fedgate/internal/model"
	"github.com/and161185/fedgate/internal/pod"
	"github.com/and161185/fedgate/internal/repository"
	"github.com/gofrs/uuid/v5"
)

type fakeAccounts struct {
	mu     sync.Mutex
	byID   map[int64]*model.Account
	getErr error
	gets   int
}

var _ repository.AccountRepository = (*fakeAccounts)(nil)

func newFakeAccounts(accounts ...*model.Account) *fakeAccounts {
	f := &fakeAccounts{byID: map[int64]*model.Account{}}
	for _, a := range accounts {
		f.byID[a.SymphonyUserID] = a
	}
	return f
}

func (f *fakeAccounts) Create(_ context.Context, a *model.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[a.SymphonyUserID]; ok {
		return errs.ErrAlreadyExists
	}
	cpy := *a
	f.byID[a.SymphonyUserID] = &cpy
	return nil
}
func (f *fakeAccounts) GetBySymphonyID(_ context.Context, id int64) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cpy := *a
	return &cpy, nil
}
func (f *fakeAccounts) GetByFederatedUserID(_ context.Context, emp, fid string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.EMP == emp && a.FederatedUserID == fid {
			cpy := *a
			return &cpy, nil
		}
	}
	return nil, errs.ErrNotFound
}
func (f *fakeAccounts) GetByUsername(_ context.Context, username string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.Username == username {
			cpy := *a
			return &cpy, nil
		}
	}
	return nil, errs.ErrNotFound
}
func (f *fakeAccounts) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, a := range f.byID {
		if a.ID == id {
			delete(f.byID, k)
			return nil
		}
	}
	return errs.ErrNotFound
}
func (f *fakeAccounts) List(context.Context) ([]model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Account, 0, len(f.byID))
	for _, a := range f.byID {
		out = append(out, *a)
	}
	return out, nil
}

// fakeAuth issues tokens "sess-N"/"km-N" where N counts authentications.
type fakeAuth struct {
	mu    sync.Mutex
	calls int
	err   error
	block bool // wait for ctx cancellation
}

var _ pod.Authenticator = (*fakeAuth)(nil)

func (f *fakeAuth) Authenticate(ctx context.Context, username string, _ []byte) (*model.Session, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	n := strconv.Itoa(f.calls)
	return &model.Session{Username: username, SessionToken: "sess-" + n, KeyManagerToken: "km-" + n}, nil
}

func (f *fakeAuth) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAuth) reset() {
	f.mu.Lock()
	f.calls = 0
	f.mu.Unlock()
}

// fakeKeys replays scripted errors, then serves keys from a table.
type fakeKeys struct {
	mu       sync.Mutex
	keys     map[model.KeyID][]byte
	script   []error
	calls    int
	sessions []string
	block    bool
}

var _ pod.KeyRetriever = (*fakeKeys)(nil)

func (f *fakeKeys) RetrieveKey(ctx context.Context, s *model.Session, id model.KeyID) ([]byte, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sessions = append(f.sessions, s.SessionToken)
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return nil, err
		}
	}
	k, ok := f.keys[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return append([]byte(nil), k...), nil
}

func (f *fakeKeys) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLimiter struct {
	allowOK      bool
	failureCalls int
	successCalls int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return l.allowOK, time.Minute, nil
}
func (l *fakeLimiter) Success(context.Context, string) error {
	l.successCalls++
	return nil
}
func (l *fakeLimiter) Failure(context.Context, string) (bool, time.Duration, error) {
	l.failureCalls++
	return false, 0, nil
}

// fakeKeyManager serves the decryptor tests.
type fakeKeyManager struct {
	mu    sync.Mutex
	keys  map[model.KeyID][]byte
	err   error
	calls []model.KeyID
}

var _ ContentKeyManager = (*fakeKeyManager)(nil)

func (f *fakeKeyManager) GetContentKey(_ context.Context, threadID string, userID, rotationID int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := model.KeyID{ThreadID: threadID, UserID: userID, RotationID: rotationID}
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	k, ok := f.keys[id]
	if !ok {
		return nil, errs.ErrKeyRetrieval
	}
	return k, nil
}

func testAccount(id int64, username string) *model.Account {
	return &model.Account{
		ID:              uuid.Must(uuid.NewV4()),
		SymphonyUserID:  id,
		Username:        username,
		FederatedUserID: "+3360000" + username,
		EMP:             "WHATSAPP",
		PrivateKeyPEM:   []byte("pem"),
	}
}
