package login

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courtkeeper/internal/credential"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   atomic.Int64
	delay   time.Duration
	err     error
	results map[string]Result // account -> result
}

func (p *fakeProvider) Login(ctx context.Context, account, password string) (Result, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if p.err != nil {
		return Result{}, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.results[account]; ok {
		return r, nil
	}
	return Result{Token: "tok-" + account, Cookies: map[string]string{"sid": "1"}}, nil
}

func (p *fakeProvider) SubmitSecondFactor(ctx context.Context, account, code string) (Result, error) {
	if code != "123456" {
		return Result{}, fmt.Errorf("bad code")
	}
	return Result{Token: "tok-2fa-" + account}, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(p Provider) (*Coordinator, *credential.Store) {
	store := credential.NewStore()
	c := NewCoordinator(p, store, discard())
	c.Timeout = 5 * time.Second
	return c, store
}

func TestLoginPublishesCredential(t *testing.T) {
	c, store := newTestCoordinator(&fakeProvider{})

	cred, err := c.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok-alice", cred.Token)
	assert.Equal(t, "pw", cred.Password)

	stored, ok := store.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "tok-alice", stored.Token)
	assert.False(t, stored.RefreshedAt.IsZero())
}

func TestLoginSingleFlight(t *testing.T) {
	p := &fakeProvider{delay: 200 * time.Millisecond}
	c, _ := newTestCoordinator(p)

	const n = 20
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := c.Login(context.Background(), "alice", "pw")
			tokens[i], errs[i] = cred.Token, err
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), p.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-alice", tokens[i])
	}
}

func TestLoginDifferentAccountsDoNotShareFlight(t *testing.T) {
	p := &fakeProvider{delay: 100 * time.Millisecond}
	c, _ := newTestCoordinator(p)

	var wg sync.WaitGroup
	for _, account := range []string{"alice", "bob"} {
		account := account
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Login(context.Background(), account, "pw")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(2), p.calls.Load())
}

func TestLoginWaiterTimesOut(t *testing.T) {
	p := &fakeProvider{delay: 2 * time.Second}
	c, _ := newTestCoordinator(p)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Login(ctx, "alice", "pw")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoginSecondFactorFlow(t *testing.T) {
	p := &fakeProvider{err: ErrSecondFactorRequired}
	c, store := newTestCoordinator(p)

	_, err := c.Login(context.Background(), "alice", "pw")
	require.ErrorIs(t, err, ErrSecondFactorRequired)
	assert.True(t, c.SecondFactorPending("alice"))

	cred, err := c.SubmitSecondFactor(context.Background(), "alice", "123456")
	require.NoError(t, err)
	assert.Equal(t, "tok-2fa-alice", cred.Token)
	assert.False(t, c.SecondFactorPending("alice"))

	stored, ok := store.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "tok-2fa-alice", stored.Token)
}

func TestRefreshAfterSecondFactorLogin(t *testing.T) {
	p := &fakeProvider{err: ErrSecondFactorRequired}
	c, store := newTestCoordinator(p)

	// first-time login for this account, paused on the challenge
	_, err := c.Login(context.Background(), "alice", "pw")
	require.ErrorIs(t, err, ErrSecondFactorRequired)

	cred, err := c.SubmitSecondFactor(context.Background(), "alice", "123456")
	require.NoError(t, err)
	assert.Equal(t, "pw", cred.Password)

	stored, ok := store.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "pw", stored.Password)

	// the next refresh re-logins with the retained password
	p.err = nil
	cred, err = c.Refresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "tok-alice", cred.Token)
	assert.Equal(t, "pw", cred.Password)
}

func TestRefreshUsesStoredPassword(t *testing.T) {
	p := &fakeProvider{}
	c, store := newTestCoordinator(p)
	store.Put(credential.Credential{Account: "alice", Token: "stale", Password: "pw", RefreshedAt: time.Now().Add(-time.Hour)})

	cred, err := c.Refresh(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "tok-alice", cred.Token)
	assert.Equal(t, "pw", cred.Password)
}

func TestRefreshWithoutPassword(t *testing.T) {
	c, _ := newTestCoordinator(&fakeProvider{})
	_, err := c.Refresh(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNoStoredPassword)
}

func TestLoginErrorNotRetried(t *testing.T) {
	p := &fakeProvider{err: errors.New("bad credentials")}
	c, store := newTestCoordinator(p)

	_, err := c.Login(context.Background(), "alice", "pw")
	require.Error(t, err)
	assert.Equal(t, int64(1), p.calls.Load())
	_, ok := store.Get("alice")
	assert.False(t, ok)
}
