package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/courtkeeper/internal/credential"
)

// ErrNoStoredPassword means a refresh was requested for an account that
// never logged in through this process, so there is nothing to re-login with.
var ErrNoStoredPassword = errors.New("login: no stored password for account")

// Coordinator deduplicates logins per account. Concurrent callers for the
// same account share one in-flight provider invocation: the first caller
// performs the real login and every waiter receives its result. Successful
// results are always published to the credential store before callers see
// them.
type Coordinator struct {
	provider Provider
	creds    *credential.Store
	log      *slog.Logger

	// Timeout bounds how long any caller blocks on an in-flight login.
	Timeout time.Duration

	group singleflight.Group

	// pending maps accounts paused on a second-factor challenge to the
	// password they logged in with, so the eventual publish retains it for
	// later automatic refreshes.
	mu      sync.Mutex
	pending map[string]string
}

func NewCoordinator(provider Provider, creds *credential.Store, log *slog.Logger) *Coordinator {
	return &Coordinator{
		provider: provider,
		creds:    creds,
		log:      log,
		Timeout:  90 * time.Second,
		pending:  make(map[string]string),
	}
}

// Login runs the single-flighted login for account. Exactly one provider
// invocation happens per overlapping burst of calls for the same account.
func (c *Coordinator) Login(ctx context.Context, account, password string) (credential.Credential, error) {
	if account == "" {
		return credential.Credential{}, fmt.Errorf("login: account required")
	}

	ch := c.group.DoChan(account, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		defer cancel()

		res, err := c.provider.Login(ctx, account, password)
		if err != nil {
			if errors.Is(err, ErrSecondFactorRequired) {
				c.markPending(account, password)
			}
			return credential.Credential{}, err
		}
		return c.publish(account, password, res), nil
	})

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	select {
	case r := <-ch:
		if r.Err != nil {
			return credential.Credential{}, r.Err
		}
		return r.Val.(credential.Credential), nil
	case <-ctx.Done():
		// the leader keeps running; this waiter just stops waiting
		return credential.Credential{}, fmt.Errorf("login: timed out waiting for in-flight login: %w", ctx.Err())
	}
}

// Refresh re-authenticates account with its retained password. Used when a
// credential is discovered invalid mid-renewal; single-flighted with any
// concurrent Login or Refresh for the same account.
func (c *Coordinator) Refresh(ctx context.Context, account string) (credential.Credential, error) {
	cred, ok := c.creds.Get(account)
	if !ok || cred.Password == "" {
		return credential.Credential{}, ErrNoStoredPassword
	}
	c.log.Info("re-authenticating", "account", account)
	return c.Login(ctx, account, cred.Password)
}

// SubmitSecondFactor resumes a paused challenge with an externally supplied
// one-time code.
func (c *Coordinator) SubmitSecondFactor(ctx context.Context, account, code string) (credential.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	res, err := c.provider.SubmitSecondFactor(ctx, account, code)
	if err != nil {
		return credential.Credential{}, err
	}
	password := c.takePending(account)
	if password == "" {
		if cred, ok := c.creds.Get(account); ok {
			password = cred.Password
		}
	}
	return c.publish(account, password, res), nil
}

// SecondFactorPending reports whether account is paused on a challenge.
func (c *Coordinator) SecondFactorPending(account string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[account]
	return ok
}

func (c *Coordinator) publish(account, password string, res Result) credential.Credential {
	cred := credential.Credential{
		Account:     account,
		Token:       res.Token,
		Cookies:     res.Cookies,
		Password:    password,
		RefreshedAt: time.Now(),
	}
	if c.creds.Put(cred) {
		c.log.Info("credential refreshed", "account", account, "cookies", len(res.Cookies))
	}
	// read back so callers see the freshest published value, which may be a
	// newer concurrent write
	if current, ok := c.creds.Get(account); ok {
		return current
	}
	return cred
}

func (c *Coordinator) markPending(account, password string) {
	c.mu.Lock()
	c.pending[account] = password
	c.mu.Unlock()
}

// takePending clears the paused challenge for account and returns the
// password retained when it was marked.
func (c *Coordinator) takePending(account string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	password := c.pending[account]
	delete(c.pending, account)
	return password
}
