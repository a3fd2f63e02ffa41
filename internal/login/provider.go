package login

import (
	"context"
	"errors"
)

// Result is a freshly captured session from the external login flow.
type Result struct {
	Token   string
	Cookies map[string]string
}

// ErrSecondFactorRequired means the flow is paused on a verification-code
// challenge. The provider keeps the pending authentication context alive
// until SubmitSecondFactor resolves it for the same account.
var ErrSecondFactorRequired = errors.New("login: second factor required")

// Provider performs the interactive login against the external service.
// Implementations typically drive a browser and intercept traffic; that is
// outside this module, which only depends on this contract.
type Provider interface {
	Login(ctx context.Context, account, password string) (Result, error)
	SubmitSecondFactor(ctx context.Context, account, code string) (Result, error)
}
