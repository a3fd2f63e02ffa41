package login

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	json "github.com/goccy/go-json"
)

// ExecProvider delegates the portal login to an external helper command,
// typically a headless-browser driver. The helper receives a JSON request on
// stdin and prints a JSON result on stdout:
//
//	in:  {"account":"...","password":"..."} or {"account":"...","code":"..."}
//	out: {"token":"...","cookies":{...}} or {"secondFactor":true}
type ExecProvider struct {
	Command []string
}

type execRequest struct {
	Account  string `json:"account"`
	Password string `json:"password,omitempty"`
	Code     string `json:"code,omitempty"`
}

type execResult struct {
	Token        string            `json:"token"`
	Cookies      map[string]string `json:"cookies"`
	SecondFactor bool              `json:"secondFactor"`
	Error        string            `json:"error"`
}

func (p *ExecProvider) Login(ctx context.Context, account, password string) (Result, error) {
	return p.run(ctx, execRequest{Account: account, Password: password})
}

func (p *ExecProvider) SubmitSecondFactor(ctx context.Context, account, code string) (Result, error) {
	return p.run(ctx, execRequest{Account: account, Code: code})
}

func (p *ExecProvider) run(ctx context.Context, req execRequest) (Result, error) {
	if len(p.Command) == 0 {
		return Result{}, fmt.Errorf("login: no login helper configured")
	}

	in, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Result{}, fmt.Errorf("login helper: %s: %w", msg, err)
		}
		return Result{}, fmt.Errorf("login helper: %w", err)
	}

	var res execResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return Result{}, fmt.Errorf("login helper output: %w", err)
	}
	switch {
	case res.SecondFactor:
		return Result{}, ErrSecondFactorRequired
	case res.Error != "":
		return Result{}, fmt.Errorf("login helper: %s", res.Error)
	case res.Token == "":
		return Result{}, fmt.Errorf("login helper returned no token")
	}
	return Result{Token: res.Token, Cookies: res.Cookies}, nil
}
