package web

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courtkeeper/internal/credential"
	"github.com/example/courtkeeper/internal/gateway"
	"github.com/example/courtkeeper/internal/journal"
	"github.com/example/courtkeeper/internal/login"
	"github.com/example/courtkeeper/internal/task"
)

type fakeEngine struct {
	tasks    []task.Info
	lastMode string
	lastKey  gateway.ResourceKey
	startErr error
	stopped  []string
}

func (e *fakeEngine) StartScan(_ string, key gateway.ResourceKey, _ float64) (string, error) {
	e.lastMode, e.lastKey = "scan", key
	if e.startErr != nil {
		return "", e.startErr
	}
	return "TASK1234", nil
}

func (e *fakeEngine) StartDirect(_ context.Context, _ string, key gateway.ResourceKey, _ float64) (string, error) {
	e.lastMode, e.lastKey = "direct", key
	if e.startErr != nil {
		return "", e.startErr
	}
	return "TASK1234", nil
}

func (e *fakeEngine) StopTask(id string) bool {
	e.stopped = append(e.stopped, id)
	return id != "NOSUCH"
}

func (e *fakeEngine) ListTasks(string) []task.Info { return e.tasks }

type fakeAuth struct {
	loginErr    error
	pending     map[string]bool
	lastAccount string
}

func (a *fakeAuth) Login(_ context.Context, account, _ string) (credential.Credential, error) {
	a.lastAccount = account
	if a.loginErr != nil {
		return credential.Credential{}, a.loginErr
	}
	return credential.Credential{Account: account, Token: "t", RefreshedAt: time.Now()}, nil
}

func (a *fakeAuth) SubmitSecondFactor(_ context.Context, account, code string) (credential.Credential, error) {
	if code != "123456" {
		return credential.Credential{}, fmt.Errorf("bad code")
	}
	return credential.Credential{Account: account, Token: "t", RefreshedAt: time.Now()}, nil
}

func (a *fakeAuth) SecondFactorPending(account string) bool { return a.pending[account] }

type fakeGateway struct {
	slots []gateway.Slot
	err   error
}

func (g *fakeGateway) QueryAvailability(context.Context, credential.Credential, string) ([]gateway.Slot, error) {
	return g.slots, g.err
}

func (g *fakeGateway) SubmitReservation(context.Context, credential.Credential, int64, gateway.ResourceKey, float64) error {
	return nil
}

type fixture struct {
	srv    *httptest.Server
	engine *fakeEngine
	auth   *fakeAuth
	creds  *credential.Store
	client *http.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := &fakeEngine{}
	auth := &fakeAuth{pending: map[string]bool{}}
	creds := credential.NewStore()
	s := &Server{
		Engine:   engine,
		Auth:     auth,
		Gateway:  &fakeGateway{},
		Creds:    creds,
		Journal:  journal.New(),
		Sessions: NewSessions(bytes.Repeat([]byte{1}, 32), bytes.Repeat([]byte{2}, 32)),
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	jar := newCookieJar(t)
	return &fixture{srv: srv, engine: engine, auth: auth, creds: creds, client: &http.Client{Jar: jar}}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := f.client.Post(f.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func (f *fixture) login(t *testing.T, account string) {
	t.Helper()
	resp := f.post(t, "/api/login", map[string]string{"account": account, "password": "pw"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.creds.Put(credential.Credential{Account: account, Token: "t", RefreshedAt: time.Now()})
}

func newCookieJar(t *testing.T) http.CookieJar {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return jar
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestLoginSetsSession(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/login", map[string]string{"account": "alice", "password": "pw"})
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["account"])

	resp2, err := f.client.Get(f.srv.URL + "/api/tasks")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestLoginSecondFactorHandshake(t *testing.T) {
	f := newFixture(t)
	f.auth.loginErr = login.ErrSecondFactorRequired
	f.auth.pending["alice"] = true

	resp := f.post(t, "/api/login", map[string]string{"account": "alice", "password": "pw"})
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["secondFactor"])

	resp2 := f.post(t, "/api/login/code", map[string]string{"account": "alice", "code": "123456"})
	body2 := decodeBody(t, resp2)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "alice", body2["account"])
}

func TestSecondFactorWithoutPendingLogin(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/login/code", map[string]string{"account": "alice", "code": "123456"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLoginRejected(t *testing.T) {
	f := newFixture(t)
	f.auth.loginErr = fmt.Errorf("wrong password")
	resp := f.post(t, "/api/login", map[string]string{"account": "alice", "password": "bad"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedRoutesNeedSession(t *testing.T) {
	f := newFixture(t)
	resp, err := f.client.Get(f.srv.URL + "/api/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateScanTask(t *testing.T) {
	f := newFixture(t)
	f.login(t, "alice")

	date := time.Now().Add(48 * time.Hour).Format("2006-01-02")
	resp := f.post(t, "/api/tasks", map[string]any{
		"mode": "scan", "date": date, "startTime": "20:00", "endTime": "21:00",
	})
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "TASK1234", body["id"])
	assert.Equal(t, "scan", f.engine.lastMode)
	assert.Equal(t, date, f.engine.lastKey.Date)
}

func TestCreateDirectTask(t *testing.T) {
	f := newFixture(t)
	f.login(t, "alice")

	date := time.Now().Add(48 * time.Hour).Format("2006-01-02")
	resp := f.post(t, "/api/tasks", map[string]any{
		"mode": "direct", "date": date, "startTime": "20:00", "endTime": "21:00", "venueId": "101",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "direct", f.engine.lastMode)
	assert.Equal(t, "101", f.engine.lastKey.VenueID)
}

func TestCreateTaskRejectsPastSlot(t *testing.T) {
	f := newFixture(t)
	f.login(t, "alice")

	date := time.Now().Add(-48 * time.Hour).Format("2006-01-02")
	resp := f.post(t, "/api/tasks", map[string]any{
		"mode": "scan", "date": date, "startTime": "20:00", "endTime": "21:00",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopTask(t *testing.T) {
	f := newFixture(t)
	f.login(t, "alice")

	req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/tasks/TASK1234", nil)
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"TASK1234"}, f.engine.stopped)

	req2, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/tasks/NOSUCH", nil)
	resp2, err := f.client.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestAvailabilityRequiresDate(t *testing.T) {
	f := newFixture(t)
	f.login(t, "alice")

	resp, err := f.client.Get(f.srv.URL + "/api/availability?date=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAvailabilityReportsExpiredSession(t *testing.T) {
	f := newFixture(t)
	f.login(t, "alice")
	f.creds.Evict("alice")

	resp, err := f.client.Get(f.srv.URL + "/api/availability?date=" + time.Now().Format("2006-01-02"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
