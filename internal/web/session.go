package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

// Sessions binds a browser to a gateway account with a signed, encrypted
// cookie. There is no local user table; holding a valid session just means
// this browser performed the login flow for that account.
type Sessions struct {
	sc *securecookie.SecureCookie
}

type ctxKey string

const accountKey ctxKey = "account"

const cookieName = "courtkeeper_session"

const sessionTTL = 14 * 24 * time.Hour

func NewSessions(hashKey, blockKey []byte) *Sessions {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Sessions{sc: sc}
}

func (s *Sessions) Set(w http.ResponseWriter, r *http.Request, account string) error {
	val := map[string]any{"account": account, "v": 1}
	encoded, err := s.sc.Encode(cookieName, val)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Sessions) Account(r *http.Request) (string, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return "", false
	}
	val := map[string]any{}
	if err := s.sc.Decode(cookieName, c.Value, &val); err != nil {
		return "", false
	}
	account, ok := val["account"].(string)
	if !ok || account == "" {
		return "", false
	}
	return account, true
}

// RequireAccount rejects requests without a session; the bound account is
// placed on the request context.
func (s *Sessions) RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, ok := s.Account(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		ctx := context.WithValue(r.Context(), accountKey, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func AccountFromContext(ctx context.Context) (string, bool) {
	account, ok := ctx.Value(accountKey).(string)
	return account, ok
}
