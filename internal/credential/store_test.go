package credential

import (
	"encoding/base64"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courtkeeper/internal/crypto"
)

func TestPutRejectsStaleWrite(t *testing.T) {
	s := NewStore()
	now := time.Now()

	require.True(t, s.Put(Credential{Account: "a", Token: "new", RefreshedAt: now}))
	assert.False(t, s.Put(Credential{Account: "a", Token: "old", RefreshedAt: now.Add(-time.Minute)}))
	assert.False(t, s.Put(Credential{Account: "a", Token: "same", RefreshedAt: now}))

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "new", got.Token)

	require.True(t, s.Put(Credential{Account: "a", Token: "newer", RefreshedAt: now.Add(time.Second)}))
	got, _ = s.Get("a")
	assert.Equal(t, "newer", got.Token)
}

func TestPutMonotonicUnderConcurrency(t *testing.T) {
	s := NewStore()
	base := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Put(Credential{Account: "a", Token: "t", RefreshedAt: base.Add(time.Duration(i) * time.Millisecond)})
		}()
	}
	wg.Wait()

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, base.Add(49*time.Millisecond), got.RefreshedAt)
}

func TestPutCarriesForwardPasswordAndEmail(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.Put(Credential{Account: "a", Token: "t1", Password: "pw", Email: "a@x", RefreshedAt: now})
	s.Put(Credential{Account: "a", Token: "t2", RefreshedAt: now.Add(time.Second)})

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "t2", got.Token)
	assert.Equal(t, "pw", got.Password)
	assert.Equal(t, "a@x", got.Email)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Put(Credential{Account: "a", Token: "t", Cookies: map[string]string{"k": "v"}})

	got, _ := s.Get("a")
	got.Cookies["k"] = "mutated"

	again, _ := s.Get("a")
	assert.Equal(t, "v", again.Cookies["k"])
}

func TestEvict(t *testing.T) {
	s := NewStore()
	s.Put(Credential{Account: "a", Token: "t"})
	s.Evict("a")
	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestSnapshotRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	aead, err := crypto.New(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sessions.enc")

	s := NewStore()
	s.Put(Credential{Account: "a", Token: "t", Password: "pw", Cookies: map[string]string{"sid": "1"}})
	s.Put(Credential{Account: "b", Token: "u"})
	require.NoError(t, s.SaveSnapshot(path, aead))

	restored := NewStore()
	n, err := restored.LoadSnapshot(path, aead)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, ok := restored.Get("a")
	require.True(t, ok)
	assert.Equal(t, "pw", got.Password)
	assert.Equal(t, "1", got.Cookies["sid"])
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	aead, _ := crypto.New(make([]byte, 32))
	s := NewStore()
	n, err := s.LoadSnapshot(filepath.Join(t.TempDir(), "absent.enc"), aead)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClaimsFromToken(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{
		"userId": 0,
		"userInfo": map[string]any{
			"userId": 4211,
			"sno":    "202031000",
		},
	})
	token := "eyJhbGciOiJIUzI1NiJ9." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"

	claims, err := ClaimsFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(4211), claims.UserID)
	assert.Equal(t, "202031000", claims.Account)

	_, err = ClaimsFromToken("not-a-jwt")
	assert.Error(t, err)
}
