package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hashed(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func testProfiles(t *testing.T) []Profile {
	return []Profile{
		{SystemID: "alpha", Password: hashed(t, "s3cret"), APIKey: "key-a", DefaultLanguage: "en", MaxTPS: 10, Enabled: true, FailureMode: FailureImmediate},
		{SystemID: "beta", Password: "plain", APIKey: "key-b", DefaultLanguage: "fr", MaxTPS: 5, Enabled: true, FailureMode: FailureReceiptOnly},
		{SystemID: "gamma", Password: "plain", APIKey: "key-c", DefaultLanguage: "en", MaxTPS: 5, Enabled: false, FailureMode: FailureImmediate},
		{SystemID: "delta", Password: "pw", APIKey: "key-d", DefaultLanguage: "en", MaxTPS: 5, Enabled: true, FailureMode: FailureImmediate,
			AllowedIPs: []string{"10.0.0.1", "2001:db8::1"}},
	}
}

type authority struct {
	profiles map[string]Profile
	hits     atomic.Int64
	failing  atomic.Bool
	apiKey   string
}

func (a *authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.hits.Add(1)
	if a.failing.Load() {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if r.Header.Get("X-API-Key") != a.apiKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	p, ok := a.profiles[strings.TrimPrefix(r.URL.Path, "/clients/")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(p)
}

func newAuthority(t *testing.T, profiles []Profile) (*authority, *httptest.Server) {
	a := &authority{profiles: make(map[string]Profile), apiKey: "authority-key"}
	for _, p := range profiles {
		a.profiles[p.SystemID] = p
	}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	return a, srv
}

// Both strategies must satisfy the same contract.
func directories(t *testing.T) map[string]Directory {
	profiles := testProfiles(t)
	_, srv := newAuthority(t, profiles)
	return map[string]Directory{
		"static": NewStaticDirectory(profiles),
		"remote": NewRemoteDirectory(srv.URL+"/clients", "authority-key", time.Minute, srv.Client()),
	}
}

func TestDirectoryContract(t *testing.T) {
	ctx := context.Background()
	for name, dir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			p, err := dir.VerifyPassword(ctx, "alpha", "s3cret")
			require.NoError(t, err)
			assert.Equal(t, "key-a", p.APIKey)

			_, err = dir.VerifyPassword(ctx, "alpha", "wrong")
			assert.ErrorIs(t, err, ErrInvalidCredentials)

			p, err = dir.VerifyPassword(ctx, "beta", "plain")
			require.NoError(t, err)
			assert.Equal(t, FailureReceiptOnly, p.FailureMode)

			_, err = dir.VerifyPassword(ctx, "beta", "plai")
			assert.ErrorIs(t, err, ErrInvalidCredentials)

			_, err = dir.VerifyPassword(ctx, "gamma", "plain")
			assert.ErrorIs(t, err, ErrNotFound, "disabled profiles are not resolvable")

			_, err = dir.VerifyPassword(ctx, "nobody", "whatever")
			assert.ErrorIs(t, err, ErrNotFound)

			alpha, err := dir.VerifyPassword(ctx, "alpha", "s3cret")
			require.NoError(t, err)
			assert.True(t, dir.IsIPAllowed(alpha, "192.0.2.44"), "empty allow-list permits any source")

			delta, err := dir.VerifyPassword(ctx, "delta", "pw")
			require.NoError(t, err)
			assert.True(t, dir.IsIPAllowed(delta, "10.0.0.1"))
			assert.True(t, dir.IsIPAllowed(delta, "::ffff:10.0.0.1"))
			assert.True(t, dir.IsIPAllowed(delta, "2001:db8::1"))
			assert.False(t, dir.IsIPAllowed(delta, "10.0.0.2"))
			assert.False(t, dir.IsIPAllowed(nil, "10.0.0.1"))
		})
	}
}

func TestPlaintextRejectPolicy(t *testing.T) {
	dir := NewStaticDirectory(testProfiles(t), WithPlaintextPolicy(PlaintextReject))

	_, err := dir.VerifyPassword(context.Background(), "beta", "plain")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = dir.VerifyPassword(context.Background(), "alpha", "s3cret")
	assert.NoError(t, err, "hashed secrets are unaffected")
}

func TestIsBcryptHash(t *testing.T) {
	assert.True(t, isBcryptHash("$2a$10$abcdefghijklmnopqrstuv"))
	assert.True(t, isBcryptHash("$2b$12$abcdefghijklmnopqrstuv"))
	assert.False(t, isBcryptHash("$1$md5"))
	assert.False(t, isBcryptHash("password"))
}

func TestFailedBindsCostOneHashCompare(t *testing.T) {
	for _, policy := range []PlaintextPolicy{PlaintextAllow, PlaintextWarn, PlaintextReject} {
		t.Run(string(policy), func(t *testing.T) {
			dir := NewStaticDirectory(testProfiles(t), WithPlaintextPolicy(policy))
			var compares int
			dir.compareHash = func(hash, password []byte) error {
				compares++
				return bcrypt.CompareHashAndPassword(hash, password)
			}
			attempts := map[string][2]string{
				"unknown id":               {"nobody", "plain"},
				"disabled id":              {"gamma", "plain"},
				"plaintext wrong password": {"beta", "plai"},
				"hashed wrong password":    {"alpha", "wrong"},
			}
			for name, a := range attempts {
				compares = 0
				_, err := dir.VerifyPassword(context.Background(), a[0], a[1])
				require.Error(t, err, name)
				assert.Equal(t, 1, compares, name)
			}
		})
	}
}
