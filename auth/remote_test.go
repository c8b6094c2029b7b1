package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemote(t *testing.T) (*RemoteDirectory, *authority, *time.Time) {
	a, srv := newAuthority(t, testProfiles(t))
	dir := NewRemoteDirectory(srv.URL+"/clients/", "authority-key", 10*time.Minute, srv.Client())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	dir.now = func() time.Time { return now }
	return dir, a, &now
}

func TestRemoteCachesLookups(t *testing.T) {
	dir, a, _ := newRemote(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := dir.VerifyPassword(ctx, "beta", "plain")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), a.hits.Load())
	assert.Equal(t, 1, dir.Len())
}

func TestRemoteRefetchesAfterTTL(t *testing.T) {
	dir, a, now := newRemote(t)
	ctx := context.Background()

	_, err := dir.VerifyPassword(ctx, "beta", "plain")
	require.NoError(t, err)

	*now = now.Add(11 * time.Minute)
	_, err = dir.VerifyPassword(ctx, "beta", "plain")
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.hits.Load())
}

func TestRemoteCachesDisabledProfiles(t *testing.T) {
	dir, a, _ := newRemote(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := dir.VerifyPassword(ctx, "gamma", "plain")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int64(1), a.hits.Load())
}

func TestRemoteStaleFallback(t *testing.T) {
	dir, a, now := newRemote(t)
	ctx := context.Background()

	_, err := dir.VerifyPassword(ctx, "beta", "plain")
	require.NoError(t, err)

	a.failing.Store(true)
	*now = now.Add(time.Hour)

	p, err := dir.VerifyPassword(ctx, "beta", "plain")
	require.NoError(t, err, "expired entry serves while the authority is down")
	assert.Equal(t, "beta", p.SystemID)

	_, err = dir.VerifyPassword(ctx, "alpha", "s3cret")
	assert.ErrorIs(t, err, ErrNotFound, "no stale value to fall back to")
}

func TestRemoteNoStaleFallbackForDisabled(t *testing.T) {
	dir, a, now := newRemote(t)
	ctx := context.Background()

	_, _ = dir.VerifyPassword(ctx, "gamma", "plain")
	a.failing.Store(true)
	*now = now.Add(time.Hour)

	_, err := dir.VerifyPassword(ctx, "gamma", "plain")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoteEvictAndClear(t *testing.T) {
	dir, a, _ := newRemote(t)
	ctx := context.Background()

	_, _ = dir.VerifyPassword(ctx, "beta", "plain")
	_, _ = dir.VerifyPassword(ctx, "delta", "pw")
	require.Equal(t, 2, dir.Len())

	dir.Evict("beta")
	assert.Equal(t, 1, dir.Len())
	_, _ = dir.VerifyPassword(ctx, "beta", "plain")
	assert.Equal(t, int64(3), a.hits.Load())

	dir.ClearCache()
	assert.Equal(t, 0, dir.Len())
}

func TestRemoteMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	dir := NewRemoteDirectory(srv.URL, "k", time.Minute, srv.Client())
	_, err := dir.VerifyPassword(context.Background(), "alpha", "s3cret")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, dir.Len())
}
