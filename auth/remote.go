package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultCacheTTL = 30 * time.Minute

type cacheEntry struct {
	profile *Profile
	expires time.Time
}

// RemoteDirectory looks profiles up in a credential authority over HTTP and
// caches every answer, disabled profiles included. Expired entries stay in the
// cache as a fallback for when the authority is unreachable.
type RemoteDirectory struct {
	verifier
	baseURL string
	apiKey  string
	ttl     time.Duration
	client  *http.Client
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewRemoteDirectory(baseURL, apiKey string, ttl time.Duration, client *http.Client, opts ...Option) *RemoteDirectory {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &RemoteDirectory{
		verifier: newVerifier(opts),
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		ttl:      ttl,
		client:   client,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
}

func (d *RemoteDirectory) VerifyPassword(ctx context.Context, systemID, password string) (*Profile, error) {
	return d.verify(d.resolve(ctx, systemID), password)
}

func (d *RemoteDirectory) IsIPAllowed(p *Profile, remoteIP string) bool {
	return IPAllowed(p, remoteIP)
}

// Evict drops the cached entry for systemID.
func (d *RemoteDirectory) Evict(systemID string) {
	d.mu.Lock()
	delete(d.cache, systemID)
	d.mu.Unlock()
}

func (d *RemoteDirectory) ClearCache() {
	d.mu.Lock()
	d.cache = make(map[string]cacheEntry)
	d.mu.Unlock()
}

func (d *RemoteDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}

// resolve returns the enabled profile for systemID or nil.
func (d *RemoteDirectory) resolve(ctx context.Context, systemID string) *Profile {
	d.mu.RLock()
	entry, cached := d.cache[systemID]
	d.mu.RUnlock()

	if cached && d.now().Before(entry.expires) {
		return enabledOnly(entry.profile)
	}

	p, err := d.fetch(ctx, systemID)
	if err != nil {
		log := d.log.WithFields(logrus.Fields{"system_id": systemID}).WithError(err)
		if cached && entry.profile.Enabled {
			log.Warn("AuthAPIDegraded")
			return entry.profile
		}
		log.Error("AuthAPIFetchFailed")
		return nil
	}

	d.check(p)
	d.mu.Lock()
	d.cache[systemID] = cacheEntry{profile: p, expires: d.now().Add(d.ttl)}
	d.mu.Unlock()

	return enabledOnly(p)
}

func enabledOnly(p *Profile) *Profile {
	if p == nil || !p.Enabled {
		return nil
	}
	return p
}

func (d *RemoteDirectory) fetch(ctx context.Context, systemID string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/"+url.PathEscape(systemID), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request to auth api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("auth api returned status %d", resp.StatusCode)
	}

	var p Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return nil, fmt.Errorf("error decoding auth api response: %w", err)
	}
	if p.SystemID == "" {
		p.SystemID = systemID
	}
	if p.SystemID != systemID {
		return nil, fmt.Errorf("auth api returned profile for %q", p.SystemID)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile from auth api: %w", err)
	}
	return &p, nil
}
