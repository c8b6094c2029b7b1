package auth

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// ReloadResult lists the system ids that changed in a reload.
type ReloadResult struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

func (r ReloadResult) Empty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Removed) == 0
}

// Changed returns the updated and removed ids, the ones whose shared state
// must be invalidated.
func (r ReloadResult) Changed() []string {
	out := make([]string, 0, len(r.Updated)+len(r.Removed))
	out = append(out, r.Updated...)
	return append(out, r.Removed...)
}

// StaticDirectory serves profiles from an in-memory snapshot that is swapped
// atomically on reload.
type StaticDirectory struct {
	verifier
	mu       sync.Mutex
	profiles atomic.Pointer[map[string]*Profile]
}

func NewStaticDirectory(profiles []Profile, opts ...Option) *StaticDirectory {
	d := &StaticDirectory{verifier: newVerifier(opts)}
	empty := make(map[string]*Profile)
	d.profiles.Store(&empty)
	d.Reload(profiles)
	return d
}

func (d *StaticDirectory) VerifyPassword(_ context.Context, systemID, password string) (*Profile, error) {
	p, _ := d.Lookup(systemID)
	return d.verify(p, password)
}

func (d *StaticDirectory) IsIPAllowed(p *Profile, remoteIP string) bool {
	return IPAllowed(p, remoteIP)
}

// Lookup returns the enabled profile for systemID.
func (d *StaticDirectory) Lookup(systemID string) (*Profile, bool) {
	p, ok := (*d.profiles.Load())[systemID]
	return p, ok
}

func (d *StaticDirectory) Len() int {
	return len(*d.profiles.Load())
}

// Reload replaces the snapshot with the enabled entries of profiles and
// reports the difference from the previous one.
func (d *StaticDirectory) Reload(profiles []Profile) ReloadResult {
	next := make(map[string]*Profile, len(profiles))
	for i := range profiles {
		if !profiles[i].Enabled {
			continue
		}
		p := profiles[i]
		d.check(&p)
		next[p.SystemID] = &p
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev := *d.profiles.Load()
	var res ReloadResult
	for id, p := range next {
		old, ok := prev[id]
		switch {
		case !ok:
			res.Added = append(res.Added, id)
		case old.fingerprint() != p.fingerprint():
			res.Updated = append(res.Updated, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			res.Removed = append(res.Removed, id)
		}
	}
	sort.Strings(res.Added)
	sort.Strings(res.Updated)
	sort.Strings(res.Removed)

	d.profiles.Store(&next)
	return res
}
