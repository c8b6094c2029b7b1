package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"otp-smpp-gateway/auth"
	"otp-smpp-gateway/ratelimit"
)

// ClientRecord is the database row behind a client profile. APIKey is
// stored sealed with EncryptSecret when an encryption key is configured;
// Password holds a bcrypt hash.
type ClientRecord struct {
	ID              uint     `gorm:"primaryKey"`
	SystemID        string   `gorm:"uniqueIndex;size:16;not null"`
	Password        string   `gorm:"not null"`
	APIKey          string   `gorm:"not null"`
	DefaultLanguage string   `gorm:"size:2;default:en"`
	DefaultSender   string   `gorm:"size:16"`
	MaxTPS          int      `gorm:"default:50"`
	CodePatterns    []string `gorm:"serializer:json"`
	AllowedIPs      []string `gorm:"serializer:json"`
	AllowSendText   bool
	Enabled         bool
	FailureMode     string `gorm:"size:16;default:immediate"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ClientRecord) TableName() string { return "smpp_clients" }

// Profile converts the row, opening the API key with encryptionKey if set.
func (r ClientRecord) Profile(encryptionKey string) (auth.Profile, error) {
	apiKey := r.APIKey
	if encryptionKey != "" {
		var err error
		if apiKey, err = DecryptSecret(r.APIKey, encryptionKey); err != nil {
			return auth.Profile{}, fmt.Errorf("failed to decrypt api key for client %s: %w", r.SystemID, err)
		}
	}
	return auth.Profile{
		SystemID:        r.SystemID,
		Password:        r.Password,
		APIKey:          apiKey,
		DefaultLanguage: r.DefaultLanguage,
		DefaultSender:   r.DefaultSender,
		MaxTPS:          r.MaxTPS,
		CodePatterns:    r.CodePatterns,
		AllowedIPs:      r.AllowedIPs,
		AllowSendText:   r.AllowSendText,
		Enabled:         r.Enabled,
		FailureMode:     auth.FailureMode(r.FailureMode),
	}, nil
}

// ProfileSource produces the raw client list. The watcher hashes the raw
// bytes to detect changes before parsing them.
type ProfileSource interface {
	Name() string
	Fetch(ctx context.Context) ([]byte, error)
}

// FileSource reads a JSON client file.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file:" + s.Path }

func (s FileSource) Fetch(context.Context) ([]byte, error) {
	return os.ReadFile(s.Path)
}

// DBSource reads clients from the smpp_clients table and renders them as
// the same JSON list a client file holds.
type DBSource struct {
	DB            *gorm.DB
	EncryptionKey string
}

func (s DBSource) Name() string { return "db" }

func (s DBSource) Fetch(ctx context.Context) ([]byte, error) {
	var records []ClientRecord
	if err := s.DB.WithContext(ctx).Order("system_id").Find(&records).Error; err != nil {
		return nil, err
	}
	profiles := make([]auth.Profile, 0, len(records))
	for _, r := range records {
		p, err := r.Profile(s.EncryptionKey)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return json.Marshal(profiles)
}

// AddClient stores a new client row. p.Password is stored as given and
// should already be a bcrypt hash; the API key is sealed when encryptionKey
// is set.
func AddClient(db *gorm.DB, p auth.Profile, encryptionKey string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	apiKey := p.APIKey
	if encryptionKey != "" {
		var err error
		if apiKey, err = EncryptSecret(p.APIKey, encryptionKey); err != nil {
			return fmt.Errorf("failed to encrypt api key: %w", err)
		}
	}
	return db.Create(&ClientRecord{
		SystemID:        p.SystemID,
		Password:        p.Password,
		APIKey:          apiKey,
		DefaultLanguage: p.DefaultLanguage,
		DefaultSender:   p.DefaultSender,
		MaxTPS:          p.MaxTPS,
		CodePatterns:    p.CodePatterns,
		AllowedIPs:      p.AllowedIPs,
		AllowSendText:   p.AllowSendText,
		Enabled:         p.Enabled,
		FailureMode:     string(p.FailureMode),
	}).Error
}

type clientFile struct {
	Clients []auth.Profile `json:"clients"`
}

// ParseProfiles accepts {"clients": [...]} or a bare array and validates
// every entry. System ids must be unique.
func ParseProfiles(raw []byte) ([]auth.Profile, error) {
	raw = bytes.TrimSpace(raw)
	var profiles []auth.Profile
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &profiles); err != nil {
			return nil, fmt.Errorf("parse clients: %w", err)
		}
	} else {
		var f clientFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse clients: %w", err)
		}
		profiles = f.Clients
	}

	seen := make(map[string]bool, len(profiles))
	var errs []error
	for i := range profiles {
		p := &profiles[i]
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("client %d (%s): %w", i, p.SystemID, err))
			continue
		}
		if seen[p.SystemID] {
			errs = append(errs, fmt.Errorf("client %d: duplicate system id %s", i, p.SystemID))
		}
		seen[p.SystemID] = true
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return profiles, nil
}

// ClientWatcher keeps a StaticDirectory in step with a ProfileSource and
// drops the rate limiters of clients whose settings changed.
type ClientWatcher struct {
	source   ProfileSource
	dir      *auth.StaticDirectory
	limiters *ratelimit.Registry
	interval time.Duration
	lm       *LogManager

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	loaded   bool
}

func NewClientWatcher(source ProfileSource, dir *auth.StaticDirectory, limiters *ratelimit.Registry, interval time.Duration, lm *LogManager) *ClientWatcher {
	return &ClientWatcher{
		source:   source,
		dir:      dir,
		limiters: limiters,
		interval: interval,
		lm:       lm,
	}
}

// Poll reloads when the source content changed since the last successful
// load. On any failure the current snapshot stays in place.
func (w *ClientWatcher) Poll(ctx context.Context) (auth.ReloadResult, error) {
	return w.reload(ctx, false)
}

// ForceReload reloads regardless of the content hash.
func (w *ClientWatcher) ForceReload(ctx context.Context) (auth.ReloadResult, error) {
	return w.reload(ctx, true)
}

func (w *ClientWatcher) reload(ctx context.Context, force bool) (auth.ReloadResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw, err := w.source.Fetch(ctx)
	if err != nil {
		return auth.ReloadResult{}, w.failed("ClientSourceReadError", err)
	}
	sum := sha256.Sum256(raw)
	if !force && w.loaded && sum == w.lastHash {
		return auth.ReloadResult{}, nil
	}

	profiles, err := ParseProfiles(raw)
	if err != nil {
		return auth.ReloadResult{}, w.failed("ClientSourceInvalid", err)
	}

	res := w.dir.Reload(profiles)
	w.lastHash = sum
	w.loaded = true
	if changed := res.Changed(); len(changed) > 0 {
		w.limiters.Invalidate(changed...)
	}

	level := logrus.DebugLevel
	if !res.Empty() {
		level = logrus.InfoLevel
	}
	w.lm.SendLog(w.lm.BuildLog(
		"Clients.Reload",
		"ClientsReloaded",
		level,
		map[string]interface{}{
			"source":  w.source.Name(),
			"clients": w.dir.Len(),
			"added":   res.Added,
			"updated": res.Updated,
			"removed": res.Removed,
		},
	))
	return res, nil
}

func (w *ClientWatcher) failed(event string, err error) error {
	w.lm.SendLog(w.lm.BuildLog(
		"Clients.Reload",
		event,
		logrus.ErrorLevel,
		map[string]interface{}{
			"source":  w.source.Name(),
			"clients": w.dir.Len(),
		}, err,
	))
	return fmt.Errorf("reload clients from %s: %w", w.source.Name(), err)
}

// Run polls until ctx is done.
func (w *ClientWatcher) Run(ctx context.Context) {
	if w.interval <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Poll(ctx)
		}
	}
}
