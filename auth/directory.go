package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound           = errors.New("auth: client not found")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Directory resolves bind credentials to a client profile.
type Directory interface {
	VerifyPassword(ctx context.Context, systemID, password string) (*Profile, error)
	IsIPAllowed(p *Profile, remoteIP string) bool
}

// PlaintextPolicy controls how profiles with non-hashed secrets are treated.
type PlaintextPolicy string

const (
	PlaintextAllow  PlaintextPolicy = "allow"
	PlaintextWarn   PlaintextPolicy = "warn"
	PlaintextReject PlaintextPolicy = "reject"
)

type Option func(*verifier)

func WithPlaintextPolicy(p PlaintextPolicy) Option {
	return func(v *verifier) { v.policy = p }
}

func WithLogger(log *logrus.Entry) Option {
	return func(v *verifier) { v.log = log }
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// equalizerHash is compared against when the system id is unknown so a miss
// costs the same as a wrong password.
func equalizerHash() []byte {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("smpp-gateway-equalizer"), bcrypt.DefaultCost)
	})
	return dummyHash
}

type verifier struct {
	policy      PlaintextPolicy
	log         *logrus.Entry
	compareHash func(hash, password []byte) error
}

func newVerifier(opts []Option) verifier {
	v := verifier{
		policy:      PlaintextWarn,
		log:         logrus.NewEntry(logrus.StandardLogger()),
		compareHash: bcrypt.CompareHashAndPassword,
	}
	for _, opt := range opts {
		opt(&v)
	}
	return v
}

// compare runs exactly one bcrypt comparison whatever the stored secret, so
// known and unknown system ids fail in the same time.
func (v *verifier) compare(secret, password string) bool {
	if isBcryptHash(secret) {
		return v.compareHash([]byte(secret), []byte(password)) == nil
	}
	v.miss(password)
	if v.policy == PlaintextReject {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
}

func (v *verifier) miss(password string) {
	_ = v.compareHash(equalizerHash(), []byte(password))
}

// check logs profiles whose secret is stored in plaintext.
func (v *verifier) check(p *Profile) {
	if p.HasHashedPassword() || v.policy == PlaintextAllow {
		return
	}
	entry := v.log.WithField("system_id", p.SystemID)
	if v.policy == PlaintextReject {
		entry.Error("PlaintextPasswordRejected")
		return
	}
	entry.Warn("PlaintextPassword")
}

func (v *verifier) verify(p *Profile, password string) (*Profile, error) {
	if p == nil {
		v.miss(password)
		return nil, ErrNotFound
	}
	if !v.compare(p.Password, password) {
		return nil, ErrInvalidCredentials
	}
	return p, nil
}

// IPAllowed reports whether remoteIP may bind as p. An empty allow-list
// permits any address.
func IPAllowed(p *Profile, remoteIP string) bool {
	if p == nil {
		return false
	}
	if len(p.AllowedIPs) == 0 {
		return true
	}
	ip := strings.TrimPrefix(remoteIP, "::ffff:")
	for _, allowed := range p.AllowedIPs {
		if allowed == ip {
			return true
		}
	}
	return false
}
