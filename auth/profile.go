package auth

import (
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FailureMode decides how delivery API failures are reported to the client.
type FailureMode string

const (
	// FailureImmediate answers submit_sm with a mapped error status.
	FailureImmediate FailureMode = "immediate"
	// FailureReceiptOnly answers submit_sm with success and reports the
	// failure through a delivery receipt.
	FailureReceiptOnly FailureMode = "receipt_only"
)

const (
	DefaultLanguage = "en"
	DefaultMaxTPS   = 50
)

// Profile is one provisioned SMPP client. Profiles are treated as immutable
// once loaded; a reload replaces them wholesale.
type Profile struct {
	SystemID        string      `json:"systemId" validate:"required,max=16"`
	Password        string      `json:"password" validate:"required"`
	APIKey          string      `json:"apiKey" validate:"required"`
	DefaultLanguage string      `json:"defaultLanguage" validate:"len=2"`
	DefaultSender   string      `json:"defaultSender,omitempty" validate:"max=16"`
	MaxTPS          int         `json:"maxTps" validate:"min=1,max=10000"`
	CodePatterns    []string    `json:"codePatterns,omitempty"`
	AllowedIPs      []string    `json:"allowedIps,omitempty" validate:"dive,ip"`
	AllowSendText   bool        `json:"allowSendText"`
	Enabled         bool        `json:"enabled"`
	FailureMode     FailureMode `json:"failureMode" validate:"oneof=immediate receipt_only"`
}

var validate = validator.New()

// UnmarshalJSON applies profile defaults for fields absent from the document.
func (p *Profile) UnmarshalJSON(b []byte) error {
	type plain Profile
	v := plain{
		DefaultLanguage: DefaultLanguage,
		MaxTPS:          DefaultMaxTPS,
		Enabled:         true,
		FailureMode:     FailureImmediate,
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Profile(v)
	return nil
}

func (p *Profile) Validate() error {
	return validate.Struct(p)
}

// HasHashedPassword reports whether the stored secret is a bcrypt hash.
func (p *Profile) HasHashedPassword() bool {
	return isBcryptHash(p.Password)
}

func isBcryptHash(secret string) bool {
	return strings.HasPrefix(secret, "$2a$") ||
		strings.HasPrefix(secret, "$2b$") ||
		strings.HasPrefix(secret, "$2y$")
}

// fingerprint is the serialized content used to detect updated profiles.
func (p *Profile) fingerprint() string {
	b, _ := json.Marshal(p)
	return string(b)
}
