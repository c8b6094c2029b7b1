package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"otp-smpp-gateway/auth"
	"otp-smpp-gateway/otpapi"
	"otp-smpp-gateway/smpp"
)

// Config is the process configuration, read from the environment.
type Config struct {
	SMPPListen      string `validate:"required_if=EnablePlaintext true,omitempty,hostname_port"`
	EnablePlaintext bool
	TLSListen       string `validate:"omitempty,hostname_port"`
	TLSCertPath     string `validate:"required_with=TLSKeyPath"`
	TLSKeyPath      string `validate:"required_with=TLSCertPath"`
	ProxyProtocol   bool

	SMPP smpp.Config

	OTPAPIURL     string        `validate:"required,url"`
	OTPAPITimeout time.Duration `validate:"gt=0"`

	ClientSource         string `validate:"oneof=file db remote"`
	ClientConfigPath     string `validate:"required_if=ClientSource file"`
	ClientReloadInterval time.Duration
	EncryptionKey        string

	PostgresDSN string

	AuthAPIURL   string `validate:"required_if=ClientSource remote,omitempty,url"`
	AuthAPIKey   string `validate:"required_if=ClientSource remote"`
	AuthCacheTTL time.Duration

	PlaintextPasswords auth.PlaintextPolicy `validate:"oneof=allow warn reject"`

	WebListen string `validate:"omitempty,hostname_port"`
	APIKey    string

	LogLevel     string
	LokiURL      string `validate:"omitempty,url"`
	LokiUsername string
	LokiPassword string

	ServerID   string
	MsgRecords bool
}

// TLSEnabled reports whether the TLS listener is configured.
func (c Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) duration(key string, def, unit time.Duration) time.Duration {
	return time.Duration(e.integer(key, int(def/unit))) * unit
}

// LoadConfig reads the configuration through getenv and validates it.
func LoadConfig(getenv func(string) string) (Config, error) {
	e := &env{get: getenv}
	defaults := smpp.DefaultConfig()

	hostname, _ := os.Hostname()

	cfg := Config{
		SMPPListen:      e.str("SMPP_LISTEN", "0.0.0.0:2775"),
		EnablePlaintext: e.boolean("SMPP_ENABLE_PLAINTEXT", true),
		TLSListen:       e.str("SMPP_TLS_LISTEN", "0.0.0.0:2776"),
		TLSCertPath:     e.str("SMPP_TLS_CERT_PATH", ""),
		TLSKeyPath:      e.str("SMPP_TLS_KEY_PATH", ""),
		ProxyProtocol:   e.boolean("HAPROXY_PROXY_PROTOCOL", false),

		SMPP: smpp.Config{
			SystemID:           e.str("SMPP_SYSTEM_ID", defaults.SystemID),
			MaxConnections:     e.integer("SMPP_MAX_CONNECTIONS", defaults.MaxConnections),
			PreBindTimeout:     e.duration("SMPP_PRE_BIND_TIMEOUT_S", defaults.PreBindTimeout, time.Second),
			InactivityTimeout:  e.duration("ENQUIRE_LINK_TIMEOUT_S", defaults.InactivityTimeout, time.Second),
			MaxSessionDuration: e.duration("SMPP_MAX_SESSION_DURATION_S", defaults.MaxSessionDuration, time.Second),
			UnbindGrace:        e.duration("SMPP_UNBIND_GRACE_S", defaults.UnbindGrace, time.Second),
			ShutdownGrace:      e.duration("SHUTDOWN_GRACE_PERIOD_S", defaults.ShutdownGrace, time.Second),
			WriteTimeout:       defaults.WriteTimeout,
		},

		OTPAPIURL:     e.str("OTP_API_URL", otpapi.DefaultURL),
		OTPAPITimeout: e.duration("OTP_API_TIMEOUT_MS", otpapi.DefaultTimeout, time.Millisecond),

		ClientSource:         strings.ToLower(e.str("CLIENT_SOURCE", "file")),
		ClientConfigPath:     e.str("CLIENT_CONFIG_PATH", "config/clients.json"),
		ClientReloadInterval: e.duration("CLIENT_RELOAD_INTERVAL_S", 30*time.Second, time.Second),
		EncryptionKey:        e.str("CLIENT_ENCRYPTION_KEY", ""),

		PostgresDSN: postgresDSN(e),

		AuthAPIURL:   e.str("AUTH_API_URL", ""),
		AuthAPIKey:   e.str("AUTH_API_KEY", ""),
		AuthCacheTTL: e.duration("AUTH_API_CACHE_TTL_MS", auth.DefaultCacheTTL, time.Millisecond),

		PlaintextPasswords: auth.PlaintextPolicy(strings.ToLower(e.str("PLAINTEXT_PASSWORDS", string(auth.PlaintextWarn)))),

		WebListen: e.str("WEB_LISTEN", "127.0.0.1:8080"),
		APIKey:    e.str("API_KEY", ""),

		LogLevel:     e.str("LOG_LEVEL", "info"),
		LokiURL:      e.str("LOKI_URL", ""),
		LokiUsername: e.str("LOKI_USERNAME", ""),
		LokiPassword: e.str("LOKI_PASSWORD", ""),

		ServerID:   e.str("SERVER_ID", hostname),
		MsgRecords: e.boolean("MSG_RECORDS", false),
	}

	if len(e.errs) > 0 {
		return cfg, errors.Join(e.errs...)
	}
	return cfg, cfg.Validate()
}

// postgresDSN prefers POSTGRES_DSN and otherwise assembles one from DB_*.
func postgresDSN(e *env) string {
	if dsn := e.str("POSTGRES_DSN", ""); dsn != "" {
		return dsn
	}
	host := e.str("DB_HOST", "")
	if host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(e.str("DB_USER", ""), e.str("DB_PASSWORD", "")),
		Host:   host + ":" + e.str("DB_PORT", "5432"),
		Path:   "/" + e.str("DB_NAME", ""),
	}
	if mode := e.str("DB_SSLMODE", ""); mode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(mode)
	}
	return u.String()
}

var configValidator = validator.New()

func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.EnablePlaintext && !c.TLSEnabled() {
		return errors.New("invalid configuration: neither the plaintext nor the TLS listener is enabled")
	}
	if c.ClientSource == "db" && c.PostgresDSN == "" {
		return errors.New("invalid configuration: CLIENT_SOURCE=db needs POSTGRES_DSN or DB_HOST")
	}
	if c.MsgRecords && c.PostgresDSN == "" {
		return errors.New("invalid configuration: MSG_RECORDS needs POSTGRES_DSN or DB_HOST")
	}
	if c.SMPP.MaxConnections < 0 {
		return errors.New("invalid configuration: SMPP_MAX_CONNECTIONS must not be negative")
	}
	return nil
}
