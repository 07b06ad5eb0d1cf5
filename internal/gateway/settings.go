package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultTimeout = 10 * time.Second

// Settings is a snapshot of the gateway configuration. Environment values
// are the defaults; rows saved through the admin API override them.
type Settings struct {
	Active    string `env:"GATEWAY_ACTIVE" envDefault:"resend" json:"active"`
	FromEmail string `env:"GATEWAY_FROM_EMAIL" envDefault:"noreply@example.com" json:"from_email"`
	FromName  string `env:"GATEWAY_FROM_NAME" json:"from_name"`

	Resend   ResendSettings   `json:"resend"`
	SMTP     SMTPSettings     `json:"smtp"`
	Postmark PostmarkSettings `json:"postmark"`
}

type ResendSettings struct {
	APIKey  string `env:"RESEND_API_KEY" json:"api_key"`
	BaseURL string `env:"RESEND_BASE_URL" json:"base_url,omitempty"`
}

type SMTPSettings struct {
	Host     string `env:"SMTP_HOST" json:"host"`
	Port     int    `env:"SMTP_PORT" envDefault:"587" json:"port"`
	Username string `env:"SMTP_USERNAME" json:"username"`
	Password string `env:"SMTP_PASSWORD" json:"password"`
	// Secure selects implicit TLS (usually port 465); otherwise STARTTLS is
	// used when the server offers it.
	Secure bool `env:"SMTP_SECURE" json:"secure"`
}

type PostmarkSettings struct {
	ServerToken string `env:"POSTMARK_SERVER_TOKEN" json:"server_token"`
	BaseURL     string `env:"POSTMARK_BASE_URL" json:"base_url,omitempty"`
}

// LoadEnvSettings parses the environment defaults.
func LoadEnvSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse gateway environment: %w", err)
	}
	return s, nil
}

// Validate checks that the active provider has everything it needs. The
// returned error is always a configuration error.
func (s Settings) Validate() error {
	name := s.Active
	if _, err := mail.ParseAddress(s.From()); err != nil {
		return Misconfigured(name, fmt.Errorf("invalid sender address: %w", err))
	}
	switch s.Active {
	case ProviderResend:
		if s.Resend.APIKey == "" {
			return Misconfigured(name, errors.New("resend api key is not set"))
		}
	case ProviderSMTP:
		if s.SMTP.Host == "" || s.SMTP.Username == "" || s.SMTP.Password == "" {
			return Misconfigured(name, errors.New("smtp host, username and password are required"))
		}
		if s.SMTP.Port <= 0 || s.SMTP.Port > 65535 {
			return Misconfigured(name, fmt.Errorf("invalid smtp port %d", s.SMTP.Port))
		}
	case ProviderPostmark:
		if s.Postmark.ServerToken == "" {
			return Misconfigured(name, errors.New("postmark server token is not set"))
		}
	default:
		return Misconfigured(name, fmt.Errorf("unknown gateway %q", s.Active))
	}
	return nil
}

// From renders the sender as an RFC 5322 address.
func (s Settings) From() string {
	if s.FromName == "" {
		return s.FromEmail
	}
	return (&mail.Address{Name: s.FromName, Address: s.FromEmail}).String()
}

// Masked returns a copy safe to hand to the admin UI.
func (s Settings) Masked() Settings {
	s.Resend.APIKey = mask(s.Resend.APIKey)
	s.SMTP.Password = mask(s.SMTP.Password)
	s.Postmark.ServerToken = mask(s.Postmark.ServerToken)
	return s
}

const maskedValue = "********"

func mask(v string) string {
	if v == "" {
		return ""
	}
	return maskedValue
}

// Merge applies an admin update on top of s. Masked secrets and empty
// fields keep their current value.
func (s Settings) Merge(update Settings) Settings {
	str := func(dst *string, v string) {
		if v != "" && v != maskedValue {
			*dst = v
		}
	}
	str(&s.Active, update.Active)
	str(&s.FromEmail, update.FromEmail)
	str(&s.FromName, update.FromName)
	str(&s.Resend.APIKey, update.Resend.APIKey)
	str(&s.Resend.BaseURL, update.Resend.BaseURL)
	str(&s.SMTP.Host, update.SMTP.Host)
	str(&s.SMTP.Username, update.SMTP.Username)
	str(&s.SMTP.Password, update.SMTP.Password)
	if update.SMTP.Port != 0 {
		s.SMTP.Port = update.SMTP.Port
	}
	s.SMTP.Secure = update.SMTP.Secure
	str(&s.Postmark.ServerToken, update.Postmark.ServerToken)
	str(&s.Postmark.BaseURL, update.Postmark.BaseURL)
	return s
}

const settingsPrefix = "email_gateway_"

// ToKV flattens settings into system_settings rows.
func (s Settings) ToKV() map[string]string {
	return map[string]string{
		settingsPrefix + "active":            s.Active,
		settingsPrefix + "from_email":        s.FromEmail,
		settingsPrefix + "from_name":         s.FromName,
		settingsPrefix + "resend_api_key":    s.Resend.APIKey,
		settingsPrefix + "resend_base_url":   s.Resend.BaseURL,
		settingsPrefix + "smtp_host":         s.SMTP.Host,
		settingsPrefix + "smtp_port":         strconv.Itoa(s.SMTP.Port),
		settingsPrefix + "smtp_username":     s.SMTP.Username,
		settingsPrefix + "smtp_password":     s.SMTP.Password,
		settingsPrefix + "smtp_secure":       strconv.FormatBool(s.SMTP.Secure),
		settingsPrefix + "postmark_token":    s.Postmark.ServerToken,
		settingsPrefix + "postmark_base_url": s.Postmark.BaseURL,
	}
}

// ApplyKV overlays stored rows on s. A key with no row keeps the value
// from s. A stored empty value clears optional fields; an empty active
// gateway, sender address, port or TLS flag keeps the value from s.
func (s Settings) ApplyKV(kv map[string]string) Settings {
	for key, value := range kv {
		switch strings.TrimPrefix(key, settingsPrefix) {
		case "active":
			if value != "" {
				s.Active = value
			}
		case "from_email":
			if value != "" {
				s.FromEmail = value
			}
		case "from_name":
			s.FromName = value
		case "resend_api_key":
			s.Resend.APIKey = value
		case "resend_base_url":
			s.Resend.BaseURL = value
		case "smtp_host":
			s.SMTP.Host = value
		case "smtp_port":
			if port, err := strconv.Atoi(value); err == nil {
				s.SMTP.Port = port
			}
		case "smtp_username":
			s.SMTP.Username = value
		case "smtp_password":
			s.SMTP.Password = value
		case "smtp_secure":
			if value != "" {
				s.SMTP.Secure = value == "true"
			}
		case "postmark_token":
			s.Postmark.ServerToken = value
		case "postmark_base_url":
			s.Postmark.BaseURL = value
		}
	}
	return s
}

// Clear empties the named optional fields. Merge cannot express this since
// it treats empty input as "keep".
func (s Settings) Clear(fields ...string) (Settings, error) {
	for _, f := range fields {
		switch f {
		case "from_name":
			s.FromName = ""
		case "resend.api_key":
			s.Resend.APIKey = ""
		case "resend.base_url":
			s.Resend.BaseURL = ""
		case "smtp.host":
			s.SMTP.Host = ""
		case "smtp.username":
			s.SMTP.Username = ""
		case "smtp.password":
			s.SMTP.Password = ""
		case "postmark.server_token":
			s.Postmark.ServerToken = ""
		case "postmark.base_url":
			s.Postmark.BaseURL = ""
		default:
			return s, fmt.Errorf("field %q cannot be cleared", f)
		}
	}
	return s, nil
}

// SettingsSource yields the current settings snapshot.
type SettingsSource interface {
	Load(ctx context.Context) (Settings, error)
}

// SettingsStore is a SettingsSource the admin surface can write to.
type SettingsStore interface {
	SettingsSource
	Save(ctx context.Context, s Settings) error
}

// CachedSettings keeps the last snapshot for ttl. Save invalidates it so an
// admin switching providers is honored on the next call.
type CachedSettings struct {
	store SettingsStore
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	cached   Settings
	loadedAt time.Time
	valid    bool
}

func NewCachedSettings(store SettingsStore, ttl time.Duration) *CachedSettings {
	return &CachedSettings{store: store, ttl: ttl, now: time.Now}
}

func (c *CachedSettings) Load(ctx context.Context) (Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.now().Sub(c.loadedAt) < c.ttl {
		return c.cached, nil
	}
	s, err := c.store.Load(ctx)
	if err != nil {
		return Settings{}, err
	}
	c.cached, c.loadedAt, c.valid = s, c.now(), true
	return s, nil
}

func (c *CachedSettings) Save(ctx context.Context, s Settings) error {
	defer c.Invalidate()
	return c.store.Save(ctx, s)
}

func (c *CachedSettings) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// MemorySettings holds settings in process. Used by tests and by
// deployments without a database.
type MemorySettings struct {
	mu sync.RWMutex
	s  Settings
}

func NewMemorySettings(s Settings) *MemorySettings {
	return &MemorySettings{s: s}
}

func (m *MemorySettings) Load(context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s, nil
}

func (m *MemorySettings) Save(_ context.Context, s Settings) error {
	m.mu.Lock()
	m.s = s
	m.mu.Unlock()
	return nil
}
