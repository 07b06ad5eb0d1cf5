package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsValidate(t *testing.T) {
	valid := Settings{
		Active:    ProviderSMTP,
		FromEmail: "noreply@example.com",
		SMTP:      SMTPSettings{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p"},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{name: "unknown provider", mutate: func(s *Settings) { s.Active = "sendgrid" }},
		{name: "missing host", mutate: func(s *Settings) { s.SMTP.Host = "" }},
		{name: "bad port", mutate: func(s *Settings) { s.SMTP.Port = 70000 }},
		{name: "bad sender", mutate: func(s *Settings) { s.FromEmail = "not-an-address" }},
		{name: "resend without key", mutate: func(s *Settings) { s.Active = ProviderResend }},
		{name: "postmark without token", mutate: func(s *Settings) { s.Active = ProviderPostmark }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := valid
			tc.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.Equal(t, KindConfiguration, KindOf(err))
		})
	}
}

func TestSettingsKVRoundTrip(t *testing.T) {
	s := Settings{
		Active:    ProviderSMTP,
		FromEmail: "noreply@example.com",
		FromName:  "Shop",
		SMTP:      SMTPSettings{Host: "smtp.example.com", Port: 465, Username: "u", Password: "p", Secure: true},
		Resend:    ResendSettings{APIKey: "re_1"},
	}
	got := Settings{SMTP: SMTPSettings{Port: 587}}.ApplyKV(s.ToKV())
	assert.Equal(t, s, got)
}

func TestSettingsApplyKVKeepsDefaults(t *testing.T) {
	defaults := Settings{Active: ProviderResend, FromEmail: "env@example.com", Resend: ResendSettings{APIKey: "env-key"}}
	got := defaults.ApplyKV(map[string]string{
		"email_gateway_active":     "smtp",
		"email_gateway_from_email": "",
		"email_gateway_smtp_port":  "not-a-number",
		"unrelated":                "x",
	})
	assert.Equal(t, ProviderSMTP, got.Active)
	assert.Equal(t, "env-key", got.Resend.APIKey, "no stored row keeps the default")
	assert.Equal(t, "env@example.com", got.FromEmail)
	assert.Zero(t, got.SMTP.Port)
}

func TestSettingsApplyKVHonorsStoredClears(t *testing.T) {
	defaults := Settings{
		Active:    ProviderSMTP,
		FromEmail: "env@example.com",
		FromName:  "Env Shop",
		SMTP:      SMTPSettings{Host: "smtp.example.com", Port: 587, Username: "env-user", Password: "env-pass", Secure: true},
		Resend:    ResendSettings{APIKey: "env-key"},
	}
	saved, err := defaults.Clear("from_name", "smtp.username", "smtp.password", "resend.api_key")
	require.NoError(t, err)

	got := defaults.ApplyKV(saved.ToKV())
	assert.Equal(t, saved, got)
	assert.Empty(t, got.FromName)
	assert.Empty(t, got.SMTP.Username)
	assert.Empty(t, got.SMTP.Password)
	assert.Empty(t, got.Resend.APIKey)
	assert.True(t, got.SMTP.Secure)
}

func TestSettingsClearRejectsRequiredFields(t *testing.T) {
	s := Settings{Active: ProviderResend, FromEmail: "a@example.com"}
	_, err := s.Clear("from_email")
	assert.Error(t, err)
	_, err = s.Clear("active")
	assert.Error(t, err)
}

func TestSettingsMaskAndMerge(t *testing.T) {
	current := Settings{Active: ProviderResend, FromEmail: "a@example.com", Resend: ResendSettings{APIKey: "secret"}}
	masked := current.Masked()
	assert.Equal(t, maskedValue, masked.Resend.APIKey)

	masked.Active = ProviderPostmark
	masked.Postmark.ServerToken = "pm-token"
	merged := current.Merge(masked)
	assert.Equal(t, "secret", merged.Resend.APIKey)
	assert.Equal(t, ProviderPostmark, merged.Active)
	assert.Equal(t, "pm-token", merged.Postmark.ServerToken)
}

type countingStore struct {
	MemorySettings
	loads int
	err   error
}

func (c *countingStore) Load(ctx context.Context) (Settings, error) {
	c.loads++
	if c.err != nil {
		return Settings{}, c.err
	}
	return c.MemorySettings.Load(ctx)
}

func TestCachedSettings(t *testing.T) {
	store := &countingStore{}
	store.s = Settings{Active: ProviderResend}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewCachedSettings(store, 30*time.Second)
	cache.now = func() time.Time { return now }

	_, err := cache.Load(t.Context())
	require.NoError(t, err)
	_, err = cache.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, store.loads)

	require.NoError(t, cache.Save(t.Context(), Settings{Active: ProviderSMTP}))
	got, err := cache.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, ProviderSMTP, got.Active)
	assert.Equal(t, 2, store.loads)

	now = now.Add(31 * time.Second)
	_, err = cache.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, store.loads)

	store.err = errors.New("db down")
	now = now.Add(31 * time.Second)
	_, err = cache.Load(t.Context())
	assert.Error(t, err)
}

func TestSelectorActive(t *testing.T) {
	settings := NewMemorySettings(Settings{
		Active:    ProviderPostmark,
		FromEmail: "noreply@example.com",
		Postmark:  PostmarkSettings{ServerToken: "pm"},
	})
	sel := NewSelector(settings, NewFactory(nil, time.Second))

	name, err := sel.Check(t.Context())
	require.NoError(t, err)
	assert.Equal(t, ProviderPostmark, name)

	require.NoError(t, settings.Save(t.Context(), Settings{Active: ProviderResend, FromEmail: "noreply@example.com"}))
	_, err = sel.Active(t.Context())
	assert.Equal(t, KindConfiguration, KindOf(err))
}
