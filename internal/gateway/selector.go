package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Factory builds a Gateway for a validated settings snapshot.
type Factory func(s Settings) (Gateway, error)

// NewFactory returns the production factory. transport may be nil.
func NewFactory(transport http.RoundTripper, timeout time.Duration) Factory {
	return func(s Settings) (Gateway, error) {
		var (
			gw  Gateway
			err error
		)
		switch s.Active {
		case ProviderResend:
			gw, err = NewResendGateway(s, transport, timeout)
		case ProviderSMTP:
			gw, err = NewSMTPGateway(s, timeout)
		case ProviderPostmark:
			gw, err = NewPostmarkGateway(s, transport, timeout)
		default:
			err = Misconfigured(s.Active, fmt.Errorf("unknown gateway %q", s.Active))
		}
		if err != nil {
			return nil, err
		}
		return gw, nil
	}
}

// Selector resolves the active gateway from the current settings. Settings
// are read on every call, so a switch takes effect without a restart.
type Selector struct {
	Settings SettingsSource
	Build    Factory
}

func NewSelector(settings SettingsSource, build Factory) *Selector {
	return &Selector{Settings: settings, Build: build}
}

// Active returns the configured gateway or a configuration error.
func (s *Selector) Active(ctx context.Context) (Gateway, error) {
	settings, err := s.Settings.Load(ctx)
	if err != nil {
		return nil, Transient("settings", fmt.Errorf("load gateway settings: %w", err))
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return s.Build(settings)
}

// Check validates the settings and reports which gateway would be used.
func (s *Selector) Check(ctx context.Context) (string, error) {
	gw, err := s.Active(ctx)
	if err != nil {
		return "", err
	}
	return gw.Name(), nil
}
